package config

import (
	"net"
	"regexp"
	"strings"
)

type HostKind int

const (
	HostInvalid HostKind = iota
	HostIPv4
	HostIPv6
	HostLocalhost
	HostDomain
)

func (k HostKind) String() string {
	switch k {
	case HostIPv4:
		return "ipv4"
	case HostIPv6:
		return "ipv6"
	case HostLocalhost:
		return "localhost"
	case HostDomain:
		return "domain"
	}
	return "invalid"
}

var (
	label    = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
	numeric  = regexp.MustCompile(`^[0-9]+$`)
	maxHostN = 253
)

// ClassifyHost reports what kind of host name h is. IPv6 addresses may be bracketed.
func ClassifyHost(h string) HostKind {
	h = hostOnly(h)
	if strings.EqualFold(h, "localhost") {
		return HostLocalhost
	}
	if ip := net.ParseIP(h); ip != nil {
		if ip.To4() != nil && !strings.Contains(h, ":") {
			return HostIPv4
		}
		return HostIPv6
	}
	if h == "" || len(h) > maxHostN {
		return HostInvalid
	}
	labels := strings.Split(strings.TrimSuffix(h, "."), ".")
	for _, l := range labels {
		if !label.MatchString(l) {
			return HostInvalid
		}
	}
	if numeric.MatchString(labels[len(labels)-1]) {
		return HostInvalid
	}
	return HostDomain
}

func hostOnly(h string) string {
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		return h[1 : len(h)-1]
	}
	return h
}
