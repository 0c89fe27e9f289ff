package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/circleci/ftrd/config/secret"
)

type setter func(s *Snapshot, value string) error

var options = map[string]setter{
	"server_name": func(s *Snapshot, v string) error {
		if ClassifyHost(v) == HostInvalid {
			return fmt.Errorf("invalid server name %q", v)
		}
		s.ServerName = v
		return nil
	},
	"port": func(s *Snapshot, v string) error {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid port %q", v)
		}
		switch {
		case p == 0:
			return errors.New("the port cannot be zero")
		case p < 0 || p > 65535:
			return fmt.Errorf("port %d out of range", p)
		}
		s.Port = p
		return nil
	},
	"root": func(s *Snapshot, v string) error {
		s.Root = v
		return nil
	},
	"error_log": func(s *Snapshot, v string) error {
		s.ErrorLog = v
		return nil
	},
	"access_log": func(s *Snapshot, v string) error {
		s.AccessLog = v
		return nil
	},
	"max_connections": func(s *Snapshot, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid max_connections %q", v)
		}
		s.MaxConnections = n
		return nil
	},
	"drain_timeout": func(s *Snapshot, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid drain_timeout %q", v)
		}
		s.DrainTimeout = d
		return nil
	},
	"idle_timeout": func(s *Snapshot, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid idle_timeout %q", v)
		}
		s.IdleTimeout = d
		return nil
	},
	"log_format": func(s *Snapshot, v string) error {
		switch f := Format(v); f {
		case FormatText, FormatJSON, FormatColor:
			s.LogFormat = f
			return nil
		}
		return fmt.Errorf("unknown log_format %q", v)
	},
	"statsd_address": func(s *Snapshot, v string) error {
		if _, _, err := net.SplitHostPort(v); err != nil {
			return fmt.Errorf("invalid statsd_address %q", v)
		}
		s.StatsdAddress = v
		return nil
	},
	"rollbar_token": func(s *Snapshot, v string) error {
		s.RollbarToken = secret.String(v)
		return nil
	},
}

type userSetter func(u *User, value string)

var userOptions = map[string]userSetter{
	"username": func(u *User, v string) { u.Name = v },
	"password": func(u *User, v string) { u.Password = secret.String(v) },
	"root":     func(u *User, v string) { u.Root = v },
}

// Parse reads a configuration in the ftr file format from r. The source names r in errors.
//
// One option per line, `name = value`. `#` starts a comment. Users are declared in blocks:
//
//	user {
//	    username = anonymous
//	    root = pub
//	}
func Parse(source string, r io.Reader) (*Snapshot, error) {
	p := parser{snap: Defaults(), seen: map[string]int{}}
	p.snap.Source = source

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.line++
		p.parseLine(sc.Text())
	}
	if err := sc.Err(); err != nil {
		p.errorf("read failed: %v", err)
	}
	if p.user != nil {
		p.err = multierror.Append(p.err, fmt.Errorf("line %d: unterminated user block", p.userLine))
	}
	if p.entries == 0 && p.err == nil {
		p.err = multierror.Append(p.err, errors.New("empty configuration"))
	}
	p.validateUsers()

	if p.err != nil {
		p.err.ErrorFormat = oneLine
		return nil, &InvalidError{Source: source, Reason: p.err.Error(), err: p.err}
	}
	return p.snap, nil
}

type parser struct {
	snap    *Snapshot
	line    int
	entries int
	seen    map[string]int

	user     *User
	userLine int
	userSeen map[string]bool

	err *multierror.Error
}

func (p *parser) errorf(format string, args ...interface{}) {
	p.err = multierror.Append(p.err, fmt.Errorf("line %d: "+format, append([]interface{}{p.line}, args...)...))
}

func (p *parser) parseLine(raw string) {
	line := raw
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return
	case line == "}":
		p.closeUser()
		return
	case isUserOpen(line):
		p.openUser()
		return
	}

	name, value, ok := strings.Cut(line, "=")
	name, value = strings.TrimSpace(name), strings.TrimSpace(value)
	if !ok || name == "" || strings.ContainsAny(name, " \t") {
		p.errorf("unexpected %q", line)
		return
	}
	if value == "" {
		p.errorf("option %q has no value", name)
		return
	}
	p.entries++

	if p.user != nil {
		set, ok := userOptions[name]
		if !ok {
			p.errorf("unknown user option %q", name)
			return
		}
		if p.userSeen[name] {
			p.errorf("duplicate user option %q", name)
			return
		}
		p.userSeen[name] = true
		set(p.user, value)
		return
	}

	set, ok := options[name]
	if !ok {
		p.errorf("unknown option %q", name)
		return
	}
	if prev, dup := p.seen[name]; dup {
		p.errorf("option %q already set on line %d", name, prev)
		return
	}
	p.seen[name] = p.line
	if err := set(p.snap, value); err != nil {
		p.errorf("%v", err)
	}
}

func isUserOpen(line string) bool {
	rest, ok := strings.CutPrefix(line, "user")
	return ok && strings.TrimSpace(rest) == "{"
}

func (p *parser) openUser() {
	if p.user != nil {
		p.errorf("nested user block")
		return
	}
	p.user = &User{}
	p.userLine = p.line
	p.userSeen = map[string]bool{}
	p.entries++
}

func (p *parser) closeUser() {
	if p.user == nil {
		p.errorf("unexpected }")
		return
	}
	p.snap.Users = append(p.snap.Users, *p.user)
	p.user = nil
}

func (p *parser) validateUsers() {
	names := map[string]bool{}
	for i, u := range p.snap.Users {
		switch {
		case u.Name == "":
			p.err = multierror.Append(p.err, fmt.Errorf("user %d has no username", i+1))
		case names[u.Name]:
			p.err = multierror.Append(p.err, fmt.Errorf("duplicate user %q", u.Name))
		}
		names[u.Name] = true
	}
}

func oneLine(errs []error) string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}
