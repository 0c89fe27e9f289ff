// Package service runs the daemon's listener and sessions. A Generation owns one listener and
// the sessions accepted on it; the lifecycle decides when generations start and stop.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/circleci/ftrd/config"
	"github.com/circleci/ftrd/o11y"
)

type Core struct {
	// NewHandler builds the session handler for a generation. It defaults to NewControl.
	NewHandler func(snap *config.Snapshot) Handler
}

// Start acquires the listener for snap without accepting on it. When prev listens on the same
// address its socket is inherited, so no connection is refused while one generation replaces
// another. A port of zero binds any free port.
func (c *Core) Start(ctx context.Context, snap *config.Snapshot, prev *Generation) (g *Generation, err error) {
	ctx, span := o11y.StartSpan(ctx, "service: start")
	defer o11y.End(span, &err)

	if snap == nil {
		return nil, &StartError{Kind: InvalidConfig, Err: errors.New("no configuration")}
	}
	addr := snap.Addr()
	span.AddField("address", addr)

	switch {
	case config.ClassifyHost(snap.ServerName) == config.HostInvalid:
		return nil, &StartError{Kind: InvalidConfig, Addr: addr, Err: fmt.Errorf("invalid server name %q", snap.ServerName)}
	case snap.Port < 0 || snap.Port > 65535:
		return nil, &StartError{Kind: InvalidConfig, Addr: addr, Err: fmt.Errorf("invalid port %d", snap.Port)}
	case snap.MaxConnections < 1:
		return nil, &StartError{Kind: InvalidConfig, Addr: addr, Err: errors.New("max_connections must be positive")}
	}

	var ln net.Listener
	if prev != nil && prev.addr == addr {
		span.AddField("inherited", true)
		ln, err = prev.inherit()
	} else {
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &StartError{Kind: ResourceUnavailable, Addr: addr, Err: err}
	}
	span.AddField("listening", ln.Addr().String())

	newHandler := c.NewHandler
	if newHandler == nil {
		newHandler = NewControl
	}
	return newGeneration(addr, ln, newHandler(snap), snap.MaxConnections), nil
}
