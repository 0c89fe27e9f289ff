package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/circleci/ftrd/lifecycle"
	"github.com/circleci/ftrd/o11y"
)

type HTTPServer struct {
	listener        net.Listener
	shutdownTimeout time.Duration
	server          *http.Server
	conns           *connTracker
}

type Config struct {
	// Name is the name of the server in o11y
	Name string
	// Addr is the address to listen on
	Addr string
	// Handler is the  HTTP handler to delegate requests to.
	Handler http.Handler

	// Optional
	// Network must be "tcp", "tcp4", "tcp6", "unix", "unixpacket" or "" (which defaults to tcp).
	Network string
	// ShutdownTimeout bounds the wait for in flight requests. It defaults to ten seconds.
	ShutdownTimeout time.Duration
}

func New(ctx context.Context, cfg Config) (s *HTTPServer, err error) {
	_, span := o11y.StartSpan(ctx, "httpserver: new "+cfg.Name)
	defer o11y.End(span, &err)
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	span.AddField("server_name", cfg.Name)
	span.AddField("address", cfg.Addr)
	span.AddField("network", cfg.Network)

	ln, err := net.Listen(cfg.Network, cfg.Addr)
	if err != nil {
		return nil, err
	}
	span.AddField("listening", ln.Addr().String())

	conns := &connTracker{name: cfg.Name, states: map[net.Conn]http.ConnState{}}
	return &HTTPServer{
		listener:        ln,
		shutdownTimeout: cfg.ShutdownTimeout,
		conns:           conns,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           cfg.Handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       55 * time.Second,
			WriteTimeout:      55 * time.Second,
			ConnState:         conns.track,
			BaseContext: func(net.Listener) context.Context {
				return context.WithoutCancel(ctx)
			},
		},
	}, nil
}

// Serve the http server. On context cancellation the server is shutdown giving some time
// for the in flight requests to be handled.
func (s *HTTPServer) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(cctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := s.server.Serve(s.listener)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}

func (s *HTTPServer) MetricsProducer() lifecycle.MetricProducer {
	return s.conns
}

func (s *HTTPServer) Addr() string {
	return s.listener.Addr().String()
}

// connTracker follows connection states through http.Server.ConnState.
type connTracker struct {
	name     string
	mu       sync.Mutex
	states   map[net.Conn]http.ConnState
	accepted int
}

func (t *connTracker) track(c net.Conn, state http.ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch state {
	case http.StateNew:
		t.accepted++
		t.states[c] = state
	case http.StateClosed, http.StateHijacked:
		delete(t.states, c)
	default:
		t.states[c] = state
	}
}

func (t *connTracker) MetricName() string {
	return t.name + "-listener"
}

// Gauges returns a set of key value pairs representing gauge metrics.
func (t *connTracker) Gauges(context.Context) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var active, idle int
	for _, s := range t.states {
		if s == http.StateIdle {
			idle++
			continue
		}
		active++
	}
	return map[string]float64{
		"total_connections":  float64(t.accepted),
		"active_connections": float64(active),
		"idle_connections":   float64(idle),
	}
}
