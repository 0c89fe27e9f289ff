package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/circleci/ftrd/o11y"
)

type Generation struct {
	addr    string
	ln      *trackedListener
	handler Handler
	slots   chan struct{}

	mu       sync.Mutex
	served   bool
	stopping bool

	sessCtx     context.Context
	endSessions context.CancelFunc
	sessions    sync.WaitGroup
	acceptDone  chan struct{}
	rejected    atomic.Int64

	done chan struct{}
	err  error

	stopOnce sync.Once
	stopErr  error
}

func newGeneration(addr string, ln net.Listener, h Handler, maxConns int) *Generation {
	return &Generation{
		addr:       addr,
		ln:         newTrackedListener(ln),
		handler:    h,
		slots:      make(chan struct{}, maxConns),
		acceptDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Addr is the address the generation is listening on.
func (g *Generation) Addr() string {
	return g.ln.Addr().String()
}

// Done is closed if the generation stops accepting without being stopped.
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Err returns why the generation stopped accepting, once Done is closed.
func (g *Generation) Err() error {
	select {
	case <-g.done:
		return g.err
	default:
		return nil
	}
}

// Serve starts accepting connections. It does not block. Sessions run until Stop, independent
// of the cancellation of ctx.
func (g *Generation) Serve(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.served || g.stopping {
		return
	}
	g.served = true

	base := context.WithoutCancel(ctx)
	g.sessCtx, g.endSessions = context.WithCancel(base)
	go g.acceptLoop(base)
}

// Stop closes the listener, asks the sessions to finish and waits up to drain for them. Sessions
// still open after that are closed, and the returned error wraps ErrForced.
func (g *Generation) Stop(ctx context.Context, drain time.Duration) error {
	g.stopOnce.Do(func() {
		g.stopErr = g.stop(ctx, drain)
	})
	return g.stopErr
}

func (g *Generation) stop(ctx context.Context, drain time.Duration) (err error) {
	ctx, span := o11y.StartSpan(ctx, "service: stop")
	defer o11y.End(span, &err)
	span.AddField("address", g.Addr())
	span.AddField("drain_timeout", drain)

	g.mu.Lock()
	g.stopping = true
	served := g.served
	g.mu.Unlock()

	if cerr := g.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		span.AddField("close_error", cerr)
	}
	if !served {
		return nil
	}
	<-g.acceptDone
	g.endSessions()
	span.AddField("sessions", g.ln.active())

	drained := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(drained)
	}()

	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-drained:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	n := g.ln.closeConns()
	<-drained
	span.AddField("forced", n)
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%d session(s): %w", n, ErrForced)
}

// inherit duplicates the listening socket for the generation replacing this one.
func (g *Generation) inherit() (net.Listener, error) {
	tl, ok := g.ln.Listener.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("cannot share a %T", g.ln.Listener)
	}
	f, err := tl.File()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return net.FileListener(f)
}

func (g *Generation) isStopping() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopping
}

func (g *Generation) acceptLoop(ctx context.Context) {
	defer close(g.acceptDone)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0

	for {
		conn, err := g.ln.Accept()
		if err != nil {
			if g.isStopping() {
				return
			}
			if isTemporary(err) {
				delay := bo.NextBackOff()
				o11y.LogError(ctx, "service: accept", err, o11y.Field("retry_in", delay))
				time.Sleep(delay)
				continue
			}
			g.err = fmt.Errorf("accept on %s: %w", g.addr, err)
			o11y.LogError(ctx, "service: accept loop died", g.err)
			close(g.done)
			return
		}
		bo.Reset()
		g.dispatch(ctx, conn)
	}
}

func (g *Generation) dispatch(ctx context.Context, conn net.Conn) {
	select {
	case g.slots <- struct{}{}:
	default:
		g.rejected.Add(1)
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = io.WriteString(conn, reply(421, "Too many connections."))
		_ = conn.Close()
		o11y.Log(ctx, "service: connection refused",
			o11y.Field("remote", conn.RemoteAddr().String()),
			o11y.Field("reason", "too many connections"),
		)
		return
	}

	g.sessions.Add(1)
	go g.serveConn(conn)
}

func (g *Generation) serveConn(conn net.Conn) {
	ctx, span := o11y.StartSpan(g.sessCtx, "service: session")
	span.AddField("remote", conn.RemoteAddr().String())

	defer g.sessions.Done()
	defer func() { <-g.slots }()
	defer span.End()
	defer func() {
		_ = conn.Close()
	}()
	defer func() {
		if r := recover(); r != nil {
			_ = o11y.HandlePanic(ctx, span, r)
		}
	}()

	g.handler.Handle(ctx, conn)
}

// Gauges reports the listener's connection counts.
func (g *Generation) Gauges(ctx context.Context) map[string]float64 {
	gauges := g.ln.Gauges(ctx)
	gauges["rejected_connections"] = float64(g.rejected.Load())
	return gauges
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
