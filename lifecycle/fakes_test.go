package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/circleci/ftrd/config"
	"github.com/circleci/ftrd/logger"
	"github.com/circleci/ftrd/o11y"
)

type fakeLogger struct {
	o11y.Provider
	done   chan struct{}
	err    error
	closed atomic.Bool
}

func newFakeLogger() *fakeLogger {
	return &fakeLogger{
		Provider: logger.Console(io.Discard, config.FormatText),
		done:     make(chan struct{}),
	}
}

func (l *fakeLogger) Close(context.Context) { l.closed.Store(true) }
func (l *fakeLogger) Done() <-chan struct{} { return l.done }

func (l *fakeLogger) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *fakeLogger) breakWith(err error) {
	l.err = err
	close(l.done)
}

type fakeGeneration struct {
	snap    *config.Snapshot
	prev    Generation
	served  atomic.Bool
	stopped atomic.Bool
	drain   time.Duration
	stopErr error
	// block holds Stop until closed, when set.
	block chan struct{}
	done  chan struct{}
	err   error
}

func (g *fakeGeneration) Serve(context.Context) { g.served.Store(true) }

func (g *fakeGeneration) Stop(_ context.Context, drain time.Duration) error {
	if g.block != nil {
		<-g.block
	}
	g.drain = drain
	g.stopped.Store(true)
	return g.stopErr
}

func (g *fakeGeneration) Done() <-chan struct{} { return g.done }
func (g *fakeGeneration) Err() error            { return g.err }

func (g *fakeGeneration) die(err error) {
	g.err = err
	close(g.done)
}

// fakes is the set of collaborators a test controller is built from. Each step records its
// calls so tests can assert on the order.
type fakes struct {
	mu      sync.Mutex
	calls   []string
	loadErr error
	initErr error
	svcErr  error
	// gate holds the service step until closed, when set.
	gate chan struct{}
	// initGate holds the logger step until closed, when set.
	initGate chan struct{}

	loggers []*fakeLogger
	gens    []*fakeGeneration
}

func (f *fakes) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakes) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakes) lastLogger() *fakeLogger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggers[len(f.loggers)-1]
}

func (f *fakes) lastGen() *fakeGeneration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gens[len(f.gens)-1]
}

func (f *fakes) options() Options {
	return Options{
		Prefix: "/srv/ftr/",
		Config: ConfigStoreFunc(func(path string) (*config.Snapshot, error) {
			f.record("load " + path)
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.loadErr != nil {
				return nil, f.loadErr
			}
			snap := config.Defaults()
			snap.Source = path
			snap.DrainTimeout = time.Second
			return snap, nil
		}),
		Logging: LoggerFactoryFunc(func(prefix string, snap *config.Snapshot, console bool) (Logger, error) {
			f.record("logger")
			f.mu.Lock()
			initGate := f.initGate
			f.mu.Unlock()
			if initGate != nil {
				<-initGate
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.initErr != nil {
				return nil, f.initErr
			}
			l := newFakeLogger()
			f.loggers = append(f.loggers, l)
			return l, nil
		}),
		Service: serviceFunc(func(ctx context.Context, snap *config.Snapshot, prev Generation) (Generation, error) {
			f.record("service")
			f.mu.Lock()
			gate := f.gate
			f.mu.Unlock()
			if gate != nil {
				<-gate
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.svcErr != nil {
				return nil, f.svcErr
			}
			g := &fakeGeneration{snap: snap, prev: prev, done: make(chan struct{})}
			f.gens = append(f.gens, g)
			return g, nil
		}),
		Bootstrap: logger.Console(io.Discard, config.FormatText),
	}
}

func (f *fakes) set(fn func(f *fakes)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type serviceFunc func(ctx context.Context, snap *config.Snapshot, prev Generation) (Generation, error)

func (s serviceFunc) Start(ctx context.Context, snap *config.Snapshot, prev Generation) (Generation, error) {
	return s(ctx, snap, prev)
}

var errBoom = errors.New("boom")
