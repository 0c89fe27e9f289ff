package lifecycle

import (
	"context"
	"time"

	"github.com/circleci/ftrd/config"
	"github.com/circleci/ftrd/logger"
	"github.com/circleci/ftrd/o11y"
	"github.com/circleci/ftrd/service"
)

type ConfigStore interface {
	Load(path string) (*config.Snapshot, error)
}

type ConfigStoreFunc func(path string) (*config.Snapshot, error)

func (f ConfigStoreFunc) Load(path string) (*config.Snapshot, error) {
	return f(path)
}

// Logger is a provider that can fail. Once Done is closed the controller fails.
type Logger interface {
	o11y.Provider
	Done() <-chan struct{}
	Err() error
}

type LoggerFactory interface {
	Init(prefix string, snap *config.Snapshot, console bool) (Logger, error)
}

type LoggerFactoryFunc func(prefix string, snap *config.Snapshot, console bool) (Logger, error)

func (f LoggerFactoryFunc) Init(prefix string, snap *config.Snapshot, console bool) (Logger, error) {
	return f(prefix, snap, console)
}

// Generation is one running instance of the service.
type Generation interface {
	// Serve starts accepting without blocking.
	Serve(ctx context.Context)
	// Stop stops accepting and drains sessions for up to drain.
	Stop(ctx context.Context, drain time.Duration) error
	// Done is closed if the generation stops serving on its own, Err says why.
	Done() <-chan struct{}
	Err() error
}

type ServiceCore interface {
	// Start acquires what the generation for snap needs without serving. prev is the
	// generation being replaced, or nil.
	Start(ctx context.Context, snap *config.Snapshot, prev Generation) (Generation, error)
}

func DefaultConfigStore() ConfigStore {
	return ConfigStoreFunc(config.Load)
}

func DefaultLoggerFactory(opts ...logger.Option) LoggerFactory {
	return LoggerFactoryFunc(func(prefix string, snap *config.Snapshot, console bool) (Logger, error) {
		l, err := logger.Init(prefix, snap, console, opts...)
		if err != nil {
			return nil, err
		}
		return l, nil
	})
}

// Services adapts a service.Core to the controller.
func Services(core *service.Core) ServiceCore {
	return coreAdapter{core: core}
}

type coreAdapter struct {
	core *service.Core
}

func (a coreAdapter) Start(ctx context.Context, snap *config.Snapshot, prev Generation) (Generation, error) {
	p, _ := prev.(*service.Generation)
	g, err := a.core.Start(ctx, snap, p)
	if err != nil {
		return nil, err
	}
	return g, nil
}
