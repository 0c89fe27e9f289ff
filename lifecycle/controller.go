// Package lifecycle owns the daemon's state machine. The Controller starts the configuration,
// the logger and the service in that order, replaces them on Reload, and stops the service on
// Shutdown. It is safe to call from the signal bridge and the admin API at the same time.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/circleci/ftrd/config"
	"github.com/circleci/ftrd/logger"
	"github.com/circleci/ftrd/o11y"
	"github.com/circleci/ftrd/service"
)

var (
	ErrFailed          = errors.New("lifecycle: failed")
	ErrBusy            = errors.New("lifecycle: transition in progress")
	ErrNotRunning      = errors.New("lifecycle: not running")
	ErrReloadAbandoned = errors.New("lifecycle: reload abandoned by shutdown")
)

type Options struct {
	// Prefix is the base path relative log paths resolve against.
	Prefix string
	// ConfigPath defaults to the default config file under Prefix.
	ConfigPath string
	// Console copies diagnostic records to the console.
	Console bool

	Config  ConfigStore
	Logging LoggerFactory
	Service ServiceCore

	// Bootstrap receives records before the first Logger is installed and after the last one
	// is closed. It defaults to stderr.
	Bootstrap o11y.Provider
}

type Controller struct {
	opts     Options
	provider *logger.Swapper

	mu         sync.Mutex
	state      State
	changed    chan struct{}
	started    bool
	pending    bool
	snap       *config.Snapshot
	log        Logger
	gen        Generation
	generation int
	cause      error

	reloads    sync.WaitGroup
	draining   sync.WaitGroup
	finished   chan struct{}
	finishOnce sync.Once

	services  []func(context.Context) error
	cleanups  []func(context.Context) error
	producers []MetricProducer
}

func New(opts Options) *Controller {
	if opts.ConfigPath == "" {
		opts.ConfigPath = opts.Prefix + config.DefaultFile
	}
	if opts.Config == nil {
		opts.Config = DefaultConfigStore()
	}
	if opts.Logging == nil {
		opts.Logging = DefaultLoggerFactory()
	}
	if opts.Service == nil {
		opts.Service = Services(&service.Core{})
	}
	if opts.Bootstrap == nil {
		opts.Bootstrap = logger.Console(os.Stderr, config.FormatText)
	}

	c := &Controller{
		opts:     opts,
		provider: logger.NewSwapper(opts.Bootstrap),
		state:    Starting,
		changed:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	c.producers = append(c.producers, c)
	return c
}

// Context returns ctx carrying the controller's provider, which always writes to the
// installed Logger.
func (c *Controller) Context(ctx context.Context) context.Context {
	return o11y.WithProvider(ctx, c.provider)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Changed is closed at the next state transition.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Snapshot is the configuration of the installed generation.
func (c *Controller) Snapshot() *config.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Generation counts the generations installed so far.
func (c *Controller) Generation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Err wraps ErrFailed with the cause once the controller has failed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Failed {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFailed, c.cause)
}

// setState must be called with mu held.
func (c *Controller) setState(s State) {
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Controller) finish() {
	c.finishOnce.Do(func() {
		close(c.finished)
	})
}

// Start loads the configuration, initializes the Logger and starts the service. A failure at
// any step moves the controller to Failed, releases what earlier steps acquired and returns
// the step's error.
func (c *Controller) Start(ctx context.Context) (err error) {
	ctx = c.Context(ctx)

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("%w: already started", ErrBusy)
	}
	c.started = true
	c.mu.Unlock()

	ctx, span := o11y.StartSpan(ctx, "lifecycle: start")
	defer o11y.End(span, &err)
	span.AddField("config", c.opts.ConfigPath)

	snap, lg, gen, err := c.prepare(ctx, nil, nil)
	if err != nil {
		c.mu.Lock()
		c.cause = err
		c.setState(Failed)
		c.mu.Unlock()
		c.finish()
		return err
	}

	c.mu.Lock()
	c.snap, c.log, c.gen = snap, lg, gen
	c.generation = 1
	c.provider.Swap(lg)
	gen.Serve(c.serveContext())
	c.setState(Running)
	pending := c.pending
	c.mu.Unlock()

	span.AddField("address", snap.Addr())
	o11y.Log(ctx, "lifecycle: running", o11y.Field("address", snap.Addr()))

	if pending {
		o11y.Log(ctx, "lifecycle: honouring shutdown requested during start")
		if serr := c.Shutdown(ctx); serr != nil && !o11y.IsWarning(serr) {
			return serr
		}
	}
	return nil
}

// prepare runs the configuration, logger and service steps outside the lock. When proceed is
// set and reports false before the service step, no listener is acquired and
// ErrReloadAbandoned is returned.
func (c *Controller) prepare(ctx context.Context, prev Generation, proceed func() bool) (*config.Snapshot, Logger, Generation, error) {
	snap, err := c.opts.Config.Load(c.opts.ConfigPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configuration: %w", err)
	}
	lg, err := c.opts.Logging.Init(c.opts.Prefix, snap, c.opts.Console)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	if proceed != nil && !proceed() {
		lg.Close(ctx)
		return nil, nil, nil, ErrReloadAbandoned
	}
	gen, err := c.opts.Service.Start(ctx, snap, prev)
	if err != nil {
		lg.Close(ctx)
		return nil, nil, nil, fmt.Errorf("service: %w", err)
	}
	return snap, lg, gen, nil
}

func (c *Controller) stillReloading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Reloading
}

func (c *Controller) serveContext() context.Context {
	return c.Context(context.Background())
}

// Reload replaces the configuration, Logger and generation. The new generation is started
// before the old one is stopped; the old one then drains in the background. On any failure the
// running generation and Logger are kept and the error is returned.
func (c *Controller) Reload(ctx context.Context) (err error) {
	ctx = c.Context(ctx)

	c.mu.Lock()
	switch c.state {
	case Running:
	case Reloading:
		c.mu.Unlock()
		return ErrBusy
	default:
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.setState(Reloading)
	c.reloads.Add(1)
	defer c.reloads.Done()
	prev, prevLog, prevSnap := c.gen, c.log, c.snap
	c.mu.Unlock()

	// The replaced generation is retired once the reload span has been written to its Logger.
	var retiring bool
	defer func() {
		if retiring {
			go c.retire(context.WithoutCancel(ctx), prev, prevLog, prevSnap.DrainTimeout)
		}
	}()

	ctx, span := o11y.StartSpan(ctx, "lifecycle: reload")
	defer o11y.End(span, &err)
	span.AddField("config", c.opts.ConfigPath)

	snap, lg, gen, err := c.prepare(ctx, prev, c.stillReloading)
	if err != nil {
		c.mu.Lock()
		if c.state == Reloading {
			c.setState(Running)
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.state != Reloading {
		c.mu.Unlock()
		_ = gen.Stop(ctx, 0)
		lg.Close(ctx)
		return ErrReloadAbandoned
	}
	c.snap, c.log, c.gen = snap, lg, gen
	c.generation++
	c.provider.Swap(lg)
	gen.Serve(c.serveContext())
	c.draining.Add(1)
	c.setState(Running)
	generation := c.generation
	c.mu.Unlock()

	span.AddField("generation", generation)
	span.AddField("address", snap.Addr())
	retiring = true
	return nil
}

// retire drains a replaced generation and then closes its Logger, which still owns the records
// of the sessions being drained.
func (c *Controller) retire(ctx context.Context, gen Generation, lg Logger, drain time.Duration) {
	defer c.draining.Done()
	defer lg.Close(ctx)
	if err := gen.Stop(ctx, drain); err != nil {
		o11y.LogError(ctx, "lifecycle: retire generation", err)
	}
}

// Shutdown stops the service and closes the Logger. It pre-empts a reload in flight and waits
// for replaced generations to drain. A Shutdown during Start is honoured once Start completes.
// A forced close of sessions after the drain timeout is returned as an o11y warning.
func (c *Controller) Shutdown(ctx context.Context) (err error) {
	ctx = c.Context(ctx)

	c.mu.Lock()
	switch c.state {
	case Starting:
		c.pending = true
		c.mu.Unlock()
		o11y.Log(ctx, "lifecycle: shutdown deferred until started")
		return nil
	case ShuttingDown:
		c.mu.Unlock()
		return ErrBusy
	case Stopped, Failed:
		c.mu.Unlock()
		return ErrNotRunning
	}
	from := c.state
	c.setState(ShuttingDown)
	gen, lg, drain := c.gen, c.log, c.snap.DrainTimeout
	c.mu.Unlock()

	sctx, span := o11y.StartSpan(ctx, "lifecycle: shutdown")
	span.AddField("from", from.String())
	span.AddField("drain_timeout", drain)
	err = gen.Stop(sctx, drain)
	c.reloads.Wait()
	c.draining.Wait()
	o11y.End(span, &err)

	c.mu.Lock()
	c.setState(Stopped)
	c.mu.Unlock()

	c.provider.Swap(c.opts.Bootstrap)
	lg.Close(ctx)
	c.finish()
	o11y.Log(ctx, "lifecycle: stopped")
	return err
}

// fail moves a serving controller to Failed, stops the generation and closes the Logger. A
// fault from a generation or Logger that is no longer installed is ignored.
func (c *Controller) fail(ctx context.Context, cause error, gen Generation, lg Logger) {
	c.mu.Lock()
	if !c.state.Serving() || (gen != nil && gen != c.gen) || (lg != nil && lg != c.log) {
		c.mu.Unlock()
		return
	}
	c.cause = cause
	c.setState(Failed)
	installed, installedLog, drain := c.gen, c.log, c.snap.DrainTimeout
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	c.provider.Swap(c.opts.Bootstrap)
	o11y.LogError(ctx, "lifecycle: failed", cause)

	if err := installed.Stop(ctx, drain); err != nil {
		o11y.LogError(ctx, "lifecycle: stop failed generation", err)
	}
	c.reloads.Wait()
	c.draining.Wait()
	installedLog.Close(ctx)
	c.finish()
}

// watch turns the faults of the installed generation and Logger into Failed and returns once
// the controller has reached a terminal state and released everything.
func (c *Controller) watch(ctx context.Context) error {
	cancelled := ctx.Done()
	for {
		c.mu.Lock()
		state, changed, gen, lg := c.state, c.changed, c.gen, c.log
		c.mu.Unlock()

		if state.Terminal() {
			<-c.finished
			return c.Err()
		}

		var genDone, logDone <-chan struct{}
		if state.Serving() {
			genDone, logDone = gen.Done(), lg.Done()
		}

		select {
		case <-changed:
		case <-genDone:
			c.fail(ctx, fmt.Errorf("service: %w", gen.Err()), gen, nil)
		case <-logDone:
			c.fail(ctx, fmt.Errorf("logger: %w", lg.Err()), nil, lg)
		case <-cancelled:
			cancelled = nil
			go func() {
				_ = c.Shutdown(context.WithoutCancel(ctx))
			}()
		}
	}
}

// Run runs the registered services until the controller reaches a terminal state, then runs
// the cleanups. Cancelling ctx shuts the controller down. Run returns nil once Stopped and an
// error wrapping ErrFailed once Failed.
func (c *Controller) Run(ctx context.Context) error {
	ctx = c.Context(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return c.watch(gctx)
	})
	for _, f := range c.services {
		f := f
		g.Go(func() error {
			return f(gctx)
		})
	}
	g.Go(metricsReporter(gctx, c.producers))

	err := g.Wait()
	c.cleanup(context.WithoutCancel(ctx))

	if ferr := c.Err(); ferr != nil {
		return ferr
	}
	return err
}

func (c *Controller) cleanup(ctx context.Context) {
	for _, f := range c.cleanups {
		if err := f(ctx); err != nil {
			o11y.LogError(ctx, "lifecycle: cleanup", err)
		}
	}
}
