// Package termination turns process signals into lifecycle requests.
package termination

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/circleci/ftrd/lifecycle"
	"github.com/circleci/ftrd/o11y"
)

var ErrUnrecognizedSignal = errors.New("unrecognized signal")

// Controller is the part of the lifecycle a signal can drive.
type Controller interface {
	Shutdown(ctx context.Context) error
	Reload(ctx context.Context) error
}

// Bridge receives signals on its own goroutine. Every request it makes runs on a goroutine of
// its own, so a slow reload never holds up a shutdown.
type Bridge struct {
	ctrl    Controller
	signals <-chan os.Signal
	stop    func()
	calls   sync.WaitGroup
}

// New subscribes to the process signals straight away, so a signal that arrives before Run is
// not lost.
func New(ctrl Controller) *Bridge {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP,
		syscall.SIGUSR1, syscall.SIGUSR2)
	return newBridge(ctrl, ch, func() { signal.Stop(ch) })
}

func newBridge(ctrl Controller, signals <-chan os.Signal, stop func()) *Bridge {
	return &Bridge{ctrl: ctrl, signals: signals, stop: stop}
}

// Run handles signals until ctx is done, then unsubscribes and waits for the requests it made.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.calls.Wait()
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-b.signals:
			b.handle(ctx, sig)
		}
	}
}

// Stop unsubscribes from the process signals.
func (b *Bridge) Stop() {
	if b.stop != nil {
		b.stop()
	}
}

func (b *Bridge) handle(ctx context.Context, sig os.Signal) {
	var (
		name    string
		request func(context.Context) error
	)
	switch sig {
	case os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT:
		name, request = "shutdown", b.ctrl.Shutdown
	case syscall.SIGHUP:
		name, request = "reload", b.ctrl.Reload
	default:
		o11y.LogError(ctx, "termination: unrecognized signal",
			fmt.Errorf("%w: %s", ErrUnrecognizedSignal, sig), o11y.Field("signal", sig.String()))
		return
	}

	o11y.Log(ctx, "termination: signal received", o11y.Field("signal", sig.String()), o11y.Field("request", name))
	ctx = context.WithoutCancel(ctx)
	b.calls.Add(1)
	go func() {
		defer b.calls.Done()
		err := request(ctx)
		switch {
		case err == nil:
		case errors.Is(err, lifecycle.ErrBusy), errors.Is(err, lifecycle.ErrNotRunning),
			errors.Is(err, lifecycle.ErrReloadAbandoned), o11y.IsWarning(err):
			o11y.Log(ctx, "termination: request refused",
				o11y.Field("request", name), o11y.Field("warning", err.Error()))
		default:
			o11y.LogError(ctx, "termination: "+name, err)
		}
	}()
}
