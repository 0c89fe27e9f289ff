package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/circleci/ftrd/o11y"
)

var ErrShouldBackoff = errors.New("should back off")

const defaultMaxWorkTime = time.Minute

type Config struct {
	Name          string
	NoWorkBackOff backoff.BackOff
	// MaxWorkTime bounds a single call of WorkFunc. It defaults to a minute.
	MaxWorkTime time.Duration
	// WorkFunc should return ErrShouldBackoff if it wants the loop to begin backing off
	WorkFunc func(ctx context.Context) error
	waiter   func(ctx context.Context, delay time.Duration)
}

// Run calls WorkFunc in a loop until ctx is cancelled.
func Run(ctx context.Context, cfg Config) {
	cfg = setDefaults(cfg)
	cfg.NoWorkBackOff.Reset()

	for ctx.Err() == nil {
		wait := doWork(ctx, cfg)
		if wait < 0 {
			cfg.NoWorkBackOff.Reset()
			continue
		}
		cfg.waiter(ctx, wait)
	}
}

func setDefaults(cfg Config) Config {
	if cfg.waiter == nil {
		cfg.waiter = wait
	}
	if cfg.NoWorkBackOff == nil {
		cfg.NoWorkBackOff = defaultBackOff()
	}
	if cfg.MaxWorkTime <= 0 {
		cfg.MaxWorkTime = defaultMaxWorkTime
	}
	return cfg
}

func wait(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func defaultBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: time.Millisecond * 50,
		Multiplier:      2,
		MaxInterval:     time.Second * 5,
		MaxElapsedTime:  0,
		Clock:           backoff.SystemClock,
	}
	b.Reset()
	return b
}

// doWork runs one WorkFunc call. The work is not cancelled with the loop, only bounded by
// MaxWorkTime, so a unit of work is never cut off half way by shutdown.
func doWork(parent context.Context, cfg Config) (backoff time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cfg.MaxWorkTime)
	defer cancel()

	ctx, span := o11y.StartSpan(ctx, "worker: "+cfg.Name)
	span.RecordMetric(o11y.Timing("worker_loop", "loop_name", "result"))
	span.AddField("loop_name", cfg.Name)
	var err error
	defer o11y.End(span, &err)

	defer func() {
		if r := recover(); r != nil {
			err = o11y.HandlePanic(ctx, span, r)
			backoff = cfg.NoWorkBackOff.NextBackOff()
		}
	}()

	backoff = -1
	err = cfg.WorkFunc(ctx)
	if errors.Is(err, ErrShouldBackoff) {
		backoff = cfg.NoWorkBackOff.NextBackOff()
		err = nil
	}

	span.AddField("backoff_ms", backoff.Milliseconds())
	return backoff
}
