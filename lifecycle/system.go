package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/circleci/ftrd/o11y"
	"github.com/circleci/ftrd/worker"
)

// AddService registers f to run alongside the controller. f must return once its context is
// cancelled, which happens when the controller reaches a terminal state. It must be called
// before Run.
func (c *Controller) AddService(f func(ctx context.Context) error) {
	c.services = append(c.services, f)
}

// AddCleanup registers f to run once Run's services have returned.
func (c *Controller) AddCleanup(f func(ctx context.Context) error) {
	c.cleanups = append(c.cleanups, f)
}

func (c *Controller) AddMetrics(m MetricProducer) {
	c.producers = append(c.producers, m)
}

type MetricProducer interface {
	// MetricName The name for this group of metrics
	MetricName() string
	// Gauges are instantaneous name value pairs
	Gauges(context.Context) map[string]float64
}

func (c *Controller) MetricName() string {
	return "lifecycle"
}

// Gauges reports the state and generation, plus the installed generation's own gauges.
func (c *Controller) Gauges(ctx context.Context) map[string]float64 {
	c.mu.Lock()
	state, generation, gen := c.state, c.generation, c.gen
	c.mu.Unlock()

	g := map[string]float64{
		"state":      float64(state),
		"generation": float64(generation),
	}
	if mp, ok := gen.(interface {
		Gauges(context.Context) map[string]float64
	}); ok && state.Serving() {
		for k, v := range mp.Gauges(ctx) {
			g["service."+k] = v
		}
	}
	return g
}

type HealthChecker interface {
	HealthChecks() (name string, ready, live func(ctx context.Context) error)
}

// HealthChecks reports ready while a generation is serving and live until a terminal state.
func (c *Controller) HealthChecks() (name string, ready, live func(ctx context.Context) error) {
	return "lifecycle",
		func(_ context.Context) error {
			if s := c.State(); !s.Serving() {
				return fmt.Errorf("state is %s", s)
			}
			return nil
		},
		func(_ context.Context) error {
			if s := c.State(); s.Terminal() {
				return fmt.Errorf("state is %s", s)
			}
			return nil
		}
}

func traceMetrics(ctx context.Context, producers []MetricProducer) {
	metrics := o11y.FromContext(ctx).MetricsProvider()
	for _, producer := range producers {
		traceMetric(ctx, metrics, producer)
	}
}

func traceMetric(ctx context.Context, provider o11y.MetricsProvider, producer MetricProducer) {
	producerName := strings.ReplaceAll(producer.MetricName(), "-", "_")
	for f, v := range producer.Gauges(ctx) {
		scopedField := fmt.Sprintf("gauge.%s.%s", producerName, f)
		_ = provider.Gauge(scopedField, v, []string{}, 1)
	}
}

var metricsInterval = 10 * time.Second

// metricsReporter returns a function for errgroup.Go that periodically publishes the gauges
// of the producers until ctx is done.
func metricsReporter(ctx context.Context, mps []MetricProducer) func() error {
	return func() error {
		cfg := worker.Config{
			Name:          "metric-loop",
			MaxWorkTime:   time.Second,
			NoWorkBackOff: backoff.NewConstantBackOff(metricsInterval),
			WorkFunc: func(ctx context.Context) error {
				traceMetrics(ctx, mps)
				return worker.ErrShouldBackoff
			},
		}
		worker.Run(ctx, cfg)
		return nil
	}
}
