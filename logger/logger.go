// Package logger is the daemon's o11y provider. It writes diagnostic records to the
// error log, one record per control command to the access log, and optionally copies
// the diagnostic stream to the console. Every record is synced to disk before the
// writing call returns.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/rollbar/rollbar-go"

	"github.com/circleci/ftrd/config"
	"github.com/circleci/ftrd/o11y"
)

// ErrIOFailure is returned when a destination cannot be opened and reported by Err once a
// write has failed.
var ErrIOFailure = errors.New("logger: i/o failure")

type Option func(*options)

type options struct {
	console io.Writer
	service string
	version string
	metrics o11y.ClosableMetricsProvider
}

// WithConsole sets where console output goes. The default is stderr.
func WithConsole(w io.Writer) Option {
	return func(o *options) {
		o.console = w
	}
}

// WithVersion adds the service name and version to every record and tags metrics with them.
func WithVersion(service, version string) Option {
	return func(o *options) {
		o.service = service
		o.version = version
	}
}

// WithMetrics replaces the statsd client the snapshot would configure.
func WithMetrics(m o11y.ClosableMetricsProvider) Option {
	return func(o *options) {
		o.metrics = m
	}
}

type Logger struct {
	errors *sink
	access *sink
	file   formatter

	consoleMu sync.Mutex
	console   io.Writer
	tty       formatter

	metrics o11y.ClosableMetricsProvider
	rollbar *rollbar.Client

	globalMu sync.RWMutex
	global   map[string]interface{}

	faultOnce sync.Once
	done      chan struct{}
	err       error

	closeOnce sync.Once
	closed    atomic.Bool
}

// Init opens the error and access logs named by snap, resolving relative paths against prefix.
// With console set the diagnostic stream is copied to the console writer as well.
func Init(prefix string, snap *config.Snapshot, console bool, opts ...Option) (l *Logger, err error) {
	o := options{console: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	l = newLogger(o)
	l.file = fileFormatter(snap.LogFormat)
	if console {
		l.console = o.console
		l.tty = &textFormatter{layout: "15:04:05", colour: snap.LogFormat == config.FormatColor}
	}

	l.errors, err = openSink(snap.ErrorLogPath(prefix))
	if err != nil {
		return nil, err
	}
	l.access, err = openSink(snap.AccessLogPath(prefix))
	if err != nil {
		_ = l.errors.close()
		return nil, err
	}

	if o.metrics == nil && snap.StatsdAddress != "" {
		l.metrics, err = newStatsd(snap.StatsdAddress, o)
		if err != nil {
			_ = l.errors.close()
			_ = l.access.close()
			return nil, fmt.Errorf("%w: statsd: %w", ErrIOFailure, err)
		}
	}

	if snap.RollbarToken.IsSet() {
		hostname, _ := os.Hostname()
		l.rollbar = rollbar.NewAsync(snap.RollbarToken.Raw(), "production", o.version, hostname, "")
	}
	return l, nil
}

// Console returns a Logger that only writes diagnostic records to w. It is used before a
// configuration has been loaded and after the last Logger has been closed.
func Console(w io.Writer, format config.Format, opts ...Option) *Logger {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	l := newLogger(o)
	l.console = w
	l.tty = &textFormatter{layout: "15:04:05", colour: format == config.FormatColor}
	if format == config.FormatJSON {
		l.tty = jsonFormatter{}
	}
	return l
}

func newLogger(o options) *Logger {
	l := &Logger{
		file:    &textFormatter{layout: time.RFC3339Nano},
		metrics: &statsd.NoOpClient{},
		global:  map[string]interface{}{},
		done:    make(chan struct{}),
	}
	if o.metrics != nil {
		l.metrics = o.metrics
	}
	if o.service != "" {
		l.global["service"] = o.service
	}
	if o.version != "" {
		l.global["version"] = o.version
	}
	return l
}

// Done is closed once a write has failed. The Logger cannot be used after that.
func (l *Logger) Done() <-chan struct{} {
	return l.done
}

// Err returns the write failure that closed Done, or nil.
func (l *Logger) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *Logger) fault(err error) {
	if errors.Is(err, errSinkClosed) {
		return
	}
	l.faultOnce.Do(func() {
		l.err = fmt.Errorf("%w: %w", ErrIOFailure, err)
		close(l.done)
		l.toConsole(event{
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"name":        "logger: write failed",
				"duration_ms": 0.0,
				"error":       err.Error(),
			},
		})
	})
}

func (l *Logger) AddGlobalField(key string, val interface{}) {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	l.global[key] = val
}

func (l *Logger) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	s := &span{
		l:      l,
		name:   name,
		id:     uuid.NewString(),
		start:  time.Now(),
		fields: map[string]interface{}{},
	}
	if parent := spanFromContext(ctx); parent != nil {
		s.traceID = parent.traceID
		s.parentID = parent.id
	} else {
		s.traceID = uuid.NewString()
	}
	return context.WithValue(ctx, spanKey{}, s), s
}

func (l *Logger) GetSpan(ctx context.Context) o11y.Span {
	if s := spanFromContext(ctx); s != nil {
		return s
	}
	return nil
}

func (l *Logger) AddField(ctx context.Context, key string, val interface{}) {
	if s := spanFromContext(ctx); s != nil {
		s.AddField(key, val)
	}
}

func (l *Logger) Log(ctx context.Context, name string, fields ...o11y.Pair) {
	_, s := l.StartSpan(ctx, name)
	for _, f := range fields {
		s.AddField(f.Key, f.Value)
	}
	s.(*span).send(0)
}

func (l *Logger) MetricsProvider() o11y.MetricsProvider {
	return l.metrics
}

// RollBarClient is nil unless a rollbar token was configured.
func (l *Logger) RollBarClient() *rollbar.Client {
	return l.rollbar
}

// Close releases the destinations. Records written after Close are dropped.
func (l *Logger) Close(_ context.Context) {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		if l.errors != nil {
			_ = l.errors.close()
		}
		if l.access != nil {
			_ = l.access.close()
		}
		_ = l.metrics.Close()
		if l.rollbar != nil {
			_ = l.rollbar.Close()
		}
	})
}

func (l *Logger) emit(ev event) {
	if l.closed.Load() {
		return
	}
	l.toConsole(ev)
	if l.errors == nil {
		return
	}
	if err := l.errors.write(l.file.format(ev)); err != nil {
		l.fault(err)
	}
}

func (l *Logger) toConsole(ev event) {
	if l.console == nil {
		return
	}
	l.consoleMu.Lock()
	defer l.consoleMu.Unlock()
	_, _ = l.console.Write(l.tty.format(ev))
}

func (l *Logger) globals(into map[string]interface{}) {
	l.globalMu.RLock()
	defer l.globalMu.RUnlock()
	for k, v := range l.global {
		into[k] = v
	}
}
