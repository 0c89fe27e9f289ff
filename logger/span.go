package logger

import (
	"context"
	"sync"
	"time"

	"github.com/circleci/ftrd/o11y"
)

type spanKey struct{}

func spanFromContext(ctx context.Context) *span {
	s, _ := ctx.Value(spanKey{}).(*span)
	return s
}

type span struct {
	l        *Logger
	name     string
	traceID  string
	id       string
	parentID string
	start    time.Time

	mu      sync.Mutex
	fields  map[string]interface{}
	metrics []o11y.Metric
}

func (s *span) AddField(key string, val interface{}) {
	s.AddRawField("app."+key, val)
}

func (s *span) AddRawField(key string, val interface{}) {
	switch v := val.(type) {
	case error:
		val = v.Error()
	case time.Duration:
		val = v.String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[key] = val
}

func (s *span) RecordMetric(metric o11y.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, metric)
}

func (s *span) End() {
	s.send(float64(time.Since(s.start)) / float64(time.Millisecond))
}

func (s *span) send(durationMs float64) {
	data := map[string]interface{}{}
	s.l.globals(data)

	s.mu.Lock()
	for k, v := range s.fields {
		data[k] = v
	}
	metrics := s.metrics
	s.mu.Unlock()

	data["name"] = s.name
	data["duration_ms"] = durationMs
	data["trace.trace_id"] = s.traceID
	data["trace.span_id"] = s.id
	if s.parentID != "" {
		data["trace.parent_id"] = s.parentID
	}

	s.l.emit(event{Timestamp: s.start, Data: data})
	if !s.l.closed.Load() {
		sendMetrics(s.l.metrics, metrics, data)
	}
}
