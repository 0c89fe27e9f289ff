package logger

import (
	"context"
	"sync"

	"github.com/rollbar/rollbar-go"

	"github.com/circleci/ftrd/o11y"
)

// Swapper is the process-wide provider. It delegates every call to the provider currently
// installed, so a reload can replace the Logger without touching the contexts already handed out.
type Swapper struct {
	mu sync.RWMutex
	p  o11y.Provider
}

func NewSwapper(p o11y.Provider) *Swapper {
	return &Swapper{p: p}
}

// Swap installs p and returns the previous provider. No provider call is in flight against
// the previous provider once Swap returns; spans it started keep writing to it until they end.
func (s *Swapper) Swap(p o11y.Provider) o11y.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.p
	s.p = p
	return prev
}

func (s *Swapper) Current() o11y.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

func (s *Swapper) AddGlobalField(key string, val interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.p.AddGlobalField(key, val)
}

func (s *Swapper) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.StartSpan(ctx, name)
}

func (s *Swapper) GetSpan(ctx context.Context) o11y.Span {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.GetSpan(ctx)
}

func (s *Swapper) AddField(ctx context.Context, key string, val interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.p.AddField(ctx, key, val)
}

func (s *Swapper) Log(ctx context.Context, name string, fields ...o11y.Pair) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.p.Log(ctx, name, fields...)
}

func (s *Swapper) Access(ctx context.Context, rec Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.p.(accessLogger); ok {
		a.Access(ctx, rec)
	}
}

// Close closes the installed provider.
func (s *Swapper) Close(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.p.Close(ctx)
}

func (s *Swapper) MetricsProvider() o11y.MetricsProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.MetricsProvider()
}

func (s *Swapper) RollBarClient() *rollbar.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.p.(interface{ RollBarClient() *rollbar.Client }); ok {
		return r.RollBarClient()
	}
	return nil
}
