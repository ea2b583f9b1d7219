package provider

import (
	"context"
	"sync"

	"genaichat/internal/domain"
)

// Swappable forwards to a provider that can be replaced at runtime, e.g. when
// the config file changes. Calls already in flight finish on the provider
// they started with.
type Swappable struct {
	mu      sync.RWMutex
	current domain.Provider
}

func NewSwappable(p domain.Provider) *Swappable {
	return &Swappable{current: p}
}

// Swap installs p and returns the provider it replaced.
func (s *Swappable) Swap(p domain.Provider) domain.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.current
	s.current = p
	return old
}

func (s *Swappable) Current() domain.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Swappable) Name() string { return s.Current().Name() }

// Model reports the current provider's default model, or "" when it does
// not name one.
func (s *Swappable) Model() string {
	if m, ok := s.Current().(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

func (s *Swappable) Healthy(ctx context.Context) error {
	return s.Current().Healthy(ctx)
}

func (s *Swappable) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	return s.Current().Generate(ctx, req)
}
