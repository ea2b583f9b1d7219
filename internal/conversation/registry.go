package conversation

import (
	"log/slog"
	"sync"
	"time"

	"genaichat/internal/domain"
)

// RegistryConfig carries what every mounted controller shares.
type RegistryConfig struct {
	Provider       domain.Provider
	Extractor      domain.Extractor
	Recorder       Recorder
	ExtractTimeout time.Duration
	// Publish fans snapshots out to the surfaces watching a session.
	Publish func(key string, snap domain.Snapshot)
	Logger  *slog.Logger
}

// Registry keeps one controller per session key (a browser cookie, a
// Telegram chat, the terminal).
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Controller
	closed   bool
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*Controller),
	}
}

// Mount starts a fresh conversation under key. A controller already mounted
// under the same key is closed first, so its pending work cannot reach the
// new one.
func (r *Registry) Mount(key string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if old, ok := r.sessions[key]; ok {
		old.Close()
		r.logger.Debug("remounted conversation", "session", key)
	}
	return r.mountLocked(key), nil
}

func (r *Registry) mountLocked(key string) *Controller {
	c := r.newController(key)
	r.sessions[key] = c
	r.logger.Info("mounted conversation", "session", key, "active", len(r.sessions))
	return c
}

// Get returns the controller mounted under key.
func (r *Registry) Get(key string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[key]
	return c, ok
}

// GetOrMount returns the mounted controller or mounts a new one. Concurrent
// callers for the same key all get the same controller.
func (r *Registry) GetOrMount(key string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.sessions[key]; ok {
		return c, nil
	}
	return r.mountLocked(key), nil
}

// Unmount closes and forgets the controller under key.
func (r *Registry) Unmount(key string) bool {
	r.mu.Lock()
	c, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if ok {
		c.Close()
		r.logger.Info("unmounted conversation", "session", key)
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close unmounts everything and waits for background work to drain.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Controller)
	r.mu.Unlock()

	for _, c := range sessions {
		c.Close()
	}
	for _, c := range sessions {
		c.Wait()
	}
}

func (r *Registry) newController(key string) *Controller {
	var onChange func(domain.Snapshot)
	if r.cfg.Publish != nil {
		publish := r.cfg.Publish
		onChange = func(s domain.Snapshot) { publish(key, s) }
	}
	return New(Config{
		Session:        key,
		Provider:       r.cfg.Provider,
		Extractor:      r.cfg.Extractor,
		Recorder:       r.cfg.Recorder,
		OnChange:       onChange,
		ExtractTimeout: r.cfg.ExtractTimeout,
		Logger:         r.logger,
	})
}
