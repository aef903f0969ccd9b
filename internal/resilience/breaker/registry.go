package breaker

import (
	"fmt"
	"sort"
	"sync"
)

// Registry owns one breaker per target key, created lazily. A single instance
// is constructed at application start and passed to consumers by reference.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry using cfg for every lazily created breaker.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the breaker for name, creating it on first use.
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Get returns the named breaker or nil if it was never created.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Remove drops a breaker from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// Stats returns snapshots for all breakers, ordered by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// OpenCount returns how many breakers are currently open.
func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, b := range r.breakers {
		if b.State() == StateOpen {
			count++
		}
	}
	return count
}

// Force applies a manual state override to the named breaker.
func (r *Registry) Force(name string, state State) error {
	b := r.Get(name)
	if b == nil {
		return fmt.Errorf("no circuit breaker named %q", name)
	}

	switch state {
	case StateOpen:
		b.ForceOpen()
	case StateClosed:
		b.ForceClose()
	case StateHalfOpen:
		b.ForceHalfOpen()
	default:
		return fmt.Errorf("invalid breaker state %q", state)
	}
	return nil
}
