// Package circuit wraps outbound calls to upstream HTTP dependencies (the
// Cirrus GraphQL API, the Commitfest JSON API, the mail archive) with a
// per-host circuit breaker, so that a misbehaving upstream degrades rather
// than starving the minute tick or queue workers (spec section 5,
// "suspension points").
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/macdice/cfbot/internal/metrics"
)

// Config controls how many consecutive failures trip a breaker and how long
// it stays open before probing again.
type Config struct {
	MaxFailures  uint32
	OpenDuration time.Duration
}

// DefaultConfig matches the spec's "bounded timeout (config TIMEOUT)"
// suspension-point guidance: trip after 5 consecutive failures, stay open
// for 30s before allowing a single trial request through.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, OpenDuration: 30 * time.Second}
}

// Manager hands out one gobreaker.CircuitBreaker per upstream host, created
// lazily, mirroring the teacher's per-route BreakerManager.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	cfg      Config
}

// NewManager creates a breaker manager using cfg as the default for every
// host-scoped breaker it creates.
func NewManager(cfg Config) *Manager {
	return &Manager{breakers: make(map[string]*gobreaker.CircuitBreaker[any]), cfg: cfg}
}

// Do runs fn through the circuit breaker registered for host, creating one
// on first use. It returns gobreaker.ErrOpenState/ErrTooManyRequests when
// the breaker is rejecting calls.
func (m *Manager) Do(ctx context.Context, host string, fn func(context.Context) (any, error)) (any, error) {
	b := m.get(host)
	result, err := b.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		metrics.CircuitBreakerRejections.WithLabelValues(host).Inc()
	}
	metrics.SetBreakerState(host, b.State())
	return result, err
}

func (m *Manager) get(host string) *gobreaker.CircuitBreaker[any] {
	m.mu.RLock()
	b, ok := m.breakers[host]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[host]; ok {
		return b
	}

	b = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    host,
		Timeout: m.cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.MaxFailures
		},
	})
	m.breakers[host] = b
	return b
}
