package v1

import (
	"context"
	"sync"
	"time"

	"github.com/duynhne/imagegen-service/internal/core/domain"
	"github.com/duynhne/imagegen-service/internal/logger"
)

// SessionRegistry tracks when each session was last active. Sessions idle for
// longer than the window are dropped by Sweep. When the registry drains to
// zero the onIdle hook runs once, until a session becomes active again.
type SessionRegistry struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	window   time.Duration
	idle     bool
	onIdle   func(ctx context.Context)
	metrics  domain.Metrics
}

// NewSessionRegistry creates a registry. onIdle may be nil.
func NewSessionRegistry(window time.Duration, metrics domain.Metrics, onIdle func(ctx context.Context)) *SessionRegistry {
	return &SessionRegistry{
		lastSeen: make(map[string]time.Time),
		window:   window,
		idle:     true,
		onIdle:   onIdle,
		metrics:  metrics,
	}
}

// RecordActive marks id as active at now.
func (r *SessionRegistry) RecordActive(id string, now time.Time) {
	r.mu.Lock()
	r.lastSeen[id] = now
	r.idle = false
	n := len(r.lastSeen)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
}

// Count returns the number of tracked sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lastSeen)
}

// Sweep drops sessions idle for longer than the window and returns how many
// remain.
func (r *SessionRegistry) Sweep(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	for id, seen := range r.lastSeen {
		if now.Sub(seen) > r.window {
			delete(r.lastSeen, id)
		}
	}
	n := len(r.lastSeen)
	fire := n == 0 && !r.idle
	if n == 0 {
		r.idle = true
	}
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
	if fire && r.onIdle != nil {
		r.onIdle(ctx)
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (r *SessionRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n := r.Sweep(ctx, now)
			logger.FromContext(ctx).Debug().Int("active_sessions", n).Msg("Session sweep")
		}
	}
}

// UnloadOnIdle returns an onIdle hook that unloads the generator behind ex.
func UnloadOnIdle(ex *Exclusive) func(ctx context.Context) {
	return func(ctx context.Context) {
		log := logger.FromContext(ctx)
		unloaded, err := ex.Unload(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Generator unload failed")
			return
		}
		if unloaded {
			log.Info().Msg("No active sessions, generator unloaded")
		}
	}
}
