// Package registry owns the process-wide session table. It is the only
// place where live sessions share mutable state: it admits new sessions
// up to a concurrency ceiling, hands out engines by ID, reclaims slots
// when sessions end for any reason, and sweeps out sessions that have
// gone idle or outlived the duration cap.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/voicewire/turnbridge/engine"
	"github.com/voicewire/turnbridge/logger"
	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
)

var (
	// ErrCapacity is returned when the concurrency ceiling is reached.
	// Requests over the ceiling are rejected, never queued.
	ErrCapacity = errors.New("registry: session capacity reached")

	// ErrShuttingDown is returned for session starts after Shutdown began.
	ErrShuttingDown = errors.New("registry: shutting down")

	// ErrNotFound is returned when no live session has the given ID.
	ErrNotFound = errors.New("registry: session not found")
)

// Config bounds the session fleet.
type Config struct {
	// MaxConcurrent caps live sessions across the process.
	MaxConcurrent int

	// IdleTimeout evicts sessions with no caller activity for this long.
	IdleTimeout time.Duration

	// MaxDuration evicts sessions this long after creation, active or not.
	MaxDuration time.Duration

	// CleanupInterval is how often the sweeper scans the table.
	CleanupInterval time.Duration

	// ShutdownTimeout bounds both per-session eviction and the final
	// Shutdown wait.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 100
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 1800 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Builder constructs an engine for the session ID the registry assigned.
// The registry starts the engine itself; builders only wire it.
type Builder func(sessionID string) (*engine.Engine, error)

// Registry tracks every live session and enforces the fleet limits.
type Registry struct {
	cfg Config
	sem *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*engine.Engine
	shutdown bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a registry and starts its eviction sweeper.
func New(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sessions: make(map[string]*engine.Engine),
		stop:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// StartSession admits one session: it claims a slot, builds and starts
// the engine, and registers it. The slot is released when the session
// ends, whatever ends it.
func (r *Registry) StartSession(ctx context.Context, build Builder) (*engine.Engine, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	r.mu.Unlock()

	if !r.sem.TryAcquire(1) {
		metrics.RecordSessionRejected()
		logger.Warn("session rejected at capacity",
			"max_concurrent", r.cfg.MaxConcurrent)
		return nil, ErrCapacity
	}

	eng, err := build(uuid.NewString())
	if err != nil {
		r.sem.Release(1)
		return nil, fmt.Errorf("building session: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		r.sem.Release(1)
		return nil, fmt.Errorf("starting session: %w", err)
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		r.endWithTimeout(eng)
		r.sem.Release(1)
		return nil, ErrShuttingDown
	}
	r.sessions[eng.SessionID()] = eng
	r.mu.Unlock()

	r.wg.Add(1)
	go r.watch(eng)

	logger.Info("session registered",
		"session_id", eng.SessionID(),
		"active", r.Count())
	return eng, nil
}

// watch reaps the table entry and slot once the engine fully stops.
// Every end path funnels through here, so the slot count stays honest.
func (r *Registry) watch(eng *engine.Engine) {
	defer r.wg.Done()
	<-eng.Done()

	r.mu.Lock()
	delete(r.sessions, eng.SessionID())
	r.mu.Unlock()
	r.sem.Release(1)

	logger.Debug("session reaped",
		"session_id", eng.SessionID(),
		"state", eng.State())
}

// Get returns the live engine for sessionID, if any.
func (r *Registry) Get(sessionID string) (*engine.Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eng, ok := r.sessions[sessionID]
	return eng, ok
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EndSession closes the named session normally.
func (r *Registry) EndSession(ctx context.Context, sessionID string) error {
	eng, ok := r.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	return eng.End(ctx)
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(time.Now().UTC())
		}
	}
}

// sweep evicts sessions past the duration cap or the idle limit. The
// duration cap wins when both apply and fires even mid-conversation.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	candidates := make([]*engine.Engine, 0, len(r.sessions))
	for _, eng := range r.sessions {
		candidates = append(candidates, eng)
	}
	r.mu.Unlock()

	for _, eng := range candidates {
		if eng.State().Terminal() {
			continue
		}
		var outcome string
		switch {
		case eng.Age(now) > r.cfg.MaxDuration:
			outcome = metrics.OutcomeEvictedDuration
		case eng.IdleFor(now) > r.cfg.IdleTimeout:
			outcome = metrics.OutcomeEvictedIdle
		default:
			continue
		}
		logger.Info("evicting session",
			"session_id", eng.SessionID(),
			"outcome", outcome,
			"idle", eng.IdleFor(now).Round(time.Second),
			"age", eng.Age(now).Round(time.Second))
		r.wg.Add(1)
		go r.evict(eng, outcome)
	}
}

func (r *Registry) evict(eng *engine.Engine, outcome string) {
	defer r.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	if err := eng.Evict(ctx, outcome); err != nil {
		logger.Warn("eviction did not close cleanly",
			"session_id", eng.SessionID(),
			"error", err)
	}
}

func (r *Registry) endWithTimeout(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	_ = eng.End(ctx)
}

// Shutdown stops admissions, ends every live session, and waits up to
// ShutdownTimeout for the table to drain. Safe to call more than once.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	close(r.stop)
	remaining := make([]*engine.Engine, 0, len(r.sessions))
	for _, eng := range r.sessions {
		remaining = append(remaining, eng)
	}
	r.mu.Unlock()

	logger.Info("registry shutting down", "active", len(remaining))
	for _, eng := range remaining {
		r.wg.Add(1)
		go func(e *engine.Engine) {
			defer r.wg.Done()
			r.endWithTimeout(e)
		}(eng)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
	defer cancel()
	select {
	case <-done:
		logger.Info("registry shut down")
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("registry: shutdown timed out after %s", r.cfg.ShutdownTimeout)
	}
}
