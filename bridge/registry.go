package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bt-bridge/salon-voice/shared"
)

// Registry tracks live calls and reaps the ones that went quiet.
type Registry struct {
	logger shared.LoggerAdapter
	idle   time.Duration
	every  time.Duration
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*SessionHandle
}

func NewRegistry(logger shared.LoggerAdapter, cfg shared.BridgeConfig) *Registry {
	return &Registry{
		logger:   logger,
		idle:     cfg.IdleTimeout,
		every:    cfg.SweepInterval,
		now:      time.Now,
		sessions: make(map[string]*SessionHandle),
	}
}

func (r *Registry) Register(h *SessionHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[h.ID()]; ok {
		return fmt.Errorf("session %s: %w", h.ID(), shared.ErrSessionAlreadyRunning)
	}
	r.sessions[h.ID()] = h
	return nil
}

// Touch records activity on a call.
func (r *Registry) Touch(id string) {
	if h, ok := r.Get(id); ok {
		h.touch()
	}
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Get(id string) (*SessionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[id]
	return h, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SessionHandle, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h)
	}
	return out
}

func (r *Registry) CancelAll(cause error) {
	for _, h := range r.snapshot() {
		h.Cancel(cause)
	}
}

// Wait blocks until every registered call has finished or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	for _, h := range r.snapshot() {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d calls: %w", r.Count(), ctx.Err())
		}
	}
	return nil
}

// Sweep cancels calls idle for longer than the idle timeout and returns how
// many it cancelled.
func (r *Registry) Sweep() int {
	if r.idle <= 0 {
		return 0
	}
	now := r.now()
	n := 0
	for _, h := range r.snapshot() {
		idle := now.Sub(h.LastActivity())
		if idle <= r.idle {
			continue
		}
		r.logger.Warn("reaping idle call",
			zap.String("session_id", h.ID()),
			zap.Duration("idle", idle),
		)
		h.Cancel(shared.ErrIdleTimeout)
		n++
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	every := r.every
	if every <= 0 {
		every = 15 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}
