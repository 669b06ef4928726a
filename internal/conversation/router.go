package conversation

import (
	"sync"
	"time"

	"appointment-bot/internal/models"
)

// Router owns one Engine per tenant and implements webhook.Dispatcher.
type Router struct {
	deps     Deps
	settings Settings

	mu      sync.Mutex
	engines map[string]*Engine
	closed  bool
}

func NewRouter(deps Deps, settings Settings) *Router {
	return &Router{
		deps:     deps,
		settings: settings.withDefaults(),
		engines:  make(map[string]*Engine),
	}
}

// Engine returns the tenant's engine, creating it on first use. It
// returns nil after Close.
func (r *Router) Engine(tenantID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	e, ok := r.engines[tenantID]
	if !ok {
		e = newEngine(tenantID, r.deps, r.settings)
		r.engines[tenantID] = e
	}
	return e
}

// Dispatch queues msg on its tenant's engine. It returns false after
// Close or when the user's mailbox is full.
func (r *Router) Dispatch(msg models.InboundMessage) bool {
	e := r.Engine(msg.TenantID)
	if e == nil {
		return false
	}
	return e.Dispatch(msg)
}

// TenantChanged is registered with the tenant registry so menu edits and
// status changes apply to the next message.
func (r *Router) TenantChanged(tenantID string) {
	r.mu.Lock()
	e := r.engines[tenantID]
	r.mu.Unlock()
	if e != nil {
		e.ReloadMenu()
	}
}

func (r *Router) ActivateHandoff(tenantID, userID string, ttl time.Duration) {
	if e := r.Engine(tenantID); e != nil {
		e.ActivateHandoff(userID, ttl)
	}
}

// ReleaseHandoff reports whether a handoff was active.
func (r *Router) ReleaseHandoff(tenantID, userID string) bool {
	if e := r.Engine(tenantID); e != nil {
		return e.ReleaseHandoff(userID)
	}
	return false
}

// Close drains every engine.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	engines := r.engines
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
}
