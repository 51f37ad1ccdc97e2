package supervisor

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/tunnelhub/internal/event"
)

// TunnelHandlers are process-local callbacks for instance lifecycle events
// across all endpoints. Nil fields are skipped. Handlers run on the connector
// goroutine of the endpoint that produced the event and must not block.
type TunnelHandlers struct {
	OnCreate   func(event.Notice)
	OnUpdate   func(event.Notice)
	OnDelete   func(event.Notice)
	OnShutdown func(event.Notice)
}

// HookID identifies a registered TunnelHandlers set.
type HookID uint64

// Hooks fans create, update, delete and endpoint shutdown notices out to the
// registered handlers and remembers the last shutdown time per endpoint.
type Hooks struct {
	mu       sync.RWMutex
	nextID   HookID
	handlers map[HookID]TunnelHandlers

	shutdownMu   sync.RWMutex
	lastShutdown map[string]time.Time
}

// NewHooks creates an empty hook set.
func NewHooks() *Hooks {
	return &Hooks{
		handlers:     make(map[HookID]TunnelHandlers),
		lastShutdown: make(map[string]time.Time),
	}
}

// Subscribe registers handlers and returns the id to unsubscribe with.
func (h *Hooks) Subscribe(handlers TunnelHandlers) HookID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.handlers[h.nextID] = handlers
	return h.nextID
}

// Unsubscribe removes a handler set. It reports whether the id was known.
func (h *Hooks) Unsubscribe(id HookID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[id]; !ok {
		return false
	}
	delete(h.handlers, id)
	return true
}

// Len returns the number of registered handler sets.
func (h *Hooks) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

// Notify dispatches a notice to every handler set in registration order.
func (h *Hooks) Notify(n event.Notice) {
	if n.Type == event.KindShutdown && n.InstanceID == "" {
		h.shutdownMu.Lock()
		h.lastShutdown[n.EndpointID] = n.Time
		h.shutdownMu.Unlock()
	}

	h.mu.RLock()
	ids := make([]HookID, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sets := make([]TunnelHandlers, 0, len(ids))
	for _, id := range ids {
		sets = append(sets, h.handlers[id])
	}
	h.mu.RUnlock()

	for _, set := range sets {
		var fn func(event.Notice)
		switch n.Type {
		case event.KindCreate:
			fn = set.OnCreate
		case event.KindUpdate:
			fn = set.OnUpdate
		case event.KindDelete:
			fn = set.OnDelete
		case event.KindShutdown:
			fn = set.OnShutdown
		}
		if fn != nil {
			call(fn, n)
		}
	}
}

func call(fn func(event.Notice), n event.Notice) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("supervisor tunnel hook panicked",
				"type", n.Type,
				"endpoint_id", n.EndpointID,
				"instance_id", n.InstanceID,
				"panic", r)
		}
	}()
	fn(n)
}

// LastShutdown returns when the endpoint last announced a shutdown.
func (h *Hooks) LastShutdown(endpointID string) (time.Time, bool) {
	h.shutdownMu.RLock()
	defer h.shutdownMu.RUnlock()
	at, ok := h.lastShutdown[endpointID]
	return at, ok
}

func (h *Hooks) forget(endpointID string) {
	h.shutdownMu.Lock()
	delete(h.lastShutdown, endpointID)
	h.shutdownMu.Unlock()
}
