// Package opensync implements EngineCore and the ObjEngine state
// machine: the per-group orchestrator and per-objtype sync pipeline
// described in spec §2, §4.6, §4.7.
package opensync

import (
	"sync"

	"github.com/b-open-io/opensync/model"
)

// StatusHandler receives one status callback delivery.
type StatusHandler func(model.StatusUpdate)

// eventBus dispatches engine/member/change/mapping status updates to
// subscribers, adapted from the teacher's event_bus.go: each handler
// runs in its own goroutine so a slow subscriber cannot block the
// engine loop (spec §5: "status callbacks are invoked on the engine
// loop; user code must not block them" -- dispatch off-loop instead of
// trusting callers to honor that).
type eventBus struct {
	mu       sync.RWMutex
	handlers map[model.EventKind][]StatusHandler
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[model.EventKind][]StatusHandler)}
}

// on subscribes handler to event and returns an unsubscribe func.
func (eb *eventBus) on(event model.EventKind, handler StatusHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[event] = append(eb.handlers[event], handler)
	idx := len(eb.handlers[event]) - 1

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		handlers := eb.handlers[event]
		if idx < len(handlers) {
			eb.handlers[event] = append(handlers[:idx], handlers[idx+1:]...)
		}
	}
}

func (eb *eventBus) emit(update model.StatusUpdate) {
	eb.mu.RLock()
	handlers := append([]StatusHandler{}, eb.handlers[update.Kind]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		go h(update)
	}
}
