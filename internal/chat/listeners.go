package chat

import (
	"log/slog"
	"sync"

	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/envelope"
)

// ListenerID identifies a registered listener for later removal.
type ListenerID uint64

// MessageListener receives every inbound message.
type MessageListener func(envelope.Message)

// PresenceListener receives online/offline changes for a participant handle.
type PresenceListener func(handle int64, online bool)

// PublisherSwitchEvent is raised after a publisher switch completed.
type PublisherSwitchEvent struct {
	Previous  *domain.Publisher
	Current   domain.Publisher
	Timestamp int64 // unix millis
}

// PublisherSwitchListener receives publisher switch events.
type PublisherSwitchListener func(PublisherSwitchEvent)

// listenerRegistry keeps listeners in registration order. Emit runs
// listeners on the caller's goroutine; a panicking listener is recovered
// and logged so the rest still run.
type listenerRegistry[T any] struct {
	mu     sync.RWMutex
	nextID ListenerID
	ids    []ListenerID
	fns    map[ListenerID]func(T)
	kind   string
}

func newListenerRegistry[T any](kind string) *listenerRegistry[T] {
	return &listenerRegistry[T]{
		fns:  make(map[ListenerID]func(T)),
		kind: kind,
	}
}

func (r *listenerRegistry[T]) add(fn func(T)) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.ids = append(r.ids, id)
	r.fns[id] = fn
	return id
}

func (r *listenerRegistry[T]) remove(id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fns[id]; !ok {
		return false
	}
	delete(r.fns, id)
	for i, v := range r.ids {
		if v == id {
			r.ids = append(r.ids[:i], r.ids[i+1:]...)
			break
		}
	}
	return true
}

func (r *listenerRegistry[T]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = nil
	r.fns = make(map[ListenerID]func(T))
}

func (r *listenerRegistry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

func (r *listenerRegistry[T]) emit(logger *slog.Logger, v T) {
	r.mu.RLock()
	fns := make([]func(T), 0, len(r.ids))
	for _, id := range r.ids {
		fns = append(fns, r.fns[id])
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		r.call(logger, fn, v)
	}
}

func (r *listenerRegistry[T]) call(logger *slog.Logger, fn func(T), v T) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("listener panicked", "listener", r.kind, "panic", p)
		}
	}()
	fn(v)
}
