// Package delegate provides a swappable reference to a role specific implementation, e.g. the client used to reach
// the current master.
package delegate

import (
	"context"
	"sync"
)

// Handle holds the current delegate. A delegate is usable through Current as soon as it is set, but Get only hands
// it out once it was hardened, i.e. the switch that installed it completed.
type Handle[T any] struct {
	mu       sync.Mutex
	value    T
	set      bool
	hardened bool
	// closed while hardened
	ready chan struct{}
}

func NewHandle[T any]() *Handle[T] {
	return &Handle[T]{ready: make(chan struct{})}
}

// SetDelegate installs value. A previously hardened delegate is superseded and Get blocks again until Harden.
func (h *Handle[T]) SetDelegate(value T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.value = value
	h.set = true
	h.soften()
}

// Harden marks the current delegate as settled and wakes up every blocked Get. It reports false when no delegate
// is set.
func (h *Handle[T]) Harden() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.set {
		return false
	}
	if !h.hardened {
		h.hardened = true
		close(h.ready)
	}
	return true
}

// Clear removes the delegate. Blocked Get calls keep waiting for the next hardened one.
func (h *Handle[T]) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	var zero T
	h.value = zero
	h.set = false
	h.soften()
}

func (h *Handle[T]) soften() {
	if h.hardened {
		h.hardened = false
		h.ready = make(chan struct{})
	}
}

// Current returns the delegate without blocking, hardened or not
func (h *Handle[T]) Current() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.set
}

// Get blocks until a delegate is hardened and returns it
func (h *Handle[T]) Get(ctx context.Context) (T, error) {
	for {
		h.mu.Lock()
		if h.hardened {
			value := h.value
			h.mu.Unlock()
			return value, nil
		}
		ready := h.ready
		h.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
