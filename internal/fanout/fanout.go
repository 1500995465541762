// Package fanout relays connection events from every handle to an ordered
// set of subscribers.
package fanout

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"pluginlookup/internal/connection"
)

// Fanout is a connection.Listener that forwards each event to its
// subscribers. Subscribers are compared by identity, so they must be
// comparable (pointers in practice).
type Fanout struct {
	mu          sync.Mutex // serializes writers
	subscribers atomic.Pointer[[]connection.Listener]
	logger      zerolog.Logger
}

// New creates an empty fan-out
func New(logger zerolog.Logger) *Fanout {
	f := &Fanout{logger: logger}
	empty := []connection.Listener{}
	f.subscribers.Store(&empty)
	return f
}

// Subscribe adds l. Subscribing twice has no effect.
func (f *Fanout) Subscribe(l connection.Listener) {
	if l == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := *f.subscribers.Load()
	for _, s := range cur {
		if s == l {
			return
		}
	}
	next := make([]connection.Listener, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	f.subscribers.Store(&next)
}

// Unsubscribe removes l. Removing an absent listener has no effect.
func (f *Fanout) Unsubscribe(l connection.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := *f.subscribers.Load()
	for i, s := range cur {
		if s != l {
			continue
		}
		next := make([]connection.Listener, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		f.subscribers.Store(&next)
		return
	}
}

// Len returns the number of subscribers
func (f *Fanout) Len() int {
	return len(*f.subscribers.Load())
}

// Connected implements connection.Listener
func (f *Fanout) Connected(h *connection.Handle) {
	for _, s := range *f.subscribers.Load() {
		f.deliver(h, "connected", func() { s.Connected(h) })
	}
}

// Disconnected implements connection.Listener
func (f *Fanout) Disconnected(h *connection.Handle) {
	for _, s := range *f.subscribers.Load() {
		f.deliver(h, "disconnected", func() { s.Disconnected(h) })
	}
}

// BindFailed implements connection.FailureListener. Subscribers that do not
// implement it are skipped.
func (f *Fanout) BindFailed(h *connection.Handle, err error) {
	for _, s := range *f.subscribers.Load() {
		fl, ok := s.(connection.FailureListener)
		if !ok {
			continue
		}
		f.deliver(h, "bind_failed", func() { fl.BindFailed(h, err) })
	}
}

func (f *Fanout) deliver(h *connection.Handle, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().
				Str("provider", h.ID().String()).
				Str("event", event).
				Str("panic", fmt.Sprint(r)).
				Msg("subscriber panicked")
		}
	}()
	fn()
}
