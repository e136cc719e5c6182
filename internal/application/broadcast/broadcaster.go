// Package broadcast decouples the hold engine from any push transport. The
// engine calls Notify after every committed transition; whatever was last
// registered with SetNotify (the local hub, a Redis fan-out, a test
// recorder) receives it.
package broadcast

import (
	"sync/atomic"

	"ticketing-backend/internal/domain"

	"github.com/rs/zerolog/log"
)

// NotifyFunc receives one committed seat/zone status change.
type NotifyFunc func(update domain.SeatStatusUpdate)

// Broadcaster holds a single replaceable NotifyFunc. The zero value is ready
// to use and drops every update.
type Broadcaster struct {
	fn atomic.Pointer[NotifyFunc]
}

// New returns a Broadcaster already wired to fn (nil is allowed).
func New(fn NotifyFunc) *Broadcaster {
	b := &Broadcaster{}
	b.SetNotify(fn)
	return b
}

// SetNotify replaces the registered hook. Passing nil detaches it.
func (b *Broadcaster) SetNotify(fn NotifyFunc) {
	if fn == nil {
		b.fn.Store(nil)
		return
	}
	b.fn.Store(&fn)
}

// Notify delivers update to the registered hook. Delivery is best-effort:
// a panicking hook is logged and swallowed, since the write has already
// committed and clients recover from SeatStatuses.
func (b *Broadcaster) Notify(update domain.SeatStatusUpdate) {
	if b == nil {
		return
	}
	p := b.fn.Load()
	if p == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event_id", update.EventID).Msg("seat status hook panicked")
		}
	}()
	(*p)(update)
}
