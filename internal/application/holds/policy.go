package holds

import (
	"time"

	"ticketing-backend/internal/domain"
)

// Policy carries the time limits of the hold state machine.
type Policy struct {
	CartTTL       time.Duration
	CheckoutTTL   time.Duration
	StaffTTL      time.Duration
	MaxExtensions int
	StoreTimeout  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		CartTTL:       10 * time.Minute,
		CheckoutTTL:   15 * time.Minute,
		StaffTTL:      60 * time.Minute,
		MaxExtensions: 2,
		StoreTimeout:  5 * time.Second,
	}
}

// withDefaults fills unset (zero or negative) durations from DefaultPolicy.
// MaxExtensions of zero is kept and disables extension; only a negative cap
// falls back to the default.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.CartTTL <= 0 {
		p.CartTTL = d.CartTTL
	}
	if p.CheckoutTTL <= 0 {
		p.CheckoutTTL = d.CheckoutTTL
	}
	if p.StaffTTL <= 0 {
		p.StaffTTL = d.StaffTTL
	}
	if p.MaxExtensions < 0 {
		p.MaxExtensions = d.MaxExtensions
	}
	if p.StoreTimeout <= 0 {
		p.StoreTimeout = d.StoreTimeout
	}
	return p
}

// TTL is the lifetime granted to a hold of type t on creation or extension.
func (p Policy) TTL(t domain.HoldType) time.Duration {
	switch t {
	case domain.HoldTypeCheckout:
		return p.CheckoutTTL
	case domain.HoldTypeStaffReserve:
		return p.StaffTTL
	default:
		return p.CartTTL
	}
}
