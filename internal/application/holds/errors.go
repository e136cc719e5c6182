package holds

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Business outcomes. These are expected results of racing for inventory and
// are returned to the caller as-is; the HTTP layer maps them with Code.
var (
	ErrInvalidRequest           = errors.New("invalid hold request")
	ErrInvalidTarget            = errors.New("a seat or a zone must be specified")
	ErrSeatUnavailable          = errors.New("seat is not available")
	ErrInsufficientCapacity     = errors.New("not enough capacity left in zone")
	ErrZoneNotFound             = errors.New("zone not found for event")
	ErrNotFound                 = errors.New("hold not found")
	ErrNotOwner                 = errors.New("hold belongs to another session")
	ErrExtensionLimitReached    = errors.New("hold extension limit reached")
	ErrHoldNotActive            = errors.New("hold is no longer active")
	ErrAlreadyConverted         = errors.New("hold already converted to an order")
	ErrHoldExpiredDuringPayment = errors.New("hold expired before the order was confirmed")
)

// Infrastructure failures. The operation had no effect; the caller may retry.
var (
	ErrStoreTimeout     = errors.New("hold store timed out")
	ErrStoreUnavailable = errors.New("hold store unavailable")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidRequest, "INVALID_REQUEST"},
	{ErrInvalidTarget, "INVALID_TARGET"},
	{ErrSeatUnavailable, "SEAT_UNAVAILABLE"},
	{ErrInsufficientCapacity, "INSUFFICIENT_CAPACITY"},
	{ErrZoneNotFound, "ZONE_NOT_FOUND"},
	{ErrNotFound, "NOT_FOUND"},
	{ErrNotOwner, "NOT_OWNER"},
	{ErrExtensionLimitReached, "EXTENSION_LIMIT_REACHED"},
	{ErrHoldNotActive, "HOLD_NOT_ACTIVE"},
	{ErrAlreadyConverted, "ALREADY_CONVERTED"},
	{ErrHoldExpiredDuringPayment, "HOLD_EXPIRED_DURING_PAYMENT"},
	{ErrStoreTimeout, "STORE_TIMEOUT"},
	{ErrStoreUnavailable, "STORE_UNAVAILABLE"},
}

// Code returns the stable machine-readable code for err ("INTERNAL" when err
// is not one of the package errors).
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// RequiresCompensation reports whether a failed conversion means a customer
// paid for inventory they no longer hold, so the caller must refund.
func RequiresCompensation(err error) bool {
	return errors.Is(err, ErrHoldExpiredDuringPayment) || errors.Is(err, ErrHoldNotActive)
}

func isBusiness(err error) bool {
	if errors.Is(err, ErrStoreTimeout) || errors.Is(err, ErrStoreUnavailable) {
		return false
	}
	return Code(err) != "INTERNAL"
}

// fail passes business errors through and converts anything else into a
// logged store error.
func fail(op string, err error) error {
	if isBusiness(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Str("op", op).Msg("hold store timed out")
		return fmt.Errorf("%s: %w", op, ErrStoreTimeout)
	}
	log.Error().Err(err).Str("op", op).Msg("hold store error")
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
