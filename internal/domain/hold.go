package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type HoldType string

const (
	HoldTypeCart         HoldType = "cart"
	HoldTypeCheckout     HoldType = "checkout"
	HoldTypeStaffReserve HoldType = "staff_reserve"
)

// Valid reports whether t is one of the known hold types.
func (t HoldType) Valid() bool {
	switch t {
	case HoldTypeCart, HoldTypeCheckout, HoldTypeStaffReserve:
		return true
	}
	return false
}

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldReleased  HoldStatus = "released"
	HoldExpired   HoldStatus = "expired"
	HoldConverted HoldStatus = "converted"
)

// Terminal reports whether the status can never change again.
func (s HoldStatus) Terminal() bool {
	return s == HoldReleased || s == HoldExpired || s == HoldConverted
}

// Hold is a temporary claim on one numbered seat or on quantity of a zone.
// At most one active hold may exist per (ticketed_event_id, seat_id); the
// partial unique index below is what makes concurrent claims first-committer-wins.
type Hold struct {
	HoldID             uuid.UUID  `gorm:"column:hold_id;type:uuid;primaryKey" json:"hold_id"`
	TicketedEventID    string     `gorm:"column:ticketed_event_id;not null;index;uniqueIndex:idx_holds_active_seat,priority:1" json:"ticketed_event_id"`
	SectorID           *string    `gorm:"column:sector_id" json:"sector_id,omitempty"`
	SeatID             *string    `gorm:"column:seat_id;uniqueIndex:idx_holds_active_seat,priority:2,where:status = 'active'" json:"seat_id,omitempty"`
	ZoneID             *string    `gorm:"column:zone_id;index" json:"zone_id,omitempty"`
	Quantity           int        `gorm:"column:quantity;not null;default:1" json:"quantity"`
	SessionID          string     `gorm:"column:session_id;not null;index" json:"session_id"`
	CustomerID         *string    `gorm:"column:customer_id" json:"customer_id,omitempty"`
	UserID             *string    `gorm:"column:user_id" json:"user_id,omitempty"`
	HoldType           HoldType   `gorm:"column:hold_type;type:varchar(20);not null;default:'cart'" json:"hold_type"`
	Status             HoldStatus `gorm:"column:status;type:varchar(20);not null;default:'active';index:idx_holds_status_expiry,priority:1" json:"status"`
	ExpiresAt          time.Time  `gorm:"column:expires_at;not null;index:idx_holds_status_expiry,priority:2" json:"expires_at"`
	ExtendedCount      int        `gorm:"column:extended_count;not null;default:0" json:"extended_count"`
	ConvertedToOrderID *string    `gorm:"column:converted_to_order_id" json:"converted_to_order_id,omitempty"`
	PriceSnapshot      *float64   `gorm:"column:price_snapshot;type:decimal(10,2)" json:"price_snapshot,omitempty"`
	CreatedAt          time.Time  `gorm:"column:createdAt" json:"createdAt"`
	UpdatedAt          time.Time  `gorm:"column:updatedAt" json:"updatedAt"`
}

func (Hold) TableName() string {
	return "Holds"
}

// BeforeCreate: never insert zero UUID for primary key; generate random when not set.
func (h *Hold) BeforeCreate(tx *gorm.DB) error {
	if h.HoldID == uuid.Nil {
		h.HoldID = uuid.New()
	}
	return nil
}

// Target returns the kind and id of the inventory the hold is on.
func (h *Hold) Target() (TargetKind, string) {
	if h.SeatID != nil {
		return TargetSeat, *h.SeatID
	}
	if h.ZoneID != nil {
		return TargetZone, *h.ZoneID
	}
	return "", ""
}
