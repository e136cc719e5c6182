package domain

import (
	"time"

	"github.com/google/uuid"
)

type TargetKind string

const (
	TargetSeat TargetKind = "seat"
	TargetZone TargetKind = "zone"
)

type AvailabilityStatus string

const (
	StatusAvailable AvailabilityStatus = "available"
	StatusHeld      AvailabilityStatus = "held"
	StatusSold      AvailabilityStatus = "sold"
	StatusBlocked   AvailabilityStatus = "blocked"
)

// SeatStatus is the materialized availability of one seat or one zone. It is
// rewritten in the same transaction as every hold transition, so readers
// (seat maps, heatmaps) consult it instead of scanning Holds.
//
// CurrentHoldID is a back-reference to the hold that last moved the row,
// not an ownership relation.
type SeatStatus struct {
	TicketedEventID string             `gorm:"column:ticketed_event_id;primaryKey" json:"ticketed_event_id"`
	TargetKind      TargetKind         `gorm:"column:target_kind;type:varchar(10);primaryKey" json:"target_kind"`
	TargetID        string             `gorm:"column:target_id;primaryKey" json:"target_id"`
	SectorID        *string            `gorm:"column:sector_id" json:"sector_id,omitempty"`
	Status          AvailabilityStatus `gorm:"column:status;type:varchar(20);not null;default:'available'" json:"status"`
	CurrentHoldID   *uuid.UUID         `gorm:"column:current_hold_id;type:uuid" json:"current_hold_id"`
	HoldExpiresAt   *time.Time         `gorm:"column:hold_expires_at" json:"hold_expires_at"`
	HeldQuantity    int                `gorm:"column:held_quantity;not null;default:0" json:"held_quantity"`
	SoldQuantity    int                `gorm:"column:sold_quantity;not null;default:0" json:"sold_quantity"`
	UpdatedAt       time.Time          `gorm:"column:updatedAt" json:"updatedAt"`
}

func (SeatStatus) TableName() string {
	return "SeatStatuses"
}

// EventZone is the general-admission capacity of a zone for one event.
// Rows are managed by the admin surface; the hold engine only reads and
// row-locks them.
type EventZone struct {
	TicketedEventID string  `gorm:"column:ticketed_event_id;primaryKey" json:"ticketed_event_id"`
	ZoneID          string  `gorm:"column:zone_id;primaryKey" json:"zone_id"`
	SectorID        *string `gorm:"column:sector_id" json:"sector_id,omitempty"`
	Capacity        int     `gorm:"column:capacity;not null" json:"capacity"`
}

func (EventZone) TableName() string {
	return "EventZones"
}

// SeatStatusUpdate is pushed to live viewers after a committed transition.
// SessionID names the session that caused it so clients can reconcile
// optimistic UI.
type SeatStatusUpdate struct {
	EventID           string             `json:"eventId"`
	SectorID          *string            `json:"sectorId,omitempty"`
	ZoneID            *string            `json:"zoneId,omitempty"`
	SeatID            *string            `json:"seatId,omitempty"`
	Status            AvailabilityStatus `json:"status"`
	HoldID            *uuid.UUID         `json:"holdId,omitempty"`
	ExpiresAt         *time.Time         `json:"expiresAt,omitempty"`
	SessionID         *string            `json:"sessionId,omitempty"`
	RemainingCapacity *int               `json:"remainingCapacity,omitempty"`
}
