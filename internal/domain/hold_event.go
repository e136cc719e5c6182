package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type HoldEventType string

const (
	HoldEventCreated   HoldEventType = "created"
	HoldEventExtended  HoldEventType = "extended"
	HoldEventReleased  HoldEventType = "released"
	HoldEventConverted HoldEventType = "converted"
	HoldEventExpired   HoldEventType = "expired"
)

// HoldEvent is the append-only audit record of a hold transition. Rows are
// never updated or deleted.
type HoldEvent struct {
	EventID         uuid.UUID      `gorm:"column:event_id;type:uuid;primaryKey" json:"event_id"`
	HoldID          uuid.UUID      `gorm:"column:hold_id;type:uuid;not null;index" json:"hold_id"`
	TicketedEventID string         `gorm:"column:ticketed_event_id;not null" json:"ticketed_event_id"`
	EventType       HoldEventType  `gorm:"column:event_type;type:varchar(20);not null" json:"event_type"`
	PreviousStatus  *HoldStatus    `gorm:"column:previous_status;type:varchar(20)" json:"previous_status"`
	NewStatus       HoldStatus     `gorm:"column:new_status;type:varchar(20);not null" json:"new_status"`
	Metadata        datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	CreatedAt       time.Time      `gorm:"column:createdAt" json:"createdAt"`
}

func (HoldEvent) TableName() string {
	return "HoldEvents"
}

func (e *HoldEvent) BeforeCreate(tx *gorm.DB) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	return nil
}
