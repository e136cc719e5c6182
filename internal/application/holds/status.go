package holds

import (
	"errors"
	"time"

	"ticketing-backend/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var statusKey = []clause.Column{{Name: "ticketed_event_id"}, {Name: "target_kind"}, {Name: "target_id"}}

func upsertStatus(tx *gorm.DB, row *domain.SeatStatus) error {
	return tx.Clauses(clause.OnConflict{
		Columns: statusKey,
		DoUpdates: clause.AssignmentColumns([]string{
			"sector_id", "status", "current_hold_id", "hold_expires_at", "held_quantity", "sold_quantity", "updatedAt",
		}),
	}).Create(row).Error
}

// claimSeatStatus marks a seat held by hold. The conflict update never
// overwrites a sold or blocked row; that case reports ErrSeatUnavailable.
func claimSeatStatus(tx *gorm.DB, hold *domain.Hold) error {
	res := tx.Clauses(clause.OnConflict{
		Columns: statusKey,
		DoUpdates: clause.AssignmentColumns([]string{
			"sector_id", "status", "current_hold_id", "hold_expires_at", "held_quantity", "sold_quantity", "updatedAt",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: `"SeatStatuses".status NOT IN (?, ?)`, Vars: []interface{}{domain.StatusSold, domain.StatusBlocked}},
		}},
	}).Create(&domain.SeatStatus{
		TicketedEventID: hold.TicketedEventID,
		TargetKind:      domain.TargetSeat,
		TargetID:        *hold.SeatID,
		SectorID:        hold.SectorID,
		Status:          domain.StatusHeld,
		CurrentHoldID:   &hold.HoldID,
		HoldExpiresAt:   &hold.ExpiresAt,
		HeldQuantity:    1,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSeatUnavailable
	}
	return nil
}

func lockZone(tx *gorm.DB, eventID, zoneID string) (*domain.EventZone, error) {
	var zone domain.EventZone
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("ticketed_event_id = ? AND zone_id = ?", eventID, zoneID).
		First(&zone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrZoneNotFound
	}
	if err != nil {
		return nil, err
	}
	return &zone, nil
}

// zoneUsage sums the quantities currently held and already sold in a zone.
// Sold quantity keeps consuming capacity after its hold is converted.
func zoneUsage(tx *gorm.DB, zone *domain.EventZone) (held, sold int, err error) {
	var sums struct {
		Held int
		Sold int
	}
	err = tx.Model(&domain.Hold{}).
		Select("COALESCE(SUM(CASE WHEN status = ? THEN quantity ELSE 0 END), 0) AS held, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN quantity ELSE 0 END), 0) AS sold",
			domain.HoldActive, domain.HoldConverted).
		Where("ticketed_event_id = ? AND zone_id = ?", zone.TicketedEventID, zone.ZoneID).
		Scan(&sums).Error
	return sums.Held, sums.Sold, err
}

// zoneState is what a zone's SeatStatuses row says after a write. Zone
// broadcasts carry it so pushed and queried state never disagree.
type zoneState struct {
	status    domain.AvailabilityStatus
	remaining int
}

// writeZoneStatus recomputes the zone's SeatStatuses row from its holds. A
// zone reads "available" while any capacity is left, "held" when the rest is
// only held, "sold" when sold out.
func writeZoneStatus(tx *gorm.DB, zone *domain.EventZone, currentHold *uuid.UUID, expiresAt *time.Time) (*zoneState, error) {
	held, sold, err := zoneUsage(tx, zone)
	if err != nil {
		return nil, err
	}
	remaining := zone.Capacity - held - sold
	status := domain.StatusAvailable
	switch {
	case remaining > 0:
	case held > 0:
		status = domain.StatusHeld
	default:
		status = domain.StatusSold
	}
	err = upsertStatus(tx, &domain.SeatStatus{
		TicketedEventID: zone.TicketedEventID,
		TargetKind:      domain.TargetZone,
		TargetID:        zone.ZoneID,
		SectorID:        zone.SectorID,
		Status:          status,
		CurrentHoldID:   currentHold,
		HoldExpiresAt:   expiresAt,
		HeldQuantity:    held,
		SoldQuantity:    sold,
	})
	if err != nil {
		return nil, err
	}
	return &zoneState{status: status, remaining: remaining}, nil
}

// refreshHeldExpiry propagates a new expiry of an active hold to its status
// row. Zone holds also report the recomputed zone state.
func refreshHeldExpiry(tx *gorm.DB, hold *domain.Hold) (*zoneState, error) {
	kind, id := hold.Target()
	if kind == domain.TargetZone {
		zone, err := lockZone(tx, hold.TicketedEventID, id)
		if err != nil {
			return nil, err
		}
		return writeZoneStatus(tx, zone, &hold.HoldID, &hold.ExpiresAt)
	}
	return nil, tx.Model(&domain.SeatStatus{}).
		Where("ticketed_event_id = ? AND target_kind = ? AND target_id = ? AND current_hold_id = ?",
			hold.TicketedEventID, domain.TargetSeat, id, hold.HoldID).
		Update("hold_expires_at", hold.ExpiresAt).Error
}

// releaseInventory returns a released or expired hold's inventory. A seat row
// is only reset while it still points at this hold.
func releaseInventory(tx *gorm.DB, hold *domain.Hold) (*zoneState, error) {
	kind, id := hold.Target()
	if kind == domain.TargetZone {
		zone, err := lockZone(tx, hold.TicketedEventID, id)
		if err != nil {
			return nil, err
		}
		return writeZoneStatus(tx, zone, nil, nil)
	}
	return nil, tx.Model(&domain.SeatStatus{}).
		Where("ticketed_event_id = ? AND target_kind = ? AND target_id = ? AND current_hold_id = ?",
			hold.TicketedEventID, domain.TargetSeat, id, hold.HoldID).
		Updates(map[string]interface{}{
			"status":          domain.StatusAvailable,
			"current_hold_id": nil,
			"hold_expires_at": nil,
			"held_quantity":   0,
		}).Error
}

// sellInventory marks a converted hold's inventory as sold.
func sellInventory(tx *gorm.DB, hold *domain.Hold) (*zoneState, error) {
	kind, id := hold.Target()
	if kind == domain.TargetZone {
		zone, err := lockZone(tx, hold.TicketedEventID, id)
		if err != nil {
			return nil, err
		}
		return writeZoneStatus(tx, zone, &hold.HoldID, nil)
	}
	return nil, upsertStatus(tx, &domain.SeatStatus{
		TicketedEventID: hold.TicketedEventID,
		TargetKind:      domain.TargetSeat,
		TargetID:        id,
		SectorID:        hold.SectorID,
		Status:          domain.StatusSold,
		CurrentHoldID:   &hold.HoldID,
		SoldQuantity:    1,
	})
}
