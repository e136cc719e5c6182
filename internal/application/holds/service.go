package holds

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ticketing-backend/internal/application/broadcast"
	"ticketing-backend/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuditSink receives every committed HoldEvent for downstream consumers.
type AuditSink interface {
	PublishHoldEvent(ctx context.Context, event domain.HoldEvent) error
}

// Service is the hold state machine. Every mutating method runs as one
// transaction covering the Holds row, its HoldEvent and the SeatStatuses row;
// the broadcast and audit publish happen only after commit.
type Service struct {
	DB          *gorm.DB
	Broadcaster *broadcast.Broadcaster
	Audit       AuditSink
	Policy      Policy
	Now         func() time.Time
}

type CreateHoldRequest struct {
	TicketedEventID string
	SessionID       string
	SectorID        *string
	SeatID          *string
	ZoneID          *string
	CustomerID      *string
	UserID          *string
	HoldType        domain.HoldType
	Quantity        int
	PriceSnapshot   *float64
}

// Result is the outcome of a successful hold operation. Reclaimed is set when
// CreateHold found the caller's own active hold on the seat and returned it
// unchanged.
type Result struct {
	Hold      *domain.Hold
	ExpiresAt time.Time
	Reclaimed bool
}

// committed collects what must be emitted once a transaction commits.
type committed struct {
	events  []domain.HoldEvent
	updates []domain.SeatStatusUpdate
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) policy() Policy {
	return s.Policy.withDefaults()
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.policy().StoreTimeout)
}

// CreateHold claims a seat (when SeatID is set) or zone capacity (when only
// ZoneID is set) for the session.
func (s *Service) CreateHold(ctx context.Context, req CreateHoldRequest) (*Result, error) {
	if req.TicketedEventID == "" || req.SessionID == "" {
		return nil, ErrInvalidRequest
	}
	if req.HoldType == "" {
		req.HoldType = domain.HoldTypeCart
	}
	if !req.HoldType.Valid() {
		return nil, ErrInvalidRequest
	}
	switch {
	case nonEmpty(req.SeatID):
		req.ZoneID = nil
		req.Quantity = 1
		return s.createSeatHold(ctx, req)
	case nonEmpty(req.ZoneID):
		if req.Quantity == 0 {
			req.Quantity = 1
		}
		if req.Quantity < 1 {
			return nil, ErrInvalidRequest
		}
		return s.createZoneHold(ctx, req)
	}
	return nil, ErrInvalidTarget
}

func (s *Service) createSeatHold(ctx context.Context, req CreateHoldRequest) (*Result, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	now := s.now()
	var result *Result
	var out committed
	err := s.DB.WithContext(sctx).Transaction(func(tx *gorm.DB) error {
		// The status row lock orders this claim after any in-flight convert of
		// the seat, so a sale committed meanwhile is seen as sold.
		var row domain.SeatStatus
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("ticketed_event_id = ? AND target_kind = ? AND target_id = ?",
				req.TicketedEventID, domain.TargetSeat, *req.SeatID).
			First(&row).Error
		if err == nil && (row.Status == domain.StatusSold || row.Status == domain.StatusBlocked) {
			return ErrSeatUnavailable
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var existing domain.Hold
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("ticketed_event_id = ? AND seat_id = ? AND status = ?", req.TicketedEventID, *req.SeatID, domain.HoldActive).
			First(&existing).Error
		if err == nil {
			if existing.SessionID == req.SessionID {
				result = &Result{Hold: &existing, ExpiresAt: existing.ExpiresAt, Reclaimed: true}
				return nil
			}
			return ErrSeatUnavailable
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		hold := s.newHold(req, now)
		if err := tx.Create(hold).Error; err != nil {
			return err
		}
		event, err := appendEvent(tx, hold, domain.HoldEventCreated, nil, map[string]interface{}{
			"holdType": hold.HoldType,
			"quantity": hold.Quantity,
		})
		if err != nil {
			return err
		}
		if err := claimSeatStatus(tx, hold); err != nil {
			return err
		}
		out.events = append(out.events, event)
		out.updates = append(out.updates, statusUpdate(hold, domain.StatusHeld, &hold.ExpiresAt, &hold.SessionID, nil))
		result = &Result{Hold: hold, ExpiresAt: hold.ExpiresAt}
		return nil
	})
	if err != nil {
		if isDuplicateKey(err) {
			// Another session committed an active hold on this seat between our
			// read and our insert.
			return s.resolveSeatRace(ctx, req)
		}
		return nil, fail("create seat hold", err)
	}
	s.emit(ctx, out)
	return result, nil
}

// resolveSeatRace reads the winner of a lost insert race. The caller's own
// session winning (a concurrent retry) is an idempotent re-claim.
func (s *Service) resolveSeatRace(ctx context.Context, req CreateHoldRequest) (*Result, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var winner domain.Hold
	err := s.DB.WithContext(sctx).
		Where("ticketed_event_id = ? AND seat_id = ? AND status = ?", req.TicketedEventID, *req.SeatID, domain.HoldActive).
		First(&winner).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSeatUnavailable
		}
		return nil, fail("resolve seat race", err)
	}
	if winner.SessionID == req.SessionID {
		return &Result{Hold: &winner, ExpiresAt: winner.ExpiresAt, Reclaimed: true}, nil
	}
	return nil, ErrSeatUnavailable
}

func (s *Service) createZoneHold(ctx context.Context, req CreateHoldRequest) (*Result, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	now := s.now()
	var result *Result
	var out committed
	err := s.DB.WithContext(sctx).Transaction(func(tx *gorm.DB) error {
		// The zone row lock serialises every writer of this zone, so the
		// capacity check below cannot be raced.
		zone, err := lockZone(tx, req.TicketedEventID, *req.ZoneID)
		if err != nil {
			return err
		}
		held, sold, err := zoneUsage(tx, zone)
		if err != nil {
			return err
		}
		if zone.Capacity-held-sold < req.Quantity {
			return ErrInsufficientCapacity
		}
		if req.SectorID == nil {
			req.SectorID = zone.SectorID
		}

		hold := s.newHold(req, now)
		if err := tx.Create(hold).Error; err != nil {
			return err
		}
		event, err := appendEvent(tx, hold, domain.HoldEventCreated, nil, map[string]interface{}{
			"holdType": hold.HoldType,
			"quantity": hold.Quantity,
		})
		if err != nil {
			return err
		}
		zs, err := writeZoneStatus(tx, zone, &hold.HoldID, &hold.ExpiresAt)
		if err != nil {
			return err
		}
		out.events = append(out.events, event)
		out.updates = append(out.updates, statusUpdate(hold, domain.StatusHeld, &hold.ExpiresAt, &hold.SessionID, zs))
		result = &Result{Hold: hold, ExpiresAt: hold.ExpiresAt}
		return nil
	})
	if err != nil {
		return nil, fail("create zone hold", err)
	}
	s.emit(ctx, out)
	return result, nil
}

func (s *Service) newHold(req CreateHoldRequest, now time.Time) *domain.Hold {
	return &domain.Hold{
		TicketedEventID: req.TicketedEventID,
		SectorID:        req.SectorID,
		SeatID:          req.SeatID,
		ZoneID:          req.ZoneID,
		Quantity:        req.Quantity,
		SessionID:       req.SessionID,
		CustomerID:      req.CustomerID,
		UserID:          req.UserID,
		HoldType:        req.HoldType,
		Status:          domain.HoldActive,
		ExpiresAt:       now.Add(s.policy().TTL(req.HoldType)),
		PriceSnapshot:   req.PriceSnapshot,
	}
}

// ExtendHold gives an active hold a fresh TTL, at most Policy.MaxExtensions times.
func (s *Service) ExtendHold(ctx context.Context, holdID uuid.UUID, sessionID string) (*Result, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	now := s.now()
	policy := s.policy()
	var hold domain.Hold
	var out committed
	err := s.DB.WithContext(sctx).Transaction(func(tx *gorm.DB) error {
		if err := lockHold(tx, holdID, &hold); err != nil {
			return err
		}
		if hold.Status != domain.HoldActive {
			return ErrHoldNotActive
		}
		if hold.SessionID != sessionID {
			return ErrNotOwner
		}
		if hold.ExtendedCount >= policy.MaxExtensions {
			return ErrExtensionLimitReached
		}

		previous := hold.ExpiresAt
		next := now.Add(policy.TTL(hold.HoldType))
		res := tx.Model(&domain.Hold{}).
			Where("hold_id = ? AND status = ?", hold.HoldID, domain.HoldActive).
			Updates(map[string]interface{}{
				"expires_at":     next,
				"extended_count": gorm.Expr("extended_count + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrHoldNotActive
		}
		hold.ExpiresAt = next
		hold.ExtendedCount++

		event, err := appendEvent(tx, &hold, domain.HoldEventExtended, statusPtr(domain.HoldActive), map[string]interface{}{
			"previousExpiresAt": previous,
			"newExpiresAt":      next,
			"extendedCount":     hold.ExtendedCount,
		})
		if err != nil {
			return err
		}
		zs, err := refreshHeldExpiry(tx, &hold)
		if err != nil {
			return err
		}
		out.events = append(out.events, event)
		out.updates = append(out.updates, statusUpdate(&hold, domain.StatusHeld, &hold.ExpiresAt, &hold.SessionID, zs))
		return nil
	})
	if err != nil {
		return nil, fail("extend hold", err)
	}
	s.emit(ctx, out)
	return &Result{Hold: &hold, ExpiresAt: hold.ExpiresAt}, nil
}

// ReleaseHold gives the inventory back. Ownership is only checked while the
// hold is active; a hold that already reached a terminal status (for example
// expired by the sweeper a moment earlier) yields ErrHoldNotActive and is left
// untouched.
func (s *Service) ReleaseHold(ctx context.Context, holdID uuid.UUID, sessionID string) (*Result, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var hold domain.Hold
	var out committed
	err := s.DB.WithContext(sctx).Transaction(func(tx *gorm.DB) error {
		if err := lockHold(tx, holdID, &hold); err != nil {
			return err
		}
		if hold.Status.Terminal() {
			return ErrHoldNotActive
		}
		if hold.SessionID != sessionID {
			return ErrNotOwner
		}
		if err := flipStatus(tx, &hold, domain.HoldReleased, nil); err != nil {
			return err
		}
		event, err := appendEvent(tx, &hold, domain.HoldEventReleased, statusPtr(domain.HoldActive), map[string]interface{}{
			"releasedBy": sessionID,
		})
		if err != nil {
			return err
		}
		zs, err := releaseInventory(tx, &hold)
		if err != nil {
			return err
		}
		out.events = append(out.events, event)
		out.updates = append(out.updates, statusUpdate(&hold, domain.StatusAvailable, nil, &hold.SessionID, zs))
		return nil
	})
	if err != nil {
		return nil, fail("release hold", err)
	}
	s.emit(ctx, out)
	return &Result{Hold: &hold, ExpiresAt: hold.ExpiresAt}, nil
}

// UpgradeHoldToCheckout moves a cart hold into the checkout window. It does
// not consume an extension and does not broadcast, since the seat stays held.
func (s *Service) UpgradeHoldToCheckout(ctx context.Context, holdID uuid.UUID, sessionID string) (*Result, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	now := s.now()
	policy := s.policy()
	var hold domain.Hold
	var out committed
	err := s.DB.WithContext(sctx).Transaction(func(tx *gorm.DB) error {
		if err := lockHold(tx, holdID, &hold); err != nil {
			return err
		}
		if hold.Status != domain.HoldActive {
			return ErrHoldNotActive
		}
		if hold.SessionID != sessionID {
			return ErrNotOwner
		}

		previous := hold.ExpiresAt
		next := now.Add(policy.CheckoutTTL)
		res := tx.Model(&domain.Hold{}).
			Where("hold_id = ? AND status = ?", hold.HoldID, domain.HoldActive).
			Updates(map[string]interface{}{
				"hold_type":  domain.HoldTypeCheckout,
				"expires_at": next,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrHoldNotActive
		}
		hold.HoldType = domain.HoldTypeCheckout
		hold.ExpiresAt = next

		event, err := appendEvent(tx, &hold, domain.HoldEventExtended, statusPtr(domain.HoldActive), map[string]interface{}{
			"upgradedTo":        domain.HoldTypeCheckout,
			"previousExpiresAt": previous,
			"newExpiresAt":      next,
		})
		if err != nil {
			return err
		}
		if _, err := refreshHeldExpiry(tx, &hold); err != nil {
			return err
		}
		out.events = append(out.events, event)
		return nil
	})
	if err != nil {
		return nil, fail("upgrade hold", err)
	}
	s.emit(ctx, out)
	return &Result{Hold: &hold, ExpiresAt: hold.ExpiresAt}, nil
}

// ConvertHoldToOrder finalises a paid hold. It is called by the checkout
// pipeline, which has already authenticated the purchase, so no session is
// checked. A hold lost before conversion returns an error for which
// RequiresCompensation is true.
func (s *Service) ConvertHoldToOrder(ctx context.Context, holdID uuid.UUID, orderID string) (*Result, error) {
	if orderID == "" {
		return nil, ErrInvalidRequest
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var hold domain.Hold
	var out committed
	err := s.DB.WithContext(sctx).Transaction(func(tx *gorm.DB) error {
		if err := lockHold(tx, holdID, &hold); err != nil {
			return err
		}
		switch hold.Status {
		case domain.HoldConverted:
			return ErrAlreadyConverted
		case domain.HoldExpired:
			return ErrHoldExpiredDuringPayment
		case domain.HoldReleased:
			return ErrHoldNotActive
		}
		if err := flipStatus(tx, &hold, domain.HoldConverted, map[string]interface{}{
			"converted_to_order_id": orderID,
		}); err != nil {
			return err
		}
		hold.ConvertedToOrderID = &orderID

		event, err := appendEvent(tx, &hold, domain.HoldEventConverted, statusPtr(domain.HoldActive), map[string]interface{}{
			"orderId": orderID,
		})
		if err != nil {
			return err
		}
		zs, err := sellInventory(tx, &hold)
		if err != nil {
			return err
		}
		out.events = append(out.events, event)
		out.updates = append(out.updates, statusUpdate(&hold, domain.StatusSold, nil, &hold.SessionID, zs))
		return nil
	})
	if err != nil {
		if RequiresCompensation(err) {
			log.Error().Err(err).Str("hold_id", holdID.String()).Str("order_id", orderID).Msg("paid order lost its hold")
		}
		return nil, fail("convert hold", err)
	}
	s.emit(ctx, out)
	return &Result{Hold: &hold, ExpiresAt: hold.ExpiresAt}, nil
}

// GetHold returns one hold by id.
func (s *Service) GetHold(ctx context.Context, holdID uuid.UUID) (*domain.Hold, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var hold domain.Hold
	if err := s.DB.WithContext(sctx).Where("hold_id = ?", holdID).First(&hold).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fail("get hold", err)
	}
	return &hold, nil
}

// GetActiveHolds lists the active holds of an event, restricted to one
// session when sessionID is not empty.
func (s *Service) GetActiveHolds(ctx context.Context, eventID, sessionID string) ([]domain.Hold, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	q := s.DB.WithContext(sctx).Where("ticketed_event_id = ? AND status = ?", eventID, domain.HoldActive)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	var holds []domain.Hold
	if err := q.Order(`"createdAt" ASC`).Find(&holds).Error; err != nil {
		return nil, fail("get active holds", err)
	}
	return holds, nil
}

// GetEventSeatStatuses returns the materialized availability of every seat
// and zone of the event that has ever been touched by a hold.
func (s *Service) GetEventSeatStatuses(ctx context.Context, eventID string) ([]domain.SeatStatus, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var rows []domain.SeatStatus
	if err := s.DB.WithContext(sctx).
		Where("ticketed_event_id = ?", eventID).
		Order("target_kind ASC, target_id ASC").
		Find(&rows).Error; err != nil {
		return nil, fail("get seat statuses", err)
	}
	return rows, nil
}

// emit runs after commit: status updates go to the broadcaster, events to
// the audit sink. Neither can undo the committed write.
func (s *Service) emit(ctx context.Context, out committed) {
	for _, u := range out.updates {
		s.Broadcaster.Notify(u)
	}
	if s.Audit == nil {
		return
	}
	actx := context.WithoutCancel(ctx)
	for _, ev := range out.events {
		if err := s.Audit.PublishHoldEvent(actx, ev); err != nil {
			log.Warn().Err(err).Str("hold_id", ev.HoldID.String()).Str("event_type", string(ev.EventType)).Msg("hold audit publish failed")
		}
	}
}

func lockHold(tx *gorm.DB, holdID uuid.UUID, hold *domain.Hold) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("hold_id = ?", holdID).First(hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// flipStatus moves an active hold to a terminal status. The status guard in
// the WHERE clause makes a concurrent flip (user release vs sweeper) lose
// cleanly instead of writing twice.
func flipStatus(tx *gorm.DB, hold *domain.Hold, to domain.HoldStatus, extra map[string]interface{}) error {
	values := map[string]interface{}{"status": to}
	for k, v := range extra {
		values[k] = v
	}
	res := tx.Model(&domain.Hold{}).
		Where("hold_id = ? AND status = ?", hold.HoldID, domain.HoldActive).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrHoldNotActive
	}
	hold.Status = to
	return nil
}

func appendEvent(tx *gorm.DB, hold *domain.Hold, typ domain.HoldEventType, previous *domain.HoldStatus, metadata map[string]interface{}) (domain.HoldEvent, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return domain.HoldEvent{}, err
	}
	event := domain.HoldEvent{
		HoldID:          hold.HoldID,
		TicketedEventID: hold.TicketedEventID,
		EventType:       typ,
		PreviousStatus:  previous,
		NewStatus:       hold.Status,
		Metadata:        datatypes.JSON(raw),
	}
	if err := tx.Create(&event).Error; err != nil {
		return domain.HoldEvent{}, err
	}
	return event, nil
}

// statusUpdate builds the broadcast for a transition. For zones the status and
// remaining capacity come from the recomputed row rather than the transition.
func statusUpdate(hold *domain.Hold, status domain.AvailabilityStatus, expiresAt *time.Time, sessionID *string, zone *zoneState) domain.SeatStatusUpdate {
	id := hold.HoldID
	var remaining *int
	if zone != nil {
		status = zone.status
		remaining = &zone.remaining
	}
	return domain.SeatStatusUpdate{
		EventID:           hold.TicketedEventID,
		SectorID:          hold.SectorID,
		ZoneID:            hold.ZoneID,
		SeatID:            hold.SeatID,
		Status:            status,
		HoldID:            &id,
		ExpiresAt:         expiresAt,
		SessionID:         sessionID,
		RemainingCapacity: remaining,
	}
}

func statusPtr(s domain.HoldStatus) *domain.HoldStatus {
	return &s
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}
