package holds

import (
	"encoding/json"
	"errors"

	holdsvc "ticketing-backend/internal/application/holds"
	"ticketing-backend/internal/domain"
	"ticketing-backend/internal/middleware"
	"ticketing-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type Handlers struct {
	Service     *holdsvc.Service
	Sweeper     *holdsvc.Sweeper
	InternalKey string
}

type createHoldBody struct {
	TicketedEventID string   `json:"ticketedEventId"`
	SectorID        *string  `json:"sectorId"`
	SeatID          *string  `json:"seatId"`
	ZoneID          *string  `json:"zoneId"`
	Quantity        int      `json:"quantity"`
	HoldType        string   `json:"holdType"`
	CustomerID      *string  `json:"customerId"`
	PriceSnapshot   *float64 `json:"priceSnapshot"`
}

type convertBody struct {
	OrderID string `json:"orderId"`
}

// POST /api/v1/holds: 201 with the new hold, 200 when the caller already held the seat
func (h *Handlers) CreateHold(c *fiber.Ctx) error {
	var body createHoldBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return response.CodedError(c, "Invalid request body", fiber.StatusBadRequest, holdsvc.Code(holdsvc.ErrInvalidRequest), failureDetails(false))
	}
	holdType := domain.HoldType(body.HoldType)
	if holdType == domain.HoldTypeStaffReserve && !middleware.HasInternalKey(c, h.InternalKey) {
		return response.Error(c, "Staff reservations require an internal key", fiber.StatusForbidden, nil)
	}

	req := holdsvc.CreateHoldRequest{
		TicketedEventID: body.TicketedEventID,
		SessionID:       middleware.GetSessionID(c),
		SectorID:        body.SectorID,
		SeatID:          body.SeatID,
		ZoneID:          body.ZoneID,
		CustomerID:      body.CustomerID,
		HoldType:        holdType,
		Quantity:        body.Quantity,
		PriceSnapshot:   body.PriceSnapshot,
	}
	if uid := middleware.GetUserID(c); uid != "" {
		req.UserID = &uid
	}

	res, err := h.Service.CreateHold(c.UserContext(), req)
	if err != nil {
		return failure(c, err, false)
	}
	if res.Reclaimed {
		return response.Success(c, "Hold already owned by this session", holdPayload(res), nil)
	}
	return response.SuccessCreated(c, "Hold created", holdPayload(res), nil)
}

// POST /api/v1/holds/:id/extend
func (h *Handlers) ExtendHold(c *fiber.Ctx) error {
	id, err := holdID(c)
	if err != nil {
		return failure(c, err, false)
	}
	res, err := h.Service.ExtendHold(c.UserContext(), id, middleware.GetSessionID(c))
	if err != nil {
		return failure(c, err, false)
	}
	return response.Success(c, "Hold extended", holdPayload(res), nil)
}

// DELETE /api/v1/holds/:id
func (h *Handlers) ReleaseHold(c *fiber.Ctx) error {
	id, err := holdID(c)
	if err != nil {
		return failure(c, err, false)
	}
	res, err := h.Service.ReleaseHold(c.UserContext(), id, middleware.GetSessionID(c))
	if err != nil {
		return failure(c, err, false)
	}
	return response.Success(c, "Hold released", holdPayload(res), nil)
}

// POST /api/v1/holds/:id/checkout
func (h *Handlers) UpgradeToCheckout(c *fiber.Ctx) error {
	id, err := holdID(c)
	if err != nil {
		return failure(c, err, false)
	}
	res, err := h.Service.UpgradeHoldToCheckout(c.UserContext(), id, middleware.GetSessionID(c))
	if err != nil {
		return failure(c, err, false)
	}
	return response.Success(c, "Hold moved to checkout", holdPayload(res), nil)
}

// POST /api/v1/holds/:id/convert: internal; called by the checkout pipeline after payment
func (h *Handlers) ConvertHold(c *fiber.Ctx) error {
	id, err := holdID(c)
	if err != nil {
		return failure(c, err, true)
	}
	var body convertBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return failure(c, holdsvc.ErrInvalidRequest, true)
	}
	res, err := h.Service.ConvertHoldToOrder(c.UserContext(), id, body.OrderID)
	if err != nil {
		return failure(c, err, true)
	}
	return response.Success(c, "Hold converted", holdPayload(res), nil)
}

// GET /api/v1/holds/:id: owner session or internal callers only
func (h *Handlers) GetHold(c *fiber.Ctx) error {
	id, err := holdID(c)
	if err != nil {
		return failure(c, err, false)
	}
	hold, err := h.Service.GetHold(c.UserContext(), id)
	if err != nil {
		return failure(c, err, false)
	}
	if hold.SessionID != middleware.GetSessionID(c) && !middleware.HasInternalKey(c, h.InternalKey) {
		return failure(c, holdsvc.ErrNotOwner, false)
	}
	return response.Success(c, "Hold fetched", fiber.Map{"success": true, "hold": hold, "expiresAt": hold.ExpiresAt}, nil)
}

// GET /api/v1/events/:eventId/holds?mine=true: all sessions' holds need the internal key
func (h *Handlers) GetActiveHolds(c *fiber.Ctx) error {
	eventID := c.Params("eventId")
	sessionID := middleware.GetSessionID(c)
	if c.Query("mine", "true") == "false" {
		if !middleware.HasInternalKey(c, h.InternalKey) {
			return response.Error(c, "Listing every session's holds requires an internal key", fiber.StatusForbidden, nil)
		}
		sessionID = ""
	}
	holds, err := h.Service.GetActiveHolds(c.UserContext(), eventID, sessionID)
	if err != nil {
		return failure(c, err, false)
	}
	return response.Success(c, "Active holds fetched", fiber.Map{"success": true, "holds": holds}, fiber.Map{"count": len(holds)})
}

// GET /api/v1/events/:eventId/seat-statuses: snapshot clients use to resync after a missed push
func (h *Handlers) GetSeatStatuses(c *fiber.Ctx) error {
	rows, err := h.Service.GetEventSeatStatuses(c.UserContext(), c.Params("eventId"))
	if err != nil {
		return failure(c, err, false)
	}
	return response.Success(c, "Seat statuses fetched", fiber.Map{"success": true, "statuses": rows}, fiber.Map{"count": len(rows)})
}

// POST /api/v1/holds/sweep: internal; runs one expiry pass now
func (h *Handlers) Sweep(c *fiber.Ctx) error {
	cleaned := h.Sweeper.CleanupExpiredHolds(c.UserContext())
	return response.Success(c, "Sweep complete", fiber.Map{"success": true, "cleaned": cleaned}, nil)
}

func holdID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, holdsvc.ErrInvalidRequest
	}
	return id, nil
}

func holdPayload(res *holdsvc.Result) fiber.Map {
	return fiber.Map{
		"success":   true,
		"hold":      res.Hold,
		"expiresAt": res.ExpiresAt,
		"reclaimed": res.Reclaimed,
	}
}

func failureDetails(compensate bool) fiber.Map {
	details := fiber.Map{"success": false}
	if compensate {
		details["requiresCompensation"] = true
	}
	return details
}

// failure maps a hold error to its HTTP status. Conversion failures that lost
// a paid-for hold are flagged so the checkout pipeline refunds.
func failure(c *fiber.Ctx, err error, converting bool) error {
	status := statusFor(err)
	message := err.Error()
	switch {
	case errors.Is(err, holdsvc.ErrStoreTimeout):
		message = holdsvc.ErrStoreTimeout.Error()
	case errors.Is(err, holdsvc.ErrStoreUnavailable):
		message = holdsvc.ErrStoreUnavailable.Error()
	case status == fiber.StatusInternalServerError:
		message = "Internal Server Error"
	}
	return response.CodedError(c, message, status, holdsvc.Code(err), failureDetails(converting && holdsvc.RequiresCompensation(err)))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, holdsvc.ErrInvalidRequest), errors.Is(err, holdsvc.ErrInvalidTarget):
		return fiber.StatusBadRequest
	case errors.Is(err, holdsvc.ErrNotOwner):
		return fiber.StatusForbidden
	case errors.Is(err, holdsvc.ErrNotFound), errors.Is(err, holdsvc.ErrZoneNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, holdsvc.ErrExtensionLimitReached):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, holdsvc.ErrSeatUnavailable),
		errors.Is(err, holdsvc.ErrInsufficientCapacity),
		errors.Is(err, holdsvc.ErrHoldNotActive),
		errors.Is(err, holdsvc.ErrAlreadyConverted),
		errors.Is(err, holdsvc.ErrHoldExpiredDuringPayment):
		return fiber.StatusConflict
	case errors.Is(err, holdsvc.ErrStoreTimeout):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, holdsvc.ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}
