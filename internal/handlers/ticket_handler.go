package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	pubnub "github.com/pubnub/go"

	"eventpass/internal/qr"
	"eventpass/internal/services"
	"eventpass/internal/status"
	"eventpass/models"
)

type TicketHandler struct {
	app       *pocketbase.PocketBase
	lifecycle *services.LifecycleService
	notify    *services.NotifyService
	codec     *qr.Codec
	pubnub    *pubnub.PubNub
}

func NewTicketHandler(app *pocketbase.PocketBase, lifecycle *services.LifecycleService, notify *services.NotifyService, codec *qr.Codec, pn *pubnub.PubNub) *TicketHandler {
	return &TicketHandler{
		app:       app,
		lifecycle: lifecycle,
		notify:    notify,
		codec:     codec,
		pubnub:    pn,
	}
}

type createTicketRequest struct {
	HolderName    string `json:"holder_name"`
	EventName     string `json:"event_name"`
	EventDate     string `json:"event_date"`
	EventTime     string `json:"event_time"`
	Location      string `json:"location"`
	OwnerEmail    string `json:"owner_email"`
	Tier          string `json:"tier"`
	HoldForSignup bool   `json:"hold_for_signup"`
}

func (r *createTicketRequest) draft() (models.TicketDraft, error) {
	if r.OwnerEmail == "" || r.EventName == "" || r.HolderName == "" {
		return models.TicketDraft{}, errors.New("holder_name, event_name and owner_email are required")
	}

	tier := models.Tier(r.Tier)
	if tier == "" {
		tier = models.TierStandard
	}
	if tier != models.TierStandard && tier != models.TierPremium {
		return models.TicketDraft{}, errors.New("tier must be standard or premium")
	}

	return models.TicketDraft{
		HolderName: r.HolderName,
		EventName:  r.EventName,
		EventDate:  r.EventDate,
		EventTime:  r.EventTime,
		Location:   r.Location,
		OwnerEmail: r.OwnerEmail,
		Tier:       tier,
	}, nil
}

// CreateTicket - create a ticket, routed by tier.
// Anonymous callers may ask for the draft to be held across a signup
// redirect instead of creating immediately.
func (h *TicketHandler) CreateTicket(e *core.RequestEvent) error {
	var req createTicketRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	draft, err := req.draft()
	if err != nil {
		return apis.NewBadRequestError(err.Error(), nil)
	}

	ctx := e.Request.Context()
	account := accountFromEvent(e)

	if account == nil && req.HoldForSignup {
		token, err := h.lifecycle.HoldDraft(ctx, draft)
		if err != nil {
			return apis.NewApiError(http.StatusServiceUnavailable, "Could not hold draft", err)
		}
		return e.JSON(http.StatusAccepted, map[string]any{
			"held":        true,
			"draft_token": token,
		})
	}

	result, err := h.lifecycle.Create(ctx, draft, account)
	if err != nil {
		return apis.NewApiError(http.StatusServiceUnavailable, "Could not create ticket", err)
	}

	if result.Payment != nil {
		return e.JSON(http.StatusAccepted, map[string]any{
			"payment": result.Payment,
		})
	}

	return h.respondWithTicket(e, result.Ticket, account)
}

// ResumeDraft - finish an anonymous creation after signup. The draft token
// is single-use; resubmitting it is a no-op.
func (h *TicketHandler) ResumeDraft(e *core.RequestEvent) error {
	account := accountFromEvent(e)
	if account == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		DraftToken string `json:"draft_token"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	ctx := e.Request.Context()

	draft, err := h.lifecycle.ConsumeDraft(ctx, req.DraftToken)
	if errors.Is(err, status.ErrDraftNotFound) {
		return e.JSON(http.StatusOK, map[string]any{
			"created": false,
			"message": "No pending draft for this token",
		})
	}
	if err != nil {
		return apis.NewApiError(http.StatusServiceUnavailable, "Could not read draft", err)
	}

	result, err := h.lifecycle.Create(ctx, *draft, account)
	if err != nil {
		return apis.NewApiError(http.StatusServiceUnavailable, "Could not create ticket", err)
	}

	if result.Payment != nil {
		return e.JSON(http.StatusAccepted, map[string]any{
			"payment": result.Payment,
		})
	}

	return h.respondWithTicket(e, result.Ticket, account)
}

// GetTicket - owner-gated ticket fetch with rendered QR artifacts.
func (h *TicketHandler) GetTicket(e *core.RequestEvent) error {
	account := accountFromEvent(e)
	if account == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	reference := e.Request.PathValue("reference")
	ctx := e.Request.Context()

	ticket, err := h.lifecycle.Ticket(ctx, reference)
	if errors.Is(err, status.ErrTicketNotFound) {
		return apis.NewNotFoundError("Ticket not found", nil)
	}
	if err != nil {
		return apis.NewApiError(http.StatusServiceUnavailable, "Store unavailable", err)
	}

	if !services.ResolveOwnership(ticket, account) {
		return apis.NewForbiddenError("Access denied", nil)
	}

	dataURI, _ := h.codec.DataURI(ticket.Reference, 256)
	svg, _ := h.codec.SVG(ticket.Reference, 4)

	return e.JSON(http.StatusOK, map[string]any{
		"ticket":         ticket,
		"qr_data_uri":    dataURI,
		"qr_svg":         svg,
		"validation_url": h.codec.ValidationURL(ticket.Reference),
	})
}

// ListTickets - tickets owned by the caller, by account id or email.
func (h *TicketHandler) ListTickets(e *core.RequestEvent) error {
	account := accountFromEvent(e)
	if account == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	tickets, err := h.lifecycle.TicketsOwnedBy(e.Request.Context(), account)
	if err != nil {
		return apis.NewApiError(http.StatusServiceUnavailable, "Store unavailable", err)
	}

	return e.JSON(http.StatusOK, map[string]any{"tickets": tickets})
}

// CheckInTicket - the one-time check-in transition by reference.
func (h *TicketHandler) CheckInTicket(e *core.RequestEvent) error {
	account := accountFromEvent(e)
	if account == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	reference := e.Request.PathValue("reference")

	return respondCheckIn(e, h.lifecycle, h.pubnub, reference, account)
}

func (h *TicketHandler) respondWithTicket(e *core.RequestEvent, ticket *models.Ticket, account *models.Account) error {
	accountEmail := ""
	if account != nil {
		accountEmail = account.Email
	}

	var warnings []string
	for _, result := range h.notify.Dispatch(e.Request.Context(), ticket, accountEmail) {
		if result.Err != nil {
			warnings = append(warnings, "Could not email ticket to "+result.Recipient)
		}
	}

	dataURI, _ := h.codec.DataURI(ticket.Reference, 256)

	resp := map[string]any{
		"ticket":         ticket,
		"qr_data_uri":    dataURI,
		"validation_url": h.codec.ValidationURL(ticket.Reference),
	}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}

	return e.JSON(http.StatusOK, resp)
}

// respondCheckIn maps a check-in outcome onto distinct, actionable
// responses. AlreadyCheckedIn is an expected idempotent outcome, not an
// error.
func respondCheckIn(e *core.RequestEvent, lifecycle *services.LifecycleService, pn *pubnub.PubNub, reference string, account *models.Account) error {
	outcome, ticket, err := lifecycle.CheckIn(e.Request.Context(), reference, account)
	if err != nil {
		return apis.NewApiError(http.StatusServiceUnavailable, "Store unavailable", err)
	}

	switch outcome {
	case services.CheckInSuccess:
		publishCheckIn(pn, ticket)
		return e.JSON(http.StatusOK, map[string]any{
			"outcome":       string(outcome),
			"reference":     ticket.Reference,
			"holder_name":   ticket.HolderName,
			"checked_in_at": ticket.CheckedInAt,
		})
	case services.CheckInAlreadyCheckedIn:
		return e.JSON(http.StatusOK, map[string]any{
			"outcome":       string(outcome),
			"reference":     ticket.Reference,
			"checked_in_at": ticket.CheckedInAt,
			"message":       "Ticket was already checked in",
		})
	case services.CheckInNotOwned:
		return apis.NewForbiddenError("Sign in with the account this ticket belongs to", nil)
	default:
		return apis.NewNotFoundError("Ticket not found", nil)
	}
}

func publishCheckIn(pn *pubnub.PubNub, ticket *models.Ticket) {
	if pn == nil {
		return
	}

	_, _, err := pn.Publish().
		Channel("event-checkins").
		Message(map[string]any{
			"reference":   ticket.Reference,
			"event_name":  ticket.EventName,
			"holder_name": ticket.HolderName,
		}).
		Execute()
	if err != nil {
		slog.Warn("failed to publish check-in event", "reference", ticket.Reference, "error", err)
	}
}

func accountFromEvent(e *core.RequestEvent) *models.Account {
	if e.Auth == nil {
		return nil
	}

	return &models.Account{
		ID:    e.Auth.Id,
		Email: e.Auth.GetString("email"),
	}
}
