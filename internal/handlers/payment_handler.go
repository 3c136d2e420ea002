package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/stripe/stripe-go"
	"github.com/stripe/stripe-go/webhook"

	"eventpass/internal/services"
	"eventpass/internal/status"
)

type PaymentHandler struct {
	app           *pocketbase.PocketBase
	gate          *services.PaymentGate
	webhookSecret string
}

func NewPaymentHandler(app *pocketbase.PocketBase, gate *services.PaymentGate, webhookSecret string) *PaymentHandler {
	return &PaymentHandler{
		app:           app,
		gate:          gate,
		webhookSecret: webhookSecret,
	}
}

// StripeWebhook - the processor's success/failure callback. Signature is
// verified before anything else; redeliveries are harmless because the gate
// consumes the held draft at most once.
func (h *PaymentHandler) StripeWebhook(e *core.RequestEvent) error {
	const maxBodyBytes = int64(65536)
	e.Request.Body = http.MaxBytesReader(e.Response, e.Request.Body, maxBodyBytes)

	payload, err := io.ReadAll(e.Request.Body)
	if err != nil {
		return apis.NewApiError(http.StatusServiceUnavailable, "Error reading request body", err)
	}

	event, err := webhook.ConstructEvent(payload, e.Request.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		return apis.NewBadRequestError("Webhook signature verification failed", err)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return apis.NewBadRequestError("Malformed event payload", err)
	}

	ctx := e.Request.Context()

	switch event.Type {
	case "payment_intent.succeeded":
		if err := h.gate.HandleSucceeded(ctx, intent.ID); err != nil {
			slog.Error("failed to finalize paid ticket", "session_id", intent.ID, "error", err)
			// Non-2xx makes Stripe redeliver; the draft was put back.
			return apis.NewApiError(http.StatusServiceUnavailable, "Could not finalize ticket", err)
		}
	case "payment_intent.payment_failed":
		h.gate.HandleFailed(ctx, intent.ID, "failed")
	case "payment_intent.canceled":
		h.gate.HandleFailed(ctx, intent.ID, "cancelled")
	default:
		slog.Info("ignoring stripe event", "type", event.Type)
	}

	return e.JSON(http.StatusOK, map[string]any{"received": true})
}

// CheckPaymentStatus - UI polling endpoint for a payment session.
func (h *PaymentHandler) CheckPaymentStatus(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	sessionID := e.Request.PathValue("sessionId")

	state, err := h.gate.SessionStatus(e.Request.Context(), sessionID)
	if errors.Is(err, status.ErrPaymentPending) {
		return apis.NewNotFoundError("Payment session not found", nil)
	}
	if err != nil {
		return apis.NewApiError(http.StatusServiceUnavailable, "Store unavailable", err)
	}

	return e.JSON(http.StatusOK, map[string]any{"status": state})
}

// CancelPayment - discard a pending premium draft. No ticket record exists
// yet, so cancellation is a pure discard.
func (h *PaymentHandler) CancelPayment(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	sessionID := e.Request.PathValue("sessionId")

	if err := h.gate.HandleFailed(e.Request.Context(), sessionID, "cancelled"); err != nil {
		return apis.NewApiError(http.StatusServiceUnavailable, "Could not cancel payment", err)
	}

	return e.JSON(http.StatusOK, map[string]any{"cancelled": true})
}
