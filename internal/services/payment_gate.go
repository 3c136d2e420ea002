package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go"
	"github.com/stripe/stripe-go/paymentintent"

	"eventpass/internal/status"
	"eventpass/models"
	"eventpass/utils"
)

const (
	pendingDraftKeyPrefix  = "pending_draft:"
	paymentStatusKeyPrefix = "payment_status:"
)

// PaymentSession is what the UI needs to drive the payment interaction.
type PaymentSession struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// DraftCreator persists a confirmed draft. Implemented by the lifecycle
// service; an interface here so the gate can be tested without it.
type DraftCreator interface {
	CreateFromDraft(ctx context.Context, draft models.TicketDraft, ownerID string) (*models.Ticket, error)
}

// TicketDispatcher delivers the finished ticket, best effort.
type TicketDispatcher interface {
	Dispatch(ctx context.Context, ticket *models.Ticket, accountEmail string) []DispatchResult
}

// heldDraft is the pending creation request keyed by the payment session.
// It lives only in Redis, with the payment timeout as its TTL: no ticket
// record exists anywhere while payment is outstanding.
type heldDraft struct {
	Draft        models.TicketDraft `json:"draft"`
	AccountID    string             `json:"account_id"`
	AccountEmail string             `json:"account_email"`
}

// PaymentGate defers persistence of premium tickets until the payment
// processor confirms. Initiate never creates a record; HandleSucceeded is
// the only path from a premium draft to a stored ticket.
type PaymentGate struct {
	redis        *redis.Client
	pubnub       *pubnub.PubNub
	creator      DraftCreator
	dispatcher   TicketDispatcher
	breaker      *utils.CircuitBreaker
	currency     string
	premiumPrice decimal.Decimal
	timeout      time.Duration
}

func NewPaymentGate(redisClient *redis.Client, pn *pubnub.PubNub, creator DraftCreator, dispatcher TicketDispatcher, currency string, premiumPrice decimal.Decimal, timeout time.Duration) *PaymentGate {
	return &PaymentGate{
		redis:        redisClient,
		pubnub:       pn,
		creator:      creator,
		dispatcher:   dispatcher,
		breaker:      utils.NewCircuitBreaker("stripe"),
		currency:     currency,
		premiumPrice: premiumPrice,
		timeout:      timeout,
	}
}

// Initiate opens a payment session for a premium draft and parks the draft
// in Redis under the session id. The session metadata carries ticket summary
// for reconciliation but never a reference, because none exists yet.
// Processor failures are recoverable: nothing is persisted, the user may
// retry initiation.
func (g *PaymentGate) Initiate(ctx context.Context, draft models.TicketDraft, account *models.Account) (*PaymentSession, error) {
	amount := g.premiumPrice.Mul(decimal.NewFromInt(100)).IntPart()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(g.currency),
	}
	params.SetIdempotencyKey(uuid.New().String())
	params.AddMetadata("event_name", draft.EventName)
	params.AddMetadata("holder_name", draft.HolderName)
	params.AddMetadata("owner_email", draft.OwnerEmail)

	result, err := g.breaker.Execute(ctx, func() (any, error) {
		return paymentintent.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("create payment session: %w", err)
	}
	intent := result.(*stripe.PaymentIntent)

	held := heldDraft{Draft: draft}
	if account != nil {
		held.AccountID = account.ID
		held.AccountEmail = account.Email
	}

	data, err := json.Marshal(held)
	if err != nil {
		return nil, fmt.Errorf("marshal held draft: %w", err)
	}

	pipe := g.redis.TxPipeline()
	pipe.Set(ctx, pendingDraftKeyPrefix+intent.ID, data, g.timeout)
	pipe.Set(ctx, paymentStatusKeyPrefix+intent.ID, "pending", g.timeout)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	slog.Info("payment session initiated", "session_id", intent.ID, "event", draft.EventName)

	return &PaymentSession{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       amount,
		Currency:     g.currency,
	}, nil
}

// HandleSucceeded consumes the held draft and finally creates the ticket.
// The GETDEL consume makes webhook redelivery a no-op: a second success
// event for the same session finds no draft and changes nothing.
func (g *PaymentGate) HandleSucceeded(ctx context.Context, sessionID string) error {
	data, err := g.redis.GetDel(ctx, pendingDraftKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		slog.Info("no held draft for payment session, ignoring", "session_id", sessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	var held heldDraft
	if err := json.Unmarshal([]byte(data), &held); err != nil {
		return fmt.Errorf("unmarshal held draft: %w", err)
	}

	ticket, err := g.creator.CreateFromDraft(ctx, held.Draft, held.AccountID)
	if err != nil {
		// Put the draft back so a webhook retry can finish the job.
		g.redis.Set(ctx, pendingDraftKeyPrefix+sessionID, data, g.timeout)
		return fmt.Errorf("create ticket after payment: %w", err)
	}

	g.redis.Set(ctx, paymentStatusKeyPrefix+sessionID, "succeeded", g.timeout)
	g.publish(held.ownerChannel(), map[string]any{
		"type":       "payment_succeeded",
		"session_id": sessionID,
		"reference":  ticket.Reference,
	})

	if g.dispatcher != nil {
		g.dispatcher.Dispatch(ctx, ticket, held.AccountEmail)
	}

	slog.Info("premium ticket created after payment", "session_id", sessionID, "reference", ticket.Reference)
	return nil
}

// HandleFailed discards the held draft. No record was ever created, so
// there is nothing to roll back; the user restarts the flow.
func (g *PaymentGate) HandleFailed(ctx context.Context, sessionID, reason string) error {
	data, err := g.redis.GetDel(ctx, pendingDraftKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	var held heldDraft
	if err := json.Unmarshal([]byte(data), &held); err == nil {
		g.publish(held.ownerChannel(), map[string]any{
			"type":       "payment_failed",
			"session_id": sessionID,
			"reason":     reason,
		})
	}

	g.redis.Set(ctx, paymentStatusKeyPrefix+sessionID, "failed", g.timeout)

	slog.Info("payment session discarded", "session_id", sessionID, "reason", reason)
	return nil
}

// SessionStatus reports the payment state for UI polling.
func (g *PaymentGate) SessionStatus(ctx context.Context, sessionID string) (string, error) {
	value, err := g.redis.Get(ctx, paymentStatusKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", status.ErrPaymentPending
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}
	return value, nil
}

func (g *PaymentGate) publish(channel string, message map[string]any) {
	if g.pubnub == nil {
		return
	}

	_, _, err := g.pubnub.Publish().
		Channel(channel).
		Message(message).
		Execute()
	if err != nil {
		slog.Warn("failed to publish payment event", "channel", channel, "error", err)
	}
}

func (h heldDraft) ownerChannel() string {
	if h.AccountID != "" {
		return "user-" + h.AccountID
	}
	return "email-" + h.Draft.OwnerEmail
}
