package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"eventpass/internal/qr"
	"eventpass/internal/status"
	"eventpass/internal/store"
	"eventpass/models"
	"eventpass/monitoring"
	"eventpass/utils"
)

const (
	maxReferenceAttempts = 5
	signupDraftKeyPrefix = "signup_draft:"
)

// CheckInOutcome is the typed result of a check-in attempt. Only Success
// mutates the record; the other three are expected, non-error outcomes.
type CheckInOutcome string

const (
	CheckInSuccess          CheckInOutcome = "success"
	CheckInAlreadyCheckedIn CheckInOutcome = "already_checked_in"
	CheckInNotOwned         CheckInOutcome = "not_owned"
	CheckInNotFound         CheckInOutcome = "not_found"
)

// PaymentInitiator is the slice of the payment gate the lifecycle manager
// needs: start a payment session for a premium draft without persisting
// anything.
type PaymentInitiator interface {
	Initiate(ctx context.Context, draft models.TicketDraft, account *models.Account) (*PaymentSession, error)
}

// CreateResult carries either a persisted ticket (standard tier) or the
// payment session the caller must complete first (premium tier).
type CreateResult struct {
	Ticket  *models.Ticket  `json:"ticket,omitempty"`
	Payment *PaymentSession `json:"payment,omitempty"`
}

// LifecycleService owns the ticket state machine: creation, anonymous-ticket
// claiming, ownership resolution and the one-time check-in transition.
type LifecycleService struct {
	store    store.TicketStore
	redis    *redis.Client
	gate     PaymentInitiator
	draftTTL time.Duration
}

func NewLifecycleService(ticketStore store.TicketStore, redisClient *redis.Client, draftTTL time.Duration) *LifecycleService {
	return &LifecycleService{
		store:    ticketStore,
		redis:    redisClient,
		draftTTL: draftTTL,
	}
}

// SetPaymentGate wires the premium-tier path. Separate from the constructor
// because the gate needs the lifecycle service as its draft creator.
func (s *LifecycleService) SetPaymentGate(gate PaymentInitiator) {
	s.gate = gate
}

// Create runs the creation state machine. Standard drafts are persisted
// immediately; premium drafts are delegated to the payment gate and no
// record exists until the gate confirms and calls CreateFromDraft.
func (s *LifecycleService) Create(ctx context.Context, draft models.TicketDraft, account *models.Account) (*CreateResult, error) {
	if draft.Tier == models.TierPremium {
		if s.gate == nil {
			return nil, status.ErrPaymentFailed
		}

		session, err := s.gate.Initiate(ctx, draft, account)
		if err != nil {
			monitoring.RecordTicketCreation(string(draft.Tier), "payment_init_failed")
			return nil, err
		}

		monitoring.RecordTicketCreation(string(draft.Tier), "payment_pending")
		return &CreateResult{Payment: session}, nil
	}

	ownerID := models.OwnerAnonymous
	if account != nil {
		ownerID = account.ID
	}

	ticket, err := s.CreateFromDraft(ctx, draft, ownerID)
	if err != nil {
		return nil, err
	}

	return &CreateResult{Ticket: ticket}, nil
}

// CreateFromDraft persists a draft as an active ticket, generating a fresh
// reference and retrying on store collision. The payment gate calls this
// after a confirmed payment; Create calls it directly for standard tier.
func (s *LifecycleService) CreateFromDraft(ctx context.Context, draft models.TicketDraft, ownerID string) (*models.Ticket, error) {
	if ownerID == "" {
		ownerID = models.OwnerAnonymous
	}

	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		code, err := utils.GenerateCode(4)
		if err != nil {
			return nil, fmt.Errorf("generate reference: %w", err)
		}

		ticket := &models.Ticket{
			Reference:      qr.ReferencePrefix + code,
			OwnerAccountID: ownerID,
			OwnerEmail:     draft.OwnerEmail,
			HolderName:     draft.HolderName,
			EventName:      draft.EventName,
			EventDate:      draft.EventDate,
			EventTime:      draft.EventTime,
			Location:       draft.Location,
			Tier:           draft.Tier,
			Status:         models.StatusActive,
		}

		err = s.store.CreateIfAbsent(ctx, ticket)
		if errors.Is(err, status.ErrReferenceTaken) {
			slog.Info("reference collision, regenerating", "reference", ticket.Reference)
			continue
		}
		if err != nil {
			monitoring.RecordTicketCreation(string(draft.Tier), "store_error")
			return nil, err
		}

		monitoring.RecordTicketCreation(string(draft.Tier), "created")
		return ticket, nil
	}

	return nil, fmt.Errorf("reference generation exhausted after %d attempts", maxReferenceAttempts)
}

// HoldDraft stores a draft as a single-use token so an anonymous creation
// can survive a signup redirect. The token is consumed atomically on first
// read; a second consume attempt sees nothing and is a no-op.
func (s *LifecycleService) HoldDraft(ctx context.Context, draft models.TicketDraft) (string, error) {
	token, err := utils.GenerateCode(16)
	if err != nil {
		return "", fmt.Errorf("generate draft token: %w", err)
	}

	data, err := json.Marshal(draft)
	if err != nil {
		return "", fmt.Errorf("marshal draft: %w", err)
	}

	if err := s.redis.Set(ctx, signupDraftKeyPrefix+token, data, s.draftTTL).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	return token, nil
}

// ConsumeDraft removes and returns a held draft. GETDEL makes the removal
// atomic with the read, which is what guarantees resume idempotence.
func (s *LifecycleService) ConsumeDraft(ctx context.Context, token string) (*models.TicketDraft, error) {
	data, err := s.redis.GetDel(ctx, signupDraftKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return nil, status.ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	var draft models.TicketDraft
	if err := json.Unmarshal([]byte(data), &draft); err != nil {
		return nil, fmt.Errorf("unmarshal held draft: %w", err)
	}

	return &draft, nil
}

// Ticket looks up a single ticket by reference.
func (s *LifecycleService) Ticket(ctx context.Context, reference string) (*models.Ticket, error) {
	return s.store.GetByReference(ctx, reference)
}

// TicketsOwnedBy returns the account's active tickets under the same
// id-or-email predicate ResolveOwnership uses.
func (s *LifecycleService) TicketsOwnedBy(ctx context.Context, account *models.Account) ([]*models.Ticket, error) {
	return s.store.FindByOwner(ctx, account.ID, account.Email)
}

// ClaimAnonymousTickets attaches every active anonymous ticket carrying the
// email to the account. Bulk and best effort: a single ticket failing to
// claim is logged and skipped, never aborts the rest. Returns how many
// tickets were claimed.
func (s *LifecycleService) ClaimAnonymousTickets(ctx context.Context, email, accountID string) (int, error) {
	tickets, err := s.store.FindAnonymousByEmail(ctx, email)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, ticket := range tickets {
		err := s.store.UpdateFields(ctx, ticket.Reference,
			map[string]any{
				"owner_account_id": accountID,
				"claimed_at":       time.Now().UTC(),
			},
			map[string]any{
				"owner_account_id": models.OwnerAnonymous,
			},
		)
		if errors.Is(err, store.ErrPreconditionFailed) {
			// Claimed concurrently, nothing to do.
			continue
		}
		if err != nil {
			slog.Warn("failed to claim ticket", "reference", ticket.Reference, "error", err)
			continue
		}

		claimed++
	}

	if claimed > 0 {
		slog.Info("claimed anonymous tickets", "email", email, "account_id", accountID, "count", claimed)
	}

	return claimed, nil
}

// ResolveOwnership reports whether the account owns the ticket, by account
// id or by email. The email fallback tolerates the window where a ticket's
// owner_account_id has not yet been back-filled by an asynchronous claim.
func ResolveOwnership(ticket *models.Ticket, account *models.Account) bool {
	if ticket == nil || account == nil {
		return false
	}

	return ticket.OwnerAccountID == account.ID || equalEmail(ticket.OwnerEmail, account.Email)
}

// CheckIn performs the at-most-once check-in transition. The final store
// update is a conditional write guarded by checked_in = false, so two
// near-simultaneous scans of the same ticket resolve to exactly one Success.
func (s *LifecycleService) CheckIn(ctx context.Context, reference string, account *models.Account) (CheckInOutcome, *models.Ticket, error) {
	ticket, err := s.store.GetByReference(ctx, reference)
	if errors.Is(err, status.ErrTicketNotFound) {
		monitoring.RecordCheckIn(string(CheckInNotFound))
		return CheckInNotFound, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	if !ResolveOwnership(ticket, account) {
		monitoring.RecordCheckIn(string(CheckInNotOwned))
		return CheckInNotOwned, ticket, nil
	}

	if ticket.CheckedIn {
		monitoring.RecordCheckIn(string(CheckInAlreadyCheckedIn))
		return CheckInAlreadyCheckedIn, ticket, nil
	}

	now := time.Now().UTC()
	err = s.store.UpdateFields(ctx, reference,
		map[string]any{
			"checked_in":    true,
			"checked_in_at": now,
		},
		map[string]any{
			"checked_in": false,
		},
	)
	if errors.Is(err, store.ErrPreconditionFailed) {
		// Lost the race against another scan of the same ticket.
		monitoring.RecordCheckIn(string(CheckInAlreadyCheckedIn))
		return CheckInAlreadyCheckedIn, ticket, nil
	}
	if err != nil {
		return "", nil, err
	}

	ticket.CheckedIn = true
	ticket.CheckedInAt = &now

	monitoring.RecordCheckIn(string(CheckInSuccess))
	return CheckInSuccess, ticket, nil
}
