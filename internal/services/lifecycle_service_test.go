package services

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventpass/internal/status"
	"eventpass/internal/store"
	"eventpass/models"
)

var referencePattern = regexp.MustCompile(`^TICKET-[0-9A-F]{8}$`)

// fakeTicketStore keeps records in memory and supports scripted failures.
type fakeTicketStore struct {
	tickets     map[string]*models.Ticket
	createErrs  []error
	updateErrs  []error
	createCalls int
	updateCalls int
}

func newFakeTicketStore() *fakeTicketStore {
	return &fakeTicketStore{tickets: map[string]*models.Ticket{}}
}

func (f *fakeTicketStore) seed(ticket *models.Ticket) {
	copied := *ticket
	f.tickets[ticket.Reference] = &copied
}

func (f *fakeTicketStore) CreateIfAbsent(ctx context.Context, ticket *models.Ticket) error {
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := f.tickets[ticket.Reference]; ok {
		return status.ErrReferenceTaken
	}
	ticket.CreatedAt = time.Now().UTC()
	copied := *ticket
	f.tickets[ticket.Reference] = &copied
	return nil
}

func (f *fakeTicketStore) GetByReference(ctx context.Context, reference string) (*models.Ticket, error) {
	ticket, ok := f.tickets[reference]
	if !ok {
		return nil, status.ErrTicketNotFound
	}
	copied := *ticket
	return &copied, nil
}

func (f *fakeTicketStore) FindByOwner(ctx context.Context, accountID, email string) ([]*models.Ticket, error) {
	var out []*models.Ticket
	for _, ticket := range f.tickets {
		if ticket.Status != models.StatusActive {
			continue
		}
		if ticket.OwnerAccountID == accountID || ticket.OwnerEmail == email {
			copied := *ticket
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeTicketStore) FindAnonymousByEmail(ctx context.Context, email string) ([]*models.Ticket, error) {
	var out []*models.Ticket
	for _, ticket := range f.tickets {
		if ticket.Status == models.StatusActive && ticket.OwnerAccountID == models.OwnerAnonymous && ticket.OwnerEmail == email {
			copied := *ticket
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeTicketStore) UpdateFields(ctx context.Context, reference string, fields map[string]any, precondition map[string]any) error {
	f.updateCalls++
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return err
		}
	}

	ticket, ok := f.tickets[reference]
	if !ok {
		return store.ErrPreconditionFailed
	}

	for name, value := range precondition {
		switch name {
		case "checked_in":
			if ticket.CheckedIn != value.(bool) {
				return store.ErrPreconditionFailed
			}
		case "owner_account_id":
			if ticket.OwnerAccountID != value.(string) {
				return store.ErrPreconditionFailed
			}
		}
	}

	for name, value := range fields {
		switch name {
		case "checked_in":
			ticket.CheckedIn = value.(bool)
		case "checked_in_at":
			at := value.(time.Time)
			ticket.CheckedInAt = &at
		case "owner_account_id":
			ticket.OwnerAccountID = value.(string)
		case "claimed_at":
			at := value.(time.Time)
			ticket.ClaimedAt = &at
		}
	}
	return nil
}

func testDraft() models.TicketDraft {
	return models.TicketDraft{
		HolderName: "Amy Santiago",
		EventName:  "Go Conference 2026",
		EventDate:  "2026-10-12",
		EventTime:  "18:00",
		Location:   "Vientiane Convention Center",
		OwnerEmail: "amy@example.com",
		Tier:       models.TierStandard,
	}
}

func TestCreateFromDraft_GeneratesReference(t *testing.T) {
	ticketStore := newFakeTicketStore()
	service := NewLifecycleService(ticketStore, nil, time.Minute)

	ticket, err := service.CreateFromDraft(context.Background(), testDraft(), "acc_1")
	require.NoError(t, err)

	assert.Regexp(t, referencePattern, ticket.Reference)
	assert.Equal(t, "acc_1", ticket.OwnerAccountID)
	assert.Equal(t, models.StatusActive, ticket.Status)
	assert.False(t, ticket.CheckedIn)
	assert.Len(t, ticketStore.tickets, 1)
}

func TestCreateFromDraft_RetriesOnCollision(t *testing.T) {
	ticketStore := newFakeTicketStore()
	ticketStore.createErrs = []error{status.ErrReferenceTaken, status.ErrReferenceTaken}
	service := NewLifecycleService(ticketStore, nil, time.Minute)

	ticket, err := service.CreateFromDraft(context.Background(), testDraft(), "acc_1")
	require.NoError(t, err)

	assert.Equal(t, 3, ticketStore.createCalls, "each collision triggers a fresh reference")
	assert.Regexp(t, referencePattern, ticket.Reference)
	assert.Len(t, ticketStore.tickets, 1)
}

func TestCreateFromDraft_GivesUpEventually(t *testing.T) {
	ticketStore := newFakeTicketStore()
	for i := 0; i < maxReferenceAttempts; i++ {
		ticketStore.createErrs = append(ticketStore.createErrs, status.ErrReferenceTaken)
	}
	service := NewLifecycleService(ticketStore, nil, time.Minute)

	_, err := service.CreateFromDraft(context.Background(), testDraft(), "acc_1")
	require.Error(t, err)
	assert.Equal(t, maxReferenceAttempts, ticketStore.createCalls)
	assert.Empty(t, ticketStore.tickets)
}

func TestCreate_AnonymousOwner(t *testing.T) {
	ticketStore := newFakeTicketStore()
	service := NewLifecycleService(ticketStore, nil, time.Minute)

	result, err := service.Create(context.Background(), testDraft(), nil)
	require.NoError(t, err)

	require.NotNil(t, result.Ticket)
	assert.Equal(t, models.OwnerAnonymous, result.Ticket.OwnerAccountID)
	assert.True(t, result.Ticket.Anonymous())
}

type fakeInitiator struct {
	session  *PaymentSession
	err      error
	initiated int
}

func (f *fakeInitiator) Initiate(ctx context.Context, draft models.TicketDraft, account *models.Account) (*PaymentSession, error) {
	f.initiated++
	return f.session, f.err
}

func TestCreate_PremiumDefersPersistence(t *testing.T) {
	ticketStore := newFakeTicketStore()
	service := NewLifecycleService(ticketStore, nil, time.Minute)

	gate := &fakeInitiator{session: &PaymentSession{ID: "pi_123", ClientSecret: "secret", Amount: 5000, Currency: "usd"}}
	service.SetPaymentGate(gate)

	draft := testDraft()
	draft.Tier = models.TierPremium

	result, err := service.Create(context.Background(), draft, &models.Account{ID: "acc_1", Email: "amy@example.com"})
	require.NoError(t, err)

	assert.Nil(t, result.Ticket, "no record may exist before payment confirmation")
	require.NotNil(t, result.Payment)
	assert.Equal(t, "pi_123", result.Payment.ID)
	assert.Equal(t, 1, gate.initiated)
	assert.Empty(t, ticketStore.tickets)
	assert.Zero(t, ticketStore.createCalls)
}

func TestCreate_PremiumWithoutGate(t *testing.T) {
	service := NewLifecycleService(newFakeTicketStore(), nil, time.Minute)

	draft := testDraft()
	draft.Tier = models.TierPremium

	_, err := service.Create(context.Background(), draft, nil)
	assert.ErrorIs(t, err, status.ErrPaymentFailed)
}

func TestCheckIn_OnceOnly(t *testing.T) {
	ticketStore := newFakeTicketStore()
	ticketStore.seed(&models.Ticket{
		Reference:      "TICKET-AABBCCDD",
		OwnerAccountID: "acc_1",
		OwnerEmail:     "amy@example.com",
		Status:         models.StatusActive,
	})
	service := NewLifecycleService(ticketStore, nil, time.Minute)

	account := &models.Account{ID: "acc_1", Email: "amy@example.com"}

	outcome, ticket, err := service.CheckIn(context.Background(), "TICKET-AABBCCDD", account)
	require.NoError(t, err)
	assert.Equal(t, CheckInSuccess, outcome)
	require.NotNil(t, ticket.CheckedInAt)
	firstCheckIn := *ticket.CheckedInAt

	outcome, ticket, err = service.CheckIn(context.Background(), "TICKET-AABBCCDD", account)
	require.NoError(t, err)
	assert.Equal(t, CheckInAlreadyCheckedIn, outcome)
	require.NotNil(t, ticket.CheckedInAt)
	assert.Equal(t, firstCheckIn, *ticket.CheckedInAt, "repeat scans must not move the check-in time")
}

func TestCheckIn_NotOwned(t *testing.T) {
	ticketStore := newFakeTicketStore()
	ticketStore.seed(&models.Ticket{
		Reference:      "TICKET-AABBCCDD",
		OwnerAccountID: "acc_1",
		OwnerEmail:     "amy@example.com",
		Status:         models.StatusActive,
	})
	service := NewLifecycleService(ticketStore, nil, time.Minute)

	outcome, _, err := service.CheckIn(context.Background(), "TICKET-AABBCCDD",
		&models.Account{ID: "acc_2", Email: "rosa@example.com"})
	require.NoError(t, err)
	assert.Equal(t, CheckInNotOwned, outcome)

	stored, _ := ticketStore.GetByReference(context.Background(), "TICKET-AABBCCDD")
	assert.False(t, stored.CheckedIn, "a rejected scan must not mutate the record")
	assert.Zero(t, ticketStore.updateCalls)
}

func TestCheckIn_EmailFallbackOwnership(t *testing.T) {
	ticketStore := newFakeTicketStore()
	ticketStore.seed(&models.Ticket{
		Reference:      "TICKET-AABBCCDD",
		OwnerAccountID: models.OwnerAnonymous,
		OwnerEmail:     "Amy@Example.com",
		Status:         models.StatusActive,
	})
	service := NewLifecycleService(ticketStore, nil, time.Minute)

	outcome, _, err := service.CheckIn(context.Background(), "TICKET-AABBCCDD",
		&models.Account{ID: "acc_1", Email: "amy@example.com"})
	require.NoError(t, err)
	assert.Equal(t, CheckInSuccess, outcome)
}

func TestCheckIn_NotFound(t *testing.T) {
	service := NewLifecycleService(newFakeTicketStore(), nil, time.Minute)

	outcome, ticket, err := service.CheckIn(context.Background(), "TICKET-MISSING11",
		&models.Account{ID: "acc_1"})
	require.NoError(t, err)
	assert.Equal(t, CheckInNotFound, outcome)
	assert.Nil(t, ticket)
}

func TestCheckIn_LostRace(t *testing.T) {
	ticketStore := newFakeTicketStore()
	ticketStore.seed(&models.Ticket{
		Reference:      "TICKET-AABBCCDD",
		OwnerAccountID: "acc_1",
		Status:         models.StatusActive,
	})
	ticketStore.updateErrs = []error{store.ErrPreconditionFailed}
	service := NewLifecycleService(ticketStore, nil, time.Minute)

	outcome, _, err := service.CheckIn(context.Background(), "TICKET-AABBCCDD",
		&models.Account{ID: "acc_1"})
	require.NoError(t, err)
	assert.Equal(t, CheckInAlreadyCheckedIn, outcome, "losing the conditional write reads as a repeat scan")
}

func TestClaimAnonymousTickets(t *testing.T) {
	ticketStore := newFakeTicketStore()
	ticketStore.seed(&models.Ticket{Reference: "TICKET-AAAAAAA1", OwnerAccountID: models.OwnerAnonymous, OwnerEmail: "amy@example.com", Status: models.StatusActive})
	ticketStore.seed(&models.Ticket{Reference: "TICKET-AAAAAAA2", OwnerAccountID: models.OwnerAnonymous, OwnerEmail: "amy@example.com", Status: models.StatusActive})
	ticketStore.seed(&models.Ticket{Reference: "TICKET-AAAAAAA3", OwnerAccountID: "acc_9", OwnerEmail: "amy@example.com", Status: models.StatusActive})
	ticketStore.seed(&models.Ticket{Reference: "TICKET-AAAAAAA4", OwnerAccountID: models.OwnerAnonymous, OwnerEmail: "rosa@example.com", Status: models.StatusActive})

	service := NewLifecycleService(ticketStore, nil, time.Minute)

	claimed, err := service.ClaimAnonymousTickets(context.Background(), "amy@example.com", "acc_1")
	require.NoError(t, err)
	assert.Equal(t, 2, claimed)

	for _, reference := range []string{"TICKET-AAAAAAA1", "TICKET-AAAAAAA2"} {
		ticket, err := ticketStore.GetByReference(context.Background(), reference)
		require.NoError(t, err)
		assert.Equal(t, "acc_1", ticket.OwnerAccountID)
		assert.NotNil(t, ticket.ClaimedAt)
	}

	untouched, _ := ticketStore.GetByReference(context.Background(), "TICKET-AAAAAAA3")
	assert.Equal(t, "acc_9", untouched.OwnerAccountID)

	// A second pass finds nothing anonymous and changes nothing.
	claimed, err = service.ClaimAnonymousTickets(context.Background(), "amy@example.com", "acc_1")
	require.NoError(t, err)
	assert.Zero(t, claimed)
}

func TestAnonymousPurchaseThenSignup(t *testing.T) {
	ticketStore := newFakeTicketStore()
	service := NewLifecycleService(ticketStore, nil, time.Minute)

	result, err := service.Create(context.Background(), testDraft(), nil)
	require.NoError(t, err)
	require.True(t, result.Ticket.Anonymous())

	claimed, err := service.ClaimAnonymousTickets(context.Background(), "amy@example.com", "acc_1")
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	ticket, err := ticketStore.GetByReference(context.Background(), result.Ticket.Reference)
	require.NoError(t, err)
	assert.Equal(t, "acc_1", ticket.OwnerAccountID)

	outcome, _, err := service.CheckIn(context.Background(), ticket.Reference,
		&models.Account{ID: "acc_1", Email: "amy@example.com"})
	require.NoError(t, err)
	assert.Equal(t, CheckInSuccess, outcome)
}

func TestResolveOwnership(t *testing.T) {
	ticket := &models.Ticket{OwnerAccountID: "acc_1", OwnerEmail: "amy@example.com"}

	tests := []struct {
		name    string
		ticket  *models.Ticket
		account *models.Account
		want    bool
	}{
		{"by account id", ticket, &models.Account{ID: "acc_1", Email: "other@example.com"}, true},
		{"by email", ticket, &models.Account{ID: "acc_2", Email: "amy@example.com"}, true},
		{"by email case insensitive", ticket, &models.Account{ID: "acc_2", Email: "AMY@EXAMPLE.COM"}, true},
		{"neither", ticket, &models.Account{ID: "acc_2", Email: "rosa@example.com"}, false},
		{"nil account", ticket, nil, false},
		{"nil ticket", nil, &models.Account{ID: "acc_1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveOwnership(tt.ticket, tt.account))
		})
	}
}

func TestConsumeDraft_SingleUse(t *testing.T) {
	db, mock := redismock.NewClientMock()
	service := NewLifecycleService(newFakeTicketStore(), db, 30*time.Minute)

	draft := testDraft()
	data, err := json.Marshal(draft)
	require.NoError(t, err)

	mock.ExpectGetDel("signup_draft:TOKEN1").SetVal(string(data))
	mock.ExpectGetDel("signup_draft:TOKEN1").RedisNil()

	got, err := service.ConsumeDraft(context.Background(), "TOKEN1")
	require.NoError(t, err)
	assert.Equal(t, draft, *got)

	_, err = service.ConsumeDraft(context.Background(), "TOKEN1")
	assert.ErrorIs(t, err, status.ErrDraftNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeDraft_StoreDown(t *testing.T) {
	db, mock := redismock.NewClientMock()
	service := NewLifecycleService(newFakeTicketStore(), db, 30*time.Minute)

	mock.ExpectGetDel("signup_draft:TOKEN1").SetErr(errors.New("connection refused"))

	_, err := service.ConsumeDraft(context.Background(), "TOKEN1")
	assert.ErrorIs(t, err, status.ErrStoreUnavailable)
}
