// Package store is the thin gateway over the document store holding ticket
// records. All mutation goes through single-record calls; the only
// multi-record operation is a read (owner predicate lookup).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"eventpass/internal/status"
	"eventpass/models"
)

const collectionTickets = "tickets"

// TicketStore is the persistence contract of the lifecycle manager.
type TicketStore interface {
	// CreateIfAbsent persists a new ticket record. A reference collision
	// reports status.ErrReferenceTaken so the caller can regenerate.
	CreateIfAbsent(ctx context.Context, ticket *models.Ticket) error

	GetByReference(ctx context.Context, reference string) (*models.Ticket, error)

	// FindByOwner returns active tickets owned by the account id OR carrying
	// its email, the denormalized ownership predicate.
	FindByOwner(ctx context.Context, accountID, email string) ([]*models.Ticket, error)

	// FindAnonymousByEmail returns active unclaimed tickets for an email.
	FindAnonymousByEmail(ctx context.Context, email string) ([]*models.Ticket, error)

	// UpdateFields applies a partial update to one record. A non-empty
	// precondition turns it into a single conditional write; when no row
	// matches, ErrPreconditionFailed is returned and the caller decides what
	// that means for its state machine.
	UpdateFields(ctx context.Context, reference string, fields map[string]any, precondition map[string]any) error
}

// ErrPreconditionFailed reports a conditional write that matched no row.
var ErrPreconditionFailed = errors.New("store: update precondition not met")

// PBTicketStore implements TicketStore on the embedded PocketBase app.
type PBTicketStore struct {
	app core.App
}

func NewPBTicketStore(app core.App) *PBTicketStore {
	return &PBTicketStore{app: app}
}

func (s *PBTicketStore) CreateIfAbsent(ctx context.Context, ticket *models.Ticket) error {
	collection, err := s.app.FindCollectionByNameOrId(collectionTickets)
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	if _, err := s.app.FindFirstRecordByFilter(
		collectionTickets,
		"reference = {:reference}",
		dbx.Params{"reference": ticket.Reference},
	); err == nil {
		return status.ErrReferenceTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	record := core.NewRecord(collection)
	record.Set("reference", ticket.Reference)
	record.Set("owner_account_id", ticket.OwnerAccountID)
	record.Set("owner_email", ticket.OwnerEmail)
	record.Set("holder_name", ticket.HolderName)
	record.Set("event_name", ticket.EventName)
	record.Set("event_date", ticket.EventDate)
	record.Set("event_time", ticket.EventTime)
	record.Set("location", ticket.Location)
	record.Set("tier", string(ticket.Tier))
	record.Set("status", string(ticket.Status))
	record.Set("checked_in", ticket.CheckedIn)

	if err := s.app.Save(record); err != nil {
		// The unique index on reference is the backstop for a racing insert
		// between the existence check and the save.
		if strings.Contains(err.Error(), "UNIQUE") {
			return status.ErrReferenceTaken
		}
		return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	ticket.CreatedAt = record.GetDateTime("created").Time()
	return nil
}

func (s *PBTicketStore) GetByReference(ctx context.Context, reference string) (*models.Ticket, error) {
	record, err := s.app.FindFirstRecordByFilter(
		collectionTickets,
		"reference = {:reference}",
		dbx.Params{"reference": reference},
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, status.ErrTicketNotFound
		}
		return nil, fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	return recordToTicket(record), nil
}

func (s *PBTicketStore) FindByOwner(ctx context.Context, accountID, email string) ([]*models.Ticket, error) {
	records, err := s.app.FindRecordsByFilter(
		collectionTickets,
		"status = 'active' && (owner_account_id = {:accountId} || owner_email = {:email})",
		"-created",
		0,
		0,
		dbx.Params{"accountId": accountID, "email": email},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	return recordsToTickets(records), nil
}

func (s *PBTicketStore) FindAnonymousByEmail(ctx context.Context, email string) ([]*models.Ticket, error) {
	records, err := s.app.FindRecordsByFilter(
		collectionTickets,
		"status = 'active' && owner_account_id = {:anonymous} && owner_email = {:email}",
		"-created",
		0,
		0,
		dbx.Params{"anonymous": models.OwnerAnonymous, "email": email},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	return recordsToTickets(records), nil
}

func (s *PBTicketStore) UpdateFields(ctx context.Context, reference string, fields map[string]any, precondition map[string]any) error {
	cols := dbx.Params{}
	for name, value := range fields {
		cols[name] = normalizeValue(value)
	}

	where := dbx.HashExp{"reference": reference}
	for name, value := range precondition {
		where[name] = normalizeValue(value)
	}

	result, err := s.app.DB().Update(collectionTickets, cols, where).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}
	if affected == 0 {
		return ErrPreconditionFailed
	}

	return nil
}

// normalizeValue converts values to the representation the store keeps on
// disk, so raw builder updates stay readable through the record API.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case time.Time:
		d, _ := types.ParseDateTime(v)
		return d.String()
	case models.Tier:
		return string(v)
	case models.TicketStatus:
		return string(v)
	default:
		return value
	}
}

func recordToTicket(record *core.Record) *models.Ticket {
	ticket := &models.Ticket{
		Reference:      record.GetString("reference"),
		OwnerAccountID: record.GetString("owner_account_id"),
		OwnerEmail:     record.GetString("owner_email"),
		HolderName:     record.GetString("holder_name"),
		EventName:      record.GetString("event_name"),
		EventDate:      record.GetString("event_date"),
		EventTime:      record.GetString("event_time"),
		Location:       record.GetString("location"),
		Tier:           models.Tier(record.GetString("tier")),
		Status:         models.TicketStatus(record.GetString("status")),
		CheckedIn:      record.GetBool("checked_in"),
		CreatedAt:      record.GetDateTime("created").Time(),
	}

	if d := record.GetDateTime("checked_in_at"); !d.IsZero() {
		t := d.Time()
		ticket.CheckedInAt = &t
	}
	if d := record.GetDateTime("claimed_at"); !d.IsZero() {
		t := d.Time()
		ticket.ClaimedAt = &t
	}

	return ticket
}

func recordsToTickets(records []*core.Record) []*models.Ticket {
	tickets := make([]*models.Ticket, 0, len(records))
	for _, record := range records {
		tickets = append(tickets, recordToTicket(record))
	}
	return tickets
}
