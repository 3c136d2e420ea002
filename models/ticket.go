package models

import (
	"time"
)

// OwnerAnonymous is the sentinel owner for tickets created before the
// purchaser has an account. Claiming rewrites it exactly once.
const OwnerAnonymous = "anonymous"

type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

type TicketStatus string

const (
	StatusActive    TicketStatus = "active"
	StatusCancelled TicketStatus = "cancelled"
)

type Ticket struct {
	Reference      string       `json:"reference"`
	OwnerAccountID string       `json:"owner_account_id"`
	OwnerEmail     string       `json:"owner_email"`
	HolderName     string       `json:"holder_name"`
	EventName      string       `json:"event_name"`
	EventDate      string       `json:"event_date"`
	EventTime      string       `json:"event_time"`
	Location       string       `json:"location"`
	Tier           Tier         `json:"tier"`
	Status         TicketStatus `json:"status"`
	CheckedIn      bool         `json:"checked_in"`
	CheckedInAt    *time.Time   `json:"checked_in_at,omitempty"`
	ClaimedAt      *time.Time   `json:"claimed_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Anonymous reports whether the ticket has not yet been claimed by an account.
func (t *Ticket) Anonymous() bool {
	return t.OwnerAccountID == OwnerAnonymous
}

// TicketDraft is a creation request before any record exists. Premium drafts
// are held unpersisted until the payment gate confirms.
type TicketDraft struct {
	HolderName string `json:"holder_name"`
	EventName  string `json:"event_name"`
	EventDate  string `json:"event_date"`
	EventTime  string `json:"event_time"`
	Location   string `json:"location"`
	OwnerEmail string `json:"owner_email"`
	Tier       Tier   `json:"tier"`
}

// Account is the slice of the auth record the lifecycle manager needs.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
