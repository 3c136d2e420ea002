package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/mailersend/mailersend-go"

	"eventpass/internal/qr"
	"eventpass/internal/status"
	"eventpass/models"
	"eventpass/monitoring"
	"eventpass/utils"
)

// Email is one rendered message for one recipient.
type Email struct {
	ToEmail     string
	ToName      string
	Subject     string
	HTML        string
	Attachments []EmailAttachment
}

type EmailAttachment struct {
	Filename string
	Content  []byte
}

// EmailSender is the transport behind the dispatcher. The MailerSend
// implementation is the production one; tests substitute a recorder.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// MailerSendSender delivers through the MailerSend API.
type MailerSendSender struct {
	client    *mailersend.Mailersend
	fromName  string
	fromEmail string
}

func NewMailerSendSender(apiKey, fromName, fromEmail string) *MailerSendSender {
	return &MailerSendSender{
		client:    mailersend.NewMailersend(apiKey),
		fromName:  fromName,
		fromEmail: fromEmail,
	}
}

func (m *MailerSendSender) Send(ctx context.Context, email Email) error {
	message := m.client.Email.NewMessage()
	message.SetFrom(mailersend.From{Name: m.fromName, Email: m.fromEmail})
	message.SetRecipients([]mailersend.Recipient{{Name: email.ToName, Email: email.ToEmail}})
	message.SetSubject(email.Subject)
	message.SetHTML(email.HTML)

	for _, attachment := range email.Attachments {
		message.AddAttachment(mailersend.Attachment{
			Filename: attachment.Filename,
			Content:  base64.StdEncoding.EncodeToString(attachment.Content),
		})
	}

	res, err := m.client.Email.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	slog.Info("email dispatched", "to", email.ToEmail, "message_id", res.Header.Get("X-Message-Id"))
	return nil
}

// DispatchResult is the per-recipient outcome of a dispatch.
type DispatchResult struct {
	Recipient string `json:"recipient"`
	Err       error  `json:"-"`
	Delivered bool   `json:"delivered"`
}

// NotifyService sends the finished ticket with its QR artifact by email.
// Delivery is strictly best effort: failures are logged, surfaced in the
// results, and never undo the already-persisted ticket.
type NotifyService struct {
	sender  EmailSender
	codec   *qr.Codec
	breaker *utils.CircuitBreaker
}

func NewNotifyService(sender EmailSender, codec *qr.Codec) *NotifyService {
	return &NotifyService{
		sender:  sender,
		codec:   codec,
		breaker: utils.NewCircuitBreaker("mailersend"),
	}
}

// Dispatch sends the ticket to its recipient set. If the account's login
// email matches the ticket's owner email only one message goes out;
// otherwise both the purchaser and the stated holder get one. Recipients
// are attempted independently: one failing never blocks the other.
func (n *NotifyService) Dispatch(ctx context.Context, ticket *models.Ticket, accountEmail string) []DispatchResult {
	recipients := Recipients(ticket, accountEmail)

	var qrPNG []byte
	if png, err := n.codec.PNG(ticket.Reference, 512); err != nil {
		slog.Warn("failed to render qr attachment", "reference", ticket.Reference, "error", err)
	} else {
		qrPNG = png
	}

	results := make([]DispatchResult, 0, len(recipients))
	for _, recipient := range recipients {
		email := Email{
			ToEmail: recipient,
			ToName:  ticket.HolderName,
			Subject: fmt.Sprintf("Your ticket for %s", ticket.EventName),
			HTML:    renderTicketHTML(ticket),
		}
		if qrPNG != nil {
			email.Attachments = []EmailAttachment{{
				Filename: ticket.Reference + ".png",
				Content:  qrPNG,
			}}
		}

		_, err := n.breaker.Execute(ctx, func() (any, error) {
			return nil, n.sender.Send(ctx, email)
		})
		if err != nil {
			slog.Warn("ticket dispatch failed", "reference", ticket.Reference, "recipient", recipient, "error", err)
			monitoring.RecordDispatch("failed")
			results = append(results, DispatchResult{
				Recipient: recipient,
				Err:       fmt.Errorf("%w: %v", status.ErrDispatchFailed, err),
			})
			continue
		}

		monitoring.RecordDispatch("sent")
		results = append(results, DispatchResult{Recipient: recipient, Delivered: true})
	}

	return results
}

// Recipients computes the deduplicated recipient set for a ticket.
func Recipients(ticket *models.Ticket, accountEmail string) []string {
	if accountEmail == "" || equalEmail(accountEmail, ticket.OwnerEmail) {
		return []string{ticket.OwnerEmail}
	}
	return []string{accountEmail, ticket.OwnerEmail}
}

func renderTicketHTML(ticket *models.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(ticket.EventName))
	fmt.Fprintf(&b, "<p>Ticket for <strong>%s</strong></p>", html.EscapeString(ticket.HolderName))
	fmt.Fprintf(&b, "<p>%s at %s, %s</p>",
		html.EscapeString(ticket.EventDate), html.EscapeString(ticket.EventTime), html.EscapeString(ticket.Location))
	fmt.Fprintf(&b, "<p>Reference: <code>%s</code></p>", ticket.Reference)
	b.WriteString("<p>Show the attached QR code at the entrance.</p>")
	return b.String()
}

func equalEmail(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
