package status

import "errors"

var (
	ErrTicketNotFound = errors.New("ticket: reference not found")
	ErrReferenceTaken = errors.New("ticket: reference already exists")
	ErrDraftNotFound  = errors.New("draft: pending draft not found or already consumed")

	ErrPaymentPending = errors.New("payment: confirmation outstanding")
	ErrPaymentFailed  = errors.New("payment: payment failed")

	ErrDecodeNotFound   = errors.New("qr: no symbol found")
	ErrUnreadableSymbol = errors.New("qr: symbol found but reference unrecoverable")

	ErrStoreUnavailable = errors.New("store: transient failure")
	ErrDispatchFailed   = errors.New("notify: delivery failed")
)
