package exception

import "github.com/yanun0323/errors"

var (
	ErrQuoteUnavailable = errors.New("venue: quote unavailable")
	ErrOrderNotFound    = errors.New("venue: order not found")
	ErrSubmitRejected   = errors.New("venue: order submission rejected")
	ErrReceiptPending   = errors.New("venue: transaction receipt not available yet")
)
