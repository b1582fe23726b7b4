package venue

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"main/internal/order"
	"main/pkg/exception"
)

// MarketType spot, derivative
type MarketType uint8

const (
	_market_beg MarketType = iota
	MarketSpot
	MarketDerivative
	_market_end
)

func (m MarketType) IsAvailable() bool {
	return m > _market_beg && m < _market_end
}

func (m MarketType) String() string {
	switch m {
	case MarketSpot:
		return "SPOT"
	case MarketDerivative:
		return "DERIVATIVE"
	default:
		return "UNKNOWN"
	}
}

// SplitPair breaks a BASE-QUOTE trading pair into its assets.
func SplitPair(pair string) (base, quote string, err error) {
	i := strings.IndexByte(pair, '-')
	if i <= 0 || i >= len(pair)-1 {
		return "", "", exception.ErrInvalidArgument
	}
	return pair[:i], pair[i+1:], nil
}

// QuoteSource answers hypothetical execution price queries.
type QuoteSource interface {
	// ExecutionPrice returns the average price a market order of the
	// given size would execute at right now.
	ExecutionPrice(ctx context.Context, pair string, isBuy bool, amount decimal.Decimal) (decimal.Decimal, error)
}

// FeeSource estimates the fee of an order before placing it. The fee
// is denominated in the pair's quote asset.
type FeeSource interface {
	Fee(ctx context.Context, pair string, side order.Side, amount, price decimal.Decimal) (decimal.Decimal, error)
}

// OrderDefinition is one order of a batch submission, keyed by the
// caller-assigned local id.
type OrderDefinition struct {
	LocalID string
	Pair    string
	Side    order.Side
	Type    order.Type
	Price   decimal.Decimal
	Amount  decimal.Decimal
	Market  MarketType
}

// Fingerprint derives the correlation tuple for a submitted definition.
func (d OrderDefinition) Fingerprint() order.Fingerprint {
	return order.Fingerprint{Pair: d.Pair, Side: d.Side, Price: d.Price, Amount: d.Amount}
}

// SubmitResult reports how a batch submission was acknowledged.
// Venues with synchronous acks fill VenueIDs immediately. Contract
// venues return a transaction reference instead and set Deferred; the
// venue ids only become known once the transaction is mined and its
// logs decoded.
type SubmitResult struct {
	VenueIDs map[string]string
	TxRef    common.Hash
	Deferred bool
}

// OrderSink accepts order placement and cancellation.
type OrderSink interface {
	Submit(ctx context.Context, account string, defs []OrderDefinition) (SubmitResult, error)
	Cancel(ctx context.Context, venueID string) error
}

// StatusPayload is a venue's snapshot of one order, as returned by its
// status endpoint.
type StatusPayload struct {
	VenueID      string
	Status       string
	Quantity     decimal.Decimal
	QuantityLeft decimal.Decimal
	AvgPrice     decimal.Decimal
	Fee          decimal.Decimal
	Updated      time.Time
}

// StatusSource answers per-order status queries, the REST leg of
// reconciliation.
type StatusSource interface {
	// OrderStatus returns exception.ErrOrderNotFound when the venue no
	// longer knows the order.
	OrderStatus(ctx context.Context, venueID string) (StatusPayload, error)
}

// ReceiptSource fetches the logs of a mined transaction.
type ReceiptSource interface {
	// Receipt returns exception.ErrReceiptPending while the transaction
	// is not yet mined.
	Receipt(ctx context.Context, tx common.Hash) ([]types.Log, error)
}

// ReceiptDecoder extracts the venue-assigned order hashes from a
// transaction's logs, in submission order, split by market type.
type ReceiptDecoder interface {
	DecodeOrderHashes(logs []types.Log) (spot, derivative []common.Hash, err error)
}

// Venue is the full surface an exchange adapter exposes to the
// connector core.
type Venue interface {
	Name() string
	QuoteSource
	FeeSource
	OrderSink
	StatusSource
}

// ContractVenue is a venue whose order acks arrive through chain
// transaction receipts instead of a synchronous response.
type ContractVenue interface {
	Venue
	ReceiptSource
	ReceiptDecoder
}
