package order

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxLocalIDLen = 32

// Side buy, sell
type Side uint8

const (
	_side_beg Side = iota
	SideBuy
	SideSell
	_side_end
)

func (s Side) IsAvailable() bool {
	return s > _side_beg && s < _side_end
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Type limit, limit maker, market
type Type uint8

const (
	_type_beg Type = iota
	TypeLimit
	TypeLimitMaker
	TypeMarket
	_type_end
)

func (t Type) IsAvailable() bool {
	return t > _type_beg && t < _type_end
}

// State tracks the lifecycle of an order.
type State uint8

const (
	StateUnknown State = iota
	StatePendingCreate
	StateOpen
	StatePartiallyFilled
	StateFilled
	StatePendingCancel
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePendingCreate:
		return "PENDING_CREATE"
	case StateOpen:
		return "OPEN"
	case StatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case StateFilled:
		return "FILLED"
	case StatePendingCancel:
		return "PENDING_CANCEL"
	case StateCanceled:
		return "CANCELED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are accepted.
func (s State) IsTerminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateFailed:
		return true
	default:
		return false
	}
}

// progress orders the fill lattice PENDING_CREATE < OPEN <
// PARTIALLY_FILLED < FILLED. Terminal cancellation states sit outside
// the lattice and always win; states outside the lattice report -1.
func (s State) progress() int {
	switch s {
	case StatePendingCreate:
		return 0
	case StateOpen:
		return 1
	case StatePartiallyFilled:
		return 2
	case StateFilled:
		return 3
	default:
		return -1
	}
}

// Fingerprint identifies an order before its venue id is known.
type Fingerprint struct {
	Pair   string
	Side   Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func (f Fingerprint) matches(o *Order) bool {
	return f.Pair == o.Pair &&
		f.Side == o.Side &&
		f.Price.Cmp(o.Price) == 0 &&
		f.Amount.Cmp(o.Amount) == 0
}

// Order is the registry's view of one logical order. The registry owns
// every Order; other components look orders up by local id and receive
// value snapshots, never shared references.
type Order struct {
	LocalID string
	// VenueID is assigned asynchronously and may stay empty for an
	// unbounded period, e.g. until a transaction is mined and decoded.
	VenueID string
	// Venue names the venue the order was placed on. The REST poller
	// only reconciles orders attributed to its own venue.
	Venue string
	Pair  string
	Side    Side
	Type    Type
	Price   decimal.Decimal
	Amount  decimal.Decimal

	FilledAmount decimal.Decimal
	AvgFillPrice decimal.Decimal
	CumFees      decimal.Decimal

	CreatedAt time.Time
	State     State
}

// IsFilled reports whether the order reached full execution.
func (o Order) IsFilled() bool {
	return o.State == StateFilled
}

// Fingerprint derives the correlation tuple for this order.
func (o Order) Fingerprint() Fingerprint {
	return Fingerprint{Pair: o.Pair, Side: o.Side, Price: o.Price, Amount: o.Amount}
}

// NewLocalID generates a caller-assigned local order id with the given
// prefix, capped at the common venue client-id length limit.
func NewLocalID(prefix string) string {
	id := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > maxLocalIDLen {
		id = id[:maxLocalIDLen]
	}
	return id
}
