package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/order"
	"main/pkg/exception"
)

// SimVenue is an in-memory venue for paper runs and tests. Quotes come
// from a settable book, submissions for quoted pairs ack synchronously,
// and orders fill in full after a configurable delay.
type SimVenue struct {
	name    string
	feeRate decimal.Decimal
	latency time.Duration

	mu     sync.Mutex
	buys   map[string]decimal.Decimal
	sells  map[string]decimal.Decimal
	orders map[string]StatusPayload
	filled map[string]time.Time
	seq    int
}

// NewSimVenue builds a simulated venue charging the given fee rate on
// notional.
func NewSimVenue(name string, feeRate decimal.Decimal, fillLatency time.Duration) *SimVenue {
	return &SimVenue{
		name:    name,
		feeRate: feeRate,
		latency: fillLatency,
		buys:    make(map[string]decimal.Decimal),
		sells:   make(map[string]decimal.Decimal),
		orders:  make(map[string]StatusPayload),
		filled:  make(map[string]time.Time),
	}
}

func (v *SimVenue) Name() string { return v.name }

// SetQuote sets the current execution prices for a pair.
func (v *SimVenue) SetQuote(pair string, buy, sell decimal.Decimal) {
	v.mu.Lock()
	v.buys[pair] = buy
	v.sells[pair] = sell
	v.mu.Unlock()
}

func (v *SimVenue) ExecutionPrice(_ context.Context, pair string, isBuy bool, _ decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	book := v.sells
	if isBuy {
		book = v.buys
	}
	price, ok := book[pair]
	if !ok {
		return decimal.Zero, exception.ErrQuoteUnavailable
	}
	return price, nil
}

func (v *SimVenue) Fee(_ context.Context, _ string, _ order.Side, amount, price decimal.Decimal) (decimal.Decimal, error) {
	return amount.Mul(price).Mul(v.feeRate), nil
}

func (v *SimVenue) Submit(ctx context.Context, _ string, defs []OrderDefinition) (SubmitResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, def := range defs {
		if _, buy := v.buys[def.Pair]; buy {
			continue
		}
		if _, sell := v.sells[def.Pair]; sell {
			continue
		}
		return SubmitResult{}, exception.ErrSubmitRejected
	}
	ids := make(map[string]string, len(defs))
	now := time.Now()
	for _, def := range defs {
		v.seq++
		venueID := fmt.Sprintf("%s-%d", v.name, v.seq)
		ids[def.LocalID] = venueID
		v.orders[venueID] = StatusPayload{
			VenueID:      venueID,
			Status:       "live",
			Quantity:     def.Amount,
			QuantityLeft: def.Amount,
			AvgPrice:     def.Price,
			Fee:          def.Amount.Mul(def.Price).Mul(v.feeRate),
			Updated:      now,
		}
		v.filled[venueID] = now.Add(v.latency)
	}
	return SubmitResult{VenueIDs: ids}, nil
}

func (v *SimVenue) Cancel(_ context.Context, venueID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.orders[venueID]
	if !ok {
		return exception.ErrOrderNotFound
	}
	if p.Status == "live" {
		p.Status = "canceled"
		v.orders[venueID] = p
		delete(v.filled, venueID)
	}
	return nil
}

func (v *SimVenue) OrderStatus(_ context.Context, venueID string) (StatusPayload, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.orders[venueID]
	if !ok {
		return StatusPayload{}, exception.ErrOrderNotFound
	}
	if at, pending := v.filled[venueID]; pending && !time.Now().Before(at) {
		p.Status = "filled"
		p.QuantityLeft = decimal.Zero
		p.Updated = at
		v.orders[venueID] = p
		delete(v.filled, venueID)
	}
	return p, nil
}
