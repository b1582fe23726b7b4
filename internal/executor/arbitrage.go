package executor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/order"
	"main/internal/reconcile"
	"main/internal/venue"
	"main/pkg/exception"
)

// Status not started, active, completed, failed
type Status uint8

const (
	StatusNotStarted Status = iota
	StatusActive
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusActive:
		return "ACTIVE"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Market is one leg's execution target.
type Market struct {
	Venue   venue.Venue
	Pair    string
	Account string
}

// Config parameterizes one arbitrage opportunity.
type Config struct {
	Buying  Market
	Selling Market

	OrderAmount decimal.Decimal
	// MinProfitability is the net profitability fraction the opportunity
	// must clear before either leg is placed, fees included.
	MinProfitability decimal.Decimal
	// MaxRetries bounds cumulative leg placement failures.
	MaxRetries     int
	UpdateInterval time.Duration
}

// Callbacks notify the owner of terminal outcomes. They run on the
// executor's loop goroutine.
type Callbacks struct {
	Completed func(*Arbitrage)
	Failed    func(*Arbitrage)
}

// Arbitrage drives one two-leg arbitrage to completion: watch the
// spread, place both legs when it clears the threshold, re-place
// failed legs, and settle once both legs fill.
type Arbitrage struct {
	cfg    Config
	engine *reconcile.Engine
	reg    *order.Registry
	cb     Callbacks

	mu       sync.Mutex
	status   Status
	buyID    string
	sellID   string
	failures int

	lastBuyPrice  decimal.Decimal
	lastSellPrice decimal.Decimal
}

const defaultUpdateInterval = time.Second

// New validates the pair legs and builds an executor.
func New(cfg Config, engine *reconcile.Engine, reg *order.Registry, cb Callbacks) (*Arbitrage, error) {
	if cfg.Buying.Venue == nil || cfg.Selling.Venue == nil {
		return nil, exception.ErrInvalidArgument
	}
	if cfg.OrderAmount.LessThanOrEqual(decimal.Zero) {
		return nil, exception.ErrInvalidArgument
	}
	if err := validatePairs(cfg.Buying.Pair, cfg.Selling.Pair); err != nil {
		return nil, err
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = defaultUpdateInterval
	}
	return &Arbitrage{cfg: cfg, engine: engine, reg: reg, cb: cb}, nil
}

// Status reports the executor's lifecycle status.
func (a *Arbitrage) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Legs snapshots both leg orders. Zero orders before activation.
func (a *Arbitrage) Legs() (buy, sell order.Order) {
	a.mu.Lock()
	buyID, sellID := a.buyID, a.sellID
	a.mu.Unlock()
	if buyID != "" {
		buy, _ = a.reg.FindByLocalID(buyID)
	}
	if sellID != "" {
		sell, _ = a.reg.FindByLocalID(sellID)
	}
	return buy, sell
}

// LastQuotes reports the prices seen in the most recent evaluation.
func (a *Arbitrage) LastQuotes() (buy, sell decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastBuyPrice, a.lastSellPrice
}

// Run evaluates the opportunity on the configured interval until it
// reaches a terminal status or the context is canceled.
func (a *Arbitrage) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Tick(ctx)
			if s := a.Status(); s == StatusCompleted || s == StatusFailed {
				return nil
			}
		}
	}
}

// Tick runs one evaluation step.
func (a *Arbitrage) Tick(ctx context.Context) {
	switch a.Status() {
	case StatusNotStarted:
		a.evaluate(ctx)
	case StatusActive:
		a.supervise(ctx)
	}
}

// evaluate fetches both legs' execution prices concurrently and places
// both legs when the net profitability clears the threshold.
func (a *Arbitrage) evaluate(ctx context.Context) {
	var (
		wg                 sync.WaitGroup
		buyPrice, buyFee   decimal.Decimal
		sellPrice, sellFee decimal.Decimal
		buyErr, sellErr    error
		feeBuyE, feeSellE  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		buyPrice, buyErr = a.cfg.Buying.Venue.ExecutionPrice(ctx, a.cfg.Buying.Pair, true, a.cfg.OrderAmount)
		if buyErr == nil {
			buyFee, feeBuyE = a.cfg.Buying.Venue.Fee(ctx, a.cfg.Buying.Pair, order.SideBuy, a.cfg.OrderAmount, buyPrice)
		}
	}()
	go func() {
		defer wg.Done()
		sellPrice, sellErr = a.cfg.Selling.Venue.ExecutionPrice(ctx, a.cfg.Selling.Pair, false, a.cfg.OrderAmount)
		if sellErr == nil {
			sellFee, feeSellE = a.cfg.Selling.Venue.Fee(ctx, a.cfg.Selling.Pair, order.SideSell, a.cfg.OrderAmount, sellPrice)
		}
	}()
	wg.Wait()

	// both quotes must land in the same evaluation; a single side says
	// nothing about the spread
	if buyErr != nil || sellErr != nil || feeBuyE != nil || feeSellE != nil {
		logs.Debugf("quotes unavailable: buy=%+v sell=%+v", buyErr, sellErr)
		return
	}
	if buyPrice.LessThanOrEqual(decimal.Zero) {
		return
	}

	a.mu.Lock()
	a.lastBuyPrice, a.lastSellPrice = buyPrice, sellPrice
	a.mu.Unlock()

	tradePnl := sellPrice.Sub(buyPrice).Div(buyPrice)
	notional := a.cfg.OrderAmount.Mul(buyPrice)
	feePct := decimal.Zero
	if !notional.IsZero() {
		feePct = buyFee.Add(sellFee).Div(notional)
	}
	net := tradePnl.Sub(feePct)
	if net.LessThanOrEqual(a.cfg.MinProfitability) {
		return
	}

	logs.Infof("spread %s clears threshold %s, placing both legs",
		net.StringFixed(6), a.cfg.MinProfitability.StringFixed(6))

	buyID, buyErr := a.placeLeg(ctx, a.cfg.Buying, order.SideBuy, buyPrice)
	sellID, sellErr := a.placeLeg(ctx, a.cfg.Selling, order.SideSell, sellPrice)

	a.mu.Lock()
	a.buyID, a.sellID = buyID, sellID
	a.status = StatusActive
	if buyErr != nil {
		a.failures++
	}
	if sellErr != nil {
		a.failures++
	}
	a.mu.Unlock()
}

// placeLeg registers and submits one market order leg. The quote price
// is recorded on the order so chain-log fingerprints stay resolvable.
func (a *Arbitrage) placeLeg(ctx context.Context, m Market, side order.Side, price decimal.Decimal) (string, error) {
	localID := order.NewLocalID("arb")
	def := venue.OrderDefinition{
		LocalID: localID,
		Pair:    m.Pair,
		Side:    side,
		Type:    order.TypeMarket,
		Price:   price,
		Amount:  a.cfg.OrderAmount,
		Market:  venue.MarketSpot,
	}
	o := order.Order{
		LocalID:   localID,
		Venue:     m.Venue.Name(),
		Pair:      def.Pair,
		Side:      side,
		Type:      def.Type,
		Price:     price,
		Amount:    def.Amount,
		CreatedAt: time.Now(),
	}
	if err := a.reg.Register(o); err != nil {
		return localID, err
	}
	if err := a.engine.SubmitBatch(ctx, m.Venue, m.Account, []venue.OrderDefinition{def}); err != nil {
		logs.Errorf("place %s leg: %+v", side, err)
		return localID, err
	}
	return localID, nil
}

// supervise re-places failed legs and settles the executor once both
// legs fill or the failure budget runs out.
func (a *Arbitrage) supervise(ctx context.Context) {
	a.mu.Lock()
	failures := a.failures
	buyID, sellID := a.buyID, a.sellID
	a.mu.Unlock()

	if failures > a.cfg.MaxRetries {
		a.finish(StatusFailed)
		return
	}

	buy, buyOK := a.reg.FindByLocalID(buyID)
	sell, sellOK := a.reg.FindByLocalID(sellID)

	// a leg evicted from the registry never reports FAILED; the lost
	// lookup counts as a placement failure all the same
	if !buyOK {
		buy = order.Order{LocalID: buyID, State: order.StateFailed}
	}
	if !sellOK {
		sell = order.Order{LocalID: sellID, State: order.StateFailed}
	}

	if buy.State == order.StateFailed {
		a.replaceLeg(ctx, a.cfg.Buying, order.SideBuy, &buy)
	}
	if sell.State == order.StateFailed {
		a.replaceLeg(ctx, a.cfg.Selling, order.SideSell, &sell)
	}

	if buy.IsFilled() && sell.IsFilled() {
		a.finish(StatusCompleted)
	}
}

func (a *Arbitrage) replaceLeg(ctx context.Context, m Market, side order.Side, failed *order.Order) {
	a.mu.Lock()
	a.failures++
	over := a.failures > a.cfg.MaxRetries
	price := a.lastBuyPrice
	if side == order.SideSell {
		price = a.lastSellPrice
	}
	a.mu.Unlock()
	if over {
		a.finish(StatusFailed)
		return
	}

	logs.Warnf("re-placing failed %s leg %s", side, failed.LocalID)
	localID, err := a.placeLeg(ctx, m, side, price)
	a.mu.Lock()
	if side == order.SideBuy {
		a.buyID = localID
	} else {
		a.sellID = localID
	}
	if err != nil {
		a.failures++
	}
	a.mu.Unlock()
	*failed, _ = a.reg.FindByLocalID(localID)
}

func (a *Arbitrage) finish(s Status) {
	a.mu.Lock()
	if a.status == StatusCompleted || a.status == StatusFailed {
		a.mu.Unlock()
		return
	}
	a.status = s
	a.mu.Unlock()

	switch s {
	case StatusCompleted:
		if a.cb.Completed != nil {
			a.cb.Completed(a)
		}
	case StatusFailed:
		if a.cb.Failed != nil {
			a.cb.Failed(a)
		}
	}
}

// NetPnl is the realized profit in quote units, fees deducted. It is
// zero until the executor completes.
func (a *Arbitrage) NetPnl() decimal.Decimal {
	if a.Status() != StatusCompleted {
		return decimal.Zero
	}
	buy, sell := a.Legs()
	gross := sell.FilledAmount.Mul(sell.AvgFillPrice).Sub(buy.FilledAmount.Mul(buy.AvgFillPrice))
	return gross.Sub(buy.CumFees).Sub(sell.CumFees)
}

// NetPnlPct is the realized profitability relative to the bought
// notional. Zero until the executor completes.
func (a *Arbitrage) NetPnlPct() decimal.Decimal {
	if a.Status() != StatusCompleted {
		return decimal.Zero
	}
	buy, _ := a.Legs()
	notional := buy.FilledAmount.Mul(buy.AvgFillPrice)
	if notional.IsZero() {
		return decimal.Zero
	}
	return a.NetPnl().Div(notional)
}
