package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/order"
	"main/internal/throttle"
	"main/internal/venue"
	"main/pkg/exception"
)

// StateMapper translates a venue status payload into the normalized
// order state. A false return drops the payload.
type StateMapper func(p venue.StatusPayload) (order.State, bool)

// DefaultStateMapper handles the common status vocabulary: live orders
// with partial executed quantity are PARTIALLY_FILLED, otherwise OPEN.
func DefaultStateMapper(p venue.StatusPayload) (order.State, bool) {
	switch p.Status {
	case "live":
		if p.QuantityLeft.Cmp(p.Quantity) != 0 && !p.QuantityLeft.IsZero() {
			return order.StatePartiallyFilled, true
		}
		if p.QuantityLeft.IsZero() && !p.Quantity.IsZero() {
			return order.StateFilled, true
		}
		return order.StateOpen, true
	case "filled":
		return order.StateFilled, true
	case "canceled":
		return order.StateCanceled, true
	default:
		return order.StateUnknown, false
	}
}

// PollerOption configures a poller.
type PollerOption struct {
	Engine   *Engine
	Registry *order.Registry
	Source   venue.StatusSource
	// VenueName restricts polling to orders attributed to this venue.
	// Another venue's orders must never accumulate not-found strikes
	// here. Empty matches only unattributed orders.
	VenueName string

	Throttler  *throttle.Throttler
	StatusPool string

	Interval time.Duration
	// NotFoundThreshold is how many consecutive not-found responses a
	// tracked order survives before it is failed and evicted.
	NotFoundThreshold int
	Mapper            StateMapper
}

// Poller reconciles tracked orders against the venue's REST status
// endpoint, the safety net behind the stream.
type Poller struct {
	engine    *Engine
	reg       *order.Registry
	src       venue.StatusSource
	venueName string

	th         *throttle.Throttler
	statusPool string

	interval  time.Duration
	threshold int
	mapper    StateMapper

	notFound map[string]int
}

const (
	defaultPollInterval      = 10 * time.Second
	defaultNotFoundThreshold = 3
)

// NewPoller builds a poller.
func NewPoller(opt PollerOption) (*Poller, error) {
	if opt.Engine == nil || opt.Registry == nil || opt.Source == nil {
		return nil, exception.ErrInvalidArgument
	}
	if opt.Interval <= 0 {
		opt.Interval = defaultPollInterval
	}
	if opt.NotFoundThreshold <= 0 {
		opt.NotFoundThreshold = defaultNotFoundThreshold
	}
	if opt.Mapper == nil {
		opt.Mapper = DefaultStateMapper
	}
	return &Poller{
		engine:     opt.Engine,
		reg:        opt.Registry,
		src:        opt.Source,
		venueName:  opt.VenueName,
		th:         opt.Throttler,
		statusPool: opt.StatusPool,
		interval:   opt.Interval,
		threshold:  opt.NotFoundThreshold,
		mapper:     opt.Mapper,
		notFound:   make(map[string]int),
	}, nil
}

// Run polls on the configured interval until the context is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches the status of every tracked order this poller's
// venue owns and has acked, applies the resulting updates, and finishes
// the cycle with the orphan sweep.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, o := range p.reg.ActiveOrders() {
		if o.Venue != p.venueName || o.VenueID == "" {
			continue
		}
		if err := p.poll(ctx, o); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logs.Warnf("poll %s: %+v", o.LocalID, err)
		}
	}
	p.engine.Cycle()
}

func (p *Poller) poll(ctx context.Context, o order.Order) error {
	if p.th != nil && p.statusPool != "" {
		if err := p.th.Acquire(ctx, p.statusPool); err != nil {
			return err
		}
	}
	payload, err := p.src.OrderStatus(ctx, o.VenueID)
	if errors.Is(err, exception.ErrOrderNotFound) {
		p.notFound[o.LocalID]++
		if p.notFound[o.LocalID] < p.threshold {
			return nil
		}
		logs.Warnf("order %s not found %d times, failing it", o.LocalID, p.notFound[o.LocalID])
		p.engine.Apply(ctx, order.Update{Source: order.SourceRest, LocalID: o.LocalID, State: order.StateFailed})
		p.reg.Evict(o.LocalID)
		delete(p.notFound, o.LocalID)
		return nil
	}
	if err != nil {
		return err
	}
	delete(p.notFound, o.LocalID)

	state, ok := p.mapper(payload)
	if !ok {
		logs.Debugf("order %s has unmapped status %q", o.LocalID, payload.Status)
		return nil
	}
	p.engine.Apply(ctx, order.Update{
		Source:       order.SourceRest,
		LocalID:      o.LocalID,
		VenueID:      payload.VenueID,
		State:        state,
		FilledAmount: payload.Quantity.Sub(payload.QuantityLeft),
		FillPrice:    payload.AvgPrice,
		Fee:          payload.Fee,
		Timestamp:    payload.Updated,
	})
	return nil
}
