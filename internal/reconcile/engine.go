package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/order"
	"main/internal/throttle"
	"main/internal/venue"
	"main/pkg/exception"
)

// Journal persists applied updates for post-mortem replay. Appends are
// best effort; a journal failure never blocks reconciliation.
type Journal interface {
	Append(ctx context.Context, u order.Update, o order.Order) error
}

// Normalizer translates one raw stream frame into zero or more order
// updates. A false return means the frame is not order related.
type Normalizer func(m bus.Message) ([]order.Update, bool)

// Option configures an engine.
type Option struct {
	Registry  *order.Registry
	Throttler *throttle.Throttler
	// ReceiptPool admits transaction receipt fetches. Empty skips
	// throttling for them.
	ReceiptPool string
	Journal     Journal
}

// Engine funnels updates from every source into the registry, owns the
// per-account submission locks, and tracks transactions whose order
// acks are still in flight on chain.
type Engine struct {
	reg         *order.Registry
	th          *throttle.Throttler
	receiptPool string
	journal     Journal

	mu        sync.Mutex
	accounts  map[string]*sync.Mutex
	pendingTx map[common.Hash][]venue.OrderDefinition
}

// NewEngine builds an engine around the given registry.
func NewEngine(opt Option) *Engine {
	return &Engine{
		reg:         opt.Registry,
		th:          opt.Throttler,
		receiptPool: opt.ReceiptPool,
		journal:     opt.Journal,
		accounts:    make(map[string]*sync.Mutex),
		pendingTx:   make(map[common.Hash][]venue.OrderDefinition),
	}
}

// Apply funnels one update into the registry and journals the result.
func (e *Engine) Apply(ctx context.Context, u order.Update) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	e.reg.ApplyUpdate(u)
	if e.journal == nil {
		return
	}
	o, ok := e.lookup(u)
	if !ok {
		return
	}
	if err := e.journal.Append(ctx, u, o); err != nil {
		logs.Warnf("journal append failed: %+v", err)
	}
}

func (e *Engine) lookup(u order.Update) (order.Order, bool) {
	if u.LocalID != "" {
		if o, ok := e.reg.FindByLocalID(u.LocalID); ok {
			return o, true
		}
	}
	if u.VenueID != "" {
		return e.reg.FindByVenueID(u.VenueID)
	}
	return order.Order{}, false
}

// Cycle runs the periodic maintenance of one reconciliation pass,
// currently the orphan sweep.
func (e *Engine) Cycle() {
	e.reg.SweepOrphans()
}

// ConsumeStream drains a session queue, normalizing each frame and
// applying the resulting updates. Blocks until the context is done or
// the queue closes.
func (e *Engine) ConsumeStream(ctx context.Context, q *bus.Queue, normalize Normalizer) {
	q.Run(ctx, func(m bus.Message) {
		updates, ok := normalize(m)
		if !ok {
			logs.Debugf("ignoring %s frame", m.Channel)
			return
		}
		for _, u := range updates {
			u.Source = order.SourceStream
			e.Apply(ctx, u)
		}
	})
}

func (e *Engine) accountLock(account string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.accounts[account]
	if !ok {
		l = &sync.Mutex{}
		e.accounts[account] = l
	}
	return l
}

// SubmitBatch places a batch of orders on the venue. Submissions for
// the same account are serialized so positional chain-log correlation
// stays unambiguous. Every definition must already be registered.
//
// A synchronous submission error fails every order of the batch. A
// deferred ack parks the batch against its transaction reference until
// ReconcileTransaction resolves it.
func (e *Engine) SubmitBatch(ctx context.Context, sink venue.OrderSink, account string, defs []venue.OrderDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	lock := e.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	res, err := sink.Submit(ctx, account, defs)
	if err != nil {
		for _, def := range defs {
			e.Apply(ctx, order.Update{Source: order.SourceRest, LocalID: def.LocalID, State: order.StateFailed})
		}
		return errors.Wrap(err, "submit batch")
	}

	if res.Deferred {
		e.mu.Lock()
		e.pendingTx[res.TxRef] = defs
		e.mu.Unlock()
		logs.Infof("batch of %d orders deferred to tx %s", len(defs), res.TxRef.Hex())
		return nil
	}

	for _, def := range defs {
		venueID, ok := res.VenueIDs[def.LocalID]
		if !ok {
			e.Apply(ctx, order.Update{Source: order.SourceRest, LocalID: def.LocalID, State: order.StateFailed})
			continue
		}
		e.Apply(ctx, order.Update{
			Source:  order.SourceRest,
			LocalID: def.LocalID,
			VenueID: venueID,
			State:   order.StateOpen,
		})
	}
	return nil
}

// Cancel requests cancellation of one order and marks it PENDING_CANCEL.
func (e *Engine) Cancel(ctx context.Context, sink venue.OrderSink, localID string) error {
	o, ok := e.reg.FindByLocalID(localID)
	if !ok {
		return errors.Wrap(exception.ErrOrderUnknown, localID)
	}
	if o.State.IsTerminal() {
		return nil
	}
	if o.VenueID == "" {
		return errors.New("cancel before venue ack: " + localID)
	}
	if err := sink.Cancel(ctx, o.VenueID); err != nil {
		return errors.Wrap(err, "cancel order")
	}
	e.Apply(ctx, order.Update{Source: order.SourceRest, LocalID: localID, State: order.StatePendingCancel})
	return nil
}

// PendingTransactions snapshots the transactions still awaiting receipt.
func (e *Engine) PendingTransactions() []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.Hash, 0, len(e.pendingTx))
	for tx := range e.pendingTx {
		out = append(out, tx)
	}
	return out
}

// ReconcileTransaction fetches the receipt of a deferred batch, decodes
// the venue-assigned order hashes, and binds them to the submitted
// definitions positionally within each market type. Fewer hashes than
// definitions means the venue rejected the tail; those orders stay
// PENDING_CREATE for the poller's not-found handling to fail.
func (e *Engine) ReconcileTransaction(ctx context.Context, v venue.ContractVenue, tx common.Hash) error {
	e.mu.Lock()
	defs, ok := e.pendingTx[tx]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if e.th != nil && e.receiptPool != "" {
		if err := e.th.Acquire(ctx, e.receiptPool); err != nil {
			return err
		}
	}
	receiptLogs, err := v.Receipt(ctx, tx)
	if err != nil {
		return err
	}
	spotHashes, derivativeHashes, err := v.DecodeOrderHashes(receiptLogs)
	if err != nil {
		return errors.Wrap(err, "decode order hashes")
	}

	var spot, derivative []venue.OrderDefinition
	for _, def := range defs {
		if def.Market == venue.MarketDerivative {
			derivative = append(derivative, def)
		} else {
			spot = append(spot, def)
		}
	}
	e.bindHashes(ctx, spot, spotHashes)
	e.bindHashes(ctx, derivative, derivativeHashes)

	e.mu.Lock()
	delete(e.pendingTx, tx)
	e.mu.Unlock()
	return nil
}

func (e *Engine) bindHashes(ctx context.Context, defs []venue.OrderDefinition, hashes []common.Hash) {
	n := len(hashes)
	if n > len(defs) {
		logs.Warnf("receipt carries %d hashes for %d submitted orders", n, len(defs))
		n = len(defs)
	}
	if n < len(defs) {
		logs.Debugf("%d of %d submitted orders missing from receipt, left pending", len(defs)-n, len(defs))
	}
	for i := 0; i < n; i++ {
		fp := defs[i].Fingerprint()
		e.Apply(ctx, order.Update{
			Source:      order.SourceChainLog,
			VenueID:     hashes[i].Hex(),
			State:       order.StateOpen,
			Fingerprint: &fp,
		})
	}
}
