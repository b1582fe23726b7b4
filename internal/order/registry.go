package order

import (
	"hash/fnv"
	"sync"

	"github.com/yanun0323/logs"

	"main/pkg/exception"
)

const registryShards = 16

// Events are the callbacks raised outward on lifecycle edges. Nil
// callbacks are skipped. Handlers run on the updating goroutine and
// must not call back into the registry.
type Events struct {
	OrderOpened   func(Order)
	OrderFilled   func(Order)
	OrderCanceled func(Order)
	OrderFailed   func(Order)
}

type slot struct {
	o Order
}

type orphan struct {
	u Update
}

// Registry is the authoritative map of locally known orders. Mutation
// of one order is serialized through a shard lock keyed by local id;
// the index maps stay consistent with order state under the outer lock.
type Registry struct {
	ev Events

	mu      sync.RWMutex
	byLocal map[string]*slot
	byVenue map[string]string
	seq     []string
	orphans []orphan

	shards [registryShards]sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry(ev Events) *Registry {
	return &Registry{
		ev:      ev,
		byLocal: make(map[string]*slot),
		byVenue: make(map[string]string),
	}
}

func (r *Registry) shard(localID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(localID))
	return &r.shards[h.Sum32()%registryShards]
}

// Register inserts a new order in PENDING_CREATE.
func (r *Registry) Register(o Order) error {
	if o.LocalID == "" {
		return exception.ErrOrderInvalidRequest
	}
	o.State = StatePendingCreate

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byLocal[o.LocalID]; ok {
		return exception.ErrOrderDuplicateLocalID
	}
	r.byLocal[o.LocalID] = &slot{o: o}
	r.seq = append(r.seq, o.LocalID)
	if o.VenueID != "" {
		r.byVenue[o.VenueID] = o.LocalID
	}
	return nil
}

// ApplyUpdate resolves the update to a known order and applies the
// state transition. Resolution tries the venue id, then the local id,
// then the fingerprint scan over venue-id-less pending orders. An
// unresolvable update is parked as an orphan for one reconcile cycle.
// Conflicts are absorbed, never returned.
func (r *Registry) ApplyUpdate(u Update) {
	if !r.apply(u) {
		r.mu.Lock()
		r.orphans = append(r.orphans, orphan{u: u})
		r.mu.Unlock()
	}
}

// SweepOrphans retries every parked update once and drops the ones
// that still match nothing. Call once per reconciliation cycle.
func (r *Registry) SweepOrphans() {
	r.mu.Lock()
	parked := r.orphans
	r.orphans = nil
	r.mu.Unlock()

	for _, orp := range parked {
		if !r.apply(orp.u) {
			logs.Debugf("dropping orphan update source=%s venue_id=%s state=%s",
				orp.u.Source, orp.u.VenueID, orp.u.State)
		}
	}
}

func (r *Registry) apply(u Update) bool {
	r.mu.Lock()
	localID, ok := r.resolveLocked(u)
	if !ok {
		r.mu.Unlock()
		return false
	}
	s := r.byLocal[localID]
	if u.VenueID != "" {
		if prev, bound := r.byVenue[u.VenueID]; bound && prev != localID {
			logs.Warnf("venue id %s already bound to %s, update targets %s", u.VenueID, prev, localID)
			u.VenueID = ""
		}
	}

	lock := r.shard(localID)
	lock.Lock()
	event, snapshot, adopted := r.transition(&s.o, u)
	lock.Unlock()

	// the venue index only learns ids the order actually adopted; a
	// rejected update must not claim an id its real owner still needs
	if adopted {
		r.byVenue[u.VenueID] = localID
	}
	r.mu.Unlock()

	r.fire(event, snapshot)
	return true
}

func (r *Registry) resolveLocked(u Update) (string, bool) {
	if u.VenueID != "" {
		if localID, ok := r.byVenue[u.VenueID]; ok {
			return localID, true
		}
	}
	if u.LocalID != "" {
		if _, ok := r.byLocal[u.LocalID]; ok {
			return u.LocalID, true
		}
	}
	if u.Fingerprint == nil {
		return "", false
	}
	// First registered order wins a fingerprint tie; the venue id bind
	// below removes it from subsequent scans.
	for _, localID := range r.seq {
		s := r.byLocal[localID]
		if s == nil {
			continue
		}
		lock := r.shard(localID)
		lock.Lock()
		candidate := s.o.VenueID == "" &&
			(s.o.State == StatePendingCreate || s.o.State == StateOpen) &&
			u.Fingerprint.matches(&s.o)
		lock.Unlock()
		if candidate {
			return localID, true
		}
	}
	return "", false
}

type lifecycleEvent uint8

const (
	eventNone lifecycleEvent = iota
	eventOpened
	eventFilled
	eventCanceled
	eventFailed
)

// transition applies one update to an order under its shard lock. It
// reports the outward event to raise and whether the update's venue id
// was adopted, so the caller binds the index only for accepted ids.
// Updates proposing a move out of a terminal state are rejected
// wholesale: state, venue id, and fill progress all stay untouched so
// re-delivery from any source is safe.
func (r *Registry) transition(o *Order, u Update) (lifecycleEvent, Order, bool) {
	if o.State.IsTerminal() {
		if u.State != o.State {
			logs.Debugf("order %s is terminal (%s), discarding %s update proposing %s",
				o.LocalID, o.State, u.Source, u.State)
		}
		return eventNone, *o, false
	}

	adopted := false
	if o.VenueID == "" && u.VenueID != "" {
		o.VenueID = u.VenueID
		adopted = true
	}

	event := eventNone
	switch {
	case u.State == StateCanceled:
		o.State = StateCanceled
		event = eventCanceled
	case u.State == StateFailed:
		o.State = StateFailed
		event = eventFailed
	case u.State == StatePendingCancel:
		if o.State != StateFilled {
			o.State = StatePendingCancel
		}
	case u.State.progress() >= 0:
		next, cur := u.State.progress(), o.State.progress()
		switch {
		case cur < 0:
			// cancel already requested; only a fill outcome moves it
			if u.State == StateFilled {
				o.State = StateFilled
				event = eventFilled
			}
		case next > cur:
			o.State = u.State
			switch u.State {
			case StateOpen:
				event = eventOpened
			case StateFilled:
				event = eventFilled
			}
		case next < cur:
			logs.Debugf("order %s reconciliation conflict: %s proposes %s over %s, discarded",
				o.LocalID, u.Source, u.State, o.State)
		}
	}

	// cumulative fill observations are monotone
	if u.FilledAmount.GreaterThan(o.FilledAmount) {
		o.FilledAmount = u.FilledAmount
	}
	if !u.FillPrice.IsZero() {
		o.AvgFillPrice = u.FillPrice
	}
	if u.Fee.GreaterThan(o.CumFees) {
		o.CumFees = u.Fee
	}

	return event, *o, adopted
}

func (r *Registry) fire(event lifecycleEvent, o Order) {
	switch event {
	case eventOpened:
		if r.ev.OrderOpened != nil {
			r.ev.OrderOpened(o)
		}
	case eventFilled:
		if r.ev.OrderFilled != nil {
			r.ev.OrderFilled(o)
		}
	case eventCanceled:
		if r.ev.OrderCanceled != nil {
			r.ev.OrderCanceled(o)
		}
	case eventFailed:
		if r.ev.OrderFailed != nil {
			r.ev.OrderFailed(o)
		}
	}
}

// FindByLocalID returns a snapshot of the order with the given local id.
func (r *Registry) FindByLocalID(localID string) (Order, bool) {
	r.mu.RLock()
	s, ok := r.byLocal[localID]
	r.mu.RUnlock()
	if !ok {
		return Order{}, false
	}
	lock := r.shard(localID)
	lock.Lock()
	o := s.o
	lock.Unlock()
	return o, true
}

// FindByVenueID returns a snapshot of the order bound to the venue id.
func (r *Registry) FindByVenueID(venueID string) (Order, bool) {
	r.mu.RLock()
	localID, ok := r.byVenue[venueID]
	r.mu.RUnlock()
	if !ok {
		return Order{}, false
	}
	return r.FindByLocalID(localID)
}

// ActiveOrders snapshots every non-terminal order in registration order.
func (r *Registry) ActiveOrders() []Order {
	r.mu.RLock()
	ids := make([]string, len(r.seq))
	copy(ids, r.seq)
	r.mu.RUnlock()

	out := make([]Order, 0, len(ids))
	for _, localID := range ids {
		o, ok := r.FindByLocalID(localID)
		if ok && !o.State.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

// Evict removes a terminal order from the registry. Used by the REST
// poller once a dead order has been marked FAILED, so it is never
// polled again.
func (r *Registry) Evict(localID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byLocal[localID]
	if !ok {
		return
	}
	delete(r.byLocal, localID)
	if s.o.VenueID != "" {
		delete(r.byVenue, s.o.VenueID)
	}
	for i, id := range r.seq {
		if id == localID {
			r.seq = append(r.seq[:i], r.seq[i+1:]...)
			break
		}
	}
}
