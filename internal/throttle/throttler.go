package throttle

import (
	"context"
	"sync"
	"time"

	"main/pkg/exception"
)

// LinkedPool names a second pool charged atomically together with the
// pool that declares it. A call consuming a request pool also consumes
// its linked connection pool, or neither.
type LinkedPool struct {
	ID     string
	Weight int
}

// Pool declares one named, weighted capacity window.
type Pool struct {
	ID     string
	Limit  int
	Window time.Duration
	// Weight is the default cost of one call against this pool. Zero means 1.
	Weight int
	Linked []LinkedPool
}

func (p Pool) weight() int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

type entry struct {
	at     time.Time
	weight int
}

// poolState holds the live sliding log for one pool. Waiters capture the
// state pointers they resolved at acquire time, so a Configure swap never
// changes the semantics of an acquisition already in flight.
type poolState struct {
	def Pool
	log []entry
}

func (s *poolState) prune(now time.Time) {
	cut := 0
	for cut < len(s.log) && now.Sub(s.log[cut].at) >= s.def.Window {
		cut++
	}
	if cut > 0 {
		s.log = s.log[cut:]
	}
}

func (s *poolState) used() int {
	total := 0
	for _, e := range s.log {
		total += e.weight
	}
	return total
}

// nextFree returns how long until enough weight expires from the window
// to admit the given charge.
func (s *poolState) nextFree(now time.Time, weight int) time.Duration {
	spare := s.def.Limit - s.used()
	need := weight - spare
	freed := 0
	for _, e := range s.log {
		freed += e.weight
		if freed >= need {
			return s.def.Window - now.Sub(e.at)
		}
	}
	return s.def.Window
}

type charge struct {
	state  *poolState
	weight int
}

// Throttler admits outbound operations against a set of named capacity
// pools with sliding windows. All components of a connector share one
// instance.
type Throttler struct {
	mu    sync.Mutex
	pools map[string]*poolState

	// unlimited is set when the throttler was built with no pools at all;
	// every acquisition is then admitted immediately.
	unlimited bool

	now func() time.Time
}

// NewThrottler validates the pool table and builds a throttler. An empty
// table yields an unlimited throttler that admits everything.
func NewThrottler(pools []Pool) (*Throttler, error) {
	t := &Throttler{now: time.Now}
	if len(pools) == 0 {
		t.unlimited = true
		return t, nil
	}
	states, err := buildStates(pools)
	if err != nil {
		return nil, err
	}
	t.pools = states
	return t, nil
}

func buildStates(pools []Pool) (map[string]*poolState, error) {
	states := make(map[string]*poolState, len(pools))
	for _, p := range pools {
		if p.ID == "" || p.Limit <= 0 || p.Window <= 0 {
			return nil, exception.ErrInvalidLimitPool
		}
		if _, ok := states[p.ID]; ok {
			return nil, exception.ErrInvalidLimitPool
		}
		states[p.ID] = &poolState{def: p}
	}
	for _, p := range pools {
		for _, l := range p.Linked {
			if _, ok := states[l.ID]; !ok {
				return nil, exception.ErrUnknownLimitPool
			}
		}
	}
	return states, nil
}

// Configure replaces the active pool table. Acquisitions already waiting
// keep the pool definitions they resolved when they started.
func (t *Throttler) Configure(pools []Pool) error {
	states, err := buildStates(pools)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.pools = states
	t.unlimited = false
	t.mu.Unlock()
	return nil
}

// Acquire blocks until every pool named by id (and every pool it links)
// has spare capacity for the pool's default weight, then records the
// charge. The capacity window decays on its own; no release call exists.
//
// An unknown pool id is a configuration error and must be treated as
// fatal by the caller, never retried.
func (t *Throttler) Acquire(ctx context.Context, id string) error {
	return t.AcquireWeight(ctx, id, 0)
}

// AcquireWeight is Acquire with an explicit weight for the named pool.
// Linked pools are always charged their declared weights.
func (t *Throttler) AcquireWeight(ctx context.Context, id string, weight int) error {
	if t == nil {
		return exception.ErrNilInstance
	}
	t.mu.Lock()
	if t.unlimited {
		t.mu.Unlock()
		return nil
	}
	charges, err := t.resolveLocked(id, weight)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	for {
		t.mu.Lock()
		now := t.now()
		wait := time.Duration(0)
		for _, c := range charges {
			c.state.prune(now)
			if c.state.used()+c.weight > c.state.def.Limit {
				if d := c.state.nextFree(now, c.weight); d > wait {
					wait = d
				}
			}
		}
		if wait == 0 {
			for _, c := range charges {
				c.state.log = append(c.state.log, entry{at: now, weight: c.weight})
			}
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// resolveLocked captures the pool states touched by one acquisition. The
// returned charge set stays valid across a concurrent Configure.
func (t *Throttler) resolveLocked(id string, weight int) ([]charge, error) {
	state, ok := t.pools[id]
	if !ok {
		return nil, exception.ErrUnknownLimitPool
	}
	if weight <= 0 {
		weight = state.def.weight()
	}
	// a charge above the pool limit can never be admitted; waiting on it
	// would never end
	if weight > state.def.Limit {
		return nil, exception.ErrInvalidLimitPool
	}
	charges := []charge{{state: state, weight: weight}}
	for _, l := range state.def.Linked {
		linked, ok := t.pools[l.ID]
		if !ok {
			return nil, exception.ErrUnknownLimitPool
		}
		w := l.Weight
		if w <= 0 {
			w = linked.def.weight()
		}
		if w > linked.def.Limit {
			return nil, exception.ErrInvalidLimitPool
		}
		charges = append(charges, charge{state: linked, weight: w})
	}
	return charges, nil
}
