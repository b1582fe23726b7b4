package order

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"main/pkg/exception"
)

func newTestOrder(localID string) Order {
	return Order{
		LocalID: localID,
		Pair:    "BTC-USDT",
		Side:    SideBuy,
		Type:    TypeLimit,
		Price:   decimal.NewFromInt(100),
		Amount:  decimal.NewFromInt(1),
	}
}

func TestRegisterDuplicateLocalID(t *testing.T) {
	r := NewRegistry(Events{})
	if err := r.Register(newTestOrder("a1")); err != nil {
		t.Fatalf("register, err: %+v", err)
	}
	if err := r.Register(newTestOrder("a1")); !errors.Is(err, exception.ErrOrderDuplicateLocalID) {
		t.Fatalf("should fail with ErrOrderDuplicateLocalID, got %+v", err)
	}
}

func TestApplyUpdateBindsVenueID(t *testing.T) {
	r := NewRegistry(Events{})
	if err := r.Register(newTestOrder("a1")); err != nil {
		t.Fatalf("register, err: %+v", err)
	}

	r.ApplyUpdate(Update{Source: SourceRest, LocalID: "a1", VenueID: "v-9", State: StateOpen})

	o, ok := r.FindByVenueID("v-9")
	if !ok {
		t.Fatal("order should be reachable by venue id after binding")
	}
	if o.LocalID != "a1" || o.State != StateOpen {
		t.Fatalf("unexpected order after bind: %+v", o)
	}
}

func TestStaleRestUpdateAfterStreamFill(t *testing.T) {
	filled := 0
	r := NewRegistry(Events{OrderFilled: func(Order) { filled++ }})
	if err := r.Register(newTestOrder("a1")); err != nil {
		t.Fatalf("register, err: %+v", err)
	}

	r.ApplyUpdate(Update{Source: SourceStream, LocalID: "a1", VenueID: "v-1", State: StateFilled,
		FilledAmount: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(100)})
	// stale REST snapshot arrives after the stream already saw the fill
	r.ApplyUpdate(Update{Source: SourceRest, LocalID: "a1", State: StateOpen})

	o, _ := r.FindByLocalID("a1")
	if o.State != StateFilled {
		t.Fatalf("terminal state must survive a stale snapshot, got %s", o.State)
	}
	if o.VenueID != "v-1" {
		t.Fatalf("venue id must survive a stale snapshot, got %q", o.VenueID)
	}
	if filled != 1 {
		t.Fatalf("fill event should fire exactly once, fired %d times", filled)
	}
}

func TestLatticeDropsRegression(t *testing.T) {
	r := NewRegistry(Events{})
	if err := r.Register(newTestOrder("a1")); err != nil {
		t.Fatalf("register, err: %+v", err)
	}

	r.ApplyUpdate(Update{Source: SourceStream, LocalID: "a1", State: StatePartiallyFilled,
		FilledAmount: decimal.RequireFromString("0.4")})
	r.ApplyUpdate(Update{Source: SourceRest, LocalID: "a1", State: StateOpen})

	o, _ := r.FindByLocalID("a1")
	if o.State != StatePartiallyFilled {
		t.Fatalf("OPEN must not override PARTIALLY_FILLED, got %s", o.State)
	}
	if !o.FilledAmount.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("filled amount changed unexpectedly: %s", o.FilledAmount)
	}
}

func TestFilledAmountMonotone(t *testing.T) {
	r := NewRegistry(Events{})
	if err := r.Register(newTestOrder("a1")); err != nil {
		t.Fatalf("register, err: %+v", err)
	}

	r.ApplyUpdate(Update{Source: SourceStream, LocalID: "a1", State: StatePartiallyFilled,
		FilledAmount: decimal.RequireFromString("0.6"), Fee: decimal.RequireFromString("0.02")})
	// a delayed observation with a smaller cumulative fill
	r.ApplyUpdate(Update{Source: SourceRest, LocalID: "a1", State: StatePartiallyFilled,
		FilledAmount: decimal.RequireFromString("0.3"), Fee: decimal.RequireFromString("0.01")})

	o, _ := r.FindByLocalID("a1")
	if !o.FilledAmount.Equal(decimal.RequireFromString("0.6")) {
		t.Fatalf("filled amount regressed to %s", o.FilledAmount)
	}
	if !o.CumFees.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("fees regressed to %s", o.CumFees)
	}
}

func TestCancelWinsFromAnyLiveState(t *testing.T) {
	canceled := 0
	r := NewRegistry(Events{OrderCanceled: func(Order) { canceled++ }})
	if err := r.Register(newTestOrder("a1")); err != nil {
		t.Fatalf("register, err: %+v", err)
	}

	r.ApplyUpdate(Update{Source: SourceStream, LocalID: "a1", State: StatePartiallyFilled,
		FilledAmount: decimal.RequireFromString("0.5")})
	r.ApplyUpdate(Update{Source: SourceStream, LocalID: "a1", State: StateCanceled})

	o, _ := r.FindByLocalID("a1")
	if o.State != StateCanceled {
		t.Fatalf("cancel should land from PARTIALLY_FILLED, got %s", o.State)
	}
	if canceled != 1 {
		t.Fatalf("cancel event should fire once, fired %d times", canceled)
	}
}

func TestFingerprintBindsFirstRegistered(t *testing.T) {
	r := NewRegistry(Events{})
	// two orders with identical fingerprints
	if err := r.Register(newTestOrder("a1")); err != nil {
		t.Fatalf("register a1, err: %+v", err)
	}
	if err := r.Register(newTestOrder("a2")); err != nil {
		t.Fatalf("register a2, err: %+v", err)
	}

	fp := newTestOrder("a1").Fingerprint()
	r.ApplyUpdate(Update{Source: SourceChainLog, VenueID: "hash-1", State: StateOpen, Fingerprint: &fp})
	r.ApplyUpdate(Update{Source: SourceChainLog, VenueID: "hash-2", State: StateOpen, Fingerprint: &fp})

	o1, _ := r.FindByLocalID("a1")
	o2, _ := r.FindByLocalID("a2")
	if o1.VenueID != "hash-1" {
		t.Fatalf("first registered order should take the first hash, got %q", o1.VenueID)
	}
	if o2.VenueID != "hash-2" {
		t.Fatalf("second order should take the second hash, got %q", o2.VenueID)
	}
}

func TestOrphanRetriedOnceThenDropped(t *testing.T) {
	r := NewRegistry(Events{})

	// update for an order registered only after the update arrived
	r.ApplyUpdate(Update{Source: SourceStream, VenueID: "v-5", State: StateOpen})
	if err := r.Register(newTestOrder("late")); err != nil {
		t.Fatalf("register, err: %+v", err)
	}
	r.ApplyUpdate(Update{Source: SourceStream, LocalID: "late", VenueID: "v-5", State: StatePendingCreate})

	r.SweepOrphans()
	o, _ := r.FindByLocalID("late")
	if o.State != StateOpen {
		t.Fatalf("orphan should resolve on the sweep, got %s", o.State)
	}

	// an orphan matching nothing is dropped by its sweep, not retained
	r.ApplyUpdate(Update{Source: SourceStream, VenueID: "ghost", State: StateOpen})
	r.SweepOrphans()
	r.mu.RLock()
	remaining := len(r.orphans)
	r.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("orphan list should be empty after the sweep, has %d", remaining)
	}
}

func TestEvictRemovesOrder(t *testing.T) {
	r := NewRegistry(Events{})
	if err := r.Register(newTestOrder("a1")); err != nil {
		t.Fatalf("register, err: %+v", err)
	}
	r.ApplyUpdate(Update{Source: SourceRest, LocalID: "a1", VenueID: "v-1", State: StateFailed})
	r.Evict("a1")

	if _, ok := r.FindByLocalID("a1"); ok {
		t.Fatal("evicted order should be gone by local id")
	}
	if _, ok := r.FindByVenueID("v-1"); ok {
		t.Fatal("evicted order should be gone by venue id")
	}
	if got := len(r.ActiveOrders()); got != 0 {
		t.Fatalf("active orders should be empty, got %d", got)
	}
}

func TestActiveOrdersSkipsTerminal(t *testing.T) {
	r := NewRegistry(Events{})
	for _, id := range []string{"a1", "a2", "a3"} {
		if err := r.Register(newTestOrder(id)); err != nil {
			t.Fatalf("register %s, err: %+v", id, err)
		}
	}
	r.ApplyUpdate(Update{Source: SourceStream, LocalID: "a2", State: StateCanceled})

	active := r.ActiveOrders()
	if len(active) != 2 {
		t.Fatalf("should have 2 active orders, got %d", len(active))
	}
	if active[0].LocalID != "a1" || active[1].LocalID != "a3" {
		t.Fatalf("active orders out of registration order: %+v", active)
	}
}

func TestRejectedUpdateLeavesVenueIndexClean(t *testing.T) {
	r := NewRegistry(Events{})
	if err := r.Register(newTestOrder("a1")); err != nil {
		t.Fatalf("register, err: %+v", err)
	}
	r.ApplyUpdate(Update{Source: SourceStream, LocalID: "a1", VenueID: "v-1", State: StateFilled})

	// a stale update carrying a foreign venue id is rejected; the id
	// must not leak into the venue index
	r.ApplyUpdate(Update{Source: SourceRest, LocalID: "a1", VenueID: "v-2", State: StateOpen})

	if _, ok := r.FindByVenueID("v-2"); ok {
		t.Fatal("rejected update must not bind its venue id")
	}
	o, _ := r.FindByLocalID("a1")
	if o.VenueID != "v-1" {
		t.Fatalf("venue id should stay v-1, got %q", o.VenueID)
	}

	// the id stays free for its real owner
	if err := r.Register(newTestOrder("a2")); err != nil {
		t.Fatalf("register, err: %+v", err)
	}
	r.ApplyUpdate(Update{Source: SourceRest, LocalID: "a2", VenueID: "v-2", State: StateOpen})
	o2, ok := r.FindByVenueID("v-2")
	if !ok || o2.LocalID != "a2" {
		t.Fatalf("v-2 should bind a2, got %+v ok=%v", o2, ok)
	}
}
