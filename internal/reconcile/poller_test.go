package reconcile

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"main/internal/order"
	"main/internal/venue"
)

func TestDefaultStateMapper(t *testing.T) {
	testCases := []struct {
		desc    string
		payload venue.StatusPayload
		want    order.State
		ok      bool
	}{
		{"live untouched", venue.StatusPayload{Status: "live",
			Quantity: decimal.NewFromInt(10), QuantityLeft: decimal.NewFromInt(10)}, order.StateOpen, true},
		{"live partially executed", venue.StatusPayload{Status: "live",
			Quantity: decimal.NewFromInt(10), QuantityLeft: decimal.NewFromInt(4)}, order.StatePartiallyFilled, true},
		{"live fully executed", venue.StatusPayload{Status: "live",
			Quantity: decimal.NewFromInt(10), QuantityLeft: decimal.Zero}, order.StateFilled, true},
		{"filled", venue.StatusPayload{Status: "filled"}, order.StateFilled, true},
		{"canceled", venue.StatusPayload{Status: "canceled"}, order.StateCanceled, true},
		{"unknown status", venue.StatusPayload{Status: "settling"}, order.StateUnknown, false},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, ok := DefaultStateMapper(tc.payload)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("got %s/%v, want %s/%v", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func pollerForTest(t *testing.T, v *fakeVenue) (*Poller, *order.Registry) {
	t.Helper()
	e, reg := newTestEngine()
	p, err := NewPoller(PollerOption{
		Engine:            e,
		Registry:          reg,
		Source:            v,
		NotFoundThreshold: 2,
	})
	if err != nil {
		t.Fatalf("new poller, err: %+v", err)
	}
	return p, reg
}

func TestPollOnceAppliesStatus(t *testing.T) {
	v := &fakeVenue{status: map[string]venue.StatusPayload{
		"v-1": {
			VenueID:      "v-1",
			Status:       "live",
			Quantity:     decimal.NewFromInt(10),
			QuantityLeft: decimal.NewFromInt(6),
			AvgPrice:     decimal.NewFromInt(101),
			Fee:          decimal.RequireFromString("0.4"),
		},
	}}
	p, reg := pollerForTest(t, v)
	registerOrder(t, reg, "a1", "BTC-USDT", order.SideBuy, 100, 10)
	reg.ApplyUpdate(order.Update{Source: order.SourceRest, LocalID: "a1", VenueID: "v-1", State: order.StateOpen})

	p.PollOnce(context.Background())

	o, _ := reg.FindByLocalID("a1")
	if o.State != order.StatePartiallyFilled {
		t.Fatalf("order should be PARTIALLY_FILLED, got %s", o.State)
	}
	if !o.FilledAmount.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("filled amount should be 4, got %s", o.FilledAmount)
	}
	if !o.AvgFillPrice.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("avg fill price should be 101, got %s", o.AvgFillPrice)
	}
	if !o.CumFees.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("fees should be 0.4, got %s", o.CumFees)
	}
}

func TestPollSkipsOrdersWithoutVenueID(t *testing.T) {
	v := &fakeVenue{}
	p, reg := pollerForTest(t, v)
	registerOrder(t, reg, "a1", "BTC-USDT", order.SideBuy, 100, 1)

	// order not yet acked anywhere; not-found counting must not start
	p.PollOnce(context.Background())
	p.PollOnce(context.Background())
	p.PollOnce(context.Background())

	o, ok := reg.FindByLocalID("a1")
	if !ok || o.State != order.StatePendingCreate {
		t.Fatalf("unacked order should stay PENDING_CREATE, got %+v ok=%v", o, ok)
	}
}

func TestPollEvictsAfterConsecutiveNotFound(t *testing.T) {
	v := &fakeVenue{}
	failed := 0
	reg := order.NewRegistry(order.Events{OrderFailed: func(order.Order) { failed++ }})
	e := NewEngine(Option{Registry: reg})
	p, err := NewPoller(PollerOption{Engine: e, Registry: reg, Source: v, NotFoundThreshold: 2})
	if err != nil {
		t.Fatalf("new poller, err: %+v", err)
	}
	registerOrder(t, reg, "a1", "BTC-USDT", order.SideBuy, 100, 1)
	reg.ApplyUpdate(order.Update{Source: order.SourceRest, LocalID: "a1", VenueID: "v-gone", State: order.StateOpen})

	p.PollOnce(context.Background())
	if _, ok := reg.FindByLocalID("a1"); !ok {
		t.Fatal("one not-found must not evict yet")
	}

	p.PollOnce(context.Background())
	if _, ok := reg.FindByLocalID("a1"); ok {
		t.Fatal("order should be evicted at the threshold")
	}
	if failed != 1 {
		t.Fatalf("failure event should fire once, fired %d times", failed)
	}
}

func TestPollNotFoundCounterResets(t *testing.T) {
	v := &fakeVenue{}
	p, reg := pollerForTest(t, v)
	registerOrder(t, reg, "a1", "BTC-USDT", order.SideBuy, 100, 1)
	reg.ApplyUpdate(order.Update{Source: order.SourceRest, LocalID: "a1", VenueID: "v-1", State: order.StateOpen})

	// first poll misses, then the venue starts answering
	p.PollOnce(context.Background())
	v.status = map[string]venue.StatusPayload{"v-1": {
		VenueID: "v-1", Status: "live",
		Quantity: decimal.NewFromInt(1), QuantityLeft: decimal.NewFromInt(1),
	}}
	p.PollOnce(context.Background())

	// venue misses once more; the streak restarted so no eviction
	v.status = nil
	p.PollOnce(context.Background())
	if _, ok := reg.FindByLocalID("a1"); !ok {
		t.Fatal("counter should reset after a successful poll")
	}
}

func TestPollSkipsOtherVenuesOrders(t *testing.T) {
	// the venue knows nothing, so every poll it makes is a not-found
	v := &fakeVenue{}
	e, reg := newTestEngine()
	p, err := NewPoller(PollerOption{
		Engine: e, Registry: reg, Source: v,
		VenueName:         "cex",
		NotFoundThreshold: 2,
	})
	if err != nil {
		t.Fatalf("new poller, err: %+v", err)
	}

	for _, o := range []order.Order{
		{LocalID: "dex-1", Venue: "dex", Pair: "ETH-USDT", Side: order.SideBuy,
			Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(1)},
		{LocalID: "cex-1", Venue: "cex", Pair: "ETH-USDC", Side: order.SideSell,
			Price: decimal.NewFromInt(102), Amount: decimal.NewFromInt(1)},
	} {
		if err := reg.Register(o); err != nil {
			t.Fatalf("register %s, err: %+v", o.LocalID, err)
		}
	}
	reg.ApplyUpdate(order.Update{Source: order.SourceRest, LocalID: "dex-1", VenueID: "d-1", State: order.StateOpen})
	reg.ApplyUpdate(order.Update{Source: order.SourceRest, LocalID: "cex-1", VenueID: "c-1", State: order.StateOpen})

	p.PollOnce(context.Background())
	p.PollOnce(context.Background())

	o, ok := reg.FindByLocalID("dex-1")
	if !ok || o.State != order.StateOpen {
		t.Fatalf("another venue's order must stay untouched, got %+v ok=%v", o, ok)
	}
	if _, ok := reg.FindByLocalID("cex-1"); ok {
		t.Fatal("the poller's own dead order should be evicted at the threshold")
	}
}
