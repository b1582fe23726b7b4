package reconcile

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/order"
)

// orderFrame is the wire layout of one order event on the user stream.
type orderFrame struct {
	Kind string `json:"kind"`
	Data struct {
		ID            string `json:"id"`
		ClientOrderID string `json:"client_order_id"`
		State         int    `json:"state"`
		Quantity      string `json:"quantity"`
		QuantityLeft  string `json:"quantity_left"`
		Price         string `json:"price"`
		Fee           string `json:"fee"`
		UpdatedMs     int64  `json:"updated"`
	} `json:"data"`
}

const (
	wireStateLive = iota
	wireStateFilled
	wireStateCanceled
)

// NormalizeOrderFrame translates frames on the orders channel into
// registry updates. Frames from other channels pass through untouched.
func NormalizeOrderFrame(m bus.Message) ([]order.Update, bool) {
	if m.Channel != "orders" {
		return nil, false
	}
	var frame orderFrame
	if err := sonic.Unmarshal(m.Payload, &frame); err != nil {
		logs.Debugf("malformed order frame: %+v", err)
		return nil, false
	}
	d := frame.Data
	if d.ID == "" && d.ClientOrderID == "" {
		return nil, false
	}

	quantity := parseDecimal(d.Quantity)
	left := parseDecimal(d.QuantityLeft)

	var state order.State
	switch d.State {
	case wireStateFilled:
		state = order.StateFilled
	case wireStateCanceled:
		state = order.StateCanceled
	case wireStateLive:
		if !left.Equal(quantity) && !quantity.IsZero() {
			state = order.StatePartiallyFilled
		} else {
			state = order.StateOpen
		}
	default:
		logs.Debugf("order frame with unknown state %d", d.State)
		return nil, false
	}

	u := order.Update{
		Source:       order.SourceStream,
		LocalID:      d.ClientOrderID,
		VenueID:      d.ID,
		State:        state,
		FilledAmount: quantity.Sub(left),
		FillPrice:    parseDecimal(d.Price),
		Fee:          parseDecimal(d.Fee),
	}
	if d.UpdatedMs > 0 {
		u.Timestamp = time.UnixMilli(d.UpdatedMs)
	}
	return []order.Update{u}, true
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
