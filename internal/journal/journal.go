package journal

import (
	"context"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/order"
	"main/pkg/conn"
	"main/pkg/exception"
)

// Event is one persisted reconciliation record. Decimal fields are
// stored as strings to keep exact precision across the round trip.
type Event struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	LocalID      string    `gorm:"index;size:64"`
	VenueID      string    `gorm:"index;size:128"`
	Pair         string    `gorm:"size:32"`
	Side         string    `gorm:"size:8"`
	Source       string    `gorm:"size:16"`
	State        string    `gorm:"size:24"`
	FilledAmount string    `gorm:"size:48"`
	AvgFillPrice string    `gorm:"size:48"`
	CumFees      string    `gorm:"size:48"`
	ObservedAt   time.Time `gorm:"index"`
	CreatedAt    time.Time
}

// TableName keeps the table name stable across gorm naming changes.
func (Event) TableName() string { return "order_events" }

// Journal appends every applied update to PostgreSQL for post-mortem
// replay of an order's reconciliation history.
type Journal struct {
	client *conn.Client
}

// Open migrates the schema and returns a journal.
func Open(client *conn.Client) (*Journal, error) {
	if client == nil || client.DB() == nil {
		return nil, exception.ErrNilInstance
	}
	if err := client.DB().AutoMigrate(&Event{}); err != nil {
		return nil, errors.Wrap(err, "migrate journal schema")
	}
	return &Journal{client: client}, nil
}

// Append persists one applied update together with the resulting order
// snapshot.
func (j *Journal) Append(ctx context.Context, u order.Update, o order.Order) error {
	if j == nil {
		return exception.ErrNilInstance
	}
	e := Event{
		LocalID:      o.LocalID,
		VenueID:      o.VenueID,
		Pair:         o.Pair,
		Side:         o.Side.String(),
		Source:       u.Source.String(),
		State:        o.State.String(),
		FilledAmount: o.FilledAmount.String(),
		AvgFillPrice: o.AvgFillPrice.String(),
		CumFees:      o.CumFees.String(),
		ObservedAt:   u.Timestamp,
	}
	return j.client.DB().WithContext(ctx).Create(&e).Error
}

// History returns an order's events oldest first.
func (j *Journal) History(ctx context.Context, localID string) ([]Event, error) {
	var events []Event
	err := j.client.DB().WithContext(ctx).
		Where("local_id = ?", localID).
		Order("id asc").
		Find(&events).Error
	return events, err
}

// RecentEvents returns the newest events across all orders.
func (j *Journal) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	err := j.client.DB().WithContext(ctx).
		Order("id desc").
		Limit(limit).
		Find(&events).Error
	return events, err
}
