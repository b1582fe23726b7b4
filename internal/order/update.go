package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source rest, stream, chain log
type Source uint8

const (
	_source_beg Source = iota
	SourceRest
	SourceStream
	SourceChainLog
	_source_end
)

func (s Source) IsAvailable() bool {
	return s > _source_beg && s < _source_end
}

func (s Source) String() string {
	switch s {
	case SourceRest:
		return "REST"
	case SourceStream:
		return "STREAM"
	case SourceChainLog:
		return "CHAIN_LOG"
	default:
		return "UNKNOWN"
	}
}

// Update is one normalized observation about an order from any source.
// It is transient: the reconciliation engine applies it to the registry
// and discards it.
type Update struct {
	Source  Source
	LocalID string
	VenueID string
	State   State

	// FilledAmount and Fee are cumulative observations, matching REST
	// snapshot semantics; progress never regresses on a stale value.
	FilledAmount decimal.Decimal
	FillPrice    decimal.Decimal
	Fee          decimal.Decimal

	// Fingerprint correlates the update when neither id is known yet.
	Fingerprint *Fingerprint

	Timestamp time.Time
}
