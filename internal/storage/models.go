package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID           int64
	DecisionID   uuid.UUID
	Item         string
	MarginPct    decimal.Decimal
	ThresholdPct decimal.Decimal
	Channels     []string
	CreatedAt    time.Time
}

// DecisionFilter narrows decision listings. Zero fields match everything.
type DecisionFilter struct {
	Verdict string
	Item    string
	From    time.Time
	To      time.Time
	Limit   int
}
