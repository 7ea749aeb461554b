package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order statuses recorded in the audit trail.
const (
	OrderSubmitted = "submitted"
	OrderFailed    = "failed"
	OrderDryRun    = "dry_run"
)

// Run statuses.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunSkipped   = "skipped"
)

// OrderRecord is one audited order attempt.
type OrderRecord struct {
	ID         int64
	RunID      uuid.UUID
	Ticker     string
	Side       string
	Quantity   int64
	LimitPrice decimal.Decimal
	Reason     string
	Status     string
	Error      *string
	CreatedAt  time.Time
}

// RunRecord summarises one rebalance run.
type RunRecord struct {
	ID          uuid.UUID
	Trigger     string
	DryRun      bool
	Panic       bool
	PanicReason string
	TotalValue  decimal.Decimal
	Sells       int
	Buys        int
	Skipped     int
	Settled     bool
	Status      string
	Error       *string
	StartedAt   time.Time
	FinishedAt  time.Time
}
