package metrics

import (
	"context"
	"time"
)

// Collector records one control-cycle snapshot per call
type Collector interface {
	Record(ctx context.Context, snapshot *Snapshot) error
	Close() error
}

// Repository defines the interface for snapshot storage
type Repository interface {
	Store(ctx context.Context, snapshot *Snapshot) error
	Close() error
}

// NoHottestIndex marks a cycle with no retained readings, so an empty cycle
// is never mistaken for one driven by GPU 0.
const NoHottestIndex = -1

// Snapshot captures the outcome of a single control cycle
type Snapshot struct {
	Timestamp      time.Time
	AggregateTempC float64
	HottestIndex   int
	HottestName    string
	HottestUtilPct int
	ManualMode     bool
	TargetDutyPct  int
}
