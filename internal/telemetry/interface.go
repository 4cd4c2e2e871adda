package telemetry

import (
	"context"

	"codeberg.org/mutker/teslafanctl/internal/thermal"
)

// Collector produces one set of GPU readings per request. Implementations
// must honor context cancellation so an interrupted cycle does not block
// shutdown.
type Collector interface {
	Snapshot(ctx context.Context) ([]thermal.DeviceReading, error)
	Close() error
}
