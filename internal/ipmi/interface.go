package ipmi

import "context"

// Actuator is the sole boundary to the privileged BMC fan-control tool.
// Each operation can fail: tool missing, permission denied, device busy.
type Actuator interface {
	// EnterManual requests manual fan control from the BMC.
	EnterManual(ctx context.Context) error

	// SetDuty requests a specific fan duty cycle. Values outside 0-100 are
	// a programming error in the caller and are rejected.
	SetDuty(ctx context.Context, pct int) error

	// RestoreAutomatic requests the BMC resume automatic fan control.
	RestoreAutomatic(ctx context.Context) error
}
