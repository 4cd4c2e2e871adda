// Package ipmi actuates the Dell BMC fan controller through ipmitool raw
// commands. The raw payloads are the iDRAC fan-control opcodes used by mid
// 2010s and later R series servers.
package ipmi

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"codeberg.org/mutker/teslafanctl/internal/errors"
	"codeberg.org/mutker/teslafanctl/internal/logger"
)

var (
	manualModeArgs = []string{"raw", "0x30", "0x30", "0x01", "0x00"}
	autoModeArgs   = []string{"raw", "0x30", "0x30", "0x01", "0x01"}
)

// dutyArgs builds the raw command applying a duty cycle to all fan zones.
func dutyArgs(pct int) []string {
	return []string{"raw", "0x30", "0x30", "0x02", "0xff", fmt.Sprintf("0x%02x", pct)}
}

type tool struct {
	path string
}

// NewTool returns an Actuator backed by the ipmitool binary at path.
func NewTool(path string) (Actuator, error) {
	errFactory := errors.New()

	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, errFactory.Wrap(ErrToolUnavailable, err)
	}

	return &tool{path: resolved}, nil
}

func (t *tool) EnterManual(ctx context.Context) error {
	return t.run(ctx, manualModeArgs)
}

func (t *tool) SetDuty(ctx context.Context, pct int) error {
	errFactory := errors.New()

	if pct < 0 || pct > 100 {
		return errFactory.WithData(errors.ErrInvalidArgument, fmt.Sprintf("duty cycle out of range: %d", pct))
	}

	return t.run(ctx, dutyArgs(pct))
}

func (t *tool) RestoreAutomatic(ctx context.Context) error {
	return t.run(ctx, autoModeArgs)
}

func (t *tool) run(ctx context.Context, args []string) error {
	errFactory := errors.New()

	logger.Debug().Str("tool", t.path).Str("args", strings.Join(args, " ")).Msg("Invoking ipmitool")

	out, err := exec.CommandContext(ctx, t.path, args...).CombinedOutput()
	if err != nil {
		return errFactory.Wrap(ErrCommandFailed, err).
			WithData(fmt.Sprintf("%s %s: %s", t.path, strings.Join(args, " "), strings.TrimSpace(string(out))))
	}

	return nil
}
