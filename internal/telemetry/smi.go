package telemetry

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"codeberg.org/mutker/teslafanctl/internal/errors"
	"codeberg.org/mutker/teslafanctl/internal/thermal"
)

// smi query matching the fields of thermal.DeviceReading
var smiArgs = []string{
	"--query-gpu=index,name,temperature.gpu,utilization.gpu",
	"--format=csv,noheader,nounits",
}

type smiCollector struct {
	path string
}

// NewSMICollector returns a Collector that invokes nvidia-smi once per
// snapshot and parses its CSV output.
func NewSMICollector(path string) (Collector, error) {
	errFactory := errors.New()

	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, errFactory.Wrap(ErrToolUnavailable, err)
	}

	return &smiCollector{path: resolved}, nil
}

func (c *smiCollector) Snapshot(ctx context.Context) ([]thermal.DeviceReading, error) {
	errFactory := errors.New()

	out, err := exec.CommandContext(ctx, c.path, smiArgs...).Output()
	if err != nil {
		// Output captures stderr on the ExitError; surface it so a driver or
		// permissions problem is diagnosable from the log alone.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, errFactory.Wrap(ErrToolFailed, err).
				WithData(strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, errFactory.Wrap(ErrToolFailed, err)
	}

	return parseSMIOutput(string(out))
}

func (*smiCollector) Close() error {
	return nil
}

// parseSMIOutput parses "index, name, temperature, utilization" CSV lines as
// produced by nvidia-smi with noheader,nounits.
func parseSMIOutput(out string) ([]thermal.DeviceReading, error) {
	errFactory := errors.New()

	var readings []thermal.DeviceReading
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return nil, errFactory.WithData(ErrParseFailed, line)
		}

		index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, errFactory.WithData(ErrParseFailed, line)
		}

		temperature, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			return nil, errFactory.WithData(ErrParseFailed, line)
		}

		utilization, err := strconv.Atoi(strings.TrimSpace(fields[3]))
		if err != nil {
			return nil, errFactory.WithData(ErrParseFailed, line)
		}

		readings = append(readings, thermal.DeviceReading{
			Index:          index,
			Name:           strings.TrimSpace(fields[1]),
			TemperatureC:   temperature,
			UtilizationPct: utilization,
		})
	}

	return readings, nil
}
