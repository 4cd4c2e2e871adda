package telemetry

import (
	"context"

	"codeberg.org/mutker/teslafanctl/internal/errors"
	"codeberg.org/mutker/teslafanctl/internal/thermal"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

type nvmlCollector struct{}

// NewNVMLCollector returns a Collector that reads temperatures through the
// NVML library instead of spawning nvidia-smi each cycle.
func NewNVMLCollector() (Collector, error) {
	errFactory := errors.New()

	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, errFactory.WithData(ErrToolUnavailable, nvml.ErrorString(ret))
	}

	return &nvmlCollector{}, nil
}

func (*nvmlCollector) Snapshot(ctx context.Context) ([]thermal.DeviceReading, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(ErrToolFailed, err)
	}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, errFactory.WithData(ErrToolFailed, nvml.ErrorString(ret))
	}

	readings := make([]thermal.DeviceReading, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, errFactory.WithData(ErrToolFailed, nvml.ErrorString(ret))
		}

		temperature, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
		if ret != nvml.SUCCESS {
			return nil, errFactory.WithData(ErrToolFailed, nvml.ErrorString(ret))
		}

		reading := thermal.DeviceReading{
			Index:        i,
			TemperatureC: float64(temperature),
		}

		// Name and utilization are informational only
		if name, ret := device.GetName(); ret == nvml.SUCCESS {
			reading.Name = name
		}
		if utilization, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
			reading.UtilizationPct = int(utilization.Gpu)
		}

		readings = append(readings, reading)
	}

	return readings, nil
}

func (*nvmlCollector) Close() error {
	errFactory := errors.New()

	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return errFactory.WithData(ErrShutdownFailed, nvml.ErrorString(ret))
	}

	return nil
}
