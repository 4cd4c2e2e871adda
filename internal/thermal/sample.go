package thermal

// Plausible temperature bounds for a GPU die. Readings outside them are
// reported but still drive the controller unchanged.
const (
	MinPlausibleTempC = -40
	MaxPlausibleTempC = 150
)

// DeviceReading is one GPU's telemetry for the current poll cycle.
type DeviceReading struct {
	Index          int
	Name           string
	TemperatureC   float64
	UtilizationPct int
}

// Implausible reports whether the reading is outside physically plausible
// bounds for a GPU temperature sensor.
func (r DeviceReading) Implausible() bool {
	return r.TemperatureC < MinPlausibleTempC || r.TemperatureC > MaxPlausibleTempC
}

// Sample is the per-cycle set of device readings after the ignore set has
// been applied, in telemetry order.
type Sample struct {
	readings []DeviceReading
}

// NewIgnoreSet builds the lookup set used to filter readings.
func NewIgnoreSet(indices []int) map[int]struct{} {
	set := make(map[int]struct{}, len(indices))
	for _, index := range indices {
		set[index] = struct{}{}
	}

	return set
}

// NewSample filters the raw readings against the ignore set.
func NewSample(readings []DeviceReading, ignore map[int]struct{}) Sample {
	retained := make([]DeviceReading, 0, len(readings))
	for _, r := range readings {
		if _, skip := ignore[r.Index]; skip {
			continue
		}
		retained = append(retained, r)
	}

	return Sample{readings: retained}
}

// Readings returns the retained readings.
func (s Sample) Readings() []DeviceReading {
	return s.readings
}

// Empty reports whether no readings survived filtering.
func (s Sample) Empty() bool {
	return len(s.readings) == 0
}

// Aggregate returns the maximum temperature among the retained readings.
// The hottest card, not an average, drives the fan response: underestimating
// cooling need risks throttling, overestimating only costs noise. The second
// return value is false when the sample is empty and no aggregate exists.
func (s Sample) Aggregate() (float64, bool) {
	hottest, ok := s.Hottest()
	if !ok {
		return 0, false
	}

	return hottest.TemperatureC, true
}

// Hottest returns the retained reading with the highest temperature.
func (s Sample) Hottest() (DeviceReading, bool) {
	if s.Empty() {
		return DeviceReading{}, false
	}

	hottest := s.readings[0]
	for _, r := range s.readings[1:] {
		if r.TemperatureC > hottest.TemperatureC {
			hottest = r
		}
	}

	return hottest, true
}
