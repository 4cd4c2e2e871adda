// Package curve maps an aggregate GPU temperature to a target fan duty
// cycle. The mapping is a pure function so it can be unit tested without any
// hardware or process dependency.
package curve

import (
	"math"

	"codeberg.org/mutker/teslafanctl/internal/errors"
)

// Curve is a linear temperature-to-duty-cycle mapping, clamped to
// [MinDutyPct, MaxDutyPct] outside [MinTempC, MaxTempC].
type Curve struct {
	MinTempC   float64
	MaxTempC   float64
	MinDutyPct int
	MaxDutyPct int
}

// New validates the curve parameters.
func New(minTempC, maxTempC float64, minDutyPct, maxDutyPct int) (Curve, error) {
	errFactory := errors.New()

	if minTempC >= maxTempC {
		return Curve{}, errFactory.WithMessage(errors.ErrInvalidConfig, "curve minimum temperature must be below maximum")
	}
	if minDutyPct < 0 || maxDutyPct > 100 || minDutyPct >= maxDutyPct {
		return Curve{}, errFactory.WithMessage(errors.ErrInvalidConfig, "duty cycle bounds must satisfy 0 <= min < max <= 100")
	}

	return Curve{
		MinTempC:   minTempC,
		MaxTempC:   maxTempC,
		MinDutyPct: minDutyPct,
		MaxDutyPct: maxDutyPct,
	}, nil
}

// DutyFor returns the duty cycle percentage for the given temperature.
// Total over all real temperatures and monotonically non-decreasing.
func (c Curve) DutyFor(tempC float64) int {
	if tempC <= c.MinTempC {
		return c.MinDutyPct
	}
	if tempC >= c.MaxTempC {
		return c.MaxDutyPct
	}

	fraction := (tempC - c.MinTempC) / (c.MaxTempC - c.MinTempC)
	duty := float64(c.MinDutyPct) + fraction*float64(c.MaxDutyPct-c.MinDutyPct)

	return int(math.Round(duty))
}
