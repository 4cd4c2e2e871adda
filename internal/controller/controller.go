// Package controller owns the polling loop, the mode state machine and the
// shutdown-safety guarantee: whatever happens, the BMC gets automatic fan
// control back before the process exits.
package controller

import (
	"context"
	"time"

	"codeberg.org/mutker/teslafanctl/internal/curve"
	"codeberg.org/mutker/teslafanctl/internal/errors"
	"codeberg.org/mutker/teslafanctl/internal/ipmi"
	"codeberg.org/mutker/teslafanctl/internal/logger"
	"codeberg.org/mutker/teslafanctl/internal/metrics"
	"codeberg.org/mutker/teslafanctl/internal/telemetry"
	"codeberg.org/mutker/teslafanctl/internal/thermal"
)

type Config struct {
	Interval           time.Duration
	CommandTimeout     time.Duration
	MaxActuatorRetries int
	EnterManualTempC   float64
	ExitManualTempC    float64
	HandoffDelay       time.Duration
	Curve              curve.Curve
	IgnoreGPUs         []int
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "polling interval must be positive")
	}
	if c.CommandTimeout <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "command timeout must be positive")
	}
	if c.MaxActuatorRetries < 1 {
		return errFactory.WithMessage(ErrInvalidConfig, "actuator retry limit must be at least 1")
	}
	if c.EnterManualTempC <= c.ExitManualTempC {
		return errFactory.WithMessage(ErrInvalidConfig, "hysteresis band must be positive")
	}
	if c.HandoffDelay < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "handoff delay must not be negative")
	}

	return nil
}

// Controller drives one control iteration per polling interval. Cycles are
// strictly sequential: a cycle completes, including any actuation, before
// the next tick is considered.
type Controller struct {
	cfg       Config
	machine   *Machine
	ignore    map[int]struct{}
	collector telemetry.Collector
	actuator  ipmi.Actuator
	recorder  metrics.Collector

	actuatorFailures int
}

func New(cfg Config, collector telemetry.Collector, actuator ipmi.Actuator, recorder metrics.Collector) (*Controller, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if collector == nil || actuator == nil || recorder == nil {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "collector, actuator and recorder are required")
	}

	return &Controller{
		cfg:       cfg,
		machine:   NewMachine(cfg.EnterManualTempC, cfg.ExitManualTempC, cfg.HandoffDelay),
		ignore:    thermal.NewIgnoreSet(cfg.IgnoreGPUs),
		collector: collector,
		actuator:  actuator,
		recorder:  recorder,
	}, nil
}

// Mode returns the current control mode, read-only.
func (c *Controller) Mode() Mode {
	return c.machine.Mode()
}

// Run polls until ctx is canceled or a cycle fails fatally, then hands
// automatic fan control back to the BMC. The restore attempt happens exactly
// once on every exit path; if it fails, the returned error carries
// ErrRestoreFailed and takes precedence over any run error, since fans stuck
// under an abandoned manual duty is the most dangerous failure of this
// system.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	logger.Info().
		Str("mode", c.machine.Mode().String()).
		Float64("enter_manual_temp", c.cfg.EnterManualTempC).
		Float64("exit_manual_temp", c.cfg.ExitManualTempC).
		Msg("Fan control loop started")

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Stop requested")
			break loop
		case <-ticker.C:
			if err := c.cycle(ctx); err != nil {
				runErr = err
				break loop
			}
		}
	}

	if err := c.release(); err != nil {
		if runErr != nil {
			logger.Error().Err(runErr).Msg("Run error preceding failed restore")
		}
		return err
	}

	return runErr
}

// release is the shutdown-safety action: restore automatic control
// unconditionally, under a fresh timeout context because the run context may
// already be canceled.
func (c *Controller) release() error {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
	defer cancel()

	if err := c.actuator.RestoreAutomatic(ctx); err != nil {
		return errFactory.Wrap(ErrRestoreFailed, err)
	}

	c.machine.Commit(ActionExitManual)
	logger.Info().Msg("Returned automatic fan control to BMC")

	return nil
}

func (c *Controller) cycle(ctx context.Context) error {
	readings, err := c.snapshot(ctx)
	if err != nil {
		// Transient telemetry failures never crash the loop: keep the
		// previous mode and duty and retry next cycle.
		logger.Warn().Err(err).Msg("Telemetry read failed, retaining fan state")
		return nil
	}

	sample := thermal.NewSample(readings, c.ignore)
	for _, r := range sample.Readings() {
		if r.Implausible() {
			logger.Warn().
				Int("index", r.Index).
				Float64("temperature", r.TemperatureC).
				Msg("Implausible GPU temperature reading")
		}
	}

	aggregate, valid := sample.Aggregate()
	action := c.machine.Evaluate(aggregate, valid, time.Now())

	switch action {
	case ActionEnterManual:
		if err := c.enterManual(ctx, sample, aggregate); err != nil {
			return err
		}
	case ActionExitManual:
		if err := c.exitManual(ctx, aggregate, valid); err != nil {
			return err
		}
	}

	duty := 0
	if c.machine.Mode() == ModeManual {
		// The curve, not the threshold crossing, governs duty while manual:
		// recompute from the current aggregate every cycle.
		duty = c.cfg.Curve.DutyFor(aggregate)
		if err := c.setDuty(ctx, duty); err != nil {
			return err
		}
	}

	c.record(ctx, sample, aggregate, duty)

	return nil
}

func (c *Controller) snapshot(ctx context.Context) ([]thermal.DeviceReading, error) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	return c.collector.Snapshot(tctx)
}

func (c *Controller) enterManual(ctx context.Context, sample thermal.Sample, aggregate float64) error {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	if err := c.actuator.EnterManual(tctx); err != nil {
		return c.actuatorFailure("enter manual mode", err)
	}
	c.machine.Commit(ActionEnterManual)
	c.actuatorFailures = 0

	hottest, _ := sample.Hottest()
	logger.Info().
		Int("index", hottest.Index).
		Str("name", hottest.Name).
		Float64("temperature", aggregate).
		Int("utilization", hottest.UtilizationPct).
		Msg("Took fan control from BMC")

	return nil
}

func (c *Controller) exitManual(ctx context.Context, aggregate float64, valid bool) error {
	errFactory := errors.New()

	tctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	// A failed mid-run handoff is immediately fatal, but under its own code:
	// whether the BMC actually got control back is decided by the
	// shutdown-safety attempt, which alone reports ErrRestoreFailed.
	if err := c.actuator.RestoreAutomatic(tctx); err != nil {
		return errFactory.Wrap(ErrHandoffFailed, err)
	}
	c.machine.Commit(ActionExitManual)
	c.actuatorFailures = 0

	if valid {
		logger.Info().Float64("temperature", aggregate).Msg("Handed fan control back to BMC")
	} else {
		logger.Info().Str("reason", "no retained GPU readings").Msg("Handed fan control back to BMC")
	}

	return nil
}

func (c *Controller) setDuty(ctx context.Context, duty int) error {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	if err := c.actuator.SetDuty(tctx, duty); err != nil {
		return c.actuatorFailure("set duty cycle", err)
	}
	c.actuatorFailures = 0

	logger.Debug().Int("duty", duty).Msg("Applied fan duty cycle")

	return nil
}

// actuatorFailure tolerates a bounded number of consecutive failures before
// escalating to a fatal error.
func (c *Controller) actuatorFailure(operation string, err error) error {
	errFactory := errors.New()

	c.actuatorFailures++
	if c.actuatorFailures >= c.cfg.MaxActuatorRetries {
		return errFactory.Wrap(ErrActuatorPersistent, err).WithData(operation)
	}

	logger.Warn().
		Err(err).
		Str("operation", operation).
		Int("consecutive_failures", c.actuatorFailures).
		Msg("Actuator command failed, retrying next cycle")

	return nil
}

func (c *Controller) record(ctx context.Context, sample thermal.Sample, aggregate float64, duty int) {
	snapshot := &metrics.Snapshot{
		Timestamp:      time.Now(),
		AggregateTempC: aggregate,
		HottestIndex:   metrics.NoHottestIndex,
		ManualMode:     c.machine.Mode() == ModeManual,
		TargetDutyPct:  duty,
	}
	if hottest, ok := sample.Hottest(); ok {
		snapshot.HottestIndex = hottest.Index
		snapshot.HottestName = hottest.Name
		snapshot.HottestUtilPct = hottest.UtilizationPct
	}

	if err := c.recorder.Record(ctx, snapshot); err != nil {
		logger.Warn().Err(err).Msg("Failed to record cycle metrics")
	}
}
