// teslafanctl enables GPU load responsive fan control on Dell R series
// servers carrying fanless NVIDIA Tesla cards. It watches GPU temperatures,
// takes manual fan control from the BMC when the hottest card runs hot, and
// always hands control back before exiting so the BMC can keep serving the
// rest of the chassis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/teslafanctl/internal/config"
	"codeberg.org/mutker/teslafanctl/internal/controller"
	"codeberg.org/mutker/teslafanctl/internal/curve"
	"codeberg.org/mutker/teslafanctl/internal/errors"
	"codeberg.org/mutker/teslafanctl/internal/ipmi"
	"codeberg.org/mutker/teslafanctl/internal/logger"
	"codeberg.org/mutker/teslafanctl/internal/metrics"
	"codeberg.org/mutker/teslafanctl/internal/pid"
	"codeberg.org/mutker/teslafanctl/internal/telemetry"
)

// Exit codes: clean shutdown, unrecoverable run error, configuration
// violation at startup, and the loudest one - automatic fan control could
// not be restored on the way out.
const (
	exitOK            = 0
	exitRunFailure    = 1
	exitConfig        = 2
	exitRestoreFailed = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfig
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitConfig
	}
	logger.Debug().Msg("Config loaded")

	if err := pid.Write(); err != nil {
		logger.Error().Err(err).Msg("Failed to acquire PID file")
		return exitConfig
	}
	defer pid.Remove()

	collector, err := newCollector(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize telemetry source")
		return exitConfig
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close telemetry source")
		}
	}()

	actuator, err := ipmi.NewTool(cfg.IpmitoolPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize fan actuator")
		return exitConfig
	}

	recorder, err := metrics.NewService(metrics.Config{
		Enabled: cfg.Metrics,
		DBPath:  cfg.Database,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize metrics")
		return exitConfig
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close metrics")
		}
	}()

	dutyCurve, err := curve.New(
		float64(cfg.CurveMinTemp), float64(cfg.CurveMaxTemp),
		cfg.MinDuty, cfg.MaxDuty,
	)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid duty curve")
		return exitConfig
	}

	ctrl, err := controller.New(controller.Config{
		Interval:           time.Duration(cfg.Interval) * time.Second,
		CommandTimeout:     time.Duration(cfg.CommandTimeout) * time.Second,
		MaxActuatorRetries: cfg.MaxActuatorRetries,
		EnterManualTempC:   float64(cfg.EnterManualTemp),
		ExitManualTempC:    float64(cfg.ExitManualTemp),
		HandoffDelay:       time.Duration(cfg.HandoffDelay) * time.Second,
		Curve:              dutyCurve,
		IgnoreGPUs:         cfg.IgnoredGPUs(),
	}, collector, actuator, recorder)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid controller configuration")
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := ctrl.Run(ctx); err != nil {
		if errors.HasCode(err, controller.ErrRestoreFailed) {
			logger.Error().Err(err).Msg("COULD NOT RETURN FAN CONTROL TO BMC - fans may be stuck at a manual duty cycle")
			return exitRestoreFailed
		}
		logger.Error().Err(err).Msg("Fan control loop failed")
		return exitRunFailure
	}

	logger.Info().Msg("Exiting...")

	return exitOK
}

func newCollector(cfg *config.Config) (telemetry.Collector, error) {
	if cfg.TelemetrySource == "nvml" {
		return telemetry.NewNVMLCollector()
	}

	return telemetry.NewSMICollector(cfg.SMIPath)
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
