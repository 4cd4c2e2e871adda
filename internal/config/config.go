package config

import (
	"os"
	"strconv"
	"strings"

	"codeberg.org/mutker/teslafanctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultInterval           = 3
	defaultEnterManualTemp    = 75
	defaultExitManualTemp     = 65
	defaultCurveMinTemp       = 60
	defaultCurveMaxTemp       = 85
	defaultMinDuty            = 30
	defaultMaxDuty            = 100
	defaultHandoffDelay       = 0
	defaultCommandTimeout     = 5
	defaultMaxActuatorRetries = 3
	defaultTelemetrySource    = "smi"
	defaultSMIPath            = "nvidia-smi"
	defaultIpmitoolPath       = "ipmitool"
	defaultDatabase           = "/var/lib/teslafanctl/metrics.db"
)

// Config holds all user-tunable settings. Temperatures are in degrees
// Celsius, duty cycles in percent and durations in seconds.
type Config struct {
	Interval           int    `mapstructure:"interval"`
	EnterManualTemp    int    `mapstructure:"enter_manual_temp"`
	ExitManualTemp     int    `mapstructure:"exit_manual_temp"`
	CurveMinTemp       int    `mapstructure:"curve_min_temp"`
	CurveMaxTemp       int    `mapstructure:"curve_max_temp"`
	MinDuty            int    `mapstructure:"min_duty"`
	MaxDuty            int    `mapstructure:"max_duty"`
	IgnoreGPUs         string `mapstructure:"ignore_gpus"`
	HandoffDelay       int    `mapstructure:"handoff_delay"`
	CommandTimeout     int    `mapstructure:"command_timeout"`
	MaxActuatorRetries int    `mapstructure:"max_actuator_retries"`
	TelemetrySource    string `mapstructure:"telemetry_source"`
	SMIPath            string `mapstructure:"smi_path"`
	IpmitoolPath       string `mapstructure:"ipmitool_path"`
	Metrics            bool   `mapstructure:"metrics"`
	Database           string `mapstructure:"database"`
	LogLevel           string `mapstructure:"log_level"`

	ignored []int
}

// flagBindings maps viper keys to flag names
var flagBindings = map[string]string{
	"interval":             "interval",
	"enter_manual_temp":    "enter-manual-temp",
	"exit_manual_temp":     "exit-manual-temp",
	"curve_min_temp":       "curve-min-temp",
	"curve_max_temp":       "curve-max-temp",
	"min_duty":             "min-duty",
	"max_duty":             "max-duty",
	"ignore_gpus":          "ignore-gpus",
	"handoff_delay":        "handoff-delay",
	"command_timeout":      "command-timeout",
	"max_actuator_retries": "max-actuator-retries",
	"telemetry_source":     "telemetry-source",
	"smi_path":             "smi-path",
	"ipmitool_path":        "ipmitool-path",
	"metrics":              "metrics",
	"database":             "database",
	"log_level":            "log-level",
}

// Load reads configuration from /etc/teslafanctl.conf (or the file named by
// TESLAFANCTL_CONFIG), overridden by command line flags, and validates it.
func Load() (*Config, error) {
	errFactory := errors.New()

	fs := pflag.NewFlagSet("teslafanctl", pflag.ContinueOnError)
	fs.Int("interval", defaultInterval, "Seconds between polling cycles")
	fs.Int("enter-manual-temp", defaultEnterManualTemp, "GPU temperature that takes fan control from the BMC")
	fs.Int("exit-manual-temp", defaultExitManualTemp, "GPU temperature that hands fan control back to the BMC")
	fs.Int("curve-min-temp", defaultCurveMinTemp, "Temperature mapped to the minimum duty cycle")
	fs.Int("curve-max-temp", defaultCurveMaxTemp, "Temperature mapped to the maximum duty cycle")
	fs.Int("min-duty", defaultMinDuty, "Minimum fan duty cycle in percent")
	fs.Int("max-duty", defaultMaxDuty, "Maximum fan duty cycle in percent")
	fs.String("ignore-gpus", "", "Comma separated GPU indices to exclude from temperature readings")
	fs.Int("handoff-delay", defaultHandoffDelay, "Seconds the aggregate must stay at or below the exit temperature before handoff")
	fs.Int("command-timeout", defaultCommandTimeout, "Timeout in seconds for each external tool invocation")
	fs.Int("max-actuator-retries", defaultMaxActuatorRetries, "Consecutive actuator failures tolerated before giving up")
	fs.String("telemetry-source", defaultTelemetrySource, "GPU telemetry source: smi or nvml")
	fs.String("smi-path", defaultSMIPath, "Path to the nvidia-smi binary")
	fs.String("ipmitool-path", defaultIpmitoolPath, "Path to the ipmitool binary")
	fs.Bool("metrics", false, "Record per-cycle metrics to the database")
	fs.String("database", defaultDatabase, "Path to the metrics database")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warning or error")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	v.SetConfigName("teslafanctl.conf")
	v.SetConfigType("toml")
	v.AddConfigPath("/etc")
	if path := os.Getenv("TESLAFANCTL_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	for key, name := range flagBindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks every configuration invariant. The process must refuse to
// start on any violation.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if !isValidLogLevel(c.LogLevel) {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.EnterManualTemp <= c.ExitManualTemp {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			"enter_manual_temp must be greater than exit_manual_temp: the hysteresis band must be positive")
	}
	if c.CurveMinTemp >= c.CurveMaxTemp {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "curve_min_temp must be less than curve_max_temp")
	}
	if c.MinDuty < 0 || c.MaxDuty > 100 || c.MinDuty >= c.MaxDuty {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			"duty cycles must satisfy 0 <= min_duty < max_duty <= 100")
	}
	if c.HandoffDelay < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "handoff_delay must not be negative")
	}
	if c.CommandTimeout <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "command_timeout must be positive")
	}
	if c.MaxActuatorRetries < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "max_actuator_retries must be at least 1")
	}
	if c.TelemetrySource != "smi" && c.TelemetrySource != "nvml" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "telemetry_source must be smi or nvml")
	}
	if c.Metrics && c.Database == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "database must be set when metrics are enabled")
	}

	ignored, err := parseIgnoreGPUs(c.IgnoreGPUs)
	if err != nil {
		return err
	}
	c.ignored = ignored

	return nil
}

// IgnoredGPUs returns the parsed ignore_gpus indices. Only valid after a
// successful Validate.
func (c *Config) IgnoredGPUs() []int {
	return c.ignored
}

func parseIgnoreGPUs(raw string) ([]int, error) {
	errFactory := errors.New()

	var indices []int
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		index, err := strconv.Atoi(field)
		if err != nil || index < 0 {
			return nil, errFactory.WithMessage(errors.ErrInvalidConfig,
				"ignore_gpus must be a comma separated list of GPU indices").WithData(field)
		}
		indices = append(indices, index)
	}

	return indices, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warning", "error":
		return true
	default:
		return false
	}
}
