package metrics

import "codeberg.org/mutker/teslafanctl/internal/errors"

const (
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/teslafanctl/metrics.db"
)

type Config struct {
	Enabled bool
	DBPath  string
}

func DefaultConfig() Config {
	return Config{
		DBPath: defaultDBPath,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
