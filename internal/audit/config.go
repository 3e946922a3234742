package audit

import "codeberg.org/mutker/plantqc/internal/errors"

const (
	defaultDirPerm = 0o755
	defaultDBPath  = "plantqc.db"
)

type Config struct {
	Enabled   bool
	DBPath    string
	Retention int // seconds of sample history to keep
}

func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		DBPath:    defaultDBPath,
		Retention: 600,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.Retention <= 0 {
		return errFactory.New(ErrInvalidRetention)
	}

	return nil
}
