package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/plantqc/internal/errors"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultListenAddr   = ":8090"
	defaultDatabase     = "plantqc.db"
	defaultTickSeconds  = 1.0
	defaultRetentionSec = 600
)

// Config holds the full daemon configuration. Values are resolved in
// viper's usual order: defaults, then config file, then bound flags.
type Config struct {
	Listen           string  `mapstructure:"listen"`
	Database         string  `mapstructure:"database"`
	Audit            bool    `mapstructure:"audit"`
	Debug            bool    `mapstructure:"debug"`
	Verbose          bool    `mapstructure:"verbose"`
	LogLevel         string  `mapstructure:"log_level"`
	Interval         float64 `mapstructure:"interval"`
	RetentionSeconds int     `mapstructure:"retention_seconds"`
	Seed             int64   `mapstructure:"seed"`
	KnobCatalog      string  `mapstructure:"knob_catalog"`

	Targets  Targets  `mapstructure:"targets"`
	Knobs    Knobs    `mapstructure:"knobs"`
	Detector Detector `mapstructure:"detector"`
	Oracle   Oracle   `mapstructure:"oracle"`
}

// Targets are the hard quality bands the detector and planner work against.
type Targets struct {
	LSFMin    float64 `json:"lsf_min" mapstructure:"lsf_min"`
	LSFMax    float64 `json:"lsf_max" mapstructure:"lsf_max"`
	BlaineMin float64 `json:"blaine_min" mapstructure:"blaine_min"`
	BlaineMax float64 `json:"blaine_max" mapstructure:"blaine_max"`
	FCaOMax   float64 `json:"fcao_max" mapstructure:"fcao_max"`
}

// Knobs are the initial control settings.
type Knobs struct {
	LimestonePct   float64 `mapstructure:"limestone_pct"`
	SandPct        float64 `mapstructure:"sand_pct"`
	ClayPct        float64 `mapstructure:"clay_pct"`
	SeparatorSpeed float64 `mapstructure:"separator_speed"`
	GypsumPct      float64 `mapstructure:"gypsum_pct"`
}

// Detector holds the drift tuning parameters. These are operational
// tuning values, deliberately configuration rather than constants.
type Detector struct {
	ZThreshold      float64 `json:"z_threshold" mapstructure:"z_threshold"`
	MinSamples      int     `json:"min_samples" mapstructure:"min_samples"`
	TrendWindow     int     `json:"trend_window" mapstructure:"trend_window"`
	TrendSustain    int     `json:"trend_sustain" mapstructure:"trend_sustain"`
	SlopeThreshold  float64 `json:"slope_threshold" mapstructure:"slope_threshold"`
	ResolveStreak   int     `json:"resolve_streak" mapstructure:"resolve_streak"`
	CooldownSeconds int     `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
}

// Oracle bounds the external planner call.
type Oracle struct {
	Retries        int `mapstructure:"retries"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

func setDefaults() {
	viper.SetDefault("listen", defaultListenAddr)
	viper.SetDefault("database", defaultDatabase)
	viper.SetDefault("audit", true)
	viper.SetDefault("debug", false)
	viper.SetDefault("verbose", false)
	viper.SetDefault("log_level", DefaultLogLevel)
	viper.SetDefault("interval", defaultTickSeconds)
	viper.SetDefault("retention_seconds", defaultRetentionSec)
	viper.SetDefault("seed", 0)
	viper.SetDefault("knob_catalog", "")

	viper.SetDefault("targets.lsf_min", 98.0)
	viper.SetDefault("targets.lsf_max", 102.0)
	viper.SetDefault("targets.blaine_min", 320.0)
	viper.SetDefault("targets.blaine_max", 360.0)
	viper.SetDefault("targets.fcao_max", 1.0)

	viper.SetDefault("knobs.limestone_pct", 83.0)
	viper.SetDefault("knobs.sand_pct", 4.0)
	viper.SetDefault("knobs.clay_pct", 13.0)
	viper.SetDefault("knobs.separator_speed", 120.0)
	viper.SetDefault("knobs.gypsum_pct", 3.0)

	viper.SetDefault("detector.z_threshold", 2.5)
	viper.SetDefault("detector.min_samples", 10)
	viper.SetDefault("detector.trend_window", 30)
	viper.SetDefault("detector.trend_sustain", 5)
	viper.SetDefault("detector.slope_threshold", 0.02)
	viper.SetDefault("detector.resolve_streak", 10)
	viper.SetDefault("detector.cooldown_seconds", 60)

	viper.SetDefault("oracle.retries", 2)
	viper.SetDefault("oracle.timeout_seconds", 10)
}

// Load resolves the configuration from defaults, an optional TOML file
// (PLANTQC_CONFIG or /etc/plantqc.toml) and any flags already bound into
// viper by the command layer.
func Load() (*Config, error) {
	errFactory := errors.New()

	setDefaults()

	viper.SetConfigType("toml")
	if path := os.Getenv("PLANTQC_CONFIG"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("plantqc")
		viper.AddConfigPath("/etc")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks that the resolved configuration is usable.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.RetentionSeconds <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "retention_seconds must be positive")
	}
	if !isValidLogLevel(c.LogLevel) {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Targets.LSFMin >= c.Targets.LSFMax {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "targets.lsf_min must be below targets.lsf_max")
	}
	if c.Targets.BlaineMin >= c.Targets.BlaineMax {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "targets.blaine_min must be below targets.blaine_max")
	}
	if c.Targets.FCaOMax <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "targets.fcao_max must be positive")
	}
	if c.Detector.ZThreshold <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "detector.z_threshold must be positive")
	}
	if c.Detector.MinSamples <= 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "detector.min_samples must be at least 2")
	}
	if c.Detector.TrendWindow < 2 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "detector.trend_window must be at least 2")
	}
	if c.Oracle.Retries < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "oracle.retries must not be negative")
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warning", "warn", "error":
		return true
	default:
		return false
	}
}
