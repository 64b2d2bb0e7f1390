package possum

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the resolved, immutable settings for a Handle. Built by
// resolveConfig from a list of Options layered over environment variables
// and hard-coded defaults, following the same precedence chain the teacher
// package used for ValuesStoreOpts: explicit option > env var > default.
type Config struct {
	MaxValueLengthSum   uint64
	DisableHolePunching bool
	Workers             int

	LogCritical LogFunc
	LogError    LogFunc
	LogWarning  LogFunc
	LogInfo     LogFunc
	LogDebug    LogFunc
}

// Option configures a Handle at Open time.
type Option func(*Config)

// OptMaxValueLengthSum sets the cap on the sum of all live manifest entry
// lengths. Defaults to env POSSUM_MAX_VALUE_LENGTH_SUM or unlimited (0).
func OptMaxValueLengthSum(n uint64) Option {
	return func(c *Config) { c.MaxValueLengthSum = n }
}

// OptDisableHolePunching skips fallocate hole punching entirely; eviction
// will still forget manifest rows but leaves their bytes allocated on disk.
// Defaults to env POSSUM_DISABLE_HOLE_PUNCHING or false.
func OptDisableHolePunching(disable bool) Option {
	return func(c *Config) { c.DisableHolePunching = disable }
}

// OptWorkers sets Config.Workers. Defaults to env POSSUM_WORKERS or 4.
// Nothing in this package reads the value: scratch cleanup and
// CleanupSnapshots sweeps run synchronously on the calling goroutine.
func OptWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// OptLogFuncs overrides all five log severities at once.
func OptLogFuncs(critical, error, warning, info, debug LogFunc) Option {
	return func(c *Config) {
		c.LogCritical = critical
		c.LogError = error
		c.LogWarning = warning
		c.LogInfo = info
		c.LogDebug = debug
	}
}

// OptZerologLogger derives all five LogFunc severities from a
// github.com/rs/zerolog logger, for callers who already have one wired up
// for the rest of their process.
func OptZerologLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.LogCritical = zerologLogFunc(l.Error())
		c.LogError = zerologLogFunc(l.Error())
		c.LogWarning = zerologLogFunc(l.Warn())
		c.LogInfo = zerologLogFunc(l.Info())
		c.LogDebug = zerologLogFunc(l.Debug())
	}
}

func zerologLogFunc(e *zerolog.Event) LogFunc {
	return func(format string, v ...interface{}) {
		e.Msgf(format, v...)
	}
}

func resolveConfig(opts []Option) *Config {
	cfg := &Config{}
	if env := os.Getenv("POSSUM_MAX_VALUE_LENGTH_SUM"); env != "" {
		if val, err := strconv.ParseUint(env, 10, 64); err == nil {
			cfg.MaxValueLengthSum = val
		}
	}
	if env := os.Getenv("POSSUM_DISABLE_HOLE_PUNCHING"); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			cfg.DisableHolePunching = val
		}
	}
	if env := os.Getenv("POSSUM_WORKERS"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.Workers = val
		}
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LogCritical == nil || cfg.LogError == nil || cfg.LogWarning == nil || cfg.LogInfo == nil || cfg.LogDebug == nil {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Str("component", "possum").Logger()
		def := Config{}
		OptZerologLogger(logger)(&def)
		if cfg.LogCritical == nil {
			cfg.LogCritical = def.LogCritical
		}
		if cfg.LogError == nil {
			cfg.LogError = def.LogError
		}
		if cfg.LogWarning == nil {
			cfg.LogWarning = def.LogWarning
		}
		if cfg.LogInfo == nil {
			cfg.LogInfo = def.LogInfo
		}
		if cfg.LogDebug == nil {
			cfg.LogDebug = def.LogDebug
		}
	}
	return cfg
}
