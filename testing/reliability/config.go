// Package reliability holds long-running and high-volume checks of the
// tracer and collector. They are skipped unless SPANZ_RELIABILITY_LEVEL is
// set to "basic" or "stress".
package reliability

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

// Reliability levels.
const (
	LevelBasic  = "basic"
	LevelStress = "stress"
)

// Config holds configuration for reliability runs.
type Config struct {
	Level            string        // "basic" or "stress"
	Duration         time.Duration // Length of sustained stress runs
	MaxGoroutines    int           // Upper bound for fan-out tests
	FailureThreshold float64       // Tolerated loss ratio (0.0-1.0)
}

// loadConfig reads SPANZ_RELIABILITY_* environment variables.
func loadConfig() Config {
	v := viper.New()
	v.SetEnvPrefix("SPANZ_RELIABILITY")
	v.AutomaticEnv()
	v.SetDefault("level", "")
	v.SetDefault("duration", 30*time.Second)
	v.SetDefault("max_goroutines", 100)
	v.SetDefault("failure_threshold", 0.05)

	cfg := Config{
		Level:            v.GetString("level"),
		Duration:         v.GetDuration("duration"),
		MaxGoroutines:    v.GetInt("max_goroutines"),
		FailureThreshold: v.GetFloat64("failure_threshold"),
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 30 * time.Second
	}
	if cfg.MaxGoroutines <= 0 {
		cfg.MaxGoroutines = 100
	}
	return cfg
}

// requireLevel skips t unless reliability testing is enabled.
func requireLevel(t *testing.T) Config {
	t.Helper()
	cfg := loadConfig()
	switch cfg.Level {
	case LevelBasic, LevelStress:
		return cfg
	default:
		t.Skip("SPANZ_RELIABILITY_LEVEL not set, skipping reliability tests")
		return cfg
	}
}
