package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds the pipeline tunables. Loaded once at startup, read-only after.
type Tuning struct {
	Enabled    bool `yaml:"enabled"`
	TickRateHz int  `yaml:"tick_rate_hz"`

	BatchSizePerTick    int `yaml:"batch_size_per_tick"`
	ValidationTimeoutMs int `yaml:"validation_timeout_ms"`
	PhysicsDelayMs      int `yaml:"physics_delay_ms"`

	DistancePriority  bool    `yaml:"distance_priority"`
	DistanceThreshold float64 `yaml:"distance_threshold"`
}

func Defaults() Tuning {
	return Tuning{
		Enabled:             true,
		TickRateHz:          60,
		BatchSizePerTick:    5,
		ValidationTimeoutMs: 3000,
		PhysicsDelayMs:      100,
		DistancePriority:    true,
		DistanceThreshold:   10000,
	}
}

// Load reads tuning.yaml over the defaults, so a partial file is fine.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) validate() error {
	if t.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be positive, got %d", t.TickRateHz)
	}
	if t.BatchSizePerTick <= 0 {
		return fmt.Errorf("batch_size_per_tick must be positive, got %d", t.BatchSizePerTick)
	}
	if t.ValidationTimeoutMs <= 0 {
		return fmt.Errorf("validation_timeout_ms must be positive, got %d", t.ValidationTimeoutMs)
	}
	if t.PhysicsDelayMs < 0 {
		return fmt.Errorf("physics_delay_ms must not be negative, got %d", t.PhysicsDelayMs)
	}
	return nil
}

func (t Tuning) ValidationTimeout() time.Duration {
	return time.Duration(t.ValidationTimeoutMs) * time.Millisecond
}

func (t Tuning) PhysicsDelay() time.Duration {
	return time.Duration(t.PhysicsDelayMs) * time.Millisecond
}
