// Package config holds the boot configuration of the kernel.
package config

import (
	"os"

	yaml "github.com/goccy/go-yaml"
)

// Defaults applied when no config file is given or a value is out of range.
const (
	DefaultCores         = 2
	DefaultStackSize     = 1 << 16 // 64 KiB per task stack
	MinStackSize         = 1 << 12
	DefaultTimerInterval = 10_000 // microseconds between timer ticks
)

// Config mirrors the boot config file.
type Config struct {
	Cores           int    `yaml:"cores"`             // number of scheduler cores
	StackSize       int    `yaml:"stack_size"`        // default task stack size in bytes
	TimerIntervalUS uint64 `yaml:"timer_interval_us"` // timer tick period
	LogLevel        string `yaml:"log_level"`         // trace, debug or info
	MaxStackMemory  int    `yaml:"max_stack_memory"`  // stack pool budget, 0 = unbounded
}

func defaultConfig() Config {
	return Config{
		Cores:           DefaultCores,
		StackSize:       DefaultStackSize,
		TimerIntervalUS: DefaultTimerInterval,
		LogLevel:        "info",
	}
}

// Load reads YAML and overrides defaults; an empty path or an unreadable
// file yields defaults only.
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)

	// sanity clamps
	if cfg.Cores <= 0 {
		cfg.Cores = DefaultCores
	}
	if cfg.StackSize < MinStackSize {
		cfg.StackSize = DefaultStackSize
	}
	if cfg.TimerIntervalUS == 0 {
		cfg.TimerIntervalUS = DefaultTimerInterval
	}
	if cfg.MaxStackMemory < 0 {
		cfg.MaxStackMemory = 0
	}

	return cfg
}
