package tierup

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/errors"
)

// Config holds the tiering policy. It is loaded from TOML:
//
//	enabled = true
//	mode = "bounds-checked"
//	max_depth = 10000
//
//	[osr]
//	loop = true
//	prologue = true
//	epilogue = true
//
//	[compile]
//	synchronous_below_budget = false
//	concurrency_budget = 1
//	workers = 2
//
//	[thresholds]
//	warm_up = 1000
//	soon = 100
//
//	[scratch]
//	max_size = "512KiB"
//
//	[filter]
//	min = 0
//	max = -1
type Config struct {
	Scratch    ScratchConfig            `toml:"scratch"`
	Filter     FilterConfig             `toml:"filter"`
	Compile    CompileConfig            `toml:"compile"`
	Thresholds ThresholdConfig          `toml:"thresholds"`
	OSR        OSRConfig                `toml:"osr"`
	MaxDepth   int                      `toml:"max_depth"`
	Mode       wasmtierup.ExecutionMode `toml:"mode"`
	Enabled    bool                     `toml:"enabled"`
}

// OSRConfig selects the hook points that may transfer into compiled code.
type OSRConfig struct {
	Loop     bool `toml:"loop"`
	Prologue bool `toml:"prologue"`
	Epilogue bool `toml:"epilogue"`
}

// CompileConfig controls where compiles run.
type CompileConfig struct {
	// ConcurrencyBudget is the number of in-flight jobs below which a hook
	// compiles synchronously when SynchronousBelowBudget is set.
	ConcurrencyBudget int `toml:"concurrency_budget"`
	// Workers is the number of background compile goroutines.
	Workers                int  `toml:"workers"`
	SynchronousBelowBudget bool `toml:"synchronous_below_budget"`
}

// ThresholdConfig sets the counter thresholds in hook executions.
type ThresholdConfig struct {
	WarmUp int64 `toml:"warm_up"`
	Soon   int64 `toml:"soon"`
}

// ScratchConfig limits transplant buffers.
type ScratchConfig struct {
	// MaxSize is a human size ("512KiB", "1m") of the largest buffer.
	MaxSize string `toml:"max_size"`
}

// FilterConfig restricts tiering to a function index range. Max < 0 means
// no upper bound.
type FilterConfig struct {
	Min int64 `toml:"min"`
	Max int64 `toml:"max"`
}

// Allows reports whether fn is inside the range.
func (f FilterConfig) Allows(fn wasmtierup.FunctionIndex) bool {
	v := int64(fn)
	return v >= f.Min && (f.Max < 0 || v <= f.Max)
}

// DefaultConfig returns the policy used when no file is given.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Mode:     wasmtierup.ModeBoundsChecked,
		MaxDepth: 10000,
		OSR: OSRConfig{
			Loop:     true,
			Prologue: true,
			Epilogue: true,
		},
		Compile: CompileConfig{
			ConcurrencyBudget: 1,
			Workers:           2,
		},
		Thresholds: ThresholdConfig{
			WarmUp: 1000,
			Soon:   100,
		},
		Scratch: ScratchConfig{MaxSize: "512KiB"},
		Filter:  FilterConfig{Min: 0, Max: -1},
	}
}

// Validate checks the config for values the coordinator cannot run with.
func (c *Config) Validate() error {
	switch {
	case !c.Mode.Valid():
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown mode %d", c.Mode))
	case c.Thresholds.WarmUp <= 0 || c.Thresholds.Soon <= 0:
		return errors.InvalidInput(errors.PhaseConfig, "thresholds must be positive")
	case c.MaxDepth < 0:
		return errors.InvalidInput(errors.PhaseConfig, "max_depth must not be negative")
	case c.Compile.Workers < 0:
		return errors.InvalidInput(errors.PhaseConfig, "compile.workers must not be negative")
	case c.Compile.ConcurrencyBudget < 0:
		return errors.InvalidInput(errors.PhaseConfig, "compile.concurrency_budget must not be negative")
	case c.Filter.Min < 0:
		return errors.InvalidInput(errors.PhaseConfig, "filter.min must not be negative")
	case c.Filter.Max >= 0 && c.Filter.Max < c.Filter.Min:
		return errors.InvalidInput(errors.PhaseConfig, "filter.max is below filter.min")
	}
	if _, err := c.ScratchLimit(); err != nil {
		return err
	}
	return nil
}

// ScratchLimit converts Scratch.MaxSize into a value count.
func (c *Config) ScratchLimit() (int, error) {
	if c.Scratch.MaxSize == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(c.Scratch.MaxSize)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "scratch.max_size")
	}
	if size < 8 {
		return 0, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("scratch.max_size %q holds no values", c.Scratch.MaxSize))
	}
	return int(size / 8), nil
}

// ParseConfig decodes TOML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "failed to read config file")
	}
	return ParseConfig(data)
}
