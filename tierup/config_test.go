package tierup

import (
	"os"
	"path/filepath"
	"testing"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/errors"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	limit, err := cfg.ScratchLimit()
	if err != nil {
		t.Fatal(err)
	}
	if limit != 512*1024/8 {
		t.Errorf("ScratchLimit = %d", limit)
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
mode = "signaling"

[osr]
prologue = false

[compile]
workers = 4
synchronous_below_budget = true

[thresholds]
warm_up = 50

[scratch]
max_size = "1MiB"

[filter]
min = 2
max = 9
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Mode != wasmtierup.ModeSignaling {
		t.Errorf("Mode = %s", cfg.Mode)
	}
	if cfg.OSR.Prologue || !cfg.OSR.Loop {
		t.Errorf("OSR = %+v", cfg.OSR)
	}
	if cfg.Compile.Workers != 4 || !cfg.Compile.SynchronousBelowBudget || cfg.Compile.ConcurrencyBudget != 1 {
		t.Errorf("Compile = %+v", cfg.Compile)
	}
	if cfg.Thresholds.WarmUp != 50 || cfg.Thresholds.Soon != 100 {
		t.Errorf("Thresholds = %+v", cfg.Thresholds)
	}
	if limit, _ := cfg.ScratchLimit(); limit != 1<<17 {
		t.Errorf("ScratchLimit = %d", limit)
	}
	for fn, want := range map[wasmtierup.FunctionIndex]bool{1: false, 2: true, 9: true, 10: false} {
		if got := cfg.Filter.Allows(fn); got != want {
			t.Errorf("Allows(%d) = %v", fn, got)
		}
	}
}

func TestParseConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind errors.Kind
	}{
		{"malformed", "mode = ", errors.KindInvalidData},
		{"unknown mode", `mode = "jit"`, errors.KindInvalidData},
		{"zero threshold", "[thresholds]\nwarm_up = 0", errors.KindInvalidInput},
		{"negative workers", "[compile]\nworkers = -1", errors.KindInvalidInput},
		{"bad size", "[scratch]\nmax_size = \"lots\"", errors.KindInvalidInput},
		{"tiny size", "[scratch]\nmax_size = \"4b\"", errors.KindInvalidInput},
		{"inverted filter", "[filter]\nmin = 5\nmax = 2", errors.KindInvalidInput},
		{"negative depth", "max_depth = -1", errors.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			if errors.KindOf(err) != tt.kind {
				t.Errorf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tierup.toml")
	if err := os.WriteFile(path, []byte("enabled = false\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Enabled {
		t.Error("enabled = false not applied")
	}

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	if errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("missing file: %v", err)
	}
}
