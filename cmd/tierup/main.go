package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/backend"
	"github.com/wippyai/wasm-tierup/tierup"
	"github.com/wippyai/wasm-tierup/wasm"
	"github.com/wippyai/wasm-tierup/worklist"
)

func main() {
	var (
		wasmFile    = flag.String("wasm", "", "Path to core wasm module")
		configFile  = flag.String("config", "", "Tier-up config (TOML)")
		mode        = flag.String("mode", "", "Execution mode override (bounds-checked, signaling)")
		budget      = flag.String("budget", "", "Executable code budget (e.g. 64MiB)")
		list        = flag.Bool("list", false, "List functions and OSR descriptor tables and exit")
		simulate    = flag.Bool("simulate", false, "Drive simulated hook traffic and report")
		threads     = flag.Int("threads", 4, "Simulated interpreter threads")
		calls       = flag.Int("calls", 10000, "Simulated calls per thread")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		verbose     = flag.Bool("v", false, "Development logging to stderr")
	)
	flag.Parse()

	if *wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: tierup -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       tierup -wasm <file.wasm> -simulate [-threads n] [-calls n] [-config file.toml]")
		fmt.Fprintln(os.Stderr, "       tierup -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer l.Sync()
		tierup.SetLogger(l)
		worklist.SetLogger(l)
		backend.SetLogger(l)
	}

	opts := options{
		wasmFile:   *wasmFile,
		configFile: *configFile,
		mode:       *mode,
		budget:     *budget,
		threads:    *threads,
		calls:      *calls,
	}

	var err error
	switch {
	case *list:
		err = runList(opts)
	case *interactive:
		err = runInteractive(opts)
	case *simulate:
		err = runSimulate(opts)
	default:
		err = runList(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	wasmFile   string
	configFile string
	mode       string
	budget     string
	threads    int
	calls      int
}

func loadModule(path string) (*wasm.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	mod, err := wasm.ParseModule(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return mod, nil
}

func loadConfig(opts options) (*tierup.Config, error) {
	cfg := tierup.DefaultConfig()
	if opts.configFile != "" {
		loaded, err := tierup.LoadConfig(opts.configFile)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if opts.mode != "" {
		m, err := wasmtierup.ParseExecutionMode(opts.mode)
		if err != nil {
			return nil, err
		}
		cfg.Mode = m
	}
	return &cfg, nil
}

// session is one coordinator and instance wired to the wazero tier.
type session struct {
	compiler *backend.Wazero
	coord    *tierup.Coordinator
	inst     *tierup.Instance
	module   *wasm.Module
	cfg      *tierup.Config
}

func openSession(ctx context.Context, opts options) (*session, error) {
	mod, err := loadModule(opts.wasmFile)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	compiler, err := backend.NewWazero(ctx, backend.Config{CodeBudget: opts.budget})
	if err != nil {
		return nil, err
	}
	coord, err := tierup.New(*cfg, compiler)
	if err != nil {
		compiler.Close(ctx)
		return nil, err
	}
	inst, err := coord.Instantiate(mod)
	if err != nil {
		return nil, multierr.Combine(err, coord.Close(), compiler.Close(ctx))
	}
	return &session{compiler: compiler, coord: coord, inst: inst, module: mod, cfg: cfg}, nil
}

func (s *session) Close(ctx context.Context) error {
	s.inst.Close()
	return multierr.Combine(s.coord.Close(), s.compiler.Close(ctx))
}
