package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
	"golang.org/x/tools/go/ssa"

	"github.com/kestrel-sym/kestrel"
	"github.com/kestrel-sym/kestrel/loader"
	"github.com/kestrel-sym/kestrel/z3"
)

type runOptions struct {
	prefix        string
	outDir        string
	search        string
	seed          int64
	maxForks      int
	maxDepth      int
	maxInstrs     int
	maxTime       time.Duration
	solverTimeout time.Duration
	cachePath     string
	externals     string
	exitOnError   bool
	emitAllErrors bool
	onlyCoverNew  bool
	symAddrFatal  bool
	trace         bool
	verbose       bool
}

func newRunCommand() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run [package]",
		Short: "Symbolically execute matching functions in a package",
		Long: `Run loads the given package, lowers every function whose name starts
with the symbolic prefix, and explores each one. Test cases are written under
the output directory, one subdirectory per function.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), args[0], &opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.prefix, "prefix", loader.DefaultSymbolicPrefix, "function name prefix to explore")
	fs.StringVarP(&opts.outDir, "out", "o", "kestrel-out", "output directory for test cases")
	fs.StringVar(&opts.search, "search", "random-path", "search strategy (dfs, bfs, random, random-path, coverage, interleaved)")
	fs.Int64Var(&opts.seed, "seed", 1, "random seed for stochastic searchers")
	fs.IntVar(&opts.maxForks, "max-forks", 0, "fork budget, 0 for unlimited")
	fs.IntVar(&opts.maxDepth, "max-depth", 0, "branch depth budget, 0 for unlimited")
	fs.IntVar(&opts.maxInstrs, "max-instructions", 0, "instruction budget across all states, 0 for unlimited")
	fs.DurationVar(&opts.maxTime, "max-time", 0, "wall clock budget, 0 for unlimited")
	fs.DurationVar(&opts.solverTimeout, "solver-timeout", 30*time.Second, "per-query solver timeout")
	fs.StringVar(&opts.cachePath, "cache", "", "path to the on-disk query cache")
	fs.StringVar(&opts.externals, "externals", "concrete", "external call policy (concrete, none, all)")
	fs.BoolVar(&opts.exitOnError, "exit-on-error", false, "halt exploration at the first error")
	fs.BoolVar(&opts.emitAllErrors, "emit-all-errors", false, "emit a test case for every errored path, not one per location")
	fs.BoolVar(&opts.onlyCoverNew, "only-cover-new", false, "emit non-error test cases only for paths that covered new instructions")
	fs.BoolVar(&opts.symAddrFatal, "symbolic-address-fatal", false, "treat memory operations on symbolic addresses as errors")
	fs.BoolVar(&opts.trace, "trace", false, "log every executed instruction")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")

	return cmd
}

func runRun(ctx context.Context, pattern string, opts *runOptions) error {
	log.SetFlags(0)
	if !opts.verbose && !opts.trace {
		log.SetOutput(io.Discard)
	}

	config, err := buildConfig(opts)
	if err != nil {
		return err
	}

	prog, err := loader.Load(pattern)
	if err != nil {
		return err
	}
	fns := prog.SymbolicFunctions(opts.prefix)
	if len(fns) == 0 {
		return fmt.Errorf("no functions matching prefix %q in %s", opts.prefix, pattern)
	}

	for _, fn := range fns {
		if err := runFunction(ctx, prog, fn.Name(), fn, config); err != nil {
			return fmt.Errorf("%s: %w", fn.Name(), err)
		}
	}
	return nil
}

func runFunction(ctx context.Context, prog *loader.Program, name string, fn *ssa.Function, config kestrel.Config) error {
	mod, err := prog.Lower(fn)
	if err != nil {
		return err
	}
	entry := mod.Function(mod.Entry)

	raw := z3.NewSolver()
	defer raw.Close()

	config.OutputDir = filepath.Join(config.OutputDir, name)
	handler, err := kestrel.NewFileTestHandler(config.OutputDir)
	if err != nil {
		return err
	}

	e := kestrel.NewExecutor(mod, entry, raw, config)
	defer e.Solver().Close()

	cases := 0
	errored := 0
	e.TestHandler = func(tc *kestrel.TestCase) {
		cases++
		if tc.Errored {
			errored++
			fmt.Fprintf(os.Stderr, "%s: %s: %s (%s)\n", name, tc.Reason, tc.Message, tc.Location)
		}
		if config.TraceInstrs {
			spew.Fdump(os.Stderr, tc)
		}
		handler(tc)
	}

	start := time.Now()
	if err := e.Run(ctx); err != nil && err != context.Canceled {
		return err
	}

	forks, paths, instrs := e.Stats()
	fmt.Printf("%s: %d test cases (%d errors), %d paths, %d forks, %d instructions, %s\n",
		name, cases, errored, paths, forks, instrs, time.Since(start).Round(time.Millisecond))
	return nil
}

func buildConfig(opts *runOptions) (kestrel.Config, error) {
	config := kestrel.Config{
		MaxForks:             opts.maxForks,
		MaxDepth:             opts.maxDepth,
		MaxInstructions:      opts.maxInstrs,
		MaxTime:              opts.maxTime,
		MaxSolverTime:        opts.solverTimeout,
		Seed:                 opts.seed,
		CachePath:            opts.cachePath,
		OutputDir:            opts.outDir,
		EmitAllErrors:        opts.emitAllErrors,
		OnlyCoverNew:         opts.onlyCoverNew,
		SymbolicAddressFatal: opts.symAddrFatal,
		TraceInstrs:          opts.trace,
	}

	switch opts.search {
	case "dfs":
		config.Search = kestrel.SearchDFS
	case "bfs":
		config.Search = kestrel.SearchBFS
	case "random":
		config.Search = kestrel.SearchRandom
	case "random-path":
		config.Search = kestrel.SearchRandomPath
	case "coverage":
		config.Search = kestrel.SearchCoverage
	case "interleaved":
		config.Search = kestrel.SearchInterleaved
	default:
		return config, fmt.Errorf("unknown search strategy: %s", opts.search)
	}

	switch opts.externals {
	case "concrete":
		config.Externals = kestrel.ExternalCallsConcrete
	case "none":
		config.Externals = kestrel.ExternalCallsNone
	case "all":
		config.Externals = kestrel.ExternalCallsAll
	default:
		return config, fmt.Errorf("unknown externals policy: %s", opts.externals)
	}

	if opts.exitOnError {
		config.ExitOn = []kestrel.TerminateReason{
			kestrel.TerminateAbort, kestrel.TerminateAssert, kestrel.TerminateExec,
			kestrel.TerminateFree, kestrel.TerminatePtr, kestrel.TerminateReadOnly,
			kestrel.TerminateReportError, kestrel.TerminateOverflow,
		}
	}
	return config, nil
}
