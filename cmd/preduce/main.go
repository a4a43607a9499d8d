// Command preduce drives a parallel test-case reduction: it repeatedly
// asks one or more reducer programs to shrink a test case and keeps
// whichever candidates a predicate program still judges interesting,
// until no reducer (alone or merged with another's result) can shrink it
// further.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bradleyjkemp/preduce/internal/orchestrator"
)

var (
	flagWorkers    int
	flagTimeout    int
	flagNoShuffle  bool
	flagOut        string
	flagConfig     string
	flagVerbose    bool
	flagWorkDir    string
	flagNoReVerify bool

	zapLogger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "preduce <initial-test-case> <predicate> <reducer>...",
	Short: "Parallel test-case reduction orchestrator",
	Long: `preduce shrinks a test case that triggers some behavior (a crash, a
compiler diagnostic, a slow code path) down to a small one that still
triggers it, by running one or more reducer programs and a predicate
program as opaque subprocesses in parallel.`,
	Args:          cobra.MinimumNArgs(3),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if flagVerbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := zc.Build()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		zapLogger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if zapLogger != nil {
			_ = zapLogger.Sync()
		}
	},
	RunE: run,
}

func init() {
	rootCmd.Flags().IntVar(&flagWorkers, "workers", 0, "number of parallel predicate workers (0 = number of CPUs)")
	rootCmd.Flags().IntVar(&flagTimeout, "timeout", 10, "predicate timeout, in seconds")
	rootCmd.Flags().BoolVar(&flagNoShuffle, "no-shuffle", false, "disable shuffling a reducer's candidates within a small window")
	rootCmd.Flags().StringVar(&flagOut, "out", "", "path to write the final head to (default: overwrite the initial test case)")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "optional YAML file supplying scheduler config")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug-level logging")
	rootCmd.Flags().StringVar(&flagWorkDir, "workdir", "", "persistent working directory (default: a temp dir, removed on exit)")
	rootCmd.Flags().BoolVar(&flagNoReVerify, "no-reverify", false, "skip re-judging a new head before committing to it")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, formatFatal(err))
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	initialPath, predicateBin := args[0], args[1]
	reducerPaths := args[2:]

	workDir := flagWorkDir
	cleanup := func() {}
	if workDir == "" {
		dir, err := os.MkdirTemp("", "preduce-")
		if err != nil {
			return fmt.Errorf("creating working directory: %w", err)
		}
		workDir = dir
		cleanup = func() { os.RemoveAll(dir) }
	}
	defer cleanup()

	cfg := orchestrator.DefaultConfig(workDir)

	if flagConfig != "" {
		fc, err := loadFileConfig(flagConfig)
		if err != nil {
			return err
		}
		applyFileConfig(&cfg, fc)
	}

	// Flags only override what the user actually typed, so an unset flag
	// never clobbers a value the config file just supplied.
	flags := cmd.Flags()
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}
	if flags.Changed("timeout") {
		cfg.PredicateTimeout = secondsToDuration(flagTimeout)
	}
	if flags.Changed("no-shuffle") {
		cfg.Shuffle = !flagNoShuffle
	}
	if flags.Changed("no-reverify") {
		cfg.ReVerify = !flagNoReVerify
	}
	if flagVerbose {
		cfg.Verbose = 1
	}

	reducers := make([]orchestrator.ReducerProgram, len(reducerPaths))
	for i, p := range reducerPaths {
		reducers[i] = orchestrator.ReducerProgram{Name: fmt.Sprintf("reducer%d", i), Path: p}
	}

	stdLogger := log.New(os.Stderr, "preduce: ", log.LstdFlags)
	sched, err := orchestrator.New(cfg, reducers, predicateBin, stdLogger)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	zapLogger.Info("starting reduction",
		zap.String("initial_test_case", initialPath),
		zap.Int("reducers", len(reducers)),
		zap.Int("workers", cfg.Workers),
	)

	initialInfo, err := os.Stat(initialPath)
	if err != nil {
		return fmt.Errorf("reading initial test case: %w", err)
	}

	head, err := sched.Run(context.Background(), initialPath)
	if err != nil {
		return err
	}

	outPath := flagOut
	if outPath == "" {
		outPath = initialPath
	}
	data, err := os.ReadFile(sched.Store().Path(head))
	if err != nil {
		return fmt.Errorf("reading final head: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("writing final head to %s: %w", outPath, err)
	}

	zapLogger.Info("fixpoint reached",
		zap.Int64("initial_size", initialInfo.Size()),
		zap.Int64("final_size", head.Size),
		zap.String("out", outPath),
	)
	fmt.Fprint(os.Stderr, formatSummary(initialInfo.Size(), head))
	return nil
}

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}
