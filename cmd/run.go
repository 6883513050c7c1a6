package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/sofasweep/internal/evo"
	"github.com/cwbudde/sofasweep/internal/fit"
	"github.com/cwbudde/sofasweep/internal/store"
	"github.com/cwbudde/sofasweep/internal/traj"
)

// runOptions holds the flags of the run command.
type runOptions struct {
	configPath     string
	timeResolution int
	population     int
	survivors      int
	generations    int
	seed           uint64
	yawPolicy      string
	anchorX        float64
	anchorY        float64
	patience       int
	threshold      float64

	backend    string
	width      int
	height     int
	frameDelay time.Duration

	resumeFrom      string
	fallbackDefault bool
	noPersist       bool
	outPath         string
	dataDir         string
}

var runOpts runOptions

var runCmd = newRunCmd(&runOpts)

func newRunCmd(o *runOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a trajectory optimization",
		Long: `Runs the elitist evolutionary search and stores the best trajectory as a
checkpoint under <data-dir>/runs/<run-id>/. Interrupting the run (Ctrl-C)
stops it before the next evaluation and writes nothing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimization(cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "YAML config file; flags override its values")
	f.IntVar(&o.timeResolution, "time-resolution", 100, "Number of time steps per trajectory")
	f.IntVar(&o.population, "population", 10, "Candidates evaluated per generation")
	f.IntVar(&o.survivors, "survivors", 1, "Top candidates kept as parents")
	f.IntVar(&o.generations, "generations", 100, "Number of generations")
	f.Uint64Var(&o.seed, "seed", 0, "Random seed (0 = fresh entropy)")
	f.StringVar(&o.yawPolicy, "yaw-policy", string(evo.YawApply), "Yaw mutation policy: apply, inert")
	f.Float64Var(&o.anchorX, "anchor-x", 0, "Rotation anchor X")
	f.Float64Var(&o.anchorY, "anchor-y", 0, "Rotation anchor Y")
	f.IntVar(&o.patience, "patience", 0, "Stop after N generations without improvement (0 = never)")
	f.Float64Var(&o.threshold, "threshold", 0.001, "Minimum relative improvement counted as progress")

	f.StringVar(&o.backend, "backend", string(fit.BackendCPU), "Renderer backend")
	f.IntVar(&o.width, "width", fit.DefaultWidth, "Canvas width in pixels")
	f.IntVar(&o.height, "height", fit.DefaultHeight, "Canvas height in pixels")
	f.DurationVar(&o.frameDelay, "frame-delay", 0, "Minimum time per evaluation (0 = unpaced)")

	f.StringVar(&o.resumeFrom, "from", "", "Resume from the checkpoint of this run ID")
	f.BoolVar(&o.fallbackDefault, "fallback-default", false, "Start from the default trajectory if the checkpoint cannot be loaded")
	f.BoolVar(&o.noPersist, "no-persist", false, "Do not store a checkpoint")
	f.StringVar(&o.outPath, "out", "", "Also write the best frame to this PNG path")

	return cmd
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOptimization(cmd *cobra.Command, o *runOptions) error {
	o.dataDir = dataDir

	runStore, err := store.NewFSStore(o.dataDir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	cfg, err := resolveConfig(cmd, o, runStore)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := executeRun(ctx, cfg, o, runStore)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(cmd.OutOrStdout(), "Run cancelled after %d evaluations; nothing written.\n", outcome.result.Evaluations)
		return nil
	}
	if err != nil {
		return err
	}

	printReport(cmd.OutOrStdout(), outcome, o)
	return nil
}

// resolveConfig builds the run configuration. The base is the YAML file, else the
// resumed run's stored config, else the defaults; explicitly set flags win.
func resolveConfig(cmd *cobra.Command, o *runOptions, runStore store.Store) (evo.Config, error) {
	flags := cmd.Flags()

	var cfg evo.Config
	switch {
	case o.configPath != "":
		loaded, err := evo.LoadConfig(o.configPath, o.timeResolution)
		if err != nil {
			return evo.Config{}, err
		}
		cfg = loaded
	case o.resumeFrom != "":
		cfg = evo.DefaultConfig(o.timeResolution)
		cp, err := runStore.LoadCheckpoint(o.resumeFrom, store.AnyLength)
		if err == nil {
			cfg = cp.Config
		} else if !o.fallbackDefault {
			return evo.Config{}, fmt.Errorf("failed to load run %s: %w", o.resumeFrom, err)
		}
	default:
		cfg = evo.DefaultConfig(o.timeResolution)
	}

	if flags.Changed("time-resolution") {
		cfg = cfg.WithTimeResolution(o.timeResolution)
		steps := float64(cfg.TimeResolution)
		if cfg.Mutation.YawSpread.Max > steps || cfg.Mutation.OffsetSpread.Max > steps {
			slog.Warn("Bump spread exceeds the time resolution",
				"time_resolution", cfg.TimeResolution,
				"yaw_spread_max", cfg.Mutation.YawSpread.Max,
				"offset_spread_max", cfg.Mutation.OffsetSpread.Max,
			)
		}
	}
	if flags.Changed("population") {
		cfg.PopulationAmount = o.population
	}
	if flags.Changed("survivors") {
		cfg.SurviverAmount = o.survivors
	}
	if flags.Changed("generations") {
		cfg.Generations = o.generations
	}
	if flags.Changed("seed") {
		cfg.Seed = o.seed
	}
	if flags.Changed("yaw-policy") {
		cfg.Mutation.YawPolicy = evo.YawPolicy(o.yawPolicy)
	}
	if flags.Changed("anchor-x") {
		cfg.Anchor.X = o.anchorX
	}
	if flags.Changed("anchor-y") {
		cfg.Anchor.Y = o.anchorY
	}
	if flags.Changed("patience") {
		cfg.Stagnation.Enabled = o.patience > 0
		cfg.Stagnation.Patience = o.patience
	}
	if flags.Changed("threshold") {
		cfg.Stagnation.Threshold = o.threshold
	}

	if err := cfg.Validate(); err != nil {
		return evo.Config{}, err
	}
	return cfg, nil
}

// initialTrajectory returns the elite a run starts from. A checkpoint that cannot be
// loaded is fatal unless fallback is requested.
func initialTrajectory(runStore store.Store, cfg evo.Config, o *runOptions) (traj.Trajectory, error) {
	if o.resumeFrom == "" {
		return traj.Sweep(cfg.TimeResolution), nil
	}

	cp, err := runStore.LoadCheckpoint(o.resumeFrom, cfg.TimeResolution)
	if err == nil {
		err = cp.IsCompatible(cfg)
	}
	if err != nil {
		if !o.fallbackDefault {
			return traj.Trajectory{}, fmt.Errorf("cannot resume from %s: %w", o.resumeFrom, err)
		}
		slog.Warn("Checkpoint unusable, starting from default trajectory", "run_id", o.resumeFrom, "error", err)
		return traj.Sweep(cfg.TimeResolution), nil
	}

	slog.Info("Resuming from checkpoint", "run_id", o.resumeFrom, "best_score", cp.BestScore, "generations", cp.Generations)
	return cp.Elite, nil
}

// runOutcome is what a finished run reports.
type runOutcome struct {
	runID    string
	result   *evo.Result
	coverage fit.Coverage
	runDir   string
}

// executeRun drives one optimization. On cancellation or failure the partially
// written run directory is removed and the partial result is returned with the error.
func executeRun(ctx context.Context, cfg evo.Config, o *runOptions, runStore *store.FSStore) (*runOutcome, error) {
	outcome := &runOutcome{runID: uuid.New().String(), result: &evo.Result{}}

	initial, err := initialTrajectory(runStore, cfg, o)
	if err != nil {
		return outcome, err
	}

	renderer, err := fit.NewOracleForBackend(o.backend, o.width, o.height)
	if err != nil {
		return outcome, err
	}
	var oracle evo.Oracle = renderer
	if o.frameDelay > 0 {
		oracle = fit.NewPacedOracle(renderer, o.frameDelay, nil)
	}

	var opts []evo.Option
	var trace *store.TraceWriter
	var traceObs *store.TraceObserver
	if !o.noPersist {
		trace, err = store.NewTraceWriter(runStore.BaseDir(), outcome.runID, false)
		if err != nil {
			return outcome, err
		}
		traceObs = store.NewTraceObserver(trace)
		slog.Debug("Tracing generations", "run_id", outcome.runID, "path", trace.Path())

		checkpointer := store.NewRunCheckpointer(runStore, outcome.runID, cfg)
		checkpointer.ParentRunID = o.resumeFrom
		opts = append(opts, evo.WithObserver(traceObs), evo.WithCheckpointer(checkpointer))
	}

	optimizer, err := evo.NewOptimizer(cfg, initial, oracle, opts...)
	if err != nil {
		discardRun(runStore, trace, outcome.runID)
		return outcome, err
	}

	slog.Info("Starting run", "run_id", outcome.runID, "backend", o.backend, "width", o.width, "height", o.height)
	result, err := optimizer.Run(ctx)
	if result != nil {
		outcome.result = result
	}
	if err != nil {
		discardRun(runStore, trace, outcome.runID)
		return outcome, err
	}

	outcome.coverage = fit.NewCoverage(result.BestScore, o.width, o.height)

	if trace != nil {
		if err := trace.Close(); err != nil {
			slog.Warn("Failed to close trace", "run_id", outcome.runID, "error", err)
		}
		if err := traceObs.Err(); err != nil {
			slog.Warn("Trace incomplete", "run_id", outcome.runID, "error", err)
		}
	}

	frame, err := renderer.Render(result.Elite, cfg.Anchor)
	if err != nil {
		return outcome, fmt.Errorf("failed to render best frame: %w", err)
	}
	if result.Persisted {
		outcome.runDir = runStore.RunDir(outcome.runID)
		if err := runStore.SaveImage(outcome.runID, frame); err != nil {
			slog.Warn("Failed to save best image", "run_id", outcome.runID, "error", err)
		}
	}
	if o.outPath != "" {
		if err := writePNG(o.outPath, frame); err != nil {
			return outcome, err
		}
	}

	return outcome, nil
}

// discardRun removes whatever a failed or cancelled run already wrote.
func discardRun(runStore *store.FSStore, trace *store.TraceWriter, runID string) {
	if trace == nil {
		return
	}
	trace.Close()
	if err := runStore.DeleteCheckpoint(runID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Failed to remove partial run", "run_id", runID, "error", err)
	}
}

// writePNG encodes img to path.
func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return f.Close()
}

func printReport(w io.Writer, outcome *runOutcome, o *runOptions) {
	res := outcome.result

	fmt.Fprintln(w, "Generation history:")
	for _, rec := range res.History {
		fmt.Fprintf(w, "  gen %4d  best %10.0f  mean %12.2f  std %10.2f\n",
			rec.Generation, rec.BestScore, rec.MeanScore, rec.StdDev)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Score: %.0f -> %.0f (%d evaluations in %s)\n",
		res.InitialScore, res.BestScore, res.Evaluations, res.Elapsed.Round(time.Millisecond))
	if res.StoppedEarly {
		fmt.Fprintf(w, "Stopped early after %d generations: no significant improvement\n", len(res.History))
	}
	fmt.Fprintf(w, "Fraction remaining: %.6f\n", outcome.coverage.Fraction())
	fmt.Fprintf(w, "Percentage remaining: %.4f%%\n", outcome.coverage.Percentage())

	if outcome.runDir != "" {
		fmt.Fprintf(w, "Run %s saved to %s\n", outcome.runID, outcome.runDir)
	}
	if o.outPath != "" {
		fmt.Fprintf(w, "Wrote %s\n", o.outPath)
	}
}
