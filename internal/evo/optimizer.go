package evo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/cwbudde/sofasweep/internal/traj"
)

// Oracle scores a trajectory. Larger scores are fitter.
//
// Implementations may present frames or sleep; the optimizer calls Evaluate
// strictly sequentially and never concurrently. The trajectory passed in is a
// private copy; the oracle must treat it as read-only input.
type Oracle interface {
	Evaluate(ctx context.Context, t traj.Trajectory, anchor traj.Vec2) (float64, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, t traj.Trajectory, anchor traj.Vec2) (float64, error)

// Evaluate calls f
func (f OracleFunc) Evaluate(ctx context.Context, t traj.Trajectory, anchor traj.Vec2) (float64, error) {
	return f(ctx, t, anchor)
}

// Checkpointer persists the elite at the end of a completed run.
type Checkpointer interface {
	SaveElite(ctx context.Context, elite traj.Trajectory, result *Result) error
}

// Observer receives progress notifications. Calls happen on the optimizer goroutine.
type Observer interface {
	IndividualEvaluated(generation, index int, score float64)
	GenerationCompleted(record GenerationRecord, elite traj.Trajectory)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) IndividualEvaluated(int, int, float64) {}
func (NopObserver) GenerationCompleted(GenerationRecord, traj.Trajectory) {}

// State is a step of the run state machine.
type State string

const (
	StateInit       State = "init"
	StateGenerating State = "generating"
	StateEvaluating State = "evaluating"
	StateSelecting  State = "selecting"
	StatePersisting State = "persisting"
	StateDone       State = "done"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// GenerationRecord summarizes the scores of one generation.
type GenerationRecord struct {
	Generation int     `json:"generation"`
	BestScore  float64 `json:"bestScore"`
	MeanScore  float64 `json:"meanScore"`
	StdDev     float64 `json:"stdDev"`
	BestIndex  int     `json:"bestIndex"`
}

// Result is the outcome of a run. On cancellation or failure it holds the
// progress made up to the last completed generation.
type Result struct {
	Elite        traj.Trajectory
	BestScore    float64
	InitialScore float64 // score of the initial elite, measured as candidate 0 of generation 0
	History      []GenerationRecord
	Evaluations  int
	State        State
	StoppedEarly bool
	Persisted    bool
	Elapsed      time.Duration
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithObserver registers a progress observer.
func WithObserver(obs Observer) Option {
	return func(o *Optimizer) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithCheckpointer sets where the final elite is persisted. Without one nothing is written.
func WithCheckpointer(c Checkpointer) Option {
	return func(o *Optimizer) {
		o.checkpointer = c
	}
}

// WithRand overrides the random source of the mutation operator.
func WithRand(rng *rand.Rand) Option {
	return func(o *Optimizer) {
		if rng != nil {
			o.rng = rng
		}
	}
}

// Optimizer runs the elitist (μ+λ) search; with one survivor it is the classic (1+λ) scheme.
type Optimizer struct {
	cfg          Config
	oracle       Oracle
	mutator      *Mutator
	rng          *rand.Rand
	seeds        []traj.Trajectory
	checkpointer Checkpointer
	observer     Observer
	stagnation   *StagnationTracker
	state        State
}

// NewOptimizer validates cfg and the initial elite and prepares a run.
func NewOptimizer(cfg Config, initial traj.Trajectory, oracle Oracle, opts ...Option) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if oracle == nil {
		return nil, &ConfigError{Field: "oracle", Reason: "cannot be nil"}
	}
	if err := initial.Validate(); err != nil {
		return nil, &ConfigError{Field: "initial", Reason: err.Error()}
	}
	if initial.Len() != cfg.TimeResolution {
		return nil, &ConfigError{
			Field:  "initial",
			Reason: fmt.Sprintf("has %d steps, time resolution is %d", initial.Len(), cfg.TimeResolution),
		}
	}

	o := &Optimizer{
		cfg:        cfg,
		oracle:     oracle,
		seeds:      []traj.Trajectory{initial.Clone()},
		observer:   NopObserver{},
		stagnation: NewStagnationTracker(cfg.Stagnation),
		state:      StateInit,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		o.rng = NewSeededRand(cfg.Seed)
	}
	o.mutator = NewMutator(cfg.Mutation, o.rng)

	return o, nil
}

// State returns the current step of the run state machine.
func (o *Optimizer) State() State {
	return o.state
}

// Elite returns a copy of the current elite.
func (o *Optimizer) Elite() traj.Trajectory {
	return o.seeds[0].Clone()
}

// Run drives all generations. Cancellation is observed before every
// evaluation; a cancelled run returns the partial result together with
// ctx.Err() and persists nothing. An oracle failure returns an
// *EvaluationError. The elite is persisted only after the final generation.
func (o *Optimizer) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{
		Elite:        o.Elite(),
		BestScore:    math.NaN(),
		InitialScore: math.NaN(),
		History:      make([]GenerationRecord, 0, o.cfg.Generations),
	}

	slog.Info("Starting optimization",
		"time_resolution", o.cfg.TimeResolution,
		"population", o.cfg.PopulationAmount,
		"survivors", o.cfg.SurviverAmount,
		"generations", o.cfg.Generations,
		"yaw_policy", o.cfg.Mutation.YawPolicy,
	)

	finish := func(state State) {
		o.state = state
		res.State = state
		res.Elapsed = time.Since(start)
	}

	for gen := 0; gen < o.cfg.Generations; gen++ {
		o.state = StateGenerating
		population, err := GenerateOffspring(o.seeds, o.cfg.PopulationAmount, o.mutator)
		if err != nil {
			finish(StateFailed)
			return res, err
		}

		o.state = StateEvaluating
		scores := make([]float64, len(population))
		for i, candidate := range population {
			if err := ctx.Err(); err != nil {
				slog.Info("Optimization cancelled", "generation", gen, "individual", i)
				finish(StateCancelled)
				return res, err
			}

			score, err := o.oracle.Evaluate(ctx, candidate.Clone(), o.cfg.Anchor)
			if err != nil {
				// A wait interrupted by cancellation is not a render failure.
				if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
					slog.Info("Optimization cancelled", "generation", gen, "individual", i)
					finish(StateCancelled)
					return res, ctx.Err()
				}
				finish(StateFailed)
				return res, &EvaluationError{Generation: gen, Index: i, Err: err}
			}
			if math.IsNaN(score) || score < 0 {
				finish(StateFailed)
				return res, &EvaluationError{Generation: gen, Index: i, Err: fmt.Errorf("%w: %v", ErrInvalidScore, score)}
			}

			scores[i] = score
			res.Evaluations++
			if gen == 0 && i == 0 {
				res.InitialScore = score
			}

			slog.Info("Evaluated individual", "generation", gen, "individual", i, "score", score)
			o.observer.IndividualEvaluated(gen, i, score)
		}

		o.state = StateSelecting
		top := SelectTop(scores, o.cfg.SurviverAmount)
		seeds := make([]traj.Trajectory, len(top))
		for r, idx := range top {
			seeds[r] = population[idx]
		}
		o.seeds = seeds

		record := GenerationRecord{
			Generation: gen,
			BestScore:  scores[top[0]],
			MeanScore:  stat.Mean(scores, nil),
			BestIndex:  top[0],
		}
		if len(scores) > 1 {
			record.StdDev = stat.StdDev(scores, nil)
		}

		res.History = append(res.History, record)
		res.Elite = o.Elite()
		res.BestScore = record.BestScore

		slog.Info("Generation complete",
			"generation", gen,
			"best_score", record.BestScore,
			"mean_score", record.MeanScore,
			"best_index", record.BestIndex,
		)
		o.observer.GenerationCompleted(record, res.Elite.Clone())

		if gen < o.cfg.Generations-1 && o.stagnation.Update(record.BestScore) {
			slog.Info("Stagnation detected - stopping early",
				"generation", gen,
				"stale_generations", o.stagnation.StaleCount(),
				"best_score", o.stagnation.BestScore(),
			)
			res.StoppedEarly = true
			break
		}
	}

	// cancelled during the last generation: the run is cancelled, not persisted
	if err := ctx.Err(); err != nil {
		slog.Info("Optimization cancelled", "generation", len(res.History)-1)
		finish(StateCancelled)
		return res, err
	}

	if o.checkpointer != nil {
		o.state = StatePersisting
		if err := o.checkpointer.SaveElite(ctx, res.Elite.Clone(), res); err != nil {
			if ctx.Err() != nil {
				finish(StateCancelled)
				return res, ctx.Err()
			}
			finish(StateFailed)
			return res, fmt.Errorf("failed to persist elite: %w", err)
		}
		res.Persisted = true
	}

	finish(StateDone)
	slog.Info("Optimization complete",
		"generations", len(res.History),
		"evaluations", res.Evaluations,
		"initial_score", res.InitialScore,
		"best_score", res.BestScore,
		"elapsed", res.Elapsed,
	)

	return res, nil
}
