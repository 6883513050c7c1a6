package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/sofasweep/internal/evo"
	"github.com/cwbudde/sofasweep/internal/fit"
	"github.com/cwbudde/sofasweep/internal/store"
	"github.com/cwbudde/sofasweep/internal/traj"
)

// imageSaver is implemented by stores that keep a rendering of the elite.
type imageSaver interface {
	SaveImage(runID string, img image.Image) error
}

// runJob executes an optimization job in the background.
// If runStore is not nil, the final elite of a completed run is persisted under the job ID.
func runJob(ctx context.Context, jm *JobManager, runStore store.Store, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}
	jobsRunning.Inc()
	defer jobsRunning.Dec()

	cfg := job.Config.Optimizer
	slog.Info("Starting job",
		"job_id", jobID,
		"time_resolution", cfg.TimeResolution,
		"generations", cfg.Generations,
		"backend", job.Config.Backend,
	)

	renderer, err := fit.NewOracleForBackend(job.Config.Backend, job.Config.Width, job.Config.Height)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	initial, err := initialElite(runStore, job.Config)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	presenter := func(frame *image.NRGBA, _ float64) {
		if frame == nil {
			return
		}
		jm.UpdateJob(jobID, func(j *Job) {
			j.frame = frame
		})
	}
	delay := time.Duration(job.Config.FrameDelayMs) * time.Millisecond
	oracle := instrumentedOracle{inner: fit.NewPacedOracle(renderer, delay, presenter)}

	opts := []evo.Option{evo.WithObserver(&jobObserver{jm: jm, jobID: jobID})}
	var checkpointer *store.RunCheckpointer
	if runStore != nil {
		checkpointer = store.NewRunCheckpointer(runStore, jobID, cfg)
		checkpointer.ParentRunID = job.Config.ResumeFrom
		opts = append(opts, evo.WithCheckpointer(checkpointer))
	}

	optimizer, err := evo.NewOptimizer(cfg, initial, oracle, opts...)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	result, err := optimizer.Run(ctx)
	if result != nil {
		recordResult(jm, jobID, result)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			markJobCancelled(jm, jobID)
			return err
		}
		markJobFailed(jm, jobID, err)
		return err
	}

	if result.Persisted {
		saveBestImage(runStore, renderer, jobID, result.Elite, cfg.Anchor)
	}

	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}
	jobsTotal.WithLabelValues(string(StateCompleted)).Inc()

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", result.Elapsed,
		"initial_score", result.InitialScore,
		"best_score", result.BestScore,
		"evaluations", result.Evaluations,
		"stopped_early", result.StoppedEarly,
	)

	jm.publish(jobID)

	return nil
}

// initialElite returns the resumed elite, or the reference sweep for a fresh run.
func initialElite(runStore store.Store, cfg JobConfig) (traj.Trajectory, error) {
	if cfg.ResumeFrom == "" {
		return traj.Sweep(cfg.Optimizer.TimeResolution), nil
	}
	if runStore == nil {
		return traj.Trajectory{}, fmt.Errorf("cannot resume %s: no run store configured", cfg.ResumeFrom)
	}

	cp, err := runStore.LoadCheckpoint(cfg.ResumeFrom, cfg.Optimizer.TimeResolution)
	if err != nil {
		return traj.Trajectory{}, fmt.Errorf("failed to load run %s: %w", cfg.ResumeFrom, err)
	}
	if err := cp.IsCompatible(cfg.Optimizer); err != nil {
		return traj.Trajectory{}, fmt.Errorf("run %s is incompatible: %w", cfg.ResumeFrom, err)
	}
	return cp.Elite, nil
}

// recordResult copies the outcome of a run into the job.
func recordResult(jm *JobManager, jobID string, result *evo.Result) {
	elite := result.Elite.Clone()
	jm.UpdateJob(jobID, func(j *Job) {
		j.Evaluations = result.Evaluations
		j.Persisted = result.Persisted
		if !math.IsNaN(result.InitialScore) {
			j.InitialScore = result.InitialScore
		}
		// scores are undefined until the first generation completes
		if n := len(result.History); n > 0 {
			j.elite = &elite
			j.BestScore = result.BestScore
			j.History = append([]evo.GenerationRecord(nil), result.History...)
			j.Generation = result.History[n-1].Generation
		}
	})
}

// saveBestImage stores a rendering of the persisted elite next to its checkpoint.
func saveBestImage(runStore store.Store, renderer fit.Renderer, jobID string, elite traj.Trajectory, anchor traj.Vec2) {
	saver, ok := runStore.(imageSaver)
	if !ok {
		return
	}
	frame, err := renderer.Render(elite, anchor)
	if err != nil {
		slog.Warn("Failed to render best image", "job_id", jobID, "error", err)
		return
	}
	if err := saver.SaveImage(jobID, frame); err != nil {
		slog.Warn("Failed to save best image", "job_id", jobID, "error", err)
	}
}

// jobObserver mirrors optimizer progress into the job and its subscribers.
type jobObserver struct {
	evo.NopObserver
	jm          *JobManager
	jobID       string
	evaluations int
}

func (o *jobObserver) IndividualEvaluated(generation, index int, score float64) {
	o.evaluations++
	if generation == 0 && index == 0 {
		o.jm.UpdateJob(o.jobID, func(j *Job) {
			j.InitialScore = score
		})
	}
}

func (o *jobObserver) GenerationCompleted(rec evo.GenerationRecord, elite traj.Trajectory) {
	e := elite.Clone()
	o.jm.UpdateJob(o.jobID, func(j *Job) {
		j.Generation = rec.Generation
		j.Evaluations = o.evaluations
		j.BestScore = rec.BestScore
		j.History = append(j.History, rec)
		j.elite = &e
	})

	generationsTotal.Inc()
	bestScore.WithLabelValues(o.jobID).Set(rec.BestScore)

	o.jm.publish(o.jobID)
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	jobsTotal.WithLabelValues(string(StateFailed)).Inc()
	slog.Error("Job failed", "job_id", jobID, "error", err)

	jm.publish(jobID)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	jobsTotal.WithLabelValues(string(StateCancelled)).Inc()
	slog.Info("Job cancelled", "job_id", jobID)

	jm.publish(jobID)
}
