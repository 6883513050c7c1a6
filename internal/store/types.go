package store

import (
	"fmt"
	"time"

	"github.com/cwbudde/sofasweep/internal/evo"
	"github.com/cwbudde/sofasweep/internal/traj"
)

// Checkpoint is the persisted outcome of a run: the elite trajectory plus
// the metadata needed to resume from it.
//
// The elite itself lives in yaw.bin and offset.bin; checkpoint.json carries
// everything else. Only the elite is saved, never the population: a resumed
// run rebuilds its population from the elite the same way a fresh run
// builds it from the default trajectory.
type Checkpoint struct {
	// RunID is the unique identifier of the run that produced this checkpoint
	RunID string `json:"runId"`

	// Elite is the best trajectory found. Not part of checkpoint.json.
	Elite traj.Trajectory `json:"-"`

	// BestScore is the fitness of Elite (uncovered pixels)
	BestScore float64 `json:"bestScore"`

	// InitialScore is the fitness of the trajectory the run started from
	InitialScore float64 `json:"initialScore"`

	// Generations is the number of completed generations
	Generations int `json:"generations"`

	// Evaluations is the number of oracle calls made
	Evaluations int `json:"evaluations"`

	// TimeResolution is the length of Elite, duplicated so listings need not read the binaries
	TimeResolution int `json:"timeResolution"`

	// ParentRunID names the checkpoint this run was resumed from, if any
	ParentRunID string `json:"parentRunId,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	Config evo.Config `json:"config"`
}

// CheckpointInfo contains checkpoint metadata without the trajectory.
type CheckpointInfo struct {
	RunID          string    `json:"runId"`
	BestScore      float64   `json:"bestScore"`
	InitialScore   float64   `json:"initialScore"`
	Generations    int       `json:"generations"`
	TimeResolution int       `json:"timeResolution"`
	ParentRunID    string    `json:"parentRunId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewCheckpoint builds a checkpoint from a finished run.
func NewCheckpoint(runID string, elite traj.Trajectory, res *evo.Result, cfg evo.Config) *Checkpoint {
	cp := &Checkpoint{
		RunID:          runID,
		Elite:          elite.Clone(),
		TimeResolution: elite.Len(),
		Timestamp:      time.Now(),
		Config:         cfg,
	}
	if res != nil {
		cp.BestScore = res.BestScore
		cp.InitialScore = res.InitialScore
		cp.Generations = len(res.History)
		cp.Evaluations = res.Evaluations
	}
	return cp
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		RunID:          c.RunID,
		BestScore:      c.BestScore,
		InitialScore:   c.InitialScore,
		Generations:    c.Generations,
		TimeResolution: c.TimeResolution,
		ParentRunID:    c.ParentRunID,
		Timestamp:      c.Timestamp,
	}
}

// Improvement returns the gain of the best score over the initial one.
func (c *Checkpoint) Improvement() float64 {
	return c.BestScore - c.InitialScore
}

// Validate checks if the checkpoint has valid data.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if c.Elite.Len() == 0 {
		return &ValidationError{Field: "Elite", Reason: "cannot be empty"}
	}
	if err := c.Elite.Validate(); err != nil {
		return &ValidationError{Field: "Elite", Reason: err.Error()}
	}
	if c.TimeResolution != c.Elite.Len() {
		return &ValidationError{
			Field:  "TimeResolution",
			Reason: fmt.Sprintf("is %d but elite has %d steps", c.TimeResolution, c.Elite.Len()),
		}
	}
	if c.BestScore < 0 {
		return &ValidationError{Field: "BestScore", Reason: "cannot be negative"}
	}
	if c.Generations < 0 {
		return &ValidationError{Field: "Generations", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this checkpoint can seed a run with the given config.
// Mutation ranges and population sizes may differ between runs; the time
// resolution and the anchor may not.
func (c *Checkpoint) IsCompatible(cfg evo.Config) error {
	if c.TimeResolution != cfg.TimeResolution {
		return &MismatchError{Artifact: "checkpoint", Expected: cfg.TimeResolution, Actual: uint64(c.TimeResolution)}
	}
	if c.Config.Anchor != cfg.Anchor {
		return &CompatibilityError{
			Field:    "Anchor",
			Expected: fmt.Sprintf("%v", c.Config.Anchor),
			Actual:   fmt.Sprintf("%v", cfg.Anchor),
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
