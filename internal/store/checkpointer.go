package store

import (
	"context"
	"fmt"

	"github.com/cwbudde/sofasweep/internal/evo"
	"github.com/cwbudde/sofasweep/internal/traj"
)

// RunCheckpointer persists the final elite of one run into a Store.
// It implements evo.Checkpointer.
type RunCheckpointer struct {
	Store       Store
	RunID       string
	ParentRunID string
	Config      evo.Config

	// Saved holds the checkpoint written by the last successful SaveElite.
	Saved *Checkpoint
}

// NewRunCheckpointer binds a store to a run.
func NewRunCheckpointer(s Store, runID string, cfg evo.Config) *RunCheckpointer {
	return &RunCheckpointer{Store: s, RunID: runID, Config: cfg}
}

// SaveElite writes elite and the run summary as the checkpoint of the run.
func (c *RunCheckpointer) SaveElite(ctx context.Context, elite traj.Trajectory, res *evo.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cp := NewCheckpoint(c.RunID, elite, res, c.Config)
	cp.ParentRunID = c.ParentRunID
	if err := c.Store.SaveCheckpoint(c.RunID, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint for run %s: %w", c.RunID, err)
	}
	c.Saved = cp
	return nil
}
