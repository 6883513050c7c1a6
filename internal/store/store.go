package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Store defines the interface for checkpoint persistence operations.
// Implementations must be thread-safe and handle concurrent access gracefully.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if checkpoint doesn't exist (for Load/Delete)
//   - Return an error wrapping ErrInconsistent when stored data disagrees with the expected shape
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveCheckpoint atomically saves the elite and metadata of a run.
	// If a checkpoint already exists for this runID, it is overwritten.
	// Every artifact is written to a temp file and renamed into place, so a
	// failed save never leaves a half-written checkpoint behind.
	SaveCheckpoint(runID string, checkpoint *Checkpoint) error

	// LoadCheckpoint retrieves the checkpoint for the given run.
	// expectedSteps is the configured time resolution; a stored elite of a
	// different length is reported as a *MismatchError, never truncated or padded.
	// Pass AnyLength to accept the stored length.
	// Returns ErrNotFound if no checkpoint exists for this runID.
	LoadCheckpoint(runID string, expectedSteps int) (*Checkpoint, error)

	// ListCheckpoints returns metadata for all available checkpoints.
	// The returned slice may be empty if no checkpoints exist.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the checkpoint and all associated artifacts
	// for the given run:
	//   - checkpoint.json
	//   - yaw.bin, offset.bin
	//   - best.png
	//   - trace.jsonl
	//
	// Returns ErrNotFound if no checkpoint exists for this runID.
	DeleteCheckpoint(runID string) error
}

// ErrNotFound is returned when a requested checkpoint does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint error.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "checkpoint not found: " + e.RunID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ErrInvalidRunID is returned for run IDs that would escape the run directory.
var ErrInvalidRunID = errors.New("invalid run id")

// ValidateRunID checks that runID names a single directory below runs/.
func ValidateRunID(runID string) error {
	if runID == "" || runID == "." || runID == ".." ||
		strings.ContainsAny(runID, `/\`) || !filepath.IsLocal(runID) {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return nil
}
