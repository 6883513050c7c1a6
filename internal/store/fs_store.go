package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/cwbudde/sofasweep/internal/traj"
)

const (
	yawFile        = "yaw.bin"
	offsetFile     = "offset.bin"
	checkpointFile = "checkpoint.json"
	bestImageFile  = "best.png"
	traceFile      = "trace.jsonl"
)

// FSStore implements the Store interface using filesystem-based persistence.
// Checkpoints are stored in a directory structure: <baseDir>/runs/<runID>/
//
// Thread-safety: every artifact is written with temp file + rename and
// checkpoint.json is renamed last, so readers never observe a checkpoint
// whose binaries are missing. Concurrent saves of the same runID race on
// the final renames and the last writer wins.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

// RunDir returns the directory holding the artifacts of a run.
func (fs *FSStore) RunDir(runID string) string {
	return filepath.Join(fs.baseDir, "runs", runID)
}

// BestImagePath returns where the best-frame snapshot of a run is stored.
func (fs *FSStore) BestImagePath(runID string) string {
	return filepath.Join(fs.RunDir(runID), bestImageFile)
}

func (fs *FSStore) artifactPath(runID, name string) string {
	return filepath.Join(fs.RunDir(runID), name)
}

// SaveCheckpoint atomically saves the elite binaries and metadata of a run.
func (fs *FSStore) SaveCheckpoint(runID string, checkpoint *Checkpoint) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("refusing to save checkpoint: %w", err)
	}

	runDir := fs.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	var yawBuf, offsetBuf bytes.Buffer
	if err := WriteYaw(&yawBuf, checkpoint.Elite.Yaw); err != nil {
		return err
	}
	if err := WriteOffsets(&offsetBuf, checkpoint.Elite.Offset); err != nil {
		return err
	}
	meta, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	// checkpoint.json goes last: its presence marks a complete checkpoint
	artifacts := []struct {
		name string
		data []byte
	}{
		{yawFile, yawBuf.Bytes()},
		{offsetFile, offsetBuf.Bytes()},
		{checkpointFile, meta},
	}

	temps := make([]string, 0, len(artifacts))
	cleanup := func() {
		for _, p := range temps {
			os.Remove(p)
		}
	}

	for _, a := range artifacts {
		tempPath := fs.artifactPath(runID, a.name) + ".tmp"
		if err := os.WriteFile(tempPath, a.data, 0644); err != nil {
			cleanup()
			return fmt.Errorf("failed to write temp %s: %w", a.name, err)
		}
		temps = append(temps, tempPath)
	}

	for i, a := range artifacts {
		if err := os.Rename(temps[i], fs.artifactPath(runID, a.name)); err != nil {
			cleanup()
			return fmt.Errorf("failed to rename %s: %w", a.name, err)
		}
	}

	slog.Debug("Checkpoint saved", "runID", runID, "path", runDir, "steps", checkpoint.TimeResolution)
	return nil
}

// LoadCheckpoint retrieves the checkpoint for the given run and checks that
// the stored elite has expectedSteps steps (or any length with AnyLength).
func (fs *FSStore) LoadCheckpoint(runID string, expectedSteps int) (*Checkpoint, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}

	path := fs.artifactPath(runID, checkpointFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{RunID: runID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w: %w", ErrCorrupt, err)
	}

	elite, err := fs.loadElite(runID, expectedSteps)
	if err != nil {
		return nil, err
	}
	if checkpoint.TimeResolution != elite.Len() {
		return nil, &MismatchError{Artifact: checkpointFile, Expected: elite.Len(), Actual: uint64(checkpoint.TimeResolution)}
	}
	checkpoint.Elite = elite

	slog.Debug("Checkpoint loaded", "runID", runID, "path", path, "steps", elite.Len())
	return &checkpoint, nil
}

func (fs *FSStore) loadElite(runID string, expectedSteps int) (traj.Trajectory, error) {
	yawF, err := os.Open(fs.artifactPath(runID, yawFile))
	if err != nil {
		return traj.Trajectory{}, fmt.Errorf("failed to open %s: %w", yawFile, err)
	}
	defer yawF.Close()

	offsetF, err := os.Open(fs.artifactPath(runID, offsetFile))
	if err != nil {
		return traj.Trajectory{}, fmt.Errorf("failed to open %s: %w", offsetFile, err)
	}
	defer offsetF.Close()

	return ReadTrajectory(yawF, offsetF, expectedSteps)
}

// ListCheckpoints returns metadata for all available checkpoints, newest first.
func (fs *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	runsDir := filepath.Join(fs.baseDir, "runs")

	entries, err := os.ReadDir(runsDir)
	if os.IsNotExist(err) {
		return []CheckpointInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		runID := entry.Name()
		data, err := os.ReadFile(fs.artifactPath(runID, checkpointFile))
		if os.IsNotExist(err) {
			continue // run without a completed checkpoint
		} else if err != nil {
			slog.Warn("Failed to read checkpoint for listing", "runID", runID, "error", err)
			continue
		}

		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			slog.Warn("Skipping corrupted checkpoint", "runID", runID, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})

	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// DeleteCheckpoint removes the run directory and all its artifacts.
func (fs *FSStore) DeleteCheckpoint(runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}

	runDir := fs.RunDir(runID)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return &NotFoundError{RunID: runID}
	} else if err != nil {
		return fmt.Errorf("failed to stat run directory: %w", err)
	}

	if err := os.RemoveAll(runDir); err != nil {
		return fmt.Errorf("failed to remove run directory: %w", err)
	}

	slog.Debug("Checkpoint deleted", "runID", runID, "path", runDir)
	return nil
}

// SaveImage writes img as best.png of the run, atomically.
func (fs *FSStore) SaveImage(runID string, img image.Image) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	if err := os.MkdirAll(fs.RunDir(runID), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	finalPath := fs.BestImagePath(runID)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write temp image: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename image: %w", err)
	}
	return nil
}
