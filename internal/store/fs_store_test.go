package store

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/sofasweep/internal/evo"
	"github.com/cwbudde/sofasweep/internal/traj"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}

	return store, tempDir
}

// createTestCheckpoint creates a checkpoint with a small default elite.
func createTestCheckpoint(runID string, steps int) *Checkpoint {
	elite := traj.Default(steps, 0, math.Pi/2, traj.Vec2{X: 0.5}, traj.Vec2{X: -0.5})
	return &Checkpoint{
		RunID:          runID,
		Elite:          elite,
		BestScore:      41234,
		InitialScore:   40000,
		Generations:    100,
		Evaluations:    1000,
		TimeResolution: steps,
		Timestamp:      time.Now(),
		Config:         evo.DefaultConfig(steps),
	}
}

func TestNewFSStore(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.BaseDir() != tempDir {
		t.Errorf("BaseDir = %q, want %q", store.BaseDir(), tempDir)
	}
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestSaveCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)

	runID := "test-run-123"
	if err := store.SaveCheckpoint(runID, createTestCheckpoint(runID, 16)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	runDir := filepath.Join(tempDir, "runs", runID)
	for _, name := range []string{"yaw.bin", "offset.bin", "checkpoint.json"} {
		if _, err := os.Stat(filepath.Join(runDir, name)); err != nil {
			t.Errorf("%s was not created: %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(runDir, name+".tmp")); !os.IsNotExist(err) {
			t.Errorf("Temp file for %s should not exist after successful save", name)
		}
	}

	info, err := os.Stat(filepath.Join(runDir, "offset.bin"))
	if err != nil {
		t.Fatalf("Stat offset.bin failed: %v", err)
	}
	if got, want := info.Size(), int64(8+16*16); got != want {
		t.Errorf("offset.bin size = %d, want %d", got, want)
	}
}

func TestSaveCheckpoint_EmptyRunID(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveCheckpoint("", createTestCheckpoint("x", 4)); err == nil {
		t.Fatal("Expected error for empty runID")
	}
}

func TestSaveCheckpoint_NilCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveCheckpoint("run", nil); err == nil {
		t.Fatal("Expected error for nil checkpoint")
	}
}

func TestSaveCheckpoint_InvalidCheckpointWritesNothing(t *testing.T) {
	store, tempDir := setupTestStore(t)

	cp := createTestCheckpoint("bad", 4)
	cp.Elite.Yaw[1] = math.NaN()

	if err := store.SaveCheckpoint("bad", cp); err == nil {
		t.Fatal("Expected error for non-finite elite")
	}
	if _, err := os.Stat(filepath.Join(tempDir, "runs", "bad")); !os.IsNotExist(err) {
		t.Error("Run directory should not exist after a rejected save")
	}
}

func TestSaveCheckpoint_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	runID := "overwrite-run"
	if err := store.SaveCheckpoint(runID, createTestCheckpoint(runID, 8)); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	second := createTestCheckpoint(runID, 8)
	second.BestScore = 50000
	second.Elite.Offset[3] = traj.Vec2{X: 0.125, Y: -0.25}
	if err := store.SaveCheckpoint(runID, second); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint(runID, 8)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded.BestScore != 50000 {
		t.Errorf("BestScore = %v, want 50000", loaded.BestScore)
	}
	if loaded.Elite.Offset[3] != (traj.Vec2{X: 0.125, Y: -0.25}) {
		t.Errorf("Offset[3] = %v, want overwritten value", loaded.Elite.Offset[3])
	}
}

func TestLoadCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)

	runID := "load-run"
	original := createTestCheckpoint(runID, 32)
	original.ParentRunID = "parent-run"
	if err := store.SaveCheckpoint(runID, original); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint(runID, 32)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	if !loaded.Elite.Equal(original.Elite) {
		t.Error("Elite changed across save/load")
	}
	if loaded.RunID != runID {
		t.Errorf("RunID = %q, want %q", loaded.RunID, runID)
	}
	if loaded.BestScore != original.BestScore || loaded.InitialScore != original.InitialScore {
		t.Errorf("Scores = (%v, %v), want (%v, %v)",
			loaded.BestScore, loaded.InitialScore, original.BestScore, original.InitialScore)
	}
	if loaded.ParentRunID != "parent-run" {
		t.Errorf("ParentRunID = %q, want parent-run", loaded.ParentRunID)
	}
	if loaded.Config.Mutation.YawPolicy != evo.YawApply {
		t.Errorf("YawPolicy = %q, want apply", loaded.Config.Mutation.YawPolicy)
	}
	if !loaded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", loaded.Timestamp, original.Timestamp)
	}
}

func TestLoadCheckpoint_AnyLength(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveCheckpoint("any", createTestCheckpoint("any", 12)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	loaded, err := store.LoadCheckpoint("any", AnyLength)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded.Elite.Len() != 12 {
		t.Errorf("Elite length = %d, want 12", loaded.Elite.Len())
	}
}

func TestLoadCheckpoint_LengthMismatch(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveCheckpoint("short", createTestCheckpoint("short", 500)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	_, err := store.LoadCheckpoint("short", 1000)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected *MismatchError, got %v", err)
	}
	if mismatch.Expected != 1000 || mismatch.Actual != 500 {
		t.Errorf("Mismatch = %+v, want expected 1000 actual 500", mismatch)
	}
}

func TestLoadCheckpoint_TruncatedBinary(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveCheckpoint("trunc", createTestCheckpoint("trunc", 10)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	path := filepath.Join(tempDir, "runs", "trunc", "offset.bin")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-20], 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err = store.LoadCheckpoint("trunc", 10)
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("Expected ErrTruncated, got %v", err)
	}
}

func TestLoadCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadCheckpoint("nonexistent", 10)
	if err == nil {
		t.Fatal("Expected error for nonexistent checkpoint")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError, got %T: %v", err, err)
	}
}

func TestLoadCheckpoint_EmptyRunID(t *testing.T) {
	store, _ := setupTestStore(t)

	if _, err := store.LoadCheckpoint("", 10); err == nil {
		t.Fatal("Expected error for empty runID")
	}
}

func TestListCheckpoints_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected 0 checkpoints, got %d", len(infos))
	}
}

func TestListCheckpoints_Multiple(t *testing.T) {
	store, _ := setupTestStore(t)

	base := time.Now()
	for i := 0; i < 3; i++ {
		runID := fmt.Sprintf("run-%d", i)
		cp := createTestCheckpoint(runID, 4+i)
		cp.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := store.SaveCheckpoint(runID, cp); err != nil {
			t.Fatalf("Failed to save %s: %v", runID, err)
		}
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 checkpoints, got %d", len(infos))
	}

	// newest first
	if infos[0].RunID != "run-2" || infos[2].RunID != "run-0" {
		t.Errorf("Order = [%s %s %s], want newest first", infos[0].RunID, infos[1].RunID, infos[2].RunID)
	}
	if infos[0].TimeResolution != 6 {
		t.Errorf("TimeResolution = %d, want 6", infos[0].TimeResolution)
	}
}

func TestListCheckpoints_SkipsInvalidDirectories(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveCheckpoint("valid", createTestCheckpoint("valid", 4)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	runsDir := filepath.Join(tempDir, "runs")
	// directory without checkpoint.json (an interrupted run)
	if err := os.MkdirAll(filepath.Join(runsDir, "no-checkpoint"), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	// corrupted metadata
	if err := os.MkdirAll(filepath.Join(runsDir, "corrupt"), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(runsDir, "corrupt", "checkpoint.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	// stray file
	if err := os.WriteFile(filepath.Join(runsDir, "README"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 1 || infos[0].RunID != "valid" {
		t.Errorf("Expected only the valid checkpoint, got %+v", infos)
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)

	runID := "delete-run"
	if err := store.SaveCheckpoint(runID, createTestCheckpoint(runID, 4)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := store.SaveImage(runID, image.NewNRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}

	if err := store.DeleteCheckpoint(runID); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tempDir, "runs", runID)); !os.IsNotExist(err) {
		t.Error("Run directory should be removed")
	}
	if _, err := store.LoadCheckpoint(runID, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError after delete, got %v", err)
	}
}

func TestDeleteCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.DeleteCheckpoint("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func TestDeleteCheckpoint_EmptyRunID(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.DeleteCheckpoint(""); err == nil {
		t.Fatal("Expected error for empty runID")
	}
}

func TestFSStore_RejectsEscapingRunIDs(t *testing.T) {
	store, tempDir := setupTestStore(t)

	// a checkpoint planted next to the data dir must stay unreachable
	outside := filepath.Join(filepath.Dir(tempDir), "outside-"+filepath.Base(tempDir))
	planted, err := NewFSStore(outside)
	if err != nil {
		t.Fatalf("Failed to create outside store: %v", err)
	}
	if err := planted.SaveCheckpoint("victim", createTestCheckpoint("victim", 4)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(outside) })

	escaping := filepath.Join("..", "..", filepath.Base(outside), "runs", "victim")
	ids := []string{escaping, "..", ".", "a/b", `a\b`, "/etc", ""}

	for _, id := range ids {
		t.Run(fmt.Sprintf("%q", id), func(t *testing.T) {
			if _, err := store.LoadCheckpoint(id, AnyLength); !errors.Is(err, ErrInvalidRunID) {
				t.Errorf("LoadCheckpoint: expected ErrInvalidRunID, got %v", err)
			}
			if err := store.SaveCheckpoint(id, createTestCheckpoint("x", 4)); !errors.Is(err, ErrInvalidRunID) {
				t.Errorf("SaveCheckpoint: expected ErrInvalidRunID, got %v", err)
			}
			if err := store.DeleteCheckpoint(id); !errors.Is(err, ErrInvalidRunID) {
				t.Errorf("DeleteCheckpoint: expected ErrInvalidRunID, got %v", err)
			}
			if err := store.SaveImage(id, image.NewNRGBA(image.Rect(0, 0, 1, 1))); !errors.Is(err, ErrInvalidRunID) {
				t.Errorf("SaveImage: expected ErrInvalidRunID, got %v", err)
			}
			if _, err := NewTraceReader(tempDir, id); !errors.Is(err, ErrInvalidRunID) {
				t.Errorf("NewTraceReader: expected ErrInvalidRunID, got %v", err)
			}
		})
	}

	if _, err := os.Stat(filepath.Join(outside, "runs", "victim", "checkpoint.json")); err != nil {
		t.Errorf("Outside checkpoint should be untouched: %v", err)
	}
}

func TestValidateRunID_AcceptsGeneratedIDs(t *testing.T) {
	for _, id := range []string{"3f1c2a9e-0d4b-4a5e-9c1f-2b7d8e6a4c10", "test-run", "img-run"} {
		if err := ValidateRunID(id); err != nil {
			t.Errorf("ValidateRunID(%q) = %v, want nil", id, err)
		}
	}
}

func TestSaveImage(t *testing.T) {
	store, _ := setupTestStore(t)

	img := image.NewNRGBA(image.Rect(0, 0, 3, 3))
	img.Set(1, 1, color.NRGBA{R: 255, G: 128, B: 51, A: 255})

	if err := store.SaveImage("img-run", img); err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}

	path := store.BestImagePath("img-run")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("best.png not written: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp image should not remain")
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	const numGoroutines = 10
	done := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			runID := fmt.Sprintf("concurrent-%d", id)
			done <- store.SaveCheckpoint(runID, createTestCheckpoint(runID, 8))
		}(i)
	}

	for i := 0; i < numGoroutines; i++ {
		if err := <-done; err != nil {
			t.Errorf("Concurrent save failed: %v", err)
		}
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != numGoroutines {
		t.Errorf("Expected %d checkpoints, got %d", numGoroutines, len(infos))
	}
}

func TestRunCheckpointer_PersistsFinalElite(t *testing.T) {
	store, _ := setupTestStore(t)

	cfg := evo.DefaultConfig(6)
	cfg.PopulationAmount = 4
	cfg.Generations = 3
	cfg.Seed = 7

	oracle := evo.OracleFunc(func(_ context.Context, tr traj.Trajectory, _ traj.Vec2) (float64, error) {
		return 100 + tr.Offset[2].X, nil
	})

	cp := NewRunCheckpointer(store, "persist-run", cfg)
	opt, err := evo.NewOptimizer(cfg, traj.New(6), oracle, evo.WithCheckpointer(cp))
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	res, err := opt.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint("persist-run", 6)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if !loaded.Elite.Equal(res.Elite) {
		t.Error("Stored elite differs from the returned elite")
	}
	if loaded.BestScore != res.BestScore {
		t.Errorf("BestScore = %v, want %v", loaded.BestScore, res.BestScore)
	}
	if loaded.Generations != 3 || loaded.Evaluations != 12 {
		t.Errorf("Generations/Evaluations = %d/%d, want 3/12", loaded.Generations, loaded.Evaluations)
	}
	if cp.Saved == nil {
		t.Error("Saved should hold the written checkpoint")
	}
}

func TestRunCheckpointer_CancelledRunWritesNothing(t *testing.T) {
	store, tempDir := setupTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := evo.DefaultConfig(8)
	cfg.PopulationAmount = 4
	cfg.Generations = 5

	calls := 0
	oracle := evo.OracleFunc(func(context.Context, traj.Trajectory, traj.Vec2) (float64, error) {
		calls++
		if calls == cfg.PopulationAmount+2 {
			cancel()
		}
		return float64(calls), nil
	})

	cp := NewRunCheckpointer(store, "cancel-run", cfg)
	opt, err := evo.NewOptimizer(cfg, traj.New(8), oracle, evo.WithCheckpointer(cp))
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}

	if _, err := opt.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	for _, name := range []string{"yaw.bin", "offset.bin", "checkpoint.json"} {
		if _, err := os.Stat(filepath.Join(tempDir, "runs", "cancel-run", name)); !os.IsNotExist(err) {
			t.Errorf("%s must not exist after a cancelled run", name)
		}
	}
}
