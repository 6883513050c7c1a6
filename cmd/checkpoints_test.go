package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/sofasweep/internal/evo"
	"github.com/cwbudde/sofasweep/internal/store"
	"github.com/cwbudde/sofasweep/internal/traj"
)

// useDataDir points the commands at dir for the duration of the test.
func useDataDir(t *testing.T, dir string) {
	t.Helper()
	original := dataDir
	dataDir = dir
	t.Cleanup(func() { dataDir = original })
}

// testCommand returns a command whose output is captured in the returned buffer.
func testCommand(stdin string) (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(stdin))
	return cmd, &out
}

func saveTestCheckpoint(t *testing.T, s *store.FSStore, runID string, age time.Duration) {
	t.Helper()
	res := &evo.Result{
		BestScore:    1500,
		InitialScore: 1200,
		History:      make([]evo.GenerationRecord, 4),
		Evaluations:  40,
	}
	cp := store.NewCheckpoint(runID, traj.Sweep(6), res, evo.DefaultConfig(6))
	cp.Timestamp = time.Now().Add(-age)
	if err := s.SaveCheckpoint(runID, cp); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
}

func TestSelectCheckpointsForDeletion_ByAge(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{RunID: "run1", Timestamp: now.AddDate(0, 0, -10)},
		{RunID: "run2", Timestamp: now.AddDate(0, 0, -5)},
		{RunID: "run3", Timestamp: now.AddDate(0, 0, -1)},
		{RunID: "run4", Timestamp: now.AddDate(0, 0, -30)},
	}

	toDelete := selectCheckpointsForDeletion(infos, 0, 7, now)

	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 checkpoints to delete, got %d", len(toDelete))
	}
	ids := map[string]bool{}
	for _, info := range toDelete {
		ids[info.RunID] = true
	}
	if !ids["run1"] || !ids["run4"] {
		t.Error("Expected run1 and run4 to be selected for deletion")
	}
}

func TestSelectCheckpointsForDeletion_ByCount(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{RunID: "run1", Timestamp: now.AddDate(0, 0, -10)},
		{RunID: "run2", Timestamp: now.AddDate(0, 0, -5)},
		{RunID: "run3", Timestamp: now.AddDate(0, 0, -1)},
		{RunID: "run4", Timestamp: now.AddDate(0, 0, -30)},
	}

	toDelete := selectCheckpointsForDeletion(infos, 2, 0, now)

	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 checkpoints to delete, got %d", len(toDelete))
	}
	ids := map[string]bool{}
	for _, info := range toDelete {
		ids[info.RunID] = true
	}
	if !ids["run4"] || !ids["run1"] {
		t.Error("Expected the two oldest runs to be selected for deletion")
	}
}

func TestSelectCheckpointsForDeletion_Combined(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{RunID: "run1", Timestamp: now.AddDate(0, 0, -10)},
		{RunID: "run2", Timestamp: now.AddDate(0, 0, -5)},
		{RunID: "run3", Timestamp: now.AddDate(0, 0, -1)},
		{RunID: "run4", Timestamp: now.AddDate(0, 0, -30)},
	}

	// run1 and run4 are both too old and beyond the newest two; each is listed once
	toDelete := selectCheckpointsForDeletion(infos, 2, 7, now)
	if len(toDelete) != 2 {
		t.Errorf("Expected 2 checkpoints to delete, got %d", len(toDelete))
	}

	toDelete = selectCheckpointsForDeletion(infos, 1, 7, now)
	if len(toDelete) != 3 {
		t.Errorf("Expected 3 checkpoints to delete, got %d", len(toDelete))
	}
}

func TestSelectCheckpointsForDeletion_NothingSelected(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{RunID: "run1", Timestamp: now.AddDate(0, 0, -1)},
	}

	if got := selectCheckpointsForDeletion(infos, 5, 30, now); len(got) != 0 {
		t.Errorf("Expected no deletions, got %d", len(got))
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCheckpointsListCommand_Empty(t *testing.T) {
	useDataDir(t, t.TempDir())

	cmd, out := testCommand("")
	if err := runListCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "No checkpoints found") {
		t.Errorf("Unexpected output: %s", out.String())
	}
}

func TestCheckpointsListCommand_WithCheckpoints(t *testing.T) {
	tmpDir := t.TempDir()
	s, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestCheckpoint(t, s, "run-a", time.Hour)
	saveTestCheckpoint(t, s, "run-b", time.Minute)
	useDataDir(t, tmpDir)

	cmd, out := testCommand("")
	if err := runListCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "run-a") || !strings.Contains(text, "run-b") {
		t.Errorf("Listing should contain both runs:\n%s", text)
	}
	if !strings.Contains(text, "1200 -> 1500") {
		t.Errorf("Listing should contain the score change:\n%s", text)
	}
	if !strings.Contains(text, "Total checkpoints: 2") {
		t.Errorf("Listing should report the total:\n%s", text)
	}
}

func TestCheckpointsShowCommand(t *testing.T) {
	tmpDir := t.TempDir()
	s, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestCheckpoint(t, s, "run-show", time.Minute)
	useDataDir(t, tmpDir)

	cmd, out := testCommand("")
	if err := runShowCheckpoint(cmd, []string{"run-show"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "Time steps: 6") {
		t.Errorf("Show output missing time steps:\n%s", text)
	}
	if !strings.Contains(text, "+300") {
		t.Errorf("Show output missing improvement:\n%s", text)
	}

	cmd, _ = testCommand("")
	err = runShowCheckpoint(cmd, []string{"missing"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCheckpointsCleanCommand_NoFlags(t *testing.T) {
	useDataDir(t, t.TempDir())

	keepLast = 0
	olderThanDays = 0

	cmd, _ := testCommand("")
	if err := runCleanCheckpoints(cmd, nil); err == nil {
		t.Error("Expected error when no flags specified")
	}
}

func TestCheckpointsCleanCommand_WithForce(t *testing.T) {
	tmpDir := t.TempDir()
	s, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestCheckpoint(t, s, "old-run", 30*24*time.Hour)
	saveTestCheckpoint(t, s, "new-run", time.Hour)
	useDataDir(t, tmpDir)

	keepLast = 0
	olderThanDays = 7
	forceClean = true
	t.Cleanup(func() { olderThanDays, forceClean = 0, false })

	cmd, _ := testCommand("")
	if err := runCleanCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if _, err := s.LoadCheckpoint("old-run", store.AnyLength); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected old checkpoint to be deleted, got %v", err)
	}
	if _, err := s.LoadCheckpoint("new-run", store.AnyLength); err != nil {
		t.Errorf("Recent checkpoint should survive: %v", err)
	}
}

func TestCheckpointsCleanCommand_Aborted(t *testing.T) {
	tmpDir := t.TempDir()
	s, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestCheckpoint(t, s, "old-run", 30*24*time.Hour)
	useDataDir(t, tmpDir)

	keepLast = 0
	olderThanDays = 7
	forceClean = false
	t.Cleanup(func() { olderThanDays = 0 })

	cmd, out := testCommand("n\n")
	if err := runCleanCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "Aborted.") {
		t.Errorf("Expected abort message, got:\n%s", out.String())
	}
	if _, err := s.LoadCheckpoint("old-run", store.AnyLength); err != nil {
		t.Errorf("Aborted clean must keep the checkpoint: %v", err)
	}
}
