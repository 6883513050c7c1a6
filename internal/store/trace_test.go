package store

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/cwbudde/sofasweep/internal/evo"
	"github.com/cwbudde/sofasweep/internal/traj"
)

func TestTraceWriter_WriteAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-123"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}

	entries := []TraceEntry{
		{Generation: 0, BestScore: 40000, MeanScore: 39950.5, StdDev: 12.5, Timestamp: time.Now()},
		{Generation: 1, BestScore: 40010, MeanScore: 39990, StdDev: 8, BestIndex: 3, Timestamp: time.Now()},
		{Generation: 2, BestScore: 40010, MeanScore: 40001, Timestamp: time.Now()},
	}

	for _, entry := range entries {
		if err := writer.Write(entry); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	if _, err := os.Stat(TracePath(tmpDir, runID)); os.IsNotExist(err) {
		t.Fatalf("Trace file not created: %s", TracePath(tmpDir, runID))
	}

	readEntries, err := LoadTrace(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(readEntries) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(readEntries))
	}

	for i, entry := range readEntries {
		if entry.Generation != entries[i].Generation {
			t.Errorf("Entry %d: expected generation %d, got %d", i, entries[i].Generation, entry.Generation)
		}
		if entry.BestScore != entries[i].BestScore {
			t.Errorf("Entry %d: expected best score %f, got %f", i, entries[i].BestScore, entry.BestScore)
		}
		if entry.MeanScore != entries[i].MeanScore || entry.StdDev != entries[i].StdDev {
			t.Errorf("Entry %d: statistics changed across round trip", i)
		}
		if entry.BestIndex != entries[i].BestIndex {
			t.Errorf("Entry %d: expected best index %d, got %d", i, entries[i].BestIndex, entry.BestIndex)
		}
	}
}

func TestTraceWriter_Append(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-append"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	if err := writer.Write(TraceEntry{Generation: 0, BestScore: 1}); err != nil {
		t.Fatalf("Failed to write entry: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	writer, err = NewTraceWriter(tmpDir, runID, true)
	if err != nil {
		t.Fatalf("Failed to create trace writer in append mode: %v", err)
	}
	if err := writer.Write(TraceEntry{Generation: 1, BestScore: 2}); err != nil {
		t.Fatalf("Failed to write entry: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	entries, err := LoadTrace(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[1].Generation != 1 {
		t.Errorf("Second entry: expected generation 1, got %d", entries[1].Generation)
	}
}

func TestTraceWriter_TruncatesWithoutAppend(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-truncate"

	for i := 0; i < 2; i++ {
		writer, err := NewTraceWriter(tmpDir, runID, false)
		if err != nil {
			t.Fatalf("Failed to create trace writer: %v", err)
		}
		writer.Write(TraceEntry{Generation: i})
		writer.Close()
	}

	entries, err := LoadTrace(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Generation != 1 {
		t.Errorf("Expected only the second run's entry, got %+v", entries)
	}
}

func TestTraceWriter_Flush(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-flush"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	defer writer.Close()

	if err := writer.Write(TraceEntry{Generation: 5, BestScore: 9}); err != nil {
		t.Fatalf("Failed to write entry: %v", err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}

	// readable while the writer is still open
	entries, err := LoadTrace(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 entry after flush, got %d", len(entries))
	}
}

func TestTraceReader_ReadIteratively(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-iter"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	for i := 0; i < 3; i++ {
		writer.Write(TraceEntry{Generation: i})
	}
	writer.Close()

	reader, err := NewTraceReader(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()

	for i := 0; i < 3; i++ {
		entry, err := reader.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if entry.Generation != i {
			t.Errorf("Read %d: expected generation %d, got %d", i, i, entry.Generation)
		}
	}

	if _, err := reader.Read(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestTraceReader_NotFound(t *testing.T) {
	_, err := NewTraceReader(t.TempDir(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func TestTraceWriter_ConcurrentWrites(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-concurrent"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	defer writer.Close()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(gen int) {
			if err := writer.Write(TraceEntry{Generation: gen, BestScore: float64(gen)}); err != nil {
				t.Errorf("Concurrent write failed: %v", err)
			}
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	writer.Flush()

	entries, err := LoadTrace(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != 10 {
		t.Errorf("Expected 10 entries, got %d", len(entries))
	}
}

func TestTraceObserver_RecordsEveryGeneration(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "observed"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	obs := NewTraceObserver(writer)

	cfg := evo.DefaultConfig(5)
	cfg.PopulationAmount = 3
	cfg.Generations = 4
	cfg.Seed = 3
	oracle := evo.OracleFunc(func(_ context.Context, tr traj.Trajectory, _ traj.Vec2) (float64, error) {
		return 10 + tr.Yaw[0], nil
	})

	opt, err := evo.NewOptimizer(cfg, traj.New(5), oracle, evo.WithObserver(obs))
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	res, err := opt.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
	if obs.Err() != nil {
		t.Fatalf("Observer error: %v", obs.Err())
	}

	entries, err := LoadTrace(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != len(res.History) {
		t.Fatalf("Expected %d entries, got %d", len(res.History), len(entries))
	}
	for i, e := range entries {
		if e.BestScore != res.History[i].BestScore {
			t.Errorf("Generation %d: trace best %v, history best %v", i, e.BestScore, res.History[i].BestScore)
		}
	}
}
