package server

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/sofasweep/internal/evo"
	"github.com/cwbudde/sofasweep/internal/fit"
	"github.com/cwbudde/sofasweep/internal/traj"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Done reports whether the state is terminal.
func (s JobState) Done() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// JobConfig describes one optimization run submitted to the server.
type JobConfig struct {
	Optimizer evo.Config `json:"optimizer"`

	// Backend selects the renderer; empty means cpu
	Backend string `json:"backend,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`

	// FrameDelayMs is the minimum wall-clock time per evaluation (0 = unpaced)
	FrameDelayMs int `json:"frameDelayMs,omitempty"`

	// ResumeFrom names a stored run whose elite seeds this one
	ResumeFrom string `json:"resumeFrom,omitempty"`
}

// Job represents an optimization job
type Job struct {
	ID           string                 `json:"id"`
	State        JobState               `json:"state"`
	Config       JobConfig              `json:"config"`
	Generation   int                    `json:"generation"`
	Evaluations  int                    `json:"evaluations"`
	BestScore    float64                `json:"bestScore"`
	InitialScore float64                `json:"initialScore"`
	History      []evo.GenerationRecord `json:"history,omitempty"`
	Persisted    bool                   `json:"persisted"`
	StartTime    time.Time              `json:"startTime"`
	EndTime      *time.Time             `json:"endTime,omitempty"`
	Error        string                 `json:"error,omitempty"`

	elite  *traj.Trajectory
	frame  *image.NRGBA
	cancel context.CancelFunc
}

// Elite returns a copy of the best trajectory so far, if any.
func (j *Job) Elite() (traj.Trajectory, bool) {
	if j.elite == nil {
		return traj.Trajectory{}, false
	}
	return j.elite.Clone(), true
}

// Frame returns the last frame the renderer presented, if any.
func (j *Job) Frame() *image.NRGBA {
	return j.frame
}

// Coverage returns the share of the canvas the best trajectory leaves free.
func (j *Job) Coverage() fit.Coverage {
	return fit.NewCoverage(j.BestScore, j.Config.Width, j.Config.Height)
}

// snapshot copies the job so it can be read without holding the manager lock.
func (j *Job) snapshot() *Job {
	c := *j
	c.History = append([]evo.GenerationRecord(nil), j.History...)
	if j.elite != nil {
		e := j.elite.Clone()
		c.elite = &e
	}
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	c.cancel = nil
	return &c
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a new job with the given configuration
func (jm *JobManager) CreateJob(config JobConfig) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}

	jm.jobs[job.ID] = job
	return job.snapshot()
}

// GetJob returns a snapshot of the job with the given ID
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	return job.snapshot(), true
}

// ListJobs returns snapshots of all jobs, oldest first
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job.snapshot())
	}
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].StartTime.Before(jobs[b].StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)
	return nil
}

// publish sends the job's current progress to its stream subscribers.
func (jm *JobManager) publish(id string) {
	if job, ok := jm.GetJob(id); ok {
		jm.broadcaster.Broadcast(progressOf(job))
	}
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			runningJobs = append(runningJobs, job.snapshot())
		}
	}
	return runningJobs
}

// setCancel records how to stop the job's worker.
func (jm *JobManager) setCancel(id string, cancel context.CancelFunc) error {
	return jm.UpdateJob(id, func(j *Job) {
		j.cancel = cancel
	})
}

// CancelJob asks a pending or running job to stop. The worker marks it
// cancelled once the in-flight evaluation returns.
func (jm *JobManager) CancelJob(id string) error {
	jm.mu.Lock()
	job, exists := jm.jobs[id]
	if !exists {
		jm.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	if job.State.Done() {
		state := job.State
		jm.mu.Unlock()
		return fmt.Errorf("job %s already %s", id, state)
	}
	cancel := job.cancel
	jm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// CancelAll stops every job that is still active.
func (jm *JobManager) CancelAll() {
	jm.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		if !job.State.Done() && job.cancel != nil {
			cancels = append(cancels, job.cancel)
		}
	}
	jm.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
}
