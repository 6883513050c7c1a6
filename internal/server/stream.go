package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	subscriberBuffer = 16
	streamKeepAlive  = 15 * time.Second
	generationEvent  = "generation"
)

// ProgressEvent is sent to stream subscribers after every generation and on state changes
type ProgressEvent struct {
	JobID       string    `json:"jobId"`
	State       JobState  `json:"state"`
	Generation  int       `json:"generation"`
	Evaluations int       `json:"evaluations"`
	BestScore   float64   `json:"bestScore"`
	MeanScore   float64   `json:"meanScore,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// name is the SSE event type: "generation" while the job runs, the final state afterwards.
func (e ProgressEvent) name() string {
	if e.State.Done() {
		return string(e.State)
	}
	return generationEvent
}

// progressOf builds an event from a job snapshot.
func progressOf(j *Job) ProgressEvent {
	ev := ProgressEvent{
		JobID:       j.ID,
		State:       j.State,
		Generation:  j.Generation,
		Evaluations: j.Evaluations,
		BestScore:   j.BestScore,
		Timestamp:   time.Now(),
	}
	if n := len(j.History); n > 0 {
		ev.MeanScore = j.History[n-1].MeanScore
	}
	return ev
}

// EventBroadcaster fans progress events out to the stream subscribers of each job.
// The latest event per job is kept so that late subscribers start from the current state.
// A terminal event is the last one a subscriber receives: its channel is closed right after.
type EventBroadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[chan ProgressEvent]struct{}
	latest map[string]ProgressEvent
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subs:   make(map[string]map[chan ProgressEvent]struct{}),
		latest: make(map[string]ProgressEvent),
	}
}

// Subscribe registers a subscriber for jobID. If the job already reached a
// terminal state the returned channel holds that event and is already closed.
func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, subscriberBuffer)
	last, seen := eb.latest[jobID]
	if seen {
		ch <- last
		if last.State.Done() {
			close(ch)
			return ch
		}
	}

	if eb.subs[jobID] == nil {
		eb.subs[jobID] = make(map[chan ProgressEvent]struct{})
	}
	eb.subs[jobID][ch] = struct{}{}

	slog.Debug("Stream subscriber added", "job_id", jobID, "subscribers", len(eb.subs[jobID]))
	return ch
}

// Unsubscribe removes ch. Channels already closed by a terminal event are ignored.
func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	set := eb.subs[jobID]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(eb.subs, jobID)
	}
}

// Broadcast records event as the latest for its job and delivers it to every subscriber.
// Generation events are dropped for subscribers whose buffer is full; terminal events
// always get through because they close the stream.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.latest[event.JobID] = event
	set := eb.subs[event.JobID]

	for ch := range set {
		if event.State.Done() {
			// make room for the final event
			for len(ch) == cap(ch) {
				<-ch
			}
			ch <- event
			close(ch)
			continue
		}
		select {
		case ch <- event:
		default:
			slog.Warn("Stream subscriber lagging, dropping event", "job_id", event.JobID, "generation", event.Generation)
		}
	}

	if event.State.Done() {
		delete(eb.subs, event.JobID)
	}
}

// handleJobStream serves job progress as server-sent events until the job finishes
// or the client goes away.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, events)

	// nothing cached yet: start the stream from the job snapshot
	if len(events) == 0 {
		if err := writeSSEEvent(w, progressOf(job)); err != nil {
			return
		}
		flusher.Flush()
		if job.State.Done() {
			return
		}
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Stream client went away", "job_id", jobID)
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Warn("Failed to write stream event", "job_id", jobID, "error", err)
				return
			}
			flusher.Flush()

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one event frame; the generation number doubles as the event id.
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Generation, event.name(), data)
	return err
}
