package evo

import (
	"log/slog"
	"math"
)

// StagnationTracker tracks the best score per generation and reports when the
// search has stopped making significant progress.
type StagnationTracker struct {
	config          StagnationConfig
	generations     int
	bestScore       float64 // best score ever seen
	lastSignificant float64 // last score that was a significant improvement
	staleCount      int     // generations without significant improvement
}

// NewStagnationTracker creates a tracker with the given config
func NewStagnationTracker(config StagnationConfig) *StagnationTracker {
	return &StagnationTracker{
		config:          config,
		bestScore:       math.Inf(-1),
		lastSignificant: math.Inf(-1),
	}
}

// Update records the best score of a generation and returns true if the run should stop.
func (s *StagnationTracker) Update(score float64) bool {
	if !s.config.Enabled {
		return false
	}

	s.generations++

	if score > s.bestScore {
		s.bestScore = score
	}

	if s.generations == 1 {
		s.lastSignificant = score
		return false
	}

	// Relative improvement against the last significant point. A zero baseline
	// counts any positive gain as significant.
	var relativeImprovement float64
	if s.lastSignificant == 0 {
		if score > 0 {
			relativeImprovement = math.Inf(1)
		}
	} else {
		relativeImprovement = (score - s.lastSignificant) / math.Abs(s.lastSignificant)
	}

	if relativeImprovement > 0 && relativeImprovement >= s.config.Threshold {
		s.lastSignificant = score
		s.staleCount = 0
		slog.Debug("Score improvement detected",
			"score", score,
			"relative_improvement", relativeImprovement,
		)
		return false
	}

	s.staleCount++
	slog.Debug("No significant score improvement",
		"score", score,
		"last_significant", s.lastSignificant,
		"stale_count", s.staleCount,
		"patience", s.config.Patience,
	)

	return s.staleCount >= s.config.Patience
}

// BestScore returns the best score seen so far
func (s *StagnationTracker) BestScore() float64 {
	return s.bestScore
}

// StaleCount returns the number of generations without significant improvement
func (s *StagnationTracker) StaleCount() int {
	return s.staleCount
}
