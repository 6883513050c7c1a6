package evo

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument marks configuration and argument errors. They are fatal and never recovered.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrInvalidScore is returned (wrapped in an EvaluationError) when the oracle yields a negative or NaN score.
var ErrInvalidScore = errors.New("invalid score")

// ConfigError describes a rejected configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid config: " + e.Field + " " + e.Reason
}

// Unwrap lets errors.Is(err, ErrInvalidArgument) match configuration errors.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidArgument
}

// EvaluationError wraps an oracle failure with the position of the failing candidate.
// A failed evaluation aborts the run; the generation is never scored as complete.
type EvaluationError struct {
	Generation int
	Index      int
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed at generation %d, individual %d: %v", e.Generation, e.Index, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
