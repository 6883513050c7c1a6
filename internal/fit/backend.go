package fit

import (
	"errors"
	"fmt"
	"strings"
)

// Backend identifies a renderer implementation.
type Backend string

const (
	BackendCPU Backend = "cpu"
)

// ErrUnknownBackend is returned when the name does not match a known backend.
var ErrUnknownBackend = errors.New("unknown renderer backend")

// NormalizeBackend maps arbitrary user input to a canonical backend identifier.
func NormalizeBackend(name string) Backend {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu", "software":
		return BackendCPU
	default:
		return Backend(name)
	}
}

// SupportedBackends returns the list of backends understood by the factory.
func SupportedBackends() []Backend {
	return []Backend{BackendCPU}
}

// NewOracleForBackend constructs the requested renderer for a width x height canvas.
func NewOracleForBackend(name string, width, height int) (Renderer, error) {
	switch backend := NormalizeBackend(name); backend {
	case BackendCPU:
		r, err := NewCPURenderer(width, height)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
}
