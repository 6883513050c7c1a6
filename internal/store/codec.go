package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cwbudde/sofasweep/internal/traj"
)

// Binary checkpoint records are length-prefixed:
//
//	uint64 element count (little endian)
//	count x element
//
// A yaw element is one float64; an offset element is two float64 (x, y).
// All values are little endian.

// AnyLength disables the element count check when reading a record.
const AnyLength = -1

// maxElements bounds the count read from a header before anything is allocated.
const maxElements = 1 << 26

var (
	// ErrInconsistent marks stored data that cannot seed a run as configured.
	ErrInconsistent = errors.New("inconsistent checkpoint")
	// ErrTruncated is returned when a record ends before its declared element count.
	ErrTruncated = fmt.Errorf("%w: truncated record", ErrInconsistent)
	// ErrCorrupt is returned for trailing bytes or an implausible header.
	ErrCorrupt = fmt.Errorf("%w: corrupt record", ErrInconsistent)
)

// MismatchError reports a record whose element count differs from the configured time resolution.
type MismatchError struct {
	Artifact string
	Expected int
	Actual   uint64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: element count %d does not match time resolution %d", e.Artifact, e.Actual, e.Expected)
}

// Unwrap lets errors.Is(err, ErrInconsistent) match count mismatches.
func (e *MismatchError) Unwrap() error {
	return ErrInconsistent
}

// WriteYaw writes a yaw record.
func WriteYaw(w io.Writer, yaw []float64) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(yaw))); err != nil {
		return fmt.Errorf("failed to write yaw header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, yaw); err != nil {
		return fmt.Errorf("failed to write yaw elements: %w", err)
	}
	return bw.Flush()
}

// ReadYaw reads a yaw record holding exactly expected elements (or any count with AnyLength).
func ReadYaw(r io.Reader, expected int) ([]float64, error) {
	count, err := readHeader(r, "yaw", expected)
	if err != nil {
		return nil, err
	}

	yaw := make([]float64, count)
	if err := readElements(r, "yaw", yaw); err != nil {
		return nil, err
	}
	return yaw, nil
}

// WriteOffsets writes an offset record of (x, y) pairs.
func WriteOffsets(w io.Writer, offsets []traj.Vec2) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(offsets))); err != nil {
		return fmt.Errorf("failed to write offset header: %w", err)
	}

	flat := make([]float64, 0, 2*len(offsets))
	for _, o := range offsets {
		flat = append(flat, o.X, o.Y)
	}
	if err := binary.Write(bw, binary.LittleEndian, flat); err != nil {
		return fmt.Errorf("failed to write offset elements: %w", err)
	}
	return bw.Flush()
}

// ReadOffsets reads an offset record holding exactly expected elements (or any count with AnyLength).
func ReadOffsets(r io.Reader, expected int) ([]traj.Vec2, error) {
	count, err := readHeader(r, "offset", expected)
	if err != nil {
		return nil, err
	}

	flat := make([]float64, 2*count)
	if err := readElements(r, "offset", flat); err != nil {
		return nil, err
	}

	offsets := make([]traj.Vec2, count)
	for i := range offsets {
		offsets[i] = traj.Vec2{X: flat[2*i], Y: flat[2*i+1]}
	}
	return offsets, nil
}

func readHeader(r io.Reader, artifact string, expected int) (uint64, error) {
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("%s header: %w", artifact, ErrTruncated)
		}
		return 0, fmt.Errorf("failed to read %s header: %w", artifact, err)
	}

	if expected != AnyLength && count != uint64(expected) {
		return 0, &MismatchError{Artifact: artifact, Expected: expected, Actual: count}
	}
	if count > maxElements {
		return 0, fmt.Errorf("%s header declares %d elements: %w", artifact, count, ErrCorrupt)
	}
	return count, nil
}

func readElements(r io.Reader, artifact string, dst []float64) error {
	if len(dst) > 0 {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%s elements: %w", artifact, ErrTruncated)
			}
			return fmt.Errorf("failed to read %s elements: %w", artifact, err)
		}
	}

	var extra [1]byte
	n, err := r.Read(extra[:])
	if n > 0 {
		return fmt.Errorf("%s has trailing bytes: %w", artifact, ErrCorrupt)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read %s trailer: %w", artifact, err)
	}
	return nil
}

// ReadTrajectory reads a pair of yaw and offset records into a trajectory of expected steps.
func ReadTrajectory(yawR, offsetR io.Reader, expected int) (traj.Trajectory, error) {
	yaw, err := ReadYaw(yawR, expected)
	if err != nil {
		return traj.Trajectory{}, err
	}
	offsets, err := ReadOffsets(offsetR, expected)
	if err != nil {
		return traj.Trajectory{}, err
	}
	if len(yaw) != len(offsets) {
		return traj.Trajectory{}, &MismatchError{Artifact: "offset", Expected: len(yaw), Actual: uint64(len(offsets))}
	}
	return traj.Trajectory{Yaw: yaw, Offset: offsets}, nil
}
