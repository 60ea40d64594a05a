package aruco

import (
	"errors"
	"fmt"
	"strings"
)

// Detector backends selectable by name.
const (
	BackendNative = "native"
	BackendOpenCV = "opencv"
)

// ErrBackendUnavailable is returned for unknown backends or ones not
// compiled into this binary.
var ErrBackendUnavailable = errors.New("aruco: detector backend unavailable")

// NewBackend returns the detector registered under name. An empty name
// selects the native detector with default parameters. Callers should
// release the result with CloseDetector.
func NewBackend(name string) (MarkerDetector, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendNative:
		return NewDetector(DefaultParams())
	case BackendOpenCV:
		return newOpenCVDetector()
	default:
		return nil, fmt.Errorf("%w: %q", ErrBackendUnavailable, name)
	}
}

// Backends lists the backends compiled into this binary.
func Backends() []string {
	if openCVAvailable() {
		return []string{BackendNative, BackendOpenCV}
	}
	return []string{BackendNative}
}

// CloseDetector releases native resources held by d, if any.
func CloseDetector(d MarkerDetector) error {
	if c, ok := d.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
