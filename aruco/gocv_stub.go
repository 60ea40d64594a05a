//go:build !gocv

package aruco

import "fmt"

// newOpenCVDetector is unavailable without the gocv build tag.
func newOpenCVDetector() (MarkerDetector, error) {
	return nil, fmt.Errorf("%w: %s (build with -tags gocv and an OpenCV install)", ErrBackendUnavailable, BackendOpenCV)
}

func openCVAvailable() bool { return false }
