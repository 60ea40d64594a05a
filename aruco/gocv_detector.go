//go:build gocv

package aruco

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// GocvDetector runs OpenCV's ArUco detector through gocv. It needs cgo and an
// OpenCV installation with the objdetect module; build with -tags gocv.
type GocvDetector struct {
	detector gocv.ArucoDetector
}

// NewGocvDetector builds an OpenCV detector for the original dictionary with
// the stock parameters.
func NewGocvDetector() *GocvDetector {
	dict := gocv.GetPredefinedDictionary(gocv.ArucoDictArucoOriginal)
	params := gocv.NewArucoDetectorParameters()
	return &GocvDetector{detector: gocv.NewArucoDetectorWithParams(dict, params)}
}

func newOpenCVDetector() (MarkerDetector, error) {
	return NewGocvDetector(), nil
}

func openCVAvailable() bool { return true }

// DetectMarkers implements MarkerDetector.
func (d *GocvDetector) DetectMarkers(img *image.Gray) ([]Marker, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, nil
	}

	pix := img.Pix
	if img.Stride != b.Dx() || b.Min != (image.Point{}) {
		pix = make([]byte, 0, b.Dx()*b.Dy())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := img.PixOffset(b.Min.X, y)
			pix = append(pix, img.Pix[off:off+b.Dx()]...)
		}
	}

	m, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, pix[:b.Dx()*b.Dy()])
	if err != nil {
		return nil, fmt.Errorf("aruco: wrap frame: %w", err)
	}
	defer m.Close()

	corners, ids, _ := d.detector.DetectMarkers(m)
	if len(ids) == 0 {
		return nil, nil
	}
	markers := make([]Marker, 0, len(ids))
	for i, id := range ids {
		if i >= len(corners) || len(corners[i]) != 4 {
			return nil, fmt.Errorf("aruco: opencv returned a malformed outline for marker %d", id)
		}
		var mk Marker
		mk.ID = id
		for j, p := range corners[i] {
			mk.Corners[j] = Point{X: float64(p.X), Y: float64(p.Y)}
		}
		markers = append(markers, mk)
	}
	return markers, nil
}

// Close releases the native detector.
func (d *GocvDetector) Close() error {
	return d.detector.Close()
}
