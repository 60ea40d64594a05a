// Package camera holds the intrinsic calibration of the single camera feeding
// the detector, scaled to the resolution detection actually runs at.
package camera

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ParamCount is the length of the flat boundary layout
// [fx, fy, cx, cy, k1, k2, p1, p2, k3].
const ParamCount = 9

// Undistortion fixed-point iterations. Matches the default used by OpenCV's
// undistortPoints, which converges well inside a pixel for typical lenses.
const undistortIterations = 20

// ErrInvalidParams is returned when calibration parameters cannot be used.
var ErrInvalidParams = errors.New("camera: invalid calibration parameters")

// Point is an image-space point in pixels.
type Point struct {
	X, Y float64
}

// Params is the intrinsic calibration as measured at full frame resolution.
// Distortion follows the OpenCV order k1, k2, p1, p2, k3.
type Params struct {
	FocalX     float64    `yaml:"fx" json:"fx"`
	FocalY     float64    `yaml:"fy" json:"fy"`
	PrincipalX float64    `yaml:"cx" json:"cx"`
	PrincipalY float64    `yaml:"cy" json:"cy"`
	Distortion [5]float64 `yaml:"distortion" json:"distortion"`
}

// ParamsFromSlice builds Params from the 9-element boundary layout.
func ParamsFromSlice(values []float64) (Params, error) {
	if len(values) != ParamCount {
		return Params{}, fmt.Errorf("%w: expected %d values, got %d", ErrInvalidParams, ParamCount, len(values))
	}
	p := Params{
		FocalX:     values[0],
		FocalY:     values[1],
		PrincipalX: values[2],
		PrincipalY: values[3],
	}
	copy(p.Distortion[:], values[4:])
	return p, nil
}

// Slice returns the 9-element boundary layout.
func (p Params) Slice() []float64 {
	out := []float64{p.FocalX, p.FocalY, p.PrincipalX, p.PrincipalY}
	return append(out, p.Distortion[:]...)
}

// Validate rejects focal lengths that are not strictly positive or values
// that are not finite.
func (p Params) Validate() error {
	for i, v := range p.Slice() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value %d is not finite", ErrInvalidParams, i)
		}
	}
	if p.FocalX <= 0 || p.FocalY <= 0 {
		return fmt.Errorf("%w: focal lengths must be positive, got fx=%g fy=%g", ErrInvalidParams, p.FocalX, p.FocalY)
	}
	return nil
}

// Model is the calibration the detector and pose estimator work with. It is
// immutable once built.
type Model struct {
	params     Params
	downscale  int
	scaleRatio float64
	matrix     *mat.Dense
	distortion *mat.VecDense
}

// NewModel derives the detection-resolution model. A downscale factor below
// 1 is treated as 1. Focal and principal terms are multiplied by
// 1/downscale; distortion coefficients are copied unscaled.
func NewModel(p Params, downscale int) *Model {
	if downscale < 1 {
		downscale = 1
	}
	s := 1.0 / float64(downscale)

	k := mat.NewDense(3, 3, []float64{
		p.FocalX * s, 0, p.PrincipalX * s,
		0, p.FocalY * s, p.PrincipalY * s,
		0, 0, 1,
	})

	d := mat.NewVecDense(5, nil)
	for i, v := range p.Distortion {
		d.SetVec(i, v)
	}

	return &Model{
		params:     p,
		downscale:  downscale,
		scaleRatio: s,
		matrix:     k,
		distortion: d,
	}
}

// Params returns the unscaled calibration the model was built from.
func (m *Model) Params() Params { return m.params }

// Downscale returns the effective (clamped) downscale factor.
func (m *Model) Downscale() int { return m.downscale }

// ScaleRatio returns 1/downscale.
func (m *Model) ScaleRatio() float64 { return m.scaleRatio }

// CalibrationMatrix returns a copy of the scaled 3x3 camera matrix.
func (m *Model) CalibrationMatrix() *mat.Dense {
	return mat.DenseCopyOf(m.matrix)
}

// DistortionVector returns a copy of the 5x1 distortion vector.
func (m *Model) DistortionVector() *mat.VecDense {
	return mat.VecDenseCopyOf(m.distortion)
}

// Intrinsics returns the scaled fx, fy, cx, cy.
func (m *Model) Intrinsics() (fx, fy, cx, cy float64) {
	return m.matrix.At(0, 0), m.matrix.At(1, 1), m.matrix.At(0, 2), m.matrix.At(1, 2)
}

// distort applies the Brown-Conrady model to normalized coordinates.
func (m *Model) distort(x, y float64) (float64, float64) {
	d := m.params.Distortion
	k1, k2, p1, p2, k3 := d[0], d[1], d[2], d[3], d[4]

	r2 := x*x + y*y
	radial := 1 + r2*(k1+r2*(k2+r2*k3))
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// ProjectPoint maps a point in camera coordinates to detection-resolution
// pixels. Points at or behind the camera plane project to NaN.
func (m *Model) ProjectPoint(p r3.Vec) Point {
	if p.Z <= 0 {
		return Point{X: math.NaN(), Y: math.NaN()}
	}
	fx, fy, cx, cy := m.Intrinsics()
	xd, yd := m.distort(p.X/p.Z, p.Y/p.Z)
	return Point{X: fx*xd + cx, Y: fy*yd + cy}
}

// Project maps several camera-frame points at once.
func (m *Model) Project(points []r3.Vec) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = m.ProjectPoint(p)
	}
	return out
}

// Undistort converts a detection-resolution pixel into normalized,
// distortion-free image coordinates.
func (m *Model) Undistort(p Point) (x, y float64) {
	fx, fy, cx, cy := m.Intrinsics()
	xd := (p.X - cx) / fx
	yd := (p.Y - cy) / fy

	d := m.params.Distortion
	if d == [5]float64{} {
		return xd, yd
	}
	k1, k2, p1, p2, k3 := d[0], d[1], d[2], d[3], d[4]

	x, y = xd, yd
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		icdist := 1 / (1 + r2*(k1+r2*(k2+r2*k3)))
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (xd - dx) * icdist
		y = (yd - dy) * icdist
	}
	return x, y
}
