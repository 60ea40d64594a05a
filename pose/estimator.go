// Package pose recovers the 3D pose of square markers from their image
// corners.
//
// The marker frame has its origin at the marker centre, x to the right, y
// down the marker and z pointing away from the camera through the marker. A
// marker facing the camera squarely and upright therefore has rotation
// vector zero.
package pose

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"aruco_bridge/camera"
)

// Pose is a marker pose in camera coordinates. Rvec is an axis-angle
// rotation; Tvec is the marker centre in the units of the marker size.
type Pose struct {
	Rvec [3]float64 `json:"rvec" yaml:"rvec"`
	Tvec [3]float64 `json:"tvec" yaml:"tvec"`
}

// Distance is the length of Tvec.
func (p Pose) Distance() float64 {
	return r3.Norm(r3.Vec{X: p.Tvec[0], Y: p.Tvec[1], Z: p.Tvec[2]})
}

// Transform maps a point from marker to camera coordinates.
func (p Pose) Transform(x r3.Vec) r3.Vec {
	r := RotationMatrix(p.Rvec)
	return r3.Vec{
		X: r.At(0, 0)*x.X + r.At(0, 1)*x.Y + r.At(0, 2)*x.Z + p.Tvec[0],
		Y: r.At(1, 0)*x.X + r.At(1, 1)*x.Y + r.At(1, 2)*x.Z + p.Tvec[1],
		Z: r.At(2, 0)*x.X + r.At(2, 1)*x.Y + r.At(2, 2)*x.Z + p.Tvec[2],
	}
}

// Estimator turns marker corners into poses, one per marker, in input order.
type Estimator interface {
	EstimateSingleMarkers(corners [][4]camera.Point, markerSize float64, cam *camera.Model) ([]Pose, error)
}

// Pose estimation errors
var (
	ErrInvalidMarkerSize = errors.New("pose: marker size must be positive")
	ErrNoCamera          = errors.New("pose: camera model is nil")
	ErrDegenerate        = errors.New("pose: degenerate corner configuration")
)

// ObjectPoints returns the marker corners in the marker frame, in detector
// corner order: top-left, top-right, bottom-right, bottom-left.
func ObjectPoints(markerSize float64) [4]r3.Vec {
	h := markerSize / 2
	return [4]r3.Vec{
		{X: -h, Y: -h},
		{X: h, Y: -h},
		{X: h, Y: h},
		{X: -h, Y: h},
	}
}

// PlanarEstimator solves the four-point planar pose with a homography and
// polishes it with Levenberg-Marquardt on the pixel reprojection error.
type PlanarEstimator struct {
	// MaxIterations bounds the refinement; zero skips it.
	MaxIterations int
	// Tolerance stops the refinement once an update is this small.
	Tolerance float64
}

// NewPlanarEstimator returns an estimator with the default refinement
// settings.
func NewPlanarEstimator() *PlanarEstimator {
	return &PlanarEstimator{MaxIterations: 50, Tolerance: 1e-10}
}

// EstimateSingleMarkers implements Estimator.
func (e *PlanarEstimator) EstimateSingleMarkers(corners [][4]camera.Point, markerSize float64, cam *camera.Model) ([]Pose, error) {
	if cam == nil {
		return nil, ErrNoCamera
	}
	if !(markerSize > 0) || math.IsInf(markerSize, 0) {
		return nil, fmt.Errorf("%w: %g", ErrInvalidMarkerSize, markerSize)
	}
	if len(corners) == 0 {
		return nil, nil
	}

	obj := ObjectPoints(markerSize)
	poses := make([]Pose, len(corners))
	for i, c := range corners {
		p, err := e.estimate(obj, c, cam)
		if err != nil {
			return nil, fmt.Errorf("marker %d: %w", i, err)
		}
		poses[i] = p
	}
	return poses, nil
}

func (e *PlanarEstimator) estimate(obj [4]r3.Vec, img [4]camera.Point, cam *camera.Model) (Pose, error) {
	var norm [4]camera.Point
	for i, p := range img {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return Pose{}, fmt.Errorf("%w: corner %d is not finite", ErrDegenerate, i)
		}
		x, y := cam.Undistort(p)
		norm[i] = camera.Point{X: x, Y: y}
	}

	h, err := planarHomography(obj, norm)
	if err != nil {
		return Pose{}, err
	}
	initial, err := decompose(h)
	if err != nil {
		return Pose{}, err
	}
	return e.refine(initial, obj, img, cam), nil
}

// planarHomography fits H with [x y 1]ᵀ ~ H [X Y 1]ᵀ by DLT: the null vector
// of the 8x9 system from the four correspondences.
func planarHomography(obj [4]r3.Vec, img [4]camera.Point) (*mat.Dense, error) {
	a := mat.NewDense(8, 9, nil)
	for i := 0; i < 4; i++ {
		X, Y := obj[i].X, obj[i].Y
		x, y := img[i].X, img[i].Y
		a.SetRow(2*i, []float64{X, Y, 1, 0, 0, 0, -x * X, -x * Y, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, X, Y, 1, -y * X, -y * Y, -y})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, fmt.Errorf("%w: homography factorisation failed", ErrDegenerate)
	}
	var v mat.Dense
	svd.VTo(&v)
	h := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		h.Set(i/3, i%3, v.At(i, 8))
	}
	return h, nil
}

// decompose splits H = λ[r1 r2 t] for a plane at z=0 and projects the
// rotation onto SO(3).
func decompose(h *mat.Dense) (Pose, error) {
	h1 := r3.Vec{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}
	h2 := r3.Vec{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}
	h3 := r3.Vec{X: h.At(0, 2), Y: h.At(1, 2), Z: h.At(2, 2)}

	n := r3.Norm(h1) + r3.Norm(h2)
	if n < 1e-12 {
		return Pose{}, fmt.Errorf("%w: vanishing homography", ErrDegenerate)
	}
	lambda := 2 / n
	r1 := r3.Scale(lambda, h1)
	r2 := r3.Scale(lambda, h2)
	t := r3.Scale(lambda, h3)
	// The marker is in front of the camera.
	if t.Z < 0 {
		r1, r2, t = r3.Scale(-1, r1), r3.Scale(-1, r2), r3.Scale(-1, t)
	}
	r3v := r3.Cross(r1, r2)

	approx := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	rot, err := nearestRotation(approx)
	if err != nil {
		return Pose{}, err
	}
	return Pose{Rvec: Rodrigues(rot), Tvec: [3]float64{t.X, t.Y, t.Z}}, nil
}

// nearestRotation returns U Vᵀ from the SVD of m, with the sign fixed so
// that the determinant is +1.
func nearestRotation(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return nil, fmt.Errorf("%w: rotation factorisation failed", ErrDegenerate)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	return &r, nil
}

// residuals fills res with the pixel reprojection differences for params
// (rvec, tvec).
func residuals(params []float64, obj [4]r3.Vec, img [4]camera.Point, cam *camera.Model, res []float64) {
	var p Pose
	copy(p.Rvec[:], params[:3])
	copy(p.Tvec[:], params[3:])
	for i, x := range obj {
		proj := cam.ProjectPoint(p.Transform(x))
		res[2*i] = proj.X - img[i].X
		res[2*i+1] = proj.Y - img[i].Y
	}
}

func sumSquares(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return s
}

// refine runs Levenberg-Marquardt with a forward-difference Jacobian.
func (e *PlanarEstimator) refine(initial Pose, obj [4]r3.Vec, img [4]camera.Point, cam *camera.Model) Pose {
	const (
		nRes   = 8
		nParam = 6
		step   = 1e-7
	)
	params := make([]float64, nParam)
	copy(params[:3], initial.Rvec[:])
	copy(params[3:], initial.Tvec[:])

	res := make([]float64, nRes)
	residuals(params, obj, img, cam, res)
	cost := sumSquares(res)
	if math.IsNaN(cost) {
		return initial
	}

	jac := mat.NewDense(nRes, nParam, nil)
	shifted := make([]float64, nRes)
	trial := make([]float64, nParam)
	trialRes := make([]float64, nRes)
	mu := 1e-3

	for iter := 0; iter < e.MaxIterations && cost > 0; iter++ {
		for j := 0; j < nParam; j++ {
			copy(trial, params)
			trial[j] += step
			residuals(trial, obj, img, cam, shifted)
			for i := 0; i < nRes; i++ {
				jac.Set(i, j, (shifted[i]-res[i])/step)
			}
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(nRes, res))
		grad.ScaleVec(-1, &grad)

		improved := false
		for attempt := 0; attempt < 10; attempt++ {
			damped := mat.DenseCopyOf(&jtj)
			for k := 0; k < nParam; k++ {
				damped.Set(k, k, jtj.At(k, k)*(1+mu)+1e-12)
			}
			var delta mat.VecDense
			if err := delta.SolveVec(damped, &grad); err != nil {
				var cond mat.Condition
				if !errors.As(err, &cond) {
					mu *= 10
					continue
				}
			}
			for k := 0; k < nParam; k++ {
				trial[k] = params[k] + delta.AtVec(k)
			}
			residuals(trial, obj, img, cam, trialRes)
			if c := sumSquares(trialRes); c < cost {
				copy(params, trial)
				copy(res, trialRes)
				cost = c
				mu = math.Max(mu/10, 1e-12)
				improved = true
				if mat.Norm(&delta, 2) < e.Tolerance {
					return toPose(params)
				}
				break
			}
			mu *= 10
		}
		if !improved {
			break
		}
	}
	return toPose(params)
}

func toPose(params []float64) Pose {
	var p Pose
	copy(p.Rvec[:], params[:3])
	copy(p.Tvec[:], params[3:])
	return p
}

// ReprojectionError is the RMS distance in pixels between the observed
// corners and the marker corners projected through p.
func ReprojectionError(p Pose, corners [4]camera.Point, markerSize float64, cam *camera.Model) float64 {
	res := make([]float64, 8)
	params := append(p.Rvec[:], p.Tvec[:]...)
	residuals(params, ObjectPoints(markerSize), corners, cam, res)
	return math.Sqrt(sumSquares(res) / 4)
}
