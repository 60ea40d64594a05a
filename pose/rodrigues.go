package pose

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// RotationMatrix converts an axis-angle vector (axis scaled by the angle in
// radians) into a 3x3 rotation matrix.
func RotationMatrix(rvec [3]float64) *mat.Dense {
	theta := math.Sqrt(rvec[0]*rvec[0] + rvec[1]*rvec[1] + rvec[2]*rvec[2])
	if theta < 1e-12 {
		return identity3()
	}
	kx, ky, kz := rvec[0]/theta, rvec[1]/theta, rvec[2]/theta
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + kx*kx*v, kx*ky*v - kz*s, kx*kz*v + ky*s,
		ky*kx*v + kz*s, c + ky*ky*v, ky*kz*v - kx*s,
		kz*kx*v - ky*s, kz*ky*v + kx*s, c + kz*kz*v,
	})
}

// Rodrigues converts a rotation matrix into its axis-angle vector with the
// angle in [0, π].
func Rodrigues(r mat.Matrix) [3]float64 {
	ax := r.At(2, 1) - r.At(1, 2)
	ay := r.At(0, 2) - r.At(2, 0)
	az := r.At(1, 0) - r.At(0, 1)

	// sin θ from the antisymmetric part, cos θ from the trace. atan2 keeps
	// full precision near 0 and π where acos alone does not.
	sinTheta := 0.5 * math.Sqrt(ax*ax+ay*ay+az*az)
	cosTheta := (r.At(0, 0) + r.At(1, 1) + r.At(2, 2) - 1) / 2
	theta := math.Atan2(sinTheta, cosTheta)

	switch {
	case theta < 1e-9:
		return [3]float64{ax / 2, ay / 2, az / 2}
	case math.Pi-theta < 1e-6:
		return halfTurn(r, theta, [3]float64{ax, ay, az})
	default:
		f := theta / (2 * sinTheta)
		return [3]float64{ax * f, ay * f, az * f}
	}
}

// halfTurn recovers the axis near θ = π, where the antisymmetric part
// vanishes and R ≈ 2kkᵀ - I. The sign follows the residual antisymmetric
// part a when there is one.
func halfTurn(r mat.Matrix, theta float64, a [3]float64) [3]float64 {
	var k [3]float64
	best := 0
	for i := 0; i < 3; i++ {
		k[i] = math.Sqrt(math.Max(0, (r.At(i, i)+1)/2))
		if k[i] > k[best] {
			best = i
		}
	}
	for j := 0; j < 3; j++ {
		if j != best {
			k[j] = (r.At(best, j) + r.At(j, best)) / (4 * k[best])
		}
	}
	n := math.Sqrt(k[0]*k[0] + k[1]*k[1] + k[2]*k[2])
	if k[0]*a[0]+k[1]*a[1]+k[2]*a[2] < 0 {
		n = -n
	}
	return [3]float64{k[0] / n * theta, k[1] / n * theta, k[2] / n * theta}
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
