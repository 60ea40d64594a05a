package session

import (
	"fmt"

	"aruco_bridge/aruco"
	"aruco_bridge/pose"
)

// Per-marker strides of the flat result buffers.
const (
	IDStride     = 1 // one int32 id
	CornerStride = 8 // x0,y0,x1,y1,x2,y2,x3,y3 as float32
	VecStride    = 3 // three float64 components
)

// Buffers is the flat storage results are written into. A Session owns one
// set; DetectInto accepts a caller-owned set instead.
//
// The Result returned with each write is the authoritative view. After a
// write with no markers IDs and Corners are empty but Rvecs and Tvecs keep
// their previous length and contents, so callers reading the fields
// directly must bound them by Result.Count.
type Buffers struct {
	IDs     []int32
	Corners []float32
	Rvecs   []float64
	Tvecs   []float64
}

// RequiredCapacity returns the buffer lengths needed for n markers.
func RequiredCapacity(n int) (ids, corners, vecs int) {
	return n * IDStride, n * CornerStride, n * VecStride
}

// Reset drops the contents and the backing storage.
func (b *Buffers) Reset() {
	*b = Buffers{}
}

// Result is the outcome of one detection. Its slices are views into the
// Buffers they were written to and are overwritten by the next detection
// into the same Buffers; use Clone to keep them longer.
//
// With Count == 0 every view is nil.
type Result struct {
	Count   int       `json:"count" yaml:"count"`
	IDs     []int32   `json:"ids" yaml:"ids"`
	Corners []float32 `json:"corners" yaml:"corners"`
	Rvecs   []float64 `json:"rvecs" yaml:"rvecs"`
	Tvecs   []float64 `json:"tvecs" yaml:"tvecs"`
}

// Clone returns a Result backed by fresh memory.
func (r Result) Clone() Result {
	if r.Count == 0 {
		return Result{}
	}
	return Result{
		Count:   r.Count,
		IDs:     append([]int32(nil), r.IDs...),
		Corners: append([]float32(nil), r.Corners...),
		Rvecs:   append([]float64(nil), r.Rvecs...),
		Tvecs:   append([]float64(nil), r.Tvecs...),
	}
}

// MarkerView is one marker read back out of a Result.
type MarkerView struct {
	ID      int32         `json:"id" yaml:"id"`
	Corners [4][2]float32 `json:"corners" yaml:"corners"`
	Pose    pose.Pose     `json:"pose" yaml:"pose"`
}

// Marker returns marker i. It panics if i is out of range, like a slice
// index.
func (r Result) Marker(i int) MarkerView {
	if i < 0 || i >= r.Count {
		panic(fmt.Sprintf("session: marker index %d out of range [0,%d)", i, r.Count))
	}
	var m MarkerView
	m.ID = r.IDs[i*IDStride]
	c := r.Corners[i*CornerStride : (i+1)*CornerStride]
	for k := 0; k < 4; k++ {
		m.Corners[k] = [2]float32{c[2*k], c[2*k+1]}
	}
	copy(m.Pose.Rvec[:], r.Rvecs[i*VecStride:(i+1)*VecStride])
	copy(m.Pose.Tvec[:], r.Tvecs[i*VecStride:(i+1)*VecStride])
	return m
}

// Markers returns every marker in buffer order.
func (r Result) Markers() []MarkerView {
	if r.Count == 0 {
		return nil
	}
	out := make([]MarkerView, r.Count)
	for i := range out {
		out[i] = r.Marker(i)
	}
	return out
}

// FrameCorners maps the detection-resolution corners back onto the original
// frame for a session running at the given downscale. Pixel centres are
// kept aligned, so x maps to (x+0.5)*downscale-0.5. The result is a new
// slice in the Corners layout.
func (r Result) FrameCorners(downscale int) []float32 {
	if r.Count == 0 {
		return nil
	}
	if downscale < 1 {
		downscale = 1
	}
	f := float32(downscale)
	out := make([]float32, len(r.Corners))
	for i, v := range r.Corners {
		out[i] = (v+0.5)*f - 0.5
	}
	return out
}

// Flatten writes markers and their poses into dst. Every buffer is resized
// to exactly fit the markers before anything is written, so a smaller result
// never exposes data from a larger previous one. Capacity is reused.
//
// With no markers, the id and corner buffers are truncated to zero length,
// the pose buffers are left alone and the returned Result has nil views.
func Flatten(dst *Buffers, markers []aruco.Marker, poses []pose.Pose) (Result, error) {
	n := len(markers)
	if n == 0 {
		dst.IDs = truncate(dst.IDs)
		dst.Corners = truncate(dst.Corners)
		return Result{}, nil
	}
	if len(poses) != n {
		return Result{}, fmt.Errorf("%w: %d markers but %d poses", ErrResultMismatch, n, len(poses))
	}

	nIDs, nCorners, nVecs := RequiredCapacity(n)
	dst.IDs = resize(dst.IDs, nIDs)
	dst.Corners = resize(dst.Corners, nCorners)
	dst.Rvecs = resize(dst.Rvecs, nVecs)
	dst.Tvecs = resize(dst.Tvecs, nVecs)

	for i, m := range markers {
		dst.IDs[i*IDStride] = int32(m.ID)
		c := dst.Corners[i*CornerStride : (i+1)*CornerStride]
		for k, p := range m.Corners {
			c[2*k] = float32(p.X)
			c[2*k+1] = float32(p.Y)
		}
		copy(dst.Rvecs[i*VecStride:(i+1)*VecStride], poses[i].Rvec[:])
		copy(dst.Tvecs[i*VecStride:(i+1)*VecStride], poses[i].Tvec[:])
	}

	return Result{
		Count:   n,
		IDs:     dst.IDs,
		Corners: dst.Corners,
		Rvecs:   dst.Rvecs,
		Tvecs:   dst.Tvecs,
	}, nil
}

// resize returns s with length n, reallocating only when capacity is short.
func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

// truncate empties s but keeps a valid, non-nil backing array.
func truncate[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s[:0]
}
