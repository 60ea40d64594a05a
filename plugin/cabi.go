package main

import "C"

import (
	"unsafe"

	"aruco_bridge/session"
)

// The helpers below drive the exported entry points with Go values, the way
// a host would drive the C symbols. Test files cannot use cgo themselves.

// hostResult is what detect_markers handed back, copied out of C memory.
type hostResult struct {
	ret    int
	outLen int
	null   [4]bool // ids, corners, rvecs, tvecs
	res    session.Result
}

func hostInit(width, height int, markerSize float32, params []float32, downscale int) {
	var p *C.float
	if len(params) > 0 {
		p = (*C.float)(unsafe.Pointer(&params[0]))
	}
	goInit(C.int(width), C.int(height), C.float(markerSize), p, C.int(downscale))
}

func hostFrame(frame []byte) *C.uchar {
	if len(frame) == 0 {
		return nil
	}
	return (*C.uchar)(unsafe.Pointer(&frame[0]))
}

func hostDetect(frame []byte) hostResult {
	var (
		n       C.int = -7
		ids     *C.int
		corners *C.float
		rvecs   *C.double
		tvecs   *C.double
	)
	ret := int(goDetectMarkers(hostFrame(frame), &n, &ids, &corners, &rvecs, &tvecs))
	out := hostResult{
		ret:    ret,
		outLen: int(n),
		null:   [4]bool{ids == nil, corners == nil, rvecs == nil, tvecs == nil},
	}
	if ret > 0 && ids != nil && corners != nil && rvecs != nil && tvecs != nil {
		nIDs, nCorners, nVecs := session.RequiredCapacity(ret)
		out.res = session.Result{
			Count:   ret,
			IDs:     append([]int32(nil), unsafe.Slice((*int32)(unsafe.Pointer(ids)), nIDs)...),
			Corners: append([]float32(nil), unsafe.Slice((*float32)(unsafe.Pointer(corners)), nCorners)...),
			Rvecs:   append([]float64(nil), unsafe.Slice((*float64)(unsafe.Pointer(rvecs)), nVecs)...),
			Tvecs:   append([]float64(nil), unsafe.Slice((*float64)(unsafe.Pointer(tvecs)), nVecs)...),
		}
	}
	return out
}

// hostDetectInto passes dst's slices as the caller-owned arrays. A nil
// slice becomes a NULL pointer.
func hostDetectInto(frame []byte, capacity int, dst *session.Buffers) int {
	var (
		ids     *C.int
		corners *C.float
		rvecs   *C.double
		tvecs   *C.double
	)
	if len(dst.IDs) > 0 {
		ids = (*C.int)(unsafe.Pointer(&dst.IDs[0]))
	}
	if len(dst.Corners) > 0 {
		corners = (*C.float)(unsafe.Pointer(&dst.Corners[0]))
	}
	if len(dst.Rvecs) > 0 {
		rvecs = (*C.double)(unsafe.Pointer(&dst.Rvecs[0]))
	}
	if len(dst.Tvecs) > 0 {
		tvecs = (*C.double)(unsafe.Pointer(&dst.Tvecs[0]))
	}
	return int(goDetectMarkersInto(hostFrame(frame), C.int(capacity), ids, corners, rvecs, tvecs))
}

func hostLastError() status { return status(goLastError()) }

func hostDestroy() { goDestroy() }
