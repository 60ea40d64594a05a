// Command plugin is the native ArUco tracking library loaded by the host
// application:
//
//	CGO_ENABLED=1 go build -buildmode=c-shared -o libaruco_tracking.so ./plugin
//
// Add -tags gocv to compile in the OpenCV detector backend. The C API is
// declared in aruco_tracking.h.
package main

/*
#include <stdlib.h>
#include "aruco_tracking.h"
*/
import "C"

import (
	"errors"
	"unsafe"

	"go.uber.org/zap/zapcore"

	"aruco_bridge/camera"
	"aruco_bridge/core"
	"aruco_bridge/logging"
	"aruco_bridge/session"
)

var (
	state = newBridge(logging.ParseLogLevel(core.EnvLogLevel, zapcore.DebugLevel))

	// out is the C heap storage detect_markers hands to the host. It is
	// only touched under the bridge lock.
	out cBuffers

	errOutOfMemory      = errors.New("plugin: result buffer allocation failed")
	errNilDestination   = errors.New("plugin: nil destination array")
	errNegativeCapacity = errors.New("plugin: negative capacity")
)

// cBuffers are C allocations sized for exactly n markers.
type cBuffers struct {
	n       int
	ids     *C.int
	corners *C.float
	rvecs   *C.double
	tvecs   *C.double
}

func (c *cBuffers) free() {
	C.free(unsafe.Pointer(c.ids))
	C.free(unsafe.Pointer(c.corners))
	C.free(unsafe.Pointer(c.rvecs))
	C.free(unsafe.Pointer(c.tvecs))
	*c = cBuffers{}
}

// resize reallocates for n markers unless the size already matches.
func (c *cBuffers) resize(n int) error {
	if n == c.n {
		return nil
	}
	c.free()
	if n == 0 {
		return nil
	}
	ids, corners, vecs := session.RequiredCapacity(n)
	c.ids = (*C.int)(C.malloc(C.size_t(ids) * C.sizeof_int))
	c.corners = (*C.float)(C.malloc(C.size_t(corners) * C.sizeof_float))
	c.rvecs = (*C.double)(C.malloc(C.size_t(vecs) * C.sizeof_double))
	c.tvecs = (*C.double)(C.malloc(C.size_t(vecs) * C.sizeof_double))
	if c.ids == nil || c.corners == nil || c.rvecs == nil || c.tvecs == nil {
		c.free()
		return errOutOfMemory
	}
	c.n = n
	return nil
}

// store copies res into the C buffers, resizing them first.
func (c *cBuffers) store(res session.Result) error {
	if err := c.resize(res.Count); err != nil {
		return err
	}
	if res.Count == 0 {
		return nil
	}
	copyOut(res, res.Count, c.ids, c.corners, c.rvecs, c.tvecs)
	return nil
}

// copyOut writes the first k markers of res into C arrays sized for at
// least k markers.
func copyOut(res session.Result, k int, ids *C.int, corners *C.float, rvecs, tvecs *C.double) {
	nIDs, nCorners, nVecs := session.RequiredCapacity(k)
	copy(unsafe.Slice((*int32)(unsafe.Pointer(ids)), nIDs), res.IDs)
	copy(unsafe.Slice((*float32)(unsafe.Pointer(corners)), nCorners), res.Corners)
	copy(unsafe.Slice((*float64)(unsafe.Pointer(rvecs)), nVecs), res.Rvecs)
	copy(unsafe.Slice((*float64)(unsafe.Pointer(tvecs)), nVecs), res.Tvecs)
}

// frameView views the host frame without copying. nil when there is no
// session to size it.
func frameView(img *C.uchar) func(n int) []byte {
	return func(n int) []byte {
		if img == nil || n == 0 {
			return nil
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(img)), n)
	}
}

//export goInit
func goInit(width, height C.int, markerSize C.float, params *C.float, downscale C.int) {
	var values []float32
	if params != nil {
		values = unsafe.Slice((*float32)(unsafe.Pointer(params)), camera.ParamCount)
	}
	state.initSession(int(width), int(height), float32(markerSize), values, int(downscale))
}

//export goDetectMarkers
func goDetectMarkers(img *C.uchar, outLen *C.int, outIDs **C.int, outCorners **C.float, outRvecs, outTvecs **C.double) C.int {
	n := state.detectView(frameView(img), func(res session.Result) error {
		err := out.store(res)
		if outLen != nil {
			*outLen = C.int(out.n)
		}
		if outIDs != nil {
			*outIDs = out.ids
		}
		if outCorners != nil {
			*outCorners = out.corners
		}
		if outRvecs != nil {
			*outRvecs = out.rvecs
		}
		if outTvecs != nil {
			*outTvecs = out.tvecs
		}
		return err
	})
	return C.int(n)
}

//export goDetectMarkersInto
func goDetectMarkersInto(img *C.uchar, capacity C.int, ids *C.int, corners *C.float, rvecs, tvecs *C.double) C.int {
	n := state.detectView(frameView(img), func(res session.Result) error {
		if capacity < 0 {
			return errNegativeCapacity
		}
		k := min(res.Count, int(capacity))
		if k == 0 {
			return nil
		}
		if ids == nil || corners == nil || rvecs == nil || tvecs == nil {
			return errNilDestination
		}
		copyOut(res, k, ids, corners, rvecs, tvecs)
		return nil
	})
	return C.int(n)
}

//export goLastError
func goLastError() C.int {
	return C.int(state.lastError())
}

//export goDestroy
func goDestroy() {
	state.destroy()
	state.mu.Lock()
	out.free()
	state.mu.Unlock()
}

//export goSetDebugCb
func goSetDebugCb(fn C.PrintFunc) {
	if fn == nil {
		state.setSink(nil)
		return
	}
	state.setSink(func(line string) {
		msg := C.CString(line)
		defer C.free(unsafe.Pointer(msg))
		C.aruco_call_print(fn, msg)
	})
}

func main() {}
