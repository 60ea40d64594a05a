package main

import (
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"aruco_bridge/aruco"
	"aruco_bridge/core"
	"aruco_bridge/logging"
	"aruco_bridge/metrics"
	"aruco_bridge/session"
	"aruco_bridge/vision"
)

// status is the tagged outcome of the last boundary call, readable by the
// host through last_error.
type status int32

const (
	statusOK                status = 0
	statusNotInitialized    status = 1
	statusClosed            status = 2
	statusDimensionMismatch status = 3
	statusInvalidConfig     status = 4
	statusFailed            status = 5
)

// detectFailed is what detect_markers returns instead of a count.
const detectFailed = -1

func (s status) String() string {
	switch s {
	case statusOK:
		return "ok"
	case statusNotInitialized:
		return "not initialized"
	case statusClosed:
		return "destroyed"
	case statusDimensionMismatch:
		return "dimension mismatch"
	case statusInvalidConfig:
		return "invalid configuration"
	default:
		return "failed"
	}
}

func statusOf(err error) status {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, session.ErrNotInitialized):
		return statusNotInitialized
	case errors.Is(err, session.ErrClosed):
		return statusClosed
	case errors.Is(err, session.ErrDimensionMismatch):
		return statusDimensionMismatch
	case errors.Is(err, session.ErrInvalidConfig):
		return statusInvalidConfig
	default:
		return statusFailed
	}
}

// bridge is the process-wide state behind the C exports. Every method takes
// the mutex, so a host that breaks the one-call-at-a-time rule gets
// serialised calls rather than corrupted buffers.
type bridge struct {
	mu      sync.Mutex
	sink    *logging.CallbackSink
	logger  *logging.Logger
	stats   *metrics.Store
	sess    *session.Session
	backend aruco.MarkerDetector // non-native detector owned by the bridge
	lastErr status
}

func newBridge(level zapcore.Level) *bridge {
	sink := logging.NewCallbackSink(level)
	return &bridge{
		sink:   sink,
		logger: logging.NewLoggerFromCore(sink).Named("aruco"),
		stats:  metrics.NewStore(metrics.DefaultStoreConfig(), time.Now()),
	}
}

// setSink installs the host's debug function. nil mutes logging.
func (b *bridge) setSink(fn logging.SinkFunc) {
	b.sink.Set(fn)
}

// initSession builds a new session, replacing any previous one.
func (b *bridge) initSession(width, height int, markerSize float32, params []float32, downscale int) status {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sess != nil {
		if err := b.sess.Close(); err == nil {
			b.logger.Warn("init called twice; previous session destroyed")
		}
		b.sess = nil
	}
	b.releaseBackend()

	cfg, err := session.ConfigFromBoundary(width, height, markerSize, params, downscale)
	if err == nil {
		cfg.PixelFormat, err = vision.ParsePixelFormat(os.Getenv(core.EnvPixelFormat))
		if err != nil {
			err = errors.Join(session.ErrInvalidConfig, err)
		}
	}
	if err != nil {
		return b.fail("init failed", err)
	}

	opts := []session.Option{session.WithLogger(b.logger), session.WithMetrics(b.stats)}
	if name := os.Getenv(core.EnvDetector); name != "" && name != aruco.BackendNative {
		d, err := aruco.NewBackend(name)
		if err != nil {
			b.logger.Warn("detector backend unavailable, using native", zap.String("backend", name), zap.Error(err))
		} else {
			b.backend = d
			opts = append(opts, session.WithDetector(d))
		}
	}

	s, err := session.New(cfg, opts...)
	if err != nil {
		b.releaseBackend()
		return b.fail("init failed", err)
	}
	b.sess = s
	b.lastErr = statusOK
	b.logger.Debug("plugin ready", zap.Stringer("build", core.GetBuildInfo()))
	return statusOK
}

// frameLen is the byte length detect expects, or 0 when there is no live
// session. The caller holds the lock.
func (b *bridge) frameLen() int {
	if b.sess == nil {
		return 0
	}
	cfg := b.sess.Config()
	return cfg.FrameWidth * cfg.FrameHeight * vision.BytesPerPixel
}

// detect runs one frame and hands the result to publish while the lock is
// still held, so the views cannot be overwritten underneath it. On failure
// publish sees an empty Result. It returns the marker count or detectFailed.
func (b *bridge) detect(frame []byte, publish func(session.Result) error) int {
	return b.detectView(func(int) []byte { return frame }, publish)
}

// detectView is detect for frames the bridge cannot size itself. view gets
// the byte length of the live session, or 0 without one, and is called
// under the same lock as the detection.
func (b *bridge) detectView(view func(n int) []byte, publish func(session.Result) error) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.sess.Detect(view(b.frameLen()))
	if err == nil {
		err = publish(res)
	}
	if err != nil {
		b.fail("detect_markers failed", err)
		_ = publish(session.Result{})
		return detectFailed
	}
	b.lastErr = statusOK
	return res.Count
}

// destroy closes the session. Later detect calls report statusClosed.
func (b *bridge) destroy() status {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.sess.Close(); err != nil {
		return b.fail("destroy failed", err)
	}
	b.releaseBackend()
	m := b.stats.GetFrameMetrics()
	fields := []zap.Field{
		zap.Int64("frames", m.TotalFrames),
		zap.Int64("frames_with_markers", m.FramesWithMarkers),
		zap.Float64("detection_rate", m.DetectionRate()),
		zap.Int64("errors", m.TotalErrors),
		zap.Duration("avg_duration", m.AvgDuration),
		zap.Duration("max_duration", m.MaxDuration),
	}
	if last := b.stats.GetRecentFrames(1); len(last) == 1 {
		fields = append(fields, zap.String("last_frame_status", last[0].Status))
	}
	b.logger.Debug("session summary", fields...)
	b.lastErr = statusOK
	return statusOK
}

func (b *bridge) releaseBackend() {
	if b.backend == nil {
		return
	}
	if err := aruco.CloseDetector(b.backend); err != nil {
		b.logger.Warn("closing detector backend", zap.Error(err))
	}
	b.backend = nil
}

func (b *bridge) lastError() status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// fail records and logs a boundary failure. The C ABI cannot carry the
// error itself.
func (b *bridge) fail(msg string, err error) status {
	b.lastErr = statusOf(err)
	b.logger.Error(msg, zap.Stringer("status", b.lastErr), zap.Error(err))
	return b.lastErr
}
