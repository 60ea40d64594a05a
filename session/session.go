// Package session ties the detection pipeline together: one Session holds
// the camera model, the detector and the result buffers for a fixed frame
// size, and turns raw frames into flat marker results.
//
// A Session is not safe for concurrent use. Callers serialise Detect and
// Close themselves.
package session

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"aruco_bridge/aruco"
	"aruco_bridge/camera"
	"aruco_bridge/logging"
	"aruco_bridge/metrics"
	"aruco_bridge/pose"
	"aruco_bridge/vision"
)

// Session errors
var (
	ErrNotInitialized    = errors.New("session: not initialized")
	ErrClosed            = errors.New("session: closed")
	ErrInvalidConfig     = errors.New("session: invalid configuration")
	ErrDimensionMismatch = errors.New("session: frame does not match configured dimensions")
	ErrDetection         = errors.New("session: marker detection failed")
	ErrPoseEstimation    = errors.New("session: pose estimation failed")
	ErrResultMismatch    = errors.New("session: result count mismatch")
)

// Config is everything a session needs to know up front.
type Config struct {
	FrameWidth  int                `json:"frame_width" yaml:"frame_width"`
	FrameHeight int                `json:"frame_height" yaml:"frame_height"`
	MarkerSize  float64            `json:"marker_size" yaml:"marker_size"`
	Camera      camera.Params      `json:"camera" yaml:"camera"`
	Downscale   int                `json:"downscale" yaml:"downscale"`
	PixelFormat vision.PixelFormat `json:"pixel_format" yaml:"pixel_format"`
}

// ConfigFromBoundary builds a Config from the flat values a host passes
// across the plugin boundary. params uses the [fx, fy, cx, cy, k1, k2, p1,
// p2, k3] layout.
func ConfigFromBoundary(width, height int, markerSize float32, params []float32, downscale int) (Config, error) {
	values := make([]float64, len(params))
	for i, v := range params {
		values[i] = float64(v)
	}
	p, err := camera.ParamsFromSlice(values)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Config{
		FrameWidth:  width,
		FrameHeight: height,
		MarkerSize:  float64(markerSize),
		Camera:      p,
		Downscale:   downscale,
	}, nil
}

// normalize clamps the downscale factor and rejects unusable values.
func (c Config) normalize() (Config, error) {
	if c.Downscale < 1 {
		c.Downscale = 1
	}
	switch {
	case c.FrameWidth <= 0 || c.FrameHeight <= 0:
		return c, fmt.Errorf("%w: frame size %dx%d", ErrInvalidConfig, c.FrameWidth, c.FrameHeight)
	case !(c.MarkerSize > 0) || math.IsInf(c.MarkerSize, 0):
		return c, fmt.Errorf("%w: marker size %g", ErrInvalidConfig, c.MarkerSize)
	case c.FrameWidth/c.Downscale == 0 || c.FrameHeight/c.Downscale == 0:
		return c, fmt.Errorf("%w: downscale %d leaves no pixels of a %dx%d frame",
			ErrInvalidConfig, c.Downscale, c.FrameWidth, c.FrameHeight)
	case c.PixelFormat != vision.PixelFormatRGBA && c.PixelFormat != vision.PixelFormatBGRA:
		return c, fmt.Errorf("%w: pixel format %v", ErrInvalidConfig, c.PixelFormat)
	}
	if err := c.Camera.Validate(); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c, nil
}

// Option customises a Session.
type Option func(*Session)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDetector replaces the default native detector. The session does not
// close a detector it was given.
func WithDetector(d aruco.MarkerDetector) Option {
	return func(s *Session) {
		if d != nil {
			s.detector = d
			s.ownsDetector = false
		}
	}
}

// WithEstimator replaces the default planar pose estimator.
func WithEstimator(e pose.Estimator) Option {
	return func(s *Session) {
		if e != nil {
			s.estimator = e
		}
	}
}

// WithMetrics records a FrameRecord for every Detect call.
func WithMetrics(c metrics.FrameCollector) Option {
	return func(s *Session) {
		s.metrics = c
	}
}

// Session is the per-camera detection state.
type Session struct {
	id           string
	cfg          Config
	cam          *camera.Model
	detector     aruco.MarkerDetector
	ownsDetector bool
	estimator    pose.Estimator
	metrics      metrics.FrameCollector
	logger       *logging.Logger
	buf          Buffers
	closed       bool
}

// New validates cfg and builds a ready session. A downscale factor below 1
// is treated as 1.
func New(cfg Config, opts ...Option) (*Session, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		cam:       camera.NewModel(cfg.Camera, cfg.Downscale),
		estimator: pose.NewPlanarEstimator(),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.detector == nil {
		d, err := aruco.NewDetector(aruco.DefaultParams())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		s.detector = d
		s.ownsDetector = true
	}
	s.logger = s.logger.With(zap.String(logging.FieldSessionID, s.id))

	dw, dh := vision.DetectionSize(cfg.FrameWidth, cfg.FrameHeight, cfg.Downscale)
	fx, fy, cx, cy := s.cam.Intrinsics()
	s.logger.Info("session initialized",
		zap.Int(logging.FieldFrameWidth, cfg.FrameWidth),
		zap.Int(logging.FieldFrameHeight, cfg.FrameHeight),
		zap.Int("downscale", cfg.Downscale),
		zap.Int("detect_width", dw),
		zap.Int("detect_height", dh),
		zap.Float64("marker_size", cfg.MarkerSize),
		zap.Stringer("pixel_format", cfg.PixelFormat),
		zap.Float64s("intrinsics", []float64{fx, fy, cx, cy}),
	)
	return s, nil
}

// ID is the random identifier used in logs and metrics.
func (s *Session) ID() string { return s.id }

// Config returns the normalised configuration.
func (s *Session) Config() Config { return s.cfg }

// Camera returns the detection-resolution camera model.
func (s *Session) Camera() *camera.Model { return s.cam }

func (s *Session) check() error {
	if s == nil || s.cam == nil {
		return ErrNotInitialized
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Detect processes one frame of FrameWidth*FrameHeight 4-byte pixels. The
// returned Result views the session's buffers and stays valid until the next
// Detect or Close. Finding no markers is not an error.
func (s *Session) Detect(frame []byte) (Result, error) {
	if err := s.check(); err != nil {
		return Result{}, err
	}
	return s.detect(frame, &s.buf)
}

// DetectInto is Detect writing into caller-owned buffers, which must not be
// shared with another concurrent call. The session's own buffers are left
// untouched. Read dst through the returned Result; see Buffers for what the
// fields hold after a frame with no markers.
func (s *Session) DetectInto(frame []byte, dst *Buffers) (Result, error) {
	if err := s.check(); err != nil {
		return Result{}, err
	}
	if dst == nil {
		return Result{}, fmt.Errorf("%w: nil destination buffers", ErrInvalidConfig)
	}
	return s.detect(frame, dst)
}

func (s *Session) detect(frame []byte, dst *Buffers) (res Result, err error) {
	start := time.Now()
	defer func() { s.record(start, res, err) }()

	if err := vision.ValidateFrame(frame, s.cfg.FrameWidth, s.cfg.FrameHeight); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDimensionMismatch, err)
	}
	gray, err := vision.Preprocess(frame, s.cfg.FrameWidth, s.cfg.FrameHeight, s.cfg.Downscale, s.cfg.PixelFormat)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDimensionMismatch, err)
	}

	markers, err := s.detector.DetectMarkers(gray)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDetection, err)
	}

	var poses []pose.Pose
	if len(markers) > 0 {
		corners := make([][4]camera.Point, len(markers))
		for i, m := range markers {
			corners[i] = m.Corners
		}
		poses, err = s.estimator.EstimateSingleMarkers(corners, s.cfg.MarkerSize, s.cam)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrPoseEstimation, err)
		}
		s.logMarkers(markers, poses)
	}

	return Flatten(dst, markers, poses)
}

// logMarkers emits one debug line per marker when debug logging is on.
func (s *Session) logMarkers(markers []aruco.Marker, poses []pose.Pose) {
	if ce := s.logger.Zap().Check(zapcore.DebugLevel, "marker"); ce == nil {
		return
	}
	for i, m := range markers {
		if i >= len(poses) {
			return
		}
		s.logger.Debug("marker",
			zap.Int(logging.FieldMarkerID, m.ID),
			zap.Float64("distance", poses[i].Distance()),
			zap.Float64s("rvec", poses[i].Rvec[:]),
			zap.Float64s("tvec", poses[i].Tvec[:]),
			zap.Float64("reprojection_px", pose.ReprojectionError(poses[i], m.Corners, s.cfg.MarkerSize, s.cam)),
		)
	}
}

func (s *Session) record(start time.Time, res Result, err error) {
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Warn("frame failed", zap.Error(err), zap.Duration(logging.FieldDuration, elapsed))
	} else {
		s.logger.Debug("frame processed",
			zap.Int(logging.FieldMarkers, res.Count),
			zap.Duration(logging.FieldDuration, elapsed))
	}
	if s.metrics == nil {
		return
	}

	dw, dh := vision.DetectionSize(s.cfg.FrameWidth, s.cfg.FrameHeight, s.cfg.Downscale)
	rec := metrics.FrameRecord{
		SessionID: s.id,
		Status:    metrics.FrameStatusOK,
		Markers:   res.Count,
		Width:     dw,
		Height:    dh,
		Time:      start,
		Duration:  elapsed,
	}
	if res.Count > 0 {
		rec.MarkerIDs = make([]int, res.Count)
		for i := range rec.MarkerIDs {
			rec.MarkerIDs[i] = int(res.IDs[i])
		}
	}
	if err != nil {
		rec.Status = metrics.FrameStatusError
		rec.ErrorMsg = err.Error()
	}
	s.metrics.RecordFrame(rec)
}

// Close releases the buffers and any detector the session created. A second
// Close returns ErrClosed.
func (s *Session) Close() error {
	if err := s.check(); err != nil {
		return err
	}
	s.closed = true
	s.buf.Reset()

	var err error
	if s.ownsDetector {
		err = aruco.CloseDetector(s.detector)
	}
	s.logger.Info("session destroyed")
	return err
}
