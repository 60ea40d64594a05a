package session

import (
	"errors"
	"image"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"aruco_bridge/aruco"
	"aruco_bridge/camera"
	"aruco_bridge/logging"
	"aruco_bridge/metrics"
	"aruco_bridge/pose"
	"aruco_bridge/vision"
)

const (
	testWidth      = 640
	testHeight     = 480
	testMarkerSize = 0.1
)

var testParams = camera.Params{FocalX: 500, FocalY: 500, PrincipalX: 320, PrincipalY: 240}

func testConfig() Config {
	return Config{
		FrameWidth:  testWidth,
		FrameHeight: testHeight,
		MarkerSize:  testMarkerSize,
		Camera:      testParams,
		Downscale:   1,
	}
}

// placement is a marker id at a pose in front of the test camera.
type placement struct {
	id   int
	pose pose.Pose
}

// renderFrame draws the placements into a white RGBA frame at full
// resolution.
func renderFrame(t *testing.T, placements ...placement) []byte {
	t.Helper()
	cam := camera.NewModel(testParams, 1)
	canvas := image.NewGray(image.Rect(0, 0, testWidth, testHeight))
	for i := range canvas.Pix {
		canvas.Pix[i] = 255
	}
	for _, p := range placements {
		var quad [4]camera.Point
		for i, x := range pose.ObjectPoints(testMarkerSize) {
			quad[i] = cam.ProjectPoint(p.pose.Transform(x))
		}
		require.NoError(t, aruco.RenderQuad(canvas, p.id, quad))
	}
	frame, w, h := vision.FrameFromImage(canvas)
	require.Equal(t, testWidth, w)
	require.Equal(t, testHeight, h)
	return frame
}

func blankFrame() []byte {
	frame := make([]byte, testWidth*testHeight*vision.BytesPerPixel)
	for i := range frame {
		frame[i] = 255
	}
	return frame
}

func at(x, y, z float64) pose.Pose {
	return pose.Pose{Tvec: [3]float64{x, y, z}}
}

func newTestSession(t *testing.T, cfg Config, opts ...Option) *Session {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rotationAngle(rvec []float64) float64 {
	return math.Sqrt(rvec[0]*rvec[0] + rvec[1]*rvec[1] + rvec[2]*rvec[2])
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero width", func(c *Config) { c.FrameWidth = 0 }},
		{"negative height", func(c *Config) { c.FrameHeight = -480 }},
		{"zero marker size", func(c *Config) { c.MarkerSize = 0 }},
		{"negative marker size", func(c *Config) { c.MarkerSize = -0.1 }},
		{"nan marker size", func(c *Config) { c.MarkerSize = math.NaN() }},
		{"zero focal length", func(c *Config) { c.Camera.FocalX = 0 }},
		{"downscale larger than frame", func(c *Config) { c.Downscale = 1000 }},
		{"unknown pixel format", func(c *Config) { c.PixelFormat = vision.PixelFormat(7) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_ClampsDownscale(t *testing.T) {
	for _, downscale := range []int{0, -3} {
		cfg := testConfig()
		cfg.Downscale = downscale
		s := newTestSession(t, cfg)

		assert.Equal(t, 1, s.Config().Downscale)
		assert.Equal(t, 1.0, s.Camera().ScaleRatio())
		assert.Equal(t, 500.0, s.Camera().CalibrationMatrix().At(0, 0))
	}
}

func TestNew_ScalesCamera(t *testing.T) {
	cfg := testConfig()
	cfg.Downscale = 2
	cfg.Camera.Distortion = [5]float64{0.1, -0.2, 0.01, 0.02, 0.3}
	s := newTestSession(t, cfg)

	k := s.Camera().CalibrationMatrix()
	assert.Equal(t, 250.0, k.At(0, 0))
	assert.Equal(t, 250.0, k.At(1, 1))
	assert.Equal(t, 160.0, k.At(0, 2))
	assert.Equal(t, 120.0, k.At(1, 2))
	assert.Equal(t, 0.3, s.Camera().DistortionVector().AtVec(4))
	assert.NotEmpty(t, s.ID())
}

func TestConfigFromBoundary(t *testing.T) {
	params := []float32{500, 500, 320, 240, 0, 0, 0, 0, 0}
	cfg, err := ConfigFromBoundary(640, 480, 0.1, params, 2)
	require.NoError(t, err)
	assert.Equal(t, 640, cfg.FrameWidth)
	assert.Equal(t, 480, cfg.FrameHeight)
	assert.InDelta(t, 0.1, cfg.MarkerSize, 1e-7)
	assert.Equal(t, 2, cfg.Downscale)
	assert.Equal(t, testParams, cfg.Camera)

	_, err = ConfigFromBoundary(640, 480, 0.1, params[:8], 1)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDetect_NoMarkers(t *testing.T) {
	s := newTestSession(t, testConfig())

	res, err := s.Detect(blankFrame())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Nil(t, res.IDs)
	assert.Nil(t, res.Corners)
	assert.Nil(t, res.Rvecs)
	assert.Nil(t, res.Tvecs)
}

func TestDetect_FrontalMarker(t *testing.T) {
	s := newTestSession(t, testConfig())
	frame := renderFrame(t, placement{id: 42, pose: at(0, 0, 0.5)})

	res, err := s.Detect(frame)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, []int32{42}, res.IDs)
	assert.Len(t, res.Corners, 8)
	assert.Len(t, res.Rvecs, 3)
	assert.Len(t, res.Tvecs, 3)

	m := res.Marker(0)
	assert.InDelta(t, 0.5, m.Pose.Distance(), 0.01)
	assert.Less(t, rotationAngle(res.Rvecs), 0.05)

	// Top-left corner first, clockwise.
	assert.InDelta(t, 270, m.Corners[0][0], 1)
	assert.InDelta(t, 190, m.Corners[0][1], 1)
	assert.InDelta(t, 370, m.Corners[2][0], 1)
	assert.InDelta(t, 290, m.Corners[2][1], 1)
}

func TestDetect_TiltedMarker(t *testing.T) {
	s := newTestSession(t, testConfig())
	want := pose.Pose{Rvec: [3]float64{0, 0.5, 0}, Tvec: [3]float64{0.05, -0.02, 0.6}}
	frame := renderFrame(t, placement{id: 300, pose: want})

	res, err := s.Detect(frame)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, int32(300), res.IDs[0])

	got := res.Marker(0).Pose
	assert.InDelta(t, want.Distance(), got.Distance(), 0.02*want.Distance())
	assert.InDelta(t, 0.5, rotationAngle(got.Rvec[:]), 0.1)
}

func TestDetect_MultipleMarkers(t *testing.T) {
	s := newTestSession(t, testConfig())
	frame := renderFrame(t,
		placement{id: 1, pose: at(-0.25, -0.15, 0.7)},
		placement{id: 500, pose: at(0.2, 0.1, 0.5)},
		placement{id: 1000, pose: at(0.22, -0.16, 0.9)},
	)

	res, err := s.Detect(frame)
	require.NoError(t, err)
	require.Equal(t, 3, res.Count)
	assert.Len(t, res.IDs, 3)
	assert.Len(t, res.Corners, 24)
	assert.Len(t, res.Rvecs, 9)
	assert.Len(t, res.Tvecs, 9)

	// Detector order: the closest (largest) marker first.
	assert.Equal(t, []int32{500, 1, 1000}, res.IDs)
	for _, m := range res.Markers() {
		var wantZ float64
		switch m.ID {
		case 1:
			wantZ = 0.7
		case 500:
			wantZ = 0.5
		case 1000:
			wantZ = 0.9
		}
		assert.InDelta(t, wantZ, m.Pose.Tvec[2], 0.02*wantZ, "marker %d", m.ID)
	}
}

func TestDetect_FewerMarkersThanBefore(t *testing.T) {
	s := newTestSession(t, testConfig())
	three := renderFrame(t,
		placement{id: 10, pose: at(-0.2, 0, 0.6)},
		placement{id: 20, pose: at(0, 0, 0.6)},
		placement{id: 30, pose: at(0.2, 0, 0.6)},
	)
	one := renderFrame(t, placement{id: 77, pose: at(0, 0.05, 0.5)})

	first, err := s.Detect(three)
	require.NoError(t, err)
	require.Equal(t, 3, first.Count)
	kept := first.Clone()

	second, err := s.Detect(one)
	require.NoError(t, err)
	require.Equal(t, 1, second.Count)
	assert.Equal(t, []int32{77}, second.IDs)
	assert.Len(t, second.Corners, 8)
	assert.Len(t, second.Rvecs, 3)
	assert.Len(t, second.Tvecs, 3)
	assert.Len(t, s.buf.IDs, 1)
	assert.Len(t, s.buf.Corners, 8)

	assert.ElementsMatch(t, []int32{10, 20, 30}, kept.IDs)

	third, err := s.Detect(blankFrame())
	require.NoError(t, err)
	assert.Equal(t, 0, third.Count)
	assert.Nil(t, third.IDs)
}

func TestDetect_Downscale(t *testing.T) {
	frame := renderFrame(t, placement{id: 99, pose: at(0.02, 0.01, 0.5)})

	full := newTestSession(t, testConfig())
	cfg := testConfig()
	cfg.Downscale = 2
	half := newTestSession(t, cfg)

	fullRes, err := full.Detect(frame)
	require.NoError(t, err)
	halfRes, err := half.Detect(frame)
	require.NoError(t, err)
	require.Equal(t, 1, fullRes.Count)
	require.Equal(t, 1, halfRes.Count)
	assert.Equal(t, fullRes.IDs, halfRes.IDs)

	// Corners are reported at detection resolution.
	mapped := halfRes.FrameCorners(2)
	for i := range fullRes.Corners {
		assert.InDelta(t, fullRes.Corners[i]/2, halfRes.Corners[i], 1.5, "corner value %d", i)
		assert.InDelta(t, fullRes.Corners[i], mapped[i], 2.5, "mapped corner value %d", i)
	}
	assert.InDelta(t, fullRes.Marker(0).Pose.Distance(), halfRes.Marker(0).Pose.Distance(), 0.03*0.5)
}

func TestDetect_DimensionMismatch(t *testing.T) {
	s := newTestSession(t, testConfig())

	_, err := s.Detect(make([]byte, 100))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.ErrorIs(t, err, vision.ErrFrameSizeMismatch)

	// The session stays usable.
	_, err = s.Detect(blankFrame())
	assert.NoError(t, err)
}

func TestSession_Lifecycle(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrClosed)
	_, err = s.Detect(blankFrame())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, s.buf.IDs)

	var zero Session
	_, err = zero.Detect(blankFrame())
	assert.ErrorIs(t, err, ErrNotInitialized)

	var nilSession *Session
	_, err = nilSession.Detect(blankFrame())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, nilSession.Close(), ErrNotInitialized)
}

func TestDetectInto_UsesCallerBuffers(t *testing.T) {
	s := newTestSession(t, testConfig())
	frame := renderFrame(t, placement{id: 5, pose: at(0, 0, 0.5)})

	var mine Buffers
	res, err := s.DetectInto(frame, &mine)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, []int32{5}, mine.IDs)
	assert.Nil(t, s.buf.IDs, "session buffers must stay untouched")

	_, err = s.DetectInto(frame, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDetectInto_EmptyFrameBoundedByCount(t *testing.T) {
	s := newTestSession(t, testConfig())
	frame := renderFrame(t, placement{id: 5, pose: at(0, 0, 0.5)})

	var mine Buffers
	res, err := s.DetectInto(frame, &mine)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)

	res, err = s.DetectInto(blankFrame(), &mine)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Nil(t, res.Rvecs)
	assert.Nil(t, res.Tvecs)

	// Ids and corners follow the count; pose buffers keep the old marker.
	assert.NotNil(t, mine.IDs)
	assert.Empty(t, mine.IDs)
	assert.Empty(t, mine.Corners)
	assert.Len(t, mine.Rvecs, VecStride)
	assert.Len(t, mine.Tvecs, VecStride)
	assert.Empty(t, mine.Tvecs[:res.Count*VecStride])
}

// fakeDetector returns fixed markers or an error.
type fakeDetector struct {
	markers []aruco.Marker
	err     error
	calls   int
	size    image.Point
}

func (f *fakeDetector) DetectMarkers(img *image.Gray) ([]aruco.Marker, error) {
	f.calls++
	f.size = img.Bounds().Size()
	return f.markers, f.err
}

type failingEstimator struct{}

func (failingEstimator) EstimateSingleMarkers([][4]camera.Point, float64, *camera.Model) ([]pose.Pose, error) {
	return nil, errors.New("boom")
}

func TestDetect_InjectedComponents(t *testing.T) {
	cam := camera.NewModel(testParams, 2)
	var corners [4]camera.Point
	for i, x := range pose.ObjectPoints(testMarkerSize) {
		corners[i] = cam.ProjectPoint(at(0, 0, 1).Transform(x))
	}
	det := &fakeDetector{markers: []aruco.Marker{{ID: 3, Corners: corners}}}

	cfg := testConfig()
	cfg.Downscale = 2
	s := newTestSession(t, cfg, WithDetector(det))

	res, err := s.Detect(blankFrame())
	require.NoError(t, err)
	assert.Equal(t, 1, det.calls)
	assert.Equal(t, image.Pt(320, 240), det.size)
	require.Equal(t, 1, res.Count)
	assert.InDelta(t, 1.0, res.Tvecs[2], 1e-6)

	det.err = errors.New("camera unplugged")
	_, err = s.Detect(blankFrame())
	assert.ErrorIs(t, err, ErrDetection)

	det.err = nil
	failing := newTestSession(t, cfg, WithDetector(det), WithEstimator(failingEstimator{}))
	_, err = failing.Detect(blankFrame())
	assert.ErrorIs(t, err, ErrPoseEstimation)
}

func TestDetect_RecordsMetrics(t *testing.T) {
	store := metrics.NewStore(metrics.DefaultStoreConfig(), time.Now())
	s := newTestSession(t, testConfig(), WithMetrics(store))

	_, err := s.Detect(renderFrame(t, placement{id: 8, pose: at(0, 0, 0.5)}))
	require.NoError(t, err)
	_, err = s.Detect(blankFrame())
	require.NoError(t, err)
	_, err = s.Detect(nil)
	require.Error(t, err)

	m := store.GetFrameMetrics()
	assert.Equal(t, int64(3), m.TotalFrames)
	assert.Equal(t, int64(1), m.FramesWithMarkers)
	assert.Equal(t, int64(1), m.TotalErrors)
	assert.Equal(t, int64(1), m.MarkerSightings[8])
	require.Contains(t, m.BySession, s.ID())

	recent := store.GetRecentFrames(3)
	require.Len(t, recent, 3)
	assert.Equal(t, []int{8}, recent[0].MarkerIDs)
	assert.Equal(t, testWidth, recent[0].Width)
	assert.Equal(t, metrics.FrameStatusError, recent[2].Status)
}

func TestSession_Logging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s, err := New(testConfig(), WithLogger(logging.NewLoggerFromCore(core)))
	require.NoError(t, err)

	started := logs.FilterMessage("session initialized").All()
	require.Len(t, started, 1)
	assert.Equal(t, s.ID(), started[0].ContextMap()[logging.FieldSessionID])
	assert.EqualValues(t, testWidth, started[0].ContextMap()[logging.FieldFrameWidth])

	_, err = s.Detect(renderFrame(t, placement{id: 61, pose: at(0, 0, 0.5)}))
	require.NoError(t, err)

	markerLogs := logs.FilterMessage("marker").All()
	require.Len(t, markerLogs, 1)
	assert.EqualValues(t, 61, markerLogs[0].ContextMap()[logging.FieldMarkerID])

	frameLogs := logs.FilterMessage("frame processed").All()
	require.Len(t, frameLogs, 1)
	assert.EqualValues(t, 1, frameLogs[0].ContextMap()[logging.FieldMarkers])

	_, err = s.Detect([]byte{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("frame failed").Len())

	require.NoError(t, s.Close())
	assert.Equal(t, 1, logs.FilterMessage("session destroyed").Len())
}
