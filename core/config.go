package core

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"go.uber.org/zap/zapcore"

	"aruco_bridge/aruco"
	"aruco_bridge/camera"
	"aruco_bridge/logging"
	"aruco_bridge/session"
	"aruco_bridge/vision"
)

// Environment variables read by LoadConfig.
const (
	EnvFrameWidth      = "ARUCO_FRAME_WIDTH"
	EnvFrameHeight     = "ARUCO_FRAME_HEIGHT"
	EnvMarkerSize      = "ARUCO_MARKER_SIZE"
	EnvCameraParams    = "ARUCO_CAMERA_PARAMS"
	EnvCalibrationFile = "ARUCO_CALIBRATION_FILE"
	EnvDownscale       = "ARUCO_DOWNSCALE"
	EnvPixelFormat     = "ARUCO_PIXEL_FORMAT"
	EnvDetector        = "ARUCO_DETECTOR"
	EnvLogFile         = "ARUCO_LOG_FILE"
	EnvLogLevel        = "ARUCO_LOG_LEVEL"
	EnvDevMode         = "DEV_MODE"
)

// Defaults used when a variable is unset.
const (
	DefaultMarkerSize = 0.05 // metres
	DefaultDownscale  = 1
	DefaultLogFile    = "aruco_bridge.log"
)

// Config holds all configuration values
type Config struct {
	// Frame geometry. Zero width and height mean "take it from the input",
	// which is what the CLI does for image files.
	FrameWidth  int
	FrameHeight int
	PixelFormat vision.PixelFormat
	Downscale   int

	// Marker side length in metres; poses come out in the same unit.
	MarkerSize float64

	// Camera calibration, either from ARUCO_CAMERA_PARAMS or from the YAML
	// document at CalibrationFile.
	Camera          camera.Params
	CalibrationFile string

	// Detector backend name, see aruco.Backends.
	Detector string

	// Logging
	LogFile  string
	LogLevel zapcore.Level
	DevMode  bool
}

// LoadConfig loads configuration from environment variables. Callers load a
// .env file first if they want one. Only the camera calibration is required.
func LoadConfig() (*Config, error) {
	devMode := ParseBoolEnv(EnvDevMode, false)
	defaultLevel := zapcore.InfoLevel
	if devMode {
		defaultLevel = zapcore.DebugLevel
	}

	cfg := &Config{
		FrameWidth:      ParseIntEnv(EnvFrameWidth, 0),
		FrameHeight:     ParseIntEnv(EnvFrameHeight, 0),
		Downscale:       ParseIntEnv(EnvDownscale, DefaultDownscale),
		MarkerSize:      ParseFloat64Env(EnvMarkerSize, DefaultMarkerSize),
		CalibrationFile: strings.TrimSpace(os.Getenv(EnvCalibrationFile)),
		Detector:        strings.ToLower(GetEnvOrDefault(EnvDetector, aruco.BackendNative)),
		LogFile:         GetEnvOrDefault(EnvLogFile, DefaultLogFile),
		LogLevel:        logging.ParseLogLevel(EnvLogLevel, defaultLevel),
		DevMode:         devMode,
	}

	format, err := vision.ParsePixelFormat(os.Getenv(EnvPixelFormat))
	if err != nil {
		return nil, ErrInvalidValue(EnvPixelFormat, os.Getenv(EnvPixelFormat), "expected rgba or bgra")
	}
	cfg.PixelFormat = format

	if err := cfg.loadCamera(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadCamera fills Camera from the inline parameter list, falling back to the
// calibration file. Setting both is an error.
func (c *Config) loadCamera() error {
	raw := strings.TrimSpace(os.Getenv(EnvCameraParams))
	switch {
	case raw != "" && c.CalibrationFile != "":
		return ErrConflictingConfig(EnvCameraParams, EnvCalibrationFile)
	case raw != "":
		values, err := ParseFloatList(raw)
		if err != nil {
			return ErrInvalidValue(EnvCameraParams, raw, err.Error())
		}
		p, err := camera.ParamsFromSlice(values)
		if err != nil {
			return ErrInvalidCalibration(EnvCameraParams, err)
		}
		c.Camera = p
	case c.CalibrationFile != "":
		cal, err := camera.LoadCalibrationFile(c.CalibrationFile)
		if err != nil {
			return ErrInvalidCalibration(c.CalibrationFile, err)
		}
		c.Camera = cal.Params
		if c.FrameWidth == 0 && c.FrameHeight == 0 {
			c.FrameWidth, c.FrameHeight = cal.ImageWidth, cal.ImageHeight
		}
	default:
		return ErrMissingConfig(EnvCameraParams + " or " + EnvCalibrationFile)
	}
	return nil
}

// Validate checks the values that do not depend on an input frame.
func (c *Config) Validate() error {
	if c.FrameWidth < 0 || c.FrameHeight < 0 || (c.FrameWidth == 0) != (c.FrameHeight == 0) {
		return ErrInvalidValue(EnvFrameWidth+"/"+EnvFrameHeight,
			fmt.Sprintf("%dx%d", c.FrameWidth, c.FrameHeight), "set both to positive values or leave both unset")
	}
	if !(c.MarkerSize > 0) {
		return ErrInvalidValue(EnvMarkerSize, fmt.Sprint(c.MarkerSize), "marker size must be positive")
	}
	if err := c.Camera.Validate(); err != nil {
		return ErrInvalidCalibration(EnvCameraParams, err)
	}
	if !slices.Contains(aruco.Backends(), c.Detector) {
		return ErrInvalidValue(EnvDetector, c.Detector, "expected one of "+strings.Join(aruco.Backends(), ", "))
	}
	return nil
}

// SessionConfig returns the session configuration for a frame of the given
// size. Zero width or height fall back to the configured frame size.
func (c *Config) SessionConfig(width, height int) session.Config {
	if width == 0 || height == 0 {
		width, height = c.FrameWidth, c.FrameHeight
	}
	return session.Config{
		FrameWidth:  width,
		FrameHeight: height,
		MarkerSize:  c.MarkerSize,
		Camera:      c.Camera,
		Downscale:   c.Downscale,
		PixelFormat: c.PixelFormat,
	}
}
