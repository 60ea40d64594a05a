package camera

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// maxCalibrationFileSize bounds calibration documents; real ones are a few
// hundred bytes.
const maxCalibrationFileSize = 64 * 1024

// ErrCalibrationFile is returned when a calibration document cannot be read.
var ErrCalibrationFile = errors.New("camera: unreadable calibration file")

// Calibration is the on-disk form of a camera calibration.
//
//	fx: 1402.5
//	fy: 1402.5
//	cx: 640
//	cy: 360
//	distortion: [0.1, -0.25, 0, 0, 0.08]
//	image_width: 1280
//	image_height: 720
type Calibration struct {
	Params      `yaml:",inline"`
	ImageWidth  int `yaml:"image_width,omitempty"`
	ImageHeight int `yaml:"image_height,omitempty"`
}

// ParseCalibration decodes and validates a YAML calibration document.
// Unknown keys are rejected so that typos do not silently zero a value.
func ParseCalibration(data []byte) (*Calibration, error) {
	var cal Calibration
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibrationFile, err)
	}
	if err := cal.Params.Validate(); err != nil {
		return nil, err
	}
	if cal.ImageWidth < 0 || cal.ImageHeight < 0 {
		return nil, fmt.Errorf("%w: negative image size %dx%d", ErrInvalidParams, cal.ImageWidth, cal.ImageHeight)
	}
	return &cal, nil
}

// LoadCalibrationFile reads a YAML calibration document from path.
func LoadCalibrationFile(path string) (*Calibration, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("%w: expected .yaml or .yml extension, got %q", ErrCalibrationFile, ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibrationFile, err)
	}
	if info.Size() > maxCalibrationFileSize {
		return nil, fmt.Errorf("%w: file too large: %d bytes", ErrCalibrationFile, info.Size())
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibrationFile, err)
	}
	return ParseCalibration(data)
}

// Marshal encodes the calibration as YAML.
func (c *Calibration) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
