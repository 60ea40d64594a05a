// Package metrics keeps in-memory statistics about processed frames.
// This file contains the plain data types.
package metrics

import "time"

// FrameRecord describes one Detect call.
type FrameRecord struct {
	// SessionID identifies the session that processed the frame
	SessionID string `json:"session_id" yaml:"session_id"`

	// Status is FrameStatusOK or FrameStatusError
	Status string `json:"status" yaml:"status"`

	// Markers is the number of markers reported for the frame
	Markers int `json:"markers" yaml:"markers"`

	// MarkerIDs are the reported ids in detection order
	MarkerIDs []int `json:"marker_ids,omitempty" yaml:"marker_ids,omitempty"`

	// Width and Height are the detection resolution
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`

	// Time is when processing started
	Time time.Time `json:"time" yaml:"time"`

	// Duration is the total processing time
	Duration time.Duration `json:"duration" yaml:"duration"`

	// ErrorMsg contains error details if Status is "error"
	ErrorMsg string `json:"error_msg,omitempty" yaml:"error_msg,omitempty"`
}

// FrameMetrics is the aggregate over every recorded frame.
type FrameMetrics struct {
	TotalFrames       int64         `json:"total_frames" yaml:"total_frames"`
	FramesWithMarkers int64         `json:"frames_with_markers" yaml:"frames_with_markers"`
	TotalMarkers      int64         `json:"total_markers" yaml:"total_markers"`
	TotalErrors       int64         `json:"total_errors" yaml:"total_errors"`
	AvgDuration       time.Duration `json:"avg_duration" yaml:"avg_duration"`
	MaxDuration       time.Duration `json:"max_duration" yaml:"max_duration"`

	// BySession holds the same counters per session id
	BySession map[string]*SessionMetrics `json:"by_session" yaml:"by_session"`

	// MarkerSightings counts how many frames each marker id appeared in
	MarkerSightings map[int]int64 `json:"marker_sightings" yaml:"marker_sightings"`
}

// SessionMetrics are the counters of one session.
type SessionMetrics struct {
	Frames      int64         `json:"frames" yaml:"frames"`
	Markers     int64         `json:"markers" yaml:"markers"`
	Errors      int64         `json:"errors" yaml:"errors"`
	AvgDuration time.Duration `json:"avg_duration" yaml:"avg_duration"`
}

// DetectionRate is the fraction of frames with at least one marker.
func (m FrameMetrics) DetectionRate() float64 {
	if m.TotalFrames == 0 {
		return 0
	}
	return float64(m.FramesWithMarkers) / float64(m.TotalFrames)
}

// Status constants for FrameRecord
const (
	FrameStatusOK    = "ok"
	FrameStatusError = "error"
)
