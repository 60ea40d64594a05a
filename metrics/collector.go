package metrics

// FrameCollector receives per-frame records and serves aggregates.
// Implementations must be safe for concurrent use.
type FrameCollector interface {
	// RecordFrame logs one processed frame.
	RecordFrame(rec FrameRecord)

	// GetFrameMetrics returns the aggregate over all recorded frames.
	GetFrameMetrics() FrameMetrics

	// GetRecentFrames returns up to limit records, oldest first.
	GetRecentFrames(limit int) []FrameRecord
}
