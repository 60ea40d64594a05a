package metrics

import (
	"sync"
	"time"
)

// Store is an in-memory FrameCollector. It keeps the most recent frames in
// a fixed ring and running totals for everything ever recorded.
//
// Usage:
//
//	store := NewStore(DefaultStoreConfig(), time.Now())
//	sess, _ := session.New(cfg, session.WithMetrics(store))
//	...
//	fmt.Println(store.GetFrameMetrics().DetectionRate())
type Store struct {
	mu sync.RWMutex

	// Frame history ring
	history []FrameRecord
	cap     int
	head    int // next write index
	size    int

	// Aggregates
	totalFrames       int64
	framesWithMarkers int64
	totalMarkers      int64
	totalErrors       int64
	totalDuration     time.Duration
	maxDuration       time.Duration
	bySession         map[string]*sessionStats
	sightings         map[int]int64

	startTime time.Time
}

// sessionStats holds per-session aggregation data
type sessionStats struct {
	frames        int64
	markers       int64
	errors        int64
	totalDuration time.Duration
}

// StoreConfig configures the Store.
type StoreConfig struct {
	// HistoryCapacity is the max number of frames to retain
	HistoryCapacity int
}

// DefaultStoreConfig returns a default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{HistoryCapacity: 256}
}

// NewStore creates a Store. startTime anchors Uptime.
func NewStore(config StoreConfig, startTime time.Time) *Store {
	c := config.HistoryCapacity
	if c < 1 {
		c = DefaultStoreConfig().HistoryCapacity
	}
	return &Store{
		history:   make([]FrameRecord, c),
		cap:       c,
		bySession: make(map[string]*sessionStats),
		sightings: make(map[int]int64),
		startTime: startTime,
	}
}

// RecordFrame implements FrameCollector.
func (s *Store) RecordFrame(rec FrameRecord) {
	// The ring keeps its own copy of the ids.
	if rec.MarkerIDs != nil {
		rec.MarkerIDs = append([]int(nil), rec.MarkerIDs...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[s.head] = rec
	s.head = (s.head + 1) % s.cap
	if s.size < s.cap {
		s.size++
	}

	s.totalFrames++
	s.totalDuration += rec.Duration
	if rec.Duration > s.maxDuration {
		s.maxDuration = rec.Duration
	}
	if rec.Status == FrameStatusError {
		s.totalErrors++
	}
	if rec.Markers > 0 {
		s.framesWithMarkers++
		s.totalMarkers += int64(rec.Markers)
	}
	seen := make(map[int]bool, len(rec.MarkerIDs))
	for _, id := range rec.MarkerIDs {
		if !seen[id] {
			seen[id] = true
			s.sightings[id]++
		}
	}

	stats, ok := s.bySession[rec.SessionID]
	if !ok {
		stats = &sessionStats{}
		s.bySession[rec.SessionID] = stats
	}
	stats.frames++
	stats.markers += int64(rec.Markers)
	stats.totalDuration += rec.Duration
	if rec.Status == FrameStatusError {
		stats.errors++
	}
}

// GetFrameMetrics implements FrameCollector.
func (s *Store) GetFrameMetrics() FrameMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := FrameMetrics{
		TotalFrames:       s.totalFrames,
		FramesWithMarkers: s.framesWithMarkers,
		TotalMarkers:      s.totalMarkers,
		TotalErrors:       s.totalErrors,
		MaxDuration:       s.maxDuration,
		BySession:         make(map[string]*SessionMetrics, len(s.bySession)),
		MarkerSightings:   make(map[int]int64, len(s.sightings)),
	}
	if s.totalFrames > 0 {
		m.AvgDuration = s.totalDuration / time.Duration(s.totalFrames)
	}
	for id, stats := range s.bySession {
		var avg time.Duration
		if stats.frames > 0 {
			avg = stats.totalDuration / time.Duration(stats.frames)
		}
		m.BySession[id] = &SessionMetrics{
			Frames:      stats.frames,
			Markers:     stats.markers,
			Errors:      stats.errors,
			AvgDuration: avg,
		}
	}
	for id, n := range s.sightings {
		m.MarkerSightings[id] = n
	}
	return m
}

// GetRecentFrames implements FrameCollector.
func (s *Store) GetRecentFrames(limit int) []FrameRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.size == 0 {
		return []FrameRecord{}
	}
	if limit > s.size {
		limit = s.size
	}

	result := make([]FrameRecord, limit)
	for i := 0; i < limit; i++ {
		idx := (s.head - limit + i + s.cap) % s.cap
		result[i] = s.history[idx]
	}
	return result
}

// Uptime is the time since the store was created.
func (s *Store) Uptime() time.Duration {
	return time.Since(s.startTime)
}

var _ FrameCollector = (*Store)(nil)
