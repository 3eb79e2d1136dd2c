package audio

import (
	"sync"
	"time"
)

// Stats accumulates runtime counters. Every update is O(1).
type Stats struct {
	mu sync.Mutex

	chunksProcessed int64
	duplicates      int64
	flushes         int64
	transcripts     int64
	errors          int64
	lastError       string
	lastErrorAt     time.Time
	activeSessions  int

	firstLatencyCount int64
	firstLatencySum   time.Duration
	firstLatencyLast  time.Duration
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	ChunksProcessed             int64     `json:"chunksProcessed"`
	DuplicateChunks             int64     `json:"duplicateChunks"`
	Flushes                     int64     `json:"flushes"`
	TranscriptsPublished        int64     `json:"transcriptsPublished"`
	Errors                      int64     `json:"errors"`
	LastError                   string    `json:"lastError,omitempty"`
	LastErrorAt                 time.Time `json:"lastErrorAt,omitempty"`
	ActiveSessions              int       `json:"activeSessions"`
	FirstTranscriptLatencyMs    int64     `json:"firstTranscriptLatencyMs"`
	AvgFirstTranscriptLatencyMs int64     `json:"avgFirstTranscriptLatencyMs"`
}

func (s *Stats) chunk() {
	s.mu.Lock()
	s.chunksProcessed++
	s.mu.Unlock()
}

func (s *Stats) duplicate() {
	s.mu.Lock()
	s.duplicates++
	s.mu.Unlock()
}

func (s *Stats) flushed(published bool) {
	s.mu.Lock()
	s.flushes++
	if published {
		s.transcripts++
	}
	s.mu.Unlock()
}

func (s *Stats) failed(err error) {
	s.mu.Lock()
	s.errors++
	s.lastError = err.Error()
	s.lastErrorAt = time.Now()
	s.mu.Unlock()
}

func (s *Stats) sessions(delta int) {
	s.mu.Lock()
	s.activeSessions += delta
	s.mu.Unlock()
}

func (s *Stats) firstTranscript(d time.Duration) {
	s.mu.Lock()
	s.firstLatencyCount++
	s.firstLatencySum += d
	s.firstLatencyLast = d
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		ChunksProcessed:          s.chunksProcessed,
		DuplicateChunks:          s.duplicates,
		Flushes:                  s.flushes,
		TranscriptsPublished:     s.transcripts,
		Errors:                   s.errors,
		LastError:                s.lastError,
		LastErrorAt:              s.lastErrorAt,
		ActiveSessions:           s.activeSessions,
		FirstTranscriptLatencyMs: s.firstLatencyLast.Milliseconds(),
	}
	if s.firstLatencyCount > 0 {
		snap.AvgFirstTranscriptLatencyMs = (s.firstLatencySum / time.Duration(s.firstLatencyCount)).Milliseconds()
	}
	return snap
}
