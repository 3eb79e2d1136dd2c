package viewer

import (
	"sync"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
)

// Line is one transcript line held by the viewer.
type Line struct {
	Seq         int64                 `json:"seq"`
	Type        models.TranscriptType `json:"type"`
	Text        string                `json:"text"`
	Confidence  float64               `json:"confidence"`
	TimestampMs int64                 `json:"timestampMs"`
}

func (l Line) final() bool {
	return l.Type == models.TranscriptFinal
}

// History is a bounded, seq-deduplicated transcript history. Lines arriving
// over either the live stream or polling are merged without double counting.
type History struct {
	max int

	mu    sync.Mutex
	lines []Line
	// lowWater is the highest seq pruned; anything at or below it is a repeat.
	lowWater int64
	lastSeq  int64
}

// NewHistory creates a history keeping at most max lines.
func NewHistory(max int) *History {
	if max <= 0 {
		max = 200
	}
	return &History{max: max}
}

// Add merges l and reports whether the history changed. A final replaces a
// partial with the same seq. Unknown-seq lines are matched by content.
func (h *History) Add(l Line) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if l.Seq == models.SeqUnknown {
		for _, existing := range h.lines {
			if existing.Seq == models.SeqUnknown && existing.Type == l.Type && existing.Text == l.Text {
				return false
			}
		}
		h.append(l)
		return true
	}

	if l.Seq <= h.lowWater {
		return false
	}
	for i := range h.lines {
		if h.lines[i].Seq != l.Seq {
			continue
		}
		if l.final() && !h.lines[i].final() {
			h.lines[i] = l
			return true
		}
		return false
	}

	h.append(l)
	if l.Seq > h.lastSeq {
		h.lastSeq = l.Seq
	}
	return true
}

func (h *History) append(l Line) {
	h.lines = append(h.lines, l)
	for len(h.lines) > h.max {
		if s := h.lines[0].Seq; s > h.lowWater {
			h.lowWater = s
		}
		h.lines = h.lines[1:]
	}
}

// Lines returns a copy of the retained lines, oldest first.
func (h *History) Lines() []Line {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Line(nil), h.lines...)
}

// LastSeq is the highest seq seen, used as the polling cursor.
func (h *History) LastSeq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeq
}

// Len returns the number of retained lines.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lines)
}
