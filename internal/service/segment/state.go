// Package segment provides transcript sequence numbering and the per-interaction
// audio buffer lifecycle.
package segment

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of an interaction's audio buffer.
type State int

const (
	// StateEmpty - No audio received yet.
	StateEmpty State = iota
	// StateAccumulating - Frames are being appended.
	StateAccumulating
	// StateFlushing - Buffer handed to the provider; appends wait.
	StateFlushing
	// StateClosed - End of call or idle timeout. Terminal.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateAccumulating:
		return "ACCUMULATING"
	case StateFlushing:
		return "FLUSHING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// Errors for invalid state transitions.
var (
	ErrBufferClosed    = errors.New("buffer is closed")
	ErrFlushInProgress = errors.New("flush in progress")
	ErrNothingToFlush  = errors.New("nothing to flush")
	ErrNotFlushing     = errors.New("no flush in progress")
)

// Lifecycle manages the state machine for one interaction's buffer.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	EMPTY → ACCUMULATING ⇄ FLUSHING
//	  │           │            │
//	  └───────────┴────────────┴── Close() ──→ CLOSED
//
// Rules:
//   - Append is allowed in EMPTY and ACCUMULATING
//   - BeginFlush is allowed only in ACCUMULATING; EndFlush returns to ACCUMULATING
//   - CLOSED rejects everything; Close is idempotent
type Lifecycle struct {
	mu            sync.RWMutex
	interactionId string
	state         State
	flushes       int64
}

// NewLifecycle creates a new buffer lifecycle in EMPTY state.
func NewLifecycle(interactionId string) *Lifecycle {
	return &Lifecycle{
		interactionId: interactionId,
		state:         StateEmpty,
	}
}

// InteractionId returns the owning interaction.
func (l *Lifecycle) InteractionId() string {
	return l.interactionId
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Flushes returns how many flushes completed.
func (l *Lifecycle) Flushes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.flushes
}

// IsClosed returns true once the buffer is closed.
func (l *Lifecycle) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.IsTerminal()
}

// Append validates and records a frame being buffered.
func (l *Lifecycle) Append() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateEmpty, StateAccumulating:
		l.state = StateAccumulating
		return nil
	case StateFlushing:
		return ErrFlushInProgress
	case StateClosed:
		return ErrBufferClosed
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// BeginFlush transitions ACCUMULATING to FLUSHING.
func (l *Lifecycle) BeginFlush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateAccumulating:
		l.state = StateFlushing
		return nil
	case StateEmpty:
		return ErrNothingToFlush
	case StateFlushing:
		return ErrFlushInProgress
	case StateClosed:
		return ErrBufferClosed
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// EndFlush returns a flushing buffer to ACCUMULATING. A buffer closed while
// flushing stays CLOSED.
func (l *Lifecycle) EndFlush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateFlushing:
		l.state = StateAccumulating
		l.flushes++
		return nil
	case StateClosed:
		return ErrBufferClosed
	default:
		return ErrNotFlushing
	}
}

// Close transitions the buffer to CLOSED from any state. Idempotent.
// Returns true if this call closed it.
func (l *Lifecycle) Close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateClosed
	return true
}
