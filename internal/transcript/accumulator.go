package transcript

import (
	"strings"
	"sync"
)

// Accumulator collects finalized speech segments for one candidate turn.
// Segments are kept in capture order; interim text is a replace-only projection
// that is never part of the joined answer.
type Accumulator struct {
	mu       sync.Mutex
	segments []string
	interim  string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Reset clears segments and interim text. Called at the start of every candidate
// turn so no text leaks across turns.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.segments = a.segments[:0]
	a.interim = ""
	a.mu.Unlock()
}

// Append adds one finalized segment to the end of the sequence.
func (a *Accumulator) Append(segment string) {
	a.mu.Lock()
	a.segments = append(a.segments, segment)
	a.interim = ""
	a.mu.Unlock()
}

// Joined returns all segments concatenated with single spaces, trimmed.
// Empty string for zero segments is a valid "empty answer".
func (a *Accumulator) Joined() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.TrimSpace(strings.Join(a.segments, " "))
}

// Segments returns a copy of the finalized segments captured so far.
func (a *Accumulator) Segments() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.segments))
	copy(out, a.segments)
	return out
}

// SetInterim replaces the current interim line.
func (a *Accumulator) SetInterim(text string) {
	a.mu.Lock()
	a.interim = text
	a.mu.Unlock()
}

// Interim returns the current interim line.
func (a *Accumulator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}
