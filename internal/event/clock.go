package event

import (
	"sync/atomic"
	"time"
)

// Clock supplies event timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall-clock time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Sequence is a monotonic counter used to assign stream positions.
//
// Safe for concurrent use, though logs only call Next while holding their
// write lock so positions follow commit order.
type Sequence struct {
	seq atomic.Int64
}

// NewSequenceAt returns a sequence whose next value is start+1.
// Used when reopening a persisted log.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next position.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last position handed out.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
