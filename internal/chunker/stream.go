package chunker

import (
	"context"
	"sync"
	"time"
)

// Status reports what Stream.Next observed.
type Status int

const (
	// Fragment means a text fragment was returned.
	Fragment Status = iota
	// Idle means no fragment arrived within the timeout.
	Idle
	// End means the stream was closed and drained, or ctx ended.
	End
)

// Stream is an unbounded, ordered queue of assistant text fragments for one
// turn. Producers never block; a single consumer reads it with Next.
type Stream struct {
	mu     sync.Mutex
	items  []string
	closed bool
	signal chan struct{}
}

// NewStream creates an empty stream
func NewStream() *Stream {
	return &Stream{signal: make(chan struct{}, 1)}
}

// Push appends a fragment. Pushes after Close are dropped.
func (s *Stream) Push(fragment string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.items = append(s.items, fragment)
	s.mu.Unlock()
	s.wake()
}

// Close marks end of stream. Buffered fragments remain readable.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next waits up to timeout for the next fragment.
func (s *Stream) Next(ctx context.Context, timeout time.Duration) (string, Status) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			f := s.items[0]
			s.items[0] = ""
			s.items = s.items[1:]
			s.mu.Unlock()
			return f, Fragment
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return "", End
		}

		select {
		case <-ctx.Done():
			return "", End
		case <-timer.C:
			return "", Idle
		case <-s.signal:
		}
	}
}
