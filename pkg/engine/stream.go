package engine

import (
	"context"
	"sync"

	"petoiwire/pkg/protocol"
)

// StreamReader exposes the end of the live telemetry stream.
type StreamReader interface {
	Tail(maxChars int) string
}

// StreamBuffer accumulates device telemetry text. It has one writer and any
// number of readers; readers may observe a frame that is still arriving.
type StreamBuffer struct {
	mu   sync.RWMutex
	buf  []byte
	max  int
	seen uint64
}

const defaultStreamSize = 64 * 1024

func NewStreamBuffer(maxBytes int) *StreamBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultStreamSize
	}
	return &StreamBuffer{max: maxBytes}
}

// Append adds text, discarding the oldest bytes beyond the size bound.
func (s *StreamBuffer) Append(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.buf = append(s.buf, text...)
	if over := len(s.buf) - s.max; over > 0 {
		s.buf = append(s.buf[:0], s.buf[over:]...)
	}
	s.seen += uint64(len(text))
	s.mu.Unlock()
}

// Tail returns at most maxChars of the most recent text. maxChars <= 0
// returns everything retained.
func (s *StreamBuffer) Tail(maxChars int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if maxChars <= 0 || maxChars >= len(s.buf) {
		return string(s.buf)
	}
	return string(s.buf[len(s.buf)-maxChars:])
}

// Written reports the total number of bytes ever appended.
func (s *StreamBuffer) Written() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seen
}

func (s *StreamBuffer) Reset() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
}

// Consume appends every telemetry record from in until ctx ends or in closes.
func (s *StreamBuffer) Consume(ctx context.Context, in <-chan protocol.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			if rec.Kind == protocol.RecordTelemetry {
				s.Append(rec.Text)
			}
		}
	}
}
