package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petoiwire/pkg/engine"
	"petoiwire/pkg/protocol"
)

func TestStreamBufferBounded(t *testing.T) {
	s := engine.NewStreamBuffer(8)
	s.Append("abcdef")
	s.Append("ghij")

	assert.Equal(t, "cdefghij", s.Tail(0))
	assert.Equal(t, "hij", s.Tail(3))
	assert.Equal(t, uint64(10), s.Written())

	s.Reset()
	assert.Empty(t, s.Tail(0))
}

func TestStreamBufferConsumesTelemetryOnly(t *testing.T) {
	s := engine.NewStreamBuffer(0)
	in := make(chan protocol.Record, 4)
	in <- protocol.Record{Kind: protocol.RecordCommand, Text: "ignored"}
	in <- protocol.Record{Kind: protocol.RecordTelemetry, Text: "=\n"}
	in <- protocol.Record{Kind: protocol.RecordTelemetry, Text: "1 2 size = 3 4\nX\n"}
	close(in)

	s.Consume(context.Background(), in)
	assert.Equal(t, "=\n1 2 size = 3 4\nX\n", s.Tail(0))
}

func TestStreamBufferConsumeStopsOnCancel(t *testing.T) {
	s := engine.NewStreamBuffer(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Consume(ctx, make(chan protocol.Record))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume did not return after cancel")
	}
}

func TestStreamBufferConcurrentReaders(t *testing.T) {
	s := engine.NewStreamBuffer(1024)
	stop := make(chan struct{})
	go func() {
		defer close(stop)
		for i := 0; i < 500; i++ {
			s.Append("line\n")
		}
	}()
	for {
		select {
		case <-stop:
			require.True(t, strings.HasSuffix(s.Tail(0), "line\n"))
			return
		default:
			_ = s.Tail(100)
		}
	}
}
