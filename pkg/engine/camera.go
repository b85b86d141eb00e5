package engine

import (
	"context"
	"time"

	"petoiwire/pkg/metrics"
	"petoiwire/pkg/protocol"
)

// LatestFrame returns the newest complete camera frame in the stream.
func (d *Driver) LatestFrame() (protocol.Coordinate, string) {
	return protocol.LatestFrame(d.stream.Tail(0))
}

// WaitForNewFrame polls the stream until a frame whose key differs from
// prevKey appears or timeout elapses. The returned key is empty when no new
// frame arrived.
func (d *Driver) WaitForNewFrame(ctx context.Context, prevKey string, timeout time.Duration) (protocol.Coordinate, string, error) {
	if timeout <= 0 {
		timeout = d.timings.NewFrameWait
	}
	var (
		coord protocol.Coordinate
		key   string
	)
	err := d.poll(ctx, timeout, d.timings.FramePoll, func() bool {
		c, k := d.LatestFrame()
		if k != "" && k != prevKey && c.Found {
			coord, key = c, k
			return true
		}
		return false
	})
	return coord, key, err
}

// WaitForFrame polls the stream tail until any camera frame parses or
// timeout elapses.
func (d *Driver) WaitForFrame(ctx context.Context, timeout time.Duration) (protocol.Coordinate, error) {
	if timeout <= 0 {
		timeout = d.timings.AnyFrameWait
	}
	var coord protocol.Coordinate
	err := d.poll(ctx, timeout, d.timings.AnyFramePoll, func() bool {
		coord = protocol.ParseCameraCoordinate("", d.stream.Tail(d.timings.StreamTail))
		return coord.Found
	})
	if err == nil && !coord.Found {
		metrics.RecordParseMiss("camera")
	}
	return coord, err
}

// ParseCamera parses a camera response, falling back to the stream tail.
func (d *Driver) ParseCamera(raw string) protocol.Coordinate {
	return protocol.ParseCameraCoordinate(raw, d.stream.Tail(d.timings.StreamTail))
}

func (d *Driver) poll(ctx context.Context, timeout, interval time.Duration, done func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := CheckCancel(ctx); err != nil {
			return err
		}
		if done() {
			return nil
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil
		}
		if err := sleep(ctx, min(interval, left)); err != nil {
			return err
		}
	}
}
