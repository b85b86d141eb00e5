package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"petoiwire/pkg/metrics"
	"petoiwire/pkg/protocol"
)

// ErrCancelled unwinds a running program after a stop request. It is not a
// failure.
var ErrCancelled = errors.New("engine: execution cancelled")

// Sender delivers one command to the device and returns its raw response.
// Implementations return an error on timeout or link failure.
type Sender interface {
	Send(ctx context.Context, wire protocol.Wire, timeout time.Duration, expectResponse bool) (string, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, wire protocol.Wire, timeout time.Duration, expectResponse bool) (string, error)

func (f SenderFunc) Send(ctx context.Context, wire protocol.Wire, timeout time.Duration, expectResponse bool) (string, error) {
	return f(ctx, wire, timeout, expectResponse)
}

// Publisher receives command, response and telemetry records.
type Publisher interface {
	Publish(rec protocol.Record)
}

// Driver dispatches commands one at a time with cooperative cancellation.
type Driver struct {
	sender    Sender
	stream    StreamReader
	publisher Publisher
	logger    *zap.Logger
	timings   Timings
	limiter   *rate.Limiter
}

type Option func(*Driver)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithStream(stream StreamReader) Option {
	return func(d *Driver) {
		if stream != nil {
			d.stream = stream
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(d *Driver) {
		if p != nil {
			d.publisher = p
		}
	}
}

func WithTimings(t Timings) Option {
	return func(d *Driver) {
		d.timings = t
	}
}

func NewDriver(sender Sender, opts ...Option) *Driver {
	d := &Driver{
		sender:  sender,
		stream:  NewStreamBuffer(0),
		logger:  zap.NewNop(),
		timings: DefaultTimings(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.timings = d.timings.normalize()
	if gap := d.timings.MinCommandGap; gap > 0 {
		d.limiter = rate.NewLimiter(rate.Every(gap), 1)
	}
	return d
}

func (d *Driver) Timings() Timings {
	return d.timings
}

func (d *Driver) Logger() *zap.Logger {
	return d.logger
}

// Stream returns the telemetry reader used by the parser fallbacks.
func (d *Driver) Stream() StreamReader {
	return d.stream
}

// CheckCancel returns ErrCancelled once ctx is done.
func CheckCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// IsCancelled reports whether err came from a stop request rather than a
// failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Dispatch sends wire with the timeout of class. display, when set, is the
// human-readable form logged instead of the wire string.
func (d *Driver) Dispatch(ctx context.Context, wire protocol.Wire, class Class, expectResponse bool, display string) (string, error) {
	if err := CheckCancel(ctx); err != nil {
		return "", err
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			if cerr := CheckCancel(ctx); cerr != nil {
				return "", cerr
			}
			return "", fmt.Errorf("dispatch pacing: %w", err)
		}
	}

	wireText := wire.String()
	if display == "" {
		display = wireText
	}
	timeout := d.timings.Timeout(class)
	mode := "text"
	if wire.Binary {
		mode = "binary"
	}

	d.publish(protocol.Record{Kind: protocol.RecordCommand, Wire: wireText, Display: display})
	d.logger.Debug("dispatch",
		zap.String("command", display),
		zap.String("class", string(class)),
		zap.Duration("timeout", timeout),
		zap.Bool("expect_response", expectResponse),
	)

	start := time.Now()
	resp, err := d.sender.Send(ctx, wire, timeout, expectResponse)
	elapsed := time.Since(start)
	metrics.RecordDispatch(string(class), mode, err, elapsed)

	if err != nil {
		if cerr := CheckCancel(ctx); cerr != nil {
			return "", cerr
		}
		d.logger.Error("dispatch failed", zap.String("command", display), zap.Duration("elapsed", elapsed), zap.Error(err))
		d.publish(protocol.Record{Kind: protocol.RecordResponse, Wire: wireText, Display: display, Err: err.Error()})
		return "", fmt.Errorf("dispatch %q: %w", display, err)
	}

	d.publish(protocol.Record{Kind: protocol.RecordResponse, Wire: wireText, Display: display, Text: resp})
	return resp, nil
}

// QueryScalar dispatches wire and parses a single integer reading. A
// response without a reading yields 0.
func (d *Driver) QueryScalar(ctx context.Context, wire protocol.Wire, class Class) (int, error) {
	resp, err := d.Dispatch(ctx, wire, class, true, "")
	if err != nil {
		return 0, err
	}
	n, ok := protocol.ParseScalarOK(resp)
	if !ok {
		metrics.RecordParseMiss("scalar")
		d.logger.Warn("no scalar in response", zap.String("command", wire.String()), zap.String("response", resp))
	}
	return n, nil
}

// ReadJoints queries the full joint angle table. It satisfies
// motion.JointReader.
func (d *Driver) ReadJoints(ctx context.Context) ([]int, error) {
	resp, err := d.Dispatch(ctx, protocol.Text(protocol.JointMarker), ClassJointQuery, true, "")
	if err != nil {
		return nil, err
	}
	angles := protocol.ParseJointTable(resp)
	if len(angles) == 0 {
		metrics.RecordParseMiss("joint_table")
	}
	return angles, nil
}

// Delay waits for total, checking for cancellation at least once per delay
// slice. Delays no longer than one slice run as a single wait.
func (d *Driver) Delay(ctx context.Context, total time.Duration) error {
	if total <= 0 {
		return nil
	}
	slice := d.timings.DelaySlice
	if total <= slice {
		if err := CheckCancel(ctx); err != nil {
			return err
		}
		return sleep(ctx, total)
	}
	for remaining := total; remaining > 0; remaining -= slice {
		if err := CheckCancel(ctx); err != nil {
			return err
		}
		if err := sleep(ctx, min(slice, remaining)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) publish(rec protocol.Record) {
	if d.publisher == nil {
		return
	}
	rec.Timestamp = time.Now()
	d.publisher.Publish(rec)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return CheckCancel(ctx)
	case <-timer.C:
		return nil
	}
}
