package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"petoiwire/pkg/protocol"
)

var (
	ErrTimeout = errors.New("transport: response timeout")
	ErrClosed  = errors.New("transport: link closed")
)

// WireWriter is implemented by connections that frame text and binary
// commands differently, such as WebSocket messages.
type WireWriter interface {
	WriteWire(wire protocol.Wire) error
}

// Link runs the command/response exchange over a byte stream. Every line the
// device prints is published as telemetry; while a command is in flight the
// same lines are collected as its response until the device echoes the
// command's lead byte on a line of its own.
type Link struct {
	conn         io.ReadWriteCloser
	logger       *zap.Logger
	publish      func(protocol.Record)
	bufSize      int
	lineBuf      int
	dialTimeout  time.Duration
	errorHandler func(error)

	sendMu sync.Mutex

	mu     sync.Mutex
	waiter chan string

	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

type Option func(*Link)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Link) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithPublisher receives every telemetry line the device prints.
func WithPublisher(fn func(protocol.Record)) Option {
	return func(l *Link) {
		if fn != nil {
			l.publish = fn
		}
	}
}

func WithBufferSize(n int) Option {
	return func(l *Link) {
		if n > 0 {
			l.bufSize = n
		}
	}
}

// WithLineBuffer bounds how many response lines may queue for an in-flight
// command.
func WithLineBuffer(n int) Option {
	return func(l *Link) {
		if n > 0 {
			l.lineBuf = n
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(l *Link) {
		if d > 0 {
			l.dialTimeout = d
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(l *Link) {
		if fn != nil {
			l.errorHandler = fn
		}
	}
}

func newLink(opts []Option) *Link {
	l := &Link{
		logger:      zap.NewNop(),
		bufSize:     64 * 1024,
		lineBuf:     256,
		dialTimeout: 5 * time.Second,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewLink wraps an open connection and starts reading from it.
func NewLink(conn io.ReadWriteCloser, opts ...Option) *Link {
	l := newLink(opts)
	l.start(conn)
	return l
}

func (l *Link) start(conn io.ReadWriteCloser) {
	l.conn = conn
	go l.readLoop()
}

// Done is closed once the link stops reading.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that stopped the read loop, if any.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readErr
}

func (l *Link) Close() error {
	l.shutdown(nil)
	return l.conn.Close()
}

// Send writes one command. With expectResponse it blocks until the device
// echoes the command, timeout elapses or ctx ends.
func (l *Link) Send(ctx context.Context, wire protocol.Wire, timeout time.Duration, expectResponse bool) (string, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	select {
	case <-l.done:
		return "", ErrClosed
	default:
	}

	var lines chan string
	if expectResponse {
		lines = make(chan string, l.lineBuf)
		l.setWaiter(lines)
		defer l.setWaiter(nil)
	}

	if err := l.write(wire); err != nil {
		return "", fmt.Errorf("transport: write %s: %w", wire.String(), err)
	}
	if !expectResponse {
		return "", nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	lead := string([]byte{wire.Lead()})
	var resp strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return resp.String(), fmt.Errorf("%w after %s waiting for %q", ErrTimeout, timeout, lead)
		case <-l.done:
			return resp.String(), ErrClosed
		case line := <-lines:
			resp.WriteString(line)
			resp.WriteByte('\n')
			if strings.TrimSpace(line) == lead {
				return resp.String(), nil
			}
		}
	}
}

func (l *Link) write(wire protocol.Wire) error {
	if ww, ok := l.conn.(WireWriter); ok {
		return ww.WriteWire(wire)
	}
	payload := wire.Payload()
	if !wire.Binary {
		payload = append(payload, '\n')
	}
	_, err := l.conn.Write(payload)
	return err
}

func (l *Link) setWaiter(ch chan string) {
	l.mu.Lock()
	l.waiter = ch
	l.mu.Unlock()
}

func (l *Link) readLoop() {
	reader := bufio.NewReaderSize(l.conn, l.bufSize)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			l.deliver(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			l.shutdown(err)
			return
		}
	}
}

func (l *Link) deliver(line string) {
	if l.publish != nil {
		l.publish(protocol.Record{
			Kind:      protocol.RecordTelemetry,
			Timestamp: time.Now(),
			Text:      line + "\n",
		})
	}

	l.mu.Lock()
	waiter := l.waiter
	l.mu.Unlock()
	if waiter == nil {
		return
	}
	select {
	case waiter <- line:
	default:
		l.logger.Warn("response line dropped", zap.String("line", line))
	}
}

func (l *Link) shutdown(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.readErr = err
		l.mu.Unlock()
		if err != nil {
			l.logger.Warn("link read stopped", zap.Error(err))
			if l.errorHandler != nil {
				l.errorHandler(err)
			}
		}
		close(l.done)
	})
}
