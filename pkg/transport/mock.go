package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"petoiwire/pkg/motion"
	"petoiwire/pkg/protocol"
)

// frameTokens are the commands that arrive as binary frames. XCr and XCp
// share the X lead with XU but are plain text.
var frameTokens = []string{"Ra", "Rd", "Wa", "Wd", "XU", "M", "I", "L", "B", "K"}

func frameToken(p []byte) string {
	for _, tok := range frameTokens {
		if len(p) >= len(tok) && string(p[:len(tok)]) == tok {
			return tok
		}
	}
	return ""
}

// Device simulates robot firmware closely enough for the parsers: it keeps
// joint angles and pin values and answers with the same text layouts.
type Device struct {
	mu       sync.Mutex
	joints   []int
	analog   map[int]int
	digital  map[int]int
	distance int
	frame    int
	camera   bool
	logger   *zap.Logger
}

type DeviceOption func(*Device)

func WithDeviceLogger(logger *zap.Logger) DeviceOption {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithJoints seeds the joint table.
func WithJoints(angles []int) DeviceOption {
	return func(d *Device) {
		if len(angles) > 0 {
			d.joints = append([]int(nil), angles...)
		}
	}
}

// WithDistance sets the ultrasonic reading in centimetres.
func WithDistance(cm int) DeviceOption {
	return func(d *Device) {
		d.distance = cm
	}
}

func NewDevice(opts ...DeviceOption) *Device {
	d := &Device{
		joints:   make([]int, motion.DefaultJointCount),
		analog:   make(map[int]int),
		digital:  make(map[int]int),
		distance: 42,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Joints returns a copy of the current joint table.
func (d *Device) Joints() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.joints...)
}

// Serve answers commands read from conn until it closes.
func (d *Device) Serve(conn io.ReadWriter) error {
	reader := bufio.NewReader(conn)
	for {
		cmd, err := readCommand(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if len(cmd) == 0 {
			continue
		}
		reply := d.Respond(cmd)
		if _, err := io.WriteString(conn, reply); err != nil {
			return err
		}
	}
}

// ListenAndServe accepts TCP connections on addr and serves each one until
// ctx ends.
func (d *Device) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: mock listen %s: %w", addr, err)
	}
	d.logger.Info("mock device listening", zap.String("addr", ln.Addr().String()))
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.logger.Warn("mock accept failed", zap.Error(err))
			continue
		}
		go func() {
			defer conn.Close()
			if err := d.Serve(conn); err != nil {
				d.logger.Warn("mock connection ended", zap.Error(err))
			}
		}()
	}
}

// NewMockLink returns a Link wired to dev over an in-memory pipe.
func NewMockLink(dev *Device, opts ...Option) *Link {
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		_ = dev.Serve(server)
	}()
	return NewLink(client, opts...)
}

func readCommand(r *bufio.Reader) ([]byte, error) {
	head, err := r.Peek(1)
	if err != nil {
		return nil, err
	}
	if head[0] == 'R' || head[0] == 'W' || head[0] == 'X' {
		// Two-letter tokens; a short peek at EOF falls through to text.
		if two, err := r.Peek(2); err == nil {
			head = two
		}
	}
	if tok := frameToken(head); tok != "" {
		return readFrame(r, tok)
	}
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// frameArity is the parameter count of fixed-size frames.
var frameArity = map[string]int{"Ra": 1, "Rd": 1, "Wa": 2, "Wd": 2, "XU": 2}

// pairFrames carry (joint, angle) or (tone, beat) pairs.
var pairFrames = map[string]bool{"M": true, "I": true, "B": true}

// readFrame reads one binary frame. Parameter bytes may equal the
// terminator, so fixed-size frames are read by length. Variable frames
// arrive in a single write: the frame goes on while bytes are already
// buffered, and a pair frame goes on while its body is odd.
func readFrame(r *bufio.Reader, tok string) ([]byte, error) {
	if n, ok := frameArity[tok]; ok {
		buf := make([]byte, len(tok)+n+1)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if buf[len(buf)-1] != protocol.FrameTerminator {
			return nil, fmt.Errorf("transport: mock %s frame has no terminator", tok)
		}
		return buf, nil
	}

	frame, err := r.ReadBytes(protocol.FrameTerminator)
	if err != nil {
		return nil, err
	}
	for r.Buffered() > 0 || (pairFrames[tok] && (len(frame)-len(tok)-1)%2 != 0) {
		more, err := r.ReadBytes(protocol.FrameTerminator)
		frame = append(frame, more...)
		if err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// Respond executes one command and returns everything the firmware would
// print for it, ending with the echoed lead byte.
func (d *Device) Respond(cmd []byte) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	lead := string(cmd[:1])
	if tok := frameToken(cmd); tok != "" && cmd[len(cmd)-1] == protocol.FrameTerminator {
		return d.applyFrame(tok, cmd[len(tok):len(cmd)-1])
	}

	fields := strings.Fields(string(cmd))
	if len(fields) == 0 {
		return ""
	}
	args := make([]int, 0, len(fields)-1)
	for _, f := range fields[1:] {
		n, _ := strconv.Atoi(f)
		args = append(args, n)
	}

	switch fields[0] {
	case protocol.JointMarker:
		if len(args) == 1 {
			return scalarReply(d.jointAt(args[0]), lead)
		}
		return d.jointTable()
	case "m", "i":
		d.applyPairs(args)
	case "XCr":
		d.camera = true
	case "XCp":
		if d.camera {
			return d.cameraFrame()
		}
	}
	d.logger.Debug("mock command", zap.String("command", string(cmd)))
	return lead + "\n"
}

func (d *Device) applyFrame(token string, body []byte) string {
	lead := token[:1]
	args := make([]int, len(body))
	for i, b := range body {
		args[i] = int(int8(b))
	}
	switch token {
	case "M", "I":
		d.applyPairs(args)
	case "L":
		copy(d.joints, args)
	case "Ra":
		if len(body) > 0 {
			return scalarReply(d.analog[int(body[0])], lead)
		}
	case "Rd":
		if len(body) > 0 {
			return scalarReply(d.digital[int(body[0])], lead)
		}
	case "Wa":
		if len(body) > 1 {
			d.analog[int(body[0])] = int(body[1])
		}
	case "Wd":
		if len(body) > 1 {
			d.digital[int(body[0])] = int(body[1])
		}
	case "XU":
		return scalarReply(d.distance, lead)
	}
	d.logger.Debug("mock frame", zap.String("token", token), zap.Ints("args", args))
	return lead + "\n"
}

func (d *Device) applyPairs(args []int) {
	for i := 0; i+1 < len(args); i += 2 {
		if j := args[i]; j >= 0 && j < len(d.joints) {
			d.joints[j] = max(motion.MinAngle, min(motion.MaxAngle, args[i+1]))
		}
	}
}

func (d *Device) jointAt(id int) int {
	if id < 0 || id >= len(d.joints) {
		return 0
	}
	return d.joints[id]
}

func (d *Device) jointTable() string {
	var idx, ang strings.Builder
	for i, a := range d.joints {
		if i > 0 {
			idx.WriteByte('\t')
			ang.WriteByte('\t')
		}
		idx.WriteString(strconv.Itoa(i))
		ang.WriteString(strconv.Itoa(a))
		ang.WriteByte(',')
	}
	return idx.String() + "\n" + ang.String() + "\n" + protocol.JointMarker + "\n"
}

// cameraFrame moves the simulated target so consecutive frames differ.
func (d *Device) cameraFrame() string {
	d.frame++
	x := float64(d.frame%40 - 20)
	return fmt.Sprintf("=\n%.2f %.2f size = %d %d\nX\n", x, 20.0, 42, 56)
}

func scalarReply(v int, lead string) string {
	return "=\n" + strconv.Itoa(v) + "\n" + lead + "\n"
}
