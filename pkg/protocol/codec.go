package protocol

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// FrameTerminator closes every binary command frame ('~').
	FrameTerminator byte = 126

	bytesMarker  = "bytes:"
	base64Marker = "b64:"
)

// Command is a device command token with its integer arguments.
type Command struct {
	Token  string
	Params []int32
}

// Wire is the encoded form of a Command, either plain text or a binary frame.
type Wire struct {
	Binary bool
	Text   string
	Bytes  []byte
}

// String renders the transport contract form: the text command itself, or
// "bytes:[b0,b1,...]" for binary frames.
func (w Wire) String() string {
	if !w.Binary {
		return w.Text
	}
	var b strings.Builder
	b.WriteString(bytesMarker)
	b.WriteByte('[')
	for i, v := range w.Bytes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
	b.WriteByte(']')
	return b.String()
}

// Payload returns the bytes a transport writes to the device.
func (w Wire) Payload() []byte {
	if w.Binary {
		return append([]byte(nil), w.Bytes...)
	}
	return []byte(w.Text)
}

// Lead returns the first byte of the command, which the firmware echoes
// once it has finished executing it. Zero for an empty wire.
func (w Wire) Lead() byte {
	p := w.Bytes
	if !w.Binary {
		p = []byte(w.Text)
	}
	if len(p) == 0 {
		return 0
	}
	return p[0]
}

// Text wraps a verbatim text command without re-encoding it.
func Text(command string) Wire {
	return Wire{Text: command}
}

// IsBinaryToken reports whether a token selects the binary frame encoding.
func IsBinaryToken(token string) bool {
	return token != "" && token[0] >= 'A' && token[0] <= 'Z'
}

// Encode converts a token and its parameters into wire form.
func Encode(token string, params []int32) (Wire, error) {
	if err := validateToken(token); err != nil {
		return Wire{}, err
	}

	if IsBinaryToken(token) {
		frame := make([]byte, 0, len(token)+len(params)+1)
		frame = append(frame, token...)
		for _, p := range params {
			frame = append(frame, byte(p&0xFF))
		}
		frame = append(frame, FrameTerminator)
		return Wire{Binary: true, Bytes: frame}, nil
	}

	if len(params) == 0 {
		return Wire{Text: token}, nil
	}
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, token)
	for _, p := range params {
		parts = append(parts, strconv.FormatInt(int64(p), 10))
	}
	return Wire{Text: strings.Join(parts, " ")}, nil
}

// EncodeCommand is Encode for a Command value.
func EncodeCommand(cmd Command) (Wire, error) {
	return Encode(cmd.Token, cmd.Params)
}

// ParseWire converts the transport contract string back into a Wire. Strings
// without the bytes marker are text commands and pass through unchanged.
func ParseWire(s string) (Wire, error) {
	if !strings.HasPrefix(s, bytesMarker) {
		return Wire{Text: s}, nil
	}
	body := strings.TrimSpace(strings.TrimPrefix(s, bytesMarker))
	if !strings.HasPrefix(body, "[") || !strings.HasSuffix(body, "]") {
		return Wire{}, fmt.Errorf("%w: %q", ErrInvalidWire, s)
	}
	body = strings.TrimSpace(body[1 : len(body)-1])
	if body == "" {
		return Wire{}, fmt.Errorf("%w: empty byte list", ErrInvalidWire)
	}
	items := strings.Split(body, ",")
	out := make([]byte, 0, len(items))
	for _, item := range items {
		n, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil || n < 0 || n > 0xFF {
			return Wire{}, fmt.Errorf("%w: byte %q", ErrInvalidWire, item)
		}
		out = append(out, byte(n))
	}
	return Wire{Binary: true, Bytes: out}, nil
}

// Decoded is a command recovered from a device or editor message.
type Decoded struct {
	Token  string
	Params []int32
	// Invalid lists indexes into Params whose source text was not numeric
	// or does not fit an int32. Their Params value is 0.
	Invalid []int
}

// Decode parses "b64:"-prefixed binary payloads or plain text commands.
func Decode(content string) (Decoded, error) {
	if strings.HasPrefix(content, base64Marker) {
		buf, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(content, base64Marker))
		if err != nil {
			return Decoded{}, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
		}
		if len(buf) == 0 {
			return Decoded{}, ErrTruncatedFrame
		}
		params := make([]int32, 0, len(buf)-1)
		for _, b := range buf[1:] {
			params = append(params, int32(int8(b)))
		}
		return Decoded{Token: string(buf[0]), Params: params}, nil
	}

	if content == "" {
		return Decoded{}, ErrTruncatedFrame
	}
	_, size := utf8.DecodeRuneInString(content)
	out := Decoded{Token: content[:size]}
	fields := strings.Fields(content)
	if len(fields) <= 1 {
		return out, nil
	}
	out.Params = make([]int32, 0, len(fields)-1)
	for i, field := range fields[1:] {
		n, ok := leadingInt(field)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			out.Invalid = append(out.Invalid, i)
			n = 0
		}
		out.Params = append(out.Params, int32(n))
	}
	return out, nil
}

func validateToken(token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		// '~' would end a binary frame early.
		if c >= FrameTerminator || c <= ' ' {
			return fmt.Errorf("%w: %q", ErrInvalidToken, token)
		}
	}
	return nil
}
