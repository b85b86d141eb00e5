package logger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"petoiwire/pkg/protocol"
)

// JSONLWriter writes one JSON object per hub record: every command sent,
// every response and every telemetry line.
type JSONLWriter struct {
	enc *json.Encoder
}

type jsonRecord struct {
	TS         string `json:"ts"`
	Kind       string `json:"kind"`
	Wire       string `json:"wire,omitempty"`
	Display    string `json:"display,omitempty"`
	PayloadHex string `json:"payload_hex,omitempty"`
	Text       string `json:"text,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RotateOptions bounds a transcript file.
type RotateOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc}
}

// OpenTranscript opens a size-rotated transcript file at path.
func OpenTranscript(path string, opts RotateOptions) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

func (j *JSONLWriter) Consume(ctx context.Context, in <-chan protocol.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			_ = j.Write(rec)
		}
	}
}

func (j *JSONLWriter) Write(rec protocol.Record) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	out := jsonRecord{
		TS:    ts.UTC().Format(time.RFC3339Nano),
		Kind:  string(rec.Kind),
		Wire:  rec.Wire,
		Text:  rec.Text,
		Error: rec.Err,
	}
	if rec.Display != rec.Wire {
		out.Display = rec.Display
	}
	if wire, err := protocol.ParseWire(rec.Wire); err == nil && wire.Binary {
		out.PayloadHex = hex.EncodeToString(wire.Bytes)
	}
	return j.enc.Encode(out)
}
