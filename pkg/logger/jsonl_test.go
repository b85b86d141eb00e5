package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"petoiwire/pkg/logger"
	"petoiwire/pkg/protocol"
)

func TestJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	writer := logger.NewJSONLWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan protocol.Record, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writer.Consume(ctx, ch)
	}()

	ts := time.Date(2026, 2, 5, 16, 0, 0, 0, time.UTC)
	ch <- protocol.Record{
		Kind:      protocol.RecordCommand,
		Timestamp: ts,
		Wire:      "bytes:[77,8,236,126]",
		Display:   "M 8 -20",
	}
	ch <- protocol.Record{Kind: protocol.RecordTelemetry, Timestamp: ts, Text: "M\n"}
	close(ch)
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("json unmarshal failed: %v", err)
	}
	if rec["kind"] != "command" {
		t.Fatalf("unexpected kind: %v", rec["kind"])
	}
	if rec["payload_hex"] != "4d08ec7e" {
		t.Fatalf("unexpected payload_hex: %v", rec["payload_hex"])
	}
	if rec["display"] != "M 8 -20" {
		t.Fatalf("unexpected display: %v", rec["display"])
	}
	tsValue, ok := rec["ts"].(string)
	if !ok || tsValue == "" {
		t.Fatalf("missing ts field")
	}
	if _, err := time.Parse(time.RFC3339Nano, tsValue); err != nil {
		t.Fatalf("invalid ts format: %v", err)
	}

	rec = nil
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("json unmarshal failed: %v", err)
	}
	if rec["text"] != "M\n" {
		t.Fatalf("unexpected text: %v", rec["text"])
	}
	if _, ok := rec["payload_hex"]; ok {
		t.Fatalf("telemetry should not carry payload_hex")
	}
}

func TestOpenTranscript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	out := logger.OpenTranscript(path, logger.RotateOptions{MaxSizeMB: 1})
	writer := logger.NewJSONLWriter(out)
	if err := writer.Write(protocol.Record{Kind: protocol.RecordCommand, Wire: "d", Display: "d"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(content), `"wire":"d"`) {
		t.Fatalf("unexpected transcript: %s", content)
	}
	if strings.Contains(string(content), `"display"`) {
		t.Fatalf("display equal to wire should be omitted: %s", content)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := logger.New("debug", true); err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if _, err := logger.New("verbose", false); err == nil {
		t.Fatalf("expected invalid level error")
	}
	lvl, err := logger.ParseLevel("")
	if err != nil || lvl.String() != "info" {
		t.Fatalf("unexpected default level: %v %v", lvl, err)
	}
}
