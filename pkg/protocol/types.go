package protocol

import "time"

// RecordKind tags what a Record carries through the hub.
type RecordKind string

const (
	RecordCommand   RecordKind = "command"
	RecordResponse  RecordKind = "response"
	RecordTelemetry RecordKind = "telemetry"
)

// Record is the normalized event flowing between transport, driver and sinks.
type Record struct {
	Kind      RecordKind
	Timestamp time.Time
	Wire      string
	Display   string
	Text      string
	Err       string
}
