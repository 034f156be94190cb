// Package sink defines the delivery contract for rendered events and
// the wire formats sinks encode them with.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one rendered, sink-bound payload produced from a signal
// and a template. Exactly one Event exists per (signal, selected
// template) pair.
type Event struct {
	Timestamp  time.Time
	Seq        int64
	TemplateID string
	Payload    []byte
}

// Sink delivers events to a destination. Deliver is called by a
// single dispatcher goroutine per sink unless the sink is configured
// order-insensitive, in which case implementations must tolerate
// concurrent calls.
type Sink interface {
	Deliver(ctx context.Context, e Event) error

	// Close flushes buffered events and releases resources.
	Close() error
}

// DeliveryError reports a delivery that exhausted its retry budget or
// was otherwise abandoned, identifying the sink and event involved.
type DeliveryError struct {
	Sink string
	Seq  int64
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("sink %s: event %d: %v", e.Sink, e.Seq, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Format selects how an event is encoded for a sink.
type Format string

const (
	// FormatOriginal writes the rendered payload verbatim.
	FormatOriginal Format = "original"
	// FormatJSONLines wraps the payload in a one-line JSON envelope
	// with the signal timestamp, sequence number and template id.
	FormatJSONLines Format = "json-lines"
)

// ParseFormat validates a format string; empty selects json-lines.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatJSONLines, nil
	case FormatOriginal, FormatJSONLines:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown format %q", s)
	}
}

type envelope struct {
	Timestamp time.Time       `json:"@timestamp"`
	Seq       int64           `json:"seq"`
	Template  string          `json:"template"`
	Event     json.RawMessage `json:"event"`
}

// Encode renders an event into the given format. The result never
// contains a newline; sinks that write line protocols append their
// own terminator.
func Encode(f Format, e Event) ([]byte, error) {
	switch f {
	case FormatOriginal:
		return e.Payload, nil
	case FormatJSONLines:
		return json.Marshal(envelope{
			Timestamp: e.Timestamp.UTC(),
			Seq:       e.Seq,
			Template:  e.TemplateID,
			Event:     json.RawMessage(e.Payload),
		})
	default:
		return nil, fmt.Errorf("unknown format %q", f)
	}
}
