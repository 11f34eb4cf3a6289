package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// WildcardTopic is the push message tag delivered to every subscriber
// regardless of the topic it subscribed to.
const WildcardTopic = "metrics"

// Filters is the set of criteria a widget applies to a data type, e.g.
// {"region": "emea", "period": "7d"}. Property order is irrelevant: two
// Filters with the same key/value pairs address the same data.
type Filters map[string]any

// Clone returns a shallow copy of f. A nil Filters clones to an empty one.
func (f Filters) Clone() Filters {
	out := make(Filters, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ConnectionState is the state of the realtime push connection.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Error        ConnectionState = "error"
)

// Message is the envelope delivered by the push channel:
//
//	{"type": "revenue", "data": {...}, "timestamp": "2024-05-01T10:00:00Z"}
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Time parses the message timestamp. RFC3339 with or without fractional
// seconds is accepted; unix milliseconds encoded as a decimal string are
// accepted too since some producers emit Date.now().
func (m Message) Time() (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("types: invalid message timestamp %q", m.Timestamp)
}
