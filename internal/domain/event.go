package domain

import (
	"encoding/json"
	"time"
)

// ISO8601Millis is the timestamp layout used on every wire frame.
const ISO8601Millis = "2006-01-02T15:04:05.000Z07:00"

// Timestamp marshals as an ISO-8601 UTC string with millisecond precision.
type Timestamp time.Time

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(ISO8601Millis))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

// Time returns the underlying time value.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// ChangeEvent is one decoded upstream notification. Payload holds the raw JSON
// document exactly as the datastore emitted it, or JSON null when the
// notification carried no payload.
type ChangeEvent struct {
	SourceChannel string
	Payload       json.RawMessage
	ObservedAt    time.Time
}
