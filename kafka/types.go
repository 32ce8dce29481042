package kafka

import (
	"encoding/json"
	"time"
)

// Event is the envelope written to Kafka for each engine event.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	ContentType string         `json:"content_type"`
	Version     string         `json:"version"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
	Subject     string         `json:"subject,omitempty"`
}

// EnvelopeVersion is the Event schema version.
const EnvelopeVersion = "1.0"

// ToJSON marshals the event.
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEvent decodes an envelope written by ToJSON.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
