package ws

import (
	"encoding/json"
	"time"
)

// DetectionMessage wraps one serialized result list for websocket clients
type DetectionMessage struct {
	Type      string          `json:"type"` // "detections"
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Results   json.RawMessage `json:"results"`
}

// NewDetectionMessage creates a message around payload, which must already be
// a JSON array.
func NewDetectionMessage(seq uint64, payload string) *DetectionMessage {
	return &DetectionMessage{
		Type:      "detections",
		Seq:       seq,
		Timestamp: time.Now(),
		Results:   json.RawMessage(payload),
	}
}

// HelloMessage is sent once after a client connects
type HelloMessage struct {
	Type     string `json:"type"` // "hello"
	ClientID string `json:"client_id"`
}
