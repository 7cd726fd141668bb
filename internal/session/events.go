package session

import (
	"encoding/json"
	"time"
)

// EventType identifies an outbound session channel message.
type EventType string

const (
	EventStageResult  EventType = "stage_result"
	EventTaskProgress EventType = "task_progress"
	EventTaskComplete EventType = "task_complete"
	EventScoreReady   EventType = "score_ready"
	EventRunComplete  EventType = "run_complete"
	EventError        EventType = "error"
	EventHeartbeat    EventType = "heartbeat"
	EventSnapshot     EventType = "snapshot"
)

// Inbound client message types.
const (
	InboundFeedback     = "feedback"
	InboundHeartbeatAck = "heartbeat_ack"
)

// Event is the session channel message envelope. Events for the same
// (SessionID, SubjectRef) pair are delivered in Seq order; there is no
// cross-subject ordering guarantee.
type Event struct {
	Type       EventType       `json:"type"`
	SessionID  string          `json:"session_id"`
	SubjectRef string          `json:"subject_ref,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"ts"`
	Seq        uint64          `json:"seq,omitempty"`
}

// NewEvent builds an event envelope, marshaling payload to JSON. A payload
// that cannot marshal is dropped rather than blocking the event.
func NewEvent(eventType EventType, sessionID, subjectRef string, payload any) Event {
	evt := Event{
		Type:       eventType,
		SessionID:  sessionID,
		SubjectRef: subjectRef,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			evt.Payload = raw
		}
	}
	return evt
}

// Inbound is a client-to-server channel message.
type Inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}
