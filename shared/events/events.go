package events

import (
	"time"
)

// Envelope is the Kafka message body for one relayed stream entry. Payload
// holds the stream record fields verbatim, id and type included.
type Envelope struct {
	EventID    string            `json:"event_id"`
	EventType  string            `json:"event_type"`
	Position   string            `json:"position"`
	MemberID   string            `json:"member_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    map[string]string `json:"payload"`
}

const (
	TopicProfileEvents = "profile.events"
	TopicModeration    = "profile.moderation"
)

const (
	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
)
