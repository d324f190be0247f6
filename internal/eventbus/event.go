package eventbus

import (
	"time"

	"github.com/rs/xid"
)

// EventType represents the type of event
type EventType string

// Event types
const (
	EventSessionStarted EventType = "session.started"
	EventSessionClosed  EventType = "session.closed"
	EventSessionError   EventType = "session.error"
	EventMessageSent    EventType = "message.sent"
	EventChatReceived   EventType = "chat.received"

	EventRelayClientConnected    EventType = "relay.client_connected"
	EventRelayClientDisconnected EventType = "relay.client_disconnected"
)

// Event represents a system event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Data      any               `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates a new event
func NewEvent(eventType EventType, source string, data any) *Event {
	return &Event{
		ID:        xid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
		Metadata:  make(map[string]string),
	}
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}
