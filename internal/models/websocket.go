package models

import "time"

// MessageType identifies a message delivered to subscribers
type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageEvent    MessageType = "event"
	MessageStatus   MessageType = "status"
	MessageHealth   MessageType = "health"
	MessageDropped  MessageType = "dropped"
	MessageWelcome  MessageType = "welcome"
	MessagePong     MessageType = "pong"
	MessageError    MessageType = "error"
)

// Message is the JSON envelope sent to live subscribers
type Message struct {
	Type      MessageType   `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Units     []UnitState   `json:"units,omitempty"`
	Status    *LinkStatus   `json:"status,omitempty"`
	Event     *DomainEvent  `json:"event,omitempty"`
	Health    []HealthScore `json:"health,omitempty"`
	Dropped   int           `json:"dropped,omitempty"`
	ClientID  string        `json:"client_id,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Priority reports whether the message must never be dropped
func (m Message) Priority() bool {
	return m.Type == MessageEvent
}

// CommandMessage is a command sent by a client to the server
type CommandMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}
