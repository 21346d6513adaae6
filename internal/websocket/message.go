package websocket

import (
	"encoding/json"
	"time"

	"github.com/rufus800/challawa-np/internal/models"
)

// NewSnapshotMessage wraps the unit states of one poll cycle
func NewSnapshotMessage(units []models.UnitState, status *models.LinkStatus, at time.Time) models.Message {
	return models.Message{Type: models.MessageSnapshot, Timestamp: at, Units: units, Status: status}
}

// NewEventMessage wraps a trip or alarm transition
func NewEventMessage(ev models.DomainEvent, at time.Time) models.Message {
	return models.Message{Type: models.MessageEvent, Timestamp: at, Event: &ev}
}

// NewStatusMessage wraps a change of the PLC link
func NewStatusMessage(status models.LinkStatus, at time.Time) models.Message {
	return models.Message{Type: models.MessageStatus, Timestamp: at, Status: &status}
}

// NewHealthMessage wraps the periodic health scores
func NewHealthMessage(scores []models.HealthScore, at time.Time) models.Message {
	return models.Message{Type: models.MessageHealth, Timestamp: at, Health: scores}
}

// NewDroppedMessage tells a subscriber how many messages it missed
func NewDroppedMessage(count int, at time.Time) models.Message {
	return models.Message{Type: models.MessageDropped, Timestamp: at, Dropped: count}
}

// NewWelcomeMessage is the first message of every subscription
func NewWelcomeMessage(clientID string, at time.Time) models.Message {
	return models.Message{Type: models.MessageWelcome, Timestamp: at, ClientID: clientID}
}

// NewPongMessage answers a client ping
func NewPongMessage(at time.Time) models.Message {
	return models.Message{Type: models.MessagePong, Timestamp: at}
}

// NewErrorMessage reports a rejected client command
func NewErrorMessage(message string, at time.Time) models.Message {
	return models.Message{Type: models.MessageError, Timestamp: at, Error: message}
}

// SerializeMessage serializes a message to JSON
func SerializeMessage(message models.Message) ([]byte, error) {
	return json.Marshal(message)
}

// ParseClientCommand parses a command received from a client
func ParseClientCommand(data []byte) (models.CommandMessage, error) {
	var command models.CommandMessage
	err := json.Unmarshal(data, &command)
	return command, err
}
