package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event emitted by the bridge
type EventLog struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	Type  EventType  `json:"type"`
	Level EventLevel `json:"level"`

	Kind      EntityKind `json:"kind,omitempty"`
	EntityID  *uuid.UUID `json:"entityId,omitempty"`
	NetworkID *uuid.UUID `json:"networkId,omitempty"`

	Description string    `json:"description"`
	Details     Variables `json:"details,omitempty"`
}

// EventType represents event types
type EventType string

const (
	EventTypeSync           EventType = "SYNC"
	EventTypeAuth           EventType = "AUTH"
	EventTypeUplink         EventType = "UPLINK"
	EventTypeDownlinkQueued EventType = "DOWNLINK_QUEUED"
	EventTypeIntegration    EventType = "INTEGRATION"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
