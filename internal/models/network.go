package models

import (
	"time"

	"github.com/google/uuid"
)

// NetworkType groups networks of one radio family, e.g. "LoRa".
type NetworkType struct {
	BaseModel
	Name string `json:"name" db:"name" validate:"required"`
}

// Network is one configured vendor network server.
type Network struct {
	BaseModel

	Name            string    `json:"name" db:"name" validate:"required"`
	NetworkTypeID   uuid.UUID `json:"networkTypeId" db:"network_type_id" validate:"required"`
	ProtocolName    string    `json:"protocolHandlerName" db:"protocol_name" validate:"required"`
	ProtocolVersion string    `json:"protocolVersion" db:"protocol_version" validate:"required"`
	BaseURL         string    `json:"baseUrl" db:"base_url" validate:"required"`

	// SecurityData holds operator credentials plus cached tokens. Never
	// serialized to API clients.
	SecurityData Variables `json:"-" db:"security_data"`

	Enabled bool `json:"enabled" db:"enabled"`
}

// SyncStatus is the outcome of the last sync of one entity on one network.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
	SyncStatusSkipped SyncStatus = "skipped"
)

// RemoteMapping ties a local entity to its id on one network. Unique per
// (Kind, EntityID, NetworkID).
type RemoteMapping struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Kind         EntityKind `json:"kind" db:"kind"`
	EntityID     uuid.UUID  `json:"entityId" db:"entity_id"`
	NetworkID    uuid.UUID  `json:"networkId" db:"network_id"`
	RemoteID     string     `json:"remoteId" db:"remote_id"`
	Status       SyncStatus `json:"status" db:"status"`
	LastError    string     `json:"lastError,omitempty" db:"last_error"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty" db:"last_synced_at"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}

// Synced reports whether the entity currently exists on the network.
func (m *RemoteMapping) Synced() bool {
	return m != nil && m.RemoteID != ""
}
