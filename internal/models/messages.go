package models

import (
	"time"

	"github.com/google/uuid"
)

// Uplink is the canonical body forwarded to an application after the vendor
// envelope has been stripped.
type Uplink struct {
	ApplicationID uuid.UUID   `json:"applicationId"`
	NetworkID     uuid.UUID   `json:"networkId"`
	DeviceID      *uuid.UUID  `json:"deviceId,omitempty"`
	DevEUI        string      `json:"devEUI,omitempty"`
	DeviceName    string      `json:"deviceName,omitempty"`
	FCnt          uint32      `json:"fCnt"`
	FPort         uint8       `json:"fPort,omitempty"`
	Data          string      `json:"data,omitempty"`
	Object        Variables   `json:"object,omitempty"`
	RxInfo        []Variables `json:"rxInfo,omitempty"`
	ReceivedAt    time.Time   `json:"receivedAt"`
}

// Downlink is a payload queued for a device.
type Downlink struct {
	ID         uuid.UUID `json:"id"`
	DeviceID   uuid.UUID `json:"deviceId"`
	JSONObject Variables `json:"jsonObject,omitempty"`
	Data       string    `json:"data,omitempty"`
	FCnt       *uint32   `json:"fCnt,omitempty"`
	FPort      uint8     `json:"fPort"`
	Confirmed  bool      `json:"confirmed"`
	CreatedAt  time.Time `json:"createdAt"`
}
