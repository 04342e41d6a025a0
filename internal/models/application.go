package models

import (
	"github.com/google/uuid"
)

// Application represents an application
type Application struct {
	CompanyModel

	Name        string `json:"name" db:"name" validate:"required"`
	Description string `json:"description" db:"description"`

	// BaseURL is the callback that receives forwarded uplinks
	BaseURL string `json:"baseUrl" db:"base_url"`

	// Optional MQTT fan-out of uplinks, see integration.MQTTConfig
	MQTTIntegration *Variables `json:"mqttIntegration,omitempty" db:"mqtt_integration"`
}

// NetworkTypeLink activates an application or device on a network type and
// carries the network specific settings for it.
type NetworkTypeLink struct {
	BaseModel

	Kind          EntityKind `json:"kind" db:"kind"`
	EntityID      uuid.UUID  `json:"entityId" db:"entity_id"`
	NetworkTypeID uuid.UUID  `json:"networkTypeId" db:"network_type_id"`

	// devEUI, deviceKeys, deviceActivation, serviceProfileID, ...
	NetworkSettings Variables `json:"networkSettings" db:"network_settings"`
}

// DevEUI returns the device EUI stored in the link settings.
func (l *NetworkTypeLink) DevEUI() string {
	return l.NetworkSettings.String("devEUI")
}

// DeviceKeys returns the OTAA root keys stored in the link settings.
func (l *NetworkTypeLink) DeviceKeys() *DeviceKeys {
	m := l.NetworkSettings.Map("deviceKeys")
	if m == nil {
		return nil
	}
	return &DeviceKeys{
		AppKey: m.String("appKey"),
		NwkKey: m.String("nwkKey"),
	}
}

// DeviceActivation returns the ABP session stored in the link settings.
func (l *NetworkTypeLink) DeviceActivation() *DeviceActivation {
	m := l.NetworkSettings.Map("deviceActivation")
	if m == nil {
		return nil
	}
	return &DeviceActivation{
		DevAddr:     m.String("devAddr"),
		AppSKey:     m.String("appSKey"),
		NwkSEncKey:  m.String("nwkSEncKey"),
		SNwkSIntKey: m.String("sNwkSIntKey"),
		FNwkSIntKey: m.String("fNwkSIntKey"),
		FCntUp:      m.Uint32("fCntUp"),
		NFCntDown:   m.Uint32("nFCntDown"),
		AFCntDown:   m.Uint32("aFCntDown"),
	}
}
