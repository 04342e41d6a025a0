package models

import (
	"github.com/google/uuid"
)

// Device represents a LoRaWAN device
type Device struct {
	BaseModel

	ApplicationID   uuid.UUID `json:"applicationId" db:"application_id" validate:"required"`
	DeviceProfileID uuid.UUID `json:"deviceProfileId" db:"device_profile_id"`

	Name        string `json:"name" db:"name" validate:"required"`
	Description string `json:"description" db:"description"`
	DeviceModel string `json:"deviceModel,omitempty" db:"device_model"`
}

// DeviceKeys represents device root keys (for OTAA)
type DeviceKeys struct {
	AppKey string `json:"appKey"`
	NwkKey string `json:"nwkKey,omitempty"`
}

// DeviceActivation represents an ABP device session
type DeviceActivation struct {
	DevAddr     string `json:"devAddr"`
	AppSKey     string `json:"appSKey"`
	NwkSEncKey  string `json:"nwkSEncKey"`
	SNwkSIntKey string `json:"sNwkSIntKey,omitempty"`
	FNwkSIntKey string `json:"fNwkSIntKey,omitempty"`
	FCntUp      uint32 `json:"fCntUp"`
	NFCntDown   uint32 `json:"nFCntDown"`
	AFCntDown   uint32 `json:"aFCntDown"`
}

// DeviceProfile represents a device profile
type DeviceProfile struct {
	CompanyModel
	NetworkTypeID uuid.UUID `json:"networkTypeId" db:"network_type_id"`

	Name        string `json:"name" db:"name" validate:"required"`
	Description string `json:"description" db:"description"`

	// LoRaWAN
	MACVersion        string `json:"macVersion" db:"mac_version"`
	RegParamsRevision string `json:"regParamsRevision" db:"reg_params_revision"`
	MaxEIRP           int    `json:"maxEIRP" db:"max_eirp"`
	RFRegion          string `json:"rfRegion" db:"rf_region"`
	SupportsJoin      bool   `json:"supportsJoin" db:"supports_join"`
	Supports32BitFCnt bool   `json:"supports32BitFCnt" db:"supports_32_bit_f_cnt"`

	// Class B
	SupportsClassB bool `json:"supportsClassB" db:"supports_class_b"`
	ClassBTimeout  int  `json:"classBTimeout" db:"class_b_timeout"`

	// Class C
	SupportsClassC bool `json:"supportsClassC" db:"supports_class_c"`
	ClassCTimeout  int  `json:"classCTimeout" db:"class_c_timeout"`

	// Uplink interval in seconds
	UplinkInterval int `json:"uplinkInterval" db:"uplink_interval"`
}
