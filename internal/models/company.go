package models

// EntityKind names a canonical entity type that can be mirrored onto networks.
type EntityKind string

const (
	KindCompany       EntityKind = "company"
	KindApplication   EntityKind = "application"
	KindDeviceProfile EntityKind = "deviceProfile"
	KindDevice        EntityKind = "device"
)

// Company represents an organization/tenant on the remote networks
type Company struct {
	BaseModel

	Name        string `json:"name" db:"name" validate:"required"`
	Description string `json:"description" db:"description"`

	// Remote networks that support it may restrict gateway ownership
	CanHaveGateways bool `json:"canHaveGateways" db:"can_have_gateways"`
}
