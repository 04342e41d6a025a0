package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
	// ErrReferenced is returned when deleting a row other rows still point at.
	ErrReferenced = errors.New("still referenced")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Network type methods
	CreateNetworkType(ctx context.Context, nt *models.NetworkType) error
	GetNetworkType(ctx context.Context, id uuid.UUID) (*models.NetworkType, error)
	ListNetworkTypes(ctx context.Context) ([]*models.NetworkType, error)

	// Network methods
	CreateNetwork(ctx context.Context, n *models.Network) error
	GetNetwork(ctx context.Context, id uuid.UUID) (*models.Network, error)
	UpdateNetwork(ctx context.Context, n *models.Network) error
	UpdateNetworkSecurityData(ctx context.Context, id uuid.UUID, securityData models.Variables) error
	DeleteNetwork(ctx context.Context, id uuid.UUID) error
	ListNetworks(ctx context.Context, filters NetworkFilters) ([]*models.Network, error)

	// Company methods
	CreateCompany(ctx context.Context, c *models.Company) error
	GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error)
	UpdateCompany(ctx context.Context, c *models.Company) error
	DeleteCompany(ctx context.Context, id uuid.UUID) error
	ListCompanies(ctx context.Context, limit, offset int) ([]*models.Company, int64, error)

	// Application methods
	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)
	UpdateApplication(ctx context.Context, app *models.Application) error
	DeleteApplication(ctx context.Context, id uuid.UUID) error
	ListApplications(ctx context.Context, companyID *uuid.UUID, limit, offset int) ([]*models.Application, int64, error)

	// Device profile methods
	CreateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error
	GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error)
	UpdateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error
	DeleteDeviceProfile(ctx context.Context, id uuid.UUID) error
	ListDeviceProfiles(ctx context.Context, companyID *uuid.UUID, limit, offset int) ([]*models.DeviceProfile, int64, error)

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	// CreateDevices inserts devices and their links all or nothing.
	CreateDevices(ctx context.Context, devices []*models.Device, links []*models.NetworkTypeLink) error
	GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	DeleteDevice(ctx context.Context, id uuid.UUID) error
	ListDevices(ctx context.Context, filters DeviceFilters, limit, offset int) ([]*models.Device, int64, error)

	// Network type link methods
	CreateLink(ctx context.Context, link *models.NetworkTypeLink) error
	GetLink(ctx context.Context, id uuid.UUID) (*models.NetworkTypeLink, error)
	UpdateLink(ctx context.Context, link *models.NetworkTypeLink) error
	DeleteLink(ctx context.Context, id uuid.UUID) error
	ListLinks(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) ([]*models.NetworkTypeLink, error)
	GetDeviceLinkByDevEUI(ctx context.Context, networkTypeID uuid.UUID, devEUI string) (*models.NetworkTypeLink, error)

	// Remote mapping methods
	UpsertRemoteMapping(ctx context.Context, m *models.RemoteMapping) error
	GetRemoteMapping(ctx context.Context, kind models.EntityKind, entityID, networkID uuid.UUID) (*models.RemoteMapping, error)
	ListRemoteMappings(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) ([]*models.RemoteMapping, error)
	DeleteRemoteMapping(ctx context.Context, kind models.EntityKind, entityID, networkID uuid.UUID) error

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// NetworkFilters narrows ListNetworks
type NetworkFilters struct {
	NetworkTypeID *uuid.UUID
	ProtocolName  string
	EnabledOnly   bool
}

// DeviceFilters narrows ListDevices
type DeviceFilters struct {
	ApplicationID   *uuid.UUID
	DeviceProfileID *uuid.UUID
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	Kind      *models.EntityKind
	EntityID  *uuid.UUID
	NetworkID *uuid.UUID
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
