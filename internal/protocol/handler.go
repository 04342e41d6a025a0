package protocol

import (
	"context"
	"time"

	"github.com/lorawan-server/lpwan-bridge/internal/mapper"
	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// Token is the result of a vendor login.
type Token struct {
	AccessToken string
	// ExpiresAt is zero when the vendor gives no hint.
	ExpiresAt time.Time
}

// Session is the authenticated context a handler call runs in.
type Session struct {
	Network *models.Network
	Token   string
}

// ListOptions scopes and pages a list call.
type ListOptions struct {
	Limit  int
	Offset int

	// Remote id of the owning company/application, when the vendor scopes lists
	CompanyID     string
	ApplicationID string
}

// Handler adapts one vendor network server version. Payloads passed in are
// already in vendor shape (see mapper.ToRemote); payloads returned are the
// raw vendor records. Handlers hold no sync state.
type Handler interface {
	Metadata() Metadata
	Schema() mapper.Schema

	// Authenticate logs in with the network's security data.
	Authenticate(ctx context.Context, network *models.Network) (*Token, error)

	ListCompanies(ctx context.Context, s *Session, opts ListOptions) ([]models.Variables, error)
	LoadCompany(ctx context.Context, s *Session, remoteID string) (models.Variables, error)
	CreateCompany(ctx context.Context, s *Session, payload models.Variables) (string, error)
	UpdateCompany(ctx context.Context, s *Session, remoteID string, payload models.Variables) error
	DeleteCompany(ctx context.Context, s *Session, remoteID string) error

	ListApplications(ctx context.Context, s *Session, opts ListOptions) ([]models.Variables, error)
	LoadApplication(ctx context.Context, s *Session, remoteID string) (models.Variables, error)
	CreateApplication(ctx context.Context, s *Session, payload models.Variables) (string, error)
	UpdateApplication(ctx context.Context, s *Session, remoteID string, payload models.Variables) error
	DeleteApplication(ctx context.Context, s *Session, remoteID string) error

	ListDeviceProfiles(ctx context.Context, s *Session, opts ListOptions) ([]models.Variables, error)
	LoadDeviceProfile(ctx context.Context, s *Session, remoteID string) (models.Variables, error)
	CreateDeviceProfile(ctx context.Context, s *Session, payload models.Variables) (string, error)
	UpdateDeviceProfile(ctx context.Context, s *Session, remoteID string, payload models.Variables) error
	DeleteDeviceProfile(ctx context.Context, s *Session, remoteID string) error

	ListDevices(ctx context.Context, s *Session, opts ListOptions) ([]models.Variables, error)
	LoadDevice(ctx context.Context, s *Session, remoteID string) (models.Variables, error)
	CreateDevice(ctx context.Context, s *Session, payload models.Variables) (string, error)
	UpdateDevice(ctx context.Context, s *Session, remoteID string, payload models.Variables) error
	DeleteDevice(ctx context.Context, s *Session, remoteID string) error

	LoadDeviceKeys(ctx context.Context, s *Session, deviceID string) (models.Variables, error)
	SetDeviceKeys(ctx context.Context, s *Session, deviceID string, payload models.Variables) error
	DeleteDeviceKeys(ctx context.Context, s *Session, deviceID string) error
	LoadDeviceActivation(ctx context.Context, s *Session, deviceID string) (models.Variables, error)
	ActivateDevice(ctx context.Context, s *Session, deviceID string, payload models.Variables) error

	// SetApplicationIntegration registers the uplink callback of an
	// application. Calling it again with the same URL is a no-op.
	SetApplicationIntegration(ctx context.Context, s *Session, appID, callbackURL string) error

	// PushDownlink queues a vendor-shaped downlink on the network.
	PushDownlink(ctx context.Context, s *Session, deviceID string, payload models.Variables) error

	// DecodeUplink strips the vendor envelope of an inbound uplink.
	DecodeUplink(payload models.Variables) (models.Variables, error)
}
