package protocol

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lpwan-bridge/internal/mapper"
	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// Call describes one intercepted handler invocation.
type Call struct {
	Protocol  Key
	Method    string
	NetworkID uuid.UUID
}

// Interceptor wraps each handler call. It must call next exactly once unless
// it decides to fail the call itself.
type Interceptor func(ctx context.Context, call Call, next func(ctx context.Context) error) error

// LoggingInterceptor logs the outcome and duration of each vendor call.
func LoggingInterceptor() Interceptor {
	return func(ctx context.Context, call Call, next func(ctx context.Context) error) error {
		start := time.Now()
		err := next(ctx)

		if err != nil {
			log.Warn().
				Err(err).
				Str("protocol", call.Protocol.String()).
				Str("method", call.Method).
				Str("network_id", call.NetworkID.String()).
				Dur("took", time.Since(start)).
				Msg("Protocol call failed")
			return err
		}

		log.Debug().
			Str("protocol", call.Protocol.String()).
			Str("method", call.Method).
			Str("network_id", call.NetworkID.String()).
			Dur("took", time.Since(start)).
			Msg("Protocol call succeeded")
		return nil
	}
}

// WithInterceptor decorates h so every call goes through ic.
func WithInterceptor(h Handler, ic Interceptor) Handler {
	if ic == nil {
		return h
	}
	return &intercepted{next: h, ic: ic, key: h.Metadata().Key()}
}

type intercepted struct {
	next Handler
	ic   Interceptor
	key  Key
}

func (h *intercepted) call(ctx context.Context, method string, networkID uuid.UUID, fn func(ctx context.Context) error) error {
	return h.ic(ctx, Call{Protocol: h.key, Method: method, NetworkID: networkID}, fn)
}

func sessionNetwork(s *Session) uuid.UUID {
	if s == nil || s.Network == nil {
		return uuid.Nil
	}
	return s.Network.ID
}

func (h *intercepted) Metadata() Metadata    { return h.next.Metadata() }
func (h *intercepted) Schema() mapper.Schema { return h.next.Schema() }

func (h *intercepted) Authenticate(ctx context.Context, n *models.Network) (tok *Token, err error) {
	err = h.call(ctx, "Authenticate", n.ID, func(ctx context.Context) error {
		tok, err = h.next.Authenticate(ctx, n)
		return err
	})
	return tok, err
}

func (h *intercepted) list(ctx context.Context, method string, s *Session, fn func(ctx context.Context) ([]models.Variables, error)) (out []models.Variables, err error) {
	err = h.call(ctx, method, sessionNetwork(s), func(ctx context.Context) error {
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (h *intercepted) load(ctx context.Context, method string, s *Session, fn func(ctx context.Context) (models.Variables, error)) (out models.Variables, err error) {
	err = h.call(ctx, method, sessionNetwork(s), func(ctx context.Context) error {
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (h *intercepted) create(ctx context.Context, method string, s *Session, fn func(ctx context.Context) (string, error)) (id string, err error) {
	err = h.call(ctx, method, sessionNetwork(s), func(ctx context.Context) error {
		id, err = fn(ctx)
		return err
	})
	return id, err
}

func (h *intercepted) ListCompanies(ctx context.Context, s *Session, opts ListOptions) ([]models.Variables, error) {
	return h.list(ctx, "ListCompanies", s, func(ctx context.Context) ([]models.Variables, error) {
		return h.next.ListCompanies(ctx, s, opts)
	})
}

func (h *intercepted) LoadCompany(ctx context.Context, s *Session, id string) (models.Variables, error) {
	return h.load(ctx, "LoadCompany", s, func(ctx context.Context) (models.Variables, error) {
		return h.next.LoadCompany(ctx, s, id)
	})
}

func (h *intercepted) CreateCompany(ctx context.Context, s *Session, p models.Variables) (string, error) {
	return h.create(ctx, "CreateCompany", s, func(ctx context.Context) (string, error) {
		return h.next.CreateCompany(ctx, s, p)
	})
}

func (h *intercepted) UpdateCompany(ctx context.Context, s *Session, id string, p models.Variables) error {
	return h.call(ctx, "UpdateCompany", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.UpdateCompany(ctx, s, id, p)
	})
}

func (h *intercepted) DeleteCompany(ctx context.Context, s *Session, id string) error {
	return h.call(ctx, "DeleteCompany", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.DeleteCompany(ctx, s, id)
	})
}

func (h *intercepted) ListApplications(ctx context.Context, s *Session, opts ListOptions) ([]models.Variables, error) {
	return h.list(ctx, "ListApplications", s, func(ctx context.Context) ([]models.Variables, error) {
		return h.next.ListApplications(ctx, s, opts)
	})
}

func (h *intercepted) LoadApplication(ctx context.Context, s *Session, id string) (models.Variables, error) {
	return h.load(ctx, "LoadApplication", s, func(ctx context.Context) (models.Variables, error) {
		return h.next.LoadApplication(ctx, s, id)
	})
}

func (h *intercepted) CreateApplication(ctx context.Context, s *Session, p models.Variables) (string, error) {
	return h.create(ctx, "CreateApplication", s, func(ctx context.Context) (string, error) {
		return h.next.CreateApplication(ctx, s, p)
	})
}

func (h *intercepted) UpdateApplication(ctx context.Context, s *Session, id string, p models.Variables) error {
	return h.call(ctx, "UpdateApplication", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.UpdateApplication(ctx, s, id, p)
	})
}

func (h *intercepted) DeleteApplication(ctx context.Context, s *Session, id string) error {
	return h.call(ctx, "DeleteApplication", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.DeleteApplication(ctx, s, id)
	})
}

func (h *intercepted) ListDeviceProfiles(ctx context.Context, s *Session, opts ListOptions) ([]models.Variables, error) {
	return h.list(ctx, "ListDeviceProfiles", s, func(ctx context.Context) ([]models.Variables, error) {
		return h.next.ListDeviceProfiles(ctx, s, opts)
	})
}

func (h *intercepted) LoadDeviceProfile(ctx context.Context, s *Session, id string) (models.Variables, error) {
	return h.load(ctx, "LoadDeviceProfile", s, func(ctx context.Context) (models.Variables, error) {
		return h.next.LoadDeviceProfile(ctx, s, id)
	})
}

func (h *intercepted) CreateDeviceProfile(ctx context.Context, s *Session, p models.Variables) (string, error) {
	return h.create(ctx, "CreateDeviceProfile", s, func(ctx context.Context) (string, error) {
		return h.next.CreateDeviceProfile(ctx, s, p)
	})
}

func (h *intercepted) UpdateDeviceProfile(ctx context.Context, s *Session, id string, p models.Variables) error {
	return h.call(ctx, "UpdateDeviceProfile", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.UpdateDeviceProfile(ctx, s, id, p)
	})
}

func (h *intercepted) DeleteDeviceProfile(ctx context.Context, s *Session, id string) error {
	return h.call(ctx, "DeleteDeviceProfile", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.DeleteDeviceProfile(ctx, s, id)
	})
}

func (h *intercepted) ListDevices(ctx context.Context, s *Session, opts ListOptions) ([]models.Variables, error) {
	return h.list(ctx, "ListDevices", s, func(ctx context.Context) ([]models.Variables, error) {
		return h.next.ListDevices(ctx, s, opts)
	})
}

func (h *intercepted) LoadDevice(ctx context.Context, s *Session, id string) (models.Variables, error) {
	return h.load(ctx, "LoadDevice", s, func(ctx context.Context) (models.Variables, error) {
		return h.next.LoadDevice(ctx, s, id)
	})
}

func (h *intercepted) CreateDevice(ctx context.Context, s *Session, p models.Variables) (string, error) {
	return h.create(ctx, "CreateDevice", s, func(ctx context.Context) (string, error) {
		return h.next.CreateDevice(ctx, s, p)
	})
}

func (h *intercepted) UpdateDevice(ctx context.Context, s *Session, id string, p models.Variables) error {
	return h.call(ctx, "UpdateDevice", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.UpdateDevice(ctx, s, id, p)
	})
}

func (h *intercepted) DeleteDevice(ctx context.Context, s *Session, id string) error {
	return h.call(ctx, "DeleteDevice", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.DeleteDevice(ctx, s, id)
	})
}

func (h *intercepted) LoadDeviceKeys(ctx context.Context, s *Session, id string) (models.Variables, error) {
	return h.load(ctx, "LoadDeviceKeys", s, func(ctx context.Context) (models.Variables, error) {
		return h.next.LoadDeviceKeys(ctx, s, id)
	})
}

func (h *intercepted) SetDeviceKeys(ctx context.Context, s *Session, id string, p models.Variables) error {
	return h.call(ctx, "SetDeviceKeys", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.SetDeviceKeys(ctx, s, id, p)
	})
}

func (h *intercepted) DeleteDeviceKeys(ctx context.Context, s *Session, id string) error {
	return h.call(ctx, "DeleteDeviceKeys", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.DeleteDeviceKeys(ctx, s, id)
	})
}

func (h *intercepted) LoadDeviceActivation(ctx context.Context, s *Session, id string) (models.Variables, error) {
	return h.load(ctx, "LoadDeviceActivation", s, func(ctx context.Context) (models.Variables, error) {
		return h.next.LoadDeviceActivation(ctx, s, id)
	})
}

func (h *intercepted) ActivateDevice(ctx context.Context, s *Session, id string, p models.Variables) error {
	return h.call(ctx, "ActivateDevice", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.ActivateDevice(ctx, s, id, p)
	})
}

func (h *intercepted) SetApplicationIntegration(ctx context.Context, s *Session, appID, url string) error {
	return h.call(ctx, "SetApplicationIntegration", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.SetApplicationIntegration(ctx, s, appID, url)
	})
}

func (h *intercepted) PushDownlink(ctx context.Context, s *Session, id string, p models.Variables) error {
	return h.call(ctx, "PushDownlink", sessionNetwork(s), func(ctx context.Context) error {
		return h.next.PushDownlink(ctx, s, id, p)
	})
}

func (h *intercepted) DecodeUplink(p models.Variables) (models.Variables, error) {
	return h.next.DecodeUplink(p)
}
