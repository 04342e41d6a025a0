// Package loriot implements the Loriot network server API v4 handler.
package loriot

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lorawan-server/lpwan-bridge/internal/mapper"
	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/rest"
)

const (
	Name            = "Loriot"
	defaultPageSize = 100
	outputHTTPPush  = "httppush"
)

var metadata = protocol.Metadata{
	ProtocolHandlerName: Name,
	Version:             protocol.Version{VersionText: "Version 4.0", VersionValue: "4.0"},
	NetworkType:         "LoRa",
	AuthStyle:           protocol.AuthAPIKey,
	ProtocolHandlerNetworkFields: []protocol.NetworkField{
		protocol.APIKeyField,
	},
}

// Handler talks to the Loriot v4 API. Loriot has no organizations or device
// profiles; device keys and session travel on the device record. Devices are
// identified remotely as "<appid>/<deveui>".
type Handler struct {
	client *rest.Client
}

var _ protocol.Handler = (*Handler)(nil)

// New returns the Loriot v4 handler.
func New(client *rest.Client) *Handler {
	return &Handler{client: client}
}

func (h *Handler) Metadata() protocol.Metadata { return metadata }
func (h *Handler) Schema() mapper.Schema       { return mapper.SchemaLoriotV4 }

func unsupported(what string) error {
	return fmt.Errorf("loriot %s: %w", what, protocol.ErrNotSupported)
}

// Authenticate validates the API key with a one item app listing.
func (h *Handler) Authenticate(ctx context.Context, n *models.Network) (*protocol.Token, error) {
	key := n.SecurityData.String("apiKey")
	err := h.client.Do(ctx, rest.Request{
		Op:     "probe api key",
		Method: http.MethodGet,
		URL:    rest.URL(n.BaseURL, "/1/nwk/apps", url.Values{"page": {"1"}, "perPage": {"1"}}),
		Header: rest.Bearer("Authorization", key),
	})
	if err != nil {
		if protocol.IsAuth(err) {
			return nil, protocol.NewAuthError("probe api key", "api key rejected", err)
		}
		return nil, err
	}
	return &protocol.Token{AccessToken: key}, nil
}

func (h *Handler) do(ctx context.Context, s *protocol.Session, op, method, path string, q url.Values, body, out interface{}) error {
	return h.client.Do(ctx, rest.Request{
		Op:     op,
		Method: method,
		URL:    rest.URL(s.Network.BaseURL, path, q),
		Header: rest.Bearer("Authorization", s.Token),
		Body:   body,
		Out:    out,
	})
}

func page(opts protocol.ListOptions) url.Values {
	perPage := opts.Limit
	if perPage <= 0 {
		perPage = defaultPageSize
	}
	return url.Values{
		"page":    {strconv.Itoa(opts.Offset/perPage + 1)},
		"perPage": {strconv.Itoa(perPage)},
	}
}

// Companies and device profiles

func (h *Handler) ListCompanies(context.Context, *protocol.Session, protocol.ListOptions) ([]models.Variables, error) {
	return nil, unsupported("companies")
}

func (h *Handler) LoadCompany(context.Context, *protocol.Session, string) (models.Variables, error) {
	return nil, unsupported("companies")
}

func (h *Handler) CreateCompany(context.Context, *protocol.Session, models.Variables) (string, error) {
	return "", unsupported("companies")
}

func (h *Handler) UpdateCompany(context.Context, *protocol.Session, string, models.Variables) error {
	return unsupported("companies")
}

func (h *Handler) DeleteCompany(context.Context, *protocol.Session, string) error {
	return unsupported("companies")
}

func (h *Handler) ListDeviceProfiles(context.Context, *protocol.Session, protocol.ListOptions) ([]models.Variables, error) {
	return nil, unsupported("device profiles")
}

func (h *Handler) LoadDeviceProfile(context.Context, *protocol.Session, string) (models.Variables, error) {
	return nil, unsupported("device profiles")
}

func (h *Handler) CreateDeviceProfile(context.Context, *protocol.Session, models.Variables) (string, error) {
	return "", unsupported("device profiles")
}

func (h *Handler) UpdateDeviceProfile(context.Context, *protocol.Session, string, models.Variables) error {
	return unsupported("device profiles")
}

func (h *Handler) DeleteDeviceProfile(context.Context, *protocol.Session, string) error {
	return unsupported("device profiles")
}

// Applications

func (h *Handler) ListApplications(ctx context.Context, s *protocol.Session, opts protocol.ListOptions) ([]models.Variables, error) {
	var resp models.Variables
	if err := h.do(ctx, s, "list applications", http.MethodGet, "/1/nwk/apps", page(opts), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Slice("apps"), nil
}

func (h *Handler) LoadApplication(ctx context.Context, s *protocol.Session, appID string) (models.Variables, error) {
	var resp models.Variables
	if err := h.do(ctx, s, "load application", http.MethodGet, appPath(appID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (h *Handler) CreateApplication(ctx context.Context, s *protocol.Session, p models.Variables) (string, error) {
	var resp models.Variables
	if err := h.do(ctx, s, "create application", http.MethodPost, "/1/nwk/apps", nil, p, &resp); err != nil {
		return "", err
	}
	id := appID(resp["_id"])
	if id == "" {
		return "", protocol.NewValidationError("create application", "no _id in response")
	}
	return id, nil
}

func (h *Handler) UpdateApplication(ctx context.Context, s *protocol.Session, appID string, p models.Variables) error {
	return h.do(ctx, s, "update application", http.MethodPost, appPath(appID), nil, p, nil)
}

func (h *Handler) DeleteApplication(ctx context.Context, s *protocol.Session, appID string) error {
	return h.do(ctx, s, "delete application", http.MethodDelete, appPath(appID), nil, nil, nil)
}

// Devices

func (h *Handler) ListDevices(ctx context.Context, s *protocol.Session, opts protocol.ListOptions) ([]models.Variables, error) {
	if opts.ApplicationID == "" {
		return nil, protocol.NewValidationError("list devices", "application id required")
	}
	var resp models.Variables
	path := appPath(opts.ApplicationID) + "/devices"
	if err := h.do(ctx, s, "list devices", http.MethodGet, path, page(opts), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Slice("devices"), nil
}

func (h *Handler) LoadDevice(ctx context.Context, s *protocol.Session, id string) (models.Variables, error) {
	path, err := devicePath(id)
	if err != nil {
		return nil, err
	}
	var resp models.Variables
	if err := h.do(ctx, s, "load device", http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateDevice registers an OTAA device, or an ABP device when the payload
// carries a device address.
func (h *Handler) CreateDevice(ctx context.Context, s *protocol.Session, p models.Variables) (string, error) {
	body := p.Clone()
	app := body.String("appid")
	eui := body.String("deveui")
	if app == "" || eui == "" {
		return "", protocol.NewValidationError("create device", "appid and deveui required")
	}
	delete(body, "appid")

	mode := "otaa"
	if body.String("devaddr") != "" {
		mode = "abp"
	}
	if err := h.do(ctx, s, "create device", http.MethodPost, appPath(app)+"/devices/"+mode, nil, body, nil); err != nil {
		return "", err
	}
	return app + "/" + strings.ToUpper(eui), nil
}

func (h *Handler) UpdateDevice(ctx context.Context, s *protocol.Session, id string, p models.Variables) error {
	path, err := devicePath(id)
	if err != nil {
		return err
	}
	body := p.Clone()
	delete(body, "appid")
	return h.do(ctx, s, "update device", http.MethodPost, path, nil, body, nil)
}

func (h *Handler) DeleteDevice(ctx context.Context, s *protocol.Session, id string) error {
	path, err := devicePath(id)
	if err != nil {
		return err
	}
	return h.do(ctx, s, "delete device", http.MethodDelete, path, nil, nil, nil)
}

func (h *Handler) LoadDeviceKeys(context.Context, *protocol.Session, string) (models.Variables, error) {
	return nil, unsupported("device keys")
}

func (h *Handler) SetDeviceKeys(context.Context, *protocol.Session, string, models.Variables) error {
	return unsupported("device keys")
}

func (h *Handler) DeleteDeviceKeys(context.Context, *protocol.Session, string) error {
	return unsupported("device keys")
}

func (h *Handler) LoadDeviceActivation(context.Context, *protocol.Session, string) (models.Variables, error) {
	return nil, unsupported("device activation")
}

func (h *Handler) ActivateDevice(context.Context, *protocol.Session, string, models.Variables) error {
	return unsupported("device activation")
}

// SetApplicationIntegration keeps exactly one httppush output pointing at
// callbackURL.
func (h *Handler) SetApplicationIntegration(ctx context.Context, s *protocol.Session, appID, callbackURL string) error {
	path := appPath(appID) + "/outputs"

	var resp models.Variables
	err := h.do(ctx, s, "load outputs", http.MethodGet, path, nil, nil, &resp)
	if err != nil && !protocol.IsNotFound(err) {
		return err
	}

	outputs := resp.Slice("outputs")
	found := false
	for _, o := range outputs {
		if o.String("output") != outputHTTPPush {
			continue
		}
		if o.Map("osetup").String("url") == callbackURL {
			return nil
		}
		o["osetup"] = models.Variables{"url": callbackURL}
		found = true
	}

	if !found {
		push := models.Variables{"output": outputHTTPPush, "osetup": models.Variables{"url": callbackURL}}
		return h.do(ctx, s, "create output", http.MethodPost, path, nil, push, nil)
	}
	return h.do(ctx, s, "update outputs", http.MethodPut, path, nil, models.Variables{"outputs": outputs}, nil)
}

func (h *Handler) PushDownlink(ctx context.Context, s *protocol.Session, id string, p models.Variables) error {
	path, err := devicePath(id)
	if err != nil {
		return err
	}
	return h.do(ctx, s, "push downlink", http.MethodPost, path+"/dn", nil, p, nil)
}

// DecodeUplink accepts "rx" messages of the HTTP push output. Other message
// types (gateway info, tx acknowledgements) are not uplinks.
func (h *Handler) DecodeUplink(p models.Variables) (models.Variables, error) {
	if cmd := p.String("cmd"); cmd != "rx" {
		return nil, unsupported(fmt.Sprintf("%q message", cmd))
	}
	out, err := mapper.FromRemote(mapper.SchemaLoriotV4, mapper.KindUplink, p)
	if err != nil {
		return nil, err
	}
	if out.String("devEUI") == "" {
		return nil, protocol.NewValidationError("decode uplink", "message has no EUI")
	}
	return out, nil
}

func appPath(appID string) string {
	return "/1/nwk/app/" + url.PathEscape(appID)
}

func devicePath(id string) (string, error) {
	app, eui, ok := strings.Cut(id, "/")
	if !ok || app == "" || eui == "" {
		return "", protocol.NewValidationError("device id", fmt.Sprintf("%q is not <appid>/<deveui>", id))
	}
	return appPath(app) + "/device/" + url.PathEscape(eui), nil
}

// appID renders the numeric _id of an application in the hex form used in
// URLs.
func appID(v interface{}) string {
	switch id := v.(type) {
	case float64:
		if id < 0 || id > math.MaxUint32 {
			return ""
		}
		return fmt.Sprintf("%08X", uint32(id))
	case string:
		return strings.ToUpper(id)
	}
	return ""
}
