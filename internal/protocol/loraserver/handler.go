package loraserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/lorawan-server/lpwan-bridge/internal/mapper"
	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/rest"
)

const defaultPageSize = 100

// Handler talks to one LoRa Server lineage API version.
type Handler struct {
	d      dialect
	client *rest.Client
}

var _ protocol.Handler = (*Handler)(nil)

// NewLoraOSV1 returns the LoRa Server 1.x handler.
func NewLoraOSV1(client *rest.Client) *Handler { return &Handler{d: loraOSV1, client: client} }

// NewLoraOSV2 returns the LoRa Server 2.x handler.
func NewLoraOSV2(client *rest.Client) *Handler { return &Handler{d: loraOSV2, client: client} }

// NewChirpStackV1 returns the ChirpStack application server v3 handler.
func NewChirpStackV1(client *rest.Client) *Handler { return &Handler{d: chirpStackV1, client: client} }

// NewChirpStackV2 returns the ChirpStack v4 handler.
func NewChirpStackV2(client *rest.Client) *Handler { return &Handler{d: chirpStackV2, client: client} }

func (h *Handler) Metadata() protocol.Metadata { return h.d.meta }
func (h *Handler) Schema() mapper.Schema       { return h.d.schema }

// Authenticate logs in with username/password, or probes a static API key.
func (h *Handler) Authenticate(ctx context.Context, n *models.Network) (*protocol.Token, error) {
	if h.d.meta.AuthStyle == protocol.AuthAPIKey {
		return h.probeAPIKey(ctx, n)
	}

	var resp struct {
		JWT string `json:"jwt"`
	}
	err := h.client.Do(ctx, rest.Request{
		Op:     "login",
		Method: http.MethodPost,
		URL:    rest.URL(n.BaseURL, "/api/internal/login", nil),
		Body: map[string]string{
			"username": n.SecurityData.String("username"),
			"password": n.SecurityData.String("password"),
		},
		Out: &resp,
	})
	if err != nil {
		if protocol.IsAuth(err) || protocol.IsValidation(err) {
			return nil, protocol.NewAuthError("login", "credentials rejected", err)
		}
		return nil, err
	}
	if resp.JWT == "" {
		return nil, protocol.NewAuthError("login", "no token in response", nil)
	}
	return &protocol.Token{AccessToken: resp.JWT}, nil
}

func (h *Handler) probeAPIKey(ctx context.Context, n *models.Network) (*protocol.Token, error) {
	key := n.SecurityData.String("apiKey")
	err := h.client.Do(ctx, rest.Request{
		Op:     "probe api key",
		Method: http.MethodGet,
		URL:    rest.URL(n.BaseURL, h.d.companies, url.Values{"limit": {"1"}}),
		Header: rest.Bearer(h.d.authHeader, key),
	})
	if err != nil {
		if protocol.IsAuth(err) {
			return nil, protocol.NewAuthError("probe api key", "api key rejected", err)
		}
		return nil, err
	}
	return &protocol.Token{AccessToken: key}, nil
}

func (h *Handler) header(s *protocol.Session) http.Header {
	return rest.Bearer(h.d.authHeader, s.Token)
}

func (h *Handler) url(s *protocol.Session, path string, q url.Values) string {
	return rest.URL(s.Network.BaseURL, path, q)
}

// resource is a CRUD collection on the vendor API.
type resource struct {
	path  string
	scope func(opts protocol.ListOptions) url.Values
	// create responses name the new id differently across versions
	idKeys []string
}

func (h *Handler) list(ctx context.Context, s *protocol.Session, op string, r resource, opts protocol.ListOptions) ([]models.Variables, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	q := url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(opts.Offset)},
	}
	if r.scope != nil {
		for k, v := range r.scope(opts) {
			q[k] = v
		}
	}

	var resp models.Variables
	err := h.client.Do(ctx, rest.Request{
		Op:     op,
		Method: http.MethodGet,
		URL:    h.url(s, r.path, q),
		Header: h.header(s),
		Out:    &resp,
	})
	if err != nil {
		return nil, err
	}
	return resp.Slice("result"), nil
}

func (h *Handler) load(ctx context.Context, s *protocol.Session, op, path string) (models.Variables, error) {
	var resp models.Variables
	err := h.client.Do(ctx, rest.Request{
		Op:     op,
		Method: http.MethodGet,
		URL:    h.url(s, path, nil),
		Header: h.header(s),
		Out:    &resp,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (h *Handler) send(ctx context.Context, s *protocol.Session, op, method, path string, body, out interface{}) error {
	return h.client.Do(ctx, rest.Request{
		Op:     op,
		Method: method,
		URL:    h.url(s, path, nil),
		Header: h.header(s),
		Body:   body,
		Out:    out,
	})
}

func (h *Handler) create(ctx context.Context, s *protocol.Session, op string, r resource, payload models.Variables) (string, error) {
	var resp models.Variables
	if err := h.send(ctx, s, op, http.MethodPost, r.path, payload, &resp); err != nil {
		return "", err
	}
	for _, k := range append(r.idKeys, "id") {
		if id := resp.String(k); id != "" {
			return id, nil
		}
	}
	return "", protocol.NewValidationError(op, "no id in create response")
}

func (h *Handler) update(ctx context.Context, s *protocol.Session, op string, r resource, id string, payload models.Variables) error {
	return h.send(ctx, s, op, http.MethodPut, r.path+"/"+url.PathEscape(id), withID(payload, "id", id), nil)
}

func (h *Handler) remove(ctx context.Context, s *protocol.Session, op, path string) error {
	return h.send(ctx, s, op, http.MethodDelete, path, nil, nil)
}

func (h *Handler) companies() resource {
	return resource{path: h.d.companies}
}

func (h *Handler) applications() resource {
	return resource{
		path: "/api/applications",
		scope: func(opts protocol.ListOptions) url.Values {
			if opts.CompanyID == "" {
				return nil
			}
			return url.Values{h.d.companyParam: {opts.CompanyID}}
		},
	}
}

func (h *Handler) deviceProfiles() resource {
	return resource{
		path:   "/api/device-profiles",
		idKeys: []string{"deviceProfileID"},
		scope: func(opts protocol.ListOptions) url.Values {
			q := url.Values{}
			if opts.CompanyID != "" {
				q.Set(h.d.companyParam, opts.CompanyID)
			}
			if opts.ApplicationID != "" {
				q.Set(h.d.applicationParam, opts.ApplicationID)
			}
			return q
		},
	}
}

func (h *Handler) devices() resource {
	return resource{
		path: "/api/devices",
		scope: func(opts protocol.ListOptions) url.Values {
			if opts.ApplicationID == "" {
				return nil
			}
			return url.Values{h.d.applicationParam: {opts.ApplicationID}}
		},
	}
}

// Companies

func (h *Handler) ListCompanies(ctx context.Context, s *protocol.Session, opts protocol.ListOptions) ([]models.Variables, error) {
	return h.list(ctx, s, "list companies", h.companies(), opts)
}

func (h *Handler) LoadCompany(ctx context.Context, s *protocol.Session, id string) (models.Variables, error) {
	return h.load(ctx, s, "load company", h.d.companies+"/"+url.PathEscape(id))
}

func (h *Handler) CreateCompany(ctx context.Context, s *protocol.Session, p models.Variables) (string, error) {
	return h.create(ctx, s, "create company", h.companies(), p)
}

func (h *Handler) UpdateCompany(ctx context.Context, s *protocol.Session, id string, p models.Variables) error {
	return h.update(ctx, s, "update company", h.companies(), id, p)
}

func (h *Handler) DeleteCompany(ctx context.Context, s *protocol.Session, id string) error {
	return h.remove(ctx, s, "delete company", h.d.companies+"/"+url.PathEscape(id))
}

// Applications

func (h *Handler) ListApplications(ctx context.Context, s *protocol.Session, opts protocol.ListOptions) ([]models.Variables, error) {
	return h.list(ctx, s, "list applications", h.applications(), opts)
}

func (h *Handler) LoadApplication(ctx context.Context, s *protocol.Session, id string) (models.Variables, error) {
	return h.load(ctx, s, "load application", "/api/applications/"+url.PathEscape(id))
}

func (h *Handler) CreateApplication(ctx context.Context, s *protocol.Session, p models.Variables) (string, error) {
	return h.create(ctx, s, "create application", h.applications(), p)
}

func (h *Handler) UpdateApplication(ctx context.Context, s *protocol.Session, id string, p models.Variables) error {
	return h.update(ctx, s, "update application", h.applications(), id, p)
}

func (h *Handler) DeleteApplication(ctx context.Context, s *protocol.Session, id string) error {
	return h.remove(ctx, s, "delete application", "/api/applications/"+url.PathEscape(id))
}

// Device profiles

func (h *Handler) ListDeviceProfiles(ctx context.Context, s *protocol.Session, opts protocol.ListOptions) ([]models.Variables, error) {
	return h.list(ctx, s, "list device profiles", h.deviceProfiles(), opts)
}

func (h *Handler) LoadDeviceProfile(ctx context.Context, s *protocol.Session, id string) (models.Variables, error) {
	return h.load(ctx, s, "load device profile", "/api/device-profiles/"+url.PathEscape(id))
}

func (h *Handler) CreateDeviceProfile(ctx context.Context, s *protocol.Session, p models.Variables) (string, error) {
	return h.create(ctx, s, "create device profile", h.deviceProfiles(), p)
}

func (h *Handler) UpdateDeviceProfile(ctx context.Context, s *protocol.Session, id string, p models.Variables) error {
	return h.update(ctx, s, "update device profile", h.deviceProfiles(), id, p)
}

func (h *Handler) DeleteDeviceProfile(ctx context.Context, s *protocol.Session, id string) error {
	return h.remove(ctx, s, "delete device profile", "/api/device-profiles/"+url.PathEscape(id))
}

// Devices are addressed by DevEUI.

func (h *Handler) ListDevices(ctx context.Context, s *protocol.Session, opts protocol.ListOptions) ([]models.Variables, error) {
	return h.list(ctx, s, "list devices", h.devices(), opts)
}

func (h *Handler) LoadDevice(ctx context.Context, s *protocol.Session, devEUI string) (models.Variables, error) {
	return h.load(ctx, s, "load device", devicePath(devEUI, ""))
}

func (h *Handler) CreateDevice(ctx context.Context, s *protocol.Session, p models.Variables) (string, error) {
	devEUI := lookup(p, "devEUI", "devEui")
	if devEUI == "" {
		return "", protocol.NewValidationError("create device", "payload has no devEUI")
	}
	if err := h.send(ctx, s, "create device", http.MethodPost, "/api/devices", p, nil); err != nil {
		return "", err
	}
	return devEUI, nil
}

func (h *Handler) UpdateDevice(ctx context.Context, s *protocol.Session, devEUI string, p models.Variables) error {
	return h.send(ctx, s, "update device", http.MethodPut, devicePath(devEUI, ""), p, nil)
}

func (h *Handler) DeleteDevice(ctx context.Context, s *protocol.Session, devEUI string) error {
	return h.remove(ctx, s, "delete device", devicePath(devEUI, ""))
}

func (h *Handler) LoadDeviceKeys(ctx context.Context, s *protocol.Session, devEUI string) (models.Variables, error) {
	return h.load(ctx, s, "load device keys", devicePath(devEUI, "/keys"))
}

// SetDeviceKeys creates the keys, or replaces them when they already exist.
func (h *Handler) SetDeviceKeys(ctx context.Context, s *protocol.Session, devEUI string, p models.Variables) error {
	err := h.send(ctx, s, "set device keys", http.MethodPost, devicePath(devEUI, "/keys"), p, nil)
	if protocol.IsConflict(err) {
		return h.send(ctx, s, "set device keys", http.MethodPut, devicePath(devEUI, "/keys"), p, nil)
	}
	return err
}

func (h *Handler) DeleteDeviceKeys(ctx context.Context, s *protocol.Session, devEUI string) error {
	return h.remove(ctx, s, "delete device keys", devicePath(devEUI, "/keys"))
}

func (h *Handler) LoadDeviceActivation(ctx context.Context, s *protocol.Session, devEUI string) (models.Variables, error) {
	return h.load(ctx, s, "load device activation", devicePath(devEUI, "/activation"))
}

func (h *Handler) ActivateDevice(ctx context.Context, s *protocol.Session, devEUI string, p models.Variables) error {
	return h.send(ctx, s, "activate device", http.MethodPost, devicePath(devEUI, "/activate"), p, nil)
}

// SetApplicationIntegration points the application's HTTP integration at
// callbackURL.
func (h *Handler) SetApplicationIntegration(ctx context.Context, s *protocol.Session, appID, callbackURL string) error {
	path := "/api/applications/" + url.PathEscape(appID) + "/integrations/http"
	it := h.d.integration

	current, err := h.load(ctx, s, "load integration", path)
	switch {
	case protocol.IsNotFound(err):
		return h.send(ctx, s, "create integration", http.MethodPost, path, h.integrationBody(appID, callbackURL), nil)
	case err != nil:
		return err
	}

	if it.wrapped {
		current = current.Map("integration")
	}
	if current.String(it.urlField) == callbackURL {
		return nil
	}
	return h.send(ctx, s, "update integration", http.MethodPut, path, h.integrationBody(appID, callbackURL), nil)
}

func (h *Handler) integrationBody(appID, callbackURL string) models.Variables {
	it := h.d.integration
	body := models.Variables{
		it.appField: appID,
		it.urlField: callbackURL,
	}
	for k, v := range it.extra {
		body[k] = v
	}
	if it.wrapped {
		return models.Variables{"integration": body}
	}
	return body
}

func (h *Handler) PushDownlink(ctx context.Context, s *protocol.Session, devEUI string, p models.Variables) error {
	return h.send(ctx, s, "push downlink", http.MethodPost, devicePath(devEUI, "/queue"), p, nil)
}

// DecodeUplink maps an uplink event posted by the HTTP integration.
func (h *Handler) DecodeUplink(p models.Variables) (models.Variables, error) {
	out, err := mapper.FromRemote(h.d.schema, mapper.KindUplink, p)
	if err != nil {
		return nil, err
	}
	if out.String("devEUI") == "" {
		return nil, protocol.NewValidationError("decode uplink", "event has no device EUI")
	}
	return out, nil
}

func devicePath(devEUI, suffix string) string {
	return "/api/devices/" + url.PathEscape(devEUI) + suffix
}

// withID sets id on the wrapped entity of payload, or on payload itself when
// it is flat.
func withID(p models.Variables, key, id string) models.Variables {
	out := p.Clone()
	if out == nil {
		out = models.Variables{}
	}
	if len(out) == 1 {
		for k := range out {
			if inner := out.Map(k); inner != nil {
				inner = inner.Clone()
				inner[key] = id
				out[k] = inner
				return out
			}
		}
	}
	out[key] = id
	return out
}

// lookup finds key at the top level or one level down.
func lookup(p models.Variables, keys ...string) string {
	for _, k := range keys {
		if v := p.String(k); v != "" {
			return v
		}
	}
	for k := range p {
		if inner := p.Map(k); inner != nil {
			for _, key := range keys {
				if v := inner.String(key); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

func (h *Handler) String() string {
	return fmt.Sprintf("%s %s", h.d.meta.ProtocolHandlerName, h.d.meta.Version.VersionValue)
}
