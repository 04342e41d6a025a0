package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lpwan-bridge/internal/config"
	"github.com/lorawan-server/lpwan-bridge/internal/integration"
	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/builtin"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/rest"
	"github.com/lorawan-server/lpwan-bridge/internal/relay"
	"github.com/lorawan-server/lpwan-bridge/internal/session"
	"github.com/lorawan-server/lpwan-bridge/internal/storage"
	"github.com/lorawan-server/lpwan-bridge/internal/syncer"
	"github.com/lorawan-server/lpwan-bridge/pkg/crypto"
)

type testServer struct {
	t     *testing.T
	ts    *httptest.Server
	store *storage.MemoryStore
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.JWT.Secret = "test-secret"
	cfg.Admin.Username = "admin"
	cfg.Admin.PasswordHash, err = crypto.HashPassword("secret")
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	registry, err := builtin.NewRegistry(rest.NewClient(rest.Options{RetryAttempts: 1}), nil)
	require.NoError(t, err)
	sessions := session.NewManager(registry, store)
	forwarder := integration.NewForwarder(integration.Options{Attempts: 1, Timeout: 2 * time.Second})
	t.Cleanup(forwarder.Close)

	srv := NewRESTServer(cfg, Services{
		Store:    store,
		Registry: registry,
		Sessions: sessions,
		Engine:   syncer.New(store, registry, sessions, nil, syncer.Config{}),
		Relay: relay.New(store, registry, sessions, forwarder, nil, relay.Config{
			DefaultPollWait: 50 * time.Millisecond,
			MaxPollWait:     time.Second,
		}),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	s := &testServer{t: t, ts: ts, store: store}
	resp, body := s.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin", "password": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s.token = body["access_token"].(string)
	return s
}

// do sends body as JSON with the admin token and decodes a JSON object reply.
func (s *testServer) do(method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	s.t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, rd)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	if len(raw) > 0 {
		require.NoError(s.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (s *testServer) mustCreate(path string, body interface{}) map[string]interface{} {
	s.t.Helper()
	resp, out := s.do(http.MethodPost, path, body)
	require.Equal(s.t, http.StatusCreated, resp.StatusCode, "%v", out)
	return out
}

// world is a company with one application on a disabled Loriot network.
type world struct {
	networkTypeID string
	networkID     string
	companyID     string
	applicationID string
}

func (s *testServer) world(callbackURL string) world {
	s.t.Helper()
	var w world

	nt := s.mustCreate("/api/v1/network-types", map[string]string{"name": "LoRa"})
	w.networkTypeID = nt["id"].(string)

	n := s.mustCreate("/api/v1/networks", map[string]interface{}{
		"name":                "loriot",
		"networkTypeId":       w.networkTypeID,
		"protocolHandlerName": "Loriot",
		"protocolVersion":     "4.0",
		"baseUrl":             "https://eu1.loriot.io",
	})
	w.networkID = n["id"].(string)

	c := s.mustCreate("/api/v1/companies", map[string]string{"name": "acme"})
	w.companyID = c["company"].(map[string]interface{})["id"].(string)

	app := s.mustCreate("/api/v1/applications", map[string]string{
		"companyId": w.companyID,
		"name":      "meters",
		"baseUrl":   callbackURL,
	})
	w.applicationID = app["application"].(map[string]interface{})["id"].(string)
	return w
}

func TestAuth(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(http.MethodGet, "/api/v1/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "admin", body["username"])

	token := s.token
	s.token = ""
	resp, _ = s.do(http.MethodGet, "/api/v1/networks", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	s.token = "garbage"
	resp, _ = s.do(http.MethodGet, "/api/v1/networks", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	s.token = token

	resp, _ = s.do(http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtocols(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(http.MethodGet, "/api/v1/protocols", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["protocols"], 5)

	resp, body = s.do(http.MethodGet, "/api/v1/protocols/Loriot/4.0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Loriot", body["protocolHandlerName"])
	assert.NotEmpty(t, body["protocolHandlerNetworkFields"])

	resp, _ = s.do(http.MethodGet, "/api/v1/protocols/Loriot/9.9", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNetworkLifecycle(t *testing.T) {
	s := newTestServer(t)
	nt := s.mustCreate("/api/v1/network-types", map[string]string{"name": "LoRa"})

	req := map[string]interface{}{
		"name":                "loriot",
		"networkTypeId":       nt["id"],
		"protocolHandlerName": "Loriot",
		"protocolVersion":     "4.0",
		"baseUrl":             "https://eu1.loriot.io",
		"enabled":             true,
	}
	resp, body := s.do(http.MethodPost, "/api/v1/networks", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "enabled without credentials: %v", body)

	req["securityData"] = map[string]string{"apiKey": "k"}
	n := s.mustCreate("/api/v1/networks", req)
	assert.NotContains(t, n, "securityData")
	id := n["id"].(string)

	resp, body = s.do(http.MethodGet, "/api/v1/networks/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["session"].(map[string]interface{})["state"])

	delete(req, "securityData")
	req["name"] = "renamed"
	resp, body = s.do(http.MethodPut, "/api/v1/networks/"+id, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	stored, err := s.store.ListNetworks(context.Background(), storage.NetworkFilters{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "k", stored[0].SecurityData.String("apiKey"))

	resp, _ = s.do(http.MethodDelete, "/api/v1/networks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.do(http.MethodGet, "/api/v1/networks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/api/v1/networks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejectedCredentialsNeedReconfiguration(t *testing.T) {
	s := newTestServer(t)
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer vendor.Close()

	nt := s.mustCreate("/api/v1/network-types", map[string]string{"name": "LoRa"})
	n := s.mustCreate("/api/v1/networks", map[string]interface{}{
		"name":                "loriot",
		"networkTypeId":       nt["id"],
		"protocolHandlerName": "Loriot",
		"protocolVersion":     "4.0",
		"baseUrl":             vendor.URL,
		"enabled":             true,
		"securityData":        map[string]string{"apiKey": "revoked"},
	})
	id := n["id"].(string)

	resp, _ := s.do(http.MethodPost, "/api/v1/networks/"+id+"/login", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, body := s.do(http.MethodGet, "/api/v1/networks/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rejected", body["state"])
	assert.Equal(t, true, body["needsReconfiguration"])

	// new credentials clear the flag
	resp, _ = s.do(http.MethodPut, "/api/v1/networks/"+id, map[string]interface{}{
		"name":                "loriot",
		"networkTypeId":       nt["id"],
		"protocolHandlerName": "Loriot",
		"protocolVersion":     "4.0",
		"baseUrl":             vendor.URL,
		"enabled":             true,
		"securityData":        map[string]string{"apiKey": "fresh"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = s.do(http.MethodGet, "/api/v1/networks/"+id+"/status", nil)
	assert.Equal(t, "unauthenticated", body["state"])
	assert.Equal(t, false, body["needsReconfiguration"])
}

func TestEntityMutationsReturnOutcomes(t *testing.T) {
	s := newTestServer(t)

	c := s.mustCreate("/api/v1/companies", map[string]string{"name": "acme"})
	assert.Equal(t, float64(0), c["failed"])
	assert.NotNil(t, c["outcomes"])
	id := c["company"].(map[string]interface{})["id"].(string)

	resp, body := s.do(http.MethodPut, "/api/v1/companies/"+id, map[string]string{"name": "acme2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "acme2", body["company"].(map[string]interface{})["name"])

	resp, _ = s.do(http.MethodPost, "/api/v1/companies", map[string]string{"description": "no name"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// application of an unknown company
	resp, _ = s.do(http.MethodPost, "/api/v1/applications", map[string]string{
		"companyId": "00000000-0000-0000-0000-000000000001",
		"name":      "orphan",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = s.do(http.MethodGet, "/api/v1/companies/"+id+"/mappings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["mappings"])

	resp, _ = s.do(http.MethodDelete, "/api/v1/companies/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(http.MethodGet, "/api/v1/companies/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUplinkIngest(t *testing.T) {
	var mu sync.Mutex
	var got []models.Uplink
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var up models.Uplink
		if err := json.NewDecoder(r.Body).Decode(&up); err == nil {
			mu.Lock()
			got = append(got, up)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer callback.Close()

	s := newTestServer(t)
	w := s.world(callback.URL)

	// vendors post without the admin token
	s.token = ""
	path := "/api/uplinks/" + w.applicationID + "/" + w.networkID
	resp, body := s.do(http.MethodPost, path, map[string]interface{}{
		"cmd": "rx", "EUI": "0011223344556677", "fcnt": 7, "port": 2, "data": "0102",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	assert.Equal(t, "0011223344556677", body["devEUI"])

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, uint32(7), got[0].FCnt)
	assert.Equal(t, "AQI=", got[0].Data)
	mu.Unlock()

	resp, _ = s.do(http.MethodPost, "/api/uplinks/"+w.networkID+"/"+w.networkID, map[string]interface{}{"cmd": "rx"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUplinkDeliveryFailure(t *testing.T) {
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer callback.Close()

	s := newTestServer(t)
	w := s.world(callback.URL)

	resp, _ := s.do(http.MethodPost, "/api/uplinks/"+w.applicationID+"/"+w.networkID, map[string]interface{}{
		"cmd": "rx", "EUI": "0011223344556677", "fcnt": 1, "port": 1, "data": "01",
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestDownlinkQueue(t *testing.T) {
	s := newTestServer(t)
	w := s.world("")

	d := s.mustCreate("/api/v1/devices", map[string]string{"applicationId": w.applicationID, "name": "meter-1"})
	deviceID := d["device"].(map[string]interface{})["id"].(string)
	base := "/api/v1/devices/" + deviceID + "/downlinks"

	// nothing queued: the poll answers 204 after the wait
	start := time.Now()
	resp, _ := s.do(http.MethodGet, base+"?wait=0.1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	resp, body := s.do(http.MethodPost, base, map[string]interface{}{"fPort": 0, "data": "AQ=="})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%v", body)

	s.mustCreate(base, map[string]interface{}{"fPort": 10, "data": "AQ=="})
	s.mustCreate(base, map[string]interface{}{"fPort": 11, "data": "Ag=="})

	resp, body = s.do(http.MethodGet, base+"/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["pending"])

	resp, body = s.do(http.MethodGet, base+"?wait=0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(10), body["fPort"])

	resp, body = s.do(http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(11), body["fPort"])

	resp, _ = s.do(http.MethodGet, base+"?wait=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// an unsynced device is skipped on every network
	resp, body = s.do(http.MethodPost, base+"/push", map[string]interface{}{"fPort": 3, "data": "AQ=="})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	assert.Equal(t, float64(0), body["failed"])
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(storage.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusOf(storage.ErrDuplicateKey))
	assert.Equal(t, http.StatusInternalServerError, statusOf(io.EOF))
}
