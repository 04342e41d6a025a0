package loraserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol/rest"
)

type recorded struct {
	method string
	path   string
	query  string
	header http.Header
	body   models.Variables
}

// fakeServer records requests and answers from a route table.
type fakeServer struct {
	mu       sync.Mutex
	requests []recorded
	routes   map[string]func(w http.ResponseWriter, body models.Variables)
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{routes: make(map[string]func(http.ResponseWriter, models.Variables))}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body models.Variables
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		fs.mu.Lock()
		fs.requests = append(fs.requests, recorded{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   body,
		})
		route, ok := fs.routes[r.Method+" "+r.URL.Path]
		fs.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		route(w, body)
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) on(route string, status int, resp interface{}) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.routes[route] = func(w http.ResponseWriter, _ models.Variables) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if resp != nil {
			_ = json.NewEncoder(w).Encode(resp)
		}
	}
}

func (fs *fakeServer) calls(method, path string) []recorded {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []recorded
	for _, r := range fs.requests {
		if r.method == method && r.path == path {
			out = append(out, r)
		}
	}
	return out
}

func testClient() *rest.Client {
	return rest.NewClient(rest.Options{Timeout: 2 * time.Second, RetryAttempts: 2, InitialInterval: time.Millisecond})
}

func testNetwork(baseURL string, sd models.Variables) *models.Network {
	return &models.Network{
		BaseModel:    models.BaseModel{ID: uuid.New()},
		Name:         "ns",
		BaseURL:      baseURL,
		SecurityData: sd,
		Enabled:      true,
	}
}

func TestMetadata(t *testing.T) {
	c := testClient()
	keys := map[protocol.Key]bool{}
	for _, h := range []*Handler{NewLoraOSV1(c), NewLoraOSV2(c), NewChirpStackV1(c), NewChirpStackV2(c)} {
		key := h.Metadata().Key()
		assert.False(t, keys[key], "duplicate key %s", key)
		keys[key] = true
		assert.Equal(t, "LoRa", h.Metadata().NetworkType)
		assert.NotEmpty(t, h.Metadata().ProtocolHandlerNetworkFields)
	}

	err := NewLoraOSV2(c).Metadata().ValidateSecurityData(models.Variables{"username": "admin", "password": "pw"})
	require.Error(t, err)
	assert.True(t, protocol.IsValidation(err))
	assert.Contains(t, err.Error(), "networkServerId")
}

func TestAuthenticate(t *testing.T) {
	t.Run("password login", func(t *testing.T) {
		fs, srv := newFakeServer(t)
		fs.on("POST /api/internal/login", http.StatusOK, map[string]string{"jwt": "token-1"})

		h := NewLoraOSV2(testClient())
		tok, err := h.Authenticate(context.Background(), testNetwork(srv.URL, models.Variables{"username": "admin", "password": "pw"}))
		require.NoError(t, err)
		assert.Equal(t, "token-1", tok.AccessToken)

		login := fs.calls(http.MethodPost, "/api/internal/login")
		require.Len(t, login, 1)
		assert.Equal(t, "admin", login[0].body["username"])
	})

	t.Run("rejected credentials", func(t *testing.T) {
		fs, srv := newFakeServer(t)
		fs.on("POST /api/internal/login", http.StatusUnauthorized, map[string]string{"error": "bad"})

		_, err := NewLoraOSV1(testClient()).Authenticate(context.Background(), testNetwork(srv.URL, models.Variables{"username": "a", "password": "b"}))
		require.Error(t, err)
		assert.True(t, protocol.IsAuth(err))
	})

	t.Run("static api key", func(t *testing.T) {
		fs, srv := newFakeServer(t)
		fs.on("GET /api/tenants", http.StatusOK, map[string]interface{}{"totalCount": 0, "result": []interface{}{}})

		tok, err := NewChirpStackV2(testClient()).Authenticate(context.Background(), testNetwork(srv.URL, models.Variables{"apiKey": "key-1"}))
		require.NoError(t, err)
		assert.Equal(t, "key-1", tok.AccessToken)

		check := fs.calls(http.MethodGet, "/api/tenants")
		require.Len(t, check, 1)
		assert.Equal(t, "Bearer key-1", check[0].header.Get("Authorization"))
		assert.Equal(t, "limit=1", check[0].query)
	})

	t.Run("api key rejected", func(t *testing.T) {
		fs, srv := newFakeServer(t)
		fs.on("GET /api/tenants", http.StatusUnauthorized, nil)

		_, err := NewChirpStackV2(testClient()).Authenticate(context.Background(), testNetwork(srv.URL, models.Variables{"apiKey": "bad"}))
		assert.True(t, protocol.IsAuth(err))
	})
}

func TestCompanyCRUD(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.on("POST /api/organizations", http.StatusOK, map[string]string{"id": "12"})
	fs.on("PUT /api/organizations/12", http.StatusOK, map[string]string{})
	fs.on("GET /api/organizations", http.StatusOK, map[string]interface{}{
		"totalCount": "1",
		"result":     []interface{}{map[string]interface{}{"id": "12", "name": "acme"}},
	})

	h := NewLoraOSV2(testClient())
	s := &protocol.Session{Network: testNetwork(srv.URL, nil), Token: "jwt"}
	ctx := context.Background()

	id, err := h.CreateCompany(ctx, s, models.Variables{"organization": models.Variables{"name": "acme"}})
	require.NoError(t, err)
	assert.Equal(t, "12", id)

	create := fs.calls(http.MethodPost, "/api/organizations")
	require.Len(t, create, 1)
	assert.Equal(t, "Bearer jwt", create[0].header.Get("Grpc-Metadata-Authorization"))

	require.NoError(t, h.UpdateCompany(ctx, s, "12", models.Variables{"organization": models.Variables{"name": "acme2"}}))
	update := fs.calls(http.MethodPut, "/api/organizations/12")
	require.Len(t, update, 1)
	assert.Equal(t, "12", update[0].body.Map("organization")["id"])

	list, err := h.ListCompanies(ctx, s, protocol.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "acme", list[0]["name"])
	assert.Equal(t, "limit=10&offset=0", fs.calls(http.MethodGet, "/api/organizations")[0].query)

	err = h.DeleteCompany(ctx, s, "99")
	assert.True(t, protocol.IsNotFound(err))
}

func TestDevices(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.on("POST /api/devices", http.StatusOK, map[string]string{})
	fs.on("POST /api/devices/0011223344556677/keys", http.StatusConflict, map[string]string{"error": "exists"})
	fs.on("PUT /api/devices/0011223344556677/keys", http.StatusOK, map[string]string{})
	fs.on("GET /api/devices", http.StatusOK, map[string]interface{}{"result": []interface{}{}})

	h := NewChirpStackV2(testClient())
	s := &protocol.Session{Network: testNetwork(srv.URL, nil), Token: "key"}
	ctx := context.Background()

	id, err := h.CreateDevice(ctx, s, models.Variables{"device": models.Variables{"devEui": "0011223344556677"}})
	require.NoError(t, err)
	assert.Equal(t, "0011223344556677", id)

	_, err = h.CreateDevice(ctx, s, models.Variables{"device": models.Variables{"name": "x"}})
	assert.True(t, protocol.IsValidation(err))

	require.NoError(t, h.SetDeviceKeys(ctx, s, id, models.Variables{"deviceKeys": models.Variables{"nwkKey": "00"}}))
	assert.Len(t, fs.calls(http.MethodPut, "/api/devices/0011223344556677/keys"), 1)

	_, err = h.ListDevices(ctx, s, protocol.ListOptions{ApplicationID: "app-1"})
	require.NoError(t, err)
	assert.Contains(t, fs.calls(http.MethodGet, "/api/devices")[0].query, "applicationId=app-1")
}

func TestSetApplicationIntegration(t *testing.T) {
	const path = "/api/applications/5/integrations/http"
	ctx := context.Background()

	t.Run("creates when absent", func(t *testing.T) {
		fs, srv := newFakeServer(t)
		fs.on("POST "+path, http.StatusOK, map[string]string{})
		s := &protocol.Session{Network: testNetwork(srv.URL, nil), Token: "jwt"}

		require.NoError(t, NewChirpStackV1(testClient()).SetApplicationIntegration(ctx, s, "5", "http://bridge/up"))
		create := fs.calls(http.MethodPost, path)
		require.Len(t, create, 1)
		assert.Equal(t, "http://bridge/up", create[0].body.Map("integration")["uplinkDataURL"])
	})

	t.Run("no-op when equal", func(t *testing.T) {
		fs, srv := newFakeServer(t)
		fs.on("GET "+path, http.StatusOK, map[string]interface{}{"dataUpURL": "http://bridge/up"})
		s := &protocol.Session{Network: testNetwork(srv.URL, nil), Token: "jwt"}

		require.NoError(t, NewLoraOSV1(testClient()).SetApplicationIntegration(ctx, s, "5", "http://bridge/up"))
		assert.Empty(t, fs.calls(http.MethodPost, path))
		assert.Empty(t, fs.calls(http.MethodPut, path))
	})

	t.Run("updates when different", func(t *testing.T) {
		fs, srv := newFakeServer(t)
		fs.on("GET "+path, http.StatusOK, map[string]interface{}{
			"integration": map[string]interface{}{"eventEndpointUrl": "http://old/up"},
		})
		fs.on("PUT "+path, http.StatusOK, map[string]string{})
		s := &protocol.Session{Network: testNetwork(srv.URL, nil), Token: "key"}

		require.NoError(t, NewChirpStackV2(testClient()).SetApplicationIntegration(ctx, s, "5", "http://bridge/up"))
		update := fs.calls(http.MethodPut, path)
		require.Len(t, update, 1)
		it := update[0].body.Map("integration")
		assert.Equal(t, "http://bridge/up", it["eventEndpointUrl"])
		assert.Equal(t, "JSON", it["encoding"])
	})
}

func TestDecodeUplink(t *testing.T) {
	h := NewLoraOSV2(testClient())

	out, err := h.DecodeUplink(models.Variables{
		"applicationID": "5",
		"deviceName":    "sensor-1",
		"devEUI":        "0011223344556677",
		"fCnt":          float64(3),
		"data":          "AQID",
	})
	require.NoError(t, err)
	assert.Equal(t, "0011223344556677", out["devEUI"])
	assert.Equal(t, 3, out["fCnt"])

	_, err = h.DecodeUplink(models.Variables{"data": "AQID"})
	assert.True(t, protocol.IsValidation(err))
}
