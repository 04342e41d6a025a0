package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/storage"
)

// ========== Protocol handlers ==========

// HandleListProtocols lists the registered protocol handlers
func (s *RESTServer) HandleListProtocols(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"protocols": s.registry.ListHandlers(),
	})
}

// HandleDescribeProtocol returns the credential schema of one protocol
func (s *RESTServer) HandleDescribeProtocol(w http.ResponseWriter, r *http.Request) {
	md, err := s.registry.Describe(chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, md)
}

// ========== Network type handlers ==========

// HandleListNetworkTypes lists network types
func (s *RESTServer) HandleListNetworkTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.store.ListNetworkTypes(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"networkTypes": types,
	})
}

// HandleCreateNetworkType creates a network type
func (s *RESTServer) HandleCreateNetworkType(w http.ResponseWriter, r *http.Request) {
	var nt models.NetworkType
	if !s.decode(w, r, &nt) {
		return
	}
	nt.ID = uuid.Nil

	if err := s.store.CreateNetworkType(r.Context(), &nt); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, nt)
}

// ========== Network handlers ==========

type networkRequest struct {
	Name            string           `json:"name" validate:"required"`
	NetworkTypeID   uuid.UUID        `json:"networkTypeId" validate:"required"`
	ProtocolName    string           `json:"protocolHandlerName" validate:"required"`
	ProtocolVersion string           `json:"protocolVersion" validate:"required"`
	BaseURL         string           `json:"baseUrl" validate:"required"`
	SecurityData    models.Variables `json:"securityData"`
	Enabled         bool             `json:"enabled"`
}

func (req *networkRequest) network() *models.Network {
	return &models.Network{
		Name:            req.Name,
		NetworkTypeID:   req.NetworkTypeID,
		ProtocolName:    req.ProtocolName,
		ProtocolVersion: req.ProtocolVersion,
		BaseURL:         req.BaseURL,
		SecurityData:    req.SecurityData,
		Enabled:         req.Enabled,
	}
}

// HandleListNetworks lists networks
func (s *RESTServer) HandleListNetworks(w http.ResponseWriter, r *http.Request) {
	filters := storage.NetworkFilters{
		ProtocolName: r.URL.Query().Get("protocol"),
	}
	var ok bool
	if filters.NetworkTypeID, ok = s.queryID(w, r, "networkTypeId"); !ok {
		return
	}
	filters.EnabledOnly, _ = strconv.ParseBool(r.URL.Query().Get("enabled"))

	networks, err := s.store.ListNetworks(r.Context(), filters)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"networks": networks,
		"total":    len(networks),
	})
}

// HandleCreateNetwork creates a network
func (s *RESTServer) HandleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if !s.decode(w, r, &req) {
		return
	}

	n := req.network()
	if err := s.engine.CreateNetwork(r.Context(), n); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, n)
}

// HandleGetNetwork gets a network with its session state
func (s *RESTServer) HandleGetNetwork(w http.ResponseWriter, r *http.Request) {
	n, ok := s.network(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"network": n,
		"session": s.sessions.Status(n.ID),
	})
}

// HandleUpdateNetwork updates a network. Omitting securityData keeps the
// stored credentials.
func (s *RESTServer) HandleUpdateNetwork(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req networkRequest
	if !s.decode(w, r, &req) {
		return
	}

	n := req.network()
	n.ID = id
	if err := s.engine.UpdateNetwork(r.Context(), n); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, n)
}

// HandleDeleteNetwork deletes a network
func (s *RESTServer) HandleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.engine.DeleteNetwork(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleNetworkLogin authenticates against the vendor
func (s *RESTServer) HandleNetworkLogin(w http.ResponseWriter, r *http.Request) {
	n, ok := s.network(w, r)
	if !ok {
		return
	}
	if _, err := s.sessions.Authenticate(r.Context(), n); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.sessions.Status(n.ID))
}

// HandleNetworkLogout drops the vendor session
func (s *RESTServer) HandleNetworkLogout(w http.ResponseWriter, r *http.Request) {
	n, ok := s.network(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Logout(r.Context(), n); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.sessions.Status(n.ID))
}

// HandleNetworkStatus reports the vendor session state
func (s *RESTServer) HandleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	n, ok := s.network(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, s.sessions.Status(n.ID))
}

// HandlePushNetwork pushes every local entity of the network's type
func (s *RESTServer) HandlePushNetwork(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	summary, err := s.engine.PushNetwork(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

// HandleListRemote lists vendor records of one kind on a network
func (s *RESTServer) HandleListRemote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	limit, offset := paging(r)
	opts := protocol.ListOptions{
		Limit:         limit,
		Offset:        offset,
		CompanyID:     r.URL.Query().Get("companyId"),
		ApplicationID: r.URL.Query().Get("applicationId"),
	}

	records, err := s.engine.ListRemote(r.Context(), id, models.EntityKind(chi.URLParam(r, "kind")), opts)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}

func (s *RESTServer) network(w http.ResponseWriter, r *http.Request) (*models.Network, bool) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return nil, false
	}
	n, err := s.store.GetNetwork(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return nil, false
	}
	return n, true
}
