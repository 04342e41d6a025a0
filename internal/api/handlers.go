package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
	"github.com/lorawan-server/lpwan-bridge/internal/storage"
)

// ========== Auth handlers ==========

// HandleLogin handles operator login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	if !s.decode(w, r, &req) {
		return
	}

	if req.Username != s.config.Admin.Username || !s.auth.VerifyPassword(req.Password, s.config.Admin.PasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	accessToken, refreshToken, err := s.auth.GenerateTokenPair(req.Username)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	s.respondTokens(w, accessToken, refreshToken)
}

// HandleRefresh handles token refresh
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	if !s.decode(w, r, &req) {
		return
	}

	accessToken, refreshToken, err := s.auth.RefreshToken(req.RefreshToken)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.respondTokens(w, accessToken, refreshToken)
}

func (s *RESTServer) respondTokens(w http.ResponseWriter, accessToken, refreshToken string) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleGetCurrentUser returns the operator of the token
func (s *RESTServer) HandleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"username": claims.Username,
		"is_admin": claims.IsAdmin,
	})
}

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"time":      time.Now(),
		"protocols": len(s.registry.ListHandlers()),
	})
}

// ========== Event handlers ==========

// HandleListEvents lists sync, auth and relay events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filters storage.EventLogFilters

	if v := q.Get("kind"); v != "" {
		kind := models.EntityKind(v)
		filters.Kind = &kind
	}
	if v := q.Get("type"); v != "" {
		typ := models.EventType(v)
		filters.Type = &typ
	}
	if v := q.Get("level"); v != "" {
		level := models.EventLevel(v)
		filters.Level = &level
	}
	var ok bool
	if filters.EntityID, ok = s.queryID(w, r, "entityId"); !ok {
		return
	}
	if filters.NetworkID, ok = s.queryID(w, r, "networkId"); !ok {
		return
	}
	for name, dst := range map[string]**time.Time{"start": &filters.StartTime, "end": &filters.EndTime} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid "+name+" time")
			return
		}
		*dst = &t
	}

	limit, offset := paging(r)
	events, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// ========== Response helpers ==========

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondErr responds with the status matching the class of err
func (s *RESTServer) respondErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	s.respondError(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, protocol.ErrValidation), errors.Is(err, storage.ErrInvalidData):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrConflict), errors.Is(err, storage.ErrDuplicateKey), errors.Is(err, storage.ErrReferenced):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, protocol.ErrAuth), errors.Is(err, protocol.ErrTransient),
		errors.Is(err, protocol.ErrDelivery), errors.Is(err, protocol.ErrSync):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// ========== Helper functions ==========

// decode reads a JSON body into v and validates it
func (s *RESTServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validator.Validate(v); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// pathID parses the uuid URL parameter name
func (s *RESTServer) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// queryID parses an optional uuid query parameter
func (s *RESTServer) queryID(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, true
	}
	id, err := uuid.Parse(v)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid "+name)
		return nil, false
	}
	return &id, true
}

func paging(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
