package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// ========== Network type link handlers ==========

type linkRequest struct {
	Kind            models.EntityKind `json:"kind" validate:"required,oneof=application device"`
	EntityID        uuid.UUID         `json:"entityId" validate:"required"`
	NetworkTypeID   uuid.UUID         `json:"networkTypeId" validate:"required"`
	NetworkSettings models.Variables  `json:"networkSettings"`
}

// HandleCreateLink activates an application or device on a network type
func (s *RESTServer) HandleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !s.decode(w, r, &req) {
		return
	}

	l := &models.NetworkTypeLink{
		Kind:            req.Kind,
		EntityID:        req.EntityID,
		NetworkTypeID:   req.NetworkTypeID,
		NetworkSettings: req.NetworkSettings,
	}
	outcomes, err := s.engine.CreateLink(r.Context(), l)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusCreated, "link", l, outcomes)
}

// HandleGetLink gets a link
func (s *RESTServer) HandleGetLink(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	l, err := s.store.GetLink(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, l)
}

// HandleUpdateLink replaces the network settings of a link
func (s *RESTServer) HandleUpdateLink(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		NetworkSettings models.Variables `json:"networkSettings"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	l := &models.NetworkTypeLink{NetworkSettings: req.NetworkSettings}
	l.ID = id
	outcomes, err := s.engine.UpdateLink(r.Context(), l)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusOK, "link", l, outcomes)
}

// HandleDeleteLink deactivates the entity on the network type
func (s *RESTServer) HandleDeleteLink(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	outcomes, err := s.engine.DeleteLink(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusOK, "", nil, outcomes)
}

// linksHandler lists the links of one entity
func (s *RESTServer) linksHandler(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r, "id")
		if !ok {
			return
		}
		links, err := s.store.ListLinks(r.Context(), kind, id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		if links == nil {
			links = []*models.NetworkTypeLink{}
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"links": links,
		})
	}
}
