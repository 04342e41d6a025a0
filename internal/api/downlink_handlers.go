package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
)

// ========== Uplink handlers ==========

// HandleIngestUplink receives a vendor uplink for an application and
// forwards the canonical body to the application callback
func (s *RESTServer) HandleIngestUplink(w http.ResponseWriter, r *http.Request) {
	appID, ok := s.pathID(w, r, "applicationId")
	if !ok {
		return
	}
	networkID, ok := s.pathID(w, r, "networkId")
	if !ok {
		return
	}

	var payload models.Variables
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	up, err := s.relay.Ingest(r.Context(), appID, networkID, payload)
	if err != nil {
		if protocol.IsValidation(err) || protocol.IsNotFound(err) {
			log.Warn().
				Err(err).
				Str("application_id", appID.String()).
				Str("network_id", networkID.String()).
				Msg("Uplink rejected")
		}
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, up)
}

// ========== Downlink handlers ==========

// HandleEnqueueDownlink queues a downlink for the device
func (s *RESTServer) HandleEnqueueDownlink(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var d models.Downlink
	if !s.decode(w, r, &d) {
		return
	}

	queued, err := s.relay.Enqueue(r.Context(), id, &d)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, queued)
}

// HandlePollDownlink long-polls the device queue. ?wait= is in seconds; a
// missing wait uses the configured default. Answers 204 when nothing
// arrived in time.
func (s *RESTServer) HandlePollDownlink(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}

	wait := time.Duration(-1)
	if v := r.URL.Query().Get("wait"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid wait")
			return
		}
		wait = time.Duration(secs * float64(time.Second))
	}

	d, err := s.relay.Poll(r.Context(), id, wait)
	if err != nil {
		if r.Context().Err() != nil {
			// client went away
			return
		}
		s.respondErr(w, err)
		return
	}
	if d == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Context().Err() != nil {
		// nothing was written yet, keep the downlink for the next poll
		s.relay.Requeue(d)
		return
	}
	s.respondJSON(w, http.StatusOK, d)
}

// HandlePendingDownlinks counts the queued downlinks of the device
func (s *RESTServer) HandlePendingDownlinks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"deviceId": id,
		"pending":  s.relay.Pending(id),
	})
}

// HandlePushDownlink sends a downlink to the vendor queue of every network
// the device is synced to
func (s *RESTServer) HandlePushDownlink(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var d models.Downlink
	if !s.decode(w, r, &d) {
		return
	}

	outcomes, err := s.relay.Push(r.Context(), id, &d)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusOK, "downlink", d, outcomes)
}
