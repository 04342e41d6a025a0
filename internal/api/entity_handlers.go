package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/internal/storage"
	"github.com/lorawan-server/lpwan-bridge/internal/syncer"
)

// Mutations answer with the local entity plus one outcome per network. The
// local write stands even when some networks failed.

func (s *RESTServer) respondSynced(w http.ResponseWriter, status int, name string, entity interface{}, outcomes syncer.Outcomes) {
	if outcomes == nil {
		outcomes = syncer.Outcomes{}
	}
	body := map[string]interface{}{
		"outcomes": outcomes,
		"failed":   len(outcomes.Failed()),
	}
	if entity != nil {
		body[name] = entity
	}
	s.respondJSON(w, status, body)
}

// ========== Company handlers ==========

// HandleListCompanies lists companies
func (s *RESTServer) HandleListCompanies(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	companies, total, err := s.store.ListCompanies(r.Context(), limit, offset)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"companies": companies,
		"total":     total,
	})
}

// HandleCreateCompany creates a company
func (s *RESTServer) HandleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var c models.Company
	if !s.decode(w, r, &c) {
		return
	}
	c.ID = uuid.Nil

	outcomes, err := s.engine.CreateCompany(r.Context(), &c)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusCreated, "company", c, outcomes)
}

// HandleGetCompany gets a company
func (s *RESTServer) HandleGetCompany(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := s.store.GetCompany(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, c)
}

// HandleUpdateCompany updates a company
func (s *RESTServer) HandleUpdateCompany(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var c models.Company
	if !s.decode(w, r, &c) {
		return
	}
	c.ID = id

	outcomes, err := s.engine.UpdateCompany(r.Context(), &c)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusOK, "company", c, outcomes)
}

// HandleDeleteCompany deletes a company
func (s *RESTServer) HandleDeleteCompany(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	outcomes, err := s.engine.DeleteCompany(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusOK, "", nil, outcomes)
}

// ========== Application handlers ==========

// HandleListApplications lists applications, optionally of one company
func (s *RESTServer) HandleListApplications(w http.ResponseWriter, r *http.Request) {
	companyID, ok := s.queryID(w, r, "companyId")
	if !ok {
		return
	}
	limit, offset := paging(r)
	apps, total, err := s.store.ListApplications(r.Context(), companyID, limit, offset)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"applications": apps,
		"total":        total,
	})
}

// HandleCreateApplication creates an application
func (s *RESTServer) HandleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var app models.Application
	if !s.decode(w, r, &app) {
		return
	}
	app.ID = uuid.Nil

	outcomes, err := s.engine.CreateApplication(r.Context(), &app)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusCreated, "application", app, outcomes)
}

// HandleGetApplication gets an application
func (s *RESTServer) HandleGetApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	app, err := s.store.GetApplication(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, app)
}

// HandleUpdateApplication updates an application
func (s *RESTServer) HandleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var app models.Application
	if !s.decode(w, r, &app) {
		return
	}
	app.ID = id

	outcomes, err := s.engine.UpdateApplication(r.Context(), &app)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusOK, "application", app, outcomes)
}

// HandleDeleteApplication deletes an application
func (s *RESTServer) HandleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	outcomes, err := s.engine.DeleteApplication(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusOK, "", nil, outcomes)
}

// ========== Device profile handlers ==========

// HandleListDeviceProfiles lists device profiles, optionally of one company
func (s *RESTServer) HandleListDeviceProfiles(w http.ResponseWriter, r *http.Request) {
	companyID, ok := s.queryID(w, r, "companyId")
	if !ok {
		return
	}
	limit, offset := paging(r)
	profiles, total, err := s.store.ListDeviceProfiles(r.Context(), companyID, limit, offset)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"deviceProfiles": profiles,
		"total":          total,
	})
}

// HandleCreateDeviceProfile creates a device profile
func (s *RESTServer) HandleCreateDeviceProfile(w http.ResponseWriter, r *http.Request) {
	var p models.DeviceProfile
	if !s.decode(w, r, &p) {
		return
	}
	p.ID = uuid.Nil

	outcomes, err := s.engine.CreateDeviceProfile(r.Context(), &p)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusCreated, "deviceProfile", p, outcomes)
}

// HandleGetDeviceProfile gets a device profile
func (s *RESTServer) HandleGetDeviceProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := s.store.GetDeviceProfile(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

// HandleUpdateDeviceProfile updates a device profile
func (s *RESTServer) HandleUpdateDeviceProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var p models.DeviceProfile
	if !s.decode(w, r, &p) {
		return
	}
	p.ID = id

	outcomes, err := s.engine.UpdateDeviceProfile(r.Context(), &p)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusOK, "deviceProfile", p, outcomes)
}

// HandleDeleteDeviceProfile deletes a device profile
func (s *RESTServer) HandleDeleteDeviceProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	outcomes, err := s.engine.DeleteDeviceProfile(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusOK, "", nil, outcomes)
}

// ========== Device handlers ==========

// HandleListDevices lists devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	var filters storage.DeviceFilters
	var ok bool
	if filters.ApplicationID, ok = s.queryID(w, r, "applicationId"); !ok {
		return
	}
	if filters.DeviceProfileID, ok = s.queryID(w, r, "deviceProfileId"); !ok {
		return
	}

	limit, offset := paging(r)
	devices, total, err := s.store.ListDevices(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
	})
}

// HandleCreateDevice creates a device
func (s *RESTServer) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var d models.Device
	if !s.decode(w, r, &d) {
		return
	}
	d.ID = uuid.Nil

	outcomes, err := s.engine.CreateDevice(r.Context(), &d)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusCreated, "device", d, outcomes)
}

// HandleGetDevice gets a device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	d, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, d)
}

// HandleUpdateDevice updates a device
func (s *RESTServer) HandleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var d models.Device
	if !s.decode(w, r, &d) {
		return
	}
	d.ID = id

	outcomes, err := s.engine.UpdateDevice(r.Context(), &d)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusOK, "device", d, outcomes)
}

// HandleDeleteDevice deletes a device
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	outcomes, err := s.engine.DeleteDevice(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondSynced(w, http.StatusOK, "", nil, outcomes)
}

// HandleImportDevices creates a batch of devices. Any invalid item rejects
// the whole batch.
func (s *RESTServer) HandleImportDevices(w http.ResponseWriter, r *http.Request) {
	var req syncer.ImportRequest
	if !s.decode(w, r, &req) {
		return
	}

	imported, err := s.engine.ImportDevices(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	failed := 0
	for _, im := range imported {
		failed += len(im.Outcomes.Failed())
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"devices": imported,
		"total":   len(imported),
		"failed":  failed,
	})
}

// ========== Sync state handlers ==========

// resyncHandler pushes the current state of one entity to its networks
func (s *RESTServer) resyncHandler(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r, "id")
		if !ok {
			return
		}
		outcomes, err := s.engine.Resync(r.Context(), kind, id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondSynced(w, http.StatusOK, "", nil, outcomes)
	}
}

// mappingsHandler lists the remote ids of one entity
func (s *RESTServer) mappingsHandler(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r, "id")
		if !ok {
			return
		}
		mappings, err := s.store.ListRemoteMappings(r.Context(), kind, id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		if mappings == nil {
			mappings = []*models.RemoteMapping{}
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"mappings": mappings,
		})
	}
}
