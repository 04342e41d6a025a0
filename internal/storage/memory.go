package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/pkg/lorawan"
)

// MemoryStore is an in-process Store. It enforces the same unique and
// reference constraints as the Postgres schema and is used by tests and by
// the -memory flag of the server.
type MemoryStore struct {
	mu sync.RWMutex

	networkTypes   map[uuid.UUID]models.NetworkType
	networks       map[uuid.UUID]models.Network
	companies      map[uuid.UUID]models.Company
	applications   map[uuid.UUID]models.Application
	deviceProfiles map[uuid.UUID]models.DeviceProfile
	devices        map[uuid.UUID]models.Device
	links          map[uuid.UUID]models.NetworkTypeLink
	mappings       map[mappingKey]models.RemoteMapping
	events         []models.EventLog
}

var _ Store = (*MemoryStore)(nil)

type mappingKey struct {
	kind      models.EntityKind
	entityID  uuid.UUID
	networkID uuid.UUID
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		networkTypes:   make(map[uuid.UUID]models.NetworkType),
		networks:       make(map[uuid.UUID]models.Network),
		companies:      make(map[uuid.UUID]models.Company),
		applications:   make(map[uuid.UUID]models.Application),
		deviceProfiles: make(map[uuid.UUID]models.DeviceProfile),
		devices:        make(map[uuid.UUID]models.Device),
		links:          make(map[uuid.UUID]models.NetworkTypeLink),
		mappings:       make(map[mappingKey]models.RemoteMapping),
	}
}

// BeginTx returns the store itself. Multi-row writes that must be atomic
// (CreateDevices) validate everything before mutating.
func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) { return s, nil }

// Commit is a no-op
func (s *MemoryStore) Commit() error { return nil }

// Rollback is a no-op
func (s *MemoryStore) Rollback() error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

func stamp(b *models.BaseModel) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
}

// ========== Network Type Methods ==========

func (s *MemoryStore) CreateNetworkType(ctx context.Context, nt *models.NetworkType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.networkTypes {
		if existing.Name == nt.Name {
			return fmt.Errorf("network_types_name_key: %w", ErrDuplicateKey)
		}
	}
	stamp(&nt.BaseModel)
	s.networkTypes[nt.ID] = *nt
	return nil
}

func (s *MemoryStore) GetNetworkType(ctx context.Context, id uuid.UUID) (*models.NetworkType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nt, ok := s.networkTypes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &nt, nil
}

func (s *MemoryStore) ListNetworkTypes(ctx context.Context) ([]*models.NetworkType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.NetworkType, 0, len(s.networkTypes))
	for _, nt := range s.networkTypes {
		nt := nt
		out = append(out, &nt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ========== Network Methods ==========

func (s *MemoryStore) CreateNetwork(ctx context.Context, n *models.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.networkTypes[n.NetworkTypeID]; !ok {
		return fmt.Errorf("networks_network_type_id_fkey: %w", ErrReferenced)
	}
	stamp(&n.BaseModel)
	stored := *n
	stored.SecurityData = n.SecurityData.Clone()
	s.networks[n.ID] = stored
	return nil
}

func (s *MemoryStore) GetNetwork(ctx context.Context, id uuid.UUID) (*models.Network, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.networks[id]
	if !ok {
		return nil, ErrNotFound
	}
	n.SecurityData = n.SecurityData.Clone()
	return &n, nil
}

func (s *MemoryStore) UpdateNetwork(ctx context.Context, n *models.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.networks[n.ID]
	if !ok {
		return ErrNotFound
	}
	n.CreatedAt = existing.CreatedAt
	n.UpdatedAt = time.Now()
	stored := *n
	stored.SecurityData = n.SecurityData.Clone()
	s.networks[n.ID] = stored
	return nil
}

func (s *MemoryStore) UpdateNetworkSecurityData(ctx context.Context, id uuid.UUID, securityData models.Variables) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.networks[id]
	if !ok {
		return ErrNotFound
	}
	n.SecurityData = securityData.Clone()
	n.UpdatedAt = time.Now()
	s.networks[id] = n
	return nil
}

func (s *MemoryStore) DeleteNetwork(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.networks[id]; !ok {
		return ErrNotFound
	}
	delete(s.networks, id)
	for k := range s.mappings {
		if k.networkID == id {
			delete(s.mappings, k)
		}
	}
	return nil
}

func (s *MemoryStore) ListNetworks(ctx context.Context, filters NetworkFilters) ([]*models.Network, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Network
	for _, n := range s.networks {
		if filters.NetworkTypeID != nil && n.NetworkTypeID != *filters.NetworkTypeID {
			continue
		}
		if filters.ProtocolName != "" && n.ProtocolName != filters.ProtocolName {
			continue
		}
		if filters.EnabledOnly && !n.Enabled {
			continue
		}
		n := n
		n.SecurityData = n.SecurityData.Clone()
		out = append(out, &n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ========== Company Methods ==========

func (s *MemoryStore) CreateCompany(ctx context.Context, c *models.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp(&c.BaseModel)
	s.companies[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.companies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) UpdateCompany(ctx context.Context, c *models.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.companies[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()
	s.companies[c.ID] = *c
	return nil
}

func (s *MemoryStore) DeleteCompany(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.companies[id]; !ok {
		return ErrNotFound
	}
	for _, app := range s.applications {
		if app.CompanyID == id {
			return fmt.Errorf("applications_company_id_fkey: %w", ErrReferenced)
		}
	}
	for _, p := range s.deviceProfiles {
		if p.CompanyID == id {
			return fmt.Errorf("device_profiles_company_id_fkey: %w", ErrReferenced)
		}
	}
	delete(s.companies, id)
	return nil
}

func (s *MemoryStore) ListCompanies(ctx context.Context, limit, offset int) ([]*models.Company, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*models.Company, 0, len(s.companies))
	for _, c := range s.companies {
		c := c
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return page(all, limit, offset), int64(len(all)), nil
}

// ========== Application Methods ==========

func (s *MemoryStore) CreateApplication(ctx context.Context, app *models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.companies[app.CompanyID]; !ok {
		return fmt.Errorf("applications_company_id_fkey: %w", ErrReferenced)
	}
	stamp(&app.BaseModel)
	s.applications[app.ID] = *app
	return nil
}

func (s *MemoryStore) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.applications[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &app, nil
}

func (s *MemoryStore) UpdateApplication(ctx context.Context, app *models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.applications[app.ID]
	if !ok {
		return ErrNotFound
	}
	app.CreatedAt = existing.CreatedAt
	app.CompanyID = existing.CompanyID
	app.UpdatedAt = time.Now()
	s.applications[app.ID] = *app
	return nil
}

func (s *MemoryStore) DeleteApplication(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.applications[id]; !ok {
		return ErrNotFound
	}
	for _, d := range s.devices {
		if d.ApplicationID == id {
			return fmt.Errorf("devices_application_id_fkey: %w", ErrReferenced)
		}
	}
	delete(s.applications, id)
	return nil
}

func (s *MemoryStore) ListApplications(ctx context.Context, companyID *uuid.UUID, limit, offset int) ([]*models.Application, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.Application
	for _, app := range s.applications {
		if companyID != nil && app.CompanyID != *companyID {
			continue
		}
		app := app
		all = append(all, &app)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return page(all, limit, offset), int64(len(all)), nil
}

// ========== Device Profile Methods ==========

func (s *MemoryStore) CreateDeviceProfile(ctx context.Context, p *models.DeviceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.companies[p.CompanyID]; !ok {
		return fmt.Errorf("device_profiles_company_id_fkey: %w", ErrReferenced)
	}
	if _, ok := s.networkTypes[p.NetworkTypeID]; !ok {
		return fmt.Errorf("device_profiles_network_type_id_fkey: %w", ErrReferenced)
	}
	stamp(&p.BaseModel)
	s.deviceProfiles[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.deviceProfiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) UpdateDeviceProfile(ctx context.Context, p *models.DeviceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.deviceProfiles[p.ID]
	if !ok {
		return ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.CompanyID = existing.CompanyID
	p.NetworkTypeID = existing.NetworkTypeID
	p.UpdatedAt = time.Now()
	s.deviceProfiles[p.ID] = *p
	return nil
}

func (s *MemoryStore) DeleteDeviceProfile(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deviceProfiles[id]; !ok {
		return ErrNotFound
	}
	for _, d := range s.devices {
		if d.DeviceProfileID == id {
			return fmt.Errorf("devices_device_profile_id_fkey: %w", ErrReferenced)
		}
	}
	delete(s.deviceProfiles, id)
	return nil
}

func (s *MemoryStore) ListDeviceProfiles(ctx context.Context, companyID *uuid.UUID, limit, offset int) ([]*models.DeviceProfile, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.DeviceProfile
	for _, p := range s.deviceProfiles {
		if companyID != nil && p.CompanyID != *companyID {
			continue
		}
		p := p
		all = append(all, &p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return page(all, limit, offset), int64(len(all)), nil
}

// ========== Device Methods ==========

func (s *MemoryStore) checkDevice(d *models.Device) error {
	if _, ok := s.applications[d.ApplicationID]; !ok {
		return fmt.Errorf("devices_application_id_fkey: %w", ErrReferenced)
	}
	if d.DeviceProfileID != uuid.Nil {
		if _, ok := s.deviceProfiles[d.DeviceProfileID]; !ok {
			return fmt.Errorf("devices_device_profile_id_fkey: %w", ErrReferenced)
		}
	}
	return nil
}

func (s *MemoryStore) CreateDevice(ctx context.Context, d *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDevice(d); err != nil {
		return err
	}
	stamp(&d.BaseModel)
	s.devices[d.ID] = *d
	return nil
}

// CreateDevices validates every device and link before writing any of them.
func (s *MemoryStore) CreateDevices(ctx context.Context, devices []*models.Device, links []*models.NetworkTypeLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, d := range devices {
		if err := s.checkDevice(d); err != nil {
			return fmt.Errorf("device %d (%s): %w", i, d.Name, err)
		}
	}

	seen := make(map[string]bool)
	for i, l := range links {
		normalizeSettings(l)
		if err := s.checkLink(l, uuid.Nil); err != nil {
			return fmt.Errorf("link %d (%s): %w", i, l.DevEUI(), err)
		}
		if eui := l.DevEUI(); eui != "" {
			key := l.NetworkTypeID.String() + "/" + eui
			if seen[key] {
				return fmt.Errorf("link %d (%s): network_type_links_dev_eui: %w", i, eui, ErrDuplicateKey)
			}
			seen[key] = true
		}
	}

	for _, d := range devices {
		stamp(&d.BaseModel)
		s.devices[d.ID] = *d
	}
	for _, l := range links {
		stamp(&l.BaseModel)
		s.links[l.ID] = cloneLink(l)
	}
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) UpdateDevice(ctx context.Context, d *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.devices[d.ID]
	if !ok {
		return ErrNotFound
	}
	d.ApplicationID = existing.ApplicationID
	if err := s.checkDevice(d); err != nil {
		return err
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = time.Now()
	s.devices[d.ID] = *d
	return nil
}

func (s *MemoryStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[id]; !ok {
		return ErrNotFound
	}
	delete(s.devices, id)
	return nil
}

func (s *MemoryStore) ListDevices(ctx context.Context, filters DeviceFilters, limit, offset int) ([]*models.Device, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.Device
	for _, d := range s.devices {
		if filters.ApplicationID != nil && d.ApplicationID != *filters.ApplicationID {
			continue
		}
		if filters.DeviceProfileID != nil && d.DeviceProfileID != *filters.DeviceProfileID {
			continue
		}
		d := d
		all = append(all, &d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return page(all, limit, offset), int64(len(all)), nil
}

// ========== Network Type Link Methods ==========

func cloneLink(l *models.NetworkTypeLink) models.NetworkTypeLink {
	out := *l
	out.NetworkSettings = l.NetworkSettings.Clone()
	return out
}

// checkLink enforces the (kind, entity, network type) and devEUI unique
// constraints, ignoring the link with id self.
func (s *MemoryStore) checkLink(l *models.NetworkTypeLink, self uuid.UUID) error {
	if _, ok := s.networkTypes[l.NetworkTypeID]; !ok {
		return fmt.Errorf("network_type_links_network_type_id_fkey: %w", ErrReferenced)
	}
	eui := l.DevEUI()
	for id, other := range s.links {
		if id == self || other.NetworkTypeID != l.NetworkTypeID {
			continue
		}
		if other.Kind == l.Kind && other.EntityID == l.EntityID {
			return fmt.Errorf("network_type_links_kind_entity_id_network_type_id_key: %w", ErrDuplicateKey)
		}
		if l.Kind == models.KindDevice && other.Kind == models.KindDevice && eui != "" && other.DevEUI() == eui {
			return fmt.Errorf("network_type_links_dev_eui: %w", ErrDuplicateKey)
		}
	}
	return nil
}

func (s *MemoryStore) CreateLink(ctx context.Context, l *models.NetworkTypeLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalizeSettings(l)
	if err := s.checkLink(l, uuid.Nil); err != nil {
		return err
	}
	stamp(&l.BaseModel)
	s.links[l.ID] = cloneLink(l)
	return nil
}

func (s *MemoryStore) GetLink(ctx context.Context, id uuid.UUID) (*models.NetworkTypeLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.links[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneLink(&l)
	return &out, nil
}

func (s *MemoryStore) UpdateLink(ctx context.Context, l *models.NetworkTypeLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.links[l.ID]
	if !ok {
		return ErrNotFound
	}
	l.Kind = existing.Kind
	l.EntityID = existing.EntityID
	l.NetworkTypeID = existing.NetworkTypeID
	normalizeSettings(l)
	if err := s.checkLink(l, l.ID); err != nil {
		return err
	}
	l.CreatedAt = existing.CreatedAt
	l.UpdatedAt = time.Now()
	s.links[l.ID] = cloneLink(l)
	return nil
}

func (s *MemoryStore) DeleteLink(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[id]; !ok {
		return ErrNotFound
	}
	delete(s.links, id)
	return nil
}

func (s *MemoryStore) ListLinks(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) ([]*models.NetworkTypeLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.NetworkTypeLink
	for _, l := range s.links {
		if l.Kind != kind || l.EntityID != entityID {
			continue
		}
		c := cloneLink(&l)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetDeviceLinkByDevEUI(ctx context.Context, networkTypeID uuid.UUID, devEUI string) (*models.NetworkTypeLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eui := lorawan.NormalizeHex(devEUI)
	for _, l := range s.links {
		if l.Kind == models.KindDevice && l.NetworkTypeID == networkTypeID && l.DevEUI() == eui {
			c := cloneLink(&l)
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// ========== Remote Mapping Methods ==========

func (s *MemoryStore) UpsertRemoteMapping(ctx context.Context, m *models.RemoteMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.networks[m.NetworkID]; !ok {
		return fmt.Errorf("remote_mappings_network_id_fkey: %w", ErrReferenced)
	}

	key := mappingKey{m.Kind, m.EntityID, m.NetworkID}
	now := time.Now()
	if existing, ok := s.mappings[key]; ok {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	} else {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.mappings[key] = *m
	return nil
}

func (s *MemoryStore) GetRemoteMapping(ctx context.Context, kind models.EntityKind, entityID, networkID uuid.UUID) (*models.RemoteMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[mappingKey{kind, entityID, networkID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *MemoryStore) ListRemoteMappings(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) ([]*models.RemoteMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.RemoteMapping
	for k, m := range s.mappings {
		if k.kind == kind && k.entityID == entityID {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteRemoteMapping(ctx context.Context, kind models.EntityKind, entityID, networkID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := mappingKey{kind, entityID, networkID}
	if _, ok := s.mappings[key]; !ok {
		return ErrNotFound
	}
	delete(s.mappings, key)
	return nil
}

// ========== Event Log Methods ==========

func (s *MemoryStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	s.events = append(s.events, *event)
	return nil
}

func (s *MemoryStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.EventLog
	// newest first
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filters.Kind != nil && e.Kind != *filters.Kind {
			continue
		}
		if filters.EntityID != nil && (e.EntityID == nil || *e.EntityID != *filters.EntityID) {
			continue
		}
		if filters.NetworkID != nil && (e.NetworkID == nil || *e.NetworkID != *filters.NetworkID) {
			continue
		}
		if filters.Type != nil && e.Type != *filters.Type {
			continue
		}
		if filters.Level != nil && e.Level != *filters.Level {
			continue
		}
		if filters.StartTime != nil && e.CreatedAt.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && e.CreatedAt.After(*filters.EndTime) {
			continue
		}
		all = append(all, &e)
	}
	return page(all, limit, offset), int64(len(all)), nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}
