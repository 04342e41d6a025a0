package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/pkg/lorawan"
)

// ========== Network Type Link Methods ==========

const linkColumns = `id, created_at, updated_at, kind, entity_id, network_type_id, network_settings`

func scanLink(row scanner) (*models.NetworkTypeLink, error) {
	l := &models.NetworkTypeLink{}
	err := row.Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt, &l.Kind, &l.EntityID, &l.NetworkTypeID, &l.NetworkSettings)
	return l, err
}

// normalizeSettings stores the devEUI in canonical hex so the unique index
// sees one spelling.
func normalizeSettings(l *models.NetworkTypeLink) {
	if l.NetworkSettings == nil {
		l.NetworkSettings = models.Variables{}
	}
	if eui := l.DevEUI(); eui != "" {
		l.NetworkSettings["devEUI"] = lorawan.NormalizeHex(eui)
	}
}

// CreateLink creates a network type link
func (s *PostgresStore) CreateLink(ctx context.Context, l *models.NetworkTypeLink) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := time.Now()
	l.CreatedAt = now
	l.UpdatedAt = now
	normalizeSettings(l)

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO network_type_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.CreatedAt, l.UpdatedAt, l.Kind, l.EntityID, l.NetworkTypeID, l.NetworkSettings,
	)
	return mapError(err)
}

// GetLink gets a link by ID
func (s *PostgresStore) GetLink(ctx context.Context, id uuid.UUID) (*models.NetworkTypeLink, error) {
	row := s.getDB().QueryRowContext(ctx, `SELECT `+linkColumns+` FROM network_type_links WHERE id = $1`, id)
	l, err := scanLink(row)
	if err != nil {
		return nil, mapError(err)
	}
	return l, nil
}

// UpdateLink replaces the network settings of a link
func (s *PostgresStore) UpdateLink(ctx context.Context, l *models.NetworkTypeLink) error {
	l.UpdatedAt = time.Now()
	normalizeSettings(l)

	result, err := s.getDB().ExecContext(ctx,
		`UPDATE network_type_links SET updated_at = $2, network_settings = $3 WHERE id = $1`,
		l.ID, l.UpdatedAt, l.NetworkSettings,
	)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// DeleteLink deletes a link
func (s *PostgresStore) DeleteLink(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM network_type_links WHERE id = $1", id)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// ListLinks lists the links of an entity
func (s *PostgresStore) ListLinks(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) ([]*models.NetworkTypeLink, error) {
	rows, err := s.getDB().QueryContext(ctx, `
		SELECT `+linkColumns+` FROM network_type_links
		WHERE kind = $1 AND entity_id = $2 ORDER BY created_at`, kind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.NetworkTypeLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetDeviceLinkByDevEUI finds the device link holding devEUI on a network type
func (s *PostgresStore) GetDeviceLinkByDevEUI(ctx context.Context, networkTypeID uuid.UUID, devEUI string) (*models.NetworkTypeLink, error) {
	row := s.getDB().QueryRowContext(ctx, `
		SELECT `+linkColumns+` FROM network_type_links
		WHERE kind = 'device' AND network_type_id = $1 AND network_settings->>'devEUI' = $2`,
		networkTypeID, lorawan.NormalizeHex(devEUI))
	l, err := scanLink(row)
	if err != nil {
		return nil, mapError(err)
	}
	return l, nil
}

// ========== Remote Mapping Methods ==========

const mappingColumns = `id, created_at, updated_at, kind, entity_id, network_id, remote_id, status, last_error, last_synced_at`

func scanMapping(row scanner) (*models.RemoteMapping, error) {
	m := &models.RemoteMapping{}
	err := row.Scan(
		&m.ID, &m.CreatedAt, &m.UpdatedAt, &m.Kind, &m.EntityID, &m.NetworkID,
		&m.RemoteID, &m.Status, &m.LastError, &m.LastSyncedAt,
	)
	return m, err
}

// UpsertRemoteMapping inserts or replaces the mapping of (kind, entity, network)
func (s *PostgresStore) UpsertRemoteMapping(ctx context.Context, m *models.RemoteMapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	row := s.getDB().QueryRowContext(ctx, `
		INSERT INTO remote_mappings (`+mappingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (kind, entity_id, network_id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			remote_id = EXCLUDED.remote_id,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			last_synced_at = EXCLUDED.last_synced_at
		RETURNING id, created_at`,
		m.ID, m.CreatedAt, m.UpdatedAt, m.Kind, m.EntityID, m.NetworkID,
		m.RemoteID, m.Status, m.LastError, m.LastSyncedAt,
	)
	return mapError(row.Scan(&m.ID, &m.CreatedAt))
}

// GetRemoteMapping gets the mapping of an entity on a network
func (s *PostgresStore) GetRemoteMapping(ctx context.Context, kind models.EntityKind, entityID, networkID uuid.UUID) (*models.RemoteMapping, error) {
	row := s.getDB().QueryRowContext(ctx, `
		SELECT `+mappingColumns+` FROM remote_mappings
		WHERE kind = $1 AND entity_id = $2 AND network_id = $3`, kind, entityID, networkID)
	m, err := scanMapping(row)
	if err != nil {
		return nil, mapError(err)
	}
	return m, nil
}

// ListRemoteMappings lists the mappings of an entity on all networks
func (s *PostgresStore) ListRemoteMappings(ctx context.Context, kind models.EntityKind, entityID uuid.UUID) ([]*models.RemoteMapping, error) {
	rows, err := s.getDB().QueryContext(ctx, `
		SELECT `+mappingColumns+` FROM remote_mappings
		WHERE kind = $1 AND entity_id = $2 ORDER BY created_at`, kind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RemoteMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteRemoteMapping deletes the mapping of an entity on a network
func (s *PostgresStore) DeleteRemoteMapping(ctx context.Context, kind models.EntityKind, entityID, networkID uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx,
		`DELETE FROM remote_mappings WHERE kind = $1 AND entity_id = $2 AND network_id = $3`,
		kind, entityID, networkID)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}
