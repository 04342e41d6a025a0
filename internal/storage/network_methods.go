package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// ========== Network Type Methods ==========

// CreateNetworkType creates a network type
func (s *PostgresStore) CreateNetworkType(ctx context.Context, nt *models.NetworkType) error {
	if nt.ID == uuid.Nil {
		nt.ID = uuid.New()
	}
	now := time.Now()
	nt.CreatedAt = now
	nt.UpdatedAt = now

	_, err := s.getDB().ExecContext(ctx,
		`INSERT INTO network_types (id, created_at, updated_at, name) VALUES ($1, $2, $3, $4)`,
		nt.ID, nt.CreatedAt, nt.UpdatedAt, nt.Name,
	)
	return mapError(err)
}

// GetNetworkType gets a network type by ID
func (s *PostgresStore) GetNetworkType(ctx context.Context, id uuid.UUID) (*models.NetworkType, error) {
	nt := &models.NetworkType{}
	err := s.getDB().QueryRowContext(ctx,
		`SELECT id, created_at, updated_at, name FROM network_types WHERE id = $1`, id,
	).Scan(&nt.ID, &nt.CreatedAt, &nt.UpdatedAt, &nt.Name)
	if err != nil {
		return nil, mapError(err)
	}
	return nt, nil
}

// ListNetworkTypes lists all network types
func (s *PostgresStore) ListNetworkTypes(ctx context.Context) ([]*models.NetworkType, error) {
	rows, err := s.getDB().QueryContext(ctx,
		`SELECT id, created_at, updated_at, name FROM network_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.NetworkType
	for rows.Next() {
		nt := &models.NetworkType{}
		if err := rows.Scan(&nt.ID, &nt.CreatedAt, &nt.UpdatedAt, &nt.Name); err != nil {
			return nil, err
		}
		out = append(out, nt)
	}
	return out, rows.Err()
}

// ========== Network Methods ==========

const networkColumns = `id, created_at, updated_at, name, network_type_id, protocol_name,
	protocol_version, base_url, security_data, enabled`

func (s *PostgresStore) scanNetwork(row scanner) (*models.Network, error) {
	n := &models.Network{}
	var sd models.Variables
	err := row.Scan(
		&n.ID, &n.CreatedAt, &n.UpdatedAt, &n.Name, &n.NetworkTypeID, &n.ProtocolName,
		&n.ProtocolVersion, &n.BaseURL, &sd, &n.Enabled,
	)
	if err != nil {
		return nil, err
	}
	n.SecurityData, err = s.sealer.unseal(n.ID, sd)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", n.ID, err)
	}
	return n, nil
}

// CreateNetwork creates a network
func (s *PostgresStore) CreateNetwork(ctx context.Context, n *models.Network) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := time.Now()
	n.CreatedAt = now
	n.UpdatedAt = now

	sd, err := s.sealer.seal(n.ID, n.SecurityData)
	if err != nil {
		return err
	}

	_, err = s.getDB().ExecContext(ctx, `
		INSERT INTO networks (`+networkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.CreatedAt, n.UpdatedAt, n.Name, n.NetworkTypeID, n.ProtocolName,
		n.ProtocolVersion, n.BaseURL, sd, n.Enabled,
	)
	return mapError(err)
}

// GetNetwork gets a network by ID
func (s *PostgresStore) GetNetwork(ctx context.Context, id uuid.UUID) (*models.Network, error) {
	row := s.getDB().QueryRowContext(ctx, `SELECT `+networkColumns+` FROM networks WHERE id = $1`, id)
	n, err := s.scanNetwork(row)
	if err != nil {
		return nil, mapError(err)
	}
	return n, nil
}

// UpdateNetwork updates a network including its security data
func (s *PostgresStore) UpdateNetwork(ctx context.Context, n *models.Network) error {
	n.UpdatedAt = time.Now()

	sd, err := s.sealer.seal(n.ID, n.SecurityData)
	if err != nil {
		return err
	}

	result, err := s.getDB().ExecContext(ctx, `
		UPDATE networks SET
			updated_at = $2, name = $3, network_type_id = $4, protocol_name = $5,
			protocol_version = $6, base_url = $7, security_data = $8, enabled = $9
		WHERE id = $1`,
		n.ID, n.UpdatedAt, n.Name, n.NetworkTypeID, n.ProtocolName,
		n.ProtocolVersion, n.BaseURL, sd, n.Enabled,
	)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// UpdateNetworkSecurityData replaces only the security data of a network
func (s *PostgresStore) UpdateNetworkSecurityData(ctx context.Context, id uuid.UUID, securityData models.Variables) error {
	sd, err := s.sealer.seal(id, securityData)
	if err != nil {
		return err
	}

	result, err := s.getDB().ExecContext(ctx,
		`UPDATE networks SET updated_at = $2, security_data = $3 WHERE id = $1`,
		id, time.Now(), sd,
	)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// DeleteNetwork deletes a network and its remote mappings
func (s *PostgresStore) DeleteNetwork(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM networks WHERE id = $1", id)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// ListNetworks lists networks matching filters
func (s *PostgresStore) ListNetworks(ctx context.Context, filters NetworkFilters) ([]*models.Network, error) {
	query := `SELECT ` + networkColumns + ` FROM networks WHERE 1=1`
	args := []interface{}{}
	argCount := 0

	if filters.NetworkTypeID != nil {
		argCount++
		query += fmt.Sprintf(" AND network_type_id = $%d", argCount)
		args = append(args, *filters.NetworkTypeID)
	}

	if filters.ProtocolName != "" {
		argCount++
		query += fmt.Sprintf(" AND protocol_name = $%d", argCount)
		args = append(args, filters.ProtocolName)
	}

	if filters.EnabledOnly {
		query += " AND enabled"
	}

	query += " ORDER BY created_at"

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Network
	for rows.Next() {
		n, err := s.scanNetwork(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
