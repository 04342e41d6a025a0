package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// ========== Device Profile Methods ==========

const deviceProfileColumns = `id, created_at, updated_at, company_id, network_type_id, name, description,
	mac_version, reg_params_revision, max_eirp, rf_region, supports_join, supports_32_bit_f_cnt,
	supports_class_b, class_b_timeout, supports_class_c, class_c_timeout, uplink_interval`

func scanDeviceProfile(row scanner) (*models.DeviceProfile, error) {
	p := &models.DeviceProfile{}
	err := row.Scan(
		&p.ID, &p.CreatedAt, &p.UpdatedAt, &p.CompanyID, &p.NetworkTypeID, &p.Name, &p.Description,
		&p.MACVersion, &p.RegParamsRevision, &p.MaxEIRP, &p.RFRegion, &p.SupportsJoin, &p.Supports32BitFCnt,
		&p.SupportsClassB, &p.ClassBTimeout, &p.SupportsClassC, &p.ClassCTimeout, &p.UplinkInterval,
	)
	return p, err
}

// CreateDeviceProfile creates a new device profile
func (s *PostgresStore) CreateDeviceProfile(ctx context.Context, p *models.DeviceProfile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO device_profiles (`+deviceProfileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		p.ID, p.CreatedAt, p.UpdatedAt, p.CompanyID, p.NetworkTypeID, p.Name, p.Description,
		p.MACVersion, p.RegParamsRevision, p.MaxEIRP, p.RFRegion, p.SupportsJoin, p.Supports32BitFCnt,
		p.SupportsClassB, p.ClassBTimeout, p.SupportsClassC, p.ClassCTimeout, p.UplinkInterval,
	)
	return mapError(err)
}

// GetDeviceProfile gets a device profile by ID
func (s *PostgresStore) GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error) {
	row := s.getDB().QueryRowContext(ctx, `SELECT `+deviceProfileColumns+` FROM device_profiles WHERE id = $1`, id)
	p, err := scanDeviceProfile(row)
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// UpdateDeviceProfile updates a device profile
func (s *PostgresStore) UpdateDeviceProfile(ctx context.Context, p *models.DeviceProfile) error {
	p.UpdatedAt = time.Now()

	result, err := s.getDB().ExecContext(ctx, `
		UPDATE device_profiles SET
			updated_at = $2, name = $3, description = $4, mac_version = $5,
			reg_params_revision = $6, max_eirp = $7, rf_region = $8, supports_join = $9,
			supports_32_bit_f_cnt = $10, supports_class_b = $11, class_b_timeout = $12,
			supports_class_c = $13, class_c_timeout = $14, uplink_interval = $15
		WHERE id = $1`,
		p.ID, p.UpdatedAt, p.Name, p.Description, p.MACVersion,
		p.RegParamsRevision, p.MaxEIRP, p.RFRegion, p.SupportsJoin,
		p.Supports32BitFCnt, p.SupportsClassB, p.ClassBTimeout,
		p.SupportsClassC, p.ClassCTimeout, p.UplinkInterval,
	)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// DeleteDeviceProfile deletes a device profile
func (s *PostgresStore) DeleteDeviceProfile(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM device_profiles WHERE id = $1", id)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// ListDeviceProfiles lists device profiles, optionally of one company
func (s *PostgresStore) ListDeviceProfiles(ctx context.Context, companyID *uuid.UUID, limit, offset int) ([]*models.DeviceProfile, int64, error) {
	where := ""
	args := []interface{}{}
	if companyID != nil {
		where = " WHERE company_id = $1"
		args = append(args, *companyID)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM device_profiles"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM device_profiles%s ORDER BY name LIMIT $%d OFFSET $%d",
		deviceProfileColumns, where, len(args)+1, len(args)+2)
	rows, err := s.getDB().QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.DeviceProfile
	for rows.Next() {
		p, err := scanDeviceProfile(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, count, rows.Err()
}
