package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// ========== Device Methods ==========

const deviceColumns = `id, created_at, updated_at, application_id, device_profile_id, name, description, device_model`

func scanDevice(row scanner) (*models.Device, error) {
	d := &models.Device{}
	var profileID uuid.NullUUID
	err := row.Scan(
		&d.ID, &d.CreatedAt, &d.UpdatedAt, &d.ApplicationID, &profileID,
		&d.Name, &d.Description, &d.DeviceModel,
	)
	if profileID.Valid {
		d.DeviceProfileID = profileID.UUID
	}
	return d, err
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, d *models.Device) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.CreatedAt, d.UpdatedAt, d.ApplicationID, nullUUID(d.DeviceProfileID),
		d.Name, d.Description, d.DeviceModel,
	)
	return mapError(err)
}

// CreateDevices inserts devices and links in one transaction
func (s *PostgresStore) CreateDevices(ctx context.Context, devices []*models.Device, links []*models.NetworkTypeLink) error {
	return s.withTx(ctx, func(tx *PostgresStore) error {
		for i, d := range devices {
			if err := tx.CreateDevice(ctx, d); err != nil {
				return fmt.Errorf("device %d (%s): %w", i, d.Name, err)
			}
		}
		for i, l := range links {
			if err := tx.CreateLink(ctx, l); err != nil {
				return fmt.Errorf("link %d (%s): %w", i, l.DevEUI(), err)
			}
		}
		return nil
	})
}

// GetDevice gets a device by ID
func (s *PostgresStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	row := s.getDB().QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, d *models.Device) error {
	d.UpdatedAt = time.Now()

	result, err := s.getDB().ExecContext(ctx, `
		UPDATE devices SET
			updated_at = $2, device_profile_id = $3, name = $4, description = $5, device_model = $6
		WHERE id = $1`,
		d.ID, d.UpdatedAt, nullUUID(d.DeviceProfileID), d.Name, d.Description, d.DeviceModel,
	)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM devices WHERE id = $1", id)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// ListDevices lists devices with filters
func (s *PostgresStore) ListDevices(ctx context.Context, filters DeviceFilters, limit, offset int) ([]*models.Device, int64, error) {
	query := "SELECT COUNT(*) FROM devices WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.ApplicationID != nil {
		argCount++
		query += fmt.Sprintf(" AND application_id = $%d", argCount)
		args = append(args, *filters.ApplicationID)
	}

	if filters.DeviceProfileID != nil {
		argCount++
		query += fmt.Sprintf(" AND device_profile_id = $%d", argCount)
		args = append(args, *filters.DeviceProfileID)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT " + deviceColumns + query[len("SELECT COUNT(*)"):]
	selectQuery += fmt.Sprintf(" ORDER BY name LIMIT $%d OFFSET $%d", argCount+1, argCount+2)
	rows, err := s.getDB().QueryContext(ctx, selectQuery, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, count, rows.Err()
}
