package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// ========== Company Methods ==========

// CreateCompany creates a company
func (s *PostgresStore) CreateCompany(ctx context.Context, c *models.Company) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO companies (id, created_at, updated_at, name, description, can_have_gateways)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.CreatedAt, c.UpdatedAt, c.Name, c.Description, c.CanHaveGateways,
	)
	return mapError(err)
}

// GetCompany gets a company by ID
func (s *PostgresStore) GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error) {
	c := &models.Company{}
	err := s.getDB().QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, name, description, can_have_gateways
		FROM companies WHERE id = $1`, id,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.Name, &c.Description, &c.CanHaveGateways)
	if err != nil {
		return nil, mapError(err)
	}
	return c, nil
}

// UpdateCompany updates a company
func (s *PostgresStore) UpdateCompany(ctx context.Context, c *models.Company) error {
	c.UpdatedAt = time.Now()

	result, err := s.getDB().ExecContext(ctx, `
		UPDATE companies SET updated_at = $2, name = $3, description = $4, can_have_gateways = $5
		WHERE id = $1`,
		c.ID, c.UpdatedAt, c.Name, c.Description, c.CanHaveGateways,
	)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// DeleteCompany deletes a company
func (s *PostgresStore) DeleteCompany(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM companies WHERE id = $1", id)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// ListCompanies lists companies
func (s *PostgresStore) ListCompanies(ctx context.Context, limit, offset int) ([]*models.Company, int64, error) {
	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM companies").Scan(&count); err != nil {
		return nil, 0, err
	}

	rows, err := s.getDB().QueryContext(ctx, `
		SELECT id, created_at, updated_at, name, description, can_have_gateways
		FROM companies ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.Company
	for rows.Next() {
		c := &models.Company{}
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.Name, &c.Description, &c.CanHaveGateways); err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, count, rows.Err()
}

// ========== Application Methods ==========

const applicationColumns = `id, created_at, updated_at, company_id, name, description, base_url, mqtt_integration`

func scanApplication(row scanner) (*models.Application, error) {
	app := &models.Application{}
	err := row.Scan(
		&app.ID, &app.CreatedAt, &app.UpdatedAt, &app.CompanyID, &app.Name,
		&app.Description, &app.BaseURL, &app.MQTTIntegration,
	)
	return app, err
}

// CreateApplication creates an application
func (s *PostgresStore) CreateApplication(ctx context.Context, app *models.Application) error {
	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	now := time.Now()
	app.CreatedAt = now
	app.UpdatedAt = now

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		app.ID, app.CreatedAt, app.UpdatedAt, app.CompanyID, app.Name,
		app.Description, app.BaseURL, app.MQTTIntegration,
	)
	return mapError(err)
}

// GetApplication gets an application by ID
func (s *PostgresStore) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	row := s.getDB().QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if err != nil {
		return nil, mapError(err)
	}
	return app, nil
}

// UpdateApplication updates an application
func (s *PostgresStore) UpdateApplication(ctx context.Context, app *models.Application) error {
	app.UpdatedAt = time.Now()

	result, err := s.getDB().ExecContext(ctx, `
		UPDATE applications SET
			updated_at = $2, name = $3, description = $4, base_url = $5, mqtt_integration = $6
		WHERE id = $1`,
		app.ID, app.UpdatedAt, app.Name, app.Description, app.BaseURL, app.MQTTIntegration,
	)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// DeleteApplication deletes an application
func (s *PostgresStore) DeleteApplication(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM applications WHERE id = $1", id)
	if err != nil {
		return mapError(err)
	}
	return affected(result)
}

// ListApplications lists applications, optionally of one company
func (s *PostgresStore) ListApplications(ctx context.Context, companyID *uuid.UUID, limit, offset int) ([]*models.Application, int64, error) {
	where := ""
	args := []interface{}{}
	if companyID != nil {
		where = " WHERE company_id = $1"
		args = append(args, *companyID)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM applications"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM applications%s ORDER BY name LIMIT $%d OFFSET $%d",
		applicationColumns, where, len(args)+1, len(args)+2)
	rows, err := s.getDB().QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, app)
	}
	return out, count, rows.Err()
}
