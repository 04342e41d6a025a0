package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// CreateEventLog creates an event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO event_logs (
			id, created_at, type, level, kind, entity_id, network_id, description, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.Type, event.Level, event.Kind,
		event.EntityID, event.NetworkID, event.Description, event.Details,
	)

	return mapError(err)
}

// ListEventLogs lists event logs with filters
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	// Build query with filters
	query := "SELECT COUNT(*) FROM event_logs WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.Kind != nil {
		argCount++
		query += fmt.Sprintf(" AND kind = $%d", argCount)
		args = append(args, *filters.Kind)
	}

	if filters.EntityID != nil {
		argCount++
		query += fmt.Sprintf(" AND entity_id = $%d", argCount)
		args = append(args, *filters.EntityID)
	}

	if filters.NetworkID != nil {
		argCount++
		query += fmt.Sprintf(" AND network_id = $%d", argCount)
		args = append(args, *filters.NetworkID)
	}

	if filters.Type != nil {
		argCount++
		query += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, *filters.Type)
	}

	if filters.Level != nil {
		argCount++
		query += fmt.Sprintf(" AND level = $%d", argCount)
		args = append(args, *filters.Level)
	}

	if filters.StartTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filters.StartTime)
	}

	if filters.EndTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filters.EndTime)
	}

	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Get rows
	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, created_at, type, level, kind, entity_id, network_id, description, details", 1)

	argCount++
	selectQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argCount)
	args = append(args, limit)

	argCount++
	selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		var entityID, networkID uuid.NullUUID

		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.Type, &event.Level, &event.Kind,
			&entityID, &networkID, &event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}

		if entityID.Valid {
			event.EntityID = &entityID.UUID
		}
		if networkID.Valid {
			event.NetworkID = &networkID.UUID
		}

		events = append(events, event)
	}

	return events, count, rows.Err()
}
