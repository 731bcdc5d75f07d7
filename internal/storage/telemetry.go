package storage

import (
	"context"
	"fmt"
	"time"

	"fleetwatch-backend/internal/models"
)

// AppendTelemetry writes one classified record. Records are independent
// inserts; there is no update-in-place.
func (s *Storage) AppendTelemetry(ctx context.Context, agentID, kind string, data []byte, ts time.Time) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry (agent_id, kind, data, ts) VALUES ($1, $2, $3, $4)`,
		agentID, kind, data, ts)
	if err != nil {
		return fmt.Errorf("append telemetry: %w", err)
	}
	return nil
}

// QueryTelemetry returns records for an agent, newest first. kind narrows
// to one kind when non-empty; since bounds the range when non-zero.
func (s *Storage) QueryTelemetry(ctx context.Context, agentID, kind string, since time.Time, limit int) ([]models.TelemetryRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, agent_id, kind, data, ts FROM telemetry WHERE agent_id = $1`
	args := []interface{}{agentID}

	if kind != "" {
		args = append(args, kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	var records []models.TelemetryRecord
	err := s.db.SelectContext(ctx, &records, query, args...)
	return records, err
}

// PruneTelemetry deletes records older than cutoff and returns the count.
func (s *Storage) PruneTelemetry(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM telemetry WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Storage) CreateAlert(ctx context.Context, alert *models.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, agent_id, owner_id, kind, message, ts, read)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		alert.ID, alert.AgentID, alert.OwnerID, alert.Kind, alert.Message, alert.TS, alert.Read)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (s *Storage) ListAlerts(ctx context.Context, agentID string, limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var alerts []models.Alert
	err := s.db.SelectContext(ctx, &alerts,
		`SELECT id, agent_id, owner_id, kind, message, ts, read
		 FROM alerts WHERE agent_id = $1 ORDER BY ts DESC LIMIT $2`, agentID, limit)
	return alerts, err
}

func (s *Storage) MarkAlertRead(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET read = true WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlertNotFound
	}
	return nil
}
