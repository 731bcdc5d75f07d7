package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"fleetwatch-backend/internal/models"
	"fleetwatch-backend/internal/registry"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

// UpsertRegistration records an agent self-registration. Metadata is
// last-write-wins; last_seen_at never moves backwards; ownership is
// never touched here.
func (s *Storage) UpsertRegistration(ctx context.Context, agent *models.Agent) (models.RegistrationOutcome, error) {
	meta := agent.Meta
	if meta == nil {
		meta = []byte("{}")
	}

	query := `
		INSERT INTO agents (id, fingerprint, hostname, os, addr, meta, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fingerprint)
		DO UPDATE SET
			hostname     = EXCLUDED.hostname,
			os           = EXCLUDED.os,
			addr         = EXCLUDED.addr,
			meta         = EXCLUDED.meta,
			last_seen_at = GREATEST(agents.last_seen_at, EXCLUDED.last_seen_at)
		RETURNING (xmax = 0) AS inserted, (owner_id IS NOT NULL) AS owned
	`

	var row struct {
		Inserted bool `db:"inserted"`
		Owned    bool `db:"owned"`
	}
	err := s.db.GetContext(ctx, &row, query,
		agent.ID, agent.Fingerprint, agent.Hostname, agent.OS, agent.Addr, meta, agent.LastSeenAt)
	if err != nil {
		return "", fmt.Errorf("upsert registration: %w", err)
	}

	switch {
	case row.Inserted:
		return models.PendingNew, nil
	case row.Owned:
		return models.AlreadyOwned, nil
	default:
		return models.PendingUpdated, nil
	}
}

// AssignOwner sets the owner of a pending agent. The quota check and the
// write happen under a per-owner advisory lock so two concurrent assigns
// cannot both pass the count.
func (s *Storage) AssignOwner(ctx context.Context, fingerprint, ownerID string, limit int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assign tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		return fmt.Errorf("acquire owner lock: %w", err)
	}

	var current sql.NullString
	err = tx.GetContext(ctx, &current,
		`SELECT owner_id FROM agents WHERE fingerprint = $1 FOR UPDATE`, fingerprint)
	if err == sql.ErrNoRows {
		return registry.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup agent: %w", err)
	}

	if current.Valid {
		if current.String == ownerID {
			return nil
		}
		return registry.ErrAlreadyOwnedByOther
	}

	var count int
	if err := tx.GetContext(ctx, &count,
		`SELECT count(*) FROM agents WHERE owner_id = $1`, ownerID); err != nil {
		return fmt.Errorf("count owner agents: %w", err)
	}
	if count >= limit {
		return registry.ErrQuotaExceeded
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET owner_id = $1, assigned_at = now() WHERE fingerprint = $2`,
		ownerID, fingerprint); err != nil {
		return fmt.Errorf("assign owner: %w", err)
	}

	return tx.Commit()
}

// TouchAgent advances last_seen_at. Out-of-order timestamps are dropped.
func (s *Storage) TouchAgent(ctx context.Context, fingerprint string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = $2
		 WHERE fingerprint = $1 AND (last_seen_at IS NULL OR last_seen_at <= $2)`,
		fingerprint, now)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE fingerprint = $1)`, fingerprint); err != nil {
		return fmt.Errorf("touch agent existence check: %w", err)
	}
	if !exists {
		return registry.ErrNotFound
	}
	return nil
}

func (s *Storage) GetAgentByFingerprint(ctx context.Context, fingerprint string) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.GetContext(ctx, &agent,
		`SELECT * FROM agents WHERE fingerprint = $1`, fingerprint)
	if err == sql.ErrNoRows {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *Storage) ListAgentsByOwner(ctx context.Context, ownerID string) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.db.SelectContext(ctx, &agents,
		`SELECT * FROM agents WHERE owner_id = $1 ORDER BY last_seen_at DESC NULLS LAST`, ownerID)
	return agents, err
}

func (s *Storage) ListPendingAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.db.SelectContext(ctx, &agents,
		`SELECT * FROM agents WHERE owner_id IS NULL ORDER BY created_at DESC`)
	return agents, err
}

// ListStaleFingerprints returns fingerprints not heard from since cutoff.
func (s *Storage) ListStaleFingerprints(ctx context.Context, cutoff time.Time) ([]string, error) {
	var fps []string
	err := s.db.SelectContext(ctx, &fps,
		`SELECT fingerprint FROM agents WHERE last_seen_at IS NULL OR last_seen_at < $1`, cutoff)
	return fps, err
}

// DeviceLimit returns the configured agent quota for an owner.
func (s *Storage) DeviceLimit(ctx context.Context, ownerID string) (int, error) {
	var limit int
	err := s.db.GetContext(ctx, &limit,
		`SELECT device_limit FROM operators WHERE id = $1`, ownerID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return limit, err
}

func (s *Storage) SetLastScreenshot(ctx context.Context, fingerprint, data string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_screenshot = $2 WHERE fingerprint = $1`, fingerprint, data)
	return err
}

func (s *Storage) SetLastStats(ctx context.Context, fingerprint string, stats []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_stats = $2 WHERE fingerprint = $1`, fingerprint, stats)
	return err
}

func (s *Storage) SetActiveWindow(ctx context.Context, fingerprint, window string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET active_window = $2 WHERE fingerprint = $1`, fingerprint, window)
	return err
}

func (s *Storage) Ping() error {
	return s.db.Ping()
}
