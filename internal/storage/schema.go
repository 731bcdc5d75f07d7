package storage

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id              TEXT PRIMARY KEY,
	fingerprint     TEXT UNIQUE NOT NULL,
	owner_id        TEXT,
	hostname        TEXT NOT NULL DEFAULT '',
	os              TEXT NOT NULL DEFAULT '',
	addr            TEXT NOT NULL DEFAULT '',
	meta            JSONB NOT NULL DEFAULT '{}',
	last_seen_at    TIMESTAMPTZ,
	assigned_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_screenshot TEXT,
	last_stats      JSONB,
	active_window   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents (owner_id);

CREATE TABLE IF NOT EXISTS operators (
	id            TEXT PRIMARY KEY,
	email         TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'operator',
	device_limit  INT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS telemetry (
	id       BIGSERIAL PRIMARY KEY,
	agent_id TEXT NOT NULL,
	kind     TEXT NOT NULL,
	data     JSONB NOT NULL DEFAULT '{}',
	ts       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_telemetry_agent_ts ON telemetry (agent_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_telemetry_agent_kind_ts ON telemetry (agent_id, kind, ts DESC);

CREATE TABLE IF NOT EXISTS alerts (
	id       TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	kind     TEXT NOT NULL DEFAULT 'alert',
	message  TEXT NOT NULL,
	ts       TIMESTAMPTZ NOT NULL DEFAULT now(),
	read     BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_alerts_owner_ts ON alerts (owner_id, ts DESC);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
