package models

import (
	"encoding/json"
	"time"
)

// RegistrationOutcome describes what Register did with a fingerprint.
type RegistrationOutcome string

const (
	PendingNew     RegistrationOutcome = "pending_new"
	PendingUpdated RegistrationOutcome = "pending_updated"
	AlreadyOwned   RegistrationOutcome = "already_owned"
)

type Agent struct {
	ID          string     `json:"id" db:"id"`
	Fingerprint string     `json:"fingerprint" db:"fingerprint"`
	OwnerID     *string    `json:"owner_id" db:"owner_id"`
	Hostname    string     `json:"hostname" db:"hostname"`
	OS          string     `json:"os" db:"os"`
	Addr        string     `json:"addr" db:"addr"`
	Meta        []byte     `json:"meta,omitempty" db:"meta"`
	LastSeenAt  *time.Time `json:"last_seen_at" db:"last_seen_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty" db:"assigned_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`

	// Latest-value projection for dashboard reads. Last write wins.
	LastScreenshot []byte `json:"last_screenshot,omitempty" db:"last_screenshot"`
	LastStats      []byte `json:"last_stats,omitempty" db:"last_stats"`
	ActiveWindow   string `json:"active_window,omitempty" db:"active_window"`
}

// AgentStatus is the liveness view of one agent.
type AgentStatus struct {
	Fingerprint string     `json:"fingerprint"`
	OwnerID     *string    `json:"owner_id"`
	Online      bool       `json:"online"`
	LastSeenAt  *time.Time `json:"last_seen_at"`
}

type Command struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	OwnerID    string          `json:"owner_id"`
	Verb       string          `json:"verb"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

type TelemetryRecord struct {
	ID      int64           `json:"id" db:"id"`
	AgentID string          `json:"agent_id" db:"agent_id"`
	Kind    string          `json:"kind" db:"kind"`
	Data    json.RawMessage `json:"data" db:"data"`
	TS      time.Time       `json:"ts" db:"ts"`
}

type Alert struct {
	ID      string    `json:"id" db:"id"`
	AgentID string    `json:"agent_id" db:"agent_id"`
	OwnerID string    `json:"owner_id" db:"owner_id"`
	Kind    string    `json:"kind" db:"kind"`
	Message string    `json:"message" db:"message"`
	TS      time.Time `json:"ts" db:"ts"`
	Read    bool      `json:"read" db:"read"`
}

type Operator struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         string    `json:"role" db:"role"`
	DeviceLimit  int       `json:"device_limit" db:"device_limit"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Event is what the hub fans out to observer sessions.
type Event struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agent_id"`
	Kind    string          `json:"kind,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	TS      time.Time       `json:"ts"`
}

const (
	EventResult       = "result"
	EventAlert        = "alert"
	EventAgentOnline  = "agent_online"
	EventAgentOffline = "agent_offline"
	EventAssigned     = "agent_assigned"
)
