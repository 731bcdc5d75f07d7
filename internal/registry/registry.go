package registry

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetwatch-backend/internal/models"
)

// Store is the durable agent record backend. Implementations must make
// AssignOwner's quota check-then-write atomic per owner and TouchAgent
// monotonic per agent.
type Store interface {
	UpsertRegistration(ctx context.Context, agent *models.Agent) (models.RegistrationOutcome, error)
	AssignOwner(ctx context.Context, fingerprint, ownerID string, limit int) error
	TouchAgent(ctx context.Context, fingerprint string, now time.Time) error
	GetAgentByFingerprint(ctx context.Context, fingerprint string) (*models.Agent, error)
}

// QuotaPolicy resolves an owner's agent limit.
type QuotaPolicy interface {
	DeviceLimit(ctx context.Context, ownerID string) (int, error)
}

// PresenceCache mirrors liveness into a TTL'd cache so key expiry can
// drive offline detection. Optional; may be nil.
type PresenceCache interface {
	SetLastSeen(fingerprint string, tsMs int64, ttl time.Duration) error
	SetStatus(fingerprint, status string) error
}

// Publisher receives presence and assignment events. Optional; may be nil.
type Publisher interface {
	Publish(ev models.Event)
}

// Registry tracks agent identity, ownership and liveness.
type Registry struct {
	store    Store
	quota    QuotaPolicy
	presence PresenceCache
	hub      Publisher
	window   time.Duration

	mu     sync.Mutex
	online map[string]bool

	now func() time.Time
}

func New(store Store, quota QuotaPolicy, presence PresenceCache, hub Publisher, window time.Duration) *Registry {
	return &Registry{
		store:    store,
		quota:    quota,
		presence: presence,
		hub:      hub,
		window:   window,
		online:   make(map[string]bool),
		now:      time.Now,
	}
}

// SetPublisher wires the fan-out hub in after construction. The hub needs
// the registry to resolve owners, so one of the two is built first.
func (r *Registry) SetPublisher(p Publisher) {
	r.hub = p
}

// Window returns the liveness window.
func (r *Registry) Window() time.Duration {
	return r.window
}

// Register records an agent announcement. Safe to call redundantly; never
// fails on a valid fingerprint.
func (r *Registry) Register(ctx context.Context, req models.RegisterRequest) (models.RegistrationOutcome, error) {
	now := r.now()
	agent := &models.Agent{
		ID:          uuid.New().String(),
		Fingerprint: req.Fingerprint,
		Hostname:    req.Hostname,
		OS:          req.OS,
		Addr:        req.Addr,
		Meta:        req.Meta,
		LastSeenAt:  &now,
	}

	outcome, err := r.store.UpsertRegistration(ctx, agent)
	if err != nil {
		return "", err
	}

	r.markOnline(req.Fingerprint, now)
	return outcome, nil
}

// Assign sets the owner of a pending agent. Re-assigning the same owner is
// a no-op; a different owner fails with ErrAlreadyOwnedByOther.
func (r *Registry) Assign(ctx context.Context, fingerprint, ownerID string) error {
	limit, err := r.quota.DeviceLimit(ctx, ownerID)
	if err != nil {
		return err
	}

	if err := r.store.AssignOwner(ctx, fingerprint, ownerID, limit); err != nil {
		return err
	}

	if r.hub != nil {
		data, _ := json.Marshal(map[string]string{"owner_id": ownerID})
		r.hub.Publish(models.Event{
			Type:    models.EventAssigned,
			AgentID: fingerprint,
			Data:    data,
			TS:      r.now(),
		})
	}
	return nil
}

// Touch advances the agent's last contact; called on every poll.
func (r *Registry) Touch(ctx context.Context, fingerprint string) error {
	now := r.now()
	if err := r.store.TouchAgent(ctx, fingerprint, now); err != nil {
		return err
	}
	r.markOnline(fingerprint, now)
	return nil
}

// Status reports ownership and liveness for one agent.
func (r *Registry) Status(ctx context.Context, fingerprint string) (models.AgentStatus, error) {
	agent, err := r.store.GetAgentByFingerprint(ctx, fingerprint)
	if err != nil {
		return models.AgentStatus{}, err
	}

	online := agent.LastSeenAt != nil && r.now().Sub(*agent.LastSeenAt) < r.window
	return models.AgentStatus{
		Fingerprint: agent.Fingerprint,
		OwnerID:     agent.OwnerID,
		Online:      online,
		LastSeenAt:  agent.LastSeenAt,
	}, nil
}

// Owner returns the agent's current owner, or nil while pending.
func (r *Registry) Owner(ctx context.Context, fingerprint string) (*string, error) {
	agent, err := r.store.GetAgentByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return agent.OwnerID, nil
}

// MarkOffline flips the agent's tracked presence to offline and emits the
// transition event once. Called by the expiry worker and the sweep.
func (r *Registry) MarkOffline(fingerprint string) {
	r.mu.Lock()
	was := r.online[fingerprint]
	r.online[fingerprint] = false
	r.mu.Unlock()

	if !was {
		return
	}

	if r.presence != nil {
		if err := r.presence.SetStatus(fingerprint, "offline"); err != nil {
			log.Printf("WARN set offline status for %s: %v", fingerprint, err)
		}
	}
	if r.hub != nil {
		r.hub.Publish(models.Event{
			Type:    models.EventAgentOffline,
			AgentID: fingerprint,
			TS:      r.now(),
		})
	}
}

// markOnline refreshes the TTL'd last-seen key and emits agent_online only
// on the offline-to-online transition, never on steady-state polls.
func (r *Registry) markOnline(fingerprint string, now time.Time) {
	if r.presence != nil {
		if err := r.presence.SetLastSeen(fingerprint, now.UnixMilli(), r.window); err != nil {
			log.Printf("WARN set last_seen for %s: %v", fingerprint, err)
		}
	}

	r.mu.Lock()
	was := r.online[fingerprint]
	r.online[fingerprint] = true
	r.mu.Unlock()

	if was {
		return
	}

	if r.presence != nil {
		if err := r.presence.SetStatus(fingerprint, "online"); err != nil {
			log.Printf("WARN set online status for %s: %v", fingerprint, err)
		}
	}
	if r.hub != nil {
		r.hub.Publish(models.Event{
			Type:    models.EventAgentOnline,
			AgentID: fingerprint,
			TS:      now,
		})
	}
}
