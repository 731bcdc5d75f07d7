package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch-backend/internal/models"
)

// memStore mimics the Postgres store's contract: upsert keyed by
// fingerprint, per-owner atomic quota on assign, monotonic touch.
type memStore struct {
	mu     sync.Mutex
	agents map[string]*models.Agent
	limits map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		agents: make(map[string]*models.Agent),
		limits: make(map[string]int),
	}
}

func (s *memStore) UpsertRegistration(_ context.Context, agent *models.Agent) (models.RegistrationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.agents[agent.Fingerprint]
	if !ok {
		cp := *agent
		s.agents[agent.Fingerprint] = &cp
		return models.PendingNew, nil
	}

	existing.Hostname = agent.Hostname
	existing.OS = agent.OS
	existing.Addr = agent.Addr
	existing.LastSeenAt = agent.LastSeenAt
	if existing.OwnerID != nil {
		return models.AlreadyOwned, nil
	}
	return models.PendingUpdated, nil
}

func (s *memStore) AssignOwner(_ context.Context, fingerprint, ownerID string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[fingerprint]
	if !ok {
		return ErrNotFound
	}
	if agent.OwnerID != nil {
		if *agent.OwnerID == ownerID {
			return nil
		}
		return ErrAlreadyOwnedByOther
	}

	owned := 0
	for _, a := range s.agents {
		if a.OwnerID != nil && *a.OwnerID == ownerID {
			owned++
		}
	}
	if owned >= limit {
		return ErrQuotaExceeded
	}

	agent.OwnerID = &ownerID
	return nil
}

func (s *memStore) TouchAgent(_ context.Context, fingerprint string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[fingerprint]
	if !ok {
		return ErrNotFound
	}
	if agent.LastSeenAt == nil || !agent.LastSeenAt.After(now) {
		agent.LastSeenAt = &now
	}
	return nil
}

func (s *memStore) GetAgentByFingerprint(_ context.Context, fingerprint string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (s *memStore) DeviceLimit(_ context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit, ok := s.limits[ownerID]; ok {
		return limit, nil
	}
	return 100, nil
}

type eventSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *eventSink) Publish(ev models.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) byType(t string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRegistry(store *memStore) (*Registry, *eventSink) {
	sink := &eventSink{}
	reg := New(store, store, nil, sink, 120*time.Second)
	return reg, sink
}

func TestRegisterIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg, _ := newTestRegistry(store)

	out, err := reg.Register(ctx, models.RegisterRequest{Fingerprint: "abc123", Hostname: "h1"})
	require.NoError(t, err)
	assert.Equal(t, models.PendingNew, out)

	out, err = reg.Register(ctx, models.RegisterRequest{Fingerprint: "abc123", Hostname: "h2"})
	require.NoError(t, err)
	assert.Equal(t, models.PendingUpdated, out)

	agent, err := store.GetAgentByFingerprint(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "h2", agent.Hostname)

	require.NoError(t, reg.Assign(ctx, "abc123", "parent1"))

	out, err = reg.Register(ctx, models.RegisterRequest{Fingerprint: "abc123", Hostname: "h3"})
	require.NoError(t, err)
	assert.Equal(t, models.AlreadyOwned, out)

	agent, err = store.GetAgentByFingerprint(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, agent.OwnerID)
	assert.Equal(t, "parent1", *agent.OwnerID)
}

func TestAssignOwnership(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg, sink := newTestRegistry(store)

	_, err := reg.Register(ctx, models.RegisterRequest{Fingerprint: "abc123"})
	require.NoError(t, err)

	require.NoError(t, reg.Assign(ctx, "abc123", "parent1"))

	// Re-assigning the same owner is a no-op.
	require.NoError(t, reg.Assign(ctx, "abc123", "parent1"))

	// A different owner is refused.
	err = reg.Assign(ctx, "abc123", "parent2")
	assert.ErrorIs(t, err, ErrAlreadyOwnedByOther)

	err = reg.Assign(ctx, "nope", "parent1")
	assert.ErrorIs(t, err, ErrNotFound)

	assigned := sink.byType(models.EventAssigned)
	require.Len(t, assigned, 2)
	assert.Equal(t, "abc123", assigned[0].AgentID)
}

func TestAssignQuota(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.limits["parent1"] = 2
	reg, _ := newTestRegistry(store)

	for _, fp := range []string{"a1", "a2", "a3"} {
		_, err := reg.Register(ctx, models.RegisterRequest{Fingerprint: fp})
		require.NoError(t, err)
	}

	require.NoError(t, reg.Assign(ctx, "a1", "parent1"))
	require.NoError(t, reg.Assign(ctx, "a2", "parent1"))
	assert.ErrorIs(t, reg.Assign(ctx, "a3", "parent1"), ErrQuotaExceeded)
}

func TestAssignQuotaConcurrent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.limits["parent1"] = 3
	reg, _ := newTestRegistry(store)

	const n = 20
	for i := 0; i < n; i++ {
		_, err := reg.Register(ctx, models.RegisterRequest{Fingerprint: fp(i)})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = reg.Assign(ctx, fp(i), "parent1")
		}(i)
	}
	wg.Wait()

	owned := 0
	for i := 0; i < n; i++ {
		agent, err := store.GetAgentByFingerprint(ctx, fp(i))
		require.NoError(t, err)
		if agent.OwnerID != nil {
			owned++
		}
	}
	assert.Equal(t, 3, owned)
}

func fp(i int) string {
	return "agent-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
}

func TestTouchMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg, _ := newTestRegistry(store)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }

	_, err := reg.Register(ctx, models.RegisterRequest{Fingerprint: "abc123"})
	require.NoError(t, err)

	reg.now = func() time.Time { return base.Add(10 * time.Second) }
	require.NoError(t, reg.Touch(ctx, "abc123"))

	// A touch carrying an older clock must not move last_seen backwards.
	reg.now = func() time.Time { return base.Add(5 * time.Second) }
	require.NoError(t, reg.Touch(ctx, "abc123"))

	agent, err := store.GetAgentByFingerprint(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Second), *agent.LastSeenAt)

	assert.ErrorIs(t, reg.Touch(ctx, "missing"), ErrNotFound)
}

func TestStatusLivenessWindow(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg, _ := newTestRegistry(store)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }

	_, err := reg.Register(ctx, models.RegisterRequest{Fingerprint: "abc123"})
	require.NoError(t, err)

	cases := []struct {
		elapsed time.Duration
		online  bool
	}{
		{0, true},
		{119 * time.Second, true},
		{120 * time.Second, false},
		{200 * time.Second, false},
	}
	for _, tc := range cases {
		reg.now = func() time.Time { return base.Add(tc.elapsed) }
		st, err := reg.Status(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, tc.online, st.Online, "elapsed %v", tc.elapsed)
	}
}

func TestPresenceTransitionEvents(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg, sink := newTestRegistry(store)

	_, err := reg.Register(ctx, models.RegisterRequest{Fingerprint: "abc123"})
	require.NoError(t, err)

	// Steady-state polls do not repeat the online event.
	require.NoError(t, reg.Touch(ctx, "abc123"))
	require.NoError(t, reg.Touch(ctx, "abc123"))
	assert.Len(t, sink.byType(models.EventAgentOnline), 1)

	reg.MarkOffline("abc123")
	reg.MarkOffline("abc123")
	assert.Len(t, sink.byType(models.EventAgentOffline), 1)

	// Coming back emits the online transition again.
	require.NoError(t, reg.Touch(ctx, "abc123"))
	assert.Len(t, sink.byType(models.EventAgentOnline), 2)

	// An agent never seen online stays silent when marked offline.
	reg.MarkOffline("ghost")
	assert.Len(t, sink.byType(models.EventAgentOffline), 1)
}
