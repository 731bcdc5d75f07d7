package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"fleetwatch-backend/internal/auth"
	"fleetwatch-backend/internal/authz"
	"fleetwatch-backend/internal/hub"
	"fleetwatch-backend/internal/ingest"
	"fleetwatch-backend/internal/models"
	"fleetwatch-backend/internal/queue"
	"fleetwatch-backend/internal/registry"
	"fleetwatch-backend/internal/storage"
)

// memBackend stands in for Postgres across every store-shaped interface
// the HTTP stack consumes.
type memBackend struct {
	mu        sync.Mutex
	agents    map[string]*models.Agent
	operators map[string]*models.Operator
	telemetry []models.TelemetryRecord
	alerts    map[string]*models.Alert
	nextID    int64
}

func newMemBackend() *memBackend {
	return &memBackend{
		agents:    make(map[string]*models.Agent),
		operators: make(map[string]*models.Operator),
		alerts:    make(map[string]*models.Alert),
	}
}

func (s *memBackend) UpsertRegistration(_ context.Context, agent *models.Agent) (models.RegistrationOutcome, error) {
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
	existing.LastSeenAt = agent.LastSeenAt
	if existing.OwnerID != nil {
		return models.AlreadyOwned, nil
	}
	return models.PendingUpdated, nil
}

func (s *memBackend) AssignOwner(_ context.Context, fingerprint, ownerID string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[fingerprint]
	if !ok {
		return registry.ErrNotFound
	}
	if agent.OwnerID != nil {
		if *agent.OwnerID == ownerID {
			return nil
		}
		return registry.ErrAlreadyOwnedByOther
	}

	owned := 0
	for _, a := range s.agents {
		if a.OwnerID != nil && *a.OwnerID == ownerID {
			owned++
		}
	}
	if owned >= limit {
		return registry.ErrQuotaExceeded
	}
	agent.OwnerID = &ownerID
	return nil
}

func (s *memBackend) TouchAgent(_ context.Context, fingerprint string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[fingerprint]
	if !ok {
		return registry.ErrNotFound
	}
	if agent.LastSeenAt == nil || !agent.LastSeenAt.After(now) {
		agent.LastSeenAt = &now
	}
	return nil
}

func (s *memBackend) GetAgentByFingerprint(_ context.Context, fingerprint string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[fingerprint]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (s *memBackend) ListAgentsByOwner(_ context.Context, ownerID string) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Agent
	for _, a := range s.agents {
		if a.OwnerID != nil && *a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *memBackend) ListPendingAgents(_ context.Context) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Agent
	for _, a := range s.agents {
		if a.OwnerID == nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *memBackend) DeviceLimit(_ context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.operators[ownerID]; ok {
		return op.DeviceLimit, nil
	}
	return 0, storage.ErrOperatorNotFound
}

func (s *memBackend) GetOperator(_ context.Context, id string) (*models.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[id]
	if !ok {
		return nil, storage.ErrOperatorNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *memBackend) GetOperatorByEmail(_ context.Context, email string) (*models.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.operators {
		if op.Email == email {
			cp := *op
			return &cp, nil
		}
	}
	return nil, storage.ErrOperatorNotFound
}

func (s *memBackend) CreateOperator(_ context.Context, op *models.Operator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.operators {
		if existing.Email == op.Email {
			return storage.ErrEmailTaken
		}
	}
	cp := *op
	s.operators[op.ID] = &cp
	return nil
}

func (s *memBackend) AppendTelemetry(_ context.Context, agentID, kind string, data []byte, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.telemetry = append(s.telemetry, models.TelemetryRecord{
		ID: s.nextID, AgentID: agentID, Kind: kind, Data: data, TS: ts,
	})
	return nil
}

func (s *memBackend) QueryTelemetry(_ context.Context, agentID, kind string, since time.Time, limit int) ([]models.TelemetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.TelemetryRecord
	for _, rec := range s.telemetry {
		if rec.AgentID != agentID {
			continue
		}
		if kind != "" && rec.Kind != kind {
			continue
		}
		if !since.IsZero() && rec.TS.Before(since) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memBackend) CreateAlert(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func (s *memBackend) ListAlerts(_ context.Context, agentID string, limit int) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Alert
	for _, a := range s.alerts {
		if a.AgentID == agentID {
			out = append(out, *a)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memBackend) MarkAlertRead(_ context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok || alert.OwnerID != ownerID {
		return storage.ErrAlertNotFound
	}
	alert.Read = true
	return nil
}

func (s *memBackend) SetLastScreenshot(_ context.Context, fingerprint, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[fingerprint]; ok {
		a.LastScreenshot = []byte(data)
	}
	return nil
}

func (s *memBackend) SetLastStats(_ context.Context, fingerprint string, stats []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[fingerprint]; ok {
		a.LastStats = stats
	}
	return nil
}

func (s *memBackend) SetActiveWindow(_ context.Context, fingerprint, window string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[fingerprint]; ok {
		a.ActiveWindow = window
	}
	return nil
}

type testEnv struct {
	backend *memBackend
	session *auth.Service
	router  chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	backend := newMemBackend()
	session, err := auth.NewService("test-secret")
	require.NoError(t, err)

	reg := registry.New(backend, backend, nil, nil, 120*time.Second)
	eventHub := hub.New(reg)
	reg.SetPublisher(eventHub)

	q := queue.NewMemory(4)
	ingestRouter := ingest.NewRouter(backend, reg, eventHub, nil, nil, []string{"password"})
	guard := authz.New(reg)
	authHandler := auth.NewHandler(backend, session)

	h := New(reg, q, ingestRouter, eventHub, guard, backend, session, authHandler, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	return &testEnv{backend: backend, session: session, router: r}
}

func (e *testEnv) addOperator(t *testing.T, id, email, password, role string, limit int) string {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, e.backend.CreateOperator(context.Background(), &models.Operator{
		ID: id, Email: email, PasswordHash: string(hash), Role: role, DeviceLimit: limit,
	}))

	token, err := e.session.GenerateToken(id, role)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addOperator(t, "root", "admin@example.com", "adminpw", models.RoleAdmin, 0)
	parent := env.addOperator(t, "parent1", "parent1@example.com", "parentpw", models.RoleOperator, 2)

	// Register.
	rec := env.do(t, http.MethodPost, "/v1/agents/register", "", models.RegisterRequest{
		Fingerprint: "abc123", Hostname: "kid-laptop", OS: "windows",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var regResp models.RegisterResponse
	decode(t, rec, &regResp)
	assert.Equal(t, models.PendingNew, regResp.Status)

	// Re-register is idempotent.
	rec = env.do(t, http.MethodPost, "/v1/agents/register", "", models.RegisterRequest{
		Fingerprint: "abc123", Hostname: "kid-laptop", OS: "windows",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &regResp)
	assert.Equal(t, models.PendingUpdated, regResp.Status)

	// Pending agents are visible to admin only.
	rec = env.do(t, http.MethodGet, "/v1/admin/pending", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []models.Agent
	decode(t, rec, &pending)
	require.Len(t, pending, 1)

	rec = env.do(t, http.MethodGet, "/v1/admin/pending", parent, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Assign.
	rec = env.do(t, http.MethodPost, "/v1/agents/abc123/assign", admin,
		models.AssignRequest{OwnerID: "parent1"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Enqueue a command as the owner.
	rec = env.do(t, http.MethodPost, "/v1/agents/abc123/commands", parent,
		models.EnqueueCommandRequest{Verb: "lock_screen"})
	require.Equal(t, http.StatusOK, rec.Code)
	var enq models.EnqueueCommandResponse
	decode(t, rec, &enq)
	require.NotEmpty(t, enq.CommandID)

	// The agent's next poll carries the command.
	rec = env.do(t, http.MethodPost, "/v1/agents/poll", "",
		models.PollRequest{Fingerprint: "abc123"})
	require.Equal(t, http.StatusOK, rec.Code)
	var poll models.PollResponse
	decode(t, rec, &poll)
	require.NotNil(t, poll.Command)
	assert.Equal(t, enq.CommandID, poll.Command.ID)
	assert.Equal(t, "lock_screen", poll.Command.Verb)

	// Delivered exactly once; the second poll is empty.
	rec = env.do(t, http.MethodPost, "/v1/agents/poll", "",
		models.PollRequest{Fingerprint: "abc123"})
	require.Equal(t, http.StatusOK, rec.Code)
	poll = models.PollResponse{}
	decode(t, rec, &poll)
	assert.Nil(t, poll.Command)

	// The owner sees the agent online after the polls.
	rec = env.do(t, http.MethodGet, "/v1/agents", parent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []agentView
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "abc123", list[0].Fingerprint)
	assert.True(t, list[0].Online)
}

func TestResultIngestAndHistory(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addOperator(t, "root", "admin@example.com", "adminpw", models.RoleAdmin, 0)
	parent := env.addOperator(t, "parent1", "parent1@example.com", "parentpw", models.RoleOperator, 2)

	env.do(t, http.MethodPost, "/v1/agents/register", "", models.RegisterRequest{Fingerprint: "abc123"})
	env.do(t, http.MethodPost, "/v1/agents/abc123/assign", admin, models.AssignRequest{OwnerID: "parent1"})

	rec := env.do(t, http.MethodPost, "/v1/agents/result", "", models.SubmitResultRequest{
		Fingerprint: "abc123",
		Result: models.Envelope{
			Keystrokes:   &models.Keystrokes{Data: "typing my password here"},
			ActiveWindow: "Chrome",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Unknown agents are rejected.
	rec = env.do(t, http.MethodPost, "/v1/agents/result", "", models.SubmitResultRequest{
		Fingerprint: "ghost",
		Result:      models.Envelope{Keystrokes: &models.Keystrokes{Data: "x"}},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// History shows the stored record.
	rec = env.do(t, http.MethodGet, "/v1/agents/abc123/history?kind=keystrokes", parent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []models.TelemetryRecord
	decode(t, rec, &records)
	require.Len(t, records, 1)
	assert.Equal(t, models.KindKeystrokes, records[0].Kind)

	rec = env.do(t, http.MethodGet, "/v1/agents/abc123/history?since=yesterday", parent, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The watchlist keyword raised an alert; the owner can read it.
	rec = env.do(t, http.MethodGet, "/v1/agents/abc123/alerts", parent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []models.Alert
	decode(t, rec, &alerts)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].Read)

	rec = env.do(t, http.MethodPost, "/v1/alerts/"+alerts[0].ID+"/read", parent, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Another operator cannot mark it.
	other := env.addOperator(t, "parent2", "parent2@example.com", "pw", models.RoleOperator, 2)
	rec = env.do(t, http.MethodPost, "/v1/alerts/"+alerts[0].ID+"/read", other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOwnershipForbiddenVsNotFound(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addOperator(t, "root", "admin@example.com", "adminpw", models.RoleAdmin, 0)
	env.addOperator(t, "parent1", "parent1@example.com", "pw", models.RoleOperator, 2)
	intruder := env.addOperator(t, "parent2", "parent2@example.com", "pw", models.RoleOperator, 2)

	env.do(t, http.MethodPost, "/v1/agents/register", "", models.RegisterRequest{Fingerprint: "abc123"})
	env.do(t, http.MethodPost, "/v1/agents/abc123/assign", admin, models.AssignRequest{OwnerID: "parent1"})

	// Someone else's agent: forbidden, not hidden.
	rec := env.do(t, http.MethodGet, "/v1/agents/abc123", intruder, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/agents/abc123/commands", intruder,
		models.EnqueueCommandRequest{Verb: "reboot"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A fingerprint that does not exist: 404.
	rec = env.do(t, http.MethodGet, "/v1/agents/ghost", intruder, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// No token at all: 401.
	rec = env.do(t, http.MethodGet, "/v1/agents/abc123", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Admin sees everything.
	rec = env.do(t, http.MethodGet, "/v1/agents/abc123", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnqueueQueueFull(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addOperator(t, "root", "admin@example.com", "adminpw", models.RoleAdmin, 0)
	parent := env.addOperator(t, "parent1", "parent1@example.com", "pw", models.RoleOperator, 2)

	env.do(t, http.MethodPost, "/v1/agents/register", "", models.RegisterRequest{Fingerprint: "abc123"})
	env.do(t, http.MethodPost, "/v1/agents/abc123/assign", admin, models.AssignRequest{OwnerID: "parent1"})

	// The test queue caps at 4.
	for i := 0; i < 4; i++ {
		rec := env.do(t, http.MethodPost, "/v1/agents/abc123/commands", parent,
			models.EnqueueCommandRequest{Verb: "ping"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/v1/agents/abc123/commands", parent,
		models.EnqueueCommandRequest{Verb: "ping"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAssignErrors(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addOperator(t, "root", "admin@example.com", "adminpw", models.RoleAdmin, 0)
	env.addOperator(t, "parent1", "parent1@example.com", "pw", models.RoleOperator, 1)
	env.addOperator(t, "parent2", "parent2@example.com", "pw", models.RoleOperator, 1)

	env.do(t, http.MethodPost, "/v1/agents/register", "", models.RegisterRequest{Fingerprint: "a1"})
	env.do(t, http.MethodPost, "/v1/agents/register", "", models.RegisterRequest{Fingerprint: "a2"})

	// Unknown owner.
	rec := env.do(t, http.MethodPost, "/v1/agents/a1/assign", admin, models.AssignRequest{OwnerID: "nobody"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Unknown agent.
	rec = env.do(t, http.MethodPost, "/v1/agents/ghost/assign", admin, models.AssignRequest{OwnerID: "parent1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/agents/a1/assign", admin, models.AssignRequest{OwnerID: "parent1"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Same owner again is a no-op.
	rec = env.do(t, http.MethodPost, "/v1/agents/a1/assign", admin, models.AssignRequest{OwnerID: "parent1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// A different owner conflicts.
	rec = env.do(t, http.MethodPost, "/v1/agents/a1/assign", admin, models.AssignRequest{OwnerID: "parent2"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Device limit of one is already spent.
	rec = env.do(t, http.MethodPost, "/v1/agents/a2/assign", admin, models.AssignRequest{OwnerID: "parent1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.addOperator(t, "parent1", "parent1@example.com", "correct-horse", models.RoleOperator, 2)

	rec := env.do(t, http.MethodPost, "/v1/auth/login", "", models.LoginRequest{
		Email: "parent1@example.com", Password: "correct-horse",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.LoginResponse
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, models.RoleOperator, resp.Role)

	identity, err := env.session.Resolve(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "parent1", identity.OwnerID)

	rec = env.do(t, http.MethodPost, "/v1/auth/login", "", models.LoginRequest{
		Email: "parent1@example.com", Password: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/auth/login", "", models.LoginRequest{
		Email: "nobody@example.com", Password: "whatever",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPollUnknownAgent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/agents/poll", "", models.PollRequest{Fingerprint: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/agents/poll", "", models.PollRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/agents/register", "", models.RegisterRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}
