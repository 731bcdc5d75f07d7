package hub

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"fleetwatch-backend/internal/models"
)

// sessionBuffer bounds each observer's event backlog. A session that falls
// this far behind starts losing events rather than stalling ingest.
const sessionBuffer = 64

// OwnerResolver looks up an agent's current owner. Ownership is resolved at
// publish time, so reassignment mid-session redirects delivery immediately.
type OwnerResolver interface {
	Owner(ctx context.Context, fingerprint string) (*string, error)
}

// Session is one observer connection's handle on the hub.
type Session struct {
	ID      string
	OwnerID string
	ch      chan models.Event
}

// Events is the ordered event feed for this session.
func (s *Session) Events() <-chan models.Event {
	return s.ch
}

type subscriber struct {
	session  *Session
	ownerSub bool
	agents   map[string]struct{}
}

// Hub maintains observer subscriptions and fans agent events out to them.
// Delivery is best-effort, at-most-once, with no replay buffer.
type Hub struct {
	resolver OwnerResolver

	mu   sync.RWMutex
	subs map[string]*subscriber
}

func New(resolver OwnerResolver) *Hub {
	return &Hub{
		resolver: resolver,
		subs:     make(map[string]*subscriber),
	}
}

// Connect registers an observer session for the given owner identity.
func (h *Hub) Connect(ownerID string) *Session {
	s := &Session{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		ch:      make(chan models.Event, sessionBuffer),
	}

	h.mu.Lock()
	h.subs[s.ID] = &subscriber{session: s, agents: make(map[string]struct{})}
	total := len(h.subs)
	h.mu.Unlock()

	log.Printf("INFO Observer %s connected (owner=%s, total=%d)", s.ID, ownerID, total)
	return s
}

// Disconnect tears down the session and all its subscriptions.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	if ok {
		delete(h.subs, sessionID)
	}
	total := len(h.subs)
	h.mu.Unlock()

	if ok {
		close(sub.session.ch)
		log.Printf("INFO Observer %s disconnected (total=%d)", sessionID, total)
	}
}

// Subscribe activates a filter for the session: an owner-level subscription
// when agentID is empty, otherwise a single-agent one. Requests for agents
// the session's owner does not hold are silently refused so an unauthorized
// observer cannot probe for agent existence.
func (h *Hub) Subscribe(ctx context.Context, sessionID, agentID string) {
	h.mu.RLock()
	sub, ok := h.subs[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	if agentID == "" {
		h.mu.Lock()
		sub.ownerSub = true
		h.mu.Unlock()
		return
	}

	owner, err := h.resolver.Owner(ctx, agentID)
	if err != nil || owner == nil || *owner != sub.session.OwnerID {
		log.Printf("INFO Refused subscription: session=%s agent=%s", sessionID, agentID)
		return
	}

	h.mu.Lock()
	sub.agents[agentID] = struct{}{}
	h.mu.Unlock()
}

// Unsubscribe drops a filter previously activated with Subscribe.
func (h *Hub) Unsubscribe(sessionID, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[sessionID]
	if !ok {
		return
	}
	if agentID == "" {
		sub.ownerSub = false
		return
	}
	delete(sub.agents, agentID)
}

// Publish delivers an event to every matching subscription. The agent's
// owner is looked up now, not at subscribe time. A full session buffer
// drops the event for that session only; publishing never blocks.
func (h *Hub) Publish(ev models.Event) {
	owner, err := h.resolver.Owner(context.Background(), ev.AgentID)
	if err != nil || owner == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.session.OwnerID != *owner {
			continue
		}
		_, agentSub := sub.agents[ev.AgentID]
		if !sub.ownerSub && !agentSub {
			continue
		}

		select {
		case sub.session.ch <- ev:
		default:
			log.Printf("WARN Dropping event for slow observer %s (type=%s agent=%s)",
				sub.session.ID, ev.Type, ev.AgentID)
		}
	}
}
