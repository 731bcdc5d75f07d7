package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetwatch-backend/internal/models"
)

// ErrQueueFull is returned when an agent's backlog hits the depth cap.
var ErrQueueFull = errors.New("command queue full")

// Queue is a per-agent FIFO of pending commands. DequeueOne must hand each
// command to exactly one caller even under concurrent polls; it returns
// (nil, nil) immediately when the queue is empty.
type Queue interface {
	Enqueue(ctx context.Context, cmd models.Command) (string, error)
	DequeueOne(ctx context.Context, agentID string) (*models.Command, error)
}

// Memory is an in-process Queue with one lock per agent so a burst on one
// agent's queue never blocks another agent's poll.
type Memory struct {
	depth int

	mu     sync.RWMutex
	queues map[string]*agentQueue
}

type agentQueue struct {
	mu    sync.Mutex
	items []models.Command
}

func NewMemory(depth int) *Memory {
	return &Memory{
		depth:  depth,
		queues: make(map[string]*agentQueue),
	}
}

func (m *Memory) Enqueue(ctx context.Context, cmd models.Command) (string, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now()
	}

	q := m.queueFor(cmd.AgentID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if m.depth > 0 && len(q.items) >= m.depth {
		return "", ErrQueueFull
	}
	q.items = append(q.items, cmd)
	return cmd.ID, nil
}

func (m *Memory) DequeueOne(ctx context.Context, agentID string) (*models.Command, error) {
	q := m.queueFor(agentID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, nil
	}
	cmd := q.items[0]
	q.items = q.items[1:]
	return &cmd, nil
}

func (m *Memory) queueFor(agentID string) *agentQueue {
	m.mu.RLock()
	q, ok := m.queues[agentID]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[agentID]; ok {
		return q
	}
	q = &agentQueue{}
	m.queues[agentID] = q
	return q
}
