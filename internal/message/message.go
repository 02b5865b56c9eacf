// Package message implements the per-user asynchronous message queue.
// Messages are opaque encrypted payloads; the queue only orders them.
package message

import (
	"context"
	"sync"
	"time"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/event"
)

// Message is one queued payload. Index is 1-based and per recipient.
type Message struct {
	Index     int64
	Sender    apitypes.DeviceID
	Timestamp time.Time
	Body      []byte
}

// Repository stores the per-recipient queues.
type Repository interface {
	// Append adds a message and returns its assigned index.
	Append(ctx context.Context, org apitypes.OrganizationID, recipient apitypes.UserID, m *Message) (int64, error)
	// ListFrom returns the messages with index strictly greater than
	// offset, in order.
	ListFrom(ctx context.Context, org apitypes.OrganizationID, recipient apitypes.UserID, offset int64) ([]Message, error)
}

type queueKey struct {
	org       apitypes.OrganizationID
	recipient apitypes.UserID
}

// MemoryRepository is the in-process store used by tests and the
// single-node development server.
type MemoryRepository struct {
	mu     sync.RWMutex
	queues map[queueKey][]Message
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{queues: make(map[queueKey][]Message)}
}

func (r *MemoryRepository) Append(_ context.Context, org apitypes.OrganizationID, recipient apitypes.UserID, m *Message) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := queueKey{org, recipient}
	cp := *m
	cp.Index = int64(len(r.queues[k])) + 1
	r.queues[k] = append(r.queues[k], cp)
	return cp.Index, nil
}

func (r *MemoryRepository) ListFrom(_ context.Context, org apitypes.OrganizationID, recipient apitypes.UserID, offset int64) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q := r.queues[queueKey{org, recipient}]
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(q)) {
		return nil, nil
	}
	out := make([]Message, len(q)-int(offset))
	copy(out, q[offset:])
	return out, nil
}

// Component is the message queue.
type Component struct {
	repo Repository
	bus  *event.Bus
}

func NewComponent(repo Repository, bus *event.Bus) *Component {
	return &Component{repo: repo, bus: bus}
}

// Send queues a message and signals the recipient.
func (c *Component) Send(ctx context.Context, org apitypes.OrganizationID, sender apitypes.DeviceID, recipient apitypes.UserID, ts time.Time, body []byte) error {
	index, err := c.repo.Append(ctx, org, recipient, &Message{Sender: sender, Timestamp: ts, Body: body})
	if err != nil {
		return err
	}
	c.bus.Publish(event.MessageReceived{
		Organization: org,
		Author:       sender,
		Recipient:    recipient,
		Index:        index,
		Timestamp:    ts,
	})
	return nil
}

// Get returns the recipient's messages with index strictly greater
// than offset.
func (c *Component) Get(ctx context.Context, org apitypes.OrganizationID, recipient apitypes.UserID, offset int64) ([]Message, error) {
	return c.repo.ListFrom(ctx, org, recipient, offset)
}
