// Package ledger remembers which commands this agent has executed and whether
// their result reached the control plane, so a redelivered command is never
// executed twice and an undelivered result can be sent again.
package ledger

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Entry is one executed command and the result owed to the control plane.
type Entry struct {
	CommandID    string
	CommandType  string
	Outcome      string
	Status       string
	Result       json.RawMessage
	ErrorMessage string
	// Reported is set once the result was delivered over WS or HTTP.
	Reported   bool
	RecordedAt time.Time
}

// Ledger records executed commands.
type Ledger interface {
	// Lookup returns the entry for commandID, or nil when it is unknown.
	Lookup(ctx context.Context, commandID string) (*Entry, error)
	Record(ctx context.Context, entry Entry) error
	Close() error
}

// DefaultMemoryCapacity bounds the in-memory ledger.
const DefaultMemoryCapacity = 2048

// Memory is a bounded in-process ledger. The oldest ids are forgotten first.
type Memory struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewMemory returns a Memory ledger holding at most capacity ids.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (m *Memory) Lookup(_ context.Context, commandID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.index[commandID]
	if !ok {
		return nil, nil
	}
	entry := el.Value.(Entry)
	return &entry, nil
}

func (m *Memory) Record(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.index[entry.CommandID]; ok {
		el.Value = entry
		m.order.MoveToFront(el)
		return nil
	}
	m.index[entry.CommandID] = m.order.PushFront(entry)
	for m.order.Len() > m.capacity {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.index, oldest.Value.(Entry).CommandID)
	}
	return nil
}

// Len returns the number of remembered ids.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) Close() error { return nil }
