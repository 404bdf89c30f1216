package persist

import (
	"context"
	"sync"
)

// MemoryTable keeps documents in process memory. It is the default backend for
// tests and for callers that bring their own durability.
type MemoryTable struct {
	mu     sync.RWMutex
	name   string
	order  []string
	docs   map[string]Document
	closed bool
}

// NewMemoryTable creates an empty in-memory table
func NewMemoryTable(name string) (*MemoryTable, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	return &MemoryTable{
		name: name,
		docs: make(map[string]Document),
	}, nil
}

func (m *MemoryTable) Name() string {
	return m.name
}

func (m *MemoryTable) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrTableClosed
	}
	return len(m.order), nil
}

func (m *MemoryTable) Add(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored, key, err := prepareDocument(doc)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrTableClosed
	}
	if _, exists := m.docs[key]; exists {
		return "", ErrDuplicateKey
	}
	m.docs[key] = stored
	m.order = append(m.order, key)
	return key, nil
}

func (m *MemoryTable) Get(ctx context.Context, key string) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrTableClosed
	}
	doc, ok := m.docs[key]
	if !ok {
		return nil, false, nil
	}
	return shallowCopy(doc), true, nil
}

func (m *MemoryTable) ToArray(ctx context.Context) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrTableClosed
	}
	out := make([]Document, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, shallowCopy(m.docs[key]))
	}
	return out, nil
}

func (m *MemoryTable) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.docs = nil
	m.order = nil
	return nil
}

func shallowCopy(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
