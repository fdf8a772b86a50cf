// ABOUTME: Mock DocumentStore implementation for testing
// ABOUTME: Keeps saved documents in memory and can inject save failures

package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MockStore is an in-memory DocumentStore for tests.
type MockStore struct {
	mu      sync.Mutex
	saved   []byte
	saves   int
	SaveErr error // returned by Save when set
	LoadErr error // returned by Load when set
	closed  bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// Seed stores doc as if it had been saved earlier. The save counter is not touched.
func (m *MockStore) Seed(doc *Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved, _ = json.Marshal(doc)
}

// Load returns a copy of the last saved document.
func (m *MockStore) Load(ctx context.Context) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.saved == nil {
		return NewDocument(), nil
	}

	// Round-trip through JSON so callers never share memory with the mock
	var doc Document
	if err := json.Unmarshal(m.saved, &doc); err != nil {
		return nil, err
	}
	return doc.normalize(), nil
}

// Save records the document.
func (m *MockStore) Save(ctx context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.saved = data
	m.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MockStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
