// ABOUTME: Scripted provider client for testing generation and streaming
// ABOUTME: Deltas can be released one at a time through a step channel

package provider

import (
	"context"
	"io"
	"sync"
)

// MockClient is a scripted Client for tests.
type MockClient struct {
	Deltas  []string
	Err     error // returned by Next after all deltas
	ChatErr error // returned by Chat

	// Step, when set, gates every delta: Next waits for one receive per delta.
	Step chan struct{}

	mu       sync.Mutex
	requests []ChatRequest
	closes   int
	released int
}

// NewMockClient creates a client that yields deltas then io.EOF.
func NewMockClient(deltas ...string) *MockClient {
	return &MockClient{Deltas: deltas}
}

// Factory returns a factory that always hands out m.
func (m *MockClient) Factory() Factory {
	return func(Config) (Client, error) { return m, nil }
}

func (m *MockClient) Chat(ctx context.Context, req ChatRequest) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.ChatErr != nil {
		return nil, m.ChatErr
	}
	return &mockStream{ctx: ctx, m: m}, nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// Requests returns the requests received so far.
func (m *MockClient) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

// Closes returns how many times Close was called.
func (m *MockClient) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// StreamsClosed returns how many streams were closed.
func (m *MockClient) StreamsClosed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

type mockStream struct {
	ctx context.Context
	m   *MockClient
	pos int
}

func (s *mockStream) Next() (string, error) {
	if s.pos >= len(s.m.Deltas) {
		if s.m.Err != nil {
			return "", s.m.Err
		}
		return "", io.EOF
	}
	if s.m.Step != nil {
		select {
		case <-s.m.Step:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	d := s.m.Deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *mockStream) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.released++
	return nil
}
