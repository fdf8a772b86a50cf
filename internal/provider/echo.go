// ABOUTME: Offline provider that replies with the last user message, one word per delta
// ABOUTME: Useful for local development and as a deterministic provider in tests

package provider

import (
	"context"
	"io"
	"time"
)

// EchoClient echoes the last user message back.
type EchoClient struct {
	delay time.Duration
}

// NewEchoClient creates an echo client that waits delay between deltas.
func NewEchoClient(delay time.Duration) *EchoClient {
	return &EchoClient{delay: delay}
}

func (c *EchoClient) Chat(ctx context.Context, req ChatRequest) (Stream, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	return &echoStream{ctx: ctx, deltas: splitWords(last), delay: c.delay}, nil
}

func (c *EchoClient) Close() error { return nil }

// splitWords splits text into deltas that concatenate back to text.
func splitWords(text string) []string {
	var out []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i] == ' ' && text[i-1] != ' ' {
			out = append(out, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

type echoStream struct {
	ctx    context.Context
	deltas []string
	delay  time.Duration
	pos    int
}

func (s *echoStream) Next() (string, error) {
	if s.pos >= len(s.deltas) {
		return "", io.EOF
	}
	if s.delay > 0 && s.pos > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-t.C:
		}
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *echoStream) Close() error {
	s.pos = len(s.deltas)
	return nil
}
