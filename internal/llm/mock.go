package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock is a deterministic Client for tests and offline runs. Responses can
// be canned per prompt substring; unmatched prompts get Default.
type Mock struct {
	mu        sync.Mutex
	Responses map[string]string // prompt substring -> response
	Default   string
	Err       error         // returned from every call when set
	Delay     time.Duration // simulated latency, honored against ctx
	calls     []string
}

// Complete implements Client.
func (m *Mock) Complete(ctx context.Context, prompt string) (string, error) {
	return m.respond(ctx, prompt)
}

// CompleteWithSystem implements Client.
func (m *Mock) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.respond(ctx, userPrompt)
}

func (m *Mock) respond(ctx context.Context, prompt string) (string, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, prompt)

	if m.Err != nil {
		return "", m.Err
	}
	for substr, resp := range m.Responses {
		if substr != "" && strings.Contains(prompt, substr) {
			return resp, nil
		}
	}
	if m.Default != "" {
		return m.Default, nil
	}
	return "ok", nil
}

// Calls returns a copy of every prompt seen so far.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}
