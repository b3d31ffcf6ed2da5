// Package llm provides the external reasoning capability used by evaluators
// and the formatter. The capability is treated as opaque, possibly slow, and
// possibly failing: every call takes a context, and callers must degrade
// conservatively when a call errors or times out.
package llm

import "context"

// Client defines the minimal interface components use to call the reasoning
// capability. The handle is injected explicitly; there is no module-level
// singleton.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
