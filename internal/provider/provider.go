// Package provider defines the adapter contract between the canonical chat
// shapes and each vendor's native wire format, plus the five concrete
// implementations in its subpackages.
package provider

import (
	"context"

	"github.com/tokenrouter/gateway/internal/domain"
)

// Adapter is implemented once per vendor. Request model names are the bare
// catalog names ("gpt-4o", "claude-sonnet"); adapters apply their alias table
// before hitting the wire and rewrite the response model back to the
// canonical "provider/name" form.
//
// Credentials are resolved per request and passed in; an adapter holds no
// key state of its own. An empty secret yields a domain.AuthError before any
// upstream call.
type Adapter interface {
	Name() string

	ChatCompletion(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error)

	// ChatCompletionStream returns a lazy chunk sequence. Chunks are relayed
	// in upstream order; the chunk channel closing means the stream ended
	// normally. Any error after the first chunk arrives on the error channel
	// and terminates the stream without retry.
	ChatCompletionStream(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (<-chan domain.StreamChunk, <-chan error)

	// ResolveNativeModel maps a catalog model name to the vendor's API model
	// string via a static alias table. Unknown names pass through unchanged.
	ResolveNativeModel(name string) string

	Pricing(name string) domain.TokenPricing

	Models() []domain.ModelInfo
}
