package engine

import "context"

// Engine abstracts the local inference backend. Reply embeddings always go
// through it; completions do when the completion provider is "ollama".
type Engine interface {
	// Chat sends messages to model and returns the assistant text.
	Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error)

	// Embed returns the embedding vector of text.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of the locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the named model is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. onProgress may be nil.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
