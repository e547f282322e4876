// Package engine wraps the local model that turns a free-text note into a
// structured contact update.
package engine

import "context"

// Chatter answers a chat request. A non-nil schema asks for a single JSON
// object matching it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []Message, schema *Schema) (string, error)
}

// Models checks for and fetches the extraction model.
type Models interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Engine is everything the daemon needs from the local backend: extraction
// chats plus the startup model check.
type Engine interface {
	Chatter
	Models
}
