package engine

import (
	"context"

	"github.com/kalambet/tether/internal/ollama"
)

// OllamaEngine runs extraction against a local Ollama server.
type OllamaEngine struct {
	client *ollama.Client
}

func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, schema *Schema) (string, error) {
	return e.client.Chat(ctx, model, ollamaMessages(messages), ollamaSchema(schema))
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	if onProgress == nil {
		return e.client.PullModel(ctx, name, nil)
	}
	return e.client.PullModel(ctx, name, func(p ollama.PullProgress) {
		onProgress(PullProgress(p))
	})
}

func ollamaMessages(in []Message) []ollama.Message {
	out := make([]ollama.Message, len(in))
	for i, m := range in {
		out[i] = ollama.Message(m)
	}
	return out
}

func ollamaSchema(s *Schema) *ollama.Schema {
	if s == nil {
		return nil
	}
	out := &ollama.Schema{Type: s.Type, Required: s.Required}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]ollama.SchemaProperty, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = ollamaProperty(p)
		}
	}
	return out
}

func ollamaProperty(p SchemaProperty) ollama.SchemaProperty {
	out := ollama.SchemaProperty{Type: p.Type, Description: p.Description}
	if p.Items != nil {
		items := ollamaProperty(*p.Items)
		out.Items = &items
	}
	return out
}
