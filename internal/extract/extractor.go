// Package extract turns a raw note into a structured guess about a contact
// and an interaction using the local inference engine.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kalambet/tether/internal/engine"
)

// Chatter is the subset of engine.Engine the extractor needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Result is the structured extraction of one note.
type Result struct {
	ContactName string            `json:"contact_name"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Summary     string            `json:"summary"`
	Tags        []string          `json:"tags,omitempty"`
}

// ErrNoSubject is wrapped by the validation error returned when the model
// could not identify who the note is about.
var ErrNoSubject = errors.New("no identifiable contact in note")

// ValidationError is a deterministic extraction failure. Retrying the same
// input will not change the outcome.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "extraction: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// ErrorKind classifies the error for callers that decide between retrying
// and surfacing.
func (e *ValidationError) ErrorKind() string { return "validation" }

// Extractor calls the local model with a fixed JSON schema.
type Extractor struct {
	client Chatter
	model  string
	logger *slog.Logger
}

// NewExtractor creates an Extractor using the given client and model name.
func NewExtractor(client Chatter, model string) *Extractor {
	return &Extractor{client: client, model: model, logger: slog.Default()}
}

// Extract returns the structured result for rawInput. Transport failures and
// malformed model output are returned as plain errors; a result without a
// contact name is a *ValidationError. The caller bounds the call with ctx.
func (e *Extractor) Extract(ctx context.Context, rawInput string) (Result, error) {
	if strings.TrimSpace(rawInput) == "" {
		return Result{}, &ValidationError{Err: errors.New("empty note")}
	}

	raw, err := e.client.Chat(ctx, e.model, BuildPrompt(rawInput), resultSchema())
	if err != nil {
		return Result{}, fmt.Errorf("extraction chat: %w", err)
	}

	var wire struct {
		ContactName string         `json:"contact_name"`
		Attributes  map[string]any `json:"attributes"`
		Summary     string         `json:"summary"`
		Tags        []string       `json:"tags"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		e.logger.Warn("failed to unmarshal extraction from LLM response", "error", err, "response", raw)
		return Result{}, fmt.Errorf("decoding extraction: %w", err)
	}

	res := Result{
		ContactName: strings.TrimSpace(wire.ContactName),
		Attributes:  normalizeAttributes(wire.Attributes),
		Summary:     strings.TrimSpace(wire.Summary),
		Tags:        normalizeTags(wire.Tags),
	}
	if res.ContactName == "" {
		return Result{}, &ValidationError{Err: ErrNoSubject}
	}
	return res, nil
}

// normalizeAttributes flattens model output to strings and drops empty values.
func normalizeAttributes(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimSpace(k)
		if k == "" || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s == "" {
			continue
		}
		out[k] = s
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeTags lowercases, dedupes and sorts tags.
func normalizeTags(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func resultSchema() *engine.Schema {
	return engine.Object(
		engine.String("contact_name", "Full name of the person the note is about"),
		engine.StringMap("attributes", "Durable facts about the person, e.g. city, employer, birthday"),
		engine.String("summary", "One sentence describing the interaction"),
		engine.StringList("tags", "Short classification tags"),
	)
}
