package extract

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/tether/internal/engine"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	response string
	err      error
	delay    time.Duration
	calls    int
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error) {
	m.calls++
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func TestExtract_FullResult(t *testing.T) {
	mock := &mockChatter{
		response: `{"contact_name":" Priya Shah ","attributes":{"city":"Porto","kids":2,"pet":""},"summary":"Had dinner.","tags":["Dinner","catch-up","dinner"]}`,
	}
	got, err := NewExtractor(mock, "llama3.2").Extract(context.Background(), "Dinner with Priya, she moved to Porto")
	require.NoError(t, err)

	assert.Equal(t, Result{
		ContactName: "Priya Shah",
		Attributes:  map[string]string{"city": "Porto", "kids": "2"},
		Summary:     "Had dinner.",
		Tags:        []string{"catch-up", "dinner"},
	}, got)
}

func TestExtract_NoSubjectIsValidationError(t *testing.T) {
	mock := &mockChatter{response: `{"contact_name":"","attributes":{},"summary":"Went running.","tags":[]}`}
	_, err := NewExtractor(mock, "llama3.2").Extract(context.Background(), "went for a run")

	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "err = %v, want *ValidationError", err)
	assert.Equal(t, "validation", verr.ErrorKind())
	assert.ErrorIs(t, err, ErrNoSubject)
}

func TestExtract_EmptyInputIsValidationError(t *testing.T) {
	mock := &mockChatter{}
	_, err := NewExtractor(mock, "llama3.2").Extract(context.Background(), "  ")

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Zero(t, mock.calls, "model must not be called for empty input")
}

func TestExtract_MalformedJSONIsTransient(t *testing.T) {
	mock := &mockChatter{response: `not valid json {{{`}
	_, err := NewExtractor(mock, "llama3.2").Extract(context.Background(), "coffee with Sam")

	require.Error(t, err)
	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
}

func TestExtract_EngineDown(t *testing.T) {
	mock := &mockChatter{err: fmt.Errorf("connection refused")}
	_, err := NewExtractor(mock, "llama3.2").Extract(context.Background(), "coffee with Sam")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestExtract_HonorsContextDeadline(t *testing.T) {
	mock := &mockChatter{response: `{"contact_name":"Sam"}`, delay: 5 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewExtractor(mock, "llama3.2").Extract(ctx, "coffee with Sam")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBuildPrompt(t *testing.T) {
	messages := BuildPrompt("coffee with Sam")

	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Role)
	assert.Contains(t, messages[0].Content, "contact_name")
	assert.Equal(t, engine.Message{Role: "user", Content: "coffee with Sam"}, messages[1])
}
