package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
	chatErr   error
	chats     int
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []Message, _ *Schema) (string, error) {
	m.chats++
	return "pong", m.chatErr
}
func (m *mockEngine) IsRunning(_ context.Context) bool             { return m.isRunning }
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "downloading", Total: 10, Completed: 5})
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_ModelPresent(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{"llama3.2": true}}

	require.NoError(t, EnsureReady(context.Background(), m, "llama3.2", io.Discard))
	assert.Empty(t, m.pulled)
	assert.Equal(t, 1, m.chats, "model should be warmed")
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{}}
	var out bytes.Buffer

	require.NoError(t, EnsureReady(context.Background(), m, "llama3.2", &out))
	assert.Equal(t, []string{"llama3.2"}, m.pulled)
	assert.Contains(t, out.String(), "downloading 50%")
}

func TestEnsureReady_WarmupFailureIsNotFatal(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{"llama3.2": true}, chatErr: errors.New("cold")}
	var out bytes.Buffer

	require.NoError(t, EnsureReady(context.Background(), m, "llama3.2", &out))
	assert.Contains(t, out.String(), "warm-up failed")
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false}
	assert.Error(t, EnsureReady(context.Background(), m, "llama3.2", io.Discard))
}
