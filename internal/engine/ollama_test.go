package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	var r struct {
		Models []entry `json:"models"`
	}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

var _ Engine = (*OllamaEngine)(nil)

func TestObject_RequiresNonOptionalFields(t *testing.T) {
	s := Object(
		String("name", "Who"),
		StringList("tags", "Labels"),
		Field{Name: "note", Property: SchemaProperty{Type: "string"}, Optional: true},
	)
	assert.Equal(t, "object", s.Type)
	assert.Equal(t, []string{"name", "tags"}, s.Required)
	require.Contains(t, s.Properties, "note")
	assert.Equal(t, &SchemaProperty{Type: "string"}, s.Properties["tags"].Items)
}

func TestPullProgress_Percent(t *testing.T) {
	assert.Equal(t, 50.0, PullProgress{Total: 10, Completed: 5}.Percent())
	assert.Equal(t, 100.0, PullProgress{Total: 10, Completed: 12}.Percent())
	assert.Equal(t, -1.0, PullProgress{Status: "verifying"}.Percent())
}

func TestOllamaEngine_ChatForwardsNestedSchema(t *testing.T) {
	var format map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Format map[string]any `json:"format"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		format = req.Format
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "hello from ollama"},
		})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	result, err := e.Chat(context.Background(), "llama3.2", []Message{UserMessage("hi")}, Object(StringList("tags", "")))
	require.NoError(t, err)
	assert.Equal(t, "hello from ollama", result)

	tags := format["properties"].(map[string]any)["tags"].(map[string]any)
	assert.Equal(t, "array", tags["type"])
	assert.Equal(t, map[string]any{"type": "string"}, tags["items"])
}

func TestOllamaEngine_IsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest"))
	}))
	defer srv.Close()

	assert.True(t, NewOllamaEngine(srv.URL).IsRunning(context.Background()))

	srv.Close()
	assert.False(t, NewOllamaEngine(srv.URL).IsRunning(context.Background()))
}

func TestOllamaEngine_HasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest", "mistral-nemo:latest"))
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	assert.True(t, e.HasModel(context.Background(), "llama3.2"))
	assert.False(t, e.HasModel(context.Background(), "llama3"))
}

func TestOllamaEngine_PullModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"status": "downloading", "total": 1000, "completed": 500})
		enc.Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	var got []PullProgress
	err := NewOllamaEngine(srv.URL).PullModel(context.Background(), "llama3.2", func(p PullProgress) {
		got = append(got, p)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(500), got[0].Completed)
}
