package commit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/tether/internal/capture"
	"github.com/kalambet/tether/internal/extract"
)

// fakeBackend is an in-memory contacts service.
type fakeBackend struct {
	mu           sync.Mutex
	contacts     map[string]contactPayload
	interactions map[string][]interactionPayload
	auth         []string
	failNext     int
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	b := &fakeBackend{
		contacts:     map[string]contactPayload{"c1": {ID: "c1", Name: "Sam", Attributes: map[string]string{"city": "Lisbon"}}},
		interactions: map[string][]interactionPayload{},
	}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			b.mu.Lock()
			b.auth = append(b.auth, req.Header.Get("Authorization"))
			fail := b.failNext
			if fail > 0 {
				b.failNext = 0
			}
			b.mu.Unlock()
			if fail > 0 {
				http.Error(w, "unavailable", fail)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/contacts", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		out := []contactPayload{}
		for _, c := range b.contacts {
			if c.Name == req.URL.Query().Get("name") {
				out = append(out, c)
			}
		}
		json.NewEncoder(w).Encode(out)
	})
	r.Post("/contacts", func(w http.ResponseWriter, req *http.Request) {
		var c contactPayload
		json.NewDecoder(req.Body).Decode(&c)
		b.mu.Lock()
		c.ID = "c" + string(rune('0'+len(b.contacts)+1))
		b.contacts[c.ID] = c
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(c)
	})
	r.Patch("/contacts/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		var patch contactPayload
		json.NewDecoder(req.Body).Decode(&patch)
		b.mu.Lock()
		defer b.mu.Unlock()
		c, ok := b.contacts[id]
		if !ok {
			http.NotFound(w, req)
			return
		}
		for k, v := range patch.Attributes {
			c.Attributes[k] = v
		}
		b.contacts[id] = c
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/contacts/{id}/interactions", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		var ix interactionPayload
		json.NewDecoder(req.Body).Decode(&ix)
		b.mu.Lock()
		ix.ID = id + "-ix" + string(rune('0'+len(b.interactions[id])+1))
		b.interactions[id] = append(b.interactions[id], ix)
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(ix)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return b, srv
}

func TestRemote_CreateContact(t *testing.T) {
	b, srv := newFakeBackend(t)
	r := NewRemote(srv.URL+"/", "secret")

	res, err := r.Commit(ctx, extract.Result{
		ContactName: "Priya",
		Attributes:  map[string]string{"city": "Porto"},
		Summary:     "Dinner.",
	}, "")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "c2", res.ContactID)
	assert.Equal(t, "c2-ix1", res.InteractionID)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, "Priya", b.contacts["c2"].Name)
	require.Len(t, b.interactions["c2"], 1)
	assert.Equal(t, []string{}, b.interactions["c2"][0].Tags)
	assert.WithinDuration(t, time.Now(), b.interactions["c2"][0].OccurredAt, time.Minute)
	for _, h := range b.auth {
		assert.Equal(t, "Bearer secret", h)
	}
}

func TestRemote_PatchExistingContact(t *testing.T) {
	b, srv := newFakeBackend(t)
	r := NewRemote(srv.URL, "")

	res, err := r.Commit(ctx, extract.Result{
		ContactName: "Sam",
		Attributes:  map[string]string{"employer": "Stripe"},
		Summary:     "Coffee.",
		Tags:        []string{"coffee"},
	}, "c1")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "c1", res.ContactID)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, map[string]string{"city": "Lisbon", "employer": "Stripe"}, b.contacts["c1"].Attributes)
	assert.Equal(t, []string{"coffee"}, b.interactions["c1"][0].Tags)
	assert.Empty(t, b.auth[0], "no bearer without api key")
}

func TestRemote_UnknownTargetIsValidation(t *testing.T) {
	_, srv := newFakeBackend(t)
	r := NewRemote(srv.URL, "")

	_, err := r.Commit(ctx, extract.Result{ContactName: "X", Attributes: map[string]string{"a": "b"}}, "ghost")
	require.Error(t, err)
	assert.True(t, capture.IsValidation(err))
	assert.ErrorIs(t, err, ErrUnknownContact)
}

func TestRemote_ServerErrorIsTransient(t *testing.T) {
	b, srv := newFakeBackend(t)
	b.failNext = http.StatusServiceUnavailable
	r := NewRemote(srv.URL, "")

	_, err := r.Commit(ctx, extract.Result{ContactName: "Priya"}, "")
	require.Error(t, err)
	assert.False(t, capture.IsValidation(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "transient", se.ErrorKind())
}

func TestRemote_FindContactsByName(t *testing.T) {
	_, srv := newFakeBackend(t)
	r := NewRemote(srv.URL, "")

	found, err := r.FindContactsByName(ctx, "Sam")
	require.NoError(t, err)
	assert.Equal(t, []capture.Contact{{ID: "c1", Name: "Sam"}}, found)

	none, err := r.FindContactsByName(ctx, "Nobody Here")
	require.NoError(t, err)
	assert.Empty(t, none)
}
