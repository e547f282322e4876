package commit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/tether/internal/capture"
	"github.com/kalambet/tether/internal/extract"
	"github.com/kalambet/tether/internal/storage"
)

var ctx = context.Background()

func newLocal(t *testing.T) (*Local, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewLocal(s), s
}

func TestLocal_CreatesContactAndInteraction(t *testing.T) {
	l, s := newLocal(t)

	res, err := l.Commit(ctx, extract.Result{
		ContactName: "Priya Shah",
		Attributes:  map[string]string{"city": "Porto"},
		Summary:     "Had dinner.",
		Tags:        []string{"dinner"},
	}, "")
	require.NoError(t, err)
	assert.True(t, res.Created)

	c, err := s.GetContact(ctx, res.ContactID)
	require.NoError(t, err)
	assert.Equal(t, "Priya Shah", c.Name)
	assert.JSONEq(t, `{"city":"Porto"}`, c.AttributesJSON)

	ixs, err := s.ListInteractions(ctx, res.ContactID, 10)
	require.NoError(t, err)
	require.Len(t, ixs, 1)
	assert.Equal(t, res.InteractionID, ixs[0].ID)
	assert.Equal(t, "Had dinner.", ixs[0].Summary)
	assert.JSONEq(t, `["dinner"]`, ixs[0].TagsJSON)
}

func TestLocal_MergesIntoExistingContact(t *testing.T) {
	l, s := newLocal(t)
	require.NoError(t, s.CreateContact(ctx, storage.Contact{
		ID: "c1", Name: "Sam", AttributesJSON: `{"city":"Lisbon","employer":"Acme"}`,
	}))

	res, err := l.Commit(ctx, extract.Result{
		ContactName: "Sam",
		Attributes:  map[string]string{"employer": "Stripe"},
		Summary:     "Coffee.",
	}, "c1")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "c1", res.ContactID)

	c, err := s.GetContact(ctx, "c1")
	require.NoError(t, err)
	var attrs map[string]string
	require.NoError(t, json.Unmarshal([]byte(c.AttributesJSON), &attrs))
	assert.Equal(t, map[string]string{"city": "Lisbon", "employer": "Stripe"}, attrs)

	ixs, err := s.ListInteractions(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Len(t, ixs, 1)
}

func TestLocal_UnknownTargetIsValidation(t *testing.T) {
	l, _ := newLocal(t)

	_, err := l.Commit(ctx, extract.Result{ContactName: "Sam"}, "ghost")
	require.Error(t, err)
	assert.True(t, capture.IsValidation(err))
	assert.True(t, errors.Is(err, ErrUnknownContact))
}

func TestLocal_DirectoryFeedsNameMatcher(t *testing.T) {
	l, s := newLocal(t)
	require.NoError(t, s.CreateContact(ctx, storage.Contact{ID: "c1", Name: "Sam Rivera"}))

	cand, err := capture.NewNameMatcher(l).FindCandidate(ctx, "sam rivera")
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, "c1", cand.ContactID)
}

func TestMergeAttributes_NullStored(t *testing.T) {
	got, err := mergeAttributes("null", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, got)
}
