// Package commit writes confirmed extractions to a contact store, either the
// local SQLite book or a remote contacts service.
package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tether/internal/capture"
	"github.com/kalambet/tether/internal/extract"
	"github.com/kalambet/tether/internal/storage"
)

// ErrUnknownContact is wrapped when the target contact does not exist.
var ErrUnknownContact = errors.New("target contact does not exist")

// ValidationError is a commit rejected for its content. Retrying the same
// commit will fail the same way.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string     { return "commit rejected: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error     { return e.Err }
func (e *ValidationError) ErrorKind() string { return "validation" }

// Store is the part of storage.Store the local backend uses.
type Store interface {
	GetContact(ctx context.Context, id string) (storage.Contact, error)
	FindContactsByName(ctx context.Context, name string) ([]storage.Contact, error)
	SaveContactInteraction(ctx context.Context, c storage.Contact, create bool, i storage.Interaction) error
}

// Local commits into the SQLite contact book.
type Local struct {
	store Store
	newID func() string
	now   func() time.Time
}

// NewLocal creates a Local backend over store.
func NewLocal(store Store) *Local {
	return &Local{
		store: store,
		newID: func() string { return uuid.New().String() },
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Commit creates a contact when targetContactID is empty, otherwise merges
// the extracted attributes into the existing one. An interaction is always
// appended. Both writes happen in one transaction.
func (l *Local) Commit(ctx context.Context, ext extract.Result, targetContactID string) (capture.CommitResult, error) {
	now := l.now()
	create := targetContactID == ""

	var c storage.Contact
	if create {
		c = storage.Contact{ID: l.newID(), Name: ext.ContactName, CreatedAt: now, UpdatedAt: now}
		attrs, err := json.Marshal(nonNil(ext.Attributes))
		if err != nil {
			return capture.CommitResult{}, err
		}
		c.AttributesJSON = string(attrs)
	} else {
		existing, err := l.store.GetContact(ctx, targetContactID)
		if errors.Is(err, storage.ErrNotFound) {
			return capture.CommitResult{}, &ValidationError{Err: fmt.Errorf("%w: %s", ErrUnknownContact, targetContactID)}
		}
		if err != nil {
			return capture.CommitResult{}, fmt.Errorf("loading contact %s: %w", targetContactID, err)
		}
		merged, err := mergeAttributes(existing.AttributesJSON, ext.Attributes)
		if err != nil {
			return capture.CommitResult{}, fmt.Errorf("merging attributes for %s: %w", targetContactID, err)
		}
		c = existing
		c.AttributesJSON = merged
	}

	tags, err := json.Marshal(nonNilTags(ext.Tags))
	if err != nil {
		return capture.CommitResult{}, err
	}
	ix := storage.Interaction{
		ID:         l.newID(),
		ContactID:  c.ID,
		Summary:    ext.Summary,
		TagsJSON:   string(tags),
		OccurredAt: now,
		CreatedAt:  now,
	}

	if err := l.store.SaveContactInteraction(ctx, c, create, ix); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return capture.CommitResult{}, &ValidationError{Err: fmt.Errorf("%w: %s", ErrUnknownContact, c.ID)}
		}
		return capture.CommitResult{}, fmt.Errorf("saving commit: %w", err)
	}
	return capture.CommitResult{ContactID: c.ID, InteractionID: ix.ID, Created: create}, nil
}

// FindContactsByName implements capture.ContactDirectory.
func (l *Local) FindContactsByName(ctx context.Context, name string) ([]capture.Contact, error) {
	rows, err := l.store.FindContactsByName(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]capture.Contact, len(rows))
	for i, r := range rows {
		out[i] = capture.Contact{ID: r.ID, Name: r.Name}
	}
	return out, nil
}

// mergeAttributes overlays updates onto the stored JSON object. Updated keys
// win.
func mergeAttributes(stored string, updates map[string]string) (string, error) {
	merged := map[string]any{}
	if stored != "" {
		if err := json.Unmarshal([]byte(stored), &merged); err != nil {
			return "", err
		}
	}
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range updates {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilTags(t []string) []string {
	if t == nil {
		return []string{}
	}
	return t
}
