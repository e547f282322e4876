package capture

import (
	"context"
	"strings"
)

// Contact is a directory entry used for matching.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ContactDirectory looks up contacts by exact name under Unicode case
// folding, in a stable order.
type ContactDirectory interface {
	FindContactsByName(ctx context.Context, name string) ([]Contact, error)
}

// NameMatcher picks the first contact whose name equals the extracted name,
// ignoring case. Several matches are flagged Ambiguous so the user can pick
// a different target before confirming.
type NameMatcher struct {
	dir ContactDirectory
}

// NewNameMatcher creates a NameMatcher over dir.
func NewNameMatcher(dir ContactDirectory) *NameMatcher {
	return &NameMatcher{dir: dir}
}

func (m *NameMatcher) FindCandidate(ctx context.Context, name string) (*Candidate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	contacts, err := m.dir.FindContactsByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return &Candidate{
		ContactID: contacts[0].ID,
		Name:      contacts[0].Name,
		Ambiguous: len(contacts) > 1,
		Matches:   len(contacts),
	}, nil
}
