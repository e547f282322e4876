// Package capture turns raw notes into previews the user confirms before
// anything is written to the contact store.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/tether/internal/extract"
	"github.com/kalambet/tether/internal/queue"
)

var (
	// ErrPreviewBusy is returned when a preview is already open or being
	// built. Only one preview exists at a time.
	ErrPreviewBusy = errors.New("a preview is already active")

	// ErrNoPreview is returned when no preview is active.
	ErrNoPreview = errors.New("no active preview")

	// ErrStalePreview is returned when the given preview id is not the
	// active one.
	ErrStalePreview = errors.New("preview is no longer active")
)

// IsValidation reports whether err is a deterministic failure that retrying
// will not fix.
func IsValidation(err error) bool {
	var k interface{ ErrorKind() string }
	return errors.As(err, &k) && k.ErrorKind() == "validation"
}

// Source says where a preview's raw input came from.
type Source string

const (
	SourceLive  Source = "live"
	SourceQueue Source = "queue"
)

// Extractor produces a structured guess from raw input.
type Extractor interface {
	Extract(ctx context.Context, rawInput string) (extract.Result, error)
}

// Candidate is an existing contact an extraction may refer to.
type Candidate struct {
	ContactID string `json:"contact_id"`
	Name      string `json:"name"`
	// Ambiguous is set when more than one contact matched.
	Ambiguous bool `json:"ambiguous,omitempty"`
	Matches   int  `json:"matches"`
}

// CandidateFinder decides which existing contact, if any, a name refers to.
// A nil candidate means the extraction targets a new contact.
type CandidateFinder interface {
	FindCandidate(ctx context.Context, name string) (*Candidate, error)
}

// CommitResult identifies what a commit wrote.
type CommitResult struct {
	ContactID     string `json:"contact_id"`
	InteractionID string `json:"interaction_id"`
	Created       bool   `json:"created"`
}

// Committer durably writes a confirmed extraction. An empty targetContactID
// creates a new contact.
type Committer interface {
	Commit(ctx context.Context, ext extract.Result, targetContactID string) (CommitResult, error)
}

// Queue is the subset of queue.Manager the pipeline uses.
type Queue interface {
	Enqueue(ctx context.Context, rawInput string) (queue.Note, error)
	Remove(ctx context.Context, id string) error
	Discard(ctx context.Context, id string) error
	Transition(ctx context.Context, id string, status queue.Status, errMsg string) (queue.Note, error)
}

// Connectivity reports whether the backend is reachable.
type Connectivity interface {
	Online() bool
}

// Recorder receives commit outcomes for metrics.
type Recorder interface {
	RecordCommit(err error)
}

// Preview is an extraction awaiting user confirmation. It is never persisted.
type Preview struct {
	ID         string         `json:"id"`
	Source     Source         `json:"source"`
	NoteID     string         `json:"note_id,omitempty"`
	RawInput   string         `json:"raw_input"`
	Extraction extract.Result `json:"extraction"`
	Candidate  *Candidate     `json:"candidate,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (p *Preview) clone() *Preview {
	c := *p
	c.Extraction.Attributes = cloneMap(p.Extraction.Attributes)
	c.Extraction.Tags = append([]string(nil), p.Extraction.Tags...)
	if p.Candidate != nil {
		cand := *p.Candidate
		c.Candidate = &cand
	}
	return &c
}

// Edits are user changes applied to a preview on confirm. Nil fields keep
// the extracted value.
type Edits struct {
	ContactName *string `json:"contact_name,omitempty"`
	// TargetContactID overrides the matched candidate. An empty string
	// forces a new contact.
	TargetContactID *string           `json:"target_contact_id,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	Summary         *string           `json:"summary,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
}

// apply returns the extraction and target contact to commit.
func (e Edits) apply(p *Preview) (extract.Result, string) {
	ext := p.Extraction
	target := ""
	if p.Candidate != nil {
		target = p.Candidate.ContactID
	}

	if e.ContactName != nil {
		ext.ContactName = *e.ContactName
	}
	if e.TargetContactID != nil {
		target = *e.TargetContactID
	}
	if e.Attributes != nil {
		ext.Attributes = cloneMap(e.Attributes)
	}
	if e.Summary != nil {
		ext.Summary = *e.Summary
	}
	if e.Tags != nil {
		ext.Tags = append([]string(nil), e.Tags...)
	}
	return ext, target
}

// CaptureResult is what a live capture produced: either an open preview or
// a queued note with a notice explaining why.
type CaptureResult struct {
	Preview *Preview    `json:"preview,omitempty"`
	Note    *queue.Note `json:"note,omitempty"`
	Notice  string      `json:"notice,omitempty"`
}

// Outcome is how a preview was closed.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDiscarded Outcome = "discarded"
)

// Completion is passed to OnComplete hooks when a preview closes.
type Completion struct {
	PreviewID string
	Outcome   Outcome
	Source    Source
	NoteID    string
}

// Queued reports whether the capture was deferred to the queue.
func (r CaptureResult) Queued() bool { return r.Note != nil }

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
