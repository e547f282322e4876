package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tether/internal/extract"
	"github.com/kalambet/tether/internal/queue"
)

const (
	defaultExtractTimeout = 60 * time.Second
	defaultCommitTimeout  = 15 * time.Second
)

// Pipeline holds the single active preview and moves it through confirm,
// cancel or discard.
type Pipeline struct {
	extractor Extractor
	finder    CandidateFinder
	committer Committer
	queue     Queue
	conn      Connectivity

	extractTimeout time.Duration
	commitTimeout  time.Duration
	now            func() time.Time
	newID          func() string
	recorder       Recorder
	logger         *slog.Logger

	mu sync.Mutex
	// active is the open preview. building and committing cover the
	// windows where extraction or commit calls are in flight.
	active     *Preview
	building   bool
	committing bool
	onComplete []func(Completion)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExtractTimeout bounds each extraction call.
func WithExtractTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.extractTimeout = d }
}

// WithCommitTimeout bounds each commit call.
func WithCommitTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.commitTimeout = d }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock overrides the preview timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(ext Extractor, finder CandidateFinder, committer Committer, q Queue, conn Connectivity, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor:      ext,
		finder:         finder,
		committer:      committer,
		queue:          q,
		conn:           conn,
		extractTimeout: defaultExtractTimeout,
		commitTimeout:  defaultCommitTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.New().String() },
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnComplete registers fn to run after a preview is confirmed, cancelled or
// discarded. Hooks run synchronously and must not block.
func (p *Pipeline) OnComplete(fn func(Completion)) {
	p.mu.Lock()
	p.onComplete = append(p.onComplete, fn)
	p.mu.Unlock()
}

// Active returns a copy of the active preview, or nil.
func (p *Pipeline) Active() *Preview {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return nil
	}
	return p.active.clone()
}

// Busy reports whether a preview is open or being built.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil || p.building
}

// Preview extracts rawInput, matches it against existing contacts and
// installs the result as the active preview. Extraction and matching errors
// are returned unchanged in kind; callers use IsValidation to decide
// whether to retry.
func (p *Pipeline) Preview(ctx context.Context, rawInput string, source Source, noteID string) (*Preview, error) {
	p.mu.Lock()
	if p.active != nil || p.building {
		p.mu.Unlock()
		return nil, ErrPreviewBusy
	}
	p.building = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.building = false
		p.mu.Unlock()
	}()

	// Extraction and matching share one deadline.
	pctx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	defer cancel()

	res, err := p.extractor.Extract(pctx, rawInput)
	if err != nil {
		return nil, fmt.Errorf("extracting note: %w", err)
	}

	cand, err := p.finder.FindCandidate(pctx, res.ContactName)
	if err != nil {
		return nil, fmt.Errorf("matching contact %q: %w", res.ContactName, err)
	}

	pv := &Preview{
		ID:         p.newID(),
		Source:     source,
		NoteID:     noteID,
		RawInput:   rawInput,
		Extraction: res,
		Candidate:  cand,
		CreatedAt:  p.now(),
	}

	p.mu.Lock()
	p.active = pv
	p.mu.Unlock()

	p.logger.Info("preview ready", "preview_id", pv.ID, "source", source, "note_id", noteID, "contact", res.ContactName, "matched", cand != nil)
	return pv.clone(), nil
}

// claim checks previewID against the active preview and marks it as being
// committed or closed. Called without mu held.
func (p *Pipeline) claim(previewID string) (*Preview, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return nil, ErrNoPreview
	}
	if p.active.ID != previewID {
		return nil, ErrStalePreview
	}
	if p.committing {
		return nil, ErrPreviewBusy
	}
	p.committing = true
	return p.active, nil
}

// release ends a claim. A non-empty outcome drops the active preview and
// runs the completion hooks.
func (p *Pipeline) release(pv *Preview, outcome Outcome) {
	p.mu.Lock()
	p.committing = false
	var hooks []func(Completion)
	if outcome != "" {
		p.active = nil
		hooks = append(hooks, p.onComplete...)
	}
	p.mu.Unlock()

	c := Completion{PreviewID: pv.ID, Outcome: outcome, Source: pv.Source, NoteID: pv.NoteID}
	for _, fn := range hooks {
		fn(c)
	}
}

// Confirm commits the active preview with edits applied. On success a
// queue-sourced note is removed and the preview closes. On failure the
// preview stays open and the note is left as it is.
func (p *Pipeline) Confirm(ctx context.Context, previewID string, edits Edits) (CommitResult, error) {
	pv, err := p.claim(previewID)
	if err != nil {
		return CommitResult{}, err
	}

	ext, target := edits.apply(pv)
	ext.ContactName = strings.TrimSpace(ext.ContactName)
	if ext.ContactName == "" {
		p.release(pv, "")
		return CommitResult{}, &extract.ValidationError{Err: extract.ErrNoSubject}
	}

	cctx, cancel := context.WithTimeout(ctx, p.commitTimeout)
	res, err := p.committer.Commit(cctx, ext, target)
	cancel()
	if p.recorder != nil {
		p.recorder.RecordCommit(err)
	}
	if err != nil {
		p.release(pv, "")
		p.logger.Warn("commit failed", "preview_id", previewID, "note_id", pv.NoteID, "error", err)
		return CommitResult{}, fmt.Errorf("committing preview: %w", err)
	}

	if pv.Source == SourceQueue && pv.NoteID != "" {
		p.removeCommitted(ctx, pv.NoteID)
	}
	p.release(pv, OutcomeConfirmed)

	p.logger.Info("preview committed", "preview_id", previewID, "contact_id", res.ContactID, "created", res.Created)
	return res, nil
}

// removeCommitted deletes a note whose extraction was just committed. The
// write already happened, so the delete outlives the caller's context and is
// tried twice; a note left behind would be committed again after Recover.
func (p *Pipeline) removeCommitted(ctx context.Context, noteID string) {
	rctx := context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = p.queue.Remove(rctx, noteID); err == nil {
			return
		}
	}
	p.logger.Error("committed note could not be removed from queue", "note_id", noteID, "error", err)
}

// Cancel closes the active preview without committing. A queue-sourced note
// goes back to pending so it is drained again later. If the note cannot be
// restored the preview stays open so the cancel can be repeated.
func (p *Pipeline) Cancel(ctx context.Context, previewID string) error {
	pv, err := p.claim(previewID)
	if err != nil {
		return err
	}

	if pv.Source == SourceQueue && pv.NoteID != "" {
		_, err := p.queue.Transition(context.WithoutCancel(ctx), pv.NoteID, queue.StatusPending, "")
		if err != nil && !errors.Is(err, queue.ErrNotFound) {
			p.release(pv, "")
			p.logger.Error("failed to return cancelled note to pending", "note_id", pv.NoteID, "error", err)
			return fmt.Errorf("restoring note %s: %w", pv.NoteID, err)
		}
	}
	p.release(pv, OutcomeCancelled)
	return nil
}

// Discard closes the active preview and deletes its queued note for good.
// For a live preview it is the same as Cancel.
func (p *Pipeline) Discard(ctx context.Context, previewID string) error {
	pv, err := p.claim(previewID)
	if err != nil {
		return err
	}

	if pv.Source == SourceQueue && pv.NoteID != "" {
		err := p.queue.Discard(context.WithoutCancel(ctx), pv.NoteID)
		if err != nil && !errors.Is(err, queue.ErrNotFound) {
			p.release(pv, "")
			return fmt.Errorf("discarding note %s: %w", pv.NoteID, err)
		}
	}
	p.release(pv, OutcomeDiscarded)
	return nil
}

// Capture is the live entry point. Offline, or while another preview is
// open, the note is queued. Online it is previewed; a transient preview
// failure queues the note with a notice, a validation failure is returned
// and nothing is queued.
func (p *Pipeline) Capture(ctx context.Context, rawInput string) (CaptureResult, error) {
	if strings.TrimSpace(rawInput) == "" {
		return CaptureResult{}, queue.ErrEmptyInput
	}

	if !p.conn.Online() {
		return p.enqueue(ctx, rawInput, "offline: note queued and will be processed when back online")
	}

	pv, err := p.Preview(ctx, rawInput, SourceLive, "")
	switch {
	case err == nil:
		return CaptureResult{Preview: pv}, nil
	case errors.Is(err, ErrPreviewBusy):
		return p.enqueue(ctx, rawInput, "another preview is open: note queued")
	case IsValidation(err):
		return CaptureResult{}, err
	case ctx.Err() != nil:
		return CaptureResult{}, ctx.Err()
	default:
		p.logger.Warn("live preview failed, queueing note", "error", err)
		return p.enqueue(ctx, rawInput, fmt.Sprintf("extraction unavailable (%v): note queued for retry", err))
	}
}

func (p *Pipeline) enqueue(ctx context.Context, rawInput, notice string) (CaptureResult, error) {
	n, err := p.queue.Enqueue(ctx, rawInput)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("queueing note: %w", err)
	}
	return CaptureResult{Note: &n, Notice: notice}, nil
}
