package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tether/internal/storage"
)

// Store is the durable backing store for queued notes. Implemented by
// storage.Store.
type Store interface {
	PutNote(ctx context.Context, n storage.QueuedNote) error
	GetNote(ctx context.Context, id string) (storage.QueuedNote, error)
	ListNotes(ctx context.Context) ([]storage.QueuedNote, error)
	ListNotesByStatus(ctx context.Context, status string) ([]storage.QueuedNote, error)
	DeleteNote(ctx context.Context, id string) (bool, error)
	ClearNotes(ctx context.Context) error
	ResetProcessingNotes(ctx context.Context) (int64, error)
	CountNotesByStatus(ctx context.Context) (map[string]int, error)
}

// Recorder receives queue events for metrics. All methods must be cheap.
type Recorder interface {
	RecordEnqueue()
	RecordTransition(to string)
	RecordRemove(reason string)
	RecordDepth(counts map[string]int)
}

type nopRecorder struct{}

func (nopRecorder) RecordEnqueue()             {}
func (nopRecorder) RecordTransition(string)    {}
func (nopRecorder) RecordRemove(string)        {}
func (nopRecorder) RecordDepth(map[string]int) {}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Remove reasons reported to the Recorder.
const (
	RemoveCommitted = "committed"
	RemoveDiscarded = "discarded"
)

// Manager owns every mutation of the capture queue. Construct one per
// process and share it; all status changes go through Transition so the
// note invariants are enforced in one place.
type Manager struct {
	store    Store
	clock    Clock
	newID    func() string
	recorder Recorder
	logger   *slog.Logger

	mu           sync.Mutex
	count        int
	lastEnqueued time.Time
	subs         []chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIDGenerator overrides note id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager over store. The in-memory count starts at zero;
// call Recover once at startup to repair stale state and load the count.
func New(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		clock:    realClock{},
		newID:    func() string { return uuid.New().String() },
		recorder: nopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Recover is the startup reconciliation step. A note found in processing
// belonged to a process that died mid-drain; it is returned to pending
// without touching its retry count. Recover then loads the queue size.
func (m *Manager) Recover(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reset, err := m.store.ResetProcessingNotes(ctx)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		m.logger.Info("recovered notes left in processing", "count", reset)
	}

	notes, err := m.store.ListNotes(ctx)
	if err != nil {
		return reset, fmt.Errorf("loading queue: %w", err)
	}
	m.count = len(notes)
	for _, n := range notes {
		if n.EnqueuedAt.After(m.lastEnqueued) {
			m.lastEnqueued = n.EnqueuedAt
		}
	}
	m.refreshDepth(ctx)
	return reset, nil
}

// Enqueue persists a new pending note for rawInput and notifies subscribers.
func (m *Manager) Enqueue(ctx context.Context, rawInput string) (Note, error) {
	if strings.TrimSpace(rawInput) == "" {
		return Note{}, ErrEmptyInput
	}

	m.mu.Lock()
	now := m.clock.Now()
	// Keep enqueue times non-decreasing even if the wall clock steps back.
	if now.Before(m.lastEnqueued) {
		now = m.lastEnqueued
	}
	n := Note{
		ID:         m.newID(),
		RawInput:   rawInput,
		EnqueuedAt: now,
		Status:     StatusPending,
	}
	if err := m.store.PutNote(ctx, n.record()); err != nil {
		m.mu.Unlock()
		return Note{}, err
	}
	m.lastEnqueued = now
	m.count++
	subs := append([]chan struct{}(nil), m.subs...)
	m.refreshDepth(ctx)
	m.mu.Unlock()

	m.recorder.RecordEnqueue()
	m.logger.Debug("note enqueued", "note_id", n.ID)
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return n, nil
}

// Get returns a single note.
func (m *Manager) Get(ctx context.Context, id string) (Note, error) {
	r, err := m.store.GetNote(ctx, id)
	if err != nil {
		return Note{}, err
	}
	return fromRecord(r), nil
}

// ListQueued returns every note, oldest first.
func (m *Manager) ListQueued(ctx context.Context) ([]Note, error) {
	rs, err := m.store.ListNotes(ctx)
	if err != nil {
		return nil, err
	}
	return fromRecords(rs), nil
}

// ListPending returns pending notes, oldest first. Notes in processing are
// excluded so a second drain cannot pick them up.
func (m *Manager) ListPending(ctx context.Context) ([]Note, error) {
	return m.listByStatus(ctx, StatusPending)
}

// ListFailed returns failed notes, oldest first.
func (m *Manager) ListFailed(ctx context.Context) ([]Note, error) {
	return m.listByStatus(ctx, StatusFailed)
}

// ListByStatus returns notes with the given status, oldest first.
func (m *Manager) ListByStatus(ctx context.Context, status Status) ([]Note, error) {
	return m.listByStatus(ctx, status)
}

func (m *Manager) listByStatus(ctx context.Context, status Status) ([]Note, error) {
	rs, err := m.store.ListNotesByStatus(ctx, string(status))
	if err != nil {
		return nil, err
	}
	return fromRecords(rs), nil
}

// Transition moves a note to status. Entering failed increments the retry
// count and records errMsg; entering pending clears the last error.
func (m *Manager) Transition(ctx context.Context, id string, status Status, errMsg string) (Note, error) {
	return m.transition(ctx, id, "", status, errMsg)
}

// transition is Transition restricted to notes currently in from. An empty
// from accepts any source state the state machine allows.
func (m *Manager) transition(ctx context.Context, id string, from, status Status, errMsg string) (Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.store.GetNote(ctx, id)
	if err != nil {
		return Note{}, fmt.Errorf("transition %s: %w", id, err)
	}
	n := fromRecord(r)
	if from != "" && n.Status != from {
		return Note{}, fmt.Errorf("%w: note is %s, not %s", ErrInvalidTransition, n.Status, from)
	}
	if !canTransition(n.Status, status) {
		return Note{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, status)
	}

	prev := n.Status
	n.Status = status
	switch status {
	case StatusFailed:
		n.RetryCount++
		n.LastError = errMsg
	case StatusPending:
		n.LastError = ""
	}

	if err := m.store.PutNote(ctx, n.record()); err != nil {
		return Note{}, err
	}
	m.refreshDepth(ctx)
	m.recorder.RecordTransition(string(status))
	m.logger.Debug("note transitioned", "note_id", id, "from", prev, "to", status, "retry_count", n.RetryCount)
	return n, nil
}

// Remove deletes a note after its work was committed. Removing an unknown
// id is a no-op.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.remove(ctx, id, RemoveCommitted)
}

// Discard deletes a note on explicit user request. Like Remove it is
// idempotent.
func (m *Manager) Discard(ctx context.Context, id string) error {
	return m.remove(ctx, id, RemoveDiscarded)
}

func (m *Manager) remove(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, err := m.store.DeleteNote(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	if m.count > 0 {
		m.count--
	}
	m.refreshDepth(ctx)
	m.recorder.RecordRemove(reason)
	m.logger.Debug("note removed", "note_id", id, "reason", reason)
	return nil
}

// Retry resets a single failed note to pending. Notes in any other state,
// including the one under an open preview, are refused with
// ErrInvalidTransition.
func (m *Manager) Retry(ctx context.Context, id string) (Note, error) {
	return m.transition(ctx, id, StatusFailed, StatusPending, "")
}

// RetryFailed resets every failed note to pending and returns how many were reset.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	failed, err := m.ListFailed(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, note := range failed {
		if _, err := m.Retry(ctx, note.ID); err != nil {
			// Discarded or retried since the listing.
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Clear removes every note.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.ClearNotes(ctx); err != nil {
		return err
	}
	m.count = 0
	m.refreshDepth(ctx)
	return nil
}

// Count returns the number of notes currently queued in any status.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Counts returns note counts grouped by status.
func (m *Manager) Counts(ctx context.Context) (map[Status]int, error) {
	raw, err := m.store.CountNotesByStatus(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(raw))
	for k, v := range raw {
		counts[Status(k)] = v
	}
	return counts, nil
}

// Subscribe returns a channel that receives a signal after every enqueue.
// Signals coalesce; a slow reader sees at least one per burst.
func (m *Manager) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
	}
}

// refreshDepth pushes per-status counts to the recorder. Called with mu held.
func (m *Manager) refreshDepth(ctx context.Context) {
	if _, ok := m.recorder.(nopRecorder); ok {
		return
	}
	counts, err := m.store.CountNotesByStatus(ctx)
	if err != nil {
		m.logger.Warn("failed to refresh queue depth", "error", err)
		return
	}
	m.recorder.RecordDepth(counts)
}
