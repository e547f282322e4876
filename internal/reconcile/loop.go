// Package reconcile drains the capture queue one note at a time whenever
// the backend is reachable.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/tether/internal/capture"
	"github.com/kalambet/tether/internal/connectivity"
	"github.com/kalambet/tether/internal/queue"
)

// Outcome describes what a drain attempt did.
type Outcome string

const (
	// OutcomeIdle means there was nothing to drain.
	OutcomeIdle Outcome = "idle"
	// OutcomeBusy means another drain or an open preview blocked this one.
	OutcomeBusy      Outcome = "busy"
	OutcomeOffline   Outcome = "offline"
	OutcomePresented Outcome = "presented"
	// OutcomeFailed means the drained note's preview failed and the note
	// was marked failed.
	OutcomeFailed Outcome = "failed"
)

const defaultTickInterval = time.Minute

// Queue is the subset of queue.Manager the loop uses.
type Queue interface {
	ListPending(ctx context.Context) ([]queue.Note, error)
	Transition(ctx context.Context, id string, status queue.Status, errMsg string) (queue.Note, error)
	Subscribe() (<-chan struct{}, func())
}

// Pipeline is the subset of capture.Pipeline the loop uses.
type Pipeline interface {
	Busy() bool
	Preview(ctx context.Context, rawInput string, source capture.Source, noteID string) (*capture.Preview, error)
	OnComplete(fn func(capture.Completion))
}

// Recorder receives drain outcomes for metrics.
type Recorder interface {
	RecordDrain(outcome string)
}

// Loop is the reconciliation loop. At most one drain runs at a time and at
// most one drained note is in preview.
type Loop struct {
	queue    Queue
	pipeline Pipeline
	conn     connectivity.Signal
	tick     time.Duration
	recorder Recorder
	logger   *slog.Logger

	draining atomic.Bool
	kick     chan struct{}

	mu sync.Mutex
	// skipped holds notes the user cancelled during this online session.
	// Automatic drains pass over them so the next note is offered instead.
	skipped map[string]bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithTickInterval sets the periodic safety drain. Zero disables it.
func WithTickInterval(d time.Duration) Option {
	return func(l *Loop) { l.tick = d }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithLogger overrides the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) { l.logger = lg }
}

// New creates a Loop and registers it for pipeline completions.
func New(q Queue, p Pipeline, conn connectivity.Signal, opts ...Option) *Loop {
	l := &Loop{
		queue:    q,
		pipeline: p,
		conn:     conn,
		tick:     defaultTickInterval,
		logger:   slog.Default(),
		kick:     make(chan struct{}, 1),
		skipped:  map[string]bool{},
	}
	for _, opt := range opts {
		opt(l)
	}
	p.OnComplete(l.onComplete)
	return l
}

// Kick requests a drain from Run without blocking.
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Draining reports whether a drain is in progress.
func (l *Loop) Draining() bool {
	return l.draining.Load()
}

// DrainOnce drains the oldest pending note, including ones the user
// cancelled earlier. It is the explicit operator drain.
func (l *Loop) DrainOnce(ctx context.Context) (Outcome, error) {
	return l.drain(ctx, false)
}

func (l *Loop) onComplete(c capture.Completion) {
	if c.Outcome == capture.OutcomeCancelled && c.Source == capture.SourceQueue && c.NoteID != "" {
		l.mu.Lock()
		l.skipped[c.NoteID] = true
		l.mu.Unlock()
	}
	l.Kick()
}

func (l *Loop) resetSkipped() {
	l.mu.Lock()
	l.skipped = map[string]bool{}
	l.mu.Unlock()
}

// next picks the oldest pending note, passing over skipped ones when
// honorSkip is set. Skip entries for notes no longer pending are dropped.
func (l *Loop) next(pending []queue.Note, honorSkip bool) (queue.Note, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := make(map[string]bool, len(l.skipped))
	var pick *queue.Note
	for i := range pending {
		n := &pending[i]
		if l.skipped[n.ID] {
			live[n.ID] = true
			if honorSkip {
				continue
			}
		}
		if pick == nil {
			pick = n
		}
	}
	for id := range l.skipped {
		if !live[id] {
			delete(l.skipped, id)
		}
	}
	if pick == nil {
		return queue.Note{}, false
	}
	delete(l.skipped, pick.ID)
	return *pick, true
}

func (l *Loop) drain(ctx context.Context, honorSkip bool) (Outcome, error) {
	if !l.conn.Online() {
		return OutcomeOffline, nil
	}
	if !l.draining.CompareAndSwap(false, true) {
		return OutcomeBusy, nil
	}
	defer l.draining.Store(false)

	if l.pipeline.Busy() {
		return OutcomeBusy, nil
	}

	pending, err := l.queue.ListPending(ctx)
	if err != nil {
		return OutcomeIdle, err
	}
	note, ok := l.next(pending, honorSkip)
	if !ok {
		return OutcomeIdle, nil
	}

	if _, err := l.queue.Transition(ctx, note.ID, queue.StatusProcessing, ""); err != nil {
		// Removed or claimed between list and transition; rescan.
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrInvalidTransition) {
			l.Kick()
			return OutcomeIdle, nil
		}
		return OutcomeIdle, err
	}

	_, err = l.pipeline.Preview(ctx, note.RawInput, capture.SourceQueue, note.ID)
	switch {
	case err == nil:
		l.logger.Info("queued note presented", "note_id", note.ID, "retry_count", note.RetryCount)
		return OutcomePresented, nil

	case errors.Is(err, capture.ErrPreviewBusy), ctx.Err() != nil:
		// A live preview won the race, or we are shutting down. Neither is
		// the note's fault.
		l.restore(context.WithoutCancel(ctx), note.ID)
		if ctx.Err() != nil {
			return OutcomeIdle, ctx.Err()
		}
		return OutcomeBusy, nil

	default:
		l.logger.Warn("queued note preview failed", "note_id", note.ID, "validation", capture.IsValidation(err), "error", err)
		if _, terr := l.queue.Transition(ctx, note.ID, queue.StatusFailed, err.Error()); terr != nil {
			l.logger.Error("failed to mark note failed", "note_id", note.ID, "error", terr)
		}
		l.Kick()
		return OutcomeFailed, nil
	}
}

func (l *Loop) restore(ctx context.Context, id string) {
	if _, err := l.queue.Transition(ctx, id, queue.StatusPending, ""); err != nil && !errors.Is(err, queue.ErrNotFound) {
		l.logger.Error("failed to return note to pending", "note_id", id, "error", err)
	}
}

// Run drains on every trigger until ctx is cancelled. Triggers are a
// transition to online, an enqueue while online, a closed preview, Kick,
// and the periodic tick.
func (l *Loop) Run(ctx context.Context) error {
	events, unsubConn := l.conn.Subscribe()
	defer unsubConn()
	enqueued, unsubQueue := l.queue.Subscribe()
	defer unsubQueue()

	var tick <-chan time.Time
	if l.tick > 0 {
		t := time.NewTicker(l.tick)
		defer t.Stop()
		tick = t.C
	}

	l.Kick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.Online {
				l.logger.Info("offline, queue drain paused")
				continue
			}
			l.resetSkipped()
		case <-enqueued:
		case <-l.kick:
		case <-tick:
		}
		l.runDrain(ctx)
	}
}

func (l *Loop) runDrain(ctx context.Context) {
	outcome, err := l.drain(ctx, true)
	if l.recorder != nil {
		l.recorder.RecordDrain(string(outcome))
	}
	if err != nil && ctx.Err() == nil {
		l.logger.Warn("drain failed", "error", err)
	}
	if outcome != OutcomeIdle && outcome != OutcomeOffline {
		l.logger.Debug("drain", "outcome", outcome)
	}
}
