package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/tether/internal/storage"
)

// Status is the lifecycle state of a queued note.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
)

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

var (
	// ErrNotFound is returned when a note id is unknown. It is the storage
	// sentinel so errors.Is works across layers.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidTransition is returned for status changes outside the note
	// state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrEmptyInput is returned when enqueuing blank text.
	ErrEmptyInput = errors.New("raw input is empty")
)

// allowed lists the legal target states for each source state. Moving a
// pending note to pending is accepted as an idempotent operator reset.
var allowed = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusPending},
	StatusProcessing: {StatusFailed, StatusPending},
	StatusFailed:     {StatusPending},
}

func canTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Note is a unit of deferred capture work.
type Note struct {
	ID         string    `json:"id"`
	RawInput   string    `json:"raw_input"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

func fromRecord(r storage.QueuedNote) Note {
	return Note{
		ID:         r.ID,
		RawInput:   r.RawInput,
		EnqueuedAt: r.EnqueuedAt,
		Status:     Status(r.Status),
		RetryCount: r.RetryCount,
		LastError:  r.LastError,
	}
}

func (n Note) record() storage.QueuedNote {
	return storage.QueuedNote{
		ID:         n.ID,
		RawInput:   n.RawInput,
		EnqueuedAt: n.EnqueuedAt,
		Status:     string(n.Status),
		RetryCount: n.RetryCount,
		LastError:  n.LastError,
	}
}

func fromRecords(rs []storage.QueuedNote) []Note {
	notes := make([]Note, len(rs))
	for i, r := range rs {
		notes[i] = fromRecord(r)
	}
	return notes
}
