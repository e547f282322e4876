package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed-width so that text comparison in SQL matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// QueuedNote is the persisted form of a deferred capture.
type QueuedNote struct {
	ID         string
	RawInput   string
	EnqueuedAt time.Time
	Status     string // "pending", "processing", "failed"
	RetryCount int
	LastError  string
}

type Contact struct {
	ID             string
	Name           string
	AttributesJSON string // JSON object stored as text
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Interaction struct {
	ID         string
	ContactID  string
	Summary    string
	TagsJSON   string // JSON array stored as text
	RawInput   string
	OccurredAt time.Time
	CreatedAt  time.Time
}
