package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const noteColumns = `id, raw_input, enqueued_at, status, retry_count, last_error`

// PutNote inserts the note or replaces every mutable column of an existing
// note with the same id. The row keeps its original insertion rank.
func (s *Store) PutNote(ctx context.Context, n QueuedNote) error {
	var lastError sql.NullString
	if n.LastError != "" {
		lastError = sql.NullString{String: n.LastError, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_notes (`+noteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			raw_input = excluded.raw_input,
			enqueued_at = excluded.enqueued_at,
			status = excluded.status,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error`,
		n.ID, n.RawInput, formatTime(n.EnqueuedAt), n.Status, n.RetryCount, lastError,
	)
	if err != nil {
		return fmt.Errorf("saving note %s: %w", n.ID, err)
	}
	return nil
}

// GetNote returns the note with the given id or ErrNotFound.
func (s *Store) GetNote(ctx context.Context, id string) (QueuedNote, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM queued_notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueuedNote{}, ErrNotFound
	}
	if err != nil {
		return QueuedNote{}, err
	}
	return n, nil
}

// ListNotes returns every note, oldest first.
func (s *Store) ListNotes(ctx context.Context) ([]QueuedNote, error) {
	return s.queryNotes(ctx, `SELECT `+noteColumns+` FROM queued_notes ORDER BY enqueued_at ASC, rowid ASC`)
}

// ListNotesByStatus returns notes in the given status, oldest first.
func (s *Store) ListNotesByStatus(ctx context.Context, status string) ([]QueuedNote, error) {
	return s.queryNotes(ctx, `SELECT `+noteColumns+` FROM queued_notes WHERE status = ? ORDER BY enqueued_at ASC, rowid ASC`, status)
}

// DeleteNote removes a note. Deleting an unknown id is not an error; the
// returned bool reports whether a row was removed.
func (s *Store) DeleteNote(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_notes WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting note %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearNotes removes every queued note.
func (s *Store) ClearNotes(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_notes`); err != nil {
		return fmt.Errorf("clearing notes: %w", err)
	}
	return nil
}

// ResetProcessingNotes moves every note left in "processing" back to
// "pending". Retry counts and errors are left untouched.
func (s *Store) ResetProcessingNotes(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE queued_notes SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("resetting processing notes: %w", err)
	}
	return res.RowsAffected()
}

// CountNotesByStatus returns the number of notes grouped by status.
func (s *Store) CountNotesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM queued_notes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting notes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryNotes(ctx context.Context, query string, args ...any) ([]QueuedNote, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	defer rows.Close()

	var notes []QueuedNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(r rowScanner) (QueuedNote, error) {
	var n QueuedNote
	var enqueuedAt string
	var lastError sql.NullString
	if err := r.Scan(&n.ID, &n.RawInput, &enqueuedAt, &n.Status, &n.RetryCount, &lastError); err != nil {
		return QueuedNote{}, err
	}
	t, err := parseTime(enqueuedAt)
	if err != nil {
		return QueuedNote{}, fmt.Errorf("parsing enqueued_at for note %s: %w", n.ID, err)
	}
	n.EnqueuedAt = t
	n.LastError = lastError.String
	return n, nil
}
