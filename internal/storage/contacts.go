package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- Contacts ---

// NameKey folds a contact name for case-insensitive lookup. SQLite's NOCASE
// only folds ASCII, so the key is computed here and stored in name_key.
func NameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

func (s *Store) CreateContact(ctx context.Context, c Contact) error {
	return insertContact(ctx, s.db, c)
}

func insertContact(ctx context.Context, db execer, c Contact) error {
	attrs := c.AttributesJSON
	if attrs == "" {
		attrs = "{}"
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO contacts (id, name, name_key, attributes_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, NameKey(c.Name), attrs, formatTime(created), formatTime(updated),
	)
	return err
}

func (s *Store) GetContact(ctx context.Context, id string) (Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, attributes_json, created_at, updated_at
		FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	return c, err
}

// FindContactsByName returns contacts whose name equals name under Unicode
// case folding, in creation order.
func (s *Store) FindContactsByName(ctx context.Context, name string) ([]Contact, error) {
	return s.queryContacts(ctx, `
		SELECT id, name, attributes_json, created_at, updated_at
		FROM contacts WHERE name_key = ?
		ORDER BY created_at ASC, rowid ASC`, NameKey(name))
}

// backfillNameKeys fills name_key for contacts written before the column
// existed.
func (s *Store) backfillNameKeys(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM contacts WHERE name_key = ''`)
	if err != nil {
		return err
	}
	type pair struct{ id, name string }
	var todo []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.id, &p.name); err != nil {
			rows.Close()
			return err
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range todo {
		if _, err := s.db.ExecContext(ctx, `UPDATE contacts SET name_key = ? WHERE id = ?`, NameKey(p.name), p.id); err != nil {
			return fmt.Errorf("contact %s: %w", p.id, err)
		}
	}
	return nil
}

func (s *Store) ListContacts(ctx context.Context, limit int) ([]Contact, error) {
	return s.queryContacts(ctx, `
		SELECT id, name, attributes_json, created_at, updated_at
		FROM contacts ORDER BY name COLLATE NOCASE ASC LIMIT ?`, limit)
}

func (s *Store) UpdateContactAttributes(ctx context.Context, id, attributesJSON string) error {
	return updateContactAttributes(ctx, s.db, id, attributesJSON)
}

func updateContactAttributes(ctx context.Context, db execer, id, attributesJSON string) error {
	res, err := db.ExecContext(ctx, `UPDATE contacts SET attributes_json = ?, updated_at = ? WHERE id = ?`,
		attributesJSON, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveContactInteraction writes a contact and one interaction atomically.
// When create is set the contact is inserted; otherwise only its attributes
// are updated and ErrNotFound is returned for an unknown id.
func (s *Store) SaveContactInteraction(ctx context.Context, c Contact, create bool, i Interaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if create {
		err = insertContact(ctx, tx, c)
	} else {
		err = updateContactAttributes(ctx, tx, c.ID, c.AttributesJSON)
	}
	if err != nil {
		return err
	}
	if err := insertInteraction(ctx, tx, i); err != nil {
		return fmt.Errorf("saving interaction: %w", err)
	}
	return tx.Commit()
}

func (s *Store) queryContacts(ctx context.Context, query string, args ...any) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func scanContact(r rowScanner) (Contact, error) {
	var c Contact
	var createdAt, updatedAt string
	if err := r.Scan(&c.ID, &c.Name, &c.AttributesJSON, &createdAt, &updatedAt); err != nil {
		return Contact{}, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Contact{}, fmt.Errorf("parsing created_at for contact %s: %w", c.ID, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Contact{}, fmt.Errorf("parsing updated_at for contact %s: %w", c.ID, err)
	}
	return c, nil
}

// --- Interactions ---

func (s *Store) SaveInteraction(ctx context.Context, i Interaction) error {
	return insertInteraction(ctx, s.db, i)
}

func insertInteraction(ctx context.Context, db execer, i Interaction) error {
	tags := i.TagsJSON
	if tags == "" {
		tags = "[]"
	}
	created := i.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	occurred := i.OccurredAt
	if occurred.IsZero() {
		occurred = created
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO interactions (id, contact_id, summary, tags_json, raw_input, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.ContactID, i.Summary, tags, i.RawInput, formatTime(occurred), formatTime(created),
	)
	return err
}

// ListInteractions returns interactions for a contact, newest first.
func (s *Store) ListInteractions(ctx context.Context, contactID string, limit int) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contact_id, summary, tags_json, raw_input, occurred_at, created_at
		FROM interactions WHERE contact_id = ?
		ORDER BY occurred_at DESC LIMIT ?`, contactID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Interaction
	for rows.Next() {
		var i Interaction
		var occurredAt, createdAt string
		if err := rows.Scan(&i.ID, &i.ContactID, &i.Summary, &i.TagsJSON, &i.RawInput, &occurredAt, &createdAt); err != nil {
			return nil, err
		}
		if i.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("parsing occurred_at: %w", err)
		}
		if i.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, i)
	}
	return results, rows.Err()
}
