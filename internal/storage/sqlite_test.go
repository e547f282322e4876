package storage

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var ctx = context.Background()

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_queued_notes_status", "idx_queued_notes_enqueued", "idx_contacts_name", "idx_contacts_name_key", "idx_interactions_contact"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestPutAndGetNote(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	want := QueuedNote{ID: "n1", RawInput: "Met Sam for coffee", EnqueuedAt: now, Status: "pending"}
	if err := s.PutNote(ctx, want); err != nil {
		t.Fatalf("PutNote: %v", err)
	}

	got, err := s.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if got.RawInput != want.RawInput || got.Status != "pending" || got.RetryCount != 0 || got.LastError != "" {
		t.Errorf("GetNote = %+v, want %+v", got, want)
	}
	if !got.EnqueuedAt.Equal(now) {
		t.Errorf("EnqueuedAt = %v, want %v", got.EnqueuedAt, now)
	}
}

func TestGetNote_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetNote(ctx, "missing"); err != ErrNotFound {
		t.Errorf("GetNote(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPutNote_UpdatesExisting(t *testing.T) {
	s := openTestStore(t)

	n := QueuedNote{ID: "n1", RawInput: "x", EnqueuedAt: time.Now(), Status: "pending"}
	if err := s.PutNote(ctx, n); err != nil {
		t.Fatalf("PutNote: %v", err)
	}
	n.Status = "failed"
	n.RetryCount = 1
	n.LastError = "boom"
	if err := s.PutNote(ctx, n); err != nil {
		t.Fatalf("PutNote (update): %v", err)
	}

	got, err := s.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if got.Status != "failed" || got.RetryCount != 1 || got.LastError != "boom" {
		t.Errorf("after update got %+v", got)
	}

	all, err := s.ListNotes(ctx)
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListNotes returned %d notes, want 1", len(all))
	}
}

func TestListNotes_OldestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	// Insert out of order; sub-second offsets exercise fixed-width ordering.
	offsets := []time.Duration{2 * time.Second, 100 * time.Millisecond, 120 * time.Millisecond, 0}
	for i, off := range offsets {
		n := QueuedNote{ID: fmt.Sprintf("n%d", i), RawInput: "x", EnqueuedAt: base.Add(off), Status: "pending"}
		if err := s.PutNote(ctx, n); err != nil {
			t.Fatalf("PutNote: %v", err)
		}
	}

	notes, err := s.ListNotes(ctx)
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	wantOrder := []string{"n3", "n1", "n2", "n0"}
	for i, id := range wantOrder {
		if notes[i].ID != id {
			t.Fatalf("order = %v, want %v", noteIDs(notes), wantOrder)
		}
	}
}

func TestListNotesByStatus(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	statuses := []string{"pending", "failed", "pending", "processing"}
	for i, st := range statuses {
		n := QueuedNote{ID: fmt.Sprintf("n%d", i), RawInput: "x", EnqueuedAt: base.Add(time.Duration(i) * time.Second), Status: st}
		if err := s.PutNote(ctx, n); err != nil {
			t.Fatalf("PutNote: %v", err)
		}
	}

	pending, err := s.ListNotesByStatus(ctx, "pending")
	if err != nil {
		t.Fatalf("ListNotesByStatus: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "n0" || pending[1].ID != "n2" {
		t.Errorf("pending = %v, want [n0 n2]", noteIDs(pending))
	}

	counts, err := s.CountNotesByStatus(ctx)
	if err != nil {
		t.Fatalf("CountNotesByStatus: %v", err)
	}
	if counts["pending"] != 2 || counts["failed"] != 1 || counts["processing"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestDeleteNote_Idempotent(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutNote(ctx, QueuedNote{ID: "n1", RawInput: "x", EnqueuedAt: time.Now(), Status: "pending"}); err != nil {
		t.Fatalf("PutNote: %v", err)
	}

	removed, err := s.DeleteNote(ctx, "n1")
	if err != nil || !removed {
		t.Fatalf("first DeleteNote = (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = s.DeleteNote(ctx, "n1")
	if err != nil || removed {
		t.Fatalf("second DeleteNote = (%v, %v), want (false, nil)", removed, err)
	}
}

func TestClearNotes(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.PutNote(ctx, QueuedNote{ID: fmt.Sprintf("n%d", i), RawInput: "x", EnqueuedAt: time.Now(), Status: "pending"}); err != nil {
			t.Fatalf("PutNote: %v", err)
		}
	}
	if err := s.ClearNotes(ctx); err != nil {
		t.Fatalf("ClearNotes: %v", err)
	}
	notes, err := s.ListNotes(ctx)
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("ListNotes after clear = %d notes", len(notes))
	}
}

// TestResetProcessingNotes_SurvivesReopen writes a processing note, closes the
// database as a crash would, and verifies the reset on the reopened file.
func TestResetProcessingNotes_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	stuck := QueuedNote{ID: "stuck", RawInput: "x", EnqueuedAt: time.Now(), Status: "processing", RetryCount: 2, LastError: "earlier"}
	if err := s1.PutNote(ctx, stuck); err != nil {
		t.Fatalf("PutNote: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	n, err := s2.ResetProcessingNotes(ctx)
	if err != nil {
		t.Fatalf("ResetProcessingNotes: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d notes, want 1", n)
	}

	got, err := s2.GetNote(ctx, "stuck")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if got.Status != "pending" {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2 (reset must not touch it)", got.RetryCount)
	}
}

func TestFindContactsByName_CaseInsensitive(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	for i, name := range []string{"Sam Lee", "sam lee", "Alex"} {
		c := Contact{ID: fmt.Sprintf("c%d", i), Name: name, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.CreateContact(ctx, c); err != nil {
			t.Fatalf("CreateContact: %v", err)
		}
	}

	got, err := s.FindContactsByName(ctx, "SAM LEE")
	if err != nil {
		t.Fatalf("FindContactsByName: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c0" || got[1].ID != "c1" {
		t.Errorf("FindContactsByName = %+v, want c0 then c1", got)
	}

	none, err := s.FindContactsByName(ctx, "Sam")
	if err != nil {
		t.Fatalf("FindContactsByName: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("partial name matched %d contacts, want 0", len(none))
	}
}

func TestFindContactsByName_FoldsNonASCII(t *testing.T) {
	s := openTestStore(t)

	for _, c := range []Contact{{ID: "z", Name: "Zoë"}, {ID: "j", Name: "Jürgen Groß"}} {
		if err := s.CreateContact(ctx, c); err != nil {
			t.Fatalf("CreateContact: %v", err)
		}
	}

	tests := []struct {
		query string
		want  string
	}{
		{"zoë", "z"},
		{"ZOË", "z"},
		{"  Zoë ", "z"},
		{"JÜRGEN GROß", "j"},
		{"jürgen groß", "j"},
	}
	for _, tt := range tests {
		got, err := s.FindContactsByName(ctx, tt.query)
		if err != nil {
			t.Fatalf("FindContactsByName(%q): %v", tt.query, err)
		}
		if len(got) != 1 || got[0].ID != tt.want {
			t.Errorf("FindContactsByName(%q) = %+v, want %s", tt.query, got, tt.want)
		}
	}
}

func TestOpen_BackfillsNameKeys(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.CreateContact(ctx, Contact{ID: "z", Name: "Zoë"}); err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	// Simulate a row written before name_key existed.
	if _, err := s1.DB().Exec(`UPDATE contacts SET name_key = ''`); err != nil {
		t.Fatalf("clearing name_key: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.FindContactsByName(ctx, "ZOË")
	if err != nil {
		t.Fatalf("FindContactsByName: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("after reopen matched %d contacts, want 1", len(got))
	}
}

func TestOpen_RejectsMissingTable(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s1.DB().Exec(`DROP TABLE queued_notes`); err != nil {
		t.Fatalf("dropping table: %v", err)
	}
	s1.Close()

	if s2, err := Open(dir); err == nil {
		s2.Close()
		t.Fatal("Open succeeded on a database without queued_notes")
	}
}

func TestUpdateContactAttributes(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateContact(ctx, Contact{ID: "c1", Name: "Sam"}); err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	if err := s.UpdateContactAttributes(ctx, "c1", `{"city":"Lisbon"}`); err != nil {
		t.Fatalf("UpdateContactAttributes: %v", err)
	}
	c, err := s.GetContact(ctx, "c1")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if c.AttributesJSON != `{"city":"Lisbon"}` {
		t.Errorf("AttributesJSON = %q", c.AttributesJSON)
	}

	if err := s.UpdateContactAttributes(ctx, "missing", `{}`); err != ErrNotFound {
		t.Errorf("update of missing contact error = %v, want ErrNotFound", err)
	}
}

func TestSaveAndListInteractions(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateContact(ctx, Contact{ID: "c1", Name: "Sam"}); err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	base := time.Now()
	for i := 0; i < 3; i++ {
		ix := Interaction{
			ID:         fmt.Sprintf("i%d", i),
			ContactID:  "c1",
			Summary:    fmt.Sprintf("coffee %d", i),
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveInteraction(ctx, ix); err != nil {
			t.Fatalf("SaveInteraction: %v", err)
		}
	}

	got, err := s.ListInteractions(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(got) != 2 || got[0].ID != "i2" || got[1].ID != "i1" {
		t.Errorf("ListInteractions = %v", got)
	}
	if got[0].TagsJSON != "[]" {
		t.Errorf("TagsJSON default = %q, want []", got[0].TagsJSON)
	}
}

func TestSaveContactInteraction_RollsBackOnFailure(t *testing.T) {
	s := openTestStore(t)

	err := s.SaveContactInteraction(ctx, Contact{ID: "c1", Name: "Sam"}, true,
		Interaction{ID: "i1", ContactID: "c1", Summary: "coffee"})
	if err != nil {
		t.Fatalf("SaveContactInteraction: %v", err)
	}

	// Duplicate interaction id fails after the contact insert.
	err = s.SaveContactInteraction(ctx, Contact{ID: "c2", Name: "Priya"}, true,
		Interaction{ID: "i1", ContactID: "c2", Summary: "dinner"})
	if err == nil {
		t.Fatal("expected duplicate interaction id to fail")
	}
	if _, err := s.GetContact(ctx, "c2"); err != ErrNotFound {
		t.Errorf("contact c2 after rollback: err = %v, want ErrNotFound", err)
	}

	err = s.SaveContactInteraction(ctx, Contact{ID: "missing", AttributesJSON: "{}"}, false,
		Interaction{ID: "i9", ContactID: "missing"})
	if err != ErrNotFound {
		t.Errorf("update of missing contact: err = %v, want ErrNotFound", err)
	}
}

func noteIDs(notes []QueuedNote) []string {
	ids := make([]string, len(notes))
	for i, n := range notes {
		ids[i] = n.ID
	}
	return ids
}
