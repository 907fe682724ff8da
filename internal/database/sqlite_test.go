package database

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"kozeki/internal/kozeki"
)

// newTestState creates a new in-memory state store with schema applied.
func newTestState(t *testing.T) *SQLiteState {
	t.Helper()

	state, err := OpenSQLiteState(MemoryPath)
	if err != nil {
		t.Fatalf("failed to open state: %v", err)
	}
	t.Cleanup(func() {
		state.Close()
	})
	return state
}

func newRecord(path, id string, ts *time.Time, meta map[string]any) *kozeki.Record {
	if meta == nil {
		meta = map[string]any{}
	}
	return &kozeki.Record{
		Path:               kozeki.ParsePath(path),
		ID:                 id,
		Timestamp:          ts,
		Mtime:              time.UnixMilli(1700000000123),
		Meta:               meta,
		PendingBuildAction: kozeki.PendingNone,
	}
}

func saveRecord(t *testing.T, s kozeki.State, r *kozeki.Record) *kozeki.Record {
	t.Helper()

	saved, err := s.SaveRecord(r)
	if err != nil {
		t.Fatalf("SaveRecord(%s) error = %v", r.Path, err)
	}
	return saved
}

func TestSQLiteState_Builds(t *testing.T) {
	s := newTestState(t)

	exists, err := s.BuildExists()
	if err != nil {
		t.Fatalf("BuildExists() error = %v", err)
	}
	if exists {
		t.Error("BuildExists() = true on empty state, want false")
	}

	id, err := s.CreateBuild(time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("CreateBuild() error = %v", err)
	}

	// An unfinished build does not count.
	if exists, _ := s.BuildExists(); exists {
		t.Error("BuildExists() = true before completion, want false")
	}

	if err := s.MarkBuildCompleted(id); err != nil {
		t.Fatalf("MarkBuildCompleted() error = %v", err)
	}
	if exists, _ := s.BuildExists(); !exists {
		t.Error("BuildExists() = false after completion, want true")
	}

	next, err := s.CreateBuild(time.Unix(1700000001, 0))
	if err != nil {
		t.Fatalf("CreateBuild() error = %v", err)
	}
	if next <= id {
		t.Errorf("CreateBuild() = %d, want greater than %d", next, id)
	}
}

func TestSQLiteState_FindRecordByPath(t *testing.T) {
	t.Run("returns ErrNotFound when missing", func(t *testing.T) {
		s := newTestState(t)

		_, err := s.FindRecordByPath(kozeki.Path{"nope.md"})
		if !errors.Is(err, kozeki.ErrNotFound) {
			t.Errorf("FindRecordByPath() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("round trips fields", func(t *testing.T) {
		s := newTestState(t)
		ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		saveRecord(t, s, newRecord("dir/a.md", "a", &ts, map[string]any{
			"id":    "a",
			"count": 3,
			"tags":  []any{"x", "y"},
		}))

		got, err := s.FindRecordByPath(kozeki.Path{"dir", "a.md"})
		if err != nil {
			t.Fatalf("FindRecordByPath() error = %v", err)
		}
		if got.ID != "a" {
			t.Errorf("ID = %q, want %q", got.ID, "a")
		}
		if !got.Path.Equal(kozeki.Path{"dir", "a.md"}) {
			t.Errorf("Path = %v, want [dir a.md]", got.Path)
		}
		if got.Timestamp == nil || !got.Timestamp.Equal(ts) {
			t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
		}
		if got.Mtime.UnixMilli() != 1700000000123 {
			t.Errorf("Mtime = %d ms, want 1700000000123", got.Mtime.UnixMilli())
		}
		if got.Meta["count"] != json.Number("3") {
			t.Errorf("Meta[count] = %v, want 3", got.Meta["count"])
		}
		if !reflect.DeepEqual(got.Meta["tags"], []any{"x", "y"}) {
			t.Errorf("Meta[tags] = %v, want [x y]", got.Meta["tags"])
		}
		if got.PendingBuildAction != kozeki.PendingNone {
			t.Errorf("PendingBuildAction = %q, want none", got.PendingBuildAction)
		}
	})

	t.Run("record without timestamp", func(t *testing.T) {
		s := newTestState(t)
		saveRecord(t, s, newRecord("a.md", "a", nil, nil))

		got, err := s.FindRecordByPath(kozeki.Path{"a.md"})
		if err != nil {
			t.Fatalf("FindRecordByPath() error = %v", err)
		}
		if got.Timestamp != nil {
			t.Errorf("Timestamp = %v, want nil", got.Timestamp)
		}
	})
}

func TestSQLiteState_FindRecord(t *testing.T) {
	s := newTestState(t)

	if _, err := s.FindRecord("x"); !errors.Is(err, kozeki.ErrNotFound) {
		t.Errorf("FindRecord() error = %v, want ErrNotFound", err)
	}

	saveRecord(t, s, newRecord("a.md", "x", nil, nil))
	got, err := s.FindRecord("x")
	if err != nil {
		t.Fatalf("FindRecord() error = %v", err)
	}
	if got.Path.String() != "a.md" {
		t.Errorf("FindRecord().Path = %s, want a.md", got.Path)
	}

	b := saveRecord(t, s, newRecord("b.md", "x", nil, nil))
	if _, err := s.FindRecord("x"); !errors.Is(err, kozeki.ErrDuplicatedItemID) {
		t.Errorf("FindRecord() error = %v, want ErrDuplicatedItemID", err)
	}

	// Records pending removal no longer claim the id.
	if err := s.SetRecordPendingAction(b, kozeki.PendingRemove); err != nil {
		t.Fatalf("SetRecordPendingAction() error = %v", err)
	}
	got, err = s.FindRecord("x")
	if err != nil {
		t.Fatalf("FindRecord() after removal error = %v", err)
	}
	if got.Path.String() != "a.md" {
		t.Errorf("FindRecord().Path = %s, want a.md", got.Path)
	}
}

func TestSQLiteState_SaveRecord(t *testing.T) {
	t.Run("new record has no previous id", func(t *testing.T) {
		s := newTestState(t)

		saved := saveRecord(t, s, newRecord("a.md", "1", nil, nil))
		if saved.IDWas != "" {
			t.Errorf("IDWas = %q, want empty", saved.IDWas)
		}
	})

	t.Run("same id keeps registry clean", func(t *testing.T) {
		s := newTestState(t)

		saveRecord(t, s, newRecord("a.md", "1", nil, nil))
		saved := saveRecord(t, s, newRecord("a.md", "1", nil, map[string]any{"title": "new"}))
		if saved.IDWas != "" {
			t.Errorf("IDWas = %q, want empty", saved.IDWas)
		}

		ids, err := s.ListItemIDsForGarbageCollection()
		if err != nil {
			t.Fatalf("ListItemIDsForGarbageCollection() error = %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("ListItemIDsForGarbageCollection() = %v, want empty", ids)
		}

		got, _ := s.FindRecordByPath(kozeki.Path{"a.md"})
		if got.Meta["title"] != "new" {
			t.Errorf("Meta[title] = %v, want new", got.Meta["title"])
		}
	})

	t.Run("changed id schedules old id for garbage collection", func(t *testing.T) {
		s := newTestState(t)

		saveRecord(t, s, newRecord("a.md", "1", nil, nil))
		saved := saveRecord(t, s, newRecord("a.md", "2", nil, nil))
		if saved.IDWas != "1" {
			t.Errorf("IDWas = %q, want %q", saved.IDWas, "1")
		}
		if saved.ID != "2" {
			t.Errorf("ID = %q, want %q", saved.ID, "2")
		}

		ids, err := s.ListItemIDsForGarbageCollection()
		if err != nil {
			t.Fatalf("ListItemIDsForGarbageCollection() error = %v", err)
		}
		if !reflect.DeepEqual(ids, []string{"1"}) {
			t.Errorf("ListItemIDsForGarbageCollection() = %v, want [1]", ids)
		}
	})

	t.Run("reclaiming an id clears its garbage collection mark", func(t *testing.T) {
		s := newTestState(t)

		saveRecord(t, s, newRecord("a.md", "1", nil, nil))
		saveRecord(t, s, newRecord("a.md", "2", nil, nil))
		saveRecord(t, s, newRecord("b.md", "1", nil, nil))

		ids, _ := s.ListItemIDsForGarbageCollection()
		if len(ids) != 0 {
			t.Errorf("ListItemIDsForGarbageCollection() = %v, want empty", ids)
		}
	})
}

func TestSQLiteState_SetRecordPendingAction(t *testing.T) {
	t.Run("missing path", func(t *testing.T) {
		s := newTestState(t)

		err := s.SetRecordPendingAction(newRecord("gone.md", "1", nil, nil), kozeki.PendingUpdate)
		if !errors.Is(err, kozeki.ErrNotFound) {
			t.Errorf("SetRecordPendingAction() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("update and remove", func(t *testing.T) {
		s := newTestState(t)
		a := saveRecord(t, s, newRecord("a.md", "1", nil, nil))
		b := saveRecord(t, s, newRecord("b.md", "2", nil, nil))

		if err := s.SetRecordPendingAction(a, kozeki.PendingUpdate); err != nil {
			t.Fatalf("SetRecordPendingAction(update) error = %v", err)
		}
		if err := s.SetRecordPendingAction(b, kozeki.PendingRemove); err != nil {
			t.Fatalf("SetRecordPendingAction(remove) error = %v", err)
		}

		updated, err := s.ListRecordsByPendingAction(kozeki.PendingUpdate)
		if err != nil {
			t.Fatalf("ListRecordsByPendingAction() error = %v", err)
		}
		if len(updated) != 1 || updated[0].ID != "1" {
			t.Errorf("ListRecordsByPendingAction(update) = %v, want record 1", updated)
		}

		ids, _ := s.ListItemIDsForGarbageCollection()
		if !reflect.DeepEqual(ids, []string{"2"}) {
			t.Errorf("ListItemIDsForGarbageCollection() = %v, want [2]", ids)
		}
	})
}

func TestSQLiteState_Collections(t *testing.T) {
	s := newTestState(t)
	saveRecord(t, s, newRecord("a.md", "1", nil, nil))
	saveRecord(t, s, newRecord("b.md", "2", nil, nil))

	if err := s.SetRecordCollectionsPending("1", []string{"blog-a", "tags"}); err != nil {
		t.Fatalf("SetRecordCollectionsPending() error = %v", err)
	}
	if err := s.SetRecordCollectionsPending("2", []string{"blog-a", "blog%b"}); err != nil {
		t.Fatalf("SetRecordCollectionsPending() error = %v", err)
	}

	pending, err := s.ListCollectionNamesPending()
	if err != nil {
		t.Fatalf("ListCollectionNamesPending() error = %v", err)
	}
	if want := []string{"blog%b", "blog-a", "tags"}; !reflect.DeepEqual(pending, want) {
		t.Errorf("ListCollectionNamesPending() = %v, want %v", pending, want)
	}

	tests := []struct {
		name     string
		prefixes []string
		want     []string
	}{
		{"no prefix", nil, []string{"blog%b", "blog-a", "tags"}},
		{"single prefix", []string{"blog-"}, []string{"blog-a"}},
		{"metacharacters are literal", []string{"blog%"}, []string{"blog%b"}},
		{"several prefixes", []string{"t", "blog-"}, []string{"blog-a", "tags"}},
		{"no match", []string{"zzz"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListCollectionNamesWithPrefix(tt.prefixes...)
			if err != nil {
				t.Fatalf("ListCollectionNamesWithPrefix() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ListCollectionNamesWithPrefix(%v) = %v, want %v", tt.prefixes, got, tt.want)
			}
		})
	}

	records, err := s.ListCollectionRecords("blog-a")
	if err != nil {
		t.Fatalf("ListCollectionRecords() error = %v", err)
	}
	if len(records) != 2 || records[0].ID != "1" || records[1].ID != "2" {
		t.Errorf("ListCollectionRecords() = %v, want records 1 and 2", records)
	}

	// Moving record 1 out of "tags" marks the membership removed.
	if err := s.SetRecordCollectionsPending("1", []string{"blog-a"}); err != nil {
		t.Fatalf("SetRecordCollectionsPending() error = %v", err)
	}
	names, _ := s.ListCollectionNames()
	if want := []string{"blog%b", "blog-a"}; !reflect.DeepEqual(names, want) {
		t.Errorf("ListCollectionNames() = %v, want %v", names, want)
	}
	if n, _ := s.CountCollectionRecords("tags"); n != 1 {
		t.Errorf("CountCollectionRecords(tags) = %d, want 1 before markers are processed", n)
	}
	if records, _ := s.ListCollectionRecords("tags"); len(records) != 0 {
		t.Errorf("ListCollectionRecords(tags) = %v, want empty", records)
	}

	if err := s.ProcessMarkers(); err != nil {
		t.Fatalf("ProcessMarkers() error = %v", err)
	}
	if n, _ := s.CountCollectionRecords("tags"); n != 0 {
		t.Errorf("CountCollectionRecords(tags) = %d, want 0", n)
	}
	if pending, _ := s.ListCollectionNamesPending(); len(pending) != 0 {
		t.Errorf("ListCollectionNamesPending() = %v, want empty", pending)
	}
}

func TestSQLiteState_ProcessMarkers(t *testing.T) {
	s := newTestState(t)
	a := saveRecord(t, s, newRecord("a.md", "1", nil, nil))
	saveRecord(t, s, newRecord("b.md", "2", nil, nil))
	saveRecord(t, s, newRecord("b.md", "3", nil, nil))
	if err := s.SetRecordPendingAction(a, kozeki.PendingRemove); err != nil {
		t.Fatalf("SetRecordPendingAction() error = %v", err)
	}
	if err := s.MarkItemIDToRemove("2"); err != nil {
		t.Fatalf("MarkItemIDToRemove() error = %v", err)
	}

	if err := s.ProcessMarkers(); err != nil {
		t.Fatalf("ProcessMarkers() error = %v", err)
	}

	if _, err := s.FindRecordByPath(kozeki.Path{"a.md"}); !errors.Is(err, kozeki.ErrNotFound) {
		t.Errorf("FindRecordByPath(a.md) error = %v, want ErrNotFound", err)
	}
	b, err := s.FindRecordByPath(kozeki.Path{"b.md"})
	if err != nil {
		t.Fatalf("FindRecordByPath(b.md) error = %v", err)
	}
	if b.IDWas != "" {
		t.Errorf("IDWas = %q, want cleared", b.IDWas)
	}

	// Id 1 was only scheduled for garbage collection; it resets to none.
	ids, _ := s.ListItemIDsForGarbageCollection()
	if len(ids) != 0 {
		t.Errorf("ListItemIDsForGarbageCollection() = %v, want empty", ids)
	}
	var buf bytes.Buffer
	if err := s.Dump(&buf); err != nil {
		t.Fatalf("Dump() error = %v", err)
	}
	if strings.Contains(buf.String(), "\n2 ") {
		t.Errorf("Dump() still lists removed item id 2:\n%s", buf.String())
	}
}

func TestSQLiteState_Transaction(t *testing.T) {
	t.Run("rolls back on error", func(t *testing.T) {
		s := newTestState(t)
		boom := errors.New("boom")

		err := s.Transaction(func(tx kozeki.State) error {
			if _, err := tx.SaveRecord(newRecord("a.md", "1", nil, nil)); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Transaction() error = %v, want boom", err)
		}

		if _, err := s.FindRecordByPath(kozeki.Path{"a.md"}); !errors.Is(err, kozeki.ErrNotFound) {
			t.Errorf("FindRecordByPath() error = %v, want ErrNotFound after rollback", err)
		}
	})

	t.Run("commits on success", func(t *testing.T) {
		s := newTestState(t)

		err := s.Transaction(func(tx kozeki.State) error {
			_, err := tx.SaveRecord(newRecord("a.md", "1", nil, nil))
			return err
		})
		if err != nil {
			t.Fatalf("Transaction() error = %v", err)
		}
		if _, err := s.FindRecordByPath(kozeki.Path{"a.md"}); err != nil {
			t.Errorf("FindRecordByPath() error = %v", err)
		}
	})

	t.Run("nested transactions share the outer one", func(t *testing.T) {
		s := newTestState(t)
		boom := errors.New("boom")

		err := s.Transaction(func(tx kozeki.State) error {
			if err := tx.Transaction(func(inner kozeki.State) error {
				_, err := inner.SaveRecord(newRecord("a.md", "1", nil, nil))
				return err
			}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Transaction() error = %v, want boom", err)
		}
		if _, err := s.FindRecordByPath(kozeki.Path{"a.md"}); !errors.Is(err, kozeki.ErrNotFound) {
			t.Errorf("FindRecordByPath() error = %v, want ErrNotFound after rollback", err)
		}
	})
}

func TestSQLiteState_ClearAll(t *testing.T) {
	s := newTestState(t)
	saveRecord(t, s, newRecord("a.md", "1", nil, nil))
	if err := s.SetRecordCollectionsPending("1", []string{"c"}); err != nil {
		t.Fatalf("SetRecordCollectionsPending() error = %v", err)
	}
	id, _ := s.CreateBuild(time.Now())
	s.MarkBuildCompleted(id)

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}

	if paths, _ := s.ListRecordPaths(); len(paths) != 0 {
		t.Errorf("ListRecordPaths() = %v, want empty", paths)
	}
	if names, _ := s.ListCollectionNames(); len(names) != 0 {
		t.Errorf("ListCollectionNames() = %v, want empty", names)
	}
	if exists, _ := s.BuildExists(); exists {
		t.Error("BuildExists() = true after ClearAll, want false")
	}
}

func TestOpenSQLiteState_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "state.sqlite3")

	s, err := OpenSQLiteState(path)
	if err != nil {
		t.Fatalf("OpenSQLiteState() error = %v", err)
	}
	saveRecord(t, s, newRecord("a.md", "1", nil, nil))
	s.Close()

	reopened, err := OpenSQLiteState(path)
	if err != nil {
		t.Fatalf("OpenSQLiteState() reopen error = %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.FindRecordByPath(kozeki.Path{"a.md"}); err != nil {
		t.Errorf("FindRecordByPath() after reopen error = %v", err)
	}
	if reopened.Path() != path {
		t.Errorf("Path() = %q, want %q", reopened.Path(), path)
	}
}

func TestSQLiteState_Schema(t *testing.T) {
	s := newTestState(t)

	schema, err := s.Schema()
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	for _, table := range []string{"records", "collection_memberships", "item_ids", "builds"} {
		if !strings.Contains(schema, "CREATE TABLE "+table) {
			t.Errorf("Schema() missing table %s", table)
		}
	}
	if strings.Contains(schema, "schema_migrations") {
		t.Error("Schema() includes schema_migrations")
	}
}
