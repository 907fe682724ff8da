package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kozeki/internal/database/migrations"
	"kozeki/internal/kozeki"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// MemoryPath opens a state store that lives only as long as the process.
const MemoryPath = ":memory:"

// SQLiteState implements kozeki.State using SQLite.
type SQLiteState struct {
	db      *sql.DB
	queries *Queries
	path    string

	// tx is set on the copies handed to Transaction callbacks.
	tx *sql.Tx
}

// OpenSQLiteState opens the state store at path, creating parent directories
// as needed. A state file written by another schema version is reset.
// path can be a file path or ":memory:".
func OpenSQLiteState(path string) (*SQLiteState, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if _, err := migrations.EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}

	return &SQLiteState{
		db:      db,
		queries: NewQueries(db),
		path:    path,
	}, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// The pool is limited to one connection: builds are the single writer, and
// every connection to ":memory:" would otherwise see its own database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Transaction runs fn with a State bound to a single transaction. Nested
// calls reuse the outer transaction.
func (s *SQLiteState) Transaction(fn func(tx kozeki.State) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return s.withTx(func(txState *SQLiteState) error { return fn(txState) })
}

func (s *SQLiteState) withTx(fn func(txState *SQLiteState) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	txState := &SQLiteState{
		db:      s.db,
		queries: s.queries.WithTx(tx),
		path:    s.path,
		tx:      tx,
	}
	if err := fn(txState); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Build operations

func (s *SQLiteState) CreateBuild(t time.Time) (int64, error) {
	id, err := s.queries.CreateBuild(context.Background(), t.Unix())
	if err != nil {
		return 0, fmt.Errorf("creating build: %w", err)
	}
	return id, nil
}

func (s *SQLiteState) MarkBuildCompleted(id int64) error {
	if err := s.queries.MarkBuildCompleted(context.Background(), id); err != nil {
		return fmt.Errorf("completing build %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteState) BuildExists() (bool, error) {
	exists, err := s.queries.CompletedBuildExists(context.Background())
	if err != nil {
		return false, fmt.Errorf("checking builds: %w", err)
	}
	return exists, nil
}

func (s *SQLiteState) ClearAll() error {
	return s.withTx(func(txState *SQLiteState) error {
		if err := txState.queries.ClearAll(context.Background()); err != nil {
			return fmt.Errorf("clearing state: %w", err)
		}
		return nil
	})
}

// Record operations

func (s *SQLiteState) FindRecordByPath(path kozeki.Path) (*kozeki.Record, error) {
	row, err := s.queries.GetRecordByPath(context.Background(), path.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: record for path %s", kozeki.ErrNotFound, path)
		}
		return nil, fmt.Errorf("finding record by path: %w", err)
	}
	return recordFromRow(row)
}

func (s *SQLiteState) FindRecord(id string) (*kozeki.Record, error) {
	rows, err := s.queries.ListLiveRecordsByID(context.Background(), id)
	if err != nil {
		return nil, fmt.Errorf("finding record by id: %w", err)
	}
	switch len(rows) {
	case 0:
		return nil, fmt.Errorf("%w: record for id %s", kozeki.ErrNotFound, id)
	case 1:
		return recordFromRow(rows[0])
	default:
		paths := make([]string, len(rows))
		for i, r := range rows {
			paths[i] = r.Path
		}
		return nil, fmt.Errorf("%w: %s is claimed by %v", kozeki.ErrDuplicatedItemID, id, paths)
	}
}

func (s *SQLiteState) ListRecordsByPendingAction(action kozeki.PendingAction) ([]*kozeki.Record, error) {
	rows, err := s.queries.ListRecordsByPendingAction(context.Background(), string(action))
	if err != nil {
		return nil, fmt.Errorf("listing records by action: %w", err)
	}
	return recordsFromRows(rows)
}

func (s *SQLiteState) ListRecordsByID(id string) ([]*kozeki.Record, error) {
	rows, err := s.queries.ListRecordsByID(context.Background(), id)
	if err != nil {
		return nil, fmt.Errorf("listing records by id: %w", err)
	}
	return recordsFromRows(rows)
}

func (s *SQLiteState) ListRecordPaths() ([]kozeki.Path, error) {
	rows, err := s.queries.ListRecordPaths(context.Background())
	if err != nil {
		return nil, fmt.Errorf("listing record paths: %w", err)
	}
	paths := make([]kozeki.Path, len(rows))
	for i, p := range rows {
		paths[i] = kozeki.ParsePath(p)
	}
	return paths, nil
}

// SaveRecord reads the id previously stored for the path before upserting,
// so an id change is detected inside the same transaction.
func (s *SQLiteState) SaveRecord(record *kozeki.Record) (*kozeki.Record, error) {
	row, err := rowFromRecord(record)
	if err != nil {
		return nil, err
	}

	var saved *kozeki.Record
	err = s.withTx(func(txState *SQLiteState) error {
		ctx := context.Background()
		q := txState.queries

		var idWas string
		previous, err := q.GetRecordByPath(ctx, row.Path)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("reading previous record: %w", err)
		default:
			idWas = previous.ID
		}

		if err := q.UpsertRecord(ctx, row); err != nil {
			return fmt.Errorf("upserting record: %w", err)
		}
		if err := q.UpsertItemID(ctx, record.ID, string(kozeki.PendingNone)); err != nil {
			return fmt.Errorf("registering item id: %w", err)
		}

		result := *record
		result.IDWas = ""
		if idWas != "" && idWas != record.ID {
			if err := q.UpsertItemID(ctx, idWas, string(kozeki.PendingGarbageCollection)); err != nil {
				return fmt.Errorf("scheduling item id for garbage collection: %w", err)
			}
			result.IDWas = idWas
		}
		saved = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *SQLiteState) SetRecordPendingAction(record *kozeki.Record, action kozeki.PendingAction) error {
	return s.withTx(func(txState *SQLiteState) error {
		ctx := context.Background()
		n, err := txState.queries.UpdateRecordPendingAction(ctx, record.Path.String(), string(action))
		if err != nil {
			return fmt.Errorf("updating record action: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: record to update for path %s", kozeki.ErrNotFound, record.Path)
		}
		if action == kozeki.PendingRemove {
			if err := txState.queries.UpdateItemIDPendingAction(ctx, record.ID, string(kozeki.PendingGarbageCollection)); err != nil {
				return fmt.Errorf("scheduling item id for garbage collection: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteState) SetRecordCollectionsPending(recordID string, names []string) error {
	return s.withTx(func(txState *SQLiteState) error {
		ctx := context.Background()
		if err := txState.queries.MarkMembershipsRemoved(ctx, recordID); err != nil {
			return fmt.Errorf("marking memberships removed: %w", err)
		}
		for _, name := range names {
			if err := txState.queries.UpsertMembership(ctx, name, recordID, string(kozeki.PendingUpdate)); err != nil {
				return fmt.Errorf("upserting membership %s: %w", name, err)
			}
		}
		return nil
	})
}

// Item id operations

func (s *SQLiteState) ListItemIDsForGarbageCollection() ([]string, error) {
	ids, err := s.queries.ListItemIDsByPendingAction(context.Background(), string(kozeki.PendingGarbageCollection))
	if err != nil {
		return nil, fmt.Errorf("listing item ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteState) MarkItemIDToRemove(id string) error {
	if err := s.queries.UpdateItemIDPendingAction(context.Background(), id, string(kozeki.PendingRemove)); err != nil {
		return fmt.Errorf("marking item id: %w", err)
	}
	return nil
}

// Collection operations

func (s *SQLiteState) ListCollectionNamesPending() ([]string, error) {
	names, err := s.queries.ListPendingCollectionNames(context.Background())
	if err != nil {
		return nil, fmt.Errorf("listing pending collections: %w", err)
	}
	return names, nil
}

func (s *SQLiteState) ListCollectionNames() ([]string, error) {
	names, err := s.queries.ListLiveCollectionNames(context.Background())
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	return names, nil
}

func (s *SQLiteState) ListCollectionNamesWithPrefix(prefixes ...string) ([]string, error) {
	if len(prefixes) == 0 {
		return s.ListCollectionNames()
	}
	names, err := s.queries.ListLiveCollectionNamesWithPrefix(context.Background(), prefixes)
	if err != nil {
		return nil, fmt.Errorf("listing collections by prefix: %w", err)
	}
	return names, nil
}

func (s *SQLiteState) ListCollectionRecords(name string) ([]*kozeki.Record, error) {
	rows, err := s.queries.ListCollectionRecords(context.Background(), name)
	if err != nil {
		return nil, fmt.Errorf("listing collection records: %w", err)
	}
	return recordsFromRows(rows)
}

func (s *SQLiteState) CountCollectionRecords(name string) (int, error) {
	n, err := s.queries.CountCollectionMemberships(context.Background(), name)
	if err != nil {
		return 0, fmt.Errorf("counting collection records: %w", err)
	}
	return n, nil
}

func (s *SQLiteState) ProcessMarkers() error {
	return s.withTx(func(txState *SQLiteState) error {
		if err := txState.queries.ProcessMarkers(context.Background()); err != nil {
			return fmt.Errorf("processing markers: %w", err)
		}
		return nil
	})
}

// Path returns the location of the state file.
func (s *SQLiteState) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteState) Close() error {
	return s.db.Close()
}

func rowFromRecord(r *kozeki.Record) (RecordRow, error) {
	meta, err := encodeJSONColumn(r.Meta)
	if err != nil {
		return RecordRow{}, fmt.Errorf("encoding meta of %s: %w", r.Path, err)
	}
	row := RecordRow{
		Path:               r.Path.String(),
		ID:                 r.ID,
		Mtime:              r.Mtime.UnixMilli(),
		Meta:               meta,
		PendingBuildAction: string(r.PendingBuildAction),
	}
	if row.PendingBuildAction == "" {
		row.PendingBuildAction = string(kozeki.PendingNone)
	}
	if r.Timestamp != nil {
		row.Timestamp = sql.NullInt64{Int64: r.Timestamp.Unix(), Valid: true}
	}
	if r.Build != nil {
		build, err := encodeJSONColumn(r.Build)
		if err != nil {
			return RecordRow{}, fmt.Errorf("encoding build of %s: %w", r.Path, err)
		}
		row.Build = sql.NullString{String: build, Valid: true}
	}
	return row, nil
}

func recordFromRow(row RecordRow) (*kozeki.Record, error) {
	meta, err := decodeJSONColumn(row.Meta)
	if err != nil {
		return nil, fmt.Errorf("decoding meta of %s: %w", row.Path, err)
	}
	r := &kozeki.Record{
		Path:               kozeki.ParsePath(row.Path),
		ID:                 row.ID,
		Mtime:              time.UnixMilli(row.Mtime),
		Meta:               meta,
		PendingBuildAction: kozeki.PendingAction(row.PendingBuildAction),
	}
	if row.Timestamp.Valid {
		ts := time.Unix(row.Timestamp.Int64, 0)
		r.Timestamp = &ts
	}
	if row.Build.Valid {
		build, err := decodeJSONColumn(row.Build.String)
		if err != nil {
			return nil, fmt.Errorf("decoding build of %s: %w", row.Path, err)
		}
		r.Build = build
	}
	if row.IDWas.Valid && row.IDWas.String != row.ID {
		r.IDWas = row.IDWas.String
	}
	return r, nil
}

func recordsFromRows(rows []RecordRow) ([]*kozeki.Record, error) {
	records := make([]*kozeki.Record, 0, len(rows))
	for _, row := range rows {
		r, err := recordFromRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func encodeJSONColumn(v map[string]any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(kozeki.NormalizeMeta(v))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeJSONColumn keeps numbers as json.Number so integer meta values
// survive the round trip unchanged.
func decodeJSONColumn(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v map[string]any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if v == nil {
		v = map[string]any{}
	}
	return v, nil
}

var _ kozeki.State = (*SQLiteState)(nil)
