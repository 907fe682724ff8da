package database

import (
	"context"
	"database/sql"
	"strings"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the SQL statements of the state store.
type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a copy of the queries bound to tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// RecordRow is a row of the records table.
type RecordRow struct {
	Path               string
	ID                 string
	Timestamp          sql.NullInt64
	Mtime              int64
	Meta               string
	Build              sql.NullString
	PendingBuildAction string
	IDWas              sql.NullString
}

const recordColumns = `path, id, timestamp, mtime, meta, build, pending_build_action, id_was`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecordRow(row rowScanner) (RecordRow, error) {
	var r RecordRow
	err := row.Scan(&r.Path, &r.ID, &r.Timestamp, &r.Mtime, &r.Meta, &r.Build, &r.PendingBuildAction, &r.IDWas)
	return r, err
}

func (q *Queries) listRecordRows(ctx context.Context, query string, args ...any) ([]RecordRow, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []RecordRow
	for rows.Next() {
		r, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (q *Queries) listStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// Builds

const clearAll = `
DELETE FROM records;
DELETE FROM collection_memberships;
DELETE FROM item_ids;
DELETE FROM builds;
`

func (q *Queries) ClearAll(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, clearAll)
	return err
}

func (q *Queries) CreateBuild(ctx context.Context, builtAt int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, `INSERT INTO builds (built_at) VALUES (?)`, builtAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (q *Queries) MarkBuildCompleted(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE builds SET completed = 1 WHERE id = ?`, id)
	return err
}

func (q *Queries) CompletedBuildExists(ctx context.Context) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM builds WHERE completed = 1)`).Scan(&exists)
	return exists, err
}

// Records

func (q *Queries) GetRecordByPath(ctx context.Context, path string) (RecordRow, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE path = ?`, path)
	return scanRecordRow(row)
}

func (q *Queries) ListLiveRecordsByID(ctx context.Context, id string) ([]RecordRow, error) {
	return q.listRecordRows(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ? AND pending_build_action <> 'remove' ORDER BY path`, id)
}

func (q *Queries) ListRecordsByID(ctx context.Context, id string) ([]RecordRow, error) {
	return q.listRecordRows(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ? ORDER BY path`, id)
}

func (q *Queries) ListRecordsByPendingAction(ctx context.Context, action string) ([]RecordRow, error) {
	return q.listRecordRows(ctx, `SELECT `+recordColumns+` FROM records WHERE pending_build_action = ? ORDER BY path`, action)
}

func (q *Queries) ListRecords(ctx context.Context) ([]RecordRow, error) {
	return q.listRecordRows(ctx, `SELECT `+recordColumns+` FROM records ORDER BY path`)
}

func (q *Queries) ListRecordPaths(ctx context.Context) ([]string, error) {
	return q.listStrings(ctx, `SELECT path FROM records ORDER BY path`)
}

const upsertRecord = `
INSERT INTO records (path, id, timestamp, mtime, meta, build, pending_build_action)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (path) DO UPDATE SET
    id = excluded.id,
    timestamp = excluded.timestamp,
    mtime = excluded.mtime,
    meta = excluded.meta,
    build = excluded.build,
    pending_build_action = excluded.pending_build_action,
    id_was = records.id
`

func (q *Queries) UpsertRecord(ctx context.Context, r RecordRow) error {
	_, err := q.db.ExecContext(ctx, upsertRecord, r.Path, r.ID, r.Timestamp, r.Mtime, r.Meta, r.Build, r.PendingBuildAction)
	return err
}

func (q *Queries) UpdateRecordPendingAction(ctx context.Context, path, action string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE records SET pending_build_action = ? WHERE path = ?`, action, path)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Item ids

func (q *Queries) UpsertItemID(ctx context.Context, id, action string) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO item_ids (id, pending_build_action) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET pending_build_action = excluded.pending_build_action
`, id, action)
	return err
}

func (q *Queries) UpdateItemIDPendingAction(ctx context.Context, id, action string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE item_ids SET pending_build_action = ? WHERE id = ?`, action, id)
	return err
}

func (q *Queries) ListItemIDsByPendingAction(ctx context.Context, action string) ([]string, error) {
	return q.listStrings(ctx, `SELECT id FROM item_ids WHERE pending_build_action = ? ORDER BY id`, action)
}

// ItemIDRow is a row of the item_ids table.
type ItemIDRow struct {
	ID                 string
	PendingBuildAction string
}

func (q *Queries) ListItemIDs(ctx context.Context) ([]ItemIDRow, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, pending_build_action FROM item_ids ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ItemIDRow
	for rows.Next() {
		var r ItemIDRow
		if err := rows.Scan(&r.ID, &r.PendingBuildAction); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// Collection memberships

func (q *Queries) MarkMembershipsRemoved(ctx context.Context, recordID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE collection_memberships SET pending_build_action = 'remove' WHERE record_id = ?`, recordID)
	return err
}

func (q *Queries) UpsertMembership(ctx context.Context, collection, recordID, action string) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO collection_memberships (collection, record_id, pending_build_action) VALUES (?, ?, ?)
ON CONFLICT (collection, record_id) DO UPDATE SET pending_build_action = excluded.pending_build_action
`, collection, recordID, action)
	return err
}

func (q *Queries) ListPendingCollectionNames(ctx context.Context) ([]string, error) {
	return q.listStrings(ctx, `SELECT DISTINCT collection FROM collection_memberships WHERE pending_build_action <> 'none' ORDER BY collection`)
}

func (q *Queries) ListLiveCollectionNames(ctx context.Context) ([]string, error) {
	return q.listStrings(ctx, `SELECT DISTINCT collection FROM collection_memberships WHERE pending_build_action <> 'remove' ORDER BY collection`)
}

// ListLiveCollectionNamesWithPrefix compares prefixes literally, so glob and
// LIKE metacharacters in a prefix carry no special meaning.
func (q *Queries) ListLiveCollectionNamesWithPrefix(ctx context.Context, prefixes []string) ([]string, error) {
	conditions := make([]string, 0, len(prefixes))
	args := make([]any, 0, len(prefixes)*2)
	for _, prefix := range prefixes {
		conditions = append(conditions, `substr(collection, 1, length(?)) = ?`)
		args = append(args, prefix, prefix)
	}
	query := `SELECT DISTINCT collection FROM collection_memberships
WHERE pending_build_action <> 'remove' AND (` + strings.Join(conditions, ` OR `) + `)
ORDER BY collection`
	return q.listStrings(ctx, query, args...)
}

func (q *Queries) ListCollectionRecords(ctx context.Context, collection string) ([]RecordRow, error) {
	return q.listRecordRows(ctx, `
SELECT r.path, r.id, r.timestamp, r.mtime, r.meta, r.build, r.pending_build_action, r.id_was
FROM collection_memberships m
INNER JOIN records r ON m.record_id = r.id
WHERE m.collection = ?
  AND m.pending_build_action <> 'remove'
  AND r.pending_build_action <> 'remove'
ORDER BY r.id, r.path
`, collection)
}

func (q *Queries) CountCollectionMemberships(ctx context.Context, collection string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM collection_memberships WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

// MembershipRow is a row of the collection_memberships table.
type MembershipRow struct {
	Collection         string
	RecordID           string
	PendingBuildAction string
}

func (q *Queries) ListMemberships(ctx context.Context) ([]MembershipRow, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT collection, record_id, pending_build_action FROM collection_memberships ORDER BY collection, record_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []MembershipRow
	for rows.Next() {
		var r MembershipRow
		if err := rows.Scan(&r.Collection, &r.RecordID, &r.PendingBuildAction); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// Markers

const processMarkers = `
DELETE FROM records WHERE pending_build_action = 'remove';
UPDATE records SET pending_build_action = 'none', id_was = NULL WHERE pending_build_action <> 'none' OR id_was IS NOT NULL;
DELETE FROM collection_memberships WHERE pending_build_action = 'remove';
UPDATE collection_memberships SET pending_build_action = 'none' WHERE pending_build_action <> 'none';
DELETE FROM item_ids WHERE pending_build_action = 'remove';
UPDATE item_ids SET pending_build_action = 'none' WHERE pending_build_action <> 'none';
`

func (q *Queries) ProcessMarkers(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, processMarkers)
	return err
}
