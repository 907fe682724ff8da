package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Dump writes every record, collection membership and item id as
// tab-aligned tables. It is meant for debugging a state file.
func (s *SQLiteState) Dump(w io.Writer) error {
	ctx := context.Background()

	records, err := s.queries.ListRecords(ctx)
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}
	memberships, err := s.queries.ListMemberships(ctx)
	if err != nil {
		return fmt.Errorf("listing memberships: %w", err)
	}
	itemIDs, err := s.queries.ListItemIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing item ids: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "== records (%d)\n", len(records))
	fmt.Fprintln(tw, "PATH\tID\tTIMESTAMP\tMTIME\tACTION\tID_WAS\tMETA")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.Path, r.ID, nullInt(r.Timestamp), r.Mtime, r.PendingBuildAction, nullString(r.IDWas), r.Meta)
	}

	fmt.Fprintf(tw, "\n== collection_memberships (%d)\n", len(memberships))
	fmt.Fprintln(tw, "COLLECTION\tRECORD_ID\tACTION")
	for _, m := range memberships {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Collection, m.RecordID, m.PendingBuildAction)
	}

	fmt.Fprintf(tw, "\n== item_ids (%d)\n", len(itemIDs))
	fmt.Fprintln(tw, "ID\tACTION")
	for _, i := range itemIDs {
		fmt.Fprintf(tw, "%s\t%s\n", i.ID, i.PendingBuildAction)
	}
	return tw.Flush()
}

// Schema returns the CREATE statements of the state tables and indexes,
// leaving out SQLite internals and the migration bookkeeping table.
func (s *SQLiteState) Schema() (string, error) {
	return extractSchema(s.db)
}

func extractSchema(db *sql.DB) (string, error) {
	query := `
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND name != 'schema_migrations'
		  AND tbl_name != 'schema_migrations'
		ORDER BY
		  CASE type
		    WHEN 'table' THEN 1
		    WHEN 'index' THEN 2
		  END,
		  name
	`

	rows, err := db.Query(query)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var schema strings.Builder
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("scan failed: %w", err)
		}
		schema.WriteString(stmt)
		schema.WriteString("\n\n")
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("rows error: %w", err)
	}
	return schema.String(), nil
}

func nullInt(v sql.NullInt64) string {
	if !v.Valid {
		return "-"
	}
	return fmt.Sprint(v.Int64)
}

func nullString(v sql.NullString) string {
	if !v.Valid || v.String == "" {
		return "-"
	}
	return v.String
}
