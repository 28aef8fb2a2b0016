// Package sqlite stores feature and raw candle tables as single-table SQLite
// snapshot files. Each write produces a complete new file next to the target
// and renames it into place, so readers never observe a partial snapshot.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"klinefeed/internal/feature"
)

const (
	snapshotTable = "snapshot"
	metaTable     = "snapshot_meta"
)

// WriteTable overwrites path with a snapshot of tbl. Timestamps are stored as
// INTEGER epoch ms, floats as REAL, nulls as NULL.
func WriteTable(ctx context.Context, tbl *feature.Table, path string) error {
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sqlite remove stale tmp: %w", err)
	}

	start := time.Now()
	if err := writeFile(ctx, tbl, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sqlite rename snapshot: %w", err)
	}

	log.Debug().Str("component", "sqlite").Str("path", path).
		Int("rows", tbl.Len()).Dur("took", time.Since(start)).Msg("snapshot written")
	return nil
}

func writeFile(ctx context.Context, tbl *feature.Table, path string) error {
	// The file is private until renamed, so durability knobs can be relaxed.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=OFF&_synchronous=OFF")
	if err != nil {
		return fmt.Errorf("sqlite open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := createSchema(ctx, db, tbl); err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}
	if err := insertRows(ctx, db, tbl); err != nil {
		return fmt.Errorf("sqlite insert: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("sqlite close: %w", err)
	}
	return nil
}

func createSchema(ctx context.Context, db *sql.DB, tbl *feature.Table) error {
	cols := make([]string, 0, len(tbl.Columns()))
	for _, c := range tbl.Columns() {
		cols = append(cols, quote(c.Name)+" "+sqlType(c.Kind))
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (%s);

		CREATE TABLE %s (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`, snapshotTable, strings.Join(cols, ", "), metaTable))
	return err
}

// insertRows inserts every row in a single transaction.
func insertRows(ctx context.Context, db *sql.DB, tbl *feature.Table) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	columns := tbl.Columns()
	names := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		names[i] = quote(c.Name)
		marks[i] = "?"
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		snapshotTable, strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	args := make([]any, len(columns))
	for r := 0; r < tbl.Len(); r++ {
		for i, c := range columns {
			args[i] = c.Value(r)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return err
		}
	}

	meta := map[string]string{
		"written_at": strconv.FormatInt(time.Now().UnixMilli(), 10),
		"rows":       strconv.Itoa(tbl.Len()),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+metaTable+` (key, value) VALUES (?, ?)`, k, v); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func sqlType(k feature.Kind) string {
	if k == feature.KindFloat {
		return "REAL"
	}
	return "INTEGER"
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
