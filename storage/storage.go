// Package storage persists the last observed and last notified state of
// every tracked item in SQLite.
package storage

import (
	"bb-watcher/pkg/watcher"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// maxParams keeps IN (...) lookups under SQLite's bound parameter limit.
const maxParams = 900

const createItems = `
CREATE TABLE IF NOT EXISTS items (
  fp TEXT PRIMARY KEY,
  course_id TEXT,
  course_name TEXT,
  source TEXT,
  external_id TEXT,
  state_fp TEXT,
  sent_state_fp TEXT,
  title TEXT,
  url TEXT,
  due TEXT,
  ts TEXT,
  raw_json TEXT,
  sent_raw_json TEXT,
  created_at TEXT,
  updated_at TEXT,
  sent_at TEXT
)`

// itemColumns lists every non-key column a migrated table must have.
var itemColumns = []string{
	"course_id", "course_name", "source", "external_id", "state_fp", "sent_state_fp",
	"title", "url", "due", "ts", "raw_json", "sent_raw_json", "created_at", "updated_at", "sent_at",
}

const selectRecord = `SELECT fp, COALESCE(course_id,''), COALESCE(course_name,''), COALESCE(source,''),
  COALESCE(external_id,''), COALESCE(state_fp,''), COALESCE(sent_state_fp,''), COALESCE(title,''),
  COALESCE(url,''), COALESCE(due,''), COALESCE(ts,''), COALESCE(raw_json,''), COALESCE(sent_raw_json,''),
  COALESCE(created_at,''), COALESCE(updated_at,''), COALESCE(sent_at,'')
FROM items`

// Store is the persistent dedup store. Concurrent runs against the same
// database file are not supported.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close database after migration error", "error", closeErr)
		}
		return nil, err
	}
	logger.Info("Store opened", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createItems); err != nil {
		return fmt.Errorf("create items table: %w", err)
	}

	cols, err := s.columns(ctx)
	if err != nil {
		return err
	}

	// Legacy tables stored the course name in "course".
	if cols["course"] && !cols["course_name"] {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE items ADD COLUMN course_name TEXT`); err != nil {
			return fmt.Errorf("add course_name column: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE items SET course_name=course
WHERE (course_name IS NULL OR course_name='') AND course IS NOT NULL AND course!=''`); err != nil {
			return fmt.Errorf("copy legacy course names: %w", err)
		}
		cols["course_name"] = true
		s.logger.Info("Migrated legacy course column")
	}

	for _, col := range itemColumns {
		if cols[col] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE items ADD COLUMN "+col+" TEXT"); err != nil {
			return fmt.Errorf("add %s column: %w", col, err)
		}
		s.logger.Info("Added missing column", "column", col)
	}

	// Rows sent before sent_state_fp existed were notified about their current state.
	res, err := s.db.ExecContext(ctx, `UPDATE items SET sent_state_fp=state_fp
WHERE (sent_state_fp IS NULL OR sent_state_fp='')
  AND (sent_at IS NOT NULL AND sent_at!='')
  AND (state_fp IS NOT NULL AND state_fp!='')`)
	if err != nil {
		return fmt.Errorf("backfill sent_state_fp: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("Backfilled sent state fingerprints", "rows", n)
	}
	return nil
}

func (s *Store) columns(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(items)`)
	if err != nil {
		return nil, fmt.Errorf("read table info: %w", err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Upsert inserts or refreshes the record of every item. It always updates
// state_fp and updated_at and never touches the sent_* columns.
func (s *Store) Upsert(ctx context.Context, items []*watcher.Item) error {
	if len(items) == 0 {
		return nil
	}
	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("Failed to roll back upsert", "error", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO items (
  fp, course_id, course_name, source, external_id, state_fp,
  title, url, due, ts, raw_json, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(fp) DO UPDATE SET
  course_id=excluded.course_id,
  course_name=excluded.course_name,
  source=excluded.source,
  external_id=excluded.external_id,
  state_fp=excluded.state_fp,
  title=excluded.title,
  url=excluded.url,
  due=excluded.due,
  ts=excluded.ts,
  raw_json=excluded.raw_json,
  updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		raw, err := json.Marshal(it.Details)
		if err != nil {
			return fmt.Errorf("marshal details of %q: %w", it.Title, err)
		}
		if _, err := stmt.ExecContext(ctx,
			watcher.IdentityFP(it), it.CourseID, it.CourseName, string(it.Source), it.ExternalID,
			watcher.StateFP(it), it.Title, it.URL, it.Due, it.TS, string(raw), now, now,
		); err != nil {
			return fmt.Errorf("upsert %q: %w", it.Title, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	s.logger.Debug("Items upserted", "count", len(items))
	return nil
}

// Classify partitions items into new (identity unknown), updated (stored
// state_fp differs) and unchanged. Items sharing an identity collapse to the
// last one.
func (s *Store) Classify(ctx context.Context, items []*watcher.Item) (fresh, updated, unchanged []*watcher.Item, err error) {
	byFP := map[string]*watcher.Item{}
	var order []string
	for _, it := range items {
		fp := watcher.IdentityFP(it)
		if _, seen := byFP[fp]; !seen {
			order = append(order, fp)
		}
		byFP[fp] = it
	}

	records, err := s.FetchRecords(ctx, order)
	if err != nil {
		return nil, nil, nil, err
	}

	for _, fp := range order {
		it := byFP[fp]
		rec, ok := records[fp]
		switch {
		case !ok:
			fresh = append(fresh, it)
		case rec.StateFP != watcher.StateFP(it):
			updated = append(updated, it)
		default:
			unchanged = append(unchanged, it)
		}
	}
	return fresh, updated, unchanged, nil
}

// FetchRecords looks up the stored records of the given identities.
// Unknown identities are absent from the result.
func (s *Store) FetchRecords(ctx context.Context, fps []string) (map[string]*watcher.Record, error) {
	out := make(map[string]*watcher.Record, len(fps))
	for start := 0; start < len(fps); start += maxParams {
		chunk := fps[start:min(start+maxParams, len(fps))]
		args := make([]any, len(chunk))
		for i, fp := range chunk {
			args[i] = fp
		}
		query := selectRecord + " WHERE fp IN (" + strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + ")"

		recs, err := s.query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("fetch records: %w", err)
		}
		for _, r := range recs {
			out[r.FP] = r
		}
	}
	return out, nil
}

// Records returns every stored record ordered by course, source and identity.
func (s *Store) Records(ctx context.Context) ([]*watcher.Record, error) {
	recs, err := s.query(ctx, selectRecord+" ORDER BY course_id, source, fp")
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*watcher.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*watcher.Record
	for rows.Next() {
		r := &watcher.Record{}
		var source string
		if err := rows.Scan(&r.FP, &r.CourseID, &r.CourseName, &source, &r.ExternalID, &r.StateFP,
			&r.SentStateFP, &r.Title, &r.URL, &r.Due, &r.TS, &r.RawJSON, &r.SentRawJSON,
			&r.CreatedAt, &r.UpdatedAt, &r.SentAt); err != nil {
			return nil, err
		}
		r.Source = watcher.Source(source)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkNotified records that the user was told about each (identity, state)
// pair: sets sent_state_fp and sent_at and snapshots the details.
func (s *Store) MarkNotified(ctx context.Context, pairs []watcher.StatePair) error {
	n, err := s.updateSent(ctx, `UPDATE items SET sent_at=?, sent_state_fp=?, sent_raw_json=raw_json WHERE fp=?`, pairs, true)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	s.logger.Info("Items marked notified", "count", n)
	return nil
}

// Acknowledge accepts each (identity, state) pair without a notification:
// sets sent_state_fp but not sent_at.
func (s *Store) Acknowledge(ctx context.Context, pairs []watcher.StatePair) error {
	n, err := s.updateSent(ctx, `UPDATE items SET sent_state_fp=?, sent_raw_json=raw_json WHERE fp=?`, pairs, false)
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	s.logger.Info("Items acknowledged", "count", n)
	return nil
}

func (s *Store) updateSent(ctx context.Context, query string, pairs []watcher.StatePair, withTime bool) (int64, error) {
	if len(pairs) == 0 {
		return 0, nil
	}
	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("Failed to roll back update", "error", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var total int64
	for _, p := range pairs {
		args := []any{p.StateFP, p.FP}
		if withTime {
			args = append([]any{now}, args...)
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, tx.Commit()
}

// Counts returns the number of stored records and how many of them carry a
// sent state fingerprint.
func (s *Store) Counts(ctx context.Context) (total, notified int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1),
  COALESCE(SUM(CASE WHEN sent_state_fp IS NOT NULL AND sent_state_fp!='' THEN 1 ELSE 0 END), 0)
FROM items`).Scan(&total, &notified)
	if err != nil {
		return 0, 0, fmt.Errorf("count records: %w", err)
	}
	return total, notified, nil
}
