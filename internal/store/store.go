// Package store persists raw call records and sessions in SQLite so they can
// be queried offline. It implements cdr.Source.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/curtbushko/teams-cdr/internal/cdr"
	"github.com/curtbushko/teams-cdr/internal/logging"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a call record is not in the store
var ErrNotFound = errors.New("call record not found")

// timeLayout sorts lexically in chronological order
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps SQLite access for call records and sessions
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies migrations
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	// one connection so ":memory:" databases are shared
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			id TEXT PRIMARY KEY,
			call_type TEXT,
			start_time TEXT,
			end_time TEXT,
			version INTEGER,
			raw_json TEXT NOT NULL,
			fetched_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_start ON call_records(start_time);`,
		`CREATE TABLE IF NOT EXISTS call_sessions (
			call_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			start_time TEXT,
			raw_json TEXT NOT NULL,
			fetched_at TIMESTAMP,
			PRIMARY KEY (call_id, session_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveRecords upserts raw call records keyed by id. A record whose stored
// version is newer than the incoming one is left unchanged. Records without
// an id are skipped. It returns the number of records written.
func (s *Store) SaveRecords(ctx context.Context, raw []map[string]interface{}) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO call_records(id, call_type, start_time, end_time, version, raw_json, fetched_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET call_type=excluded.call_type, start_time=excluded.start_time, end_time=excluded.end_time,
			version=excluded.version, raw_json=excluded.raw_json, fetched_at=excluded.fetched_at
		WHERE excluded.version >= call_records.version`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	fetchedAt := s.now().UTC()
	written := 0
	for _, item := range raw {
		record := cdr.ParseCallRecord(item)
		if record.ID == "" {
			logging.Warn("Skipping call record without id")
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			return written, fmt.Errorf("failed to encode call record %s: %w", record.ID, err)
		}

		var start, end interface{}
		if !record.StartTime.IsZero() {
			start = record.StartTime.UTC().Format(timeLayout)
		}
		if record.EndTime != nil {
			end = record.EndTime.UTC().Format(timeLayout)
		}

		res, err := stmt.ExecContext(ctx, record.ID, string(record.CallType), start, end, record.Version, string(data), fetchedAt)
		if err != nil {
			return written, fmt.Errorf("failed to save call record %s: %w", record.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// SaveSessions replaces the stored sessions of callID
func (s *Store) SaveSessions(ctx context.Context, callID string, raw []map[string]interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM call_sessions WHERE call_id=?`, callID); err != nil {
		return err
	}

	fetchedAt := s.now().UTC()
	for i, item := range raw {
		session := cdr.ParseSession(item)
		id := session.ID
		if id == "" {
			id = fmt.Sprintf("#%d", i)
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to encode session %s: %w", id, err)
		}
		var start interface{}
		if session.StartTime != nil {
			start = session.StartTime.UTC().Format(timeLayout)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO call_sessions(call_id, session_id, start_time, raw_json, fetched_at) VALUES(?,?,?,?,?)`,
			callID, id, start, string(data), fetchedAt); err != nil {
			return fmt.Errorf("failed to save session %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ListCallRecords returns stored records whose start time falls in the
// query window, oldest first
func (s *Store) ListCallRecords(ctx context.Context, query cdr.Query) ([]map[string]interface{}, error) {
	sqlText := `SELECT raw_json FROM call_records WHERE 1=1`
	var args []interface{}
	if query.From != nil {
		sqlText += ` AND start_time >= ?`
		args = append(args, query.From.UTC().Format(timeLayout))
	}
	if query.To != nil {
		sqlText += ` AND start_time <= ?`
		args = append(args, query.To.UTC().Format(timeLayout))
	}
	sqlText += ` ORDER BY start_time ASC, id ASC`
	if query.Limit > 0 {
		sqlText += ` LIMIT ?`
		args = append(args, query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	return scanRaw(rows)
}

// GetCallRecord returns a stored record or ErrNotFound
func (s *Store) GetCallRecord(ctx context.Context, id string) (map[string]interface{}, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT raw_json FROM call_records WHERE id=?`, id).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return nil, err
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode call record %s: %w", id, err)
	}
	return raw, nil
}

// ListSessions returns the stored sessions of callID, oldest first
func (s *Store) ListSessions(ctx context.Context, callID string) ([]map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM call_sessions WHERE call_id=? ORDER BY start_time ASC, session_id ASC`, callID)
	if err != nil {
		return nil, err
	}
	return scanRaw(rows)
}

// Count returns the number of stored call records
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_records`).Scan(&n)
	return n, err
}

// LatestStart returns the newest stored call start, or nil when empty
func (s *Store) LatestStart(ctx context.Context) (*time.Time, error) {
	var value sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(start_time) FROM call_records`).Scan(&value); err != nil {
		return nil, err
	}
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanRaw(rows *sql.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()
	result := []map[string]interface{}{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			return nil, err
		}
		result = append(result, raw)
	}
	return result, rows.Err()
}
