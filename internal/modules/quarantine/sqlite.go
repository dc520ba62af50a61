package quarantine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS quarantine (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	level INTEGER NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	context TEXT NOT NULL,
	analysis TEXT NOT NULL,
	auto_delete_at TEXT NOT NULL,
	purged_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_quarantine_level ON quarantine(level);
CREATE INDEX IF NOT EXISTS idx_quarantine_status ON quarantine(status);
CREATE INDEX IF NOT EXISTS idx_quarantine_timestamp ON quarantine(timestamp);
CREATE INDEX IF NOT EXISTS idx_quarantine_auto_delete ON quarantine(auto_delete_at);
`

// Fixed-width UTC timestamps so string comparison in SQL orders correctly.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const selectColumns = "SELECT id, timestamp, status, payload, context, analysis, auto_delete_at, purged_at FROM quarantine"

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the quarantine database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening quarantine db: %w", err)
	}
	// Single connection: SQLite allows one writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

type encodedRecord struct {
	payload, context, analysis string
	purgedAt                   sql.NullString
}

func encode(rec *Record) (*encodedRecord, error) {
	p, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	c, err := json.Marshal(rec.Context)
	if err != nil {
		return nil, fmt.Errorf("encoding context: %w", err)
	}
	a, err := json.Marshal(rec.Analysis)
	if err != nil {
		return nil, fmt.Errorf("encoding analysis: %w", err)
	}
	e := &encodedRecord{payload: string(p), context: string(c), analysis: string(a)}
	if rec.PurgedAt != nil {
		e.purgedAt = sql.NullString{String: formatTS(*rec.PurgedAt), Valid: true}
	}
	return e, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	e, err := encode(rec)
	if err != nil {
		return core.NewError(core.KindStorageFailure, "quarantine.create", "encoding record", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quarantine (id, timestamp, level, status, payload, context, analysis, auto_delete_at, purged_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, formatTS(rec.Timestamp), int(rec.Level()), string(rec.Status),
		e.payload, e.context, e.analysis, formatTS(rec.AutoDeleteAt), e.purgedAt,
	)
	if err != nil {
		return core.NewError(core.KindStorageFailure, "quarantine.create", "inserting record", err)
	}
	return nil
}

func (s *SQLiteStore) Find(ctx context.Context, c Criteria) ([]*Record, error) {
	query := selectColumns + " WHERE 1=1"
	var args []any

	if c.MinLevel > threat.LevelNone {
		query += " AND level >= ?"
		args = append(args, int(c.MinLevel))
	}
	if !c.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, formatTS(c.Since))
	}
	if !c.Until.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, formatTS(c.Until))
	}
	if c.Status != "" {
		query += " AND status = ?"
		args = append(args, string(c.Status))
	}
	if !c.ExpiredBefore.IsZero() {
		query += " AND auto_delete_at <= ?"
		args = append(args, formatTS(c.ExpiredBefore))
	}

	query += " ORDER BY timestamp DESC, id ASC"
	if c.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", c.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewError(core.KindStorageFailure, "quarantine.find", "querying records", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewError(core.KindStorageFailure, "quarantine.find", "iterating records", err)
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) Update(ctx context.Context, rec *Record) error {
	e, err := encode(rec)
	if err != nil {
		return core.NewError(core.KindStorageFailure, "quarantine.update", "encoding record", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE quarantine SET status = ?, payload = ?, analysis = ?, auto_delete_at = ?, purged_at = ? WHERE id = ?`,
		string(rec.Status), e.payload, e.analysis, formatTS(rec.AutoDeleteAt), e.purgedAt, rec.ID,
	)
	if err != nil {
		return core.NewError(core.KindStorageFailure, "quarantine.update", "updating record", err)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM quarantine WHERE id = ?`, id)
	if err != nil {
		return core.NewError(core.KindStorageFailure, "quarantine.delete", "deleting record", err)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM quarantine`); err != nil {
		return core.NewError(core.KindStorageFailure, "quarantine.clear", "clearing records", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewError(core.KindStorageFailure, "quarantine", "reading affected rows", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                           Record
		ts, status, autoDelete        string
		payloadJSON, ctxJSON, anaJSON string
		purgedAt                      sql.NullString
	)
	if err := row.Scan(&rec.ID, &ts, &status, &payloadJSON, &ctxJSON, &anaJSON, &autoDelete, &purgedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, core.NewError(core.KindStorageFailure, "quarantine.scan", "scanning row", err)
	}

	var err error
	if rec.Timestamp, err = parseTS(ts); err != nil {
		return nil, core.NewError(core.KindStorageFailure, "quarantine.scan", "parsing timestamp", err)
	}
	if rec.AutoDeleteAt, err = parseTS(autoDelete); err != nil {
		return nil, core.NewError(core.KindStorageFailure, "quarantine.scan", "parsing auto_delete_at", err)
	}
	if purgedAt.Valid {
		t, err := parseTS(purgedAt.String)
		if err != nil {
			return nil, core.NewError(core.KindStorageFailure, "quarantine.scan", "parsing purged_at", err)
		}
		rec.PurgedAt = &t
	}
	rec.Status = Status(status)

	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		return nil, core.NewError(core.KindStorageFailure, "quarantine.scan", "decoding payload", err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
		return nil, core.NewError(core.KindStorageFailure, "quarantine.scan", "decoding context", err)
	}
	if anaJSON != "null" {
		rec.Analysis = &threat.Result{}
		if err := json.Unmarshal([]byte(anaJSON), rec.Analysis); err != nil {
			return nil, core.NewError(core.KindStorageFailure, "quarantine.scan", "decoding analysis", err)
		}
	}
	return &rec, nil
}
