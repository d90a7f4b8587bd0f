// Package sqlite mirrors audit entries into an indexed SQLite table so that
// recent-activity queries do not have to scan the JSONL files.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentsh/cmdgate/pkg/types"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SupportsQueries marks the SQLite mirror as the preferred query backend.
func (s *Store) SupportsQueries() bool { return true }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL UNIQUE,
			ts_unix_ns INTEGER NOT NULL,
			operation TEXT NOT NULL,
			agent TEXT,
			workflow TEXT,
			command TEXT,
			success INTEGER NOT NULL,
			severity TEXT NOT NULL,
			reason TEXT,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_agent_ts ON audit_entries(agent, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_operation_ts ON audit_entries(operation, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_severity_ts ON audit_entries(severity, ts_unix_ns);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) AppendEntry(ctx context.Context, e types.AuditEntry) error {
	if e.ID == "" {
		return fmt.Errorf("entry missing id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries(
			entry_id, ts_unix_ns, operation, agent, workflow, command,
			success, severity, reason, payload_json
		) VALUES(?,?,?,?,?,?,?,?,?,?);`,
		e.ID,
		e.Timestamp.UTC().UnixNano(),
		string(e.Operation),
		nullable(e.Agent),
		nullable(e.Workflow),
		nullable(e.Command),
		boolToInt(e.Success),
		string(e.Severity),
		nullable(e.Reason),
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *Store) QueryEntries(ctx context.Context, q types.EntryQuery) ([]types.AuditEntry, error) {
	where := []string{"1=1"}
	var args []any

	if q.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, q.Agent)
	}
	if q.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, string(q.Operation))
	}
	if q.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(q.Severity))
	}
	if q.Success != nil {
		where = append(where, "success = ?")
		args = append(args, boolToInt(*q.Success))
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM audit_entries WHERE `+strings.Join(where, " AND ")+
			` ORDER BY ts_unix_ns `+order+`, seq `+order+` LIMIT ?`,
		append(args, limit)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e types.AuditEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query entries rows: %w", err)
	}
	return out, nil
}

// Count returns the number of mirrored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
