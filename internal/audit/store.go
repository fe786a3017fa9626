package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"codeagent/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps security decisions and tool-call history.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, tool_name, subject, result, details)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Action, entry.ToolName, entry.Command, entry.Result, entry.Details,
	)
	return err
}

func (s *SQLiteStore) RecordToolCall(ctx context.Context, rec domain.ToolCallRecord) error {
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (call_id, tool_name, arguments, failed, error_kind, output_size, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.ToolName, string(args), rec.Failed, string(rec.ErrorKind),
		rec.OutputSize, rec.Duration.Milliseconds(), rec.CreatedAt.UTC(),
	)
	return err
}

// RecentToolCalls returns the newest calls first.
func (s *SQLiteStore) RecentToolCalls(ctx context.Context, limit int) ([]domain.ToolCallRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, tool_name, arguments, failed, error_kind, output_size, duration_ms, created_at
		 FROM tool_calls ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ToolCallRecord
	for rows.Next() {
		var (
			rec        domain.ToolCallRecord
			args, kind string
			durationMs int64
		)
		if err := rows.Scan(&rec.CallID, &rec.ToolName, &args, &rec.Failed, &kind,
			&rec.OutputSize, &durationMs, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if args != "" && args != "null" {
			if err := json.Unmarshal([]byte(args), &rec.Arguments); err != nil {
				s.logger.Warn("undecodable arguments in audit row", "call_id", rec.CallID, "err", err)
			}
		}
		rec.ErrorKind = domain.ErrorKind(kind)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
