package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeagent/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "audit.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RunMigrations(db, testLogger()))
	require.NoError(t, RunMigrations(db, testLogger()))

	v, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
}

func TestLogAudit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.LogAudit(ctx, domain.AuditEntry{
		Action: "command_blocked", ToolName: "get_file_content", Command: ".env",
		Result: "blocked", Details: "blacklist match",
	})
	require.NoError(t, err)

	var subject, result string
	err = s.db.QueryRow(`SELECT subject, result FROM audit_log`).Scan(&subject, &result)
	require.NoError(t, err)
	assert.Equal(t, ".env", subject)
	assert.Equal(t, "blocked", result)
}

func TestRecordToolCall_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordToolCall(ctx, domain.ToolCallRecord{
		CallID: "c1", ToolName: "get_files_info",
		Arguments:  map[string]any{"directory": "pkg"},
		OutputSize: 42, Duration: 15 * time.Millisecond,
	}))
	require.NoError(t, s.RecordToolCall(ctx, domain.ToolCallRecord{
		CallID: "c2", ToolName: "run_python_file",
		Arguments: map[string]any{"file_path": "main.py", "args": []any{"3 + 5"}},
		Failed:    true, ErrorKind: domain.KindTimeout,
	}))

	recs, err := s.RecentToolCalls(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Newest first.
	assert.Equal(t, "c2", recs[0].CallID)
	assert.True(t, recs[0].Failed)
	assert.Equal(t, domain.KindTimeout, recs[0].ErrorKind)
	assert.Equal(t, []any{"3 + 5"}, recs[0].Arguments["args"])

	assert.Equal(t, "c1", recs[1].CallID)
	assert.False(t, recs[1].Failed)
	assert.Equal(t, 42, recs[1].OutputSize)
	assert.Equal(t, 15*time.Millisecond, recs[1].Duration)
	assert.Equal(t, "pkg", recs[1].Arguments["directory"])
	assert.False(t, recs[1].CreatedAt.IsZero())
}

func TestRecentToolCalls_Limit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordToolCall(ctx, domain.ToolCallRecord{CallID: "c", ToolName: "write_file"}))
	}

	recs, err := s.RecentToolCalls(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestRecentToolCalls_Empty(t *testing.T) {
	recs, err := testStore(t).RecentToolCalls(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
