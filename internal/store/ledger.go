// ABOUTME: SQLite-backed durable ledger of sessions and command lifecycles using modernc.org/sqlite.
// ABOUTME: Audit trail only; the in-memory tasking engine remains the source of truth.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/redwing-sec/talon/internal/tasking"
)

// Ledger persists session sightings and command lifecycle transitions. Rows
// are never deleted here: removing a session from the live registry leaves
// its audit trail intact.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger at path. ":memory:" is supported for
// tests. Parent directories are created if needed.
func Open(path string) (*Ledger, error) {
	logger := slog.Default().With("component", "ledger")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("command ledger initialized", "path", path)
	return l, nil
}

// createSchema creates the ledger tables if they don't exist.
func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL,
			remote_address TEXT NOT NULL,
			hostname TEXT NOT NULL,
			username TEXT NOT NULL,
			process_name TEXT NOT NULL,
			process_id INTEGER NOT NULL,
			poll_interval INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS commands (
			command_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			text TEXT NOT NULL,
			status TEXT NOT NULL,
			issued_at DATETIME NOT NULL,
			sent_at DATETIME,
			completed_at DATETIME,
			result TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_commands_session
			ON commands(session_id, issued_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// SaveSession upserts the latest sighting of a session.
func (l *Ledger) SaveSession(ctx context.Context, info tasking.Info) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sessions (id, first_seen, last_seen, remote_address, hostname, username, process_name, process_id, poll_interval)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_seen = excluded.last_seen,
			remote_address = excluded.remote_address,
			hostname = excluded.hostname,
			username = excluded.username,
			process_name = excluded.process_name,
			process_id = excluded.process_id,
			poll_interval = excluded.poll_interval
	`, info.ID, info.FirstSeen, info.LastSeen, info.RemoteAddress,
		info.Hostname, info.Username, info.ProcessName, info.ProcessID, info.Interval)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", info.ID, err)
	}
	return nil
}

// SaveCommand upserts the latest state of a command.
func (l *Ledger) SaveCommand(ctx context.Context, sessionID string, cmd tasking.Command) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO commands (command_id, session_id, text, status, issued_at, sent_at, completed_at, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET
			status = excluded.status,
			sent_at = excluded.sent_at,
			completed_at = excluded.completed_at,
			result = excluded.result
	`, cmd.ID, sessionID, cmd.Text, string(cmd.Status), cmd.IssuedAt,
		nullableTime(cmd.SentAt), nullableTime(cmd.CompletedAt), cmd.Result)
	if err != nil {
		return fmt.Errorf("saving command %s: %w", cmd.ID, err)
	}
	return nil
}

// SessionCommands returns the recorded commands for a session ordered by
// issue time.
func (l *Ledger) SessionCommands(ctx context.Context, sessionID string) ([]tasking.Command, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT command_id, text, status, issued_at, sent_at, completed_at, result
		FROM commands
		WHERE session_id = ?
		ORDER BY issued_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying commands for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []tasking.Command
	for rows.Next() {
		var cmd tasking.Command
		var status string
		var sentAt, completedAt sql.NullTime
		if err := rows.Scan(&cmd.ID, &cmd.Text, &status, &cmd.IssuedAt, &sentAt, &completedAt, &cmd.Result); err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		cmd.Status = tasking.Status(status)
		if sentAt.Valid {
			t := sentAt.Time
			cmd.SentAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			cmd.CompletedAt = &t
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// Ping verifies the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
