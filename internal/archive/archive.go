// ABOUTME: SQLite-backed append-only archive of completed messages using modernc.org/sqlite
// ABOUTME: Gives the agent a durable local record beyond the in-memory context window

package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one archived message. Completed responses are archived with
// their response id as the message id.
type Record struct {
	MessageID string
	ProjectID string
	Sender    string
	Type      string
	Text      string
	CreatedAt time.Time
}

// Archive persists every message the agent sees or produces to a local
// SQLite database. It is strictly append-only and best-effort: the
// in-memory conversation store remains the source of routing context,
// so a write failure here is logged and never propagated to the
// message path.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the archive at the given path. Parent
// directories are created if needed.
func Open(path string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "archive")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	// WAL mode for concurrent reads while the message path writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	a := &Archive{db: db, logger: logger}
	if err := a.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("archive opened", "path", path)
	return a, nil
}

func (a *Archive) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			type TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (project_id, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_project_created
			ON messages(project_id, created_at);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Append writes one record. Re-archiving the same (project, message) id
// pair is a no-op, so replayed wire events stay idempotent all the way
// down.
func (a *Archive) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(message_id, project_id, sender, type, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.MessageID, rec.ProjectID, rec.Sender, rec.Type, rec.Text, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("archiving message %s: %w", rec.MessageID, err)
	}
	return nil
}

// Recent returns up to limit records for the project, oldest first.
func (a *Archive) Recent(ctx context.Context, projectID string, limit int) ([]Record, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT message_id, sender, type, text, created_at FROM (
			SELECT message_id, sender, type, text, created_at
			FROM messages
			WHERE project_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying archive for %s: %w", projectID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec := Record{ProjectID: projectID}
		if err := rows.Scan(&rec.MessageID, &rec.Sender, &rec.Type, &rec.Text, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning archive row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns how many records the project has archived.
func (a *Archive) Count(ctx context.Context, projectID string) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting archive rows: %w", err)
	}
	return n, nil
}

// Close flushes and closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
