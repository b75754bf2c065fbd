package store

import (
	"context"
	"fmt"
	"time"
)

// LogEntry is one persisted audit-trail line, distinct from the live
// gmlog.Logger output: this is the durable record read back by
// ListLogsByProject, not the operator-facing stream.
type LogEntry struct {
	ID        string
	ProjectID string
	SessionID string
	Level     string
	Message   string
	CreatedAt time.Time
}

// AppendLog records one audit-trail line.
func (s *Store) AppendLog(ctx context.Context, entry LogEntry) error {
	if entry.ID == "" {
		entry.ID = newULID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (id, project_id, session_id, level, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ProjectID, entry.SessionID, entry.Level, entry.Message, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogsByProject returns a project's audit trail, oldest first.
func (s *Store) ListLogsByProject(ctx context.Context, projectID string, limit int) ([]LogEntry, error) {
	query := `SELECT id, project_id, session_id, level, message, created_at FROM logs WHERE project_id = ? ORDER BY created_at ASC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.SessionID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
