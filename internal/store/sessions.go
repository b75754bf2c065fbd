package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anescaper/agent-orchestra/internal/model"
)

const sessionColumns = `session_id, project_id, team_name, task, branch, worktree_path, status, files_changed, merge_result, merge_order_index, started_at, completed_at`

// CreateSession inserts a new agent session, assigning a ULID if SessionID is unset.
func (s *Store) CreateSession(ctx context.Context, session *model.AgentSession) error {
	if session.SessionID == "" {
		session.SessionID = newULID()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if session.MergeResult == "" {
		session.MergeResult = model.MergeUnset
	}
	filesChanged, err := json.Marshal(session.FilesChanged)
	if err != nil {
		return fmt.Errorf("marshal files changed: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.ProjectID, session.TeamName, session.Task, session.Branch,
		session.WorktreePath, string(session.Status), string(filesChanged), string(session.MergeResult),
		session.MergeOrderIndex, session.StartedAt, session.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession fetches an agent session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.AgentSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE session_id = ?`, sessionID)
	return scanSessionRow(row)
}

// ListSessionsByProject returns every session belonging to a project, in launch order.
func (s *Store) ListSessionsByProject(ctx context.Context, projectID string) ([]*model.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE project_id = ? ORDER BY started_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.AgentSession
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession persists the full current state of session.
func (s *Store) UpdateSession(ctx context.Context, session *model.AgentSession) error {
	filesChanged, err := json.Marshal(session.FilesChanged)
	if err != nil {
		return fmt.Errorf("marshal files changed: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET status=?, files_changed=?, merge_result=?, merge_order_index=?, completed_at=?
		WHERE session_id=?`,
		string(session.Status), string(filesChanged), string(session.MergeResult),
		session.MergeOrderIndex, session.CompletedAt, session.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s: %w", session.SessionID, ErrNotFound)
	}
	return nil
}

func scanSessionRow(row rowScanner) (*model.AgentSession, error) {
	sess := &model.AgentSession{}
	var status, filesChanged, mergeResult string
	var completedAt sql.NullTime

	err := row.Scan(
		&sess.SessionID, &sess.ProjectID, &sess.TeamName, &sess.Task, &sess.Branch, &sess.WorktreePath,
		&status, &filesChanged, &mergeResult, &sess.MergeOrderIndex, &sess.StartedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = model.SessionStatus(status)
	sess.MergeResult = model.MergeResult(mergeResult)
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(filesChanged), &sess.FilesChanged)
	return sess, nil
}

const taskColumns = `id, session_id, teammate, role, status, output, error, started_at, completed_at`

// CreateTask inserts a new teammate task, assigning a ULID if ID is unset.
func (s *Store) CreateTask(ctx context.Context, task *model.TeammateTask) error {
	if task.ID == "" {
		task.ID = newULID()
	}
	if task.StartedAt.IsZero() {
		task.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teammate_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.SessionID, task.Teammate, task.Role, task.Status, task.Output, task.Error,
		task.StartedAt, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// ListTasksBySession returns every teammate task belonging to a session.
func (s *Store) ListTasksBySession(ctx context.Context, sessionID string) ([]*model.TeammateTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM teammate_tasks WHERE session_id = ? ORDER BY started_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.TeammateTask
	for rows.Next() {
		t := &model.TeammateTask{}
		var completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Teammate, &t.Role, &t.Status, &t.Output, &t.Error,
			&t.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask persists the full current state of task.
func (s *Store) UpdateTask(ctx context.Context, task *model.TeammateTask) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE teammate_tasks SET status=?, output=?, error=?, completed_at=? WHERE id=?`,
		task.Status, task.Output, task.Error, task.CompletedAt, task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task not found: %s: %w", task.ID, ErrNotFound)
	}
	return nil
}
