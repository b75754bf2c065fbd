package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anescaper/agent-orchestra/internal/model"
)

const projectColumns = `project_id, name, repo_path, build_command, test_command, phase, agent_count, merged_count, completed_count, failed_count, build_attempts, test_attempts, merge_order, error_message, started_at, completed_at`

// CreateProject inserts a new GM project, assigning a ULID if ProjectID is unset.
func (s *Store) CreateProject(ctx context.Context, p *model.GMProject) error {
	if p.ProjectID == "" {
		p.ProjectID = newULID()
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now().UTC()
	}
	mergeOrder, err := json.Marshal(p.MergeOrder)
	if err != nil {
		return fmt.Errorf("marshal merge order: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gm_projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.Name, p.RepoPath, p.BuildCommand, p.TestCommand, string(p.Phase),
		p.AgentCount, p.MergedCount, p.CompletedCount, p.FailedCount, p.BuildAttempts, p.TestAttempts,
		string(mergeOrder), p.ErrorMessage, p.StartedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject fetches a GM project by id.
func (s *Store) GetProject(ctx context.Context, projectID string) (*model.GMProject, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM gm_projects WHERE project_id = ?`, projectID)
	return scanProject(row)
}

// ListProjects returns every GM project, most recently started first.
func (s *Store) ListProjects(ctx context.Context) ([]*model.GMProject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM gm_projects ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.GMProject
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject persists the full current state of p.
func (s *Store) UpdateProject(ctx context.Context, p *model.GMProject) error {
	mergeOrder, err := json.Marshal(p.MergeOrder)
	if err != nil {
		return fmt.Errorf("marshal merge order: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE gm_projects SET name=?, repo_path=?, build_command=?, test_command=?, phase=?, agent_count=?, merged_count=?, completed_count=?, failed_count=?, build_attempts=?, test_attempts=?, merge_order=?, error_message=?, completed_at=?
		WHERE project_id=?`,
		p.Name, p.RepoPath, p.BuildCommand, p.TestCommand, string(p.Phase),
		p.AgentCount, p.MergedCount, p.CompletedCount, p.FailedCount, p.BuildAttempts, p.TestAttempts,
		string(mergeOrder), p.ErrorMessage, p.CompletedAt, p.ProjectID,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project not found: %s: %w", p.ProjectID, ErrNotFound)
	}
	return nil
}

// ListProjectsByPhase returns every project currently sitting in one of the
// given phases, e.g. for restart-time inspection of stuck pipelines.
func (s *Store) ListProjectsByPhase(ctx context.Context, phases ...model.Phase) ([]*model.GMProject, error) {
	if len(phases) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(phases))
	for i, ph := range phases {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(ph))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM gm_projects WHERE phase IN (`+placeholders+`) ORDER BY started_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects by phase: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.GMProject
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*model.GMProject, error) {
	return scanProjectRow(row)
}

func scanProjectRow(row rowScanner) (*model.GMProject, error) {
	p := &model.GMProject{}
	var phase, mergeOrder string
	var completedAt sql.NullTime

	err := row.Scan(
		&p.ProjectID, &p.Name, &p.RepoPath, &p.BuildCommand, &p.TestCommand, &phase,
		&p.AgentCount, &p.MergedCount, &p.CompletedCount, &p.FailedCount, &p.BuildAttempts, &p.TestAttempts,
		&mergeOrder, &p.ErrorMessage, &p.StartedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project not found: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}

	p.Phase = model.Phase(phase)
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(mergeOrder), &p.MergeOrder)
	return p, nil
}
