package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/anescaper/agent-orchestra/internal/model"
)

const decisionColumns = `decision_id, project_id, kind, description, proposed_action, context, status, created_at, resolved_at`

// CreateDecision inserts a new pending decision, assigning a ULID if DecisionID is unset.
func (s *Store) CreateDecision(ctx context.Context, d *model.Decision) error {
	if d.DecisionID == "" {
		d.DecisionID = newULID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DecisionPending
	}
	d.Context = model.TruncateContext(d.Context)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gm_decisions (`+decisionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DecisionID, d.ProjectID, string(d.Kind), d.Description, d.ProposedAction, d.Context,
		string(d.Status), d.CreatedAt, d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("create decision: %w", err)
	}
	return nil
}

// GetDecision fetches a decision by id.
func (s *Store) GetDecision(ctx context.Context, decisionID string) (*model.Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM gm_decisions WHERE decision_id = ?`, decisionID)
	return scanDecisionRow(row)
}

// ListPendingDecisions returns every decision awaiting a human response,
// oldest first, optionally filtered to one project.
func (s *Store) ListPendingDecisions(ctx context.Context, projectID string) ([]*model.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM gm_decisions WHERE status = ?`
	args := []any{string(model.DecisionPending)}
	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Decision
	for rows.Next() {
		d, err := scanDecisionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ResolveDecision marks a decision approved or rejected. It is a no-op,
// returning no error, if the decision was already resolved — resolution
// is idempotent.
func (s *Store) ResolveDecision(ctx context.Context, decisionID string, status model.DecisionStatus) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE gm_decisions SET status=?, resolved_at=? WHERE decision_id=? AND status=?`,
		string(status), now, decisionID, string(model.DecisionPending),
	)
	if err != nil {
		return fmt.Errorf("resolve decision: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var exists int
		_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gm_decisions WHERE decision_id = ?`, decisionID).Scan(&exists)
		if exists == 0 {
			return fmt.Errorf("decision not found: %s: %w", decisionID, ErrNotFound)
		}
		// Already resolved; idempotent no-op.
	}
	return nil
}

func scanDecisionRow(row rowScanner) (*model.Decision, error) {
	d := &model.Decision{}
	var kind, status string
	var resolvedAt sql.NullTime

	err := row.Scan(&d.DecisionID, &d.ProjectID, &kind, &d.Description, &d.ProposedAction, &d.Context,
		&status, &d.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("decision not found: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan decision: %w", err)
	}

	d.Kind = model.DecisionKind(kind)
	d.Status = model.DecisionStatus(status)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}
