package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal string list: %w", err)
	}
	return string(encoded), nil
}

func marshalAttachments(values []Attachment) (string, error) {
	if values == nil {
		values = []Attachment{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	return string(encoded), nil
}

// NextIssueKey atomically advances the project's issue counter and returns
// the composed human key. The increment and the read of the pre-increment
// value are a single statement, so two concurrent creates can never mint
// the same key.
func (s *PostgresStore) NextIssueKey(ctx context.Context, projectID string) (string, error) {
	var projectKey string
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE projects
		SET next_issue_seq = next_issue_seq + 1, updated_at=NOW()
		WHERE id=$1
		RETURNING key, next_issue_seq - 1
	`, projectID).Scan(&projectKey, &seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", projectKey, seq), nil
}

func (s *PostgresStore) InsertIssue(ctx context.Context, issue Issue) error {
	labels, err := marshalStrings(issue.Labels)
	if err != nil {
		return err
	}
	watchers, err := marshalStrings(issue.Watchers)
	if err != nil {
		return err
	}
	attachments, err := marshalAttachments(issue.Attachments)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues (id, project_id, key, title, description, type, status, priority, severity, reporter_id, assignee_id, labels, watchers, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12::jsonb, $13::jsonb, $14::jsonb)
	`, issue.ID, issue.ProjectID, issue.Key, issue.Title, issue.Description, issue.Type, issue.Status, issue.Priority, issue.Severity, issue.ReporterID, issue.AssigneeID, labels, watchers, attachments)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

const issueColumns = `
	id, project_id, key, title, description, type, status, priority, severity,
	reporter_id, COALESCE(assignee_id, ''), labels, watchers, attachments,
	comment_count, created_at, updated_at
`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var item Issue
	var labelsRaw, watchersRaw, attachmentsRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.Key,
		&item.Title,
		&item.Description,
		&item.Type,
		&item.Status,
		&item.Priority,
		&item.Severity,
		&item.ReporterID,
		&item.AssigneeID,
		&labelsRaw,
		&watchersRaw,
		&attachmentsRaw,
		&item.CommentCount,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Issue{}, err
	}
	_ = json.Unmarshal(labelsRaw, &item.Labels)
	_ = json.Unmarshal(watchersRaw, &item.Watchers)
	_ = json.Unmarshal(attachmentsRaw, &item.Attachments)
	return item, nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=$1`, issueID)
	return scanIssue(row)
}

// ListIssues is always scoped to one project. The free-text query matches
// key, title and description; ordering is newest first with id as a stable
// tiebreaker for pagination.
func (s *PostgresStore) ListIssues(ctx context.Context, projectID string, filter IssueFilter) ([]Issue, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE project_id=$1
			AND ($2='' OR status=$2)
			AND ($3='' OR priority=$3)
			AND ($4='' OR assignee_id=$4)
			AND ($5='' OR key ILIKE '%' || $5 || '%' OR title ILIKE '%' || $5 || '%' OR description ILIKE '%' || $5 || '%')
		ORDER BY created_at DESC, id DESC
		LIMIT $6 OFFSET $7
	`, projectID, filter.Status, filter.Priority, filter.AssigneeID, filter.Query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		item, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

// UpdateIssueFields applies a partial update; only supplied fields are
// touched. AssigneeID, Labels and Watchers are replaced wholesale.
func (s *PostgresStore) UpdateIssueFields(ctx context.Context, issueID string, patch IssuePatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update issue: %w", err)
	}
	defer tx.Rollback()

	set := func(query string, value any) error {
		if _, err := tx.ExecContext(ctx, query, issueID, value); err != nil {
			return fmt.Errorf("update issue field: %w", err)
		}
		return nil
	}

	if patch.Title != nil {
		if err := set(`UPDATE issues SET title=$2, updated_at=NOW() WHERE id=$1`, *patch.Title); err != nil {
			return err
		}
	}
	if patch.Description != nil {
		if err := set(`UPDATE issues SET description=$2, updated_at=NOW() WHERE id=$1`, *patch.Description); err != nil {
			return err
		}
	}
	if patch.Type != nil {
		if err := set(`UPDATE issues SET type=$2, updated_at=NOW() WHERE id=$1`, *patch.Type); err != nil {
			return err
		}
	}
	if patch.Priority != nil {
		if err := set(`UPDATE issues SET priority=$2, updated_at=NOW() WHERE id=$1`, *patch.Priority); err != nil {
			return err
		}
	}
	if patch.Severity != nil {
		if err := set(`UPDATE issues SET severity=$2, updated_at=NOW() WHERE id=$1`, *patch.Severity); err != nil {
			return err
		}
	}
	if patch.AssigneeID != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE issues SET assignee_id=NULLIF($2, ''), updated_at=NOW() WHERE id=$1`, issueID, *patch.AssigneeID); err != nil {
			return fmt.Errorf("update issue assignee: %w", err)
		}
	}
	if patch.Labels != nil {
		labels, err := marshalStrings(*patch.Labels)
		if err != nil {
			return err
		}
		if err := set(`UPDATE issues SET labels=$2::jsonb, updated_at=NOW() WHERE id=$1`, labels); err != nil {
			return err
		}
	}
	if patch.Watchers != nil {
		watchers, err := marshalStrings(*patch.Watchers)
		if err != nil {
			return err
		}
		if err := set(`UPDATE issues SET watchers=$2::jsonb, updated_at=NOW() WHERE id=$1`, watchers); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update issue: %w", err)
	}
	return nil
}

// TransitionIssueStatus sets the new status and appends the audit entry in
// one transaction, returning the status that was replaced. The prior value
// is captured by the UPDATE itself under a row lock, so two concurrent
// transitions each record the status they actually displaced rather than a
// shared stale read. The history table is append-only; nothing in this
// codebase updates or deletes its rows.
func (s *PostgresStore) TransitionIssueStatus(ctx context.Context, issueID, toStatus, changedBy string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin status transition: %w", err)
	}
	defer tx.Rollback()

	var fromStatus string
	err = tx.QueryRowContext(ctx, `
		UPDATE issues
		SET status=$2, updated_at=NOW()
		FROM (SELECT id, status AS prev_status FROM issues WHERE id=$1 FOR UPDATE) prev
		WHERE issues.id = prev.id
		RETURNING prev.prev_status
	`, issueID, toStatus).Scan(&fromStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("update issue status: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO issue_status_history (issue_id, from_status, to_status, changed_by)
		VALUES ($1, $2, $3, $4)
	`, issueID, fromStatus, toStatus, changedBy); err != nil {
		return "", fmt.Errorf("append status history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit status transition: %w", err)
	}
	return fromStatus, nil
}

func (s *PostgresStore) ListStatusHistory(ctx context.Context, issueID string) ([]StatusChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, from_status, to_status, changed_by, changed_at
		FROM issue_status_history
		WHERE issue_id=$1
		ORDER BY changed_at ASC, id ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	items := make([]StatusChange, 0)
	for rows.Next() {
		var item StatusChange
		if err := rows.Scan(&item.ID, &item.IssueID, &item.FromStatus, &item.ToStatus, &item.ChangedBy, &item.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status history: %w", err)
	}
	return items, nil
}
