package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// notDeleted is the one shared tombstone predicate; every comment read
// path uses it so no listing can forget to filter soft-deleted rows.
const notDeleted = `deleted = FALSE`

const commentColumns = `
	id, issue_id, author_id, body, parent_id, ancestors, edited, deleted, created_at, updated_at
`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var item Comment
	var ancestorsRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.IssueID,
		&item.AuthorID,
		&item.Body,
		&item.ParentID,
		&ancestorsRaw,
		&item.Edited,
		&item.Deleted,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Comment{}, err
	}
	_ = json.Unmarshal(ancestorsRaw, &item.Ancestors)
	if item.Ancestors == nil {
		item.Ancestors = []string{}
	}
	return item, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	ancestors, err := marshalStrings(comment.Ancestors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO comments (id, issue_id, author_id, body, parent_id, ancestors)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, comment.ID, comment.IssueID, comment.AuthorID, comment.Body, comment.ParentID, ancestors)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID)
	return scanComment(row)
}

// ListIssueComments returns top-level comments ordered by creation time
// with id as a stable tiebreaker, so repeated pages never reshuffle.
func (s *PostgresStore) ListIssueComments(ctx context.Context, issueID string, limit, offset int) ([]Comment, error) {
	return s.queryComments(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE issue_id=$1 AND parent_id IS NULL AND `+notDeleted+`
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`, issueID, limit, offset)
}

// ListReplies returns direct children of one comment, not the whole
// descendant subtree.
func (s *PostgresStore) ListReplies(ctx context.Context, parentID string, limit, offset int) ([]Comment, error) {
	return s.queryComments(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE parent_id=$1 AND `+notDeleted+`
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`, parentID, limit, offset)
}

func (s *PostgresStore) queryComments(ctx context.Context, query string, args ...any) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateCommentBody(ctx context.Context, commentID, body string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments SET body=$2, edited=TRUE, updated_at=NOW() WHERE id=$1
	`, commentID, body)
	if err != nil {
		return fmt.Errorf("update comment body: %w", err)
	}
	return nil
}

// SoftDeleteComment tombstones the comment, keeping its position in the
// thread. The WHERE guard makes the call idempotent: only the first call
// reports a transition, so the caller decrements the counter exactly once.
func (s *PostgresStore) SoftDeleteComment(ctx context.Context, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET body='', deleted=TRUE, updated_at=NOW()
		WHERE id=$1 AND `+notDeleted+`
	`, commentID)
	if err != nil {
		return false, fmt.Errorf("soft delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete comment rows: %w", err)
	}
	return affected > 0, nil
}

// AdjustCommentCount moves the issue's denormalized counter. The counter
// is a cache, not a source of truth; it is clamped at zero and can be
// rebuilt by RecountComments.
func (s *PostgresStore) AdjustCommentCount(ctx context.Context, issueID string, delta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues SET comment_count = GREATEST(comment_count + $2, 0) WHERE id=$1
	`, issueID, delta)
	if err != nil {
		return fmt.Errorf("adjust comment count: %w", err)
	}
	return nil
}

// RecountComments reconciles the cached counter from the comment rows.
func (s *PostgresStore) RecountComments(ctx context.Context, issueID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE issues
		SET comment_count = (SELECT COUNT(*) FROM comments WHERE issue_id=$1 AND `+notDeleted+`)
		WHERE id=$1
		RETURNING comment_count
	`, issueID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("recount comments: %w", err)
	}
	return count, nil
}
