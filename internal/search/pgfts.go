package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across issues and comments using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Issues sub-query
	if q.FilterType == "" || q.FilterType == ResultIssue {
		issueWhere := "i.fts @@ " + tsQuery
		if q.FilterProjectID != "" {
			issueWhere += fmt.Sprintf(" AND i.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		if q.ProjectIDs != nil {
			issueWhere += fmt.Sprintf(" AND i.project_id = ANY($%d)", argN)
			args = append(args, q.ProjectIDs)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'issue'::text AS type, i.id, i.title,
				ts_headline('english', coalesce(i.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				i.id AS issue_id, i.key AS issue_key, i.project_id,
				i.status,
				ts_rank(i.fts, %s) AS rank
			FROM issues i
			WHERE %s`, tsQuery, tsQuery, issueWhere))
	}

	// Comments sub-query
	if q.FilterType == "" || q.FilterType == ResultComment {
		commentWhere := "c.fts @@ " + tsQuery + " AND c.deleted = FALSE"
		if q.FilterProjectID != "" {
			commentWhere += fmt.Sprintf(" AND i.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		if q.ProjectIDs != nil {
			commentWhere += fmt.Sprintf(" AND i.project_id = ANY($%d)", argN)
			args = append(args, q.ProjectIDs)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, i.key AS title,
				ts_headline('english', coalesce(c.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.issue_id, i.key AS issue_key, i.project_id,
				''::text AS status,
				ts_rank(c.fts, %s) AS rank
			FROM comments c
			JOIN issues i ON i.id = c.issue_id
			WHERE %s`, tsQuery, tsQuery, commentWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, issue_id, issue_key, project_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.IssueID, &r.IssueKey, &r.ProjectID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
// Soft-deleted comments are skipped so their text never resurfaces.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]IssueRecord, []CommentRecord, error) {
	issueRows, err := p.db.QueryContext(ctx, `
		SELECT id, key, title, description, project_id, status, type, priority
		FROM issues
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load issues: %w", err)
	}
	defer issueRows.Close()

	issues := make([]IssueRecord, 0)
	for issueRows.Next() {
		var r IssueRecord
		if err := issueRows.Scan(&r.ID, &r.Key, &r.Title, &r.Description, &r.ProjectID, &r.Status, &r.Type, &r.Priority); err != nil {
			return nil, nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, r)
	}
	if err := issueRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate issues: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.body, c.issue_id, i.key, i.project_id
		FROM comments c
		JOIN issues i ON i.id = c.issue_id
		WHERE c.deleted = FALSE
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var r CommentRecord
		if err := commentRows.Scan(&r.ID, &r.Body, &r.IssueID, &r.IssueKey, &r.ProjectID); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, r)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return issues, comments, nil
}
