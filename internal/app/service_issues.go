package app

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"

	"bugtrail/api/internal/rbac"
	"bugtrail/api/internal/search"
	"bugtrail/api/internal/store"
	"bugtrail/api/internal/util"
)

type CreateIssueInput struct {
	// Key is only honored on bulk import; normal creation mints one.
	Key         string   `json:"key"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Priority    string   `json:"priority"`
	Severity    string   `json:"severity"`
	AssigneeID  string   `json:"assigneeId"`
	Labels      []string `json:"labels"`
	Watchers    []string `json:"watchers"`
}

type UpdateIssueInput struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Type        *string   `json:"type"`
	Priority    *string   `json:"priority"`
	Severity    *string   `json:"severity"`
	AssigneeID  *string   `json:"assigneeId"`
	Labels      *[]string `json:"labels"`
	Watchers    *[]string `json:"watchers"`
}

type TransitionInput struct {
	Status string `json:"status"`
}

var allowedIssueTypes = map[string]struct{}{
	"bug":         {},
	"task":        {},
	"improvement": {},
	"epic":        {},
}

var allowedIssueStatuses = map[string]struct{}{
	"open":        {},
	"in_progress": {},
	"blocked":     {},
	"resolved":    {},
	"closed":      {},
}

var allowedIssuePriorities = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
	"urgent": {},
}

var allowedIssueSeverities = map[string]struct{}{
	"trivial":  {},
	"minor":    {},
	"major":    {},
	"critical": {},
}

var issueKeyPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}-[1-9][0-9]*$`)

const maxIssuePageSize = 100

func (s *Service) CreateIssue(ctx context.Context, actorID, projectID string, input CreateIssueInput) (map[string]any, error) {
	subject, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := checkDecision(rbac.MemberOrAdmin(subject, s.projectContext(project))); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, errValidation("title is required", nil)
	}
	issueType := defaulted(input.Type, "task")
	if _, ok := allowedIssueTypes[issueType]; !ok {
		return nil, errValidation("invalid issue type", map[string]any{"type": issueType})
	}
	priority := defaulted(input.Priority, "medium")
	if _, ok := allowedIssuePriorities[priority]; !ok {
		return nil, errValidation("invalid priority", map[string]any{"priority": priority})
	}
	severity := defaulted(input.Severity, "minor")
	if _, ok := allowedIssueSeverities[severity]; !ok {
		return nil, errValidation("invalid severity", map[string]any{"severity": severity})
	}

	assignee := strings.TrimSpace(input.AssigneeID)
	if assignee != "" {
		if _, err := s.store.GetUserByID(ctx, assignee); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errValidation("assignee does not exist", map[string]any{"assigneeId": assignee})
			}
			return nil, err
		}
	}

	key := strings.TrimSpace(input.Key)
	if key == "" {
		key, err = s.store.NextIssueKey(ctx, projectID)
		if err != nil {
			return nil, err
		}
	} else {
		// Bulk import path: the caller already owns a key; keep the
		// sequencer untouched.
		if !issueKeyPattern.MatchString(key) {
			return nil, errValidation("key must look like PROJ-123", map[string]any{"key": key})
		}
		if !strings.HasPrefix(key, project.Key+"-") {
			return nil, errValidation("key prefix must match the project key", map[string]any{"key": key})
		}
	}

	issue := store.Issue{
		ID:          util.NewID("iss"),
		ProjectID:   projectID,
		Key:         key,
		Title:       title,
		Description: input.Description,
		Type:        issueType,
		Status:      "open",
		Priority:    priority,
		Severity:    severity,
		ReporterID:  subject.ID,
		AssigneeID:  assignee,
		Labels:      dedupe(input.Labels),
		Watchers:    dedupe(input.Watchers),
	}
	if err := s.store.InsertIssue(ctx, issue); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, errConflict("issue key already in use", map[string]any{"key": key})
		}
		return nil, err
	}
	s.indexIssue(ctx, issue.ID)
	return s.issuePayload(ctx, issue.ID, false)
}

func (s *Service) ListIssues(ctx context.Context, actorID, projectID string, filter store.IssueFilter) (map[string]any, error) {
	subject, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := checkDecision(rbac.MemberOrAdmin(subject, s.projectContext(project))); err != nil {
		return nil, err
	}

	if filter.Status != "" {
		if _, ok := allowedIssueStatuses[filter.Status]; !ok {
			return nil, errValidation("invalid status filter", map[string]any{"status": filter.Status})
		}
	}
	if filter.Priority != "" {
		if _, ok := allowedIssuePriorities[filter.Priority]; !ok {
			return nil, errValidation("invalid priority filter", map[string]any{"priority": filter.Priority})
		}
	}
	if filter.Limit <= 0 || filter.Limit > maxIssuePageSize {
		filter.Limit = maxIssuePageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	issues, err := s.store.ListIssues(ctx, projectID, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		items = append(items, issueFields(issue))
	}
	return map[string]any{"projectId": projectID, "issues": items}, nil
}

func (s *Service) GetIssue(ctx context.Context, actorID, issueID string) (map[string]any, error) {
	if _, _, err := s.authorizeIssue(ctx, actorID, issueID); err != nil {
		return nil, err
	}
	return s.issuePayload(ctx, issueID, true)
}

func (s *Service) UpdateIssue(ctx context.Context, actorID, issueID string, input UpdateIssueInput) (map[string]any, error) {
	if _, _, err := s.authorizeIssue(ctx, actorID, issueID); err != nil {
		return nil, err
	}

	patch := store.IssuePatch{
		Description: input.Description,
		Labels:      input.Labels,
		Watchers:    input.Watchers,
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, errValidation("title cannot be empty", nil)
		}
		patch.Title = &title
	}
	if input.Type != nil {
		if _, ok := allowedIssueTypes[*input.Type]; !ok {
			return nil, errValidation("invalid issue type", map[string]any{"type": *input.Type})
		}
		patch.Type = input.Type
	}
	if input.Priority != nil {
		if _, ok := allowedIssuePriorities[*input.Priority]; !ok {
			return nil, errValidation("invalid priority", map[string]any{"priority": *input.Priority})
		}
		patch.Priority = input.Priority
	}
	if input.Severity != nil {
		if _, ok := allowedIssueSeverities[*input.Severity]; !ok {
			return nil, errValidation("invalid severity", map[string]any{"severity": *input.Severity})
		}
		patch.Severity = input.Severity
	}
	if input.AssigneeID != nil {
		assignee := strings.TrimSpace(*input.AssigneeID)
		if assignee != "" {
			if _, err := s.store.GetUserByID(ctx, assignee); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, errValidation("assignee does not exist", map[string]any{"assigneeId": assignee})
				}
				return nil, err
			}
		}
		patch.AssigneeID = &assignee
	}

	if err := s.store.UpdateIssueFields(ctx, issueID, patch); err != nil {
		return nil, err
	}
	s.indexIssue(ctx, issueID)
	return s.issuePayload(ctx, issueID, false)
}

// TransitionStatus appends an audit row alongside the status update.
// Any status may follow any other; the trail records what happened, it
// does not police workflow. The replaced status is captured by the store
// inside the transition itself, never from an earlier read.
func (s *Service) TransitionStatus(ctx context.Context, actorID, issueID string, input TransitionInput) (map[string]any, error) {
	subject, _, err := s.authorizeIssue(ctx, actorID, issueID)
	if err != nil {
		return nil, err
	}

	toStatus := strings.TrimSpace(input.Status)
	if _, ok := allowedIssueStatuses[toStatus]; !ok {
		return nil, errValidation("invalid status", map[string]any{"status": toStatus})
	}

	if _, err := s.store.TransitionIssueStatus(ctx, issueID, toStatus, subject.ID); err != nil {
		return nil, err
	}
	s.indexIssue(ctx, issueID)
	return s.issuePayload(ctx, issueID, true)
}

// authorizeIssue loads the issue and its project, then runs the
// membership check. Every issue and comment route funnels through here.
func (s *Service) authorizeIssue(ctx context.Context, actorID, issueID string) (*rbac.Subject, store.Issue, error) {
	subject, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, store.Issue{}, err
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, store.Issue{}, err
	}
	project, err := s.store.GetProject(ctx, issue.ProjectID)
	if err != nil {
		return nil, store.Issue{}, err
	}
	if err := checkDecision(rbac.MemberOrAdmin(subject, s.projectContext(project))); err != nil {
		return nil, store.Issue{}, err
	}
	return subject, issue, nil
}

func (s *Service) issuePayload(ctx context.Context, issueID string, withHistory bool) (map[string]any, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	payload := issueFields(issue)
	if withHistory {
		history, err := s.store.ListStatusHistory(ctx, issueID)
		if err != nil {
			return nil, err
		}
		entries := make([]map[string]any, 0, len(history))
		for _, change := range history {
			entries = append(entries, map[string]any{
				"from":      change.FromStatus,
				"to":        change.ToStatus,
				"changedBy": change.ChangedBy,
				"changedAt": change.ChangedAt.Format(time.RFC3339),
			})
		}
		payload["statusHistory"] = entries
	}
	return payload, nil
}

func issueFields(issue store.Issue) map[string]any {
	return map[string]any{
		"id":           issue.ID,
		"projectId":    issue.ProjectID,
		"key":          issue.Key,
		"title":        issue.Title,
		"description":  issue.Description,
		"type":         issue.Type,
		"status":       issue.Status,
		"priority":     issue.Priority,
		"severity":     issue.Severity,
		"reporterId":   issue.ReporterID,
		"assigneeId":   nilIfEmpty(issue.AssigneeID),
		"labels":       issue.Labels,
		"watchers":     issue.Watchers,
		"attachments":  issue.Attachments,
		"commentCount": issue.CommentCount,
		"createdAt":    issue.CreatedAt.Format(time.RFC3339),
		"updatedAt":    issue.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Service) indexIssue(ctx context.Context, issueID string) {
	if s.search == nil {
		return
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return
	}
	s.search.IndexIssue(search.IssueRecord{
		ID:          issue.ID,
		Key:         issue.Key,
		Title:       issue.Title,
		Description: issue.Description,
		ProjectID:   issue.ProjectID,
		Status:      issue.Status,
		Type:        issue.Type,
		Priority:    issue.Priority,
	})
}

func defaulted(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
