package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"bugtrail/api/internal/rbac"
	"bugtrail/api/internal/search"
	"bugtrail/api/internal/store"
	"bugtrail/api/internal/util"
)

type CreateCommentInput struct {
	Body     string `json:"body"`
	ParentID string `json:"parentId"`
}

type UpdateCommentInput struct {
	Body string `json:"body"`
}

const (
	maxTopLevelPageSize = 100
	maxReplyPageSize    = 200
)

func (s *Service) CreateComment(ctx context.Context, actorID, issueID string, input CreateCommentInput) (map[string]any, error) {
	subject, issue, err := s.authorizeIssue(ctx, actorID, issueID)
	if err != nil {
		return nil, err
	}

	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, errValidation("body is required", nil)
	}

	var parentID *string
	ancestors := []string{}
	if trimmed := strings.TrimSpace(input.ParentID); trimmed != "" {
		parent, err := s.store.GetComment(ctx, trimmed)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errNotFound("parent comment not found")
			}
			return nil, err
		}
		if parent.IssueID != issue.ID {
			return nil, errValidation("parent comment belongs to a different issue", map[string]any{"parentId": trimmed})
		}
		if parent.Deleted {
			return nil, errConflict("parent comment was deleted", map[string]any{"parentId": trimmed})
		}
		parentID = &parent.ID
		ancestors = append(append(ancestors, parent.Ancestors...), parent.ID)
	}

	comment := store.Comment{
		ID:        util.NewID("cmt"),
		IssueID:   issue.ID,
		AuthorID:  subject.ID,
		Body:      body,
		ParentID:  parentID,
		Ancestors: ancestors,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}

	s.bumpCommentCount(ctx, issue.ID, 1)
	s.indexComment(ctx, comment.ID, issue)

	created, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return nil, err
	}
	return commentPayload(created), nil
}

func (s *Service) ListIssueComments(ctx context.Context, actorID, issueID string, limit, offset int) (map[string]any, error) {
	_, issue, err := s.authorizeIssue(ctx, actorID, issueID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxTopLevelPageSize {
		limit = maxTopLevelPageSize
	}
	if offset < 0 {
		offset = 0
	}
	comments, err := s.store.ListIssueComments(ctx, issue.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return map[string]any{"issueId": issue.ID, "comments": items}, nil
}

func (s *Service) ListReplies(ctx context.Context, actorID, commentID string, limit, offset int) (map[string]any, error) {
	comment, _, err := s.authorizeComment(ctx, actorID, commentID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxReplyPageSize {
		limit = maxReplyPageSize
	}
	if offset < 0 {
		offset = 0
	}
	replies, err := s.store.ListReplies(ctx, comment.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(replies))
	for _, reply := range replies {
		items = append(items, commentPayload(reply))
	}
	return map[string]any{"commentId": comment.ID, "replies": items}, nil
}

func (s *Service) UpdateComment(ctx context.Context, actorID, commentID string, input UpdateCommentInput) (map[string]any, error) {
	comment, issue, err := s.moderateComment(ctx, actorID, commentID)
	if err != nil {
		return nil, err
	}
	if comment.Deleted {
		return nil, errConflict("a deleted comment cannot be edited", nil)
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, errValidation("body is required", nil)
	}
	if err := s.store.UpdateCommentBody(ctx, comment.ID, body); err != nil {
		return nil, err
	}
	s.indexComment(ctx, comment.ID, issue)

	updated, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return nil, err
	}
	return commentPayload(updated), nil
}

// DeleteComment tombstones a comment. Repeat calls succeed without
// touching the counter again; only the observed row transition
// decrements it.
func (s *Service) DeleteComment(ctx context.Context, actorID, commentID string) error {
	comment, issue, err := s.moderateComment(ctx, actorID, commentID)
	if err != nil {
		return err
	}
	transitioned, err := s.store.SoftDeleteComment(ctx, comment.ID)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	s.bumpCommentCount(ctx, issue.ID, -1)
	if s.search != nil {
		s.search.DeleteComment(comment.ID)
	}
	return nil
}

// bumpCommentCount moves the denormalized counter. It is a cache, never
// a source of truth: a failed adjustment falls back to a full recount,
// and neither failure is surfaced to the caller.
func (s *Service) bumpCommentCount(ctx context.Context, issueID string, delta int) {
	if err := s.store.AdjustCommentCount(ctx, issueID, delta); err != nil {
		log.Printf("comment count adjust failed for issue %s: %v", issueID, err)
		if _, err := s.store.RecountComments(ctx, issueID); err != nil {
			log.Printf("comment count recount failed for issue %s: %v", issueID, err)
		}
	}
}

// authorizeComment resolves comment -> issue -> project and checks
// membership.
func (s *Service) authorizeComment(ctx context.Context, actorID, commentID string) (store.Comment, store.Issue, error) {
	subject, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return store.Comment{}, store.Issue{}, err
	}
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, store.Issue{}, err
	}
	issue, err := s.store.GetIssue(ctx, comment.IssueID)
	if err != nil {
		return store.Comment{}, store.Issue{}, err
	}
	project, err := s.store.GetProject(ctx, issue.ProjectID)
	if err != nil {
		return store.Comment{}, store.Issue{}, err
	}
	if err := checkDecision(rbac.MemberOrAdmin(subject, s.projectContext(project))); err != nil {
		return store.Comment{}, store.Issue{}, err
	}
	return comment, issue, nil
}

// moderateComment is the stricter path for edits and deletes: the
// author, the project lead, or an admin.
func (s *Service) moderateComment(ctx context.Context, actorID, commentID string) (store.Comment, store.Issue, error) {
	subject, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return store.Comment{}, store.Issue{}, err
	}
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, store.Issue{}, err
	}
	issue, err := s.store.GetIssue(ctx, comment.IssueID)
	if err != nil {
		return store.Comment{}, store.Issue{}, err
	}
	project, err := s.store.GetProject(ctx, issue.ProjectID)
	if err != nil {
		return store.Comment{}, store.Issue{}, err
	}
	decision, err := rbac.CommentModerator(subject, s.projectContext(project), &rbac.CommentContext{ID: comment.ID, AuthorID: comment.AuthorID})
	if err := checkDecision(decision, err); err != nil {
		return store.Comment{}, store.Issue{}, err
	}
	return comment, issue, nil
}

func commentPayload(comment store.Comment) map[string]any {
	var parentID any
	if comment.ParentID != nil {
		parentID = *comment.ParentID
	}
	return map[string]any{
		"id":        comment.ID,
		"issueId":   comment.IssueID,
		"authorId":  comment.AuthorID,
		"body":      comment.Body,
		"parentId":  parentID,
		"ancestors": comment.Ancestors,
		"edited":    comment.Edited,
		"deleted":   comment.Deleted,
		"createdAt": comment.CreatedAt.Format(time.RFC3339),
		"updatedAt": comment.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Service) indexComment(ctx context.Context, commentID string, issue store.Issue) {
	if s.search == nil {
		return
	}
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil || comment.Deleted {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:        comment.ID,
		Body:      comment.Body,
		IssueID:   comment.IssueID,
		IssueKey:  issue.Key,
		ProjectID: issue.ProjectID,
	})
}
