package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"bugtrail/api/internal/store"
)

func commentFixture(fake *fakeStore, comments ...store.Comment) {
	fake.getProjectFn = func(context.Context, string) (store.Project, error) {
		return memberProject(), nil
	}
	fake.getIssueFn = func(context.Context, string) (store.Issue, error) {
		return store.Issue{ID: "iss_1", ProjectID: "prj_1", Key: "APP-1", Status: "open"}, nil
	}
	fake.getCommentFn = func(_ context.Context, commentID string) (store.Comment, error) {
		for _, comment := range comments {
			if comment.ID == commentID {
				return comment, nil
			}
		}
		return store.Comment{}, sql.ErrNoRows
	}
}

func TestCreateCommentBuildsAncestorChain(t *testing.T) {
	grandparentID := "cmt_1"
	parent := store.Comment{ID: "cmt_2", IssueID: "iss_1", AuthorID: "lead", Ancestors: []string{grandparentID}}
	var inserted store.Comment
	var delta int
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("dev", "developer")),
		insertCommentFn: func(_ context.Context, comment store.Comment) error {
			inserted = comment
			return nil
		},
		adjustCommentCountFn: func(_ context.Context, _ string, d int) error {
			delta += d
			return nil
		},
	}
	commentFixture(fake, parent)
	prevGet := fake.getCommentFn
	fake.getCommentFn = func(ctx context.Context, commentID string) (store.Comment, error) {
		if commentID == inserted.ID && inserted.ID != "" {
			return inserted, nil
		}
		return prevGet(ctx, commentID)
	}
	svc := newTestService(fake)

	payload, err := svc.CreateComment(context.Background(), "dev", "iss_1", CreateCommentInput{Body: "reply", ParentID: "cmt_2"})
	if err != nil {
		t.Fatalf("CreateComment failed: %v", err)
	}
	if len(inserted.Ancestors) != 2 || inserted.Ancestors[0] != grandparentID || inserted.Ancestors[1] != "cmt_2" {
		t.Fatalf("ancestors = %v, want [%s cmt_2]", inserted.Ancestors, grandparentID)
	}
	if inserted.ParentID == nil || *inserted.ParentID != "cmt_2" {
		t.Fatalf("parentId = %v", inserted.ParentID)
	}
	if delta != 1 {
		t.Fatalf("counter delta = %d, want exactly +1", delta)
	}
	if payload["authorId"] != "dev" {
		t.Fatalf("authorId = %v", payload["authorId"])
	}
}

func TestCreateCommentParentChecks(t *testing.T) {
	otherIssueParent := store.Comment{ID: "cmt_other", IssueID: "iss_2", AuthorID: "lead"}
	deletedParent := store.Comment{ID: "cmt_gone", IssueID: "iss_1", AuthorID: "lead", Deleted: true}
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("dev", "developer")),
	}
	commentFixture(fake, otherIssueParent, deletedParent)
	svc := newTestService(fake)
	ctx := context.Background()

	_, err := svc.CreateComment(ctx, "dev", "iss_1", CreateCommentInput{Body: "x", ParentID: "cmt_missing"})
	if derr := domainStatus(t, err); derr.Code != "NOT_FOUND" {
		t.Fatalf("missing parent: expected NOT_FOUND, got %s", derr.Code)
	}

	_, err = svc.CreateComment(ctx, "dev", "iss_1", CreateCommentInput{Body: "x", ParentID: "cmt_other"})
	if derr := domainStatus(t, err); derr.Code != "VALIDATION_ERROR" {
		t.Fatalf("cross-issue parent: expected VALIDATION_ERROR, got %s", derr.Code)
	}

	_, err = svc.CreateComment(ctx, "dev", "iss_1", CreateCommentInput{Body: "x", ParentID: "cmt_gone"})
	if derr := domainStatus(t, err); derr.Code != "CONFLICT" {
		t.Fatalf("deleted parent: expected CONFLICT, got %s", derr.Code)
	}
}

func TestDeleteCommentIdempotent(t *testing.T) {
	comment := store.Comment{ID: "cmt_1", IssueID: "iss_1", AuthorID: "dev"}
	var delta int
	live := true
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("dev", "developer")),
		softDeleteCommentFn: func(context.Context, string) (bool, error) {
			if live {
				live = false
				return true, nil
			}
			return false, nil
		},
		adjustCommentCountFn: func(_ context.Context, _ string, d int) error {
			delta += d
			return nil
		},
	}
	commentFixture(fake, comment)
	svc := newTestService(fake)
	ctx := context.Background()

	if err := svc.DeleteComment(ctx, "dev", "cmt_1"); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	if err := svc.DeleteComment(ctx, "dev", "cmt_1"); err != nil {
		t.Fatalf("repeat delete failed: %v", err)
	}
	if delta != -1 {
		t.Fatalf("counter delta = %d, want exactly -1 across both deletes", delta)
	}
}

func TestCommentCountFailureTriggersRecount(t *testing.T) {
	recounted := []string{}
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("dev", "developer")),
		adjustCommentCountFn: func(context.Context, string, int) error {
			return errors.New("connection reset")
		},
		recountCommentsFn: func(_ context.Context, issueID string) (int, error) {
			recounted = append(recounted, issueID)
			return 1, nil
		},
	}
	commentFixture(fake)
	inserted := store.Comment{}
	fake.insertCommentFn = func(_ context.Context, comment store.Comment) error {
		inserted = comment
		return nil
	}
	prevGet := fake.getCommentFn
	fake.getCommentFn = func(ctx context.Context, commentID string) (store.Comment, error) {
		if inserted.ID != "" && commentID == inserted.ID {
			return inserted, nil
		}
		return prevGet(ctx, commentID)
	}
	svc := newTestService(fake)

	// A broken counter never fails the write; it falls back to a recount.
	if _, err := svc.CreateComment(context.Background(), "dev", "iss_1", CreateCommentInput{Body: "hello"}); err != nil {
		t.Fatalf("CreateComment failed: %v", err)
	}
	if len(recounted) != 1 || recounted[0] != "iss_1" {
		t.Fatalf("recounted = %v, want [iss_1]", recounted)
	}
}

func TestCommentModerationMatrix(t *testing.T) {
	comment := store.Comment{ID: "cmt_1", IssueID: "iss_1", AuthorID: "dev"}
	fake := &fakeStore{
		getUserByIDFn: userDirectory(
			activeUser("dev", "developer"),
			activeUser("lead", "developer"),
			activeUser("root", "admin"),
			activeUser("peer", "developer"),
		),
	}
	commentFixture(fake, comment)
	fake.getProjectFn = func(context.Context, string) (store.Project, error) {
		return store.Project{ID: "prj_1", Key: "APP", LeadUserID: "lead", Members: []string{"lead", "dev", "peer"}}, nil
	}
	svc := newTestService(fake)
	ctx := context.Background()

	cases := []struct {
		actor   string
		allowed bool
	}{
		{actor: "dev", allowed: true},  // author
		{actor: "lead", allowed: true}, // project lead
		{actor: "root", allowed: true}, // admin
		{actor: "peer", allowed: false},
	}
	for _, tc := range cases {
		t.Run(tc.actor, func(t *testing.T) {
			_, err := svc.UpdateComment(ctx, tc.actor, "cmt_1", UpdateCommentInput{Body: "edited"})
			if tc.allowed && err != nil {
				t.Fatalf("expected %s to moderate, got %v", tc.actor, err)
			}
			if !tc.allowed {
				if derr := domainStatus(t, err); derr.Code != "FORBIDDEN" {
					t.Fatalf("expected FORBIDDEN for %s, got %s", tc.actor, derr.Code)
				}
			}
		})
	}
}

func TestUpdateDeletedCommentConflicts(t *testing.T) {
	comment := store.Comment{ID: "cmt_1", IssueID: "iss_1", AuthorID: "dev", Deleted: true}
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("dev", "developer")),
	}
	commentFixture(fake, comment)
	svc := newTestService(fake)

	_, err := svc.UpdateComment(context.Background(), "dev", "cmt_1", UpdateCommentInput{Body: "too late"})
	if derr := domainStatus(t, err); derr.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %s", derr.Code)
	}
}

func TestListRepliesCapsPageSize(t *testing.T) {
	comment := store.Comment{ID: "cmt_1", IssueID: "iss_1", AuthorID: "dev"}
	var seenLimit int
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("dev", "developer")),
		listRepliesFn: func(_ context.Context, _ string, limit, _ int) ([]store.Comment, error) {
			seenLimit = limit
			return nil, nil
		},
	}
	commentFixture(fake, comment)
	svc := newTestService(fake)

	if _, err := svc.ListReplies(context.Background(), "dev", "cmt_1", 999, 0); err != nil {
		t.Fatalf("ListReplies failed: %v", err)
	}
	if seenLimit != 200 {
		t.Fatalf("reply limit = %d, want capped at 200", seenLimit)
	}
}

func TestListIssueCommentsCapsPageSize(t *testing.T) {
	var seenLimit int
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("dev", "developer")),
		listIssueCommentsFn: func(_ context.Context, _ string, limit, _ int) ([]store.Comment, error) {
			seenLimit = limit
			return nil, nil
		},
	}
	commentFixture(fake)
	svc := newTestService(fake)

	if _, err := svc.ListIssueComments(context.Background(), "dev", "iss_1", 500, 0); err != nil {
		t.Fatalf("ListIssueComments failed: %v", err)
	}
	if seenLimit != 100 {
		t.Fatalf("comment limit = %d, want capped at 100", seenLimit)
	}
}
