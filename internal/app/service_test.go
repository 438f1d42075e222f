package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"bugtrail/api/internal/auth"
	"bugtrail/api/internal/config"
	"bugtrail/api/internal/store"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeStore struct {
	getUserByIDFn           func(context.Context, string) (store.User, error)
	getUserByEmailFn        func(context.Context, string) (store.User, error)
	createUserFn            func(context.Context, store.User) error
	countUsersFn            func(context.Context) (int, error)
	countUsersByIDsFn       func(context.Context, []string) (int, error)
	updateUserRoleFn        func(context.Context, string, string) error
	isAccessTokenRevokedFn  func(context.Context, string) (bool, error)
	insertProjectFn         func(context.Context, store.Project) error
	getProjectFn            func(context.Context, string) (store.Project, error)
	listProjectsFn          func(context.Context) ([]store.Project, error)
	listProjectsForUserFn   func(context.Context, string) ([]store.Project, error)
	updateProjectFieldsFn   func(context.Context, string, *string, *string, *string) error
	updateProjectMembersFn  func(context.Context, string, []string, []string) error
	deleteProjectFn         func(context.Context, string) (bool, error)
	nextIssueKeyFn          func(context.Context, string) (string, error)
	insertIssueFn           func(context.Context, store.Issue) error
	getIssueFn              func(context.Context, string) (store.Issue, error)
	listIssuesFn            func(context.Context, string, store.IssueFilter) ([]store.Issue, error)
	updateIssueFieldsFn     func(context.Context, string, store.IssuePatch) error
	transitionIssueStatusFn func(context.Context, string, string, string) (string, error)
	listStatusHistoryFn     func(context.Context, string) ([]store.StatusChange, error)
	insertCommentFn         func(context.Context, store.Comment) error
	getCommentFn            func(context.Context, string) (store.Comment, error)
	listIssueCommentsFn     func(context.Context, string, int, int) ([]store.Comment, error)
	listRepliesFn           func(context.Context, string, int, int) ([]store.Comment, error)
	updateCommentBodyFn     func(context.Context, string, string) error
	softDeleteCommentFn     func(context.Context, string) (bool, error)
	adjustCommentCountFn    func(context.Context, string, int) error
	recountCommentsFn       func(context.Context, string) (int, error)
	lookupRefreshSessionFn  func(context.Context, string) (string, error)
	revokeRefreshSessionFn  func(context.Context, string) error
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) CountUsers(ctx context.Context) (int, error) {
	if f.countUsersFn != nil {
		return f.countUsersFn(ctx)
	}
	return 0, nil
}
func (f *fakeStore) CountUsersByIDs(ctx context.Context, ids []string) (int, error) {
	if f.countUsersByIDsFn != nil {
		return f.countUsersByIDsFn(ctx, ids)
	}
	return len(ids), nil
}
func (f *fakeStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	if f.updateUserRoleFn != nil {
		return f.updateUserRoleFn(ctx, userID, role)
	}
	return nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) InsertProject(ctx context.Context, project store.Project) error {
	if f.insertProjectFn != nil {
		return f.insertProjectFn(ctx, project)
	}
	return nil
}
func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) ListProjects(ctx context.Context) ([]store.Project, error) {
	if f.listProjectsFn != nil {
		return f.listProjectsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) ListProjectsForUser(ctx context.Context, userID string) ([]store.Project, error) {
	if f.listProjectsForUserFn != nil {
		return f.listProjectsForUserFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateProjectFields(ctx context.Context, projectID string, name, description, leadUserID *string) error {
	if f.updateProjectFieldsFn != nil {
		return f.updateProjectFieldsFn(ctx, projectID, name, description, leadUserID)
	}
	return nil
}
func (f *fakeStore) UpdateProjectMembers(ctx context.Context, projectID string, add, remove []string) error {
	if f.updateProjectMembersFn != nil {
		return f.updateProjectMembersFn(ctx, projectID, add, remove)
	}
	return nil
}
func (f *fakeStore) DeleteProject(ctx context.Context, projectID string) (bool, error) {
	if f.deleteProjectFn != nil {
		return f.deleteProjectFn(ctx, projectID)
	}
	return false, nil
}

func (f *fakeStore) NextIssueKey(ctx context.Context, projectID string) (string, error) {
	if f.nextIssueKeyFn != nil {
		return f.nextIssueKeyFn(ctx, projectID)
	}
	return "", sql.ErrNoRows
}
func (f *fakeStore) InsertIssue(ctx context.Context, issue store.Issue) error {
	if f.insertIssueFn != nil {
		return f.insertIssueFn(ctx, issue)
	}
	return nil
}
func (f *fakeStore) GetIssue(ctx context.Context, issueID string) (store.Issue, error) {
	if f.getIssueFn != nil {
		return f.getIssueFn(ctx, issueID)
	}
	return store.Issue{}, sql.ErrNoRows
}
func (f *fakeStore) ListIssues(ctx context.Context, projectID string, filter store.IssueFilter) ([]store.Issue, error) {
	if f.listIssuesFn != nil {
		return f.listIssuesFn(ctx, projectID, filter)
	}
	return nil, nil
}
func (f *fakeStore) UpdateIssueFields(ctx context.Context, issueID string, patch store.IssuePatch) error {
	if f.updateIssueFieldsFn != nil {
		return f.updateIssueFieldsFn(ctx, issueID, patch)
	}
	return nil
}
func (f *fakeStore) TransitionIssueStatus(ctx context.Context, issueID, toStatus, changedBy string) (string, error) {
	if f.transitionIssueStatusFn != nil {
		return f.transitionIssueStatusFn(ctx, issueID, toStatus, changedBy)
	}
	return "open", nil
}
func (f *fakeStore) ListStatusHistory(ctx context.Context, issueID string) ([]store.StatusChange, error) {
	if f.listStatusHistoryFn != nil {
		return f.listStatusHistoryFn(ctx, issueID)
	}
	return nil, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, comment store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, comment)
	}
	return nil
}
func (f *fakeStore) GetComment(ctx context.Context, commentID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, commentID)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) ListIssueComments(ctx context.Context, issueID string, limit, offset int) ([]store.Comment, error) {
	if f.listIssueCommentsFn != nil {
		return f.listIssueCommentsFn(ctx, issueID, limit, offset)
	}
	return nil, nil
}
func (f *fakeStore) ListReplies(ctx context.Context, parentID string, limit, offset int) ([]store.Comment, error) {
	if f.listRepliesFn != nil {
		return f.listRepliesFn(ctx, parentID, limit, offset)
	}
	return nil, nil
}
func (f *fakeStore) UpdateCommentBody(ctx context.Context, commentID, body string) error {
	if f.updateCommentBodyFn != nil {
		return f.updateCommentBodyFn(ctx, commentID, body)
	}
	return nil
}
func (f *fakeStore) SoftDeleteComment(ctx context.Context, commentID string) (bool, error) {
	if f.softDeleteCommentFn != nil {
		return f.softDeleteCommentFn(ctx, commentID)
	}
	return false, nil
}
func (f *fakeStore) AdjustCommentCount(ctx context.Context, issueID string, delta int) error {
	if f.adjustCommentCountFn != nil {
		return f.adjustCommentCountFn(ctx, issueID, delta)
	}
	return nil
}
func (f *fakeStore) RecountComments(ctx context.Context, issueID string) (int, error) {
	if f.recountCommentsFn != nil {
		return f.recountCommentsFn(ctx, issueID)
	}
	return 0, nil
}

func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return "", sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshSessionFn != nil {
		return f.revokeRefreshSessionFn(ctx, tokenHash)
	}
	return nil
}

func newTestService(fake *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:    fake,
		sessions: fake,
	}
}

func activeUser(id, role string) store.User {
	return store.User{ID: id, DisplayName: id, Role: role, IsActive: true, IsEmailVerified: true}
}

func userDirectory(users ...store.User) func(context.Context, string) (store.User, error) {
	return func(_ context.Context, userID string) (store.User, error) {
		for _, user := range users {
			if user.ID == userID {
				return user, nil
			}
		}
		return store.User{}, sql.ErrNoRows
	}
}

func domainStatus(t *testing.T, err error) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr
}

func TestResolveActorFailsClosed(t *testing.T) {
	fake := &fakeStore{
		getUserByIDFn: userDirectory(
			store.User{ID: "ghosted", DisplayName: "ghosted", Role: "admin", IsActive: false},
		),
	}
	svc := newTestService(fake)

	cases := []struct {
		name  string
		actor string
	}{
		{name: "unknown user", actor: "missing"},
		{name: "deactivated user", actor: "ghosted"},
		{name: "blank actor", actor: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ListProjects(context.Background(), tc.actor)
			if derr := domainStatus(t, err); derr.Code != "FORBIDDEN" {
				t.Fatalf("expected FORBIDDEN, got %s", derr.Code)
			}
		})
	}
}

func TestCreateProjectRequiresManagerOrAdmin(t *testing.T) {
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("dev", "developer")),
	}
	svc := newTestService(fake)

	_, err := svc.CreateProject(context.Background(), "dev", CreateProjectInput{Key: "APP", Name: "App"})
	if derr := domainStatus(t, err); derr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", derr.Code)
	}
}

func TestCreateProjectValidatesKey(t *testing.T) {
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("mgr", "manager")),
	}
	svc := newTestService(fake)

	for _, key := range []string{"", "a", "app", "TOOLONGKEY123", "AP P", "AP-1"} {
		_, err := svc.CreateProject(context.Background(), "mgr", CreateProjectInput{Key: key, Name: "App"})
		if derr := domainStatus(t, err); derr.Code != "VALIDATION_ERROR" {
			t.Fatalf("key %q: expected VALIDATION_ERROR, got %s", key, derr.Code)
		}
	}
}

func TestCreateProjectFoldsLeadIntoMembers(t *testing.T) {
	var inserted store.Project
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("mgr", "manager"), activeUser("lead", "developer"), activeUser("dev", "developer")),
		insertProjectFn: func(_ context.Context, project store.Project) error {
			inserted = project
			return nil
		},
	}
	fake.getProjectFn = func(context.Context, string) (store.Project, error) {
		return inserted, nil
	}
	svc := newTestService(fake)

	_, err := svc.CreateProject(context.Background(), "mgr", CreateProjectInput{
		Key:        "APP",
		Name:       "App",
		LeadUserID: "lead",
		Members:    []string{"dev", "lead", "dev"},
	})
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	if inserted.LeadUserID != "lead" {
		t.Fatalf("lead = %q", inserted.LeadUserID)
	}
	if len(inserted.Members) != 2 || inserted.Members[0] != "lead" || inserted.Members[1] != "dev" {
		t.Fatalf("members = %v, want deduped [lead dev]", inserted.Members)
	}
}

func TestCreateProjectKeyConflict(t *testing.T) {
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("mgr", "manager")),
		insertProjectFn: func(context.Context, store.Project) error {
			return &pgconn.PgError{Code: "23505"}
		},
	}
	svc := newTestService(fake)

	_, err := svc.CreateProject(context.Background(), "mgr", CreateProjectInput{Key: "APP", Name: "App"})
	if derr := domainStatus(t, err); derr.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %s", derr.Code)
	}
}

func TestListProjectsScope(t *testing.T) {
	allCalled := false
	mineCalled := false
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("root", "admin"), activeUser("dev", "developer")),
		listProjectsFn: func(context.Context) ([]store.Project, error) {
			allCalled = true
			return nil, nil
		},
		listProjectsForUserFn: func(context.Context, string) ([]store.Project, error) {
			mineCalled = true
			return nil, nil
		},
	}
	svc := newTestService(fake)

	if _, err := svc.ListProjects(context.Background(), "root"); err != nil {
		t.Fatalf("admin list failed: %v", err)
	}
	if !allCalled || mineCalled {
		t.Fatalf("admin listing used the wrong query (all=%v mine=%v)", allCalled, mineCalled)
	}

	allCalled, mineCalled = false, false
	if _, err := svc.ListProjects(context.Background(), "dev"); err != nil {
		t.Fatalf("developer list failed: %v", err)
	}
	if allCalled || !mineCalled {
		t.Fatalf("developer listing used the wrong query (all=%v mine=%v)", allCalled, mineCalled)
	}
}

func TestUpdateMembersRules(t *testing.T) {
	project := store.Project{ID: "prj_1", Key: "APP", Name: "App", LeadUserID: "lead", Members: []string{"lead", "dev"}}
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("lead", "developer"), activeUser("dev", "developer"), activeUser("new", "developer")),
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return project, nil
		},
	}
	svc := newTestService(fake)
	ctx := context.Background()

	_, err := svc.UpdateMembers(ctx, "lead", "prj_1", UpdateMembersInput{Remove: []string{"lead"}})
	if derr := domainStatus(t, err); derr.Code != "VALIDATION_ERROR" {
		t.Fatalf("removing lead: expected VALIDATION_ERROR, got %s", derr.Code)
	}

	_, err = svc.UpdateMembers(ctx, "lead", "prj_1", UpdateMembersInput{Add: []string{"new"}, Remove: []string{"new"}})
	if derr := domainStatus(t, err); derr.Code != "VALIDATION_ERROR" {
		t.Fatalf("add/remove overlap: expected VALIDATION_ERROR, got %s", derr.Code)
	}

	_, err = svc.UpdateMembers(ctx, "dev", "prj_1", UpdateMembersInput{Add: []string{"new"}})
	if derr := domainStatus(t, err); derr.Code != "FORBIDDEN" {
		t.Fatalf("plain member mutating roster: expected FORBIDDEN, got %s", derr.Code)
	}
}

func TestUpdateMembersRejectsUnknownUsers(t *testing.T) {
	project := store.Project{ID: "prj_1", LeadUserID: "lead", Members: []string{"lead"}}
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("lead", "developer")),
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return project, nil
		},
		countUsersByIDsFn: func(_ context.Context, ids []string) (int, error) {
			return 0, nil
		},
	}
	svc := newTestService(fake)

	_, err := svc.UpdateMembers(context.Background(), "lead", "prj_1", UpdateMembersInput{Add: []string{"nobody"}})
	if derr := domainStatus(t, err); derr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", derr.Code)
	}
}

func TestUpdateMembersRejectsUnknownRemovals(t *testing.T) {
	project := store.Project{ID: "prj_1", LeadUserID: "lead", Members: []string{"lead", "dev"}}
	mutated := false
	known := map[string]bool{"lead": true, "dev": true}
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("lead", "developer"), activeUser("dev", "developer")),
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return project, nil
		},
		countUsersByIDsFn: func(_ context.Context, ids []string) (int, error) {
			count := 0
			for _, id := range ids {
				if known[id] {
					count++
				}
			}
			return count, nil
		},
		updateProjectMembersFn: func(context.Context, string, []string, []string) error {
			mutated = true
			return nil
		},
	}
	svc := newTestService(fake)

	_, err := svc.UpdateMembers(context.Background(), "lead", "prj_1", UpdateMembersInput{Remove: []string{"ghost"}})
	if derr := domainStatus(t, err); derr.Code != "VALIDATION_ERROR" {
		t.Fatalf("removing unknown user: expected VALIDATION_ERROR, got %s", derr.Code)
	}
	if mutated {
		t.Fatal("membership mutated despite an unknown id in the remove set")
	}
}

func TestDeleteProjectAdminOnly(t *testing.T) {
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("root", "admin"), activeUser("mgr", "manager")),
		deleteProjectFn: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	svc := newTestService(fake)

	if err := svc.DeleteProject(context.Background(), "mgr", "prj_1"); err == nil {
		t.Fatal("manager deleted a project")
	}
	if err := svc.DeleteProject(context.Background(), "root", "prj_1"); err != nil {
		t.Fatalf("admin delete failed: %v", err)
	}
}

func TestDeleteProjectMissing(t *testing.T) {
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("root", "admin")),
	}
	svc := newTestService(fake)

	err := svc.DeleteProject(context.Background(), "root", "prj_gone")
	if derr := domainStatus(t, err); derr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", derr.Code)
	}
}

func TestSessionRoundTripReflectsFreshRole(t *testing.T) {
	user := activeUser("usr_1", "developer")
	fake := &fakeStore{}
	fake.getUserByIDFn = func(_ context.Context, userID string) (store.User, error) {
		if userID == user.ID {
			return user, nil
		}
		return store.User{}, sql.ErrNoRows
	}
	svc := newTestService(fake)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "usr_1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Role change lands on the very next request; nothing is baked into
	// the token.
	user.Role = "manager"
	fresh, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if fresh.Role != "manager" {
		t.Fatalf("role = %q, want manager", fresh.Role)
	}
}

func TestSessionFromTokenRevokedJTI(t *testing.T) {
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("usr_1", "developer")),
	}
	svc := newTestService(fake)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "usr_1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	fake.isAccessTokenRevokedFn = func(_ context.Context, jti string) (bool, error) {
		return jti == session.JTI, nil
	}

	if _, err := svc.SessionFromToken(ctx, session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for revoked JTI, got %v", err)
	}
}

func TestSessionForDeactivatedUser(t *testing.T) {
	user := activeUser("usr_1", "developer")
	fake := &fakeStore{}
	fake.getUserByIDFn = func(_ context.Context, userID string) (store.User, error) {
		if userID == user.ID {
			return user, nil
		}
		return store.User{}, sql.ErrNoRows
	}
	svc := newTestService(fake)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "usr_1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	user.IsActive = false
	if _, err := svc.SessionFromToken(ctx, session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for deactivated user, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	var revoked []string
	fake := &fakeStore{
		getUserByIDFn: userDirectory(activeUser("usr_1", "developer")),
	}
	fake.lookupRefreshSessionFn = func(_ context.Context, tokenHash string) (string, error) {
		for _, hash := range revoked {
			if hash == tokenHash {
				return "", sql.ErrNoRows
			}
		}
		return "usr_1", nil
	}
	fake.revokeRefreshSessionFn = func(_ context.Context, tokenHash string) error {
		revoked = append(revoked, tokenHash)
		return nil
	}
	svc := newTestService(fake)
	ctx := context.Background()

	session, err := svc.Refresh(ctx, "some-refresh-token")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if session.UserID != "usr_1" || session.RefreshToken == "" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if len(revoked) != 1 {
		t.Fatalf("old refresh token was not revoked (revoked=%d)", len(revoked))
	}
	if _, err := svc.Refresh(ctx, "some-refresh-token"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("reusing a rotated token should fail, got %v", err)
	}
}
