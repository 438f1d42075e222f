package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"bugtrail/api/internal/auth"
	"bugtrail/api/internal/authpw"
	"bugtrail/api/internal/config"
	"bugtrail/api/internal/rbac"
	"bugtrail/api/internal/search"
	"bugtrail/api/internal/store"
	"bugtrail/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type CreateProjectInput struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	LeadUserID  string   `json:"leadUserId"`
	Members     []string `json:"members"`
}

type UpdateProjectInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	LeadUserID  *string `json:"leadUserId"`
}

type UpdateMembersInput struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

var projectKeyPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	CountUsers(context.Context) (int, error)
	CountUsersByIDs(context.Context, []string) (int, error)
	UpdateUserRole(ctx context.Context, userID, role string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context) ([]store.Project, error)
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	UpdateProjectFields(ctx context.Context, projectID string, name, description, leadUserID *string) error
	UpdateProjectMembers(ctx context.Context, projectID string, add, remove []string) error
	DeleteProject(context.Context, string) (bool, error)

	NextIssueKey(context.Context, string) (string, error)
	InsertIssue(context.Context, store.Issue) error
	GetIssue(context.Context, string) (store.Issue, error)
	ListIssues(context.Context, string, store.IssueFilter) ([]store.Issue, error)
	UpdateIssueFields(context.Context, string, store.IssuePatch) error
	TransitionIssueStatus(ctx context.Context, issueID, toStatus, changedBy string) (string, error)
	ListStatusHistory(context.Context, string) ([]store.StatusChange, error)

	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	ListIssueComments(ctx context.Context, issueID string, limit, offset int) ([]store.Comment, error)
	ListReplies(ctx context.Context, parentID string, limit, offset int) ([]store.Comment, error)
	UpdateCommentBody(ctx context.Context, commentID, body string) error
	SoftDeleteComment(context.Context, string) (bool, error)
	AdjustCommentCount(ctx context.Context, issueID string, delta int) error
	RecountComments(context.Context, string) (int, error)
}

// sessionStore holds refresh tokens. Satisfied by both the Redis store
// and the Postgres store, so Redis stays optional.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   *search.Service
	authpw   *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchSvc *search.Service) *Service {
	if sessions == nil {
		sessions = dataStore
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		search:   searchSvc,
		authpw:   authpw.NewService(dataStore),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

// Bootstrap seeds the admin account on an empty database. Without an
// admin nobody can create projects or promote roles, so a fresh install
// would be unusable.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if s.cfg.AdminPassword == "" {
		log.Println("bootstrap: no users and no BUGTRAIL_ADMIN_PASSWORD set, skipping admin seed")
		return nil
	}

	resp, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:       s.cfg.AdminEmail,
		Password:    s.cfg.AdminPassword,
		DisplayName: "Administrator",
	})
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if err := s.authpw.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		return fmt.Errorf("verify seeded admin: %w", err)
	}
	if err := s.store.UpdateUserRole(ctx, resp.UserID, string(rbac.RoleAdmin)); err != nil {
		return fmt.Errorf("promote seeded admin: %w", err)
	}
	log.Printf("bootstrap: seeded admin account %s", s.cfg.AdminEmail)
	return nil
}

// resolveActor loads the caller fresh from the store. A missing or
// deactivated account denies, never falls back to stale session data.
func (s *Service) resolveActor(ctx context.Context, userID string) (*rbac.Subject, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errForbidden(rbac.ReasonInactive)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errForbidden(rbac.ReasonInactive)
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, errForbidden(rbac.ReasonInactive)
	}
	return &rbac.Subject{ID: user.ID, Role: rbac.Role(user.Role)}, nil
}

func (s *Service) projectContext(project store.Project) *rbac.ProjectContext {
	return &rbac.ProjectContext{
		ID:         project.ID,
		LeadUserID: project.LeadUserID,
		Members:    project.Members,
	}
}

// checkDecision translates an rbac verdict into a domain error, keeping
// the missing-context defect distinct from a denial.
func checkDecision(decision rbac.Decision, err error) error {
	if err != nil {
		if errors.Is(err, rbac.ErrMissingContext) {
			return errContextMissing()
		}
		return err
	}
	if !decision.Allowed {
		return errForbidden(decision.Reason)
	}
	return nil
}

// Sessions

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.CreateSession(ctx, userID)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates the access token and loads the user fresh.
// Role in the returned session always reflects the current user row, not
// anything baked into the token.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Projects

func (s *Service) CreateProject(ctx context.Context, actorID string, input CreateProjectInput) (map[string]any, error) {
	subject, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := checkDecision(rbac.HasGlobalRole(subject, rbac.RoleAdmin, rbac.RoleManager)); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(input.Key)
	if !projectKeyPattern.MatchString(key) {
		return nil, errValidation("key must be 2-10 uppercase letters or digits", map[string]any{"key": key})
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errValidation("name is required", nil)
	}
	lead := strings.TrimSpace(input.LeadUserID)
	if lead == "" {
		lead = subject.ID
	}
	if _, err := s.store.GetUserByID(ctx, lead); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errValidation("lead user does not exist", map[string]any{"leadUserId": lead})
		}
		return nil, err
	}

	// Lead is always a member; dedupe the rest.
	members := dedupe(append([]string{lead}, input.Members...))
	if len(members) > 1 {
		count, err := s.store.CountUsersByIDs(ctx, members)
		if err != nil {
			return nil, err
		}
		if count != len(members) {
			return nil, errValidation("one or more members do not exist", nil)
		}
	}

	project := store.Project{
		ID:          util.NewID("prj"),
		Key:         key,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		LeadUserID:  lead,
		Members:     members,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, errConflict("project key already in use", map[string]any{"key": key})
		}
		return nil, err
	}

	// Return the stored row rather than funneling through GetProject: a
	// manager may create a project without being on its roster.
	created, err := s.store.GetProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	return projectPayload(created), nil
}

func (s *Service) ListProjects(ctx context.Context, actorID string) (map[string]any, error) {
	subject, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var projects []store.Project
	if subject.Role == rbac.RoleAdmin {
		projects, err = s.store.ListProjects(ctx)
	} else {
		projects, err = s.store.ListProjectsForUser(ctx, subject.ID)
	}
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		items = append(items, projectPayload(project))
	}
	return map[string]any{"projects": items}, nil
}

func (s *Service) GetProject(ctx context.Context, actorID, projectID string) (map[string]any, error) {
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
	return projectPayload(project), nil
}

func (s *Service) UpdateProject(ctx context.Context, actorID, projectID string, input UpdateProjectInput) (map[string]any, error) {
	subject, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := checkDecision(rbac.LeadOrAdmin(subject, s.projectContext(project))); err != nil {
		return nil, err
	}

	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return nil, errValidation("name cannot be empty", nil)
	}
	if input.LeadUserID != nil {
		lead := strings.TrimSpace(*input.LeadUserID)
		if lead == "" {
			return nil, errValidation("leadUserId cannot be empty", nil)
		}
		if _, err := s.store.GetUserByID(ctx, lead); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errValidation("lead user does not exist", map[string]any{"leadUserId": lead})
			}
			return nil, err
		}
		input.LeadUserID = &lead
	}

	if err := s.store.UpdateProjectFields(ctx, projectID, trimPtr(input.Name), trimPtr(input.Description), input.LeadUserID); err != nil {
		return nil, err
	}
	return s.GetProject(ctx, actorID, projectID)
}

func (s *Service) UpdateMembers(ctx context.Context, actorID, projectID string, input UpdateMembersInput) (map[string]any, error) {
	subject, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := checkDecision(rbac.LeadOrAdmin(subject, s.projectContext(project))); err != nil {
		return nil, err
	}

	add := dedupe(input.Add)
	remove := dedupe(input.Remove)
	for _, userID := range add {
		for _, removed := range remove {
			if userID == removed {
				return nil, errValidation("user appears in both add and remove", map[string]any{"userId": userID})
			}
		}
	}
	for _, userID := range remove {
		if userID == project.LeadUserID {
			return nil, errValidation("the project lead cannot be removed from members", map[string]any{"userId": userID})
		}
	}
	// Both sets are existence-checked before anything mutates; the sets
	// are disjoint so one batched count covers them.
	if referenced := append(append([]string{}, add...), remove...); len(referenced) > 0 {
		count, err := s.store.CountUsersByIDs(ctx, referenced)
		if err != nil {
			return nil, err
		}
		if count != len(referenced) {
			return nil, errValidation("one or more referenced users do not exist", nil)
		}
	}

	if err := s.store.UpdateProjectMembers(ctx, projectID, add, remove); err != nil {
		return nil, err
	}
	return s.GetProject(ctx, actorID, projectID)
}

func (s *Service) DeleteProject(ctx context.Context, actorID, projectID string) error {
	subject, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return err
	}
	if err := checkDecision(rbac.HasGlobalRole(subject, rbac.RoleAdmin)); err != nil {
		return err
	}
	deleted, err := s.store.DeleteProject(ctx, projectID)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound("project not found")
	}
	return nil
}

// Search

func (s *Service) Search(ctx context.Context, actorID, q, filterType, projectID string, limit, offset int) (search.Response, error) {
	subject, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}

	query := search.Query{
		Text:            strings.TrimSpace(q),
		FilterType:      search.ResultType(strings.TrimSpace(filterType)),
		FilterProjectID: strings.TrimSpace(projectID),
		Limit:           limit,
		Offset:          offset,
	}
	if query.FilterType != "" && query.FilterType != search.ResultIssue && query.FilterType != search.ResultComment {
		return search.Response{}, errValidation("type must be 'issue' or 'comment'", nil)
	}

	if subject.Role != rbac.RoleAdmin {
		projects, err := s.store.ListProjectsForUser(ctx, subject.ID)
		if err != nil {
			return search.Response{}, err
		}
		ids := make([]string, 0, len(projects))
		for _, project := range projects {
			ids = append(ids, project.ID)
		}
		sort.Strings(ids)
		query.ProjectIDs = ids
		if query.FilterProjectID != "" && !contains(ids, query.FilterProjectID) {
			return search.Response{}, errForbidden(rbac.ReasonNotMember)
		}
	}

	return s.search.Search(query), nil
}

func projectPayload(project store.Project) map[string]any {
	return map[string]any{
		"id":          project.ID,
		"key":         project.Key,
		"name":        project.Name,
		"description": project.Description,
		"leadUserId":  project.LeadUserID,
		"members":     project.Members,
		"createdAt":   project.CreatedAt.Format(time.RFC3339),
		"updatedAt":   project.UpdatedAt.Format(time.RFC3339),
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func trimPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}
