// Package rbac holds the access decision engine: pure predicates over
// already-loaded user, project and comment records. Nothing here touches
// storage; callers load fresh records per request so role and membership
// changes take effect on the very next call.
package rbac

import "errors"

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleManager   Role = "manager"
	RoleDeveloper Role = "developer"
)

// ErrMissingContext signals a caller contract violation: a decision was
// requested without the records it ranges over. This is a server-side
// defect, never a denial.
var ErrMissingContext = errors.New("rbac: missing decision context")

// Reason codes attached to every verdict.
const (
	ReasonAdmin         = "admin"
	ReasonGlobalRole    = "global-role"
	ReasonRoleExcluded  = "role-excluded"
	ReasonProjectLead   = "project-lead"
	ReasonProjectMember = "project-member"
	ReasonNotMember     = "not-a-member"
	ReasonNotLead       = "not-lead"
	ReasonCommentAuthor = "comment-author"
	ReasonNotAuthor     = "not-author"
	ReasonInactive      = "inactive-user"
)

// Decision is an allow/deny verdict with the reason it was reached.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// Subject is the resolved caller: an active user with a global role.
type Subject struct {
	ID   string
	Role Role
}

// ProjectContext is the slice of a project a decision ranges over.
type ProjectContext struct {
	ID         string
	LeadUserID string
	Members    []string
}

// CommentContext identifies a comment's author for moderation checks.
type CommentContext struct {
	ID       string
	AuthorID string
}

func ValidRole(role string) bool {
	switch Role(role) {
	case RoleAdmin, RoleManager, RoleDeveloper:
		return true
	}
	return false
}

// HasGlobalRole tests the subject's single global role against an allow
// list.
func HasGlobalRole(subject *Subject, allowed ...Role) (Decision, error) {
	if subject == nil {
		return Decision{}, ErrMissingContext
	}
	for _, role := range allowed {
		if subject.Role == role {
			return allow(ReasonGlobalRole), nil
		}
	}
	return deny(ReasonRoleExcluded), nil
}

// MemberOrAdmin allows admins, the project lead, and explicit members.
// Every lead/admin allowed by LeadOrAdmin is allowed here too.
func MemberOrAdmin(subject *Subject, project *ProjectContext) (Decision, error) {
	if subject == nil || project == nil {
		return Decision{}, ErrMissingContext
	}
	if subject.Role == RoleAdmin {
		return allow(ReasonAdmin), nil
	}
	if subject.ID == project.LeadUserID {
		return allow(ReasonProjectLead), nil
	}
	for _, member := range project.Members {
		if member == subject.ID {
			return allow(ReasonProjectMember), nil
		}
	}
	return deny(ReasonNotMember), nil
}

// LeadOrAdmin is the stricter check: admins and the project lead only.
func LeadOrAdmin(subject *Subject, project *ProjectContext) (Decision, error) {
	if subject == nil || project == nil {
		return Decision{}, ErrMissingContext
	}
	if subject.Role == RoleAdmin {
		return allow(ReasonAdmin), nil
	}
	if subject.ID == project.LeadUserID {
		return allow(ReasonProjectLead), nil
	}
	return deny(ReasonNotLead), nil
}

// CommentModerator allows admins, the project lead, and the comment's
// author.
func CommentModerator(subject *Subject, project *ProjectContext, comment *CommentContext) (Decision, error) {
	if subject == nil || project == nil || comment == nil {
		return Decision{}, ErrMissingContext
	}
	if subject.Role == RoleAdmin {
		return allow(ReasonAdmin), nil
	}
	if subject.ID == project.LeadUserID {
		return allow(ReasonProjectLead), nil
	}
	if subject.ID == comment.AuthorID {
		return allow(ReasonCommentAuthor), nil
	}
	return deny(ReasonNotAuthor), nil
}
