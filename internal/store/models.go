package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsActive              bool
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Project struct {
	ID           string
	Key          string
	Name         string
	Description  string
	LeadUserID   string
	Members      []string
	NextIssueSeq int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Attachment carries metadata only; the binary itself is not stored here.
type Attachment struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	UploadedBy  string    `json:"uploadedBy"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

type Issue struct {
	ID           string
	ProjectID    string
	Key          string
	Title        string
	Description  string
	Type         string
	Status       string
	Priority     string
	Severity     string
	ReporterID   string
	AssigneeID   string
	Labels       []string
	Watchers     []string
	Attachments  []Attachment
	CommentCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StatusChange is one append-only audit entry on an issue's status trail.
type StatusChange struct {
	ID         int64
	IssueID    string
	FromStatus string
	ToStatus   string
	ChangedBy  string
	ChangedAt  time.Time
}

type Comment struct {
	ID        string
	IssueID   string
	AuthorID  string
	Body      string
	ParentID  *string
	Ancestors []string
	Edited    bool
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IssueFilter narrows a project-scoped issue listing. Zero values mean
// "no constraint"; Query matches key, title and description.
type IssueFilter struct {
	Status     string
	Priority   string
	AssigneeID string
	Query      string
	Limit      int
	Offset     int
}

// IssuePatch carries a partial issue update; nil pointers leave the
// column untouched. Labels and Watchers are replaced wholesale when set.
type IssuePatch struct {
	Title       *string
	Description *string
	Type        *string
	Priority    *string
	Severity    *string
	AssigneeID  *string
	Labels      *[]string
	Watchers    *[]string
}
