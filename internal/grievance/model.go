package grievance

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/grievd/internal/triage"
)

// Status is the lifecycle state of a grievance.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusUnderReview Status = "under_review"
	StatusInProgress  Status = "in_progress"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
	StatusReopened    Status = "reopened"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusUnderReview, StatusInProgress,
		StatusResolved, StatusClosed, StatusReopened:
		return true
	}
	return false
}

// ParseStatus converts a wire value to a Status, returning a validation error
// for unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", Validationf("unknown status %q", s)
	}
	return st, nil
}

// EventKind identifies what a timeline event records.
type EventKind string

const (
	EventSubmitted       EventKind = "submitted"
	EventAssigned        EventKind = "assigned"
	EventStatusChanged   EventKind = "status_changed"
	EventCommentAdded    EventKind = "comment_added"
	EventAttachmentAdded EventKind = "attachment_added"
	EventEscalated       EventKind = "escalated"
	EventResolved        EventKind = "resolved"
	EventReopened        EventKind = "reopened"
	EventClosed          EventKind = "closed"
)

// Role is the acting principal's role.
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleOfficer Role = "officer"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// ParseRole converts a wire value to a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleCitizen, RoleOfficer, RoleAdmin, RoleSystem:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Actor is an already-authenticated principal acting on grievances.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Staff reports whether the actor is an officer or admin.
func (a Actor) Staff() bool {
	return a.Role == RoleOfficer || a.Role == RoleAdmin
}

// Grievance is a citizen complaint tracked through the workflow.
// Category, Urgency, Confidence and the duplicate fields are fixed at creation.
type Grievance struct {
	ID            string          `json:"id"`
	SubmitterID   string          `json:"submitter_id"`
	OfficerID     string          `json:"officer_id,omitempty"`
	DepartmentID  string          `json:"department_id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Category      triage.Category `json:"category"`
	Urgency       triage.Urgency  `json:"urgency"`
	Status        Status          `json:"status"`
	IsDuplicate   bool            `json:"is_duplicate"`
	DuplicateOfID string          `json:"duplicate_of_id,omitempty"`
	Similarity    float64         `json:"similarity_score,omitempty"`
	Confidence    float64         `json:"confidence"`
	Priority      float64         `json:"priority_score"`
	AssignedAt    *time.Time      `json:"assigned_at,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of g.
func (g *Grievance) Clone() *Grievance {
	cp := *g
	if g.AssignedAt != nil {
		t := *g.AssignedAt
		cp.AssignedAt = &t
	}
	if g.ResolvedAt != nil {
		t := *g.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// TimelineEvent is one immutable entry in a grievance's audit log.
type TimelineEvent struct {
	ID             string            `json:"id"`
	GrievanceID    string            `json:"grievance_id"`
	Kind           EventKind         `json:"kind"`
	ActorID        string            `json:"actor_id"`
	ActorRole      Role              `json:"actor_role"`
	Description    string            `json:"description"`
	Comment        string            `json:"comment,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CitizenVisible bool              `json:"citizen_visible"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Clone returns a deep copy of e.
func (e *TimelineEvent) Clone() *TimelineEvent {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Order selects the sort order of a grievance listing.
type Order int

const (
	// OrderCreatedDesc lists newest first.
	OrderCreatedDesc Order = iota
	// OrderPriorityDesc lists highest priority first, newest first within a priority.
	OrderPriorityDesc
)

// Filter narrows a grievance listing. Zero values match everything;
// a zero Limit returns all rows.
type Filter struct {
	SubmitterID string
	OfficerID   string
	Status      Status
	Urgency     triage.Urgency
	Category    triage.Category
	Order       Order
	Skip        int
	Limit       int
}

// Matches reports whether g satisfies the filter's predicates.
func (f *Filter) Matches(g *Grievance) bool {
	if f.SubmitterID != "" && g.SubmitterID != f.SubmitterID {
		return false
	}
	if f.OfficerID != "" && g.OfficerID != f.OfficerID {
		return false
	}
	if f.Status != "" && g.Status != f.Status {
		return false
	}
	if f.Urgency != "" && g.Urgency != f.Urgency {
		return false
	}
	if f.Category != "" && g.Category != f.Category {
		return false
	}
	return true
}
