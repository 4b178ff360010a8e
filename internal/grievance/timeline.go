package grievance

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// CompareEvents orders events by creation time, then ID.
func CompareEvents(a, b *TimelineEvent) int {
	return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
}

// SortEvents sorts events into ledger order in place.
func SortEvents(events []*TimelineEvent) {
	slices.SortStableFunc(events, CompareEvents)
}

// CitizenView drops events hidden from citizens, preserving order.
func CitizenView(events []*TimelineEvent) []*TimelineEvent {
	return slices.DeleteFunc(events, func(e *TimelineEvent) bool { return !e.CitizenVisible })
}

func newEvent(grievanceID string, kind EventKind, actor Actor, now time.Time) *TimelineEvent {
	return &TimelineEvent{
		ID:             ulid.Make().String(),
		GrievanceID:    grievanceID,
		Kind:           kind,
		ActorID:        actor.ID,
		ActorRole:      actor.Role,
		CitizenVisible: true,
		CreatedAt:      now,
	}
}

func submittedEvent(g *Grievance, actor Actor) *TimelineEvent {
	e := newEvent(g.ID, EventSubmitted, actor, g.CreatedAt)
	e.Description = "Grievance submitted"
	e.Metadata = map[string]string{
		"category":      string(g.Category),
		"urgency":       string(g.Urgency),
		"department_id": g.DepartmentID,
	}
	if g.IsDuplicate {
		e.Metadata["duplicate_of_id"] = g.DuplicateOfID
	}
	return e
}

func assignedEvent(g *Grievance, actor Actor, from Status, previousOfficer string, now time.Time) *TimelineEvent {
	e := newEvent(g.ID, EventAssigned, actor, now)
	e.Description = fmt.Sprintf("Assigned to officer %s", g.OfficerID)
	e.CitizenVisible = false
	e.Metadata = map[string]string{
		"officer_id":  g.OfficerID,
		"from_status": string(from),
		"to_status":   string(g.Status),
	}
	if previousOfficer != "" {
		e.Metadata["previous_officer_id"] = previousOfficer
		e.Metadata["reassigned_at"] = now.UTC().Format(time.RFC3339)
	}
	return e
}

func statusChangedEvent(g *Grievance, actor Actor, from Status, comment string, now time.Time) *TimelineEvent {
	e := newEvent(g.ID, EventStatusChanged, actor, now)
	e.Description = fmt.Sprintf("Status changed from %s to %s", from, g.Status)
	e.Comment = comment
	e.Metadata = map[string]string{
		"from_status": string(from),
		"to_status":   string(g.Status),
	}
	return e
}

func commentEvent(grievanceID string, actor Actor, text string, internal bool, now time.Time) *TimelineEvent {
	e := newEvent(grievanceID, EventCommentAdded, actor, now)
	e.Description = fmt.Sprintf("Comment added by %s", actor.Role)
	e.Comment = text
	e.CitizenVisible = !internal
	return e
}

func attachmentEvent(grievanceID string, actor Actor, a *Attachment, now time.Time) *TimelineEvent {
	e := newEvent(grievanceID, EventAttachmentAdded, actor, now)
	e.Description = fmt.Sprintf("Attachment added: %s", a.FileName)
	e.Metadata = map[string]string{
		"file_name": a.FileName,
		"file_type": a.FileType,
		"file_size": fmt.Sprintf("%d", a.FileSize),
	}
	if a.URL != "" {
		e.Metadata["file_url"] = a.URL
	}
	return e
}

func escalatedEvent(g *Grievance, actor Actor, reason string, elapsed time.Duration, now time.Time) *TimelineEvent {
	e := newEvent(g.ID, EventEscalated, actor, now)
	e.Description = fmt.Sprintf("Escalated after %.1f hours in %s", elapsed.Hours(), g.Status)
	e.Comment = reason
	e.CitizenVisible = false
	e.Metadata = map[string]string{
		"status":        string(g.Status),
		"elapsed_hours": fmt.Sprintf("%.2f", elapsed.Hours()),
	}
	return e
}
