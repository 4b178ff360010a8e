package grievance

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// GuardResult is the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

func allow() GuardResult { return GuardResult{Allowed: true} }

func deny(format string, args ...any) GuardResult {
	return GuardResult{Reason: fmt.Sprintf(format, args...)}
}

var transitions = map[Status][]Status{
	StatusSubmitted:   {StatusUnderReview},
	StatusUnderReview: {StatusInProgress, StatusResolved, StatusClosed},
	StatusInProgress:  {StatusUnderReview, StatusResolved, StatusClosed},
	StatusResolved:    {StatusClosed, StatusReopened},
	StatusClosed:      {StatusReopened},
	StatusReopened:    {StatusUnderReview},
}

// NextStatuses returns the statuses reachable from s in one step.
func NextStatuses(s Status) []Status {
	return slices.Clone(transitions[s])
}

func joinStatuses(ss []Status) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

// CanTransition evaluates whether the state machine permits from -> to.
func CanTransition(from, to Status) GuardResult {
	if !to.Valid() {
		return deny("unknown status %q", to)
	}
	if from == to {
		return deny("grievance is already %s", to)
	}
	if next := NextStatuses(from); !slices.Contains(next, to) {
		if len(next) == 0 {
			return deny("cannot move grievance from %s to %s", from, to)
		}
		return deny("cannot move grievance from %s to %s (allowed: %s)", from, to, joinStatuses(next))
	}
	return allow()
}

// TransitionContext provides context for status change authorization.
type TransitionContext struct {
	Actor     Actor
	OfficerID string // assigned officer, empty if unassigned
	From      Status
}

// CanChangeStatus evaluates whether the actor may change the grievance's status.
// Rules:
//   - citizens never change status
//   - only officers and admins act on grievances, including leaving submitted
//   - officers must be the assigned officer, admins act regardless
func CanChangeStatus(ctx TransitionContext) GuardResult {
	switch ctx.Actor.Role {
	case RoleAdmin:
		return allow()
	case RoleOfficer:
		if ctx.OfficerID == "" {
			return deny("grievance is not assigned; accept it before changing its status")
		}
		if ctx.OfficerID != ctx.Actor.ID {
			return deny("officer %s is not assigned to this grievance", ctx.Actor.ID)
		}
		return allow()
	case RoleCitizen:
		return deny("citizens cannot change grievance status")
	}
	return deny("role %q cannot move a grievance out of %s", ctx.Actor.Role, ctx.From)
}

// AssignContext provides context for assignment authorization.
type AssignContext struct {
	Actor            Actor
	CurrentOfficerID string
	TargetOfficerID  string
}

// CanAssign evaluates whether the actor may set the grievance's officer.
// Rules:
//   - officers may only accept grievances for themselves
//   - officers may not take over a grievance assigned to someone else
//   - admins may assign or reassign any officer
func CanAssign(ctx AssignContext) GuardResult {
	switch ctx.Actor.Role {
	case RoleAdmin:
		return allow()
	case RoleOfficer:
		if ctx.TargetOfficerID != ctx.Actor.ID {
			return deny("officers may only accept grievances for themselves")
		}
		if ctx.CurrentOfficerID != "" && ctx.CurrentOfficerID != ctx.Actor.ID {
			return deny("grievance is already assigned to another officer")
		}
		return allow()
	}
	return deny("role %q cannot assign grievances", ctx.Actor.Role)
}

// Assignable evaluates whether a grievance in status s can take a new officer.
func Assignable(s Status) GuardResult {
	if s == StatusResolved || s == StatusClosed {
		return deny("cannot assign a %s grievance", s)
	}
	return allow()
}

// AccessContext provides context for read and annotate guards.
type AccessContext struct {
	Actor       Actor
	SubmitterID string
	OfficerID   string
}

// CanView evaluates whether the actor may read the grievance.
// Rules:
//   - citizens read their own grievances
//   - officers read grievances assigned to them, and unassigned ones so they can accept them
//   - admins and the system read everything
func CanView(ctx AccessContext) GuardResult {
	switch ctx.Actor.Role {
	case RoleAdmin, RoleSystem:
		return allow()
	case RoleOfficer:
		if ctx.OfficerID == "" || ctx.OfficerID == ctx.Actor.ID {
			return allow()
		}
		return deny("grievance is assigned to another officer")
	case RoleCitizen:
		if ctx.SubmitterID == ctx.Actor.ID {
			return allow()
		}
		return deny("grievance belongs to another citizen")
	}
	return deny("role %q cannot read grievances", ctx.Actor.Role)
}

// CanAnnotate evaluates whether the actor may add a comment or attachment.
// Rules:
//   - citizens annotate their own grievances and never post internal notes
//   - officers annotate grievances assigned to them
//   - admins annotate any grievance
func CanAnnotate(ctx AccessContext, internal bool) GuardResult {
	switch ctx.Actor.Role {
	case RoleAdmin:
		return allow()
	case RoleOfficer:
		if ctx.OfficerID == ctx.Actor.ID {
			return allow()
		}
		return deny("officer %s is not assigned to this grievance", ctx.Actor.ID)
	case RoleCitizen:
		if ctx.SubmitterID != ctx.Actor.ID {
			return deny("grievance belongs to another citizen")
		}
		if internal {
			return deny("citizens cannot post internal comments")
		}
		return allow()
	}
	return deny("role %q cannot annotate grievances", ctx.Actor.Role)
}

// CanEscalate evaluates whether the actor may check or raise escalations.
func CanEscalate(a Actor) GuardResult {
	if a.Staff() {
		return allow()
	}
	return deny("only officers and admins can check escalation")
}

// applyAssignment sets the officer on g and moves a submitted grievance into
// review. AssignedAt keeps the first assignment time. It returns the status g
// held before.
func applyAssignment(g *Grievance, officerID string, now time.Time) Status {
	from := g.Status
	g.OfficerID = officerID
	if g.AssignedAt == nil {
		g.AssignedAt = &now
	}
	if g.Status == StatusSubmitted {
		g.Status = StatusUnderReview
	}
	g.UpdatedAt = now
	return from
}

// applyTransition moves g to status to, stamping resolution time where needed.
// Reopening clears the resolution time.
func applyTransition(g *Grievance, to Status, now time.Time) {
	g.Status = to
	switch to {
	case StatusResolved, StatusClosed:
		g.ResolvedAt = &now
	case StatusReopened:
		g.ResolvedAt = nil
	}
	g.UpdatedAt = now
}
