package grievance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/grievd/internal/routing"
	"github.com/linnemanlabs/grievd/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/grievd/internal/grievance")

// Defaults for Service limits.
const (
	DefaultMaxTextLength    = 5000
	DefaultEscalationWindow = 72 * time.Hour
	DefaultPageSize         = 10
	MaxPageSize             = 100

	minTitleLength       = 5
	maxTitleLength       = 255
	minDescriptionLength = 20
	maxFileNameLength    = 255
)

// SubmitRequest is a citizen's new grievance.
type SubmitRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// SubmitResult is the outcome of a successful submission.
type SubmitResult struct {
	Grievance  *Grievance          `json:"grievance"`
	Assignment *routing.Assignment `json:"routing"`
	Analysis   triage.Analysis     `json:"analysis"`
}

// TransitionRequest asks for a status change.
type TransitionRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

// CommentRequest adds a comment to the timeline. Internal comments are hidden
// from citizens.
type CommentRequest struct {
	Text     string `json:"text"`
	Internal bool   `json:"internal,omitempty"`
}

// Attachment is file metadata recorded on the timeline. The file itself is
// stored elsewhere.
type Attachment struct {
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size"`
	URL      string `json:"file_url,omitempty"`
}

// ListRequest selects a page of grievances visible to the actor.
type ListRequest struct {
	Status   string
	Urgency  string
	Category string
	Skip     int
	Limit    int
}

// ListResult is one page of grievances.
type ListResult struct {
	Items []*Grievance `json:"items"`
	Total int          `json:"total"`
	Skip  int          `json:"skip"`
	Limit int          `json:"limit"`
}

// Escalation reports whether a grievance has exceeded the escalation window.
type Escalation struct {
	GrievanceID  string  `json:"grievance_id"`
	Overdue      bool    `json:"needs_escalation"`
	ElapsedHours float64 `json:"time_elapsed_hours"`
	WindowHours  float64 `json:"escalation_threshold_hours"`
	Status       Status  `json:"status"`
}

// Service is the business boundary for grievance operations. Every multi-step
// write runs inside one Store unit of work.
type Service struct {
	store    Store
	analyzer *triage.Analyzer
	router   *routing.Router
	notifier Notifier
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time

	maxTextLength    int
	escalationWindow time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the notifier used after successful writes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithHooks sets lifecycle hooks, typically Metrics.Hooks().
func WithHooks(h Hooks) Option {
	return func(s *Service) { s.hooks = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxTextLength caps description and comment length in characters.
func WithMaxTextLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTextLength = n
		}
	}
}

// WithEscalationWindow sets the age after which a grievance counts as overdue.
func WithEscalationWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.escalationWindow = d
		}
	}
}

// NewService creates a grievance service.
func NewService(store Store, analyzer *triage.Analyzer, router *routing.Router, logger log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if analyzer == nil {
		analyzer = triage.NewAnalyzer()
	}
	if router == nil {
		router = routing.New(logger)
	}
	s := &Service{
		store:            store,
		analyzer:         analyzer,
		router:           router,
		notifier:         nopNotifier{},
		logger:           logger,
		now:              time.Now,
		maxTextLength:    DefaultMaxTextLength,
		escalationWindow: DefaultEscalationWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit triages, routes and records a new grievance for a citizen.
// Routing and creation share one unit of work, so a failed insert releases
// the reserved department slot.
func (s *Service) Submit(ctx context.Context, actor Actor, req SubmitRequest) (_ *SubmitResult, err error) {
	ctx, span := tracer.Start(ctx, "grievance.Submit", trace.WithAttributes(
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	start := s.now()
	ev := &SubmitEvent{Result: "accepted"}
	defer func() {
		ev.Duration = s.now().Sub(start).Seconds()
		if err != nil {
			ev.Result = submitResultFor(err)
			recordSpanError(span, err)
		}
		if s.hooks.OnSubmit != nil {
			s.hooks.OnSubmit(ev)
		}
	}()

	if actor.Role != RoleCitizen {
		return nil, Permissionf("only citizens can submit grievances")
	}
	title := strings.TrimSpace(req.Title)
	desc := strings.TrimSpace(req.Description)
	if err := s.validateSubmission(title, desc); err != nil {
		return nil, err
	}

	existing, _, err := s.store.ListGrievances(ctx, Filter{SubmitterID: actor.ID})
	if err != nil {
		return nil, fmt.Errorf("list prior grievances: %w", err)
	}
	priors := make([]triage.Prior, 0, len(existing))
	for _, g := range existing {
		priors = append(priors, triage.Prior{ID: g.ID, Text: g.Description, Status: string(g.Status)})
	}

	L := s.logger.With("submitter_id", actor.ID)

	analysis, dupErr := s.analyzer.Analyze(desc, priors)
	if dupErr != nil {
		ev.DuplicateError = true
		L.Warn(ctx, "duplicate detection degraded to no match", "error", dupErr.Error(), "priors", len(priors))
	}
	ev.Category = string(analysis.Category)
	ev.Urgency = string(analysis.Urgency)
	ev.Priority = analysis.Priority
	ev.Duplicate = analysis.IsDuplicate()

	now := s.now()
	g := &Grievance{
		ID:          ulid.Make().String(),
		SubmitterID: actor.ID,
		Title:       title,
		Description: desc,
		Category:    analysis.Category,
		Urgency:     analysis.Urgency,
		Status:      StatusSubmitted,
		Confidence:  analysis.Confidence,
		Priority:    analysis.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if m := analysis.Duplicate; m != nil {
		g.IsDuplicate = true
		g.DuplicateOfID = m.GrievanceID
		g.Similarity = m.Similarity
	}

	var assignment *routing.Assignment
	err = s.store.InTx(ctx, func(tx Tx) error {
		a, err := s.router.Route(ctx, tx, analysis.Category, analysis.Priority)
		if err != nil {
			return err
		}
		g.DepartmentID = a.DepartmentID
		if err := tx.CreateGrievance(ctx, g); err != nil {
			return fmt.Errorf("create grievance: %w", err)
		}
		if err := tx.AppendEvent(ctx, submittedEvent(g, actor)); err != nil {
			return fmt.Errorf("append submitted event: %w", err)
		}
		assignment = a
		return nil
	})
	if err != nil {
		if errors.Is(err, routing.ErrNoCapacity) {
			L.Warn(ctx, "grievance rejected, no department capacity", "category", analysis.Category)
		}
		return nil, err
	}
	ev.Fallback = assignment.Fallback

	span.SetAttributes(
		attribute.String("grievance.id", g.ID),
		attribute.String("grievance.category", string(g.Category)),
		attribute.String("grievance.urgency", string(g.Urgency)),
		attribute.Float64("grievance.priority", g.Priority),
		attribute.Bool("grievance.duplicate", g.IsDuplicate),
		attribute.String("department.id", g.DepartmentID),
	)
	L.Info(ctx, "grievance submitted",
		"grievance_id", g.ID,
		"category", g.Category,
		"urgency", g.Urgency,
		"priority", g.Priority,
		"duplicate_of", g.DuplicateOfID,
		"department_id", g.DepartmentID,
	)

	s.notify(ctx, Notification{
		Recipient: g.SubmitterID,
		Template:  TemplateSubmitted,
		Fields: map[string]string{
			"grievance_id":              g.ID,
			"title":                     g.Title,
			"category":                  string(g.Category),
			"department":                assignment.DepartmentName,
			"expected_resolution_hours": strconv.FormatFloat(assignment.ExpectedResolutionHours, 'f', -1, 64),
		},
	})

	return &SubmitResult{Grievance: g.Clone(), Assignment: assignment, Analysis: analysis}, nil
}

func (s *Service) validateSubmission(title, desc string) error {
	if n := utf8.RuneCountInString(title); n < minTitleLength || n > maxTitleLength {
		return Validationf("title must be between %d and %d characters", minTitleLength, maxTitleLength)
	}
	n := utf8.RuneCountInString(desc)
	if n < minDescriptionLength {
		return Validationf("description must be at least %d characters", minDescriptionLength)
	}
	if n > s.maxTextLength {
		return Validationf("description too long (max %d characters)", s.maxTextLength)
	}
	return nil
}

// Assign sets the officer responsible for a grievance. An officer calling with
// an empty or own ID accepts the grievance; admins assign or reassign anyone.
// The first assignment moves a submitted grievance into review.
func (s *Service) Assign(ctx context.Context, actor Actor, id, officerID string) (_ *Grievance, err error) {
	ctx, span := tracer.Start(ctx, "grievance.Assign", trace.WithAttributes(
		attribute.String("grievance.id", id),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()
	defer func() { recordSpanError(span, err) }()

	target := strings.TrimSpace(officerID)
	if target == "" && actor.Role == RoleOfficer {
		target = actor.ID
	}
	if target == "" {
		return nil, Validationf("officer_id is required")
	}

	var (
		updated  *Grievance
		from     Status
		previous string
	)
	err = s.store.InTx(ctx, func(tx Tx) error {
		g, ok, err := tx.GetGrievanceForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("get grievance: %w", err)
		}
		if !ok {
			return NotFound(id)
		}
		if r := CanAssign(AssignContext{Actor: actor, CurrentOfficerID: g.OfficerID, TargetOfficerID: target}); !r.Allowed {
			return Permissionf("%s", r.Reason)
		}
		if r := Assignable(g.Status); !r.Allowed {
			return Validationf("%s", r.Reason)
		}
		if g.OfficerID == target {
			return Validationf("grievance is already assigned to officer %s", target)
		}

		previous = g.OfficerID
		from = applyAssignment(g, target, s.now())
		if err := tx.UpdateGrievance(ctx, g); err != nil {
			return fmt.Errorf("update grievance: %w", err)
		}
		if err := tx.AppendEvent(ctx, assignedEvent(g, actor, from, previous, g.UpdatedAt)); err != nil {
			return fmt.Errorf("append assigned event: %w", err)
		}
		updated = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := "assign"
	switch {
	case actor.Role == RoleOfficer:
		kind = "accept"
	case previous != "":
		kind = "reassign"
	}
	if s.hooks.OnAssign != nil {
		s.hooks.OnAssign(kind)
	}
	if from != updated.Status && s.hooks.OnTransition != nil {
		s.hooks.OnTransition(from, updated.Status)
	}

	s.logger.Info(ctx, "grievance assigned",
		"grievance_id", id,
		"officer_id", target,
		"previous_officer_id", previous,
		"kind", kind,
		"status", updated.Status,
	)

	s.notify(ctx, Notification{
		Recipient: updated.SubmitterID,
		Template:  TemplateAssigned,
		Fields: map[string]string{
			"grievance_id": updated.ID,
			"title":        updated.Title,
			"status":       string(updated.Status),
		},
	})
	s.notify(ctx, Notification{
		Recipient: target,
		Template:  TemplateOfficerAssignment,
		Fields: map[string]string{
			"grievance_id": updated.ID,
			"title":        updated.Title,
			"category":     string(updated.Category),
			"urgency":      string(updated.Urgency),
			"priority":     strconv.FormatFloat(updated.Priority, 'f', 2, 64),
		},
	})

	return updated.Clone(), nil
}

// Transition moves a grievance to a new status. The status change and its
// timeline event commit together or not at all.
func (s *Service) Transition(ctx context.Context, actor Actor, id string, req TransitionRequest) (_ *Grievance, err error) {
	ctx, span := tracer.Start(ctx, "grievance.Transition", trace.WithAttributes(
		attribute.String("grievance.id", id),
		attribute.String("actor.role", string(actor.Role)),
		attribute.String("grievance.status.to", req.Status),
	))
	defer span.End()
	defer func() { recordSpanError(span, err) }()

	to, err := ParseStatus(req.Status)
	if err != nil {
		return nil, err
	}
	comment := strings.TrimSpace(req.Comment)
	if utf8.RuneCountInString(comment) > s.maxTextLength {
		return nil, Validationf("comment too long (max %d characters)", s.maxTextLength)
	}

	var (
		updated *Grievance
		from    Status
	)
	err = s.store.InTx(ctx, func(tx Tx) error {
		g, ok, err := tx.GetGrievanceForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("get grievance: %w", err)
		}
		if !ok {
			return NotFound(id)
		}
		if r := CanChangeStatus(TransitionContext{Actor: actor, OfficerID: g.OfficerID, From: g.Status}); !r.Allowed {
			return Permissionf("%s", r.Reason)
		}
		if r := CanTransition(g.Status, to); !r.Allowed {
			return Validationf("%s", r.Reason)
		}

		from = g.Status
		applyTransition(g, to, s.now())
		if err := tx.UpdateGrievance(ctx, g); err != nil {
			return fmt.Errorf("update grievance: %w", err)
		}
		if err := tx.AppendEvent(ctx, statusChangedEvent(g, actor, from, comment, g.UpdatedAt)); err != nil {
			return fmt.Errorf("append status event: %w", err)
		}
		updated = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.hooks.OnTransition != nil {
		s.hooks.OnTransition(from, to)
	}
	s.logger.Info(ctx, "grievance status changed",
		"grievance_id", id,
		"from", from,
		"to", to,
		"actor_id", actor.ID,
		"actor_role", actor.Role,
	)

	fields := map[string]string{
		"grievance_id":    updated.ID,
		"title":           updated.Title,
		"previous_status": string(from),
		"new_status":      string(to),
	}
	if comment != "" {
		fields["comment"] = comment
	}
	s.notify(ctx, Notification{Recipient: updated.SubmitterID, Template: TemplateStatusUpdated, Fields: fields})
	if to == StatusResolved {
		resolved := map[string]string{
			"grievance_id": updated.ID,
			"title":        updated.Title,
			"department":   s.departmentName(ctx, updated.DepartmentID),
		}
		if comment != "" {
			resolved["comment"] = comment
		}
		s.notify(ctx, Notification{Recipient: updated.SubmitterID, Template: TemplateResolved, Fields: resolved})
	}

	return updated.Clone(), nil
}

// AddComment appends a comment to the grievance's timeline.
func (s *Service) AddComment(ctx context.Context, actor Actor, id string, req CommentRequest) (_ *TimelineEvent, err error) {
	ctx, span := tracer.Start(ctx, "grievance.AddComment", trace.WithAttributes(
		attribute.String("grievance.id", id),
		attribute.Bool("comment.internal", req.Internal),
	))
	defer span.End()
	defer func() { recordSpanError(span, err) }()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, Validationf("comment text is required")
	}
	if utf8.RuneCountInString(text) > s.maxTextLength {
		return nil, Validationf("comment too long (max %d characters)", s.maxTextLength)
	}

	e, err := s.annotate(ctx, actor, id, req.Internal, func(now time.Time) *TimelineEvent {
		return commentEvent(id, actor, text, req.Internal, now)
	})
	if err != nil {
		return nil, err
	}
	if s.hooks.OnComment != nil {
		s.hooks.OnComment(EventCommentAdded, req.Internal)
	}
	return e, nil
}

// AddAttachment records attachment metadata on the grievance's timeline.
func (s *Service) AddAttachment(ctx context.Context, actor Actor, id string, a Attachment) (_ *TimelineEvent, err error) {
	ctx, span := tracer.Start(ctx, "grievance.AddAttachment", trace.WithAttributes(
		attribute.String("grievance.id", id),
	))
	defer span.End()
	defer func() { recordSpanError(span, err) }()

	a.FileName = strings.TrimSpace(a.FileName)
	if a.FileName == "" {
		return nil, Validationf("file_name is required")
	}
	if utf8.RuneCountInString(a.FileName) > maxFileNameLength {
		return nil, Validationf("file_name too long (max %d characters)", maxFileNameLength)
	}
	if a.FileSize < 0 {
		return nil, Validationf("file_size must not be negative")
	}

	e, err := s.annotate(ctx, actor, id, false, func(now time.Time) *TimelineEvent {
		return attachmentEvent(id, actor, &a, now)
	})
	if err != nil {
		return nil, err
	}
	if s.hooks.OnComment != nil {
		s.hooks.OnComment(EventAttachmentAdded, false)
	}
	return e, nil
}

func (s *Service) annotate(ctx context.Context, actor Actor, id string, internal bool, build func(time.Time) *TimelineEvent) (*TimelineEvent, error) {
	var e *TimelineEvent
	err := s.store.InTx(ctx, func(tx Tx) error {
		g, ok, err := tx.GetGrievanceForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("get grievance: %w", err)
		}
		if !ok {
			return NotFound(id)
		}
		if r := CanAnnotate(AccessContext{Actor: actor, SubmitterID: g.SubmitterID, OfficerID: g.OfficerID}, internal); !r.Allowed {
			return Permissionf("%s", r.Reason)
		}
		e = build(s.now())
		if err := tx.AppendEvent(ctx, e); err != nil {
			return fmt.Errorf("append %s event: %w", e.Kind, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "timeline event recorded",
		"grievance_id", id,
		"kind", e.Kind,
		"actor_id", actor.ID,
		"citizen_visible", e.CitizenVisible,
	)
	return e.Clone(), nil
}

// Get returns a grievance the actor may read.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (*Grievance, error) {
	ctx, span := tracer.Start(ctx, "grievance.Get", trace.WithAttributes(
		attribute.String("grievance.id", id),
	))
	defer span.End()

	g, err := s.visible(ctx, actor, id)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return g, nil
}

func (s *Service) visible(ctx context.Context, actor Actor, id string) (*Grievance, error) {
	g, ok, err := s.store.GetGrievance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get grievance: %w", err)
	}
	if !ok {
		return nil, NotFound(id)
	}
	if r := CanView(AccessContext{Actor: actor, SubmitterID: g.SubmitterID, OfficerID: g.OfficerID}); !r.Allowed {
		return nil, Permissionf("%s", r.Reason)
	}
	return g, nil
}

// List returns the page of grievances visible to the actor. Citizens see their
// own newest first, officers their assigned highest priority first, admins all.
func (s *Service) List(ctx context.Context, actor Actor, req ListRequest) (_ *ListResult, err error) {
	ctx, span := tracer.Start(ctx, "grievance.List", trace.WithAttributes(
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()
	defer func() { recordSpanError(span, err) }()

	f := Filter{Skip: req.Skip, Limit: req.Limit}
	if f.Skip < 0 {
		return nil, Validationf("skip must not be negative")
	}
	switch {
	case f.Limit < 0:
		return nil, Validationf("limit must not be negative")
	case f.Limit == 0:
		f.Limit = DefaultPageSize
	case f.Limit > MaxPageSize:
		f.Limit = MaxPageSize
	}
	if req.Status != "" {
		st, err := ParseStatus(req.Status)
		if err != nil {
			return nil, err
		}
		f.Status = st
	}
	if req.Urgency != "" {
		u, err := triage.ParseUrgency(req.Urgency)
		if err != nil {
			return nil, Validationf("%v", err)
		}
		f.Urgency = u
	}
	if req.Category != "" {
		c, err := triage.ParseCategory(req.Category)
		if err != nil {
			return nil, Validationf("%v", err)
		}
		f.Category = c
	}

	switch actor.Role {
	case RoleCitizen:
		f.SubmitterID = actor.ID
	case RoleOfficer:
		f.OfficerID = actor.ID
		f.Order = OrderPriorityDesc
	case RoleAdmin, RoleSystem:
	default:
		return nil, Permissionf("role %q cannot list grievances", actor.Role)
	}

	items, total, err := s.store.ListGrievances(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list grievances: %w", err)
	}
	if items == nil {
		items = []*Grievance{}
	}
	return &ListResult{Items: items, Total: total, Skip: f.Skip, Limit: f.Limit}, nil
}

// Timeline returns the grievance's audit log. Citizens get the citizen view.
func (s *Service) Timeline(ctx context.Context, actor Actor, id string) ([]*TimelineEvent, error) {
	ctx, span := tracer.Start(ctx, "grievance.Timeline", trace.WithAttributes(
		attribute.String("grievance.id", id),
	))
	defer span.End()

	if _, err := s.visible(ctx, actor, id); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	events, err := s.store.Timeline(ctx, id, actor.Role == RoleCitizen)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("read timeline: %w", err)
	}
	if events == nil {
		events = []*TimelineEvent{}
	}
	return events, nil
}

// EscalationCheck reports whether a grievance is older than the escalation window.
func (s *Service) EscalationCheck(ctx context.Context, actor Actor, id string) (*Escalation, error) {
	if r := CanEscalate(actor); !r.Allowed {
		return nil, Permissionf("%s", r.Reason)
	}
	g, ok, err := s.store.GetGrievance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get grievance: %w", err)
	}
	if !ok {
		return nil, NotFound(id)
	}
	return s.escalation(g), nil
}

func (s *Service) escalation(g *Grievance) *Escalation {
	elapsed := s.now().Sub(g.CreatedAt)
	return &Escalation{
		GrievanceID:  g.ID,
		Overdue:      elapsed > s.escalationWindow,
		ElapsedHours: elapsed.Hours(),
		WindowHours:  s.escalationWindow.Hours(),
		Status:       g.Status,
	}
}

// Escalate records an escalation event for an overdue, unresolved grievance.
func (s *Service) Escalate(ctx context.Context, actor Actor, id, reason string) (_ *TimelineEvent, err error) {
	ctx, span := tracer.Start(ctx, "grievance.Escalate", trace.WithAttributes(
		attribute.String("grievance.id", id),
	))
	defer span.End()
	defer func() { recordSpanError(span, err) }()

	if r := CanEscalate(actor); !r.Allowed {
		return nil, Permissionf("%s", r.Reason)
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > s.maxTextLength {
		return nil, Validationf("reason too long (max %d characters)", s.maxTextLength)
	}

	var e *TimelineEvent
	err = s.store.InTx(ctx, func(tx Tx) error {
		g, ok, err := tx.GetGrievanceForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("get grievance: %w", err)
		}
		if !ok {
			return NotFound(id)
		}
		if g.Status == StatusResolved || g.Status == StatusClosed {
			return Validationf("cannot escalate a %s grievance", g.Status)
		}
		esc := s.escalation(g)
		if !esc.Overdue {
			return Validationf("grievance is not overdue (%.1f of %.0f hours elapsed)", esc.ElapsedHours, esc.WindowHours)
		}
		now := s.now()
		e = escalatedEvent(g, actor, reason, now.Sub(g.CreatedAt), now)
		if err := tx.AppendEvent(ctx, e); err != nil {
			return fmt.Errorf("append escalated event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.hooks.OnEscalate != nil {
		s.hooks.OnEscalate()
	}
	s.logger.Warn(ctx, "grievance escalated", "grievance_id", id, "actor_id", actor.ID)
	return e.Clone(), nil
}

// Departments lists all departments with their current load.
func (s *Service) Departments(ctx context.Context) ([]routing.Department, error) {
	deps, err := s.store.ListDepartments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	if deps == nil {
		deps = []routing.Department{}
	}
	return deps, nil
}

// departmentName resolves a department's display name, falling back to its id.
func (s *Service) departmentName(ctx context.Context, id string) string {
	deps, err := s.store.ListDepartments(ctx)
	if err != nil {
		s.logger.Warn(ctx, "department lookup failed", "department_id", id, "error", err)
		return id
	}
	for i := range deps {
		if deps[i].ID == id {
			return deps[i].Name
		}
	}
	return id
}

// SeedDepartments upserts the given departments.
func (s *Service) SeedDepartments(ctx context.Context, deps []routing.Department) error {
	for i := range deps {
		if err := deps[i].Validate(); err != nil {
			return err
		}
		if err := s.store.PutDepartment(ctx, &deps[i]); err != nil {
			return fmt.Errorf("put department %s: %w", deps[i].ID, err)
		}
	}
	s.logger.Info(ctx, "departments seeded", "count", len(deps))
	return nil
}

func (s *Service) notify(ctx context.Context, n Notification) {
	err := s.notifier.Notify(ctx, n)
	if s.hooks.OnNotify != nil {
		s.hooks.OnNotify(n.Template, err)
	}
	if err != nil {
		s.logger.Error(ctx, err, "notification failed",
			"template", n.Template,
			"recipient", n.Recipient,
		)
	}
}

func submitResultFor(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPermission):
		return "rejected"
	case errors.Is(err, routing.ErrNoCapacity):
		return "no_capacity"
	}
	return "error"
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
