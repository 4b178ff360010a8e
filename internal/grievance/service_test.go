package grievance_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/grievd/internal/grievance"
	"github.com/linnemanlabs/grievd/internal/grievance/memstore"
	"github.com/linnemanlabs/grievd/internal/routing"
	"github.com/linnemanlabs/grievd/internal/triage"
)

var (
	citizen  = grievance.Actor{ID: "c-1", Role: grievance.RoleCitizen}
	citizen2 = grievance.Actor{ID: "c-2", Role: grievance.RoleCitizen}
	officer  = grievance.Actor{ID: "o-1", Role: grievance.RoleOfficer}
	officer2 = grievance.Actor{ID: "o-2", Role: grievance.RoleOfficer}
	admin    = grievance.Actor{ID: "a-1", Role: grievance.RoleAdmin}
)

const waterText = "There has been no water in my tap for three days and the pipeline is leaking"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []grievance.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg grievance.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, m := range n.sent {
		out[i] = m.Template + ":" + m.Recipient
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

type harness struct {
	svc      *grievance.Service
	store    grievance.Store
	clock    *fakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, deps ...routing.Department) *harness {
	t.Helper()
	return newHarnessWithStore(t, memstore.New(), deps...)
}

func newHarnessWithStore(t *testing.T, store grievance.Store, deps ...routing.Department) *harness {
	t.Helper()
	if len(deps) == 0 {
		deps = []routing.Department{
			{ID: "d-water", Name: "Water Board", Code: "water", MaxCapacity: 10, AvgResolutionHours: 48},
			{ID: "d-general", Name: "General", Code: "general", MaxCapacity: 10, AvgResolutionHours: 96},
		}
	}
	h := &harness{store: store, clock: newClock(), notifier: &recordingNotifier{}}
	h.svc = grievance.NewService(store, triage.NewAnalyzer(), routing.New(log.Nop()), log.Nop(),
		grievance.WithClock(h.clock.Now),
		grievance.WithNotifier(h.notifier),
	)
	if err := h.svc.SeedDepartments(context.Background(), deps); err != nil {
		t.Fatalf("SeedDepartments: %v", err)
	}
	return h
}

func (h *harness) submit(t *testing.T, actor grievance.Actor, desc string) *grievance.Grievance {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), actor, grievance.SubmitRequest{Title: "Water problem", Description: desc})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res.Grievance
}

func (h *harness) load(t *testing.T, id string) int {
	t.Helper()
	deps, err := h.svc.Departments(context.Background())
	if err != nil {
		t.Fatalf("Departments: %v", err)
	}
	for _, d := range deps {
		if d.ID == id {
			return d.CurrentLoad
		}
	}
	t.Fatalf("department %s not found", id)
	return 0
}

func (h *harness) timeline(t *testing.T, actor grievance.Actor, id string) []*grievance.TimelineEvent {
	t.Helper()
	events, err := h.svc.Timeline(context.Background(), actor, id)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	return events
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res, err := h.svc.Submit(context.Background(), citizen, grievance.SubmitRequest{
		Title:       "  No water supply  ",
		Description: waterText,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	g := res.Grievance
	if g.Title != "No water supply" {
		t.Errorf("Title = %q, want trimmed", g.Title)
	}
	if g.Status != grievance.StatusSubmitted {
		t.Errorf("Status = %s, want submitted", g.Status)
	}
	if g.Category != triage.CategoryWaterSupply {
		t.Errorf("Category = %s, want water_supply", g.Category)
	}
	if g.DepartmentID != "d-water" || res.Assignment.DepartmentName != "Water Board" {
		t.Errorf("routed to %s (%s)", g.DepartmentID, res.Assignment.DepartmentName)
	}
	if res.Assignment.ExpectedResolutionHours != 48 {
		t.Errorf("ExpectedResolutionHours = %v", res.Assignment.ExpectedResolutionHours)
	}
	if g.IsDuplicate {
		t.Error("first submission flagged duplicate")
	}
	if g.Priority < 0 || g.Priority > 1 {
		t.Errorf("Priority = %v, out of range", g.Priority)
	}
	if g.Confidence != res.Analysis.Confidence {
		t.Errorf("Confidence = %v, want %v", g.Confidence, res.Analysis.Confidence)
	}
	if got := h.load(t, "d-water"); got != 1 {
		t.Errorf("d-water load = %d, want 1", got)
	}

	stored, err := h.svc.Get(context.Background(), citizen, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.ID != g.ID || stored.SubmitterID != citizen.ID {
		t.Errorf("stored = %+v", stored)
	}

	events := h.timeline(t, citizen, g.ID)
	if len(events) != 1 || events[0].Kind != grievance.EventSubmitted {
		t.Fatalf("timeline = %+v, want one submitted event", events)
	}
	if events[0].ActorID != citizen.ID || !events[0].CitizenVisible {
		t.Errorf("submitted event = %+v", events[0])
	}

	if got := h.notifier.templates(); len(got) != 1 || got[0] != "grievance_submitted:c-1" {
		t.Errorf("notifications = %v", got)
	}
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		actor grievance.Actor
		req   grievance.SubmitRequest
		kind  error
	}{
		{"short title", citizen, grievance.SubmitRequest{Title: "Hi", Description: waterText}, grievance.ErrValidation},
		{"blank title", citizen, grievance.SubmitRequest{Title: "       ", Description: waterText}, grievance.ErrValidation},
		{"long title", citizen, grievance.SubmitRequest{Title: strings.Repeat("t", 256), Description: waterText}, grievance.ErrValidation},
		{"short description", citizen, grievance.SubmitRequest{Title: "Water problem", Description: "too short"}, grievance.ErrValidation},
		{"long description", citizen, grievance.SubmitRequest{Title: "Water problem", Description: strings.Repeat("w", 5001)}, grievance.ErrValidation},
		{"officer", officer, grievance.SubmitRequest{Title: "Water problem", Description: waterText}, grievance.ErrPermission},
		{"admin", admin, grievance.SubmitRequest{Title: "Water problem", Description: waterText}, grievance.ErrPermission},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			_, err := h.svc.Submit(context.Background(), tt.actor, tt.req)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("err = %v, want %v", err, tt.kind)
			}
			if grievance.Reason(err) == "" {
				t.Error("expected a reason")
			}
			if got := h.load(t, "d-water"); got != 0 {
				t.Errorf("load = %d, want 0", got)
			}
			list, err := h.svc.List(context.Background(), admin, grievance.ListRequest{})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if list.Total != 0 {
				t.Errorf("stored %d grievances, want 0", list.Total)
			}
		})
	}
}

func TestSubmit_MaxTextLengthOption(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	svc := grievance.NewService(store, nil, nil, log.Nop(), grievance.WithMaxTextLength(30))
	if err := svc.SeedDepartments(context.Background(), []routing.Department{{ID: "d", Name: "D", Code: "general", MaxCapacity: 5}}); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Submit(context.Background(), citizen, grievance.SubmitRequest{Title: "Water problem", Description: waterText})
	if !errors.Is(err, grievance.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSubmit_NoCapacity(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		routing.Department{ID: "d-water", Name: "Water", Code: "water", MaxCapacity: 1, CurrentLoad: 1},
		routing.Department{ID: "d-power", Name: "Power", Code: "power", MaxCapacity: 2, CurrentLoad: 2},
	)
	_, err := h.svc.Submit(context.Background(), citizen, grievance.SubmitRequest{Title: "Water problem", Description: waterText})
	if !errors.Is(err, routing.ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
	if h.load(t, "d-water") != 1 || h.load(t, "d-power") != 2 {
		t.Error("loads changed on failed routing")
	}
	if got := h.notifier.templates(); len(got) != 0 {
		t.Errorf("notifications = %v, want none", got)
	}
}

func TestSubmit_FallbackDepartment(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		routing.Department{ID: "d-water", Name: "Water", Code: "water", MaxCapacity: 1, CurrentLoad: 1},
		routing.Department{ID: "d-general", Name: "General", Code: "general", MaxCapacity: 5},
	)
	g := h.submit(t, citizen, waterText)
	if g.DepartmentID != "d-general" {
		t.Errorf("DepartmentID = %s, want d-general", g.DepartmentID)
	}
}

func TestSubmit_Duplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first, err := h.svc.Submit(context.Background(), citizen, grievance.SubmitRequest{Title: "Water problem", Description: waterText})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := h.svc.Submit(context.Background(), citizen, grievance.SubmitRequest{Title: "Water problem again", Description: waterText})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	g := second.Grievance
	if !g.IsDuplicate || g.DuplicateOfID != first.Grievance.ID {
		t.Fatalf("duplicate = %v of %q, want of %q", g.IsDuplicate, g.DuplicateOfID, first.Grievance.ID)
	}
	if g.Similarity < triage.DefaultSimilarityThreshold || g.Similarity > 1 {
		t.Errorf("Similarity = %v", g.Similarity)
	}
	if diff := g.Priority - first.Grievance.Priority/2; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("duplicate priority = %v, want %v", g.Priority, first.Grievance.Priority/2)
	}

	// another citizen's identical text is not a duplicate
	other := h.submit(t, citizen2, waterText)
	if other.IsDuplicate {
		t.Error("duplicate detection crossed submitters")
	}
}

// failingStore wraps a Store and fails selected Tx writes.
type failingStore struct {
	grievance.Store
	failCreate bool
	failAppend bool
}

func (s *failingStore) InTx(ctx context.Context, fn func(grievance.Tx) error) error {
	return s.Store.InTx(ctx, func(tx grievance.Tx) error {
		return fn(&failingTx{Tx: tx, s: s})
	})
}

type failingTx struct {
	grievance.Tx
	s *failingStore
}

var errInjected = errors.New("injected write failure")

func (t *failingTx) CreateGrievance(ctx context.Context, g *grievance.Grievance) error {
	if t.s.failCreate {
		return errInjected
	}
	return t.Tx.CreateGrievance(ctx, g)
}

func (t *failingTx) AppendEvent(ctx context.Context, e *grievance.TimelineEvent) error {
	if t.s.failAppend {
		return errInjected
	}
	return t.Tx.AppendEvent(ctx, e)
}

func TestSubmit_CreateFailureReleasesSlot(t *testing.T) {
	t.Parallel()

	fs := &failingStore{Store: memstore.New(), failCreate: true}
	h := newHarnessWithStore(t, fs)

	_, err := h.svc.Submit(context.Background(), citizen, grievance.SubmitRequest{Title: "Water problem", Description: waterText})
	if !errors.Is(err, errInjected) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	if got := h.load(t, "d-water"); got != 0 {
		t.Errorf("load = %d, want 0 (slot released)", got)
	}
}

func TestSubmit_EventFailureLeavesNoRecord(t *testing.T) {
	t.Parallel()

	fs := &failingStore{Store: memstore.New(), failAppend: true}
	h := newHarnessWithStore(t, fs)

	_, err := h.svc.Submit(context.Background(), citizen, grievance.SubmitRequest{Title: "Water problem", Description: waterText})
	if !errors.Is(err, errInjected) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	list, err := h.svc.List(context.Background(), admin, grievance.ListRequest{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list.Total != 0 || h.load(t, "d-water") != 0 {
		t.Errorf("partial submission persisted: total=%d load=%d", list.Total, h.load(t, "d-water"))
	}
}

func TestAssign_OfficerAccepts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g := h.submit(t, citizen, waterText)
	h.notifier.reset()
	h.clock.Advance(time.Hour)

	got, err := h.svc.Assign(context.Background(), officer, g.ID, "")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got.OfficerID != officer.ID {
		t.Errorf("OfficerID = %q, want %q", got.OfficerID, officer.ID)
	}
	if got.Status != grievance.StatusUnderReview {
		t.Errorf("Status = %s, want under_review", got.Status)
	}
	if got.AssignedAt == nil || !got.AssignedAt.Equal(h.clock.Now()) {
		t.Errorf("AssignedAt = %v, want %v", got.AssignedAt, h.clock.Now())
	}

	full := h.timeline(t, officer, g.ID)
	if len(full) != 2 || full[1].Kind != grievance.EventAssigned {
		t.Fatalf("officer timeline = %d events, want submitted+assigned", len(full))
	}
	if full[1].CitizenVisible {
		t.Error("assigned event visible to citizens")
	}
	if full[1].Metadata["from_status"] != "submitted" || full[1].Metadata["to_status"] != "under_review" {
		t.Errorf("assigned metadata = %v", full[1].Metadata)
	}

	citizenView := h.timeline(t, citizen, g.ID)
	for _, e := range citizenView {
		if !e.CitizenVisible {
			t.Errorf("citizen view includes hidden %s event", e.Kind)
		}
	}
	if len(citizenView) != 1 {
		t.Errorf("citizen timeline = %d events, want 1", len(citizenView))
	}

	want := []string{"grievance_assigned:c-1", "officer_assignment:o-1"}
	got2 := h.notifier.templates()
	if len(got2) != len(want) || got2[0] != want[0] || got2[1] != want[1] {
		t.Errorf("notifications = %v, want %v", got2, want)
	}
}

func TestAssign_Rules(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g := h.submit(t, citizen, waterText)
	ctx := context.Background()

	if _, err := h.svc.Assign(ctx, citizen, g.ID, "c-1"); !errors.Is(err, grievance.ErrPermission) {
		t.Errorf("citizen assign err = %v, want ErrPermission", err)
	}
	if _, err := h.svc.Assign(ctx, officer, g.ID, "o-2"); !errors.Is(err, grievance.ErrPermission) {
		t.Errorf("officer assigning other err = %v, want ErrPermission", err)
	}
	if _, err := h.svc.Assign(ctx, admin, g.ID, ""); !errors.Is(err, grievance.ErrValidation) {
		t.Errorf("admin without officer err = %v, want ErrValidation", err)
	}
	if _, err := h.svc.Assign(ctx, officer, "missing", ""); !errors.Is(err, grievance.ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}

	if _, err := h.svc.Assign(ctx, officer, g.ID, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := h.svc.Assign(ctx, officer, g.ID, ""); !errors.Is(err, grievance.ErrValidation) {
		t.Errorf("re-accept err = %v, want ErrValidation", err)
	}
	if _, err := h.svc.Assign(ctx, officer2, g.ID, ""); !errors.Is(err, grievance.ErrPermission) {
		t.Errorf("takeover err = %v, want ErrPermission", err)
	}

	firstAssigned := h.clock.Now()
	h.clock.Advance(time.Hour)
	re, err := h.svc.Assign(ctx, admin, g.ID, officer2.ID)
	if err != nil {
		t.Fatalf("admin reassign: %v", err)
	}
	if re.OfficerID != officer2.ID || re.Status != grievance.StatusUnderReview {
		t.Errorf("reassigned = %s %s", re.OfficerID, re.Status)
	}
	if re.AssignedAt == nil || !re.AssignedAt.Equal(firstAssigned) {
		t.Errorf("AssignedAt = %v, want first assignment %v", re.AssignedAt, firstAssigned)
	}
	events := h.timeline(t, admin, g.ID)
	last := events[len(events)-1]
	if last.Kind != grievance.EventAssigned || last.Metadata["previous_officer_id"] != officer.ID {
		t.Errorf("reassign event = %+v", last)
	}
	if want := h.clock.Now().UTC().Format(time.RFC3339); last.Metadata["reassigned_at"] != want {
		t.Errorf("reassigned_at = %q, want %q", last.Metadata["reassigned_at"], want)
	}
}

func TestTransition_Lifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.submit(t, citizen, waterText)

	// cannot skip review
	if _, err := h.svc.Transition(ctx, admin, g.ID, grievance.TransitionRequest{Status: "resolved"}); !errors.Is(err, grievance.ErrValidation) {
		t.Fatalf("submitted->resolved err = %v, want ErrValidation", err)
	}
	if _, err := h.svc.Assign(ctx, officer, g.ID, ""); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	steps := []struct {
		to       grievance.Status
		resolved bool
	}{
		{grievance.StatusInProgress, false},
		{grievance.StatusResolved, true},
		{grievance.StatusClosed, true},
		{grievance.StatusReopened, false},
		{grievance.StatusUnderReview, false},
	}
	for _, st := range steps {
		before := len(h.timeline(t, admin, g.ID))
		h.clock.Advance(time.Hour)

		got, err := h.svc.Transition(ctx, officer, g.ID, grievance.TransitionRequest{Status: string(st.to), Comment: "moving on"})
		if err != nil {
			t.Fatalf("-> %s: %v", st.to, err)
		}
		if got.Status != st.to {
			t.Errorf("Status = %s, want %s", got.Status, st.to)
		}
		if (got.ResolvedAt != nil) != st.resolved {
			t.Errorf("-> %s: ResolvedAt = %v", st.to, got.ResolvedAt)
		}
		if st.resolved && !got.ResolvedAt.Equal(h.clock.Now()) {
			t.Errorf("-> %s: ResolvedAt = %v, want %v", st.to, got.ResolvedAt, h.clock.Now())
		}

		events := h.timeline(t, admin, g.ID)
		if len(events) != before+1 {
			t.Fatalf("-> %s: %d new events, want 1", st.to, len(events)-before)
		}
		last := events[len(events)-1]
		if last.Kind != grievance.EventStatusChanged || last.Metadata["to_status"] != string(st.to) || last.Comment != "moving on" {
			t.Errorf("-> %s: event = %+v", st.to, last)
		}
	}

	events := h.timeline(t, admin, g.ID)
	for i := 1; i < len(events); i++ {
		if events[i].CreatedAt.Before(events[i-1].CreatedAt) {
			t.Errorf("event %d out of order", i)
		}
	}
}

func TestTransition_Rejections(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.submit(t, citizen, waterText)
	if _, err := h.svc.Assign(ctx, officer, g.ID, ""); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	before := len(h.timeline(t, admin, g.ID))

	tests := []struct {
		name  string
		actor grievance.Actor
		id    string
		to    string
		kind  error
	}{
		{"unknown status", officer, g.ID, "archived", grievance.ErrValidation},
		{"same status", officer, g.ID, "under_review", grievance.ErrValidation},
		{"illegal", officer, g.ID, "reopened", grievance.ErrValidation},
		{"citizen", citizen, g.ID, "in_progress", grievance.ErrPermission},
		{"unassigned officer", officer2, g.ID, "in_progress", grievance.ErrPermission},
		{"missing", officer, "missing", "in_progress", grievance.ErrNotFound},
	}
	for _, tt := range tests {
		_, err := h.svc.Transition(ctx, tt.actor, tt.id, grievance.TransitionRequest{Status: tt.to})
		if !errors.Is(err, tt.kind) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.kind)
		}
	}

	got, err := h.svc.Get(ctx, admin, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != grievance.StatusUnderReview {
		t.Errorf("Status = %s after rejections", got.Status)
	}
	if after := len(h.timeline(t, admin, g.ID)); after != before {
		t.Errorf("rejections appended %d events", after-before)
	}

	// admins act regardless of assignment
	if _, err := h.svc.Transition(ctx, admin, g.ID, grievance.TransitionRequest{Status: "in_progress"}); err != nil {
		t.Errorf("admin transition: %v", err)
	}
}

func TestTransition_AppendFailureRollsBack(t *testing.T) {
	t.Parallel()

	fs := &failingStore{Store: memstore.New()}
	h := newHarnessWithStore(t, fs)
	ctx := context.Background()
	g := h.submit(t, citizen, waterText)
	if _, err := h.svc.Assign(ctx, officer, g.ID, ""); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	fs.failAppend = true
	_, err := h.svc.Transition(ctx, officer, g.ID, grievance.TransitionRequest{Status: "in_progress"})
	if !errors.Is(err, errInjected) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	fs.failAppend = false

	got, err := h.svc.Get(ctx, admin, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != grievance.StatusUnderReview {
		t.Errorf("Status = %s, want under_review (rolled back)", got.Status)
	}
}

func TestTransition_Notifications(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.submit(t, citizen, waterText)
	if _, err := h.svc.Assign(ctx, officer, g.ID, ""); err != nil {
		t.Fatal(err)
	}
	h.notifier.reset()

	if _, err := h.svc.Transition(ctx, officer, g.ID, grievance.TransitionRequest{Status: "resolved", Comment: "pipe replaced"}); err != nil {
		t.Fatal(err)
	}
	got := h.notifier.templates()
	want := []string{"status_updated:c-1", "grievance_resolved:c-1"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("notifications = %v, want %v", got, want)
	}
	if h.notifier.sent[0].Fields["comment"] != "pipe replaced" || h.notifier.sent[0].Fields["previous_status"] != "under_review" {
		t.Errorf("fields = %v", h.notifier.sent[0].Fields)
	}
	resolved := h.notifier.sent[1].Fields
	if resolved["comment"] != "pipe replaced" || resolved["department"] != "Water Board" {
		t.Errorf("resolved fields = %v, want comment and department name", resolved)
	}
}

func TestNotifierFailureDoesNotFailOperation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.notifier.err = errors.New("webhook down")
	if _, err := h.svc.Submit(context.Background(), citizen, grievance.SubmitRequest{Title: "Water problem", Description: waterText}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestComments(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.submit(t, citizen, waterText)
	if _, err := h.svc.Assign(ctx, officer, g.ID, ""); err != nil {
		t.Fatal(err)
	}

	ev, err := h.svc.AddComment(ctx, citizen, g.ID, grievance.CommentRequest{Text: "Still no water today"})
	if err != nil {
		t.Fatalf("citizen comment: %v", err)
	}
	if ev.Kind != grievance.EventCommentAdded || !ev.CitizenVisible || ev.Comment != "Still no water today" {
		t.Errorf("event = %+v", ev)
	}
	if _, err := h.svc.AddComment(ctx, officer, g.ID, grievance.CommentRequest{Text: "crew booked for friday", Internal: true}); err != nil {
		t.Fatalf("officer internal comment: %v", err)
	}

	rejects := []struct {
		name  string
		actor grievance.Actor
		req   grievance.CommentRequest
		kind  error
	}{
		{"empty", citizen, grievance.CommentRequest{Text: "   "}, grievance.ErrValidation},
		{"too long", citizen, grievance.CommentRequest{Text: strings.Repeat("x", 5001)}, grievance.ErrValidation},
		{"citizen internal", citizen, grievance.CommentRequest{Text: "psst", Internal: true}, grievance.ErrPermission},
		{"other citizen", citizen2, grievance.CommentRequest{Text: "me too"}, grievance.ErrPermission},
		{"unassigned officer", officer2, grievance.CommentRequest{Text: "hello"}, grievance.ErrPermission},
	}
	for _, tt := range rejects {
		if _, err := h.svc.AddComment(ctx, tt.actor, g.ID, tt.req); !errors.Is(err, tt.kind) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.kind)
		}
	}

	for _, e := range h.timeline(t, citizen, g.ID) {
		if e.Comment == "crew booked for friday" {
			t.Error("internal comment visible to citizen")
		}
	}
	found := false
	for _, e := range h.timeline(t, officer, g.ID) {
		if e.Comment == "crew booked for friday" {
			found = true
		}
	}
	if !found {
		t.Error("internal comment missing from officer view")
	}
}

func TestAddAttachment(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.submit(t, citizen, waterText)

	ev, err := h.svc.AddAttachment(ctx, citizen, g.ID, grievance.Attachment{
		FileName: "leak.jpg", FileType: "image/jpeg", FileSize: 34567, URL: "https://files.example/leak.jpg",
	})
	if err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}
	if ev.Kind != grievance.EventAttachmentAdded || ev.Description != "Attachment added: leak.jpg" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Metadata["file_size"] != "34567" || ev.Metadata["file_url"] != "https://files.example/leak.jpg" {
		t.Errorf("metadata = %v", ev.Metadata)
	}

	if _, err := h.svc.AddAttachment(ctx, citizen, g.ID, grievance.Attachment{}); !errors.Is(err, grievance.ErrValidation) {
		t.Errorf("empty name err = %v", err)
	}
	if _, err := h.svc.AddAttachment(ctx, citizen, g.ID, grievance.Attachment{FileName: "x", FileSize: -1}); !errors.Is(err, grievance.ErrValidation) {
		t.Errorf("negative size err = %v", err)
	}
	if _, err := h.svc.AddAttachment(ctx, citizen2, g.ID, grievance.Attachment{FileName: "x"}); !errors.Is(err, grievance.ErrPermission) {
		t.Errorf("other citizen err = %v", err)
	}
}

func TestGetAndList(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g1 := h.submit(t, citizen, waterText)
	h.clock.Advance(time.Minute)
	g2 := h.submit(t, citizen, "Garbage has not been collected from our street for two weeks now")
	h.clock.Advance(time.Minute)
	g3 := h.submit(t, citizen2, "Emergency: the road has collapsed near the school, urgent repair needed")

	if _, err := h.svc.Get(ctx, citizen2, g1.ID); !errors.Is(err, grievance.ErrPermission) {
		t.Errorf("foreign get err = %v, want ErrPermission", err)
	}
	if _, err := h.svc.Get(ctx, citizen, "missing"); !errors.Is(err, grievance.ErrNotFound) {
		t.Errorf("missing get err = %v, want ErrNotFound", err)
	}
	if _, err := h.svc.Timeline(ctx, citizen2, g1.ID); !errors.Is(err, grievance.ErrPermission) {
		t.Errorf("foreign timeline err = %v, want ErrPermission", err)
	}

	mine, err := h.svc.List(ctx, citizen, grievance.ListRequest{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if mine.Total != 2 || mine.Items[0].ID != g2.ID || mine.Items[1].ID != g1.ID {
		t.Errorf("citizen list = %d items", mine.Total)
	}
	if mine.Limit != grievance.DefaultPageSize {
		t.Errorf("Limit = %d, want default", mine.Limit)
	}

	for _, id := range []string{g1.ID, g2.ID, g3.ID} {
		if _, err := h.svc.Assign(ctx, officer, id, ""); err != nil {
			t.Fatalf("Assign %s: %v", id, err)
		}
	}
	assigned, err := h.svc.List(ctx, officer, grievance.ListRequest{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if assigned.Total != 3 {
		t.Fatalf("officer total = %d, want 3", assigned.Total)
	}
	for i := 1; i < len(assigned.Items); i++ {
		if assigned.Items[i].Priority > assigned.Items[i-1].Priority {
			t.Errorf("officer list not priority ordered at %d", i)
		}
	}
	if none, _ := h.svc.List(ctx, officer2, grievance.ListRequest{}); none.Total != 0 {
		t.Errorf("officer2 total = %d, want 0", none.Total)
	}

	all, err := h.svc.List(ctx, admin, grievance.ListRequest{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if all.Total != 3 || len(all.Items) != 2 || all.Items[0].ID != g3.ID {
		t.Errorf("admin page = total %d, %d items", all.Total, len(all.Items))
	}

	filtered, err := h.svc.List(ctx, admin, grievance.ListRequest{Status: "under_review", Urgency: string(g3.Urgency)})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	for _, it := range filtered.Items {
		if it.Urgency != g3.Urgency {
			t.Errorf("filter leaked urgency %s", it.Urgency)
		}
	}

	bad := []grievance.ListRequest{{Status: "bogus"}, {Urgency: "extreme"}, {Skip: -1}, {Limit: -5}}
	for _, req := range bad {
		if _, err := h.svc.List(ctx, admin, req); !errors.Is(err, grievance.ErrValidation) {
			t.Errorf("List(%+v) err = %v, want ErrValidation", req, err)
		}
	}
	capped, err := h.svc.List(ctx, admin, grievance.ListRequest{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if capped.Limit != grievance.MaxPageSize {
		t.Errorf("Limit = %d, want capped at %d", capped.Limit, grievance.MaxPageSize)
	}
}

func TestEscalation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.submit(t, citizen, waterText)

	if _, err := h.svc.EscalationCheck(ctx, citizen, g.ID); !errors.Is(err, grievance.ErrPermission) {
		t.Errorf("citizen err = %v, want ErrPermission", err)
	}
	if _, err := h.svc.EscalationCheck(ctx, officer, "missing"); !errors.Is(err, grievance.ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}

	h.clock.Advance(10 * time.Hour)
	esc, err := h.svc.EscalationCheck(ctx, officer, g.ID)
	if err != nil {
		t.Fatalf("EscalationCheck: %v", err)
	}
	if esc.Overdue || esc.ElapsedHours != 10 || esc.WindowHours != 72 || esc.Status != grievance.StatusSubmitted {
		t.Errorf("escalation = %+v", esc)
	}
	if _, err := h.svc.Escalate(ctx, officer, g.ID, "chasing"); !errors.Is(err, grievance.ErrValidation) {
		t.Errorf("early escalate err = %v, want ErrValidation", err)
	}

	h.clock.Advance(62 * time.Hour)
	if esc, _ := h.svc.EscalationCheck(ctx, admin, g.ID); esc.Overdue {
		t.Error("exactly at the window should not be overdue")
	}

	h.clock.Advance(time.Minute)
	esc, err = h.svc.EscalationCheck(ctx, admin, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !esc.Overdue {
		t.Errorf("escalation = %+v, want overdue", esc)
	}

	ev, err := h.svc.Escalate(ctx, admin, g.ID, "no progress in three days")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if ev.Kind != grievance.EventEscalated || ev.CitizenVisible || ev.Comment != "no progress in three days" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEscalationWindowOption(t *testing.T) {
	t.Parallel()

	clock := newClock()
	store := memstore.New()
	svc := grievance.NewService(store, nil, nil, nil,
		grievance.WithClock(clock.Now),
		grievance.WithEscalationWindow(2*time.Hour),
	)
	if err := svc.SeedDepartments(context.Background(), []routing.Department{{ID: "d", Name: "D", Code: "water", MaxCapacity: 5}}); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Submit(context.Background(), citizen, grievance.SubmitRequest{Title: "Water problem", Description: waterText})
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(3 * time.Hour)
	esc, err := svc.EscalationCheck(context.Background(), officer, res.Grievance.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !esc.Overdue || esc.WindowHours != 2 {
		t.Errorf("escalation = %+v", esc)
	}
}

func TestSeedDepartments_Invalid(t *testing.T) {
	t.Parallel()

	svc := grievance.NewService(memstore.New(), nil, nil, log.Nop())
	err := svc.SeedDepartments(context.Background(), []routing.Department{{ID: "d"}})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := grievance.NewMetrics(reg)

	store := memstore.New()
	svc := grievance.NewService(store, nil, nil, log.Nop(), grievance.WithHooks(m.Hooks()))
	ctx := context.Background()
	if err := svc.SeedDepartments(ctx, []routing.Department{{ID: "d", Name: "D", Code: "water", MaxCapacity: 1}}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Submit(ctx, citizen, grievance.SubmitRequest{Title: "Water problem", Description: waterText})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Submit(ctx, citizen, grievance.SubmitRequest{Title: "Water problem", Description: waterText}); !errors.Is(err, routing.ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
	if _, err := svc.Submit(ctx, citizen, grievance.SubmitRequest{Title: "x", Description: waterText}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := svc.Assign(ctx, officer, res.Grievance.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Transition(ctx, officer, res.Grievance.ID, grievance.TransitionRequest{Status: "in_progress"}); err != nil {
		t.Fatal(err)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"accepted", testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("accepted")), 1},
		{"no_capacity", testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("no_capacity")), 1},
		{"rejected", testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("rejected")), 1},
		{"classified", testutil.ToFloat64(m.ClassifiedTotal.WithLabelValues("water_supply", string(res.Grievance.Urgency))), 1},
		{"accept", testutil.ToFloat64(m.AssignmentsTotal.WithLabelValues("accept")), 1},
		{"submitted->under_review", testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("submitted", "under_review")), 1},
		{"under_review->in_progress", testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("under_review", "in_progress")), 1},
		{"notify submitted", testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("grievance_submitted", "sent")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestSubmit_CreatesSpan(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t)
	g := h.submit(t, citizen, waterText)

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name != "grievance.Submit" {
			continue
		}
		found = true
		for _, kv := range s.Attributes {
			if string(kv.Key) == "grievance.id" && kv.Value.AsString() != g.ID {
				t.Errorf("grievance.id = %s, want %s", kv.Value.AsString(), g.ID)
			}
		}
	}
	if !found {
		t.Error("no grievance.Submit span recorded")
	}
}
