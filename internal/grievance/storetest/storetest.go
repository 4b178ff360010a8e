// Package storetest holds behaviour tests shared by every grievance.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/grievd/internal/grievance"
	"github.com/linnemanlabs/grievd/internal/routing"
	"github.com/linnemanlabs/grievd/internal/triage"
)

// Opener returns an empty store for one test.
type Opener func(t *testing.T) grievance.Store

// Run exercises a Store implementation.
func Run(t *testing.T, open Opener) {
	t.Helper()

	t.Run("Departments", func(t *testing.T) { testDepartments(t, open(t)) })
	t.Run("GrievanceRoundTrip", func(t *testing.T) { testGrievanceRoundTrip(t, open(t)) })
	t.Run("UpdateGrievance", func(t *testing.T) { testUpdateGrievance(t, open(t)) })
	t.Run("RollbackReleasesSlot", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("ReserveSlot", func(t *testing.T) { testReserveSlot(t, open(t)) })
	t.Run("AvailableDepartments", func(t *testing.T) { testAvailableDepartments(t, open(t)) })
	t.Run("Timeline", func(t *testing.T) { testTimeline(t, open(t)) })
	t.Run("ListGrievances", func(t *testing.T) { testListGrievances(t, open(t)) })
	t.Run("ConcurrentReservations", func(t *testing.T) { testConcurrentReservations(t, open(t)) })
	t.Run("ConcurrentTransitions", func(t *testing.T) { testConcurrentTransitions(t, open(t)) })
}

var base = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func putDepartment(t *testing.T, s grievance.Store, d routing.Department) {
	t.Helper()
	if err := s.PutDepartment(context.Background(), &d); err != nil {
		t.Fatalf("PutDepartment(%s): %v", d.ID, err)
	}
}

func sampleGrievance(id, submitter, dept string, created time.Time) *grievance.Grievance {
	return &grievance.Grievance{
		ID:           id,
		SubmitterID:  submitter,
		DepartmentID: dept,
		Title:        "Broken water main",
		Description:  "Water has been leaking onto the road for two days",
		Category:     triage.CategoryWaterSupply,
		Urgency:      triage.UrgencyHigh,
		Status:       grievance.StatusSubmitted,
		Confidence:   0.4,
		Priority:     0.3,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func create(t *testing.T, s grievance.Store, g *grievance.Grievance) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx grievance.Tx) error {
		return tx.CreateGrievance(context.Background(), g)
	})
	if err != nil {
		t.Fatalf("create %s: %v", g.ID, err)
	}
}

func load(t *testing.T, s grievance.Store, id string) int {
	t.Helper()
	deps, err := s.ListDepartments(context.Background())
	if err != nil {
		t.Fatalf("ListDepartments: %v", err)
	}
	for _, d := range deps {
		if d.ID == id {
			return d.CurrentLoad
		}
	}
	t.Fatalf("department %s not found", id)
	return 0
}

func testDepartments(t *testing.T, s grievance.Store) {
	ctx := context.Background()
	putDepartment(t, s, routing.Department{ID: "d-b", Name: "Power", Code: "power", Categories: []string{"electricity"}, MaxCapacity: 5, AvgResolutionHours: 24})
	putDepartment(t, s, routing.Department{ID: "d-a", Name: "Water", Code: "water", MaxCapacity: 3, CurrentLoad: 1, AvgResolutionHours: 48})

	deps, err := s.ListDepartments(ctx)
	if err != nil {
		t.Fatalf("ListDepartments: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("len = %d, want 2", len(deps))
	}
	if deps[0].ID != "d-a" || deps[1].ID != "d-b" {
		t.Errorf("order = %s, %s; want d-a, d-b", deps[0].ID, deps[1].ID)
	}
	if deps[1].Name != "Power" || deps[1].MaxCapacity != 5 || deps[1].AvgResolutionHours != 24 {
		t.Errorf("d-b = %+v", deps[1])
	}
	if len(deps[1].Categories) != 1 || deps[1].Categories[0] != "electricity" {
		t.Errorf("Categories = %v", deps[1].Categories)
	}

	// reseeding keeps the live load
	putDepartment(t, s, routing.Department{ID: "d-a", Name: "Water Board", Code: "water", MaxCapacity: 10})
	deps, err = s.ListDepartments(ctx)
	if err != nil {
		t.Fatalf("ListDepartments: %v", err)
	}
	if deps[0].Name != "Water Board" || deps[0].MaxCapacity != 10 {
		t.Errorf("d-a not updated: %+v", deps[0])
	}
	if deps[0].CurrentLoad != 1 {
		t.Errorf("CurrentLoad = %d, want 1 (preserved)", deps[0].CurrentLoad)
	}
}

func testGrievanceRoundTrip(t *testing.T, s grievance.Store) {
	ctx := context.Background()
	putDepartment(t, s, routing.Department{ID: "d-1", Name: "Water", Code: "water", MaxCapacity: 5})

	assigned := base.Add(time.Hour)
	g := sampleGrievance(ulid.Make().String(), "c-1", "d-1", base)
	g.OfficerID = "o-1"
	g.Status = grievance.StatusUnderReview
	g.IsDuplicate = true
	g.DuplicateOfID = "g-prev"
	g.Similarity = 0.88
	g.AssignedAt = &assigned
	create(t, s, g)

	got, ok, err := s.GetGrievance(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetGrievance: %v", err)
	}
	if !ok {
		t.Fatal("expected grievance to be found")
	}
	if got.SubmitterID != "c-1" || got.OfficerID != "o-1" || got.DepartmentID != "d-1" {
		t.Errorf("ids = %+v", got)
	}
	if got.Title != g.Title || got.Description != g.Description {
		t.Errorf("text mismatch: %+v", got)
	}
	if got.Category != triage.CategoryWaterSupply || got.Urgency != triage.UrgencyHigh || got.Status != grievance.StatusUnderReview {
		t.Errorf("enums = %s %s %s", got.Category, got.Urgency, got.Status)
	}
	if !got.IsDuplicate || got.DuplicateOfID != "g-prev" || got.Similarity != 0.88 {
		t.Errorf("duplicate fields = %v %q %v", got.IsDuplicate, got.DuplicateOfID, got.Similarity)
	}
	if got.Confidence != 0.4 || got.Priority != 0.3 {
		t.Errorf("scores = %v %v", got.Confidence, got.Priority)
	}
	if !got.CreatedAt.Equal(base) || !got.UpdatedAt.Equal(base) {
		t.Errorf("times = %v %v, want %v", got.CreatedAt, got.UpdatedAt, base)
	}
	if got.AssignedAt == nil || !got.AssignedAt.Equal(assigned) {
		t.Errorf("AssignedAt = %v, want %v", got.AssignedAt, assigned)
	}
	if got.ResolvedAt != nil {
		t.Errorf("ResolvedAt = %v, want nil", got.ResolvedAt)
	}

	if _, ok, err := s.GetGrievance(ctx, "missing"); err != nil || ok {
		t.Errorf("GetGrievance(missing) = %v, %v; want false, nil", ok, err)
	}
	err = s.InTx(ctx, func(tx grievance.Tx) error {
		_, ok, err := tx.GetGrievanceForUpdate(ctx, "missing")
		if err != nil {
			return err
		}
		if ok {
			return errors.New("found missing grievance")
		}
		return nil
	})
	if err != nil {
		t.Errorf("GetGrievanceForUpdate(missing): %v", err)
	}
}

func testUpdateGrievance(t *testing.T, s grievance.Store) {
	ctx := context.Background()
	putDepartment(t, s, routing.Department{ID: "d-1", Name: "Water", Code: "water", MaxCapacity: 5})
	g := sampleGrievance(ulid.Make().String(), "c-1", "d-1", base)
	create(t, s, g)

	resolved := base.Add(48 * time.Hour)
	err := s.InTx(ctx, func(tx grievance.Tx) error {
		cur, ok, err := tx.GetGrievanceForUpdate(ctx, g.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("not found")
		}
		cur.Status = grievance.StatusResolved
		cur.OfficerID = "o-7"
		cur.ResolvedAt = &resolved
		cur.UpdatedAt = resolved
		return tx.UpdateGrievance(ctx, cur)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _, err := s.GetGrievance(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetGrievance: %v", err)
	}
	if got.Status != grievance.StatusResolved || got.OfficerID != "o-7" {
		t.Errorf("got %s %s", got.Status, got.OfficerID)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolved) || !got.UpdatedAt.Equal(resolved) {
		t.Errorf("stamps = %v %v", got.ResolvedAt, got.UpdatedAt)
	}
}

func testRollback(t *testing.T, s grievance.Store) {
	ctx := context.Background()
	putDepartment(t, s, routing.Department{ID: "d-1", Name: "Water", Code: "water", MaxCapacity: 5, CurrentLoad: 2})

	g := sampleGrievance(ulid.Make().String(), "c-1", "d-1", base)
	boom := errors.New("insert failed downstream")
	err := s.InTx(ctx, func(tx grievance.Tx) error {
		ok, err := tx.ReserveSlot(ctx, "d-1")
		if err != nil || !ok {
			return fmt.Errorf("reserve: %v %w", ok, err)
		}
		if err := tx.CreateGrievance(ctx, g); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &grievance.TimelineEvent{
			ID: ulid.Make().String(), GrievanceID: g.ID, Kind: grievance.EventSubmitted,
			ActorID: "c-1", ActorRole: grievance.RoleCitizen, Description: "Grievance submitted",
			CitizenVisible: true, CreatedAt: base,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v, want %v", err, boom)
	}

	if got := load(t, s, "d-1"); got != 2 {
		t.Errorf("load = %d, want 2 after rollback", got)
	}
	if _, ok, _ := s.GetGrievance(ctx, g.ID); ok {
		t.Error("grievance persisted after rollback")
	}
	events, err := s.Timeline(ctx, g.ID, false)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %d, want 0 after rollback", len(events))
	}
}

func testReserveSlot(t *testing.T, s grievance.Store) {
	ctx := context.Background()
	putDepartment(t, s, routing.Department{ID: "d-1", Name: "Water", Code: "water", MaxCapacity: 2, CurrentLoad: 1})

	var first, second bool
	err := s.InTx(ctx, func(tx grievance.Tx) error {
		var err error
		if first, err = tx.ReserveSlot(ctx, "d-1"); err != nil {
			return err
		}
		second, err = tx.ReserveSlot(ctx, "d-1")
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if !first || second {
		t.Errorf("reservations = %v, %v; want true, false", first, second)
	}
	if got := load(t, s, "d-1"); got != 2 {
		t.Errorf("load = %d, want 2", got)
	}

	err = s.InTx(ctx, func(tx grievance.Tx) error {
		ok, err := tx.ReserveSlot(ctx, "missing")
		if ok {
			return errors.New("reserved a missing department")
		}
		return err
	})
	if err != nil {
		t.Errorf("ReserveSlot(missing): %v", err)
	}
}

func testAvailableDepartments(t *testing.T, s grievance.Store) {
	ctx := context.Background()
	putDepartment(t, s, routing.Department{ID: "w-2", Name: "Water 2", Code: "water", MaxCapacity: 10, CurrentLoad: 3})
	putDepartment(t, s, routing.Department{ID: "w-1", Name: "Water 1", Code: "water", MaxCapacity: 10, CurrentLoad: 3})
	putDepartment(t, s, routing.Department{ID: "w-3", Name: "Water 3", Code: "water", MaxCapacity: 10, CurrentLoad: 1})
	putDepartment(t, s, routing.Department{ID: "w-full", Name: "Water Full", Code: "water", MaxCapacity: 2, CurrentLoad: 2})
	putDepartment(t, s, routing.Department{ID: "p-1", Name: "Power", Code: "power", MaxCapacity: 10, CurrentLoad: 0})

	var water, all []routing.Department
	err := s.InTx(ctx, func(tx grievance.Tx) error {
		var err error
		if water, err = tx.AvailableDepartments(ctx, "water"); err != nil {
			return err
		}
		all, err = tx.AvailableDepartments(ctx, "")
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	wantWater := []string{"w-3", "w-1", "w-2"}
	if len(water) != len(wantWater) {
		t.Fatalf("water = %v, want %v", ids(water), wantWater)
	}
	for i, id := range wantWater {
		if water[i].ID != id {
			t.Errorf("water[%d] = %s, want %s", i, water[i].ID, id)
		}
	}
	wantAll := []string{"p-1", "w-3", "w-1", "w-2"}
	if len(all) != len(wantAll) {
		t.Fatalf("all = %v, want %v", ids(all), wantAll)
	}
	for i, id := range wantAll {
		if all[i].ID != id {
			t.Errorf("all[%d] = %s, want %s", i, all[i].ID, id)
		}
	}
}

func ids(deps []routing.Department) []string {
	out := make([]string, len(deps))
	for i := range deps {
		out[i] = deps[i].ID
	}
	return out
}

func testTimeline(t *testing.T, s grievance.Store) {
	ctx := context.Background()
	putDepartment(t, s, routing.Department{ID: "d-1", Name: "Water", Code: "water", MaxCapacity: 5})
	g := sampleGrievance(ulid.Make().String(), "c-1", "d-1", base)
	create(t, s, g)

	events := []*grievance.TimelineEvent{
		{ID: "01J0000000000000000000000C", Kind: grievance.EventStatusChanged, CreatedAt: base.Add(2 * time.Minute), CitizenVisible: true, Comment: "on it", Metadata: map[string]string{"from_status": "under_review", "to_status": "in_progress"}},
		{ID: "01J0000000000000000000000A", Kind: grievance.EventSubmitted, CreatedAt: base, CitizenVisible: true},
		{ID: "01J0000000000000000000000B", Kind: grievance.EventAssigned, CreatedAt: base.Add(time.Minute), CitizenVisible: false},
		{ID: "01J0000000000000000000000D", Kind: grievance.EventCommentAdded, CreatedAt: base.Add(2 * time.Minute), CitizenVisible: false},
	}
	err := s.InTx(ctx, func(tx grievance.Tx) error {
		for _, e := range events {
			e.GrievanceID = g.ID
			e.ActorID = "o-1"
			e.ActorRole = grievance.RoleOfficer
			e.Description = string(e.Kind)
			if err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	full, err := s.Timeline(ctx, g.ID, false)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	wantFull := []grievance.EventKind{grievance.EventSubmitted, grievance.EventAssigned, grievance.EventStatusChanged, grievance.EventCommentAdded}
	if len(full) != len(wantFull) {
		t.Fatalf("full timeline has %d events, want %d", len(full), len(wantFull))
	}
	for i, k := range wantFull {
		if full[i].Kind != k {
			t.Errorf("full[%d] = %s, want %s", i, full[i].Kind, k)
		}
		if i > 0 && full[i].CreatedAt.Before(full[i-1].CreatedAt) {
			t.Errorf("full[%d] out of order", i)
		}
	}
	sc := full[2]
	if sc.Comment != "on it" || sc.Metadata["to_status"] != "in_progress" || sc.ActorRole != grievance.RoleOfficer {
		t.Errorf("status event = %+v", sc)
	}

	citizen, err := s.Timeline(ctx, g.ID, true)
	if err != nil {
		t.Fatalf("Timeline citizen: %v", err)
	}
	if len(citizen) != 2 {
		t.Fatalf("citizen timeline has %d events, want 2", len(citizen))
	}
	for _, e := range citizen {
		if !e.CitizenVisible {
			t.Errorf("citizen view includes hidden event %s", e.Kind)
		}
	}

	empty, err := s.Timeline(ctx, "missing", false)
	if err != nil || len(empty) != 0 {
		t.Errorf("Timeline(missing) = %v, %v", empty, err)
	}
}

func testListGrievances(t *testing.T, s grievance.Store) {
	ctx := context.Background()
	putDepartment(t, s, routing.Department{ID: "d-1", Name: "Water", Code: "water", MaxCapacity: 50})

	mk := func(id, submitter, officer string, st grievance.Status, u triage.Urgency, prio float64, offset time.Duration) {
		g := sampleGrievance(id, submitter, "d-1", base.Add(offset))
		g.OfficerID = officer
		g.Status = st
		g.Urgency = u
		g.Priority = prio
		create(t, s, g)
	}
	mk("g-1", "c-1", "", grievance.StatusSubmitted, triage.UrgencyLow, 0.1, 0)
	mk("g-2", "c-1", "o-1", grievance.StatusUnderReview, triage.UrgencyHigh, 0.7, time.Minute)
	mk("g-3", "c-2", "o-1", grievance.StatusInProgress, triage.UrgencyCritical, 0.9, 2*time.Minute)
	mk("g-4", "c-1", "o-1", grievance.StatusUnderReview, triage.UrgencyHigh, 0.7, 3*time.Minute)
	// the only grievance outside water_supply
	g5 := sampleGrievance("g-5", "c-3", "d-1", base.Add(-time.Minute))
	g5.Category = triage.CategoryElectricity
	create(t, s, g5)

	check := func(name string, f grievance.Filter, wantIDs []string, wantTotal int) {
		t.Helper()
		got, total, err := s.ListGrievances(ctx, f)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if total != wantTotal {
			t.Errorf("%s: total = %d, want %d", name, total, wantTotal)
		}
		if len(got) != len(wantIDs) {
			t.Fatalf("%s: got %d items, want %v", name, len(got), wantIDs)
		}
		for i, id := range wantIDs {
			if got[i].ID != id {
				t.Errorf("%s: [%d] = %s, want %s", name, i, got[i].ID, id)
			}
		}
	}

	check("all newest first", grievance.Filter{}, []string{"g-4", "g-3", "g-2", "g-1", "g-5"}, 5)
	check("by submitter", grievance.Filter{SubmitterID: "c-1"}, []string{"g-4", "g-2", "g-1"}, 3)
	check("officer by priority", grievance.Filter{OfficerID: "o-1", Order: grievance.OrderPriorityDesc}, []string{"g-3", "g-4", "g-2"}, 3)
	check("status", grievance.Filter{Status: grievance.StatusUnderReview}, []string{"g-4", "g-2"}, 2)
	check("urgency", grievance.Filter{Urgency: triage.UrgencyCritical}, []string{"g-3"}, 1)
	check("category", grievance.Filter{Category: triage.CategoryElectricity}, []string{"g-5"}, 1)
	check("page", grievance.Filter{Skip: 1, Limit: 2}, []string{"g-3", "g-2"}, 5)
	check("past end", grievance.Filter{Skip: 10, Limit: 2}, nil, 5)
}

func testConcurrentReservations(t *testing.T, s grievance.Store) {
	ctx := context.Background()
	putDepartment(t, s, routing.Department{ID: "d-1", Name: "Health", Code: "health", MaxCapacity: 3})

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0
	errs := make([]error, 0)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ok bool
			err := s.InTx(ctx, func(tx grievance.Tx) error {
				var err error
				ok, err = tx.ReserveSlot(ctx, "d-1")
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				reserved++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("InTx errors: %v", errors.Join(errs...))
	}
	if reserved != 3 {
		t.Errorf("reserved = %d, want 3", reserved)
	}
	if got := load(t, s, "d-1"); got != 3 {
		t.Errorf("load = %d, want 3", got)
	}
}

func testConcurrentTransitions(t *testing.T, s grievance.Store) {
	ctx := context.Background()
	putDepartment(t, s, routing.Department{ID: "d-1", Name: "Water", Code: "water", MaxCapacity: 5})
	g := sampleGrievance(ulid.Make().String(), "c-1", "d-1", base)
	g.Status = grievance.StatusUnderReview
	g.OfficerID = "o-1"
	create(t, s, g)

	svc := grievance.NewService(s, nil, nil, nil)
	admin := grievance.Actor{ID: "a-1", Role: grievance.RoleAdmin}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, invalid := 0, 0
	var other []error
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Transition(ctx, admin, g.ID, grievance.TransitionRequest{Status: string(grievance.StatusInProgress)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, grievance.ErrValidation):
				invalid++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", errors.Join(other...))
	}
	if succeeded != 1 || invalid != workers-1 {
		t.Errorf("succeeded = %d, invalid = %d, want 1 and %d", succeeded, invalid, workers-1)
	}

	got, ok, err := s.GetGrievance(ctx, g.ID)
	if err != nil || !ok {
		t.Fatalf("GetGrievance: ok=%v err=%v", ok, err)
	}
	if got.Status != grievance.StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}

	events, err := s.Timeline(ctx, g.ID, false)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	changed := 0
	for _, e := range events {
		if e.Kind == grievance.EventStatusChanged {
			changed++
		}
	}
	if changed != 1 {
		t.Errorf("status_changed events = %d, want 1", changed)
	}
}
