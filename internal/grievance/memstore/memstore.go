// Package memstore provides an in-memory implementation of grievance.Store.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/linnemanlabs/grievd/internal/grievance"
	"github.com/linnemanlabs/grievd/internal/routing"
)

// Store holds grievances, departments and timelines in memory. Suitable for
// dev/testing. A unit of work holds the write lock for its whole duration.
type Store struct {
	mu          sync.RWMutex
	grievances  map[string]*grievance.Grievance
	events      map[string][]*grievance.TimelineEvent // grievance ID -> ledger
	departments map[string]*routing.Department
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		grievances:  make(map[string]*grievance.Grievance),
		events:      make(map[string][]*grievance.TimelineEvent),
		departments: make(map[string]*routing.Department),
	}
}

// GetGrievance retrieves a grievance by ID. Returns a copy.
func (s *Store) GetGrievance(_ context.Context, id string) (*grievance.Grievance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grievances[id]
	if !ok {
		return nil, false, nil
	}
	return g.Clone(), true, nil
}

// ListGrievances returns copies of one page of matching grievances.
func (s *Store) ListGrievances(_ context.Context, f grievance.Filter) ([]*grievance.Grievance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*grievance.Grievance
	for _, g := range s.grievances {
		if f.Matches(g) {
			matched = append(matched, g)
		}
	}
	slices.SortFunc(matched, compareFor(f.Order))

	total := len(matched)
	start := min(f.Skip, total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}

	out := make([]*grievance.Grievance, 0, end-start)
	for _, g := range matched[start:end] {
		out = append(out, g.Clone())
	}
	return out, total, nil
}

func compareFor(o grievance.Order) func(a, b *grievance.Grievance) int {
	newest := func(a, b *grievance.Grievance) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	}
	if o == grievance.OrderPriorityDesc {
		return func(a, b *grievance.Grievance) int {
			return cmp.Or(cmp.Compare(b.Priority, a.Priority), newest(a, b))
		}
	}
	return newest
}

// Timeline returns copies of a grievance's events in ledger order.
func (s *Store) Timeline(_ context.Context, grievanceID string, citizenView bool) ([]*grievance.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledger := s.events[grievanceID]
	out := make([]*grievance.TimelineEvent, 0, len(ledger))
	for _, e := range ledger {
		out = append(out, e.Clone())
	}
	grievance.SortEvents(out)
	if citizenView {
		out = grievance.CitizenView(out)
	}
	return out, nil
}

// ListDepartments returns copies of all departments ordered by ID.
func (s *Store) ListDepartments(_ context.Context) ([]routing.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]routing.Department, 0, len(s.departments))
	for _, d := range s.departments {
		out = append(out, cloneDepartment(d))
	}
	slices.SortFunc(out, func(a, b routing.Department) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// PutDepartment upserts a department, keeping the load of an existing one.
func (s *Store) PutDepartment(_ context.Context, d *routing.Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneDepartment(d)
	if cur, ok := s.departments[d.ID]; ok {
		cp.CurrentLoad = cur.CurrentLoad
	}
	s.departments[d.ID] = &cp
	return nil
}

// InTx runs fn with the write lock held. If fn returns an error or panics,
// every change it made is undone.
func (s *Store) InTx(ctx context.Context, fn func(grievance.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &tx{s: s}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// tx mutates the store in place and records how to undo each change.
// Callers hold s.mu.
type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) GetGrievanceForUpdate(_ context.Context, id string) (*grievance.Grievance, bool, error) {
	g, ok := t.s.grievances[id]
	if !ok {
		return nil, false, nil
	}
	return g.Clone(), true, nil
}

func (t *tx) CreateGrievance(_ context.Context, g *grievance.Grievance) error {
	if _, ok := t.s.grievances[g.ID]; ok {
		return fmt.Errorf("grievance %s already exists", g.ID)
	}
	if _, ok := t.s.departments[g.DepartmentID]; !ok {
		return fmt.Errorf("department %s does not exist", g.DepartmentID)
	}
	t.s.grievances[g.ID] = g.Clone()
	t.undo = append(t.undo, func() { delete(t.s.grievances, g.ID) })
	return nil
}

func (t *tx) UpdateGrievance(_ context.Context, g *grievance.Grievance) error {
	prev, ok := t.s.grievances[g.ID]
	if !ok {
		return fmt.Errorf("grievance %s does not exist", g.ID)
	}
	t.s.grievances[g.ID] = g.Clone()
	t.undo = append(t.undo, func() { t.s.grievances[g.ID] = prev })
	return nil
}

func (t *tx) AppendEvent(_ context.Context, e *grievance.TimelineEvent) error {
	if _, ok := t.s.grievances[e.GrievanceID]; !ok {
		return fmt.Errorf("grievance %s does not exist", e.GrievanceID)
	}
	id := e.GrievanceID
	n := len(t.s.events[id])
	t.s.events[id] = append(t.s.events[id], e.Clone())
	t.undo = append(t.undo, func() {
		if n == 0 {
			delete(t.s.events, id)
			return
		}
		t.s.events[id] = t.s.events[id][:n]
	})
	return nil
}

func (t *tx) AvailableDepartments(_ context.Context, code string) ([]routing.Department, error) {
	var out []routing.Department
	for _, d := range t.s.departments {
		if (code == "" || d.Code == code) && d.HasCapacity() {
			out = append(out, cloneDepartment(d))
		}
	}
	slices.SortFunc(out, func(a, b routing.Department) int {
		return cmp.Or(cmp.Compare(a.CurrentLoad, b.CurrentLoad), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (t *tx) ReserveSlot(_ context.Context, id string) (bool, error) {
	d, ok := t.s.departments[id]
	if !ok || !d.HasCapacity() {
		return false, nil
	}
	d.CurrentLoad++
	t.undo = append(t.undo, func() { d.CurrentLoad-- })
	return true, nil
}

func cloneDepartment(d *routing.Department) routing.Department {
	cp := *d
	cp.Categories = slices.Clone(d.Categories)
	return cp
}
