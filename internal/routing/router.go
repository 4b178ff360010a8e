// Package routing assigns grievances to the least-loaded department that
// handles their category, reserving capacity inside the caller's transaction.
package routing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/grievd/internal/triage"
)

// ErrNoCapacity is wrapped by Failure when every department is full.
var ErrNoCapacity = errors.New("no department capacity")

// DefaultMaxAttempts bounds how often Route re-reads candidates after
// losing a reservation race.
const DefaultMaxAttempts = 3

// Failure reports that no department could accept a grievance.
type Failure struct {
	Category triage.Category
	Reason   string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("routing %s: %s", f.Category, f.Reason)
}

// Unwrap lets errors.Is match ErrNoCapacity.
func (f *Failure) Unwrap() error { return ErrNoCapacity }

// Assignment is the result of a successful routing decision.
type Assignment struct {
	DepartmentID            string  `json:"department_id"`
	DepartmentName          string  `json:"department_name"`
	DepartmentCode          string  `json:"department_code"`
	ExpectedResolutionHours float64 `json:"expected_resolution_hours"`
	Fallback                bool    `json:"fallback,omitempty"`
}

// Tx is the slice of a store transaction the router needs.
type Tx interface {
	// AvailableDepartments returns departments with the given code whose load
	// is below capacity, least loaded first. An empty code matches every department.
	AvailableDepartments(ctx context.Context, code string) ([]Department, error)

	// ReserveSlot increments the department's load if it is still below
	// capacity and reports whether it did.
	ReserveSlot(ctx context.Context, departmentID string) (bool, error)
}

// Router picks departments for new grievances.
type Router struct {
	logger      log.Logger
	maxAttempts int
}

// New creates a Router.
func New(logger log.Logger) *Router {
	if logger == nil {
		logger = log.Nop()
	}
	return &Router{logger: logger, maxAttempts: DefaultMaxAttempts}
}

// Route selects the least-loaded department for category and reserves one
// unit of its capacity through tx. Departments owning the category's code are
// preferred; when they are all full any department with room is used.
// Priority is recorded for logging only.
func (r *Router) Route(ctx context.Context, tx Tx, category triage.Category, priority float64) (*Assignment, error) {
	code := CodeFor(category)
	L := r.logger.With("category", category, "department_code", code, "priority", priority)

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		candidates, fallback, err := r.candidates(ctx, tx, code)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			L.Warn(ctx, "no departments available")
			return nil, &Failure{Category: category, Reason: "all departments at capacity"}
		}
		if fallback && attempt == 1 {
			L.Warn(ctx, "no available departments for code, falling back")
		}

		for i := range candidates {
			d := &candidates[i]
			ok, err := tx.ReserveSlot(ctx, d.ID)
			if err != nil {
				return nil, fmt.Errorf("reserve slot %s: %w", d.ID, err)
			}
			if !ok {
				continue
			}
			L.Info(ctx, "routed grievance",
				"department_id", d.ID,
				"department", d.Name,
				"load", d.CurrentLoad+1,
				"capacity", d.MaxCapacity,
				"fallback", fallback,
			)
			return &Assignment{
				DepartmentID:            d.ID,
				DepartmentName:          d.Name,
				DepartmentCode:          d.Code,
				ExpectedResolutionHours: d.AvgResolutionHours,
				Fallback:                fallback,
			}, nil
		}
		L.Warn(ctx, "lost reservation race, retrying", "attempt", attempt)
	}

	return nil, &Failure{Category: category, Reason: "all departments at capacity"}
}

func (r *Router) candidates(ctx context.Context, tx Tx, code string) ([]Department, bool, error) {
	deps, err := tx.AvailableDepartments(ctx, code)
	if err != nil {
		return nil, false, fmt.Errorf("list departments for %s: %w", code, err)
	}
	deps = eligible(deps)
	if len(deps) > 0 {
		return deps, false, nil
	}

	deps, err = tx.AvailableDepartments(ctx, "")
	if err != nil {
		return nil, false, fmt.Errorf("list departments: %w", err)
	}
	return eligible(deps), true, nil
}

// eligible drops full departments and orders the rest by load, then ID.
func eligible(deps []Department) []Department {
	deps = slices.DeleteFunc(deps, func(d Department) bool { return !d.HasCapacity() })
	slices.SortFunc(deps, func(a, b Department) int {
		return cmp.Or(cmp.Compare(a.CurrentLoad, b.CurrentLoad), cmp.Compare(a.ID, b.ID))
	})
	return deps
}
