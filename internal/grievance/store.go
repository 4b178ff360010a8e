package grievance

import (
	"context"

	"github.com/linnemanlabs/grievd/internal/routing"
)

// Store is the persistence interface for grievances, departments and the
// timeline ledger. Every write goes through InTx.
type Store interface {
	GetGrievance(ctx context.Context, id string) (*Grievance, bool, error)

	// ListGrievances returns one page of matching grievances and the total
	// number of matches ignoring Skip and Limit.
	ListGrievances(ctx context.Context, f Filter) ([]*Grievance, int, error)

	// Timeline returns the events for a grievance in ledger order. With
	// citizenView set, events hidden from citizens are omitted.
	Timeline(ctx context.Context, grievanceID string, citizenView bool) ([]*TimelineEvent, error)

	ListDepartments(ctx context.Context) ([]routing.Department, error)

	// PutDepartment inserts a department or updates its static attributes.
	// The current load of an existing department is left untouched.
	PutDepartment(ctx context.Context, d *routing.Department) error

	// InTx runs fn as one unit of work. fn's writes commit together when it
	// returns nil and are discarded when it returns an error.
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is a unit of work handed to InTx callbacks.
type Tx interface {
	routing.Tx

	// GetGrievanceForUpdate reads a grievance and holds it against concurrent
	// writers until the unit of work ends.
	GetGrievanceForUpdate(ctx context.Context, id string) (*Grievance, bool, error)
	CreateGrievance(ctx context.Context, g *Grievance) error
	UpdateGrievance(ctx context.Context, g *Grievance) error

	// AppendEvent adds an event to the ledger. It is the only ledger mutation.
	AppendEvent(ctx context.Context, e *TimelineEvent) error
}
