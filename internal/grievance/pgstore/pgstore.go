// Package pgstore provides a PostgreSQL implementation of grievance.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/grievd/internal/grievance"
	"github.com/linnemanlabs/grievd/internal/routing"
	"github.com/linnemanlabs/grievd/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/grievd/internal/grievance/pgstore")

//go:embed schema.sql
var schema string

// Store persists grievances, departments and timelines in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The Store takes
// ownership of the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

const grievanceColumns = `id, submitter_id, officer_id, department_id, title, description,
	category, urgency, status, is_duplicate, duplicate_of_id, similarity, confidence,
	priority, assigned_at, resolved_at, created_at, updated_at`

func scanGrievance(row pgx.Row) (*grievance.Grievance, error) {
	var (
		g                       grievance.Grievance
		officerID, duplicateOf  *string
		category, urgency, stat string
	)
	err := row.Scan(
		&g.ID, &g.SubmitterID, &officerID, &g.DepartmentID, &g.Title, &g.Description,
		&category, &urgency, &stat, &g.IsDuplicate, &duplicateOf, &g.Similarity, &g.Confidence,
		&g.Priority, &g.AssignedAt, &g.ResolvedAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan grievance: %w", err)
	}
	g.Category = triage.Category(category)
	g.Urgency = triage.Urgency(urgency)
	g.Status = grievance.Status(stat)
	if officerID != nil {
		g.OfficerID = *officerID
	}
	if duplicateOf != nil {
		g.DuplicateOfID = *duplicateOf
	}
	return &g, nil
}

func getGrievance(ctx context.Context, q querier, id string, forUpdate bool) (*grievance.Grievance, bool, error) {
	query := `SELECT ` + grievanceColumns + ` FROM grievances WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	g, err := scanGrievance(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, err
	}
	return g, g != nil, nil
}

// GetGrievance retrieves a grievance by ID.
func (s *Store) GetGrievance(ctx context.Context, id string) (*grievance.Grievance, bool, error) {
	ctx, span := startSpan(ctx, "GetGrievance", "SELECT")
	defer span.End()

	g, ok, err := getGrievance(ctx, s.pool, id, false)
	return g, ok, spanError(span, err)
}

// ListGrievances returns one page of matching grievances and the total match count.
func (s *Store) ListGrievances(ctx context.Context, f grievance.Filter) ([]*grievance.Grievance, int, error) {
	ctx, span := startSpan(ctx, "ListGrievances", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		where = append(where, col+" = $"+strconv.Itoa(len(args)))
	}
	if f.SubmitterID != "" {
		add("submitter_id", f.SubmitterID)
	}
	if f.OfficerID != "" {
		add("officer_id", f.OfficerID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Urgency != "" {
		add("urgency", string(f.Urgency))
	}
	if f.Category != "" {
		add("category", string(f.Category))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM grievances`+clause, args...).Scan(&total); err != nil {
		return nil, 0, spanError(span, fmt.Errorf("count grievances: %w", err))
	}

	query := `SELECT ` + grievanceColumns + ` FROM grievances` + clause
	if f.Order == grievance.OrderPriorityDesc {
		query += ` ORDER BY priority DESC, created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	args = append(args, f.Skip)
	query += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, spanError(span, fmt.Errorf("query grievances: %w", err))
	}
	defer rows.Close()

	var out []*grievance.Grievance
	for rows.Next() {
		g, err := scanGrievance(rows)
		if err != nil {
			return nil, 0, spanError(span, err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, spanError(span, fmt.Errorf("iterate grievances: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, total, nil
}

// Timeline returns a grievance's events in ledger order.
func (s *Store) Timeline(ctx context.Context, grievanceID string, citizenView bool) ([]*grievance.TimelineEvent, error) {
	ctx, span := startSpan(ctx, "Timeline", "SELECT")
	defer span.End()

	query := `SELECT id, grievance_id, kind, actor_id, actor_role, description, comment,
		metadata, citizen_visible, created_at
		FROM timeline_events WHERE grievance_id = $1`
	if citizenView {
		query += ` AND citizen_visible`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, grievanceID)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("query timeline: %w", err))
	}
	defer rows.Close()

	var out []*grievance.TimelineEvent
	for rows.Next() {
		var (
			e          grievance.TimelineEvent
			kind, role string
			meta       []byte
		)
		if err := rows.Scan(&e.ID, &e.GrievanceID, &kind, &e.ActorID, &role, &e.Description,
			&e.Comment, &meta, &e.CitizenVisible, &e.CreatedAt); err != nil {
			return nil, spanError(span, fmt.Errorf("scan event: %w", err))
		}
		e.Kind = grievance.EventKind(kind)
		e.ActorRole = grievance.Role(role)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, spanError(span, fmt.Errorf("unmarshal metadata: %w", err))
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, spanError(span, fmt.Errorf("iterate timeline: %w", err))
	}
	return out, nil
}

const departmentColumns = `id, name, code, categories, max_capacity, current_load, avg_resolution_hours`

func queryDepartments(ctx context.Context, q querier, query string, args ...any) ([]routing.Department, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query departments: %w", err)
	}
	defer rows.Close()

	var out []routing.Department
	for rows.Next() {
		var (
			d    routing.Department
			cats []byte
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.Code, &cats, &d.MaxCapacity, &d.CurrentLoad, &d.AvgResolutionHours); err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		if err := json.Unmarshal(cats, &d.Categories); err != nil {
			return nil, fmt.Errorf("unmarshal categories: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate departments: %w", err)
	}
	return out, nil
}

// ListDepartments returns all departments ordered by ID.
func (s *Store) ListDepartments(ctx context.Context) ([]routing.Department, error) {
	ctx, span := startSpan(ctx, "ListDepartments", "SELECT")
	defer span.End()

	deps, err := queryDepartments(ctx, s.pool, `SELECT `+departmentColumns+` FROM departments ORDER BY id`)
	return deps, spanError(span, err)
}

// PutDepartment upserts a department, keeping the load of an existing one.
func (s *Store) PutDepartment(ctx context.Context, d *routing.Department) error {
	ctx, span := startSpan(ctx, "PutDepartment", "UPSERT")
	defer span.End()

	cats := d.Categories
	if cats == nil {
		cats = []string{}
	}
	catsJSON, err := json.Marshal(cats)
	if err != nil {
		return spanError(span, fmt.Errorf("marshal categories: %w", err))
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO departments (`+departmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			code = EXCLUDED.code,
			categories = EXCLUDED.categories,
			max_capacity = EXCLUDED.max_capacity,
			avg_resolution_hours = EXCLUDED.avg_resolution_hours`,
		d.ID, d.Name, d.Code, catsJSON, d.MaxCapacity, d.CurrentLoad, d.AvgResolutionHours,
	)
	if err != nil {
		return spanError(span, fmt.Errorf("upsert department: %w", err))
	}
	return nil
}

// InTx runs fn inside a read-committed transaction. Row locks taken by
// GetGrievanceForUpdate and ReserveSlot are held until commit.
func (s *Store) InTx(ctx context.Context, fn func(grievance.Tx) error) error {
	ctx, span := startSpan(ctx, "InTx", "TRANSACTION")
	defer span.End()

	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanError(span, fmt.Errorf("begin tx: %w", err))
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := fn(&tx{tx: pgTx}); err != nil {
		return spanError(span, err)
	}
	if err := pgTx.Commit(ctx); err != nil {
		return spanError(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) GetGrievanceForUpdate(ctx context.Context, id string) (*grievance.Grievance, bool, error) {
	ctx, span := startSpan(ctx, "GetGrievanceForUpdate", "SELECT")
	defer span.End()

	g, ok, err := getGrievance(ctx, t.tx, id, true)
	return g, ok, spanError(span, err)
}

func (t *tx) CreateGrievance(ctx context.Context, g *grievance.Grievance) error {
	ctx, span := startSpan(ctx, "CreateGrievance", "INSERT")
	defer span.End()

	_, err := t.tx.Exec(ctx, `
		INSERT INTO grievances (`+grievanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		g.ID, g.SubmitterID, nullable(g.OfficerID), g.DepartmentID, g.Title, g.Description,
		string(g.Category), string(g.Urgency), string(g.Status), g.IsDuplicate, nullable(g.DuplicateOfID),
		g.Similarity, g.Confidence, g.Priority, g.AssignedAt, g.ResolvedAt, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return spanError(span, fmt.Errorf("insert grievance: %w", err))
	}
	return nil
}

func (t *tx) UpdateGrievance(ctx context.Context, g *grievance.Grievance) error {
	ctx, span := startSpan(ctx, "UpdateGrievance", "UPDATE")
	defer span.End()

	tag, err := t.tx.Exec(ctx, `
		UPDATE grievances SET
			officer_id = $2,
			department_id = $3,
			status = $4,
			assigned_at = $5,
			resolved_at = $6,
			updated_at = $7
		WHERE id = $1`,
		g.ID, nullable(g.OfficerID), g.DepartmentID, string(g.Status), g.AssignedAt, g.ResolvedAt, g.UpdatedAt,
	)
	if err != nil {
		return spanError(span, fmt.Errorf("update grievance: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return spanError(span, fmt.Errorf("grievance %s does not exist", g.ID))
	}
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, e *grievance.TimelineEvent) error {
	ctx, span := startSpan(ctx, "AppendEvent", "INSERT")
	defer span.End()

	var meta []byte
	if e.Metadata != nil {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return spanError(span, fmt.Errorf("marshal metadata: %w", err))
		}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO timeline_events (id, grievance_id, kind, actor_id, actor_role, description, comment, metadata, citizen_visible, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.GrievanceID, string(e.Kind), e.ActorID, string(e.ActorRole), e.Description, e.Comment,
		meta, e.CitizenVisible, e.CreatedAt,
	)
	if err != nil {
		return spanError(span, fmt.Errorf("insert timeline event: %w", err))
	}
	return nil
}

func (t *tx) AvailableDepartments(ctx context.Context, code string) ([]routing.Department, error) {
	ctx, span := startSpan(ctx, "AvailableDepartments", "SELECT")
	defer span.End()

	query := `SELECT ` + departmentColumns + ` FROM departments
		WHERE current_load < max_capacity AND ($1 = '' OR code = $1)
		ORDER BY current_load, id`
	deps, err := queryDepartments(ctx, t.tx, query, code)
	return deps, spanError(span, err)
}

// ReserveSlot increments the department's load only while it is below
// capacity. The conditional update is the capacity check.
func (t *tx) ReserveSlot(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "ReserveSlot", "UPDATE")
	defer span.End()

	tag, err := t.tx.Exec(ctx, `
		UPDATE departments SET current_load = current_load + 1
		WHERE id = $1 AND current_load < max_capacity`, id)
	if err != nil {
		return false, spanError(span, fmt.Errorf("reserve slot: %w", err))
	}
	ok := tag.RowsAffected() == 1
	span.SetAttributes(attribute.Bool("department.reserved", ok))
	return ok, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
