// Package sqlitestore implements grievance.Store on SQLite for single-node
// deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/grievd/internal/grievance"
	"github.com/linnemanlabs/grievd/internal/routing"
	"github.com/linnemanlabs/grievd/internal/triage"
)

//go:embed schema.sql
var schema string

const maxReadConns = 8

// pragmas are applied to every connection through the DSN.
var pragmas = strings.Join([]string{
	"_busy_timeout=5000",
	"_foreign_keys=on",
	"_synchronous=normal",
}, "&")

// Store implements grievance.Store. Writes go through a single connection
// opened with immediate transactions, so units of work are serialized.
// Reads outside a unit of work use a separate read-only pool.
type Store struct {
	rw *sqlx.DB
	ro *sqlx.DB
}

// Open opens or creates the database at path and applies the schema.
// The path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == ":memory:" {
		// one connection keeps the database alive for the life of the pool
		db, err := connect(ctx, fmt.Sprintf("file:%s?mode=memory&_txlock=immediate&%s", ulid.Make(), pragmas), 1)
		if err != nil {
			return nil, err
		}
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		s := &Store{rw: db, ro: db}
		if err := s.migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	}

	rw, err := connect(ctx, fmt.Sprintf("file:%s?mode=rwc&_txlock=immediate&_journal_mode=wal&%s", path, pragmas), 1)
	if err != nil {
		return nil, err
	}
	s := &Store{rw: rw}
	if err := s.migrate(ctx); err != nil {
		_ = rw.Close()
		return nil, err
	}

	ro, err := connect(ctx, fmt.Sprintf("file:%s?mode=ro&%s", path, pragmas), maxReadConns)
	if err != nil {
		_ = rw.Close()
		return nil, err
	}
	s.ro = ro
	return s, nil
}

func connect(ctx context.Context, dsn string, conns int) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(time.Hour)
	return db, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.rw.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.rw.PingContext(ctx)
}

// Close closes both connection pools.
func (s *Store) Close() error {
	err := s.rw.Close()
	if s.ro != s.rw {
		err = errors.Join(err, s.ro.Close())
	}
	return err
}

type departmentRow struct {
	ID                 string  `db:"id"`
	Name               string  `db:"name"`
	Code               string  `db:"code"`
	Categories         string  `db:"categories"`
	MaxCapacity        int     `db:"max_capacity"`
	CurrentLoad        int     `db:"current_load"`
	AvgResolutionHours float64 `db:"avg_resolution_hours"`
}

func (r *departmentRow) department() (routing.Department, error) {
	d := routing.Department{
		ID:                 r.ID,
		Name:               r.Name,
		Code:               r.Code,
		MaxCapacity:        r.MaxCapacity,
		CurrentLoad:        r.CurrentLoad,
		AvgResolutionHours: r.AvgResolutionHours,
	}
	if err := json.Unmarshal([]byte(r.Categories), &d.Categories); err != nil {
		return d, fmt.Errorf("decode categories of %s: %w", r.ID, err)
	}
	return d, nil
}

type grievanceRow struct {
	ID            string         `db:"id"`
	SubmitterID   string         `db:"submitter_id"`
	OfficerID     sql.NullString `db:"officer_id"`
	DepartmentID  string         `db:"department_id"`
	Title         string         `db:"title"`
	Description   string         `db:"description"`
	Category      string         `db:"category"`
	Urgency       string         `db:"urgency"`
	Status        string         `db:"status"`
	IsDuplicate   bool           `db:"is_duplicate"`
	DuplicateOfID sql.NullString `db:"duplicate_of_id"`
	Similarity    float64        `db:"similarity"`
	Confidence    float64        `db:"confidence"`
	Priority      float64        `db:"priority"`
	AssignedAt    sql.NullInt64  `db:"assigned_at"`
	ResolvedAt    sql.NullInt64  `db:"resolved_at"`
	CreatedAt     int64          `db:"created_at"`
	UpdatedAt     int64          `db:"updated_at"`
}

const grievanceColumns = `id, submitter_id, officer_id, department_id, title, description,
	category, urgency, status, is_duplicate, duplicate_of_id, similarity, confidence,
	priority, assigned_at, resolved_at, created_at, updated_at`

func toGrievanceRow(g *grievance.Grievance) grievanceRow {
	return grievanceRow{
		ID:            g.ID,
		SubmitterID:   g.SubmitterID,
		OfficerID:     nullString(g.OfficerID),
		DepartmentID:  g.DepartmentID,
		Title:         g.Title,
		Description:   g.Description,
		Category:      string(g.Category),
		Urgency:       string(g.Urgency),
		Status:        string(g.Status),
		IsDuplicate:   g.IsDuplicate,
		DuplicateOfID: nullString(g.DuplicateOfID),
		Similarity:    g.Similarity,
		Confidence:    g.Confidence,
		Priority:      g.Priority,
		AssignedAt:    nullTime(g.AssignedAt),
		ResolvedAt:    nullTime(g.ResolvedAt),
		CreatedAt:     g.CreatedAt.UnixNano(),
		UpdatedAt:     g.UpdatedAt.UnixNano(),
	}
}

func (r *grievanceRow) grievance() *grievance.Grievance {
	return &grievance.Grievance{
		ID:            r.ID,
		SubmitterID:   r.SubmitterID,
		OfficerID:     r.OfficerID.String,
		DepartmentID:  r.DepartmentID,
		Title:         r.Title,
		Description:   r.Description,
		Category:      triage.Category(r.Category),
		Urgency:       triage.Urgency(r.Urgency),
		Status:        grievance.Status(r.Status),
		IsDuplicate:   r.IsDuplicate,
		DuplicateOfID: r.DuplicateOfID.String,
		Similarity:    r.Similarity,
		Confidence:    r.Confidence,
		Priority:      r.Priority,
		AssignedAt:    fromNullTime(r.AssignedAt),
		ResolvedAt:    fromNullTime(r.ResolvedAt),
		CreatedAt:     fromUnix(r.CreatedAt),
		UpdatedAt:     fromUnix(r.UpdatedAt),
	}
}

type eventRow struct {
	ID             string         `db:"id"`
	GrievanceID    string         `db:"grievance_id"`
	Kind           string         `db:"kind"`
	ActorID        string         `db:"actor_id"`
	ActorRole      string         `db:"actor_role"`
	Description    string         `db:"description"`
	Comment        string         `db:"comment"`
	Metadata       sql.NullString `db:"metadata"`
	CitizenVisible bool           `db:"citizen_visible"`
	CreatedAt      int64          `db:"created_at"`
}

func (r *eventRow) event() (*grievance.TimelineEvent, error) {
	e := &grievance.TimelineEvent{
		ID:             r.ID,
		GrievanceID:    r.GrievanceID,
		Kind:           grievance.EventKind(r.Kind),
		ActorID:        r.ActorID,
		ActorRole:      grievance.Role(r.ActorRole),
		Description:    r.Description,
		Comment:        r.Comment,
		CitizenVisible: r.CitizenVisible,
		CreatedAt:      fromUnix(r.CreatedAt),
	}
	if r.Metadata.Valid {
		if err := json.Unmarshal([]byte(r.Metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of event %s: %w", r.ID, err)
		}
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func fromUnix(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func getGrievance(ctx context.Context, q sqlx.QueryerContext, id string) (*grievance.Grievance, bool, error) {
	var row grievanceRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+grievanceColumns+` FROM grievances WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select grievance: %w", err)
	}
	return row.grievance(), true, nil
}

// GetGrievance retrieves a grievance by ID.
func (s *Store) GetGrievance(ctx context.Context, id string) (*grievance.Grievance, bool, error) {
	return getGrievance(ctx, s.ro, id)
}

// ListGrievances returns one page of matching grievances and the total match count.
func (s *Store) ListGrievances(ctx context.Context, f grievance.Filter) ([]*grievance.Grievance, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.SubmitterID != "" {
		add("submitter_id = ?", f.SubmitterID)
	}
	if f.OfficerID != "" {
		add("officer_id = ?", f.OfficerID)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Urgency != "" {
		add("urgency = ?", string(f.Urgency))
	}
	if f.Category != "" {
		add("category = ?", string(f.Category))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := sqlx.GetContext(ctx, s.ro, &total, `SELECT COUNT(*) FROM grievances`+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count grievances: %w", err)
	}

	order := " ORDER BY created_at DESC, id DESC"
	if f.Order == grievance.OrderPriorityDesc {
		order = " ORDER BY priority DESC, created_at DESC, id DESC"
	}
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}
	query := `SELECT ` + grievanceColumns + ` FROM grievances` + clause + order + ` LIMIT ? OFFSET ?`

	var rows []grievanceRow
	if err := sqlx.SelectContext(ctx, s.ro, &rows, query, append(args, limit, f.Skip)...); err != nil {
		return nil, 0, fmt.Errorf("select grievances: %w", err)
	}
	out := make([]*grievance.Grievance, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].grievance())
	}
	return out, total, nil
}

// Timeline returns a grievance's events in ledger order.
func (s *Store) Timeline(ctx context.Context, grievanceID string, citizenView bool) ([]*grievance.TimelineEvent, error) {
	query := `SELECT id, grievance_id, kind, actor_id, actor_role, description, comment,
		metadata, citizen_visible, created_at
		FROM timeline_events WHERE grievance_id = ?`
	if citizenView {
		query += ` AND citizen_visible = 1`
	}
	query += ` ORDER BY created_at, id`

	var rows []eventRow
	if err := sqlx.SelectContext(ctx, s.ro, &rows, query, grievanceID); err != nil {
		return nil, fmt.Errorf("select timeline: %w", err)
	}
	out := make([]*grievance.TimelineEvent, 0, len(rows))
	for i := range rows {
		e, err := rows[i].event()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ListDepartments returns all departments ordered by ID.
func (s *Store) ListDepartments(ctx context.Context) ([]routing.Department, error) {
	return selectDepartments(ctx, s.ro, `SELECT * FROM departments ORDER BY id`)
}

func selectDepartments(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]routing.Department, error) {
	var rows []departmentRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select departments: %w", err)
	}
	out := make([]routing.Department, 0, len(rows))
	for i := range rows {
		d, err := rows[i].department()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// PutDepartment upserts a department, keeping the load of an existing one.
func (s *Store) PutDepartment(ctx context.Context, d *routing.Department) error {
	cats := d.Categories
	if cats == nil {
		cats = []string{}
	}
	encoded, err := json.Marshal(cats)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	row := departmentRow{
		ID:                 d.ID,
		Name:               d.Name,
		Code:               d.Code,
		Categories:         string(encoded),
		MaxCapacity:        d.MaxCapacity,
		CurrentLoad:        d.CurrentLoad,
		AvgResolutionHours: d.AvgResolutionHours,
	}
	_, err = s.rw.NamedExecContext(ctx, `
		INSERT INTO departments (id, name, code, categories, max_capacity, current_load, avg_resolution_hours)
		VALUES (:id, :name, :code, :categories, :max_capacity, :current_load, :avg_resolution_hours)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			code = excluded.code,
			categories = excluded.categories,
			max_capacity = excluded.max_capacity,
			avg_resolution_hours = excluded.avg_resolution_hours`, row)
	if err != nil {
		return fmt.Errorf("upsert department: %w", err)
	}
	return nil
}

// InTx runs fn inside an immediate transaction.
func (s *Store) InTx(ctx context.Context, fn func(grievance.Tx) error) error {
	sqlTx, err := s.rw.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // rollback after commit is harmless

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type tx struct {
	tx *sqlx.Tx
}

// GetGrievanceForUpdate reads a grievance. The immediate transaction already
// holds the database write lock.
func (t *tx) GetGrievanceForUpdate(ctx context.Context, id string) (*grievance.Grievance, bool, error) {
	return getGrievance(ctx, t.tx, id)
}

func (t *tx) CreateGrievance(ctx context.Context, g *grievance.Grievance) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO grievances (`+grievanceColumns+`)
		VALUES (:id, :submitter_id, :officer_id, :department_id, :title, :description,
			:category, :urgency, :status, :is_duplicate, :duplicate_of_id, :similarity, :confidence,
			:priority, :assigned_at, :resolved_at, :created_at, :updated_at)`, toGrievanceRow(g))
	if err != nil {
		return fmt.Errorf("insert grievance: %w", err)
	}
	return nil
}

func (t *tx) UpdateGrievance(ctx context.Context, g *grievance.Grievance) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE grievances SET
			officer_id = :officer_id,
			department_id = :department_id,
			status = :status,
			assigned_at = :assigned_at,
			resolved_at = :resolved_at,
			updated_at = :updated_at
		WHERE id = :id`, toGrievanceRow(g))
	if err != nil {
		return fmt.Errorf("update grievance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("grievance %s does not exist", g.ID)
	}
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, e *grievance.TimelineEvent) error {
	var meta sql.NullString
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	row := eventRow{
		ID:             e.ID,
		GrievanceID:    e.GrievanceID,
		Kind:           string(e.Kind),
		ActorID:        e.ActorID,
		ActorRole:      string(e.ActorRole),
		Description:    e.Description,
		Comment:        e.Comment,
		Metadata:       meta,
		CitizenVisible: e.CitizenVisible,
		CreatedAt:      e.CreatedAt.UnixNano(),
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO timeline_events (id, grievance_id, kind, actor_id, actor_role, description, comment, metadata, citizen_visible, created_at)
		VALUES (:id, :grievance_id, :kind, :actor_id, :actor_role, :description, :comment, :metadata, :citizen_visible, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("insert timeline event: %w", err)
	}
	return nil
}

func (t *tx) AvailableDepartments(ctx context.Context, code string) ([]routing.Department, error) {
	if code == "" {
		return selectDepartments(ctx, t.tx, `SELECT * FROM departments
			WHERE current_load < max_capacity ORDER BY current_load, id`)
	}
	return selectDepartments(ctx, t.tx, `SELECT * FROM departments
		WHERE code = ? AND current_load < max_capacity ORDER BY current_load, id`, code)
}

func (t *tx) ReserveSlot(ctx context.Context, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE departments SET current_load = current_load + 1
		WHERE id = ? AND current_load < max_capacity`, id)
	if err != nil {
		return false, fmt.Errorf("reserve slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve slot: %w", err)
	}
	return n == 1, nil
}
