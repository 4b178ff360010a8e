// Package grievanceapi exposes the grievance Service over HTTP.
package grievanceapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/grievd/internal/authmw"
	"github.com/linnemanlabs/grievd/internal/grievance"
	"github.com/linnemanlabs/grievd/internal/postgres"
	"github.com/linnemanlabs/grievd/internal/routing"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// GrievanceService defines the business operations grievanceapi needs.
type GrievanceService interface {
	Submit(ctx context.Context, actor grievance.Actor, req grievance.SubmitRequest) (*grievance.SubmitResult, error)
	Get(ctx context.Context, actor grievance.Actor, id string) (*grievance.Grievance, error)
	List(ctx context.Context, actor grievance.Actor, req grievance.ListRequest) (*grievance.ListResult, error)
	Assign(ctx context.Context, actor grievance.Actor, id, officerID string) (*grievance.Grievance, error)
	Transition(ctx context.Context, actor grievance.Actor, id string, req grievance.TransitionRequest) (*grievance.Grievance, error)
	AddComment(ctx context.Context, actor grievance.Actor, id string, req grievance.CommentRequest) (*grievance.TimelineEvent, error)
	AddAttachment(ctx context.Context, actor grievance.Actor, id string, a grievance.Attachment) (*grievance.TimelineEvent, error)
	Timeline(ctx context.Context, actor grievance.Actor, id string) ([]*grievance.TimelineEvent, error)
	EscalationCheck(ctx context.Context, actor grievance.Actor, id string) (*grievance.Escalation, error)
	Escalate(ctx context.Context, actor grievance.Actor, id, reason string) (*grievance.TimelineEvent, error)
	Departments(ctx context.Context) ([]routing.Department, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    GrievanceService
}

// New creates a new API handler.
func New(logger log.Logger, svc GrievanceService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("grievance service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router. Every route requires
// an actor; authentication of the caller itself is left to outer middleware.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(dbStats)
		r.Use(authmw.Actor())

		r.Route("/grievances", func(r chi.Router) {
			r.Post("/", a.handleSubmit)
			r.Get("/", a.handleList)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGet)
				r.Patch("/status", a.handleTransition)
				r.Post("/assign", a.handleAssign)
				r.Get("/timeline", a.handleTimeline)
				r.Post("/comments", a.handleComment)
				r.Post("/attachments", a.handleAttachment)
				r.Get("/escalation", a.handleEscalationCheck)
				r.Post("/escalation", a.handleEscalate)
			})
		})
		r.Get("/departments", a.handleDepartments)
	})
}

// dbStats labels database work with the request method and records the
// request's query totals on its span.
func dbStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := postgres.WithHTTPMethod(r.Context(), r.Method)
		ctx = postgres.NewReqDBStatsContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))

		if s, ok := postgres.ReqDBStatsFromContext(ctx); ok {
			n, total, errs := s.Snapshot()
			if n > 0 {
				trace.SpanFromContext(ctx).SetAttributes(
					attribute.Int("db.query_count", n),
					attribute.Float64("db.total_duration_seconds", total.Seconds()),
					attribute.Int("db.error_count", errs),
				)
			}
		}
	})
}

func actorFrom(w http.ResponseWriter, r *http.Request) (grievance.Actor, bool) {
	actor, ok := authmw.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
		return grievance.Actor{}, false
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("grievd.actor.id", actor.ID),
		attribute.String("grievd.actor.role", string(actor.Role)),
	)
	return actor, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// fail maps a service error to its HTTP status. Unclassified errors are
// logged and reported as internal errors.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, grievance.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, grievance.Reason(err))
	case errors.Is(err, grievance.ErrPermission):
		writeError(w, http.StatusForbidden, grievance.Reason(err))
	case errors.Is(err, grievance.ErrNotFound):
		writeError(w, http.StatusNotFound, grievance.Reason(err))
	case errors.Is(err, routing.ErrNoCapacity):
		writeError(w, http.StatusServiceUnavailable, "no department capacity available")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
