package grievanceapi

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/grievd/internal/grievance"
)

type assignRequest struct {
	OfficerID string `json:"officer_id"`
}

type escalateRequest struct {
	Reason string `json:"reason"`
}

type timelineResponse struct {
	GrievanceID string                     `json:"grievance_id"`
	Events      []*grievance.TimelineEvent `json:"events"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req grievance.SubmitRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := a.svc.Submit(r.Context(), actor, req)
	if err != nil {
		a.fail(w, r, err, "failed to submit grievance", "submitter_id", actor.ID)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("grievd.grievance.id", res.Grievance.ID),
		attribute.String("grievd.department.id", res.Grievance.DepartmentID),
	)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	req := grievance.ListRequest{
		Status:   q.Get("status"),
		Urgency:  q.Get("urgency"),
		Category: q.Get("category"),
	}
	var err error
	if req.Skip, err = intParam(q.Get("skip")); err != nil {
		writeError(w, http.StatusBadRequest, "skip must be an integer")
		return
	}
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	res, err := a.svc.List(r.Context(), actor, req)
	if err != nil {
		a.fail(w, r, err, "failed to list grievances")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.target(w, r)
	if !ok {
		return
	}
	g, err := a.svc.Get(r.Context(), actor, id)
	if err != nil {
		a.fail(w, r, err, "failed to get grievance", "id", id)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("grievd.grievance.status", string(g.Status)))
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.target(w, r)
	if !ok {
		return
	}
	var req grievance.TransitionRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := a.svc.Transition(r.Context(), actor, id, req)
	if err != nil {
		a.fail(w, r, err, "failed to change grievance status", "id", id, "to", req.Status)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.target(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	g, err := a.svc.Assign(r.Context(), actor, id, req.OfficerID)
	if err != nil {
		a.fail(w, r, err, "failed to assign grievance", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.target(w, r)
	if !ok {
		return
	}
	events, err := a.svc.Timeline(r.Context(), actor, id)
	if err != nil {
		a.fail(w, r, err, "failed to read timeline", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, timelineResponse{GrievanceID: id, Events: events})
}

func (a *API) handleComment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.target(w, r)
	if !ok {
		return
	}
	var req grievance.CommentRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := a.svc.AddComment(r.Context(), actor, id, req)
	if err != nil {
		a.fail(w, r, err, "failed to add comment", "id", id)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) handleAttachment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.target(w, r)
	if !ok {
		return
	}
	var req grievance.Attachment
	if !decode(w, r, &req) {
		return
	}
	e, err := a.svc.AddAttachment(r.Context(), actor, id, req)
	if err != nil {
		a.fail(w, r, err, "failed to add attachment", "id", id)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) handleEscalationCheck(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.target(w, r)
	if !ok {
		return
	}
	esc, err := a.svc.EscalationCheck(r.Context(), actor, id)
	if err != nil {
		a.fail(w, r, err, "failed to check escalation", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (a *API) handleEscalate(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.target(w, r)
	if !ok {
		return
	}
	var req escalateRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	e, err := a.svc.Escalate(r.Context(), actor, id, req.Reason)
	if err != nil {
		a.fail(w, r, err, "failed to escalate grievance", "id", id)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) handleDepartments(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorFrom(w, r); !ok {
		return
	}
	deps, err := a.svc.Departments(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to list departments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"departments": deps})
}

// target resolves the actor and the {id} path parameter.
func (a *API) target(w http.ResponseWriter, r *http.Request) (grievance.Actor, string, bool) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return grievance.Actor{}, "", false
	}
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("grievd.grievance.id", id))
	return actor, id, true
}
