package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// storePackage is skipped when looking for the frame that drove a query.
const storePackage = "github.com/linnemanlabs/grievd/internal/grievance/pgstore."

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

// QueryObserver receives per-query timings, labelled by the HTTP method and
// chi route that issued them.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver sets the process-wide query observer. Nil disables it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

type ctxKey string

const (
	ctxKeyQuery      ctxKey = "pgx.query"
	ctxKeyHTTPMethod ctxKey = "http.method"
)

// queryInfo is carried from TraceQueryStart to TraceQueryEnd.
type queryInfo struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

// WithHTTPMethod stores the HTTP method in the context for query metric labels.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyHTTPMethod, method)
}

func httpMethodFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyHTTPMethod).(string); ok {
		return v
	}
	return ""
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

type dbStatsKey struct{}

// ReqDBStats accumulates database statistics for one request.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns the counters under the lock.
func (s *ReqDBStats) Snapshot() (queries int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// NewReqDBStatsContext returns a context carrying an empty ReqDBStats.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext returns the request's ReqDBStats, if any.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

// queryTracer wraps another pgx.QueryTracer (otelpgx in production) with
// structured query logs, per-request stats and the query observer.
type queryTracer struct {
	inner pgx.QueryTracer

	// slow is the duration from which successful queries are logged.
	// Zero logs every query.
	slow time.Duration

	// logArgs includes bind arguments in query logs.
	logArgs bool
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &queryInfo{sql: data.SQL, start: time.Now()}
	if t.logArgs {
		q.args = data.Args
	}
	q.caller, q.handler = findDBCallerAndHandler()

	// inner tracer opens the span first
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, ctxKeyQuery, q)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if q.caller != "" {
			span.SetAttributes(attribute.String("db.caller", q.caller))
		}
		if q.handler != "" {
			span.SetAttributes(attribute.String("db.handler", q.handler))
		}
	}
	return ctx
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, _ := ctx.Value(ctxKeyQuery).(*queryInfo)
	if q == nil {
		return
	}
	dur := time.Since(q.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, labelOr(httpMethodFromContext(ctx), "UNKNOWN"), labelOr(routePatternFromContext(ctx), "unknown"), outcome(data.Err), dur)
	}

	if data.Err == nil && t.slow > 0 && dur < t.slow {
		return
	}

	fields := []any{
		"db.statement", q.sql,
		"db.duration", dur.Seconds(),
	}
	if q.args != nil {
		fields = append(fields, "db.args", q.args)
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", strings.ToUpper(op))
		}
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if q.caller != "" {
		fields = append(fields, "db.caller", q.caller)
	}
	if q.handler != "" {
		fields = append(fields, "db.handler", q.handler)
	}

	L := log.FromContext(ctx)
	switch {
	case data.Err != nil:
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
	case t.slow > 0:
		L.Warn(ctx, "slow db query", fields...)
	default:
		L.Info(ctx, "db query", fields...)
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// findDBCallerAndHandler walks the stack for the store method issuing the
// query (caller) and the first frame above the store (handler), typically
// a grievance.Service method.
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "":
		case strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "queryTracer.TraceQuery"):
		case caller == "":
			caller = shortenFuncName(fn)
		case !strings.HasPrefix(fn, storePackage):
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

// shortenFuncName drops the package path, keeping receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
