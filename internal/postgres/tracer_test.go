package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/go-core/log"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/grievd/internal/grievance/pgstore.(*Store).GetGrievance", "(*Store).GetGrievance"},
		{"closure", "github.com/linnemanlabs/grievd/internal/grievance.(*Service).Submit.func2", "(*Service).Submit.func2"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestReqDBStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &ReqDBStats{}
	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	n, total, errs := s.Snapshot()
	if n != 3 {
		t.Errorf("QueryCount = %d, want 3", n)
	}
	if total != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", total)
	}
	if errs != 1 {
		t.Errorf("ErrorCount = %d, want 1", errs)
	}
}

func TestReqDBStatsContext(t *testing.T) {
	t.Parallel()

	if _, ok := ReqDBStatsFromContext(context.Background()); ok {
		t.Error("expected ok=false for plain context")
	}

	ctx := NewReqDBStatsContext(context.Background())
	got, ok := ReqDBStatsFromContext(ctx)
	if !ok || got == nil {
		t.Fatal("expected stats on context")
	}
	got.AddQuery(time.Millisecond, nil)
	again, _ := ReqDBStatsFromContext(ctx)
	if n, _, _ := again.Snapshot(); n != 1 {
		t.Errorf("QueryCount = %d, want 1 (same pointer)", n)
	}
}

func TestWithHTTPMethod(t *testing.T) {
	t.Parallel()

	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "POST")); got != "POST" {
		t.Errorf("method = %q, want POST", got)
	}
	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "")); got != "" {
		t.Errorf("method = %q, want empty", got)
	}
}

type observed struct {
	method, route, outcome string
	dur                    time.Duration
}

type recordingObserver struct {
	mu  sync.Mutex
	got []observed
}

func (r *recordingObserver) ObserveQuery(_ context.Context, method, route, outcome string, dur time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, observed{method, route, outcome, dur})
}

type fakeInner struct {
	starts, ends int
}

func (f *fakeInner) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	f.starts++
	return ctx
}

func (f *fakeInner) TraceQueryEnd(_ context.Context, _ *pgx.Conn, _ pgx.TraceQueryEndData) {
	f.ends++
}

func TestQueryTracer(t *testing.T) {
	// Not parallel: swaps the global query observer.
	obs := &recordingObserver{}
	SetQueryObserver(obs)
	defer SetQueryObserver(nil)

	inner := &fakeInner{}
	tr := &queryTracer{inner: inner, logArgs: true}

	rctx := chi.NewRouteContext()
	rctx.RoutePatterns = []string{"/api/v1/grievances/{id}"}
	ctx := context.WithValue(context.Background(), chi.RouteCtxKey, rctx)
	ctx = WithHTTPMethod(ctx, "PATCH")
	ctx = NewReqDBStatsContext(ctx)
	ctx = log.WithContext(ctx, log.Nop())

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "UPDATE grievances SET status = $1", Args: []any{"resolved"}})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: &pgconn.PgError{Code: "40001"}})

	if inner.starts != 2 || inner.ends != 2 {
		t.Errorf("inner calls = %d/%d, want 2/2", inner.starts, inner.ends)
	}

	stats, _ := ReqDBStatsFromContext(ctx)
	if n, _, errs := stats.Snapshot(); n != 2 || errs != 1 {
		t.Errorf("stats = %d queries, %d errors; want 2, 1", n, errs)
	}

	if len(obs.got) != 2 {
		t.Fatalf("observed %d queries, want 2", len(obs.got))
	}
	first, second := obs.got[0], obs.got[1]
	if first.method != "PATCH" || first.route != "/api/v1/grievances/{id}" || first.outcome != "ok" {
		t.Errorf("first = %+v", first)
	}
	if second.outcome != "error" {
		t.Errorf("second outcome = %q, want error", second.outcome)
	}
}

func TestQueryTracer_UnlabelledContext(t *testing.T) {
	// Not parallel: swaps the global query observer.
	obs := &recordingObserver{}
	SetQueryObserver(obs)
	defer SetQueryObserver(nil)

	tr := &queryTracer{slow: time.Hour}
	ctx := log.WithContext(context.Background(), log.Nop())
	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{})

	if len(obs.got) != 1 {
		t.Fatalf("observed %d queries, want 1", len(obs.got))
	}
	if obs.got[0].method != "UNKNOWN" || obs.got[0].route != "unknown" {
		t.Errorf("labels = %+v", obs.got[0])
	}

	// end without a matching start is ignored
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})
	if len(obs.got) != 1 {
		t.Errorf("observed %d queries after stray end, want 1", len(obs.got))
	}
}

func TestSetQueryObserver(t *testing.T) {
	// Not parallel: swaps the global query observer.
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	}))
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "GET", "/test", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if got := getQueryObserver(); got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

func TestNewPool_BadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewPool(context.Background(), PoolConfig{URL: "postgres://%zz"}); err == nil {
		t.Fatal("expected parse error")
	}
}
