package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/agent-bletchley/bletchley/config"
	"github.com/agent-bletchley/bletchley/internal/broadcast"
	"github.com/agent-bletchley/bletchley/internal/orchestrator"
	"github.com/agent-bletchley/bletchley/internal/research"
	"github.com/agent-bletchley/bletchley/internal/store/memory"
)

type fakeRunner struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
	active    map[string]bool
	startErr  error
}

func (f *fakeRunner) StartJob(_ context.Context, jobID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, jobID)
	return nil
}

func (f *fakeRunner) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeRunner) Active(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[jobID]
}

func (f *fakeRunner) ActiveJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, ok := range f.active {
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

type eventLog struct {
	mu     sync.Mutex
	events []research.Event
}

func (l *eventLog) Send(ev research.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) snapshot() []research.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]research.Event(nil), l.events...)
}

type testAPI struct {
	e      *echo.Echo
	store  *memory.Store
	runner *fakeRunner
	events *broadcast.Manager
}

func newTestAPI(t *testing.T, secret string) *testAPI {
	t.Helper()
	api := &testAPI{
		store:  memory.New(),
		runner: &fakeRunner{active: map[string]bool{}},
		events: broadcast.NewManager(),
	}
	api.e = NewRouter(Deps{
		Server:  config.ServerConfig{JWTSecret: secret}.Normalize(),
		Store:   api.store,
		Runner:  api.runner,
		Events:  api.events,
		Metrics: http.NotFoundHandler(),
		Logger:  zaptest.NewLogger(t),
	})
	return api
}

func (a *testAPI) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (a *testAPI) seed(t *testing.T, query string) string {
	t.Helper()
	id, err := a.store.CreateJob(context.Background(), query, nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return id
}

func TestRootAndHealth(t *testing.T) {
	api := newTestAPI(t, "")

	rec := api.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || decode[map[string]string](t, rec)["message"] != "Hello Agent Bletchley" {
		t.Fatalf("unexpected root response %d %s", rec.Code, rec.Body.String())
	}
	rec = api.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || decode[map[string]string](t, rec)["status"] != "healthy" {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJobRequiresQuery(t *testing.T) {
	api := newTestAPI(t, "")

	for _, body := range []string{`{"query":"   "}`, `{}`} {
		rec := api.do(t, http.MethodPost, "/api/research/jobs", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400 got %d", body, rec.Code)
		}
		if got := decode[map[string]string](t, rec)["error"]; got != "query is required" {
			t.Fatalf("unexpected error message %q", got)
		}
	}
	if jobs, _ := api.store.ListJobs(context.Background(), 0, 10); len(jobs) != 0 {
		t.Fatalf("no job should be created, got %d", len(jobs))
	}
}

func TestCreateJobStartsLoop(t *testing.T) {
	api := newTestAPI(t, "")

	rec := api.do(t, http.MethodPost, "/api/research/jobs", `{"query":"Acme Corp due diligence","context":{"ticker":"ACME"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	job := decode[research.Job](t, rec)
	if job.ID == "" || job.Query != "Acme Corp due diligence" || job.Status != research.StatusPending {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Progress != nil {
		t.Fatalf("pending job should have no progress, got %v", *job.Progress)
	}
	if job.Context["ticker"] != "ACME" {
		t.Fatalf("context not stored: %+v", job.Context)
	}
	if len(api.runner.started) != 1 || api.runner.started[0] != job.ID {
		t.Fatalf("loop not started for %s: %v", job.ID, api.runner.started)
	}
}

func TestCreateJobWhileShuttingDown(t *testing.T) {
	api := newTestAPI(t, "")
	api.runner.startErr = orchestrator.ErrShuttingDown

	rec := api.do(t, http.MethodPost, "/api/research/jobs", `{"query":"q"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	jobs, _ := api.store.ListJobs(context.Background(), 0, 10)
	if len(jobs) != 1 || jobs[0].Status != research.StatusFailed {
		t.Fatalf("job should be failed, got %+v", jobs)
	}
}

func TestListJobsPaging(t *testing.T) {
	api := newTestAPI(t, "")
	for _, q := range []string{"a", "b", "c"} {
		api.seed(t, q)
	}

	rec := api.do(t, http.MethodGet, "/api/research/jobs?skip=1&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if jobs := decode[[]research.Job](t, rec); len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}

	for _, q := range []string{"skip=-1", "limit=0", "limit=abc"} {
		rec := api.do(t, http.MethodGet, "/api/research/jobs?"+q, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", q, rec.Code)
		}
	}
}

func TestGetJob(t *testing.T) {
	api := newTestAPI(t, "")
	ctx := context.Background()
	id := api.seed(t, "q")
	if _, err := api.store.AddIteration(ctx, id, 1, "web_search", json.RawMessage(`{"query":"q"}`)); err != nil {
		t.Fatalf("AddIteration: %v", err)
	}
	if _, err := api.store.UpsertSource(ctx, research.SourceInput{JobID: id, URL: "https://a.com", Title: research.Ptr("A")}); err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}

	rec := api.do(t, http.MethodGet, "/api/research/jobs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	job := decode[research.Job](t, rec)
	if len(job.Iterations) != 1 || job.Iterations[0].Action != "web_search" {
		t.Fatalf("iterations missing: %+v", job.Iterations)
	}
	if len(job.Sources) != 1 || job.Sources[0].URL != "https://a.com" {
		t.Fatalf("sources missing: %+v", job.Sources)
	}

	rec = api.do(t, http.MethodGet, "/api/research/jobs/00000000-0000-0000-0000-000000000000", "")
	if rec.Code != http.StatusNotFound || decode[map[string]string](t, rec)["error"] != "Job not found" {
		t.Fatalf("expected 404 Job not found, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCancelPendingJobWithoutLoop(t *testing.T) {
	api := newTestAPI(t, "")
	id := api.seed(t, "q")
	sub := &eventLog{}
	api.events.Subscribe(sub, id)

	rec := api.do(t, http.MethodPost, "/api/research/jobs/"+id+"/cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	if decode[map[string]string](t, rec)["message"] != "Cancellation requested" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	job, _, _ := api.store.GetJob(context.Background(), id)
	if job.Status != research.StatusCancelled || job.Progress != nil {
		t.Fatalf("expected cancelled job without progress, got %+v", job)
	}
	evs := sub.snapshot()
	if len(evs) != 1 || evs[0].Type != research.EventStatus {
		t.Fatalf("expected one status event, got %+v", evs)
	}
	if data := evs[0].Data.(research.StatusData); data.Status != research.StatusCancelled {
		t.Fatalf("unexpected status event %+v", data)
	}

	rec = api.do(t, http.MethodPost, "/api/research/jobs/"+id+"/cancel", "")
	if rec.Code != http.StatusConflict || decode[map[string]string](t, rec)["error"] != "job already cancelled" {
		t.Fatalf("expected 409, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCancelRunningJobDefersToLoop(t *testing.T) {
	api := newTestAPI(t, "")
	ctx := context.Background()
	id := api.seed(t, "q")
	if err := api.store.UpdateJobStatus(ctx, id, research.StatusRunning, research.Ptr(10.0)); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	api.runner.active[id] = true

	rec := api.do(t, http.MethodPost, "/api/research/jobs/"+id+"/cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rec.Code)
	}
	if len(api.runner.cancelled) != 1 || api.runner.cancelled[0] != id {
		t.Fatalf("runner not asked to cancel: %v", api.runner.cancelled)
	}
	job, _, _ := api.store.GetJob(ctx, id)
	if job.Status != research.StatusRunning {
		t.Fatalf("the loop owns the transition, got %s", job.Status)
	}
}

func TestDeleteJob(t *testing.T) {
	api := newTestAPI(t, "")
	id := api.seed(t, "q")

	rec := api.do(t, http.MethodDelete, "/api/research/jobs/"+id, "")
	if rec.Code != http.StatusOK || decode[map[string]string](t, rec)["message"] != "Job deleted" {
		t.Fatalf("unexpected delete response %d %s", rec.Code, rec.Body.String())
	}
	if len(api.runner.cancelled) != 1 {
		t.Fatalf("non-terminal job should be cancelled before delete")
	}
	if _, ok, _ := api.store.GetJob(context.Background(), id); ok {
		t.Fatalf("job still present")
	}
	rec = api.do(t, http.MethodDelete, "/api/research/jobs/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestSearchSourcesEndpoint(t *testing.T) {
	api := newTestAPI(t, "")
	ctx := context.Background()
	id := api.seed(t, "q")
	for _, s := range []research.SourceInput{
		{JobID: id, URL: "https://a.com/filing", Title: research.Ptr("Acme annual filing"), Snippet: research.Ptr("Revenue grew on litigation settlement")},
		{JobID: id, URL: "https://b.com/recipes", Title: research.Ptr("Pasta recipes"), Snippet: research.Ptr("Boil water and salt it")},
	} {
		if _, err := api.store.UpsertSource(ctx, s); err != nil {
			t.Fatalf("UpsertSource: %v", err)
		}
	}

	rec := api.do(t, http.MethodGet, "/api/research/jobs/"+id+"/sources/search?q=litigation", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		Query string      `json:"query"`
		Hits  []SourceHit `json:"hits"`
	}](t, rec)
	if resp.Query != "litigation" || len(resp.Hits) != 1 || resp.Hits[0].URL != "https://a.com/filing" || resp.Hits[0].Rank != 1 {
		t.Fatalf("unexpected hits %+v", resp)
	}

	rec = api.do(t, http.MethodGet, "/api/research/jobs/"+id+"/sources/search", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q should be rejected, got %d", rec.Code)
	}
}

func TestSearchSourcesFallsBackToContent(t *testing.T) {
	sources := []research.Source{
		{ID: "1", URL: "https://x.com", Content: research.Ptr("The board approved a buyback of common stock.")},
	}
	hits, err := SearchSources(sources, "buyback", 5)
	if err != nil {
		t.Fatalf("SearchSources: %v", err)
	}
	if len(hits) != 1 || !strings.Contains(hits[0].Snippet, "buyback") || hits[0].Title != "" {
		t.Fatalf("unexpected hits %+v", hits)
	}
	hits, err = SearchSources(nil, "anything", 5)
	if err != nil || hits == nil || len(hits) != 0 {
		t.Fatalf("empty input should yield empty hits, got %v %v", hits, err)
	}
}

func TestOpsStatus(t *testing.T) {
	api := newTestAPI(t, "")
	api.runner.active["b"] = true
	api.runner.active["a"] = true
	api.events.Subscribe(&eventLog{}, "a")

	rec := api.do(t, http.MethodGet, "/api/ops/status", "")
	got := decode[opsStatus](t, rec)
	if len(got.ActiveJobs) != 2 || got.ActiveJobs[0] != "a" || got.SubscribedJobs != 1 {
		t.Fatalf("unexpected ops status %+v", got)
	}
}

func TestAuthGuardsResearchRoutes(t *testing.T) {
	secret := "test-secret"
	api := newTestAPI(t, secret)

	rec := api.do(t, http.MethodGet, "/api/research/jobs", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok, err := SignJWT("analyst-1", []byte(secret), time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/research/jobs", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
	rec = httptest.NewRecorder()
	api.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/api/research/jobs?token="+tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", rec.Code)
	}

	other, _ := SignJWT("analyst-1", []byte("another-secret"), time.Hour)
	rec = api.do(t, http.MethodGet, "/api/research/jobs?token="+other, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign signature accepted: %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rec.Code)
	}
}

func TestAuthMiddlewareStoresSubject(t *testing.T) {
	secret := []byte("s")
	tok, _ := SignJWT("user-9", secret, time.Minute)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: tok})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var subject string
	h := AuthMiddleware(secret)(func(c echo.Context) error {
		subject, _ = SubjectFromContext(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	})
	if err := h(c); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if subject != "user-9" || c.Get("user_id") != "user-9" {
		t.Fatalf("subject not propagated: %q %v", subject, c.Get("user_id"))
	}

	expired, _ := SignJWT("user-9", secret, -time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+expired)
	c = e.NewContext(req, httptest.NewRecorder())
	err := h(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expired token should be rejected, got %v", err)
	}
}

func TestDocsArePublic(t *testing.T) {
	api := newTestAPI(t, "secret")

	rec := api.do(t, http.MethodGet, "/api/openapi.yaml", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/api/research/jobs") {
		t.Fatalf("unexpected openapi response %d", rec.Code)
	}
	rec = api.do(t, http.MethodGet, "/api/docs", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "redoc") {
		t.Fatalf("unexpected docs response %d", rec.Code)
	}
}
