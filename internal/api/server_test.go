package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"blogflow/internal/domain"
	"blogflow/internal/health"
	"blogflow/internal/metrics"
	"blogflow/internal/queue"
	"blogflow/internal/retry"
	"blogflow/internal/storage"
)

type testEnv struct {
	h       http.Handler
	store   *queue.Store
	retries *retry.Controller
}

func newTestEnv(t *testing.T, checks ...health.Checker) *testEnv {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := storage.NewSQLite(db)

	store := queue.NewStore()
	retries := retry.NewController(store, retry.Policy{})
	agg := metrics.NewAggregator(store, metrics.DefaultThresholds(), store.Now)
	var automation, system, deps health.Checker
	if len(checks) == 3 {
		automation, system, deps = checks[0], checks[1], checks[2]
	}
	h := NewServer(Deps{
		Store:     store,
		Retries:   retries,
		Metrics:   agg,
		Health:    health.NewReporter(store, agg, automation, system, deps),
		Schedules: repo,
		Archive:   repo,
	})
	return &testEnv{h: h, store: store, retries: retries}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// failedJob enqueues a job with no retries and fails its only attempt.
func (e *testEnv) failedJob(t *testing.T) string {
	t.Helper()
	zero := 0
	id, err := e.store.Enqueue(context.Background(), queue.EnqueueRequest{
		Payload:    domain.PublishPostPayload{PostID: "p1"},
		MaxRetries: &zero,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, lease, err := e.store.Claim(e.store.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := e.retries.HandleFailure(lease, errors.New("HTTP 500: cms down")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	return id
}

func TestEnqueueAndGetJob(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/jobs", `{"type":"generate-post","payload":{"topic":"Go 1.23"},"priority":"high","tags":["weekly"]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	id := decodeBody[enqueueResp](t, rec).ID

	rec = e.do(t, http.MethodGet, "/jobs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decodeBody[map[string]any](t, rec)
	if got["status"] != "waiting" || got["priority"] != "high" || got["type"] != "generate-post" {
		t.Fatalf("unexpected job %v", got)
	}

	rec = e.do(t, http.MethodGet, "/jobs?limit=5", "")
	if views := decodeBody[[]domain.JobView](t, rec); len(views) != 1 || views[0].ID != id {
		t.Fatalf("unexpected list %v", views)
	}

	if rec := e.do(t, http.MethodGet, "/jobs/job_missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEnqueueValidation(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/jobs", `{"type":"generate-post","payload":{"wordCount":5}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeBody[errorResp](t, rec)
	fields := map[string]bool{}
	for _, f := range body.Fields {
		fields[f.Field] = true
	}
	if !fields["payload.topic"] || !fields["payload.wordCount"] {
		t.Fatalf("expected payload field errors, got %+v", body.Fields)
	}

	for _, in := range []string{
		`{"type":"write-novel"}`,
		`{"type":"publish-post","payload":{"postId":"p"},"priority":"urgent"}`,
		`{"type":"publish-post","payload":{"postId":"p"},"delay":-5}`,
		`not json`,
	} {
		if rec := e.do(t, http.MethodPost, "/jobs", in); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", in, rec.Code)
		}
	}
	if e.store.Len() != 0 {
		t.Fatalf("invalid requests must not enqueue, got %d", e.store.Len())
	}
}

func TestJobTransitions(t *testing.T) {
	e := newTestEnv(t)
	id, _ := e.store.Enqueue(context.Background(), queue.EnqueueRequest{Payload: domain.SendDigestPayload{Audience: "internal"}})

	if rec := e.do(t, http.MethodPost, "/jobs/"+id+"/pause", ""); rec.Code != http.StatusOK {
		t.Fatalf("pause: %d %s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodPost, "/jobs/"+id+"/resume", ""); rec.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", rec.Code, rec.Body)
	}
	rec := e.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "")
	if rec.Code != http.StatusOK || decodeBody[domain.JobView](t, rec).Status != domain.StatusCancelled {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodPost, "/jobs/"+id+"/pause", ""); rec.Code != http.StatusConflict {
		t.Fatalf("pausing a cancelled job should conflict, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.failedJob(t)

	rec := e.do(t, http.MethodGet, "/jobs/metrics?timeRange=1h&jobTypes=publish-post&includeHistogram=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	r := decodeBody[metrics.Report](t, rec)
	if r.Period.TotalJobs != 1 || r.Errors.FailedJobs != 1 || len(r.Histogram) == 0 {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.Errors.ByErrorType["HTTP 500"] != 1 {
		t.Fatalf("unexpected error types %v", r.Errors.ByErrorType)
	}

	for _, q := range []string{"timeRange=2w", "jobTypes=novel", "includeHistogram=maybe"} {
		if rec := e.do(t, http.MethodGet, "/jobs/metrics?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestAutomationHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/automation/health?includeJobs=true&includeMetrics=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rep := decodeBody[health.Report](t, rec)
	if rep.Status != domain.HealthHealthy || rep.Metrics == nil {
		t.Fatalf("unexpected report %+v", rep)
	}

	rec = e.do(t, http.MethodHead, "/automation/health", "")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Health-Status") != "healthy" || rec.Header().Get("X-Health-Issues") != "0" {
		t.Fatalf("unexpected HEAD response %d %v", rec.Code, rec.Header())
	}
	if rec.Body.Len() != 0 {
		t.Fatal("HEAD must not carry a body")
	}
}

func TestAutomationHealthUnhealthy(t *testing.T) {
	down := health.CheckerFunc(func(context.Context) health.Component {
		return health.Component{Status: domain.HealthUnhealthy, Issues: []string{"down"}}
	})
	ok := health.CheckerFunc(func(context.Context) health.Component {
		return health.Component{Status: domain.HealthHealthy, Issues: []string{}}
	})
	e := newTestEnv(t, down, ok, down)

	if rec := e.do(t, http.MethodGet, "/automation/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	rec := e.do(t, http.MethodHead, "/automation/health", "")
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("X-Health-Status") != "unhealthy" || rec.Header().Get("X-Health-Issues") != "2" {
		t.Fatalf("unexpected HEAD response %d %v", rec.Code, rec.Header())
	}
}

func TestRetryEndpoints(t *testing.T) {
	e := newTestEnv(t)
	id := e.failedJob(t)

	rec := e.do(t, http.MethodGet, "/jobs/retry?jobId="+id, "")
	if el := decodeBody[retry.Eligibility](t, rec); el.Status != domain.StatusFailed || el.CanRetry {
		t.Fatalf("unexpected eligibility %+v", el)
	}

	rec = e.do(t, http.MethodPost, "/jobs/retry", `{"type":"single","payload":{"jobId":"`+id+`","resetAttempts":true}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("single retry: %d %s", rec.Code, rec.Body)
	}
	if j, _ := e.store.Get(id); j.Status != domain.StatusWaiting || j.Attempts != 0 {
		t.Fatalf("job not reset: %+v", j)
	}

	rec = e.do(t, http.MethodPost, "/jobs/retry", `{"type":"single","payload":{"jobId":"`+id+`"}}`)
	if rec.Code != http.StatusBadRequest || decodeBody[errorResp](t, rec).Status != domain.StatusWaiting {
		t.Fatalf("retrying a waiting job should be 400 with status, got %d %s", rec.Code, rec.Body)
	}

	if rec := e.do(t, http.MethodPost, "/jobs/retry", `{"type":"single","payload":{"jobId":"job_nope"}}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/jobs/retry", `{"type":"bulk","payload":{"maxJobs":2000}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for maxJobs 2000, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/jobs/retry", `{"type":"partial","payload":{}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}

	if _, err := e.store.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	e.failedJob(t)
	e.failedJob(t)
	rec = e.do(t, http.MethodPost, "/jobs/retry", `{"type":"bulk","payload":{"filter":{"status":["failed"]},"maxJobs":1}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk retry: %d %s", rec.Code, rec.Body)
	}
	var bulk struct {
		Type   string           `json:"type"`
		Result retry.BulkResult `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bulk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bulk.Result.TotalEligible != 2 || len(bulk.Result.Retried) != 1 || !bulk.Result.Summary.Truncated {
		t.Fatalf("unexpected bulk result %+v", bulk.Result)
	}

	rec = e.do(t, http.MethodGet, "/jobs/retry", "")
	if st := decodeBody[retry.Stats](t, rec); st.Failed != 1 {
		t.Fatalf("expected 1 failed job left, got %+v", st)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/schedules", `{"name":"weekly digest","cron_expr":"0 9 * * 1","job_type":"send-digest","payload":{"audience":"subscribers"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	id := decodeBody[createScheduleResp](t, rec).ID

	rec = e.do(t, http.MethodPut, "/schedules/"+id, `{"enabled":false,"priority":"low"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body)
	}
	rec = e.do(t, http.MethodGet, "/schedules/"+id, "")
	s := decodeBody[domain.Schedule](t, rec)
	if s.Enabled || s.Priority != domain.PriorityLow || s.Name != "weekly digest" {
		t.Fatalf("update not applied: %+v", s)
	}

	bad := []string{
		`{"name":"x","cron_expr":"every monday","job_type":"send-digest","payload":{"audience":"subscribers"}}`,
		`{"name":"x","cron_expr":"0 9 * * 1","job_type":"send-digest","payload":{"audience":"everyone"}}`,
		`{"cron_expr":"0 9 * * 1","job_type":"send-digest"}`,
	}
	for _, in := range bad {
		if rec := e.do(t, http.MethodPost, "/schedules", in); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", in, rec.Code)
		}
	}

	rec = e.do(t, http.MethodGet, "/schedules", "")
	if list := decodeBody[[]domain.Schedule](t, rec); len(list) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(list))
	}
	if rec := e.do(t, http.MethodDelete, "/schedules/"+id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/schedules/"+id, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestArchiveAndLiveness(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.do(t, http.MethodGet, "/archive", ""); rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty archive, got %d %s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodGet, "/archive?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit 0, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("liveness: %d %s", rec.Code, rec.Body)
	}
}
