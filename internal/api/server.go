package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"blogflow/internal/domain"
	"blogflow/internal/health"
	"blogflow/internal/metrics"
	"blogflow/internal/queue"
	"blogflow/internal/retry"
	"blogflow/internal/storage"
	"blogflow/internal/validation"
)

type Deps struct {
	Store     *queue.Store
	Retries   *retry.Controller
	Metrics   *metrics.Aggregator
	Health    *health.Reporter
	Schedules storage.ScheduleRepository
	Archive   storage.Archive
	Debug     bool
}

type Server struct {
	r *chi.Mux
	Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, Deps: d}

	r.Get("/health", s.liveness)

	r.Get("/automation/health", s.automationHealth)
	r.Head("/automation/health", s.automationHealthHead)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/metrics", s.jobMetrics)
		r.Post("/retry", s.retryJobs)
		r.Get("/retry", s.retryInfo)

		r.Post("/", s.enqueue)
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Post("/{id}/cancel", s.cancelJob)
		r.Post("/{id}/pause", s.pauseJob)
		r.Post("/{id}/resume", s.resumeJob)
	})

	if d.Schedules != nil {
		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
	}
	if d.Archive != nil {
		r.Get("/archive", s.listArchive)
	}

	// Debug routes (pprof)
	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func healthCode(st domain.HealthStatus) int {
	if st == domain.HealthUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (s *Server) automationHealth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeJobs, err := queryBool(q.Get("includeJobs"), "includeJobs")
	if err != nil {
		writeError(w, err)
		return
	}
	includeMetrics, err := queryBool(q.Get("includeMetrics"), "includeMetrics")
	if err != nil {
		writeError(w, err)
		return
	}
	rep := s.Health.Report(r.Context(), health.Options{IncludeJobs: includeJobs, IncludeMetrics: includeMetrics})
	writeJSON(w, healthCode(rep.Status), rep)
}

func (s *Server) automationHealthHead(w http.ResponseWriter, r *http.Request) {
	status, issues := s.Health.Summary(r.Context())
	w.Header().Set("X-Health-Status", string(status))
	w.Header().Set("X-Health-Issues", strconv.Itoa(issues))
	w.WriteHeader(healthCode(status))
}

func (s *Server) jobMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	timeRange := q.Get("timeRange")
	if _, err := metrics.ParseRange(timeRange); err != nil {
		writeError(w, validation.Field("timeRange", "oneof", "timeRange must be one of 1h, 24h, 7d, 30d"))
		return
	}
	var types []domain.JobType
	for _, t := range splitCSV(q.Get("jobTypes")) {
		jt := domain.JobType(t)
		if !jt.Valid() {
			writeError(w, validation.Field("jobTypes", "oneof", "unknown job type "+strconv.Quote(t)))
			return
		}
		types = append(types, jt)
	}
	histogram, err := queryBool(q.Get("includeHistogram"), "includeHistogram")
	if err != nil {
		writeError(w, err)
		return
	}
	rep, err := s.Metrics.Compute(metrics.Query{TimeRange: timeRange, JobTypes: types, IncludeHistogram: histogram})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type retryReq struct {
	Type    string          `json:"type" validate:"required,oneof=single bulk"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

func (s *Server) retryJobs(w http.ResponseWriter, r *http.Request) {
	var req retryReq
	if !decode(w, r, &req) {
		return
	}
	switch req.Type {
	case "single":
		var single retry.SingleRequest
		if err := json.Unmarshal(req.Payload, &single); err != nil {
			writeError(w, validation.Field("payload", "json", "invalid single retry payload: "+err.Error()))
			return
		}
		res, err := s.Retries.Retry(single)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"type": "single", "result": res})
	case "bulk":
		var bulk retry.BulkRequest
		if err := json.Unmarshal(req.Payload, &bulk); err != nil {
			writeError(w, validation.Field("payload", "json", "invalid bulk retry payload: "+err.Error()))
			return
		}
		res, err := s.Retries.BulkRetry(bulk)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"type": "bulk", "result": res})
	}
}

func (s *Server) retryInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("jobId")
	if id == "" {
		writeJSON(w, http.StatusOK, s.Retries.Stats())
		return
	}
	el, err := s.Retries.Eligibility(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, el)
}

type enqueueReq struct {
	Type       domain.JobType  `json:"type" validate:"required,oneof=generate-post publish-post send-digest"`
	Payload    json.RawMessage `json:"payload"`
	Priority   domain.Priority `json:"priority" validate:"omitempty,oneof=critical high normal low"`
	Delay      int64           `json:"delay" validate:"min=0,max=2592000000"`
	MaxRetries *int            `json:"maxRetries" validate:"omitempty,min=0,max=25"`
	Tags       []string        `json:"tags" validate:"max=20,dive,required,max=64"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if !decode(w, r, &req) {
		return
	}
	payload, ok := decodePayload(w, req.Type, req.Payload)
	if !ok {
		return
	}
	id, err := s.Store.Enqueue(r.Context(), queue.EnqueueRequest{
		Payload:    payload,
		Priority:   req.Priority,
		Delay:      msDuration(req.Delay),
		MaxRetries: req.MaxRetries,
		Tags:       req.Tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, validation.Field("limit", "range", "limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	now := s.Store.Now()
	jobs := s.Store.Recent(limit)
	views := make([]domain.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View(now))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.Store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Store.Cancel)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Store.Pause)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Store.Resume)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(string) (domain.Job, error)) {
	j, err := fn(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j.View(s.Store.Now()))
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, validation.Field("limit", "range", "limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	jobs, err := s.Archive.ListArchived(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// decode reads a JSON body and validates it, writing the error response itself.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, validation.Field("body", "json", "invalid JSON body: "+err.Error()))
		return false
	}
	if err := validation.Struct(v); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func decodePayload(w http.ResponseWriter, t domain.JobType, raw json.RawMessage) (domain.Payload, bool) {
	payload, err := domain.DecodePayload(t, raw)
	if err != nil {
		writeError(w, validation.Field("payload", "json", err.Error()))
		return nil, false
	}
	if err := validation.Struct(payload); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			for i := range verr.Fields {
				verr.Fields[i].Field = "payload." + verr.Fields[i].Field
			}
		}
		writeError(w, err)
		return nil, false
	}
	return payload, true
}

type errorResp struct {
	Error  string                  `json:"error"`
	Fields []validation.FieldError `json:"fields,omitempty"`
	Status domain.Status           `json:"status,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var (
		verr  *validation.Error
		nf    *retry.NotFoundError
		state *retry.InvalidStateError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "validation failed", Fields: verr.Fields})
	case errors.As(err, &nf), errors.Is(err, queue.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.As(err, &state):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error(), Status: state.Status})
	case errors.Is(err, queue.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func queryBool(v, field string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, validation.Field(field, "boolean", field+" must be true or false")
	}
	return b, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
