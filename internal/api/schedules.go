package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"blogflow/internal/domain"
	"blogflow/internal/scheduler"
	"blogflow/internal/validation"
)

type scheduleReq struct {
	Name       string          `json:"name" validate:"max=128"`
	CronExpr   string          `json:"cron_expr"`
	JobType    domain.JobType  `json:"job_type" validate:"omitempty,oneof=generate-post publish-post send-digest"`
	Payload    json.RawMessage `json:"payload"`
	Priority   domain.Priority `json:"priority" validate:"omitempty,oneof=critical high normal low"`
	MaxRetries *int            `json:"max_retries" validate:"omitempty,min=0,max=25"`
	Tags       []string        `json:"tags" validate:"max=20,dive,required,max=64"`
	Enabled    *bool           `json:"enabled"`
}

type createScheduleResp struct {
	ID string `json:"id"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !decode(w, r, &req) {
		return
	}
	switch {
	case req.Name == "":
		writeError(w, validation.Field("name", "required", "name is required"))
		return
	case req.CronExpr == "":
		writeError(w, validation.Field("cron_expr", "required", "cron_expr is required"))
		return
	case req.JobType == "":
		writeError(w, validation.Field("job_type", "required", "job_type is required"))
		return
	}
	if _, ok := decodePayload(w, req.JobType, req.Payload); !ok {
		return
	}
	nextRun, ok := nextRun(w, req.CronExpr)
	if !ok {
		return
	}

	schedule := domain.Schedule{
		Name:       req.Name,
		CronExpr:   req.CronExpr,
		JobType:    req.JobType,
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: 3,
		Tags:       req.Tags,
		Enabled:    true,
		NextRun:    nextRun,
	}
	if schedule.Priority == "" {
		schedule.Priority = domain.PriorityNormal
	}
	if req.MaxRetries != nil {
		schedule.MaxRetries = *req.MaxRetries
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	id, err := s.Schedules.CreateSchedule(r.Context(), schedule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createScheduleResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.Schedules.ListSchedules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

// updateSchedule applies the fields present in the body to the stored schedule.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req scheduleReq
	if !decode(w, r, &req) {
		return
	}

	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		next, ok := nextRun(w, req.CronExpr)
		if !ok {
			return
		}
		schedule.CronExpr = req.CronExpr
		schedule.NextRun = next
	}
	if req.JobType != "" {
		schedule.JobType = req.JobType
	}
	if req.Payload != nil {
		schedule.Payload = req.Payload
	}
	if req.JobType != "" || req.Payload != nil {
		if _, ok := decodePayload(w, schedule.JobType, schedule.Payload); !ok {
			return
		}
	}
	if req.Priority != "" {
		schedule.Priority = req.Priority
	}
	if req.MaxRetries != nil {
		schedule.MaxRetries = *req.MaxRetries
	}
	if req.Tags != nil {
		schedule.Tags = req.Tags
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	if err := s.Schedules.UpdateSchedule(r.Context(), schedule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.Schedules.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nextRun(w http.ResponseWriter, expr string) (time.Time, bool) {
	if err := scheduler.ValidateCronExpression(expr); err != nil {
		writeError(w, validation.Field("cron_expr", "cron", "invalid cron expression: "+err.Error()))
		return time.Time{}, false
	}
	next, err := scheduler.NextRunTime(expr, time.Now())
	if err != nil {
		writeError(w, validation.Field("cron_expr", "cron", "failed to calculate next run time: "+err.Error()))
		return time.Time{}, false
	}
	return next, true
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
