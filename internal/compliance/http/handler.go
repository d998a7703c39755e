// Package compliancehttp exposes the engine's lifecycle entry points and
// the progress snapshot read over HTTP.
package compliancehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/interntrack/interntrack/internal/compliance"
	"github.com/interntrack/interntrack/internal/platform/httpx"
	"github.com/interntrack/interntrack/internal/shared"
)

// Service exposes the engine operations required by the handler.
type Service interface {
	RegisterPeriod(ctx context.Context, in compliance.RegisterPeriodInput) (compliance.Period, error)
	GetPeriod(ctx context.Context, id uuid.UUID) (compliance.Period, error)
	ListPeriods(ctx context.Context, page, perPage int) ([]compliance.Period, shared.Pagination, error)
	UpdateDates(ctx context.Context, id uuid.UUID, in compliance.UpdateDatesInput) (compliance.Period, error)
	DatesChanged(ctx context.Context, id uuid.UUID) error
	ReportSubmitted(ctx context.Context, periodID uuid.UUID, eventID string) error
	ReportWithdrawn(ctx context.Context, periodID uuid.UUID, eventID string) error
	VisitCompleted(ctx context.Context, periodID uuid.UUID, eventID string) error
	VisitCancelled(ctx context.Context, periodID uuid.UUID, eventID string) error
	Retire(ctx context.Context, periodID uuid.UUID) error
	Progress(ctx context.Context, periodID uuid.UUID, now time.Time) (compliance.ProgressSnapshot, error)
}

// Handler serves the compliance engine API.
type Handler struct {
	logger   *slog.Logger
	service  Service
	validate *validator.Validate
	group    singleflight.Group
	now      func() time.Time
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
		now:      time.Now,
	}
}

const dateLayout = "2006-01-02"

type registerPeriodRequest struct {
	ID                   string  `json:"id" validate:"omitempty,uuid"`
	StudentName          string  `json:"student_name" validate:"required,max=200"`
	InstitutionName      string  `json:"institution_name" validate:"required,max=200"`
	StartDate            *string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate              *string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	ActualJoinDate       *string `json:"actual_join_date" validate:"omitempty,datetime=2006-01-02"`
	ActualCompletionDate *string `json:"actual_completion_date" validate:"omitempty,datetime=2006-01-02"`
}

type updateDatesRequest struct {
	StartDate            *string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate              *string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	ActualJoinDate       *string `json:"actual_join_date" validate:"omitempty,datetime=2006-01-02"`
	ActualCompletionDate *string `json:"actual_completion_date" validate:"omitempty,datetime=2006-01-02"`
}

type eventRequest struct {
	EventID string `json:"event_id" validate:"omitempty,max=128"`
}

type periodResponse struct {
	ID                    uuid.UUID  `json:"id"`
	StudentName           string     `json:"student_name"`
	InstitutionName       string     `json:"institution_name"`
	StartDate             *string    `json:"start_date"`
	EndDate               *string    `json:"end_date"`
	ActualJoinDate        *string    `json:"actual_join_date"`
	ActualCompletionDate  *string    `json:"actual_completion_date"`
	TotalExpectedReports  int        `json:"total_expected_reports"`
	TotalExpectedVisits   int        `json:"total_expected_visits"`
	SubmittedReportsCount int        `json:"submitted_reports_count"`
	CompletedVisitsCount  int        `json:"completed_visits_count"`
	ExpectedCalculatedAt  *time.Time `json:"expected_calculated_at"`
	RetiredAt             *time.Time `json:"retired_at"`
}

func (h *Handler) registerPeriod(w http.ResponseWriter, r *http.Request) {
	var req registerPeriodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	in := compliance.RegisterPeriodInput{
		StudentName:     req.StudentName,
		InstitutionName: req.InstitutionName,
	}
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a UUID")
			return
		}
		in.ID = id
	}
	in.StartDate = parseDate(req.StartDate)
	in.EndDate = parseDate(req.EndDate)
	in.ActualJoinDate = parseDate(req.ActualJoinDate)
	in.ActualCompletionDate = parseDate(req.ActualCompletionDate)

	p, err := h.service.RegisterPeriod(r.Context(), in)
	if err != nil {
		h.respondDomainError(w, "register period", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPeriodResponse(p))
}

type listPeriodsResponse struct {
	Periods    []periodResponse  `json:"periods"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 20)

	periods, pagination, err := h.service.ListPeriods(r.Context(), page, perPage)
	if err != nil {
		h.respondDomainError(w, "list periods", err)
		return
	}
	resp := listPeriodsResponse{Periods: make([]periodResponse, 0, len(periods)), Pagination: pagination}
	for _, p := range periods {
		resp.Periods = append(resp.Periods, toPeriodResponse(p))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func (h *Handler) getPeriod(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetPeriod(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, "get period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(p))
}

func (h *Handler) updateDates(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	var req updateDatesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := compliance.UpdateDatesInput{
		StartDate:            parseDate(req.StartDate),
		EndDate:              parseDate(req.EndDate),
		ActualJoinDate:       parseDate(req.ActualJoinDate),
		ActualCompletionDate: parseDate(req.ActualCompletionDate),
	}
	p, err := h.service.UpdateDates(r.Context(), id, in)
	if err != nil {
		h.respondDomainError(w, "update dates", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(p))
}

func (h *Handler) datesChanged(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	if err := h.service.DatesChanged(r.Context(), id); err != nil {
		h.respondDomainError(w, "dates changed", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type eventFunc func(ctx context.Context, periodID uuid.UUID, eventID string) error

func (h *Handler) event(name string, fn eventFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.periodID(w, r)
		if !ok {
			return
		}
		var req eventRequest
		if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
			return
		}
		if err := h.validate.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		if err := fn(r.Context(), id, req.EventID); err != nil {
			h.respondDomainError(w, name, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) retire(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	if err := h.service.Retire(r.Context(), id); err != nil {
		h.respondDomainError(w, "retire period", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	now := h.now().UTC()
	key := id.String() + ":" + now.Format(dateLayout)
	result, err, _ := h.group.Do(key, func() (interface{}, error) {
		return h.service.Progress(r.Context(), id, now)
	})
	if err != nil {
		h.respondDomainError(w, "progress snapshot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) periodID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "periodID")
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "period id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, compliance.ErrPeriodNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, compliance.ErrInvalidDateRange):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnprocessable, err))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseDate(raw *string) *time.Time {
	if raw == nil || *raw == "" {
		return nil
	}
	t, err := time.ParseInLocation(dateLayout, *raw, time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

func toPeriodResponse(p compliance.Period) periodResponse {
	return periodResponse{
		ID:                    p.ID,
		StudentName:           p.StudentName,
		InstitutionName:       p.InstitutionName,
		StartDate:             formatDate(p.StartDate),
		EndDate:               formatDate(p.EndDate),
		ActualJoinDate:        formatDate(p.ActualJoinDate),
		ActualCompletionDate:  formatDate(p.ActualCompletionDate),
		TotalExpectedReports:  p.TotalExpectedReports,
		TotalExpectedVisits:   p.TotalExpectedVisits,
		SubmittedReportsCount: p.SubmittedReportsCount,
		CompletedVisitsCount:  p.CompletedVisitsCount,
		ExpectedCalculatedAt:  p.ExpectedCalculatedAt,
		RetiredAt:             p.RetiredAt,
	}
}
