package scheduling

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iamgolden55/basebackend-sub001/internal/platform/auth"
	"github.com/iamgolden55/basebackend-sub001/pkg/pagination"
)

var validate = validator.New()

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Ranking exposes scores of colleagues, so patients cannot call it.
	clinical := api.Group("", auth.RequireRole("practitioner", "staff"))
	clinical.POST("/assignments", h.RankCandidates)
	clinical.GET("/practitioners/:id/availability", h.PractitionerAvailability)

	api.POST("/appointments", h.CreateAppointment)
	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments/:id/approve", h.Approve)
	api.POST("/appointments/:id/reject", h.Reject)
	api.POST("/appointments/:id/start", h.Start)
	api.POST("/appointments/:id/complete", h.Complete)
	api.POST("/appointments/:id/cancel", h.Cancel)
	api.POST("/appointments/:id/no-show", h.MarkNoShow)
	api.POST("/appointments/:id/refer", h.Refer)
	api.POST("/appointments/:id/reschedule", h.Reschedule)
	api.POST("/appointments/:id/confirm-reschedule", h.ConfirmReschedule)
}

// -- Request bodies --

type createAppointmentRequest struct {
	PatientID       uuid.UUID       `json:"patient_id"`
	HospitalID      uuid.UUID       `json:"hospital_id" validate:"required"`
	DepartmentID    uuid.UUID       `json:"department_id" validate:"required"`
	PractitionerID  *uuid.UUID      `json:"practitioner_id"`
	StartTime       time.Time       `json:"start_time" validate:"required"`
	DurationMinutes int             `json:"duration_minutes" validate:"gte=0,lte=480"`
	Type            AppointmentType `json:"type" validate:"omitempty,oneof=first_visit follow_up consultation procedure test vaccination therapy"`
	Priority        Priority        `json:"priority" validate:"omitempty,oneof=normal urgent emergency"`
	ChiefComplaint  *string         `json:"chief_complaint"`
	Symptoms        *string         `json:"symptoms"`
	MedicalHistory  *string         `json:"medical_history"`
	Allergies       *string         `json:"allergies"`
	Medications     *string         `json:"medications"`
	Notes           *string         `json:"notes"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type bookingResponse struct {
	Appointment *Appointment `json:"appointment"`
	Candidates  []Candidate  `json:"candidates,omitempty"`
}

type availabilityResponse struct {
	PractitionerID uuid.UUID `json:"practitioner_id"`
	At             time.Time `json:"at"`
	Available      bool      `json:"available"`
	Reason         string    `json:"reason,omitempty"`
	CanAcceptMore  bool      `json:"can_accept_more"`
}

// errorBody is the JSON error payload for rule violations.
type errorBody struct {
	Code    string `json:"code"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

// -- Assignment --

func (h *Handler) RankCandidates(c echo.Context) error {
	var req AssignmentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ranking, err := h.svc.Rank(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ranking)
}

func (h *Handler) PractitionerAvailability(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	at, err := time.Parse(time.RFC3339, c.QueryParam("at"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "at must be an RFC 3339 timestamp")
	}
	emergency := false
	if v := c.QueryParam("emergency"); v != "" {
		if emergency, err = strconv.ParseBool(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid emergency flag")
		}
	}
	av, more, err := h.svc.PractitionerAvailability(c.Request().Context(), id, at, emergency)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, availabilityResponse{
		PractitionerID: id,
		At:             at,
		Available:      av.Available,
		Reason:         av.Reason,
		CanAcceptMore:  more,
	})
}

// -- Appointments --

func (h *Handler) CreateAppointment(c echo.Context) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return err
	}
	var req createAppointmentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if pa, ok := actor.(PatientActor); ok {
		if req.PatientID == uuid.Nil {
			req.PatientID = pa.ID
		}
		if req.PatientID != pa.ID {
			return echo.NewHTTPError(http.StatusForbidden, "patients can only book for themselves")
		}
	}
	if req.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}

	a := &Appointment{
		PatientID:       req.PatientID,
		HospitalID:      req.HospitalID,
		DepartmentID:    req.DepartmentID,
		PractitionerID:  req.PractitionerID,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		Type:            req.Type,
		Priority:        req.Priority,
		ChiefComplaint:  req.ChiefComplaint,
		Symptoms:        req.Symptoms,
		MedicalHistory:  req.MedicalHistory,
		Allergies:       req.Allergies,
		Medications:     req.Medications,
		Notes:           req.Notes,
	}
	ranking, err := h.svc.Book(c.Request().Context(), a)
	if err != nil {
		return httpError(err)
	}
	resp := bookingResponse{Appointment: a}
	if ranking != nil {
		resp.Candidates = ranking.Candidates
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if pa, ok := actor.(PatientActor); ok && a.PatientID != pa.ID {
		return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return err
	}
	pg := pagination.Parse(c)
	ctx := c.Request().Context()

	var (
		items []*Appointment
		total int
	)
	switch {
	case c.QueryParam("practitioner_id") != "":
		pid, err := uuid.Parse(c.QueryParam("practitioner_id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid practitioner_id")
		}
		if _, ok := actor.(PatientActor); ok {
			return echo.NewHTTPError(http.StatusForbidden, "patients can only list their own appointments")
		}
		items, total, err = h.svc.ListByPractitioner(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
	case c.QueryParam("patient_id") != "":
		pid, err := uuid.Parse(c.QueryParam("patient_id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		if pa, ok := actor.(PatientActor); ok && pa.ID != pid {
			return echo.NewHTTPError(http.StatusForbidden, "patients can only list their own appointments")
		}
		items, total, err = h.svc.ListByPatient(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
	default:
		switch act := actor.(type) {
		case PatientActor:
			items, total, err = h.svc.ListByPatient(ctx, act.ID, pg.Limit, pg.Offset)
		case PractitionerActor:
			items, total, err = h.svc.ListByPractitioner(ctx, act.ID, pg.Limit, pg.Offset)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "patient_id or practitioner_id is required")
		}
		if err != nil {
			return httpError(err)
		}
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pg.Page(items, total, listBase(c)))
}

func listBase(c echo.Context) string {
	q := c.QueryParams()
	q.Del("limit")
	q.Del("offset")
	if enc := q.Encode(); enc != "" {
		return c.Request().URL.Path + "?" + enc
	}
	return c.Request().URL.Path
}

// -- Transitions --

func (h *Handler) Approve(c echo.Context) error {
	return h.transition(c, func(id uuid.UUID, actor Actor) (*Appointment, error) {
		return h.svc.Approve(c.Request().Context(), id, actor)
	})
}

func (h *Handler) Reject(c echo.Context) error {
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.transition(c, func(id uuid.UUID, actor Actor) (*Appointment, error) {
		return h.svc.Reject(c.Request().Context(), id, actor, req.Reason)
	})
}

func (h *Handler) Start(c echo.Context) error {
	return h.transition(c, func(id uuid.UUID, actor Actor) (*Appointment, error) {
		return h.svc.Start(c.Request().Context(), id, actor)
	})
}

func (h *Handler) Complete(c echo.Context) error {
	return h.transition(c, func(id uuid.UUID, actor Actor) (*Appointment, error) {
		return h.svc.Complete(c.Request().Context(), id, actor)
	})
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.transition(c, func(id uuid.UUID, actor Actor) (*Appointment, error) {
		return h.svc.MarkNoShow(c.Request().Context(), id, actor)
	})
}

func (h *Handler) Cancel(c echo.Context) error {
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.transition(c, func(id uuid.UUID, actor Actor) (*Appointment, error) {
		return h.svc.Cancel(c.Request().Context(), id, actor, req.Reason)
	})
}

func (h *Handler) Reschedule(c echo.Context) error {
	var req RescheduleRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.transition(c, func(id uuid.UUID, actor Actor) (*Appointment, error) {
		return h.svc.Reschedule(c.Request().Context(), id, actor, req)
	})
}

func (h *Handler) ConfirmReschedule(c echo.Context) error {
	return h.transition(c, func(id uuid.UUID, actor Actor) (*Appointment, error) {
		return h.svc.ConfirmReschedule(c.Request().Context(), id, actor)
	})
}

func (h *Handler) Refer(c echo.Context) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req ReferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ref, err := h.svc.Refer(c.Request().Context(), id, actor, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ref)
}

func (h *Handler) transition(c echo.Context, fn func(id uuid.UUID, actor Actor) (*Appointment, error)) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := fn(id, actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- helpers --

func actorFromContext(c echo.Context) (Actor, error) {
	p := auth.PrincipalFromContext(c.Request().Context())
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "principal is not a known user")
	}
	actor, ok := NewActor(p.Kind, id, p.Permissions)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "principal has no actor kind")
	}
	return actor, nil
}

func bindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return echo.NewHTTPError(http.StatusBadRequest, errorBody{
				Code:    "validation",
				Rule:    verrs[0].Tag(),
				Message: verrs[0].Field() + " failed " + verrs[0].Tag(),
			})
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// httpError maps domain errors to HTTP responses.
func httpError(err error) error {
	var te *TransitionError
	switch {
	case errors.As(err, &te):
		return echo.NewHTTPError(http.StatusConflict, errorBody{Code: "invalid_transition", Message: te.Error()})
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, errorBody{Code: "validation", Rule: RuleOf(err), Message: err.Error()})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()})
	case errors.Is(err, ErrPermissionDenied):
		return echo.NewHTTPError(http.StatusForbidden, errorBody{Code: "permission_denied", Rule: RuleOf(err), Message: err.Error()})
	case errors.Is(err, ErrUnavailable):
		return echo.NewHTTPError(http.StatusConflict, errorBody{Code: "unavailable", Rule: RuleOf(err), Message: err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, errorBody{Code: "invalid_transition", Message: err.Error()})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
