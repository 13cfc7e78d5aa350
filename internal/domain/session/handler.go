package session

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/psyclinic/clinic/internal/platform/auth"
	"github.com/psyclinic/clinic/pkg/pagination"
)

// IdempotencyKeyHeader lets clients retry a create safely.
const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, psychologist, receptionist
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RolePsychologist, auth.RoleReceptionist))
	readGroup.GET("/sessions", h.ListSessions)
	readGroup.GET("/sessions/conflicts", h.CheckConflict)
	readGroup.GET("/sessions/:id", h.GetSession)
	readGroup.GET("/psychologists/:id/sessions", h.ListByPsychologist)
	readGroup.GET("/psychologists/:id/availability", h.FreeSlots)
	readGroup.GET("/states/:id/sessions", h.ListByState)

	// Write endpoints – admin, receptionist
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleReceptionist))
	writeGroup.POST("/sessions", h.CreateSession)
	writeGroup.PATCH("/sessions/:id", h.UpdateSession)
	writeGroup.DELETE("/sessions/:id", h.DeleteSession)
	writeGroup.POST("/sessions/:id/restore", h.RestoreSession)
	writeGroup.POST("/sessions/:id/cancel", h.CancelSession)
	writeGroup.POST("/sessions/:id/patients", h.AddPatient)
	writeGroup.DELETE("/sessions/:id/patients/:patient_id", h.RemovePatient)

	// Psychologists close their own sessions.
	completeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleReceptionist, auth.RolePsychologist))
	completeGroup.POST("/sessions/:id/complete", h.CompleteSession)
}

type errorDetail struct {
	Code                 string `json:"code"`
	Message              string `json:"message"`
	Field                string `json:"field,omitempty"`
	Rule                 string `json:"rule,omitempty"`
	ConflictingSessionID string `json:"conflicting_session_id,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func httpError(status int, d errorDetail) *echo.HTTPError {
	return echo.NewHTTPError(status, errorBody{Error: d})
}

// toHTTPError maps service errors to responses. Unknown errors become a 500
// with the cause kept as Internal for the request logger.
func toHTTPError(err error) error {
	var (
		ve *ValidationError
		re *ReferenceNotFoundError
		rv *RuleViolationError
		ce *ConflictError
		he *echo.HTTPError
	)
	switch {
	case errors.As(err, &he):
		return he
	case errors.As(err, &ve):
		return httpError(http.StatusBadRequest, errorDetail{Code: "validation_error", Message: ve.Message, Field: ve.Field})
	case errors.As(err, &re):
		return httpError(http.StatusUnprocessableEntity, errorDetail{Code: "reference_not_found", Message: re.Error(), Field: re.Field})
	case errors.As(err, &rv):
		return httpError(http.StatusUnprocessableEntity, errorDetail{Code: "rule_violation", Message: rv.Message, Rule: string(rv.Rule)})
	case errors.As(err, &ce):
		d := errorDetail{Code: "conflict", Message: ce.Error()}
		if ce.ConflictingSessionID != uuid.Nil {
			d.ConflictingSessionID = ce.ConflictingSessionID.String()
		}
		return httpError(http.StatusConflict, d)
	case errors.Is(err, ErrCancelStateMissing):
		return httpError(http.StatusUnprocessableEntity, errorDetail{Code: "cancel_state_missing", Message: err.Error(), Field: "state_id"})
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPatientNotLinked):
		return httpError(http.StatusNotFound, errorDetail{Code: "not_found", Message: err.Error()})
	}
	ie := httpError(http.StatusInternalServerError, errorDetail{Code: "internal_error", Message: "internal server error"})
	ie.Internal = err
	return ie
}

func badRequest(field, message string) error {
	return httpError(http.StatusBadRequest, errorDetail{Code: "validation_error", Message: message, Field: field})
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, badRequest(name, "invalid "+name)
	}
	return id, nil
}

func queryID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, badRequest(name, "invalid "+name)
	}
	return &id, nil
}

// filterFromQuery reads list filters. A bare end_date includes the whole day.
func (h *Handler) filterFromQuery(c echo.Context) (Filter, error) {
	f := Filter{Search: strings.TrimSpace(c.QueryParam("search"))}
	var err error
	if f.PsychologistID, err = queryID(c, "psychologist_id"); err != nil {
		return f, err
	}
	if f.ModalityID, err = queryID(c, "modality_id"); err != nil {
		return f, err
	}
	if f.StateID, err = queryID(c, "state_id"); err != nil {
		return f, err
	}
	loc := h.svc.Location()
	if v := c.QueryParam("start_date"); v != "" {
		t, _, err := ParseDate("start_date", v, loc)
		if err != nil {
			return f, err
		}
		f.From = &t
	}
	if v := c.QueryParam("end_date"); v != "" {
		t, dateOnly, err := ParseDate("end_date", v, loc)
		if err != nil {
			return f, err
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		f.To = &t
	}
	switch strings.ToLower(c.QueryParam("sort")) {
	case "", "desc":
	case "asc":
		f.Ascending = true
	default:
		return f, badRequest("sort", "sort must be asc or desc")
	}
	f.ExcludeCancelled = c.QueryParam("exclude_cancelled") == "true"
	return f, nil
}

func (h *Handler) CreateSession(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return badRequest("", "malformed request body")
	}
	in.IdempotencyKey = strings.TrimSpace(c.Request().Header.Get(IdempotencyKeyHeader))
	sess, err := h.svc.CreateSession(c.Request().Context(), in)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSession(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ListSessions(c echo.Context) error {
	f, err := h.filterFromQuery(c)
	if err != nil {
		return toHTTPError(err)
	}
	page, err := h.svc.ListSessions(c.Request().Context(), f, pagination.FromContext(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) ListByPsychologist(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	page, err := h.svc.ListByPsychologist(c.Request().Context(), id, pagination.FromContext(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) ListByState(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	page, err := h.svc.ListByState(c.Request().Context(), id, pagination.FromContext(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) UpdateSession(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return badRequest("", "malformed request body")
	}
	sess, err := h.svc.UpdateSession(c.Request().Context(), id, in)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) DeleteSession(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSession(c.Request().Context(), id); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RestoreSession(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	restored, err := h.svc.RestoreSession(ctx, id)
	if err != nil {
		return toHTTPError(err)
	}
	if !restored {
		return httpError(http.StatusNotFound, errorDetail{Code: "not_found", Message: "session is not deleted"})
	}
	sess, err := h.svc.GetSession(ctx, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelSession(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("", "malformed request body")
	}
	sess, err := h.svc.CancelSession(c.Request().Context(), id, req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) CompleteSession(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	sess, err := h.svc.CompleteSession(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

type patientRequest struct {
	PatientID string `json:"patient_id"`
}

func (h *Handler) AddPatient(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req patientRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("", "malformed request body")
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return badRequest("patient_id", "invalid patient_id")
	}
	sess, err := h.svc.AddPatient(c.Request().Context(), id, patientID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) RemovePatient(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	patientID, err := pathID(c, "patient_id")
	if err != nil {
		return err
	}
	sess, err := h.svc.RemovePatient(c.Request().Context(), id, patientID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

type conflictResponse struct {
	Conflict             bool   `json:"conflict"`
	ConflictingSessionID string `json:"conflicting_session_id,omitempty"`
}

func (h *Handler) CheckConflict(c echo.Context) error {
	psychologistID, err := queryID(c, "psychologist_id")
	if err != nil {
		return err
	}
	if psychologistID == nil {
		return badRequest("psychologist_id", "psychologist_id is required")
	}
	excludeID, err := queryID(c, "exclude_id")
	if err != nil {
		return err
	}
	loc := h.svc.Location()
	start, err := ParseTimestamp("start", c.QueryParam("start"), loc)
	if err != nil {
		return toHTTPError(err)
	}
	end, err := ParseTimestamp("end", c.QueryParam("end"), loc)
	if err != nil {
		return toHTTPError(err)
	}
	conflictID, conflict, err := h.svc.FindConflict(c.Request().Context(), *psychologistID, start, end, excludeID)
	if err != nil {
		return toHTTPError(err)
	}
	resp := conflictResponse{Conflict: conflict}
	if conflict {
		resp.ConflictingSessionID = conflictID.String()
	}
	return c.JSON(http.StatusOK, resp)
}

const defaultSlotMinutes = 60

// FreeSlots handles GET /psychologists/:id/availability?date=YYYY-MM-DD&duration=minutes.
func (h *Handler) FreeSlots(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	raw := c.QueryParam("date")
	if raw == "" {
		return badRequest("date", "date is required")
	}
	day, _, err := ParseDate("date", raw, h.svc.Location())
	if err != nil {
		return toHTTPError(err)
	}
	minutes := defaultSlotMinutes
	if v := c.QueryParam("duration"); v != "" {
		if minutes, err = strconv.Atoi(v); err != nil || minutes <= 0 {
			return badRequest("duration", "duration must be a positive number of minutes")
		}
	}
	slots, err := h.svc.FreeSlots(c.Request().Context(), id, day, time.Duration(minutes)*time.Minute)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": slots})
}
