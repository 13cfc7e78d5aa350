package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/psyclinic/clinic/internal/platform/auth"
)

func newTestHandler() (*Handler, *testEnv) {
	env := newTestEnv()
	return NewHandler(env.svc), env
}

func jsonRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

// expectError asserts that err is an *echo.HTTPError with the given status
// and error code.
func expectError(t *testing.T, err error, status int, code string) errorDetail {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	if he.Code != status {
		t.Errorf("expected status %d, got %d", status, he.Code)
	}
	body, ok := he.Message.(errorBody)
	if !ok {
		t.Fatalf("expected errorBody message, got %T", he.Message)
	}
	if body.Error.Code != code {
		t.Errorf("expected error code %q, got %q", code, body.Error.Code)
	}
	return body.Error
}

func createBody(psych uuid.UUID, start, end string) string {
	return `{"start_time":"` + start + `","end_time":"` + end + `","psychologist_id":"` + psych.String() +
		`","modality_id":"` + inPerson.String() + `","patient_ids":["` + patientOne.String() + `"]}`
}

func TestHandler_CreateSession(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()

	req := jsonRequest(http.MethodPost, "/sessions", createBody(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if got["start_time"] != "2025-03-10T12:00:00Z" {
		t.Errorf("expected UTC start_time, got %v", got["start_time"])
	}
	patients, _ := got["patients"].([]interface{})
	if len(patients) != 1 {
		t.Errorf("expected 1 patient, got %v", got["patients"])
	}
}

func TestHandler_CreateSession_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed", `{"start_time":`, http.StatusBadRequest, "validation_error"},
		{"bad timestamp", createBody(psychologistA, "soon", "2025-03-10T10:00"), http.StatusBadRequest, "validation_error"},
		{"unknown psychologist", createBody(uuid.New(), "2025-03-10T09:00", "2025-03-10T10:00"), http.StatusUnprocessableEntity, "reference_not_found"},
		{"too short", createBody(psychologistA, "2025-03-10T09:00", "2025-03-10T09:05"), http.StatusUnprocessableEntity, "rule_violation"},
		{"after hours", createBody(psychologistA, "2025-03-10T17:30", "2025-03-10T18:30"), http.StatusUnprocessableEntity, "rule_violation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler()
			c := echo.New().NewContext(jsonRequest(http.MethodPost, "/sessions", tt.body), httptest.NewRecorder())
			expectError(t, h.CreateSession(c), tt.status, tt.code)
		})
	}
}

func TestHandler_CreateSession_Conflict(t *testing.T) {
	h, env := newTestHandler()
	existing := mustCreate(t, env, booking(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))

	c := echo.New().NewContext(jsonRequest(http.MethodPost, "/sessions",
		createBody(psychologistA, "2025-03-10T09:30", "2025-03-10T10:30")), httptest.NewRecorder())
	d := expectError(t, h.CreateSession(c), http.StatusConflict, "conflict")
	if d.ConflictingSessionID != existing.ID.String() {
		t.Errorf("expected conflicting_session_id %s, got %q", existing.ID, d.ConflictingSessionID)
	}
}

func TestHandler_CreateSession_IdempotencyKey(t *testing.T) {
	h, env := newTestHandler()
	e := echo.New()
	var ids []string
	for i := 0; i < 2; i++ {
		req := jsonRequest(http.MethodPost, "/sessions", createBody(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))
		req.Header.Set(IdempotencyKeyHeader, "retry-1")
		rec := httptest.NewRecorder()
		if err := h.CreateSession(e.NewContext(req, rec)); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
		var got map[string]interface{}
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		ids = append(ids, got["id"].(string))
	}
	if ids[0] != ids[1] {
		t.Errorf("expected replay to return %s, got %s", ids[0], ids[1])
	}
	if len(env.store.sessions) != 1 {
		t.Errorf("expected 1 stored session, got %d", len(env.store.sessions))
	}
}

func TestHandler_GetSession(t *testing.T) {
	h, env := newTestHandler()
	sess := mustCreate(t, env, booking(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())
	if err := h.GetSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectError(t, h.GetSession(c), http.StatusNotFound, "not_found")

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectError(t, h.GetSession(c), http.StatusBadRequest, "validation_error")
}

func TestHandler_ListSessions(t *testing.T) {
	h, env := newTestHandler()
	mustCreate(t, env, booking(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))
	mustCreate(t, env, booking(psychologistA, "2025-03-11T09:00", "2025-03-11T10:00"))
	mustCreate(t, env, booking(psychologistB, "2025-03-12T09:00", "2025-03-12T10:00"))
	e := echo.New()

	target := "/sessions?psychologist_id=" + psychologistA.String() + "&start_date=2025-03-10&end_date=2025-03-10&limit=5"
	rec := httptest.NewRecorder()
	if err := h.ListSessions(e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data  []map[string]interface{} `json:"data"`
		Total int                      `json:"total"`
		Limit int                      `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if page.Total != 1 || len(page.Data) != 1 {
		t.Errorf("expected the whole end_date day to match 1 session, got %d", page.Total)
	}
	if page.Limit != 5 {
		t.Errorf("expected limit 5, got %d", page.Limit)
	}

	for _, q := range []string{"?psychologist_id=abc", "?sort=sideways", "?start_date=nope", "?start_date=2025-03-12&end_date=2025-03-10"} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/sessions"+q, nil), httptest.NewRecorder())
		expectError(t, h.ListSessions(c), http.StatusBadRequest, "validation_error")
	}
}

func TestHandler_ListSessions_StorageFailure(t *testing.T) {
	h, env := newTestHandler()
	env.store.searchErr = errors.New("connection refused")
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/sessions", nil), httptest.NewRecorder())
	err := h.ListSessions(c)
	expectError(t, err, http.StatusInternalServerError, "internal_error")
	var he *echo.HTTPError
	errors.As(err, &he)
	if he.Internal == nil {
		t.Error("expected the cause kept as Internal")
	}
}

func TestHandler_UpdateAndLifecycle(t *testing.T) {
	h, env := newTestHandler()
	sess := mustCreate(t, env, booking(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))
	e := echo.New()
	withID := func(req *http.Request, rec *httptest.ResponseRecorder) echo.Context {
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(sess.ID.String())
		return c
	}

	rec := httptest.NewRecorder()
	if err := h.UpdateSession(withID(jsonRequest(http.MethodPatch, "/", `{"notes":"bring forms"}`), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "bring forms") {
		t.Errorf("expected notes in response, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	if err := h.CancelSession(withID(jsonRequest(http.MethodPost, "/", `{"reason":"holiday"}`), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"cancellation_reason":"holiday"`) {
		t.Errorf("expected cancellation reason in response, got %s", rec.Body.String())
	}

	err := h.UpdateSession(withID(jsonRequest(http.MethodPatch, "/", `{"start_time":"2025-03-10T11:00","end_time":"2025-03-10T12:00"}`), httptest.NewRecorder()))
	d := expectError(t, err, http.StatusUnprocessableEntity, "rule_violation")
	if d.Rule != string(RuleTerminalState) {
		t.Errorf("expected rule %s, got %s", RuleTerminalState, d.Rule)
	}

	expectError(t, h.CancelSession(withID(jsonRequest(http.MethodPost, "/", `{}`), httptest.NewRecorder())), http.StatusNotFound, "not_found")
}

func TestHandler_CompleteSession(t *testing.T) {
	h, env := newTestHandler()
	sess := mustCreate(t, env, booking(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())
	if err := h.CompleteSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "Completada") {
		t.Errorf("expected completed state in response, got %s", rec.Body.String())
	}
}

func TestHandler_CancelStateMissing(t *testing.T) {
	h, env := newTestHandler()
	env.svc.states.Cancelled = uuid.Nil
	delete(env.catalog.states, cancelled)
	sess := mustCreate(t, env, booking(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))

	c := echo.New().NewContext(jsonRequest(http.MethodPost, "/", `{}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())
	expectError(t, h.CancelSession(c), http.StatusUnprocessableEntity, "cancel_state_missing")
}

func TestHandler_DeleteAndRestore(t *testing.T) {
	h, env := newTestHandler()
	sess := mustCreate(t, env, booking(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))
	e := echo.New()
	ctxFor := func(rec *httptest.ResponseRecorder) echo.Context {
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
		c.SetParamNames("id")
		c.SetParamValues(sess.ID.String())
		return c
	}

	rec := httptest.NewRecorder()
	if err := h.DeleteSession(ctxFor(rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rec.Code)
	}
	expectError(t, h.DeleteSession(ctxFor(httptest.NewRecorder())), http.StatusNotFound, "not_found")

	rec = httptest.NewRecorder()
	if err := h.RestoreSession(ctxFor(rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	expectError(t, h.RestoreSession(ctxFor(httptest.NewRecorder())), http.StatusNotFound, "not_found")
}

func TestHandler_Patients(t *testing.T) {
	h, env := newTestHandler()
	sess := mustCreate(t, env, booking(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"patient_id":"`+patientTwo.String()+`"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())
	if err := h.AddPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), patientTwo.String()) {
		t.Errorf("expected patient in response, got %s", rec.Body.String())
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/", `{"patient_id":"x"}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())
	expectError(t, h.AddPatient(c), http.StatusBadRequest, "validation_error")

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id", "patient_id")
	c.SetParamValues(sess.ID.String(), patientTwo.String())
	if err := h.RemovePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id", "patient_id")
	c.SetParamValues(sess.ID.String(), patientTwo.String())
	expectError(t, h.RemovePatient(c), http.StatusNotFound, "not_found")
}

func TestHandler_CheckConflict(t *testing.T) {
	h, env := newTestHandler()
	sess := mustCreate(t, env, booking(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))
	e := echo.New()

	tests := []struct {
		query    string
		conflict bool
	}{
		{"start=2025-03-10T09:30&end=2025-03-10T10:30", true},
		{"start=2025-03-10T10:00&end=2025-03-10T11:00", false},
		{"start=2025-03-10T09:00&end=2025-03-10T10:00&exclude_id=" + sess.ID.String(), false},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		target := "/sessions/conflicts?psychologist_id=" + psychologistA.String() + "&" + tt.query
		if err := h.CheckConflict(e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), rec)); err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.query, err)
		}
		var got conflictResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if got.Conflict != tt.conflict {
			t.Errorf("%s: expected conflict=%v, got %v", tt.query, tt.conflict, got.Conflict)
		}
		wantID := ""
		if tt.conflict {
			wantID = sess.ID.String()
		}
		if got.ConflictingSessionID != wantID {
			t.Errorf("%s: expected conflicting_session_id %q, got %q", tt.query, wantID, got.ConflictingSessionID)
		}
	}

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/sessions/conflicts?start=2025-03-10T09:00&end=2025-03-10T10:00", nil), httptest.NewRecorder())
	expectError(t, h.CheckConflict(c), http.StatusBadRequest, "validation_error")

	target := "/sessions/conflicts?psychologist_id=" + uuid.Nil.String() + "&start=2025-03-10T09:00&end=2025-03-10T10:00"
	c = e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
	if d := expectError(t, h.CheckConflict(c), http.StatusBadRequest, "validation_error"); d.Field != "psychologist_id" {
		t.Errorf("expected field psychologist_id, got %q", d.Field)
	}
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{invalid("start_time", "bad"), http.StatusBadRequest, "validation_error"},
		{&ReferenceNotFoundError{Field: "modality_id", ID: uuid.New()}, http.StatusUnprocessableEntity, "reference_not_found"},
		{&RuleViolationError{Rule: RuleDuration, Message: "short"}, http.StatusUnprocessableEntity, "rule_violation"},
		{&ConflictError{PsychologistID: psychologistA}, http.StatusConflict, "conflict"},
		{ErrCancelStateMissing, http.StatusUnprocessableEntity, "cancel_state_missing"},
		{ErrNotFound, http.StatusNotFound, "not_found"},
		{ErrPatientNotLinked, http.StatusNotFound, "not_found"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			expectError(t, toHTTPError(tt.err), tt.status, tt.code)
		})
	}

	d := expectError(t, toHTTPError(&ConflictError{PsychologistID: psychologistA}), http.StatusConflict, "conflict")
	if d.ConflictingSessionID != "" {
		t.Errorf("expected no conflicting_session_id for constraint conflicts, got %q", d.ConflictingSessionID)
	}
}

func TestToHTTPError_InternalKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	he, ok := toHTTPError(cause).(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", toHTTPError(cause))
	}
	if he.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", he.Code)
	}
	if !errors.Is(he.Internal, cause) {
		t.Errorf("expected Internal to carry the cause, got %v", he.Internal)
	}

	passthrough := echo.NewHTTPError(http.StatusTeapot, "x")
	if got := toHTTPError(passthrough); got != passthrough {
		t.Errorf("expected echo errors to pass through, got %v", got)
	}
}

// TestRegisterRoutes_Roles drives requests through the router with roles
// injected the way the auth middleware does.
func TestRegisterRoutes_Roles(t *testing.T) {
	h, env := newTestHandler()
	sess := mustCreate(t, env, booking(psychologistA, "2025-03-10T09:00", "2025-03-10T10:00"))

	serve := func(roles []string, method, target, body string) int {
		e := echo.New()
		e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, roles)
				c.SetRequest(c.Request().WithContext(ctx))
				return next(c)
			}
		})
		h.RegisterRoutes(e.Group("/api/v1"))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, jsonRequest(method, target, body))
		return rec.Code
	}

	psychologist := []string{auth.RolePsychologist}
	receptionist := []string{auth.RoleReceptionist}
	sessionURL := "/api/v1/sessions/" + sess.ID.String()

	tests := []struct {
		name   string
		roles  []string
		method string
		target string
		body   string
		want   int
	}{
		{"psychologist reads", psychologist, http.MethodGet, sessionURL, "", http.StatusOK},
		{"psychologist cannot delete", psychologist, http.MethodDelete, sessionURL, "", http.StatusForbidden},
		{"psychologist cannot book", psychologist, http.MethodPost, "/api/v1/sessions", createBody(psychologistB, "2025-03-10T09:00", "2025-03-10T10:00"), http.StatusForbidden},
		{"no role", nil, http.MethodGet, "/api/v1/sessions", "", http.StatusForbidden},
		{"receptionist books", receptionist, http.MethodPost, "/api/v1/sessions", createBody(psychologistB, "2025-03-10T09:00", "2025-03-10T10:00"), http.StatusCreated},
		{"conflicts route wins over :id", receptionist, http.MethodGet, "/api/v1/sessions/conflicts?psychologist_id=" + psychologistA.String() + "&start=2025-03-10T09:00&end=2025-03-10T10:00", "", http.StatusOK},
		{"psychologist completes", psychologist, http.MethodPost, sessionURL + "/complete", "", http.StatusOK},
		{"list by state", psychologist, http.MethodGet, "/api/v1/states/" + completed.String() + "/sessions", "", http.StatusOK},
		{"list by unknown psychologist", psychologist, http.MethodGet, "/api/v1/psychologists/" + uuid.New().String() + "/sessions", "", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := serve(tt.roles, tt.method, tt.target, tt.body); got != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, got)
			}
		})
	}
}
