package scheduling

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iamgolden55/basebackend-sub001/internal/platform/auth"
)

func newTestHandler() (*Handler, *echo.Echo, *fixture) {
	f := newFixture()
	h := NewHandler(f.svc)
	e := echo.New()
	return h, e, f
}

func patientPrincipal(p *Patient) auth.Principal {
	return auth.Principal{ID: p.ID.String(), Kind: auth.KindPatient, Roles: []string{"patient"}}
}

func practitionerPrincipal(p *Practitioner) auth.Principal {
	return auth.Principal{ID: p.ID.String(), Kind: auth.KindPractitioner, Roles: []string{"practitioner"}}
}

func staffPrincipal(perms ...string) auth.Principal {
	return auth.Principal{ID: uuid.New().String(), Kind: auth.KindStaff, Roles: []string{"staff"}, Permissions: perms}
}

func newRequestContext(e *echo.Echo, method, target, body string, p auth.Principal) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withID(c echo.Context, id uuid.UUID) echo.Context {
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	return c
}

func expectHTTPError(t *testing.T, err error, code int) *echo.HTTPError {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTPError %d, got %v", code, err)
	}
	if he.Code != code {
		t.Fatalf("expected status %d, got %d (%v)", code, he.Code, he.Message)
	}
	return he
}

func expectRule(t *testing.T, he *echo.HTTPError, code, rule string) {
	t.Helper()
	body, ok := he.Message.(errorBody)
	if !ok {
		t.Fatalf("expected errorBody, got %T", he.Message)
	}
	if body.Code != code || body.Rule != rule {
		t.Errorf("expected %s/%s, got %s/%s", code, rule, body.Code, body.Rule)
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestHandler_CreateAppointment(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)
	body := `{"hospital_id":"` + f.hospital.String() + `","department_id":"` + f.cardiology.ID.String() +
		`","start_time":"2026-03-03T10:00:00Z","chief_complaint":"chest pain"}`
	c, rec := newRequestContext(e, http.MethodPost, "/appointments", body, patientPrincipal(f.patient))

	if err := h.CreateAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp bookingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	a := resp.Appointment
	if a == nil || a.PatientID != f.patient.ID || !a.AssignedTo(p.ID) || a.Status != StatusPending {
		t.Errorf("unexpected appointment %+v", a)
	}
	if len(resp.Candidates) != 1 {
		t.Errorf("expected ranking in the response, got %d candidates", len(resp.Candidates))
	}
}

func TestHandler_CreateAppointment_PatientBooksForOthers(t *testing.T) {
	h, e, f := newTestHandler()
	body := `{"patient_id":"` + uuid.New().String() + `","hospital_id":"` + f.hospital.String() +
		`","department_id":"` + f.cardiology.ID.String() + `","start_time":"2026-03-03T10:00:00Z"}`
	c, _ := newRequestContext(e, http.MethodPost, "/appointments", body, patientPrincipal(f.patient))

	expectHTTPError(t, h.CreateAppointment(c), http.StatusForbidden)
}

func TestHandler_CreateAppointment_StaffNeedsPatient(t *testing.T) {
	h, e, f := newTestHandler()
	body := `{"hospital_id":"` + f.hospital.String() + `","department_id":"` + f.cardiology.ID.String() +
		`","start_time":"2026-03-03T10:00:00Z"}`
	c, _ := newRequestContext(e, http.MethodPost, "/appointments", body, staffPrincipal())

	expectHTTPError(t, h.CreateAppointment(c), http.StatusBadRequest)
}

func TestHandler_CreateAppointment_ValidationErrors(t *testing.T) {
	h, e, f := newTestHandler()
	tests := []struct {
		name string
		body string
		code string
		rule string
	}{
		{
			"missing hospital",
			`{"department_id":"` + f.cardiology.ID.String() + `","start_time":"2026-03-03T10:00:00Z"}`,
			"validation", "required",
		},
		{
			"bad type",
			`{"hospital_id":"` + f.hospital.String() + `","department_id":"` + f.cardiology.ID.String() +
				`","start_time":"2026-03-03T10:00:00Z","type":"massage"}`,
			"validation", "oneof",
		},
		{
			"past start",
			`{"hospital_id":"` + f.hospital.String() + `","department_id":"` + f.cardiology.ID.String() +
				`","start_time":"2026-03-01T10:00:00Z"}`,
			"validation", RuleStartInPast,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newRequestContext(e, http.MethodPost, "/appointments", tt.body, patientPrincipal(f.patient))
			he := expectHTTPError(t, h.CreateAppointment(c), http.StatusBadRequest)
			expectRule(t, he, tt.code, tt.rule)
		})
	}
}

func TestHandler_CreateAppointment_InvalidJSON(t *testing.T) {
	h, e, f := newTestHandler()
	c, _ := newRequestContext(e, http.MethodPost, "/appointments", `{not json`, patientPrincipal(f.patient))
	expectHTTPError(t, h.CreateAppointment(c), http.StatusBadRequest)
}

func TestHandler_Unauthenticated(t *testing.T) {
	h, e, _ := newTestHandler()
	c, _ := newRequestContext(e, http.MethodGet, "/appointments", "", auth.Principal{})
	expectHTTPError(t, h.ListAppointments(c), http.StatusUnauthorized)

	c, _ = newRequestContext(e, http.MethodGet, "/appointments", "", auth.Principal{ID: uuid.New().String(), Kind: "robot"})
	expectHTTPError(t, h.ListAppointments(c), http.StatusUnauthorized)
}

// ---------------------------------------------------------------------------
// Read
// ---------------------------------------------------------------------------

func TestHandler_GetAppointment(t *testing.T) {
	h, e, f := newTestHandler()
	a := f.seed(f.patient.ID, nil, tuesdayAt(10, 0), StatusPending)

	c, rec := newRequestContext(e, http.MethodGet, "/", "", patientPrincipal(f.patient))
	if err := h.GetAppointment(withID(c, a.ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var got Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != a.ID || got.Reference != a.Reference {
		t.Errorf("unexpected appointment %+v", got)
	}
}

func TestHandler_GetAppointment_HiddenFromOtherPatients(t *testing.T) {
	h, e, f := newTestHandler()
	a := f.seed(uuid.New(), nil, tuesdayAt(10, 0), StatusPending)

	c, _ := newRequestContext(e, http.MethodGet, "/", "", patientPrincipal(f.patient))
	expectHTTPError(t, h.GetAppointment(withID(c, a.ID)), http.StatusNotFound)

	c, rec := newRequestContext(e, http.MethodGet, "/", "", staffPrincipal())
	if err := h.GetAppointment(withID(c, a.ID)); err != nil || rec.Code != http.StatusOK {
		t.Errorf("staff should read any appointment: %v %d", err, rec.Code)
	}
}

func TestHandler_GetAppointment_NotFound(t *testing.T) {
	h, e, f := newTestHandler()
	c, _ := newRequestContext(e, http.MethodGet, "/", "", patientPrincipal(f.patient))
	he := expectHTTPError(t, h.GetAppointment(withID(c, uuid.New())), http.StatusNotFound)
	expectRule(t, he, "not_found", "")
}

func TestHandler_GetAppointment_InvalidID(t *testing.T) {
	h, e, f := newTestHandler()
	c, _ := newRequestContext(e, http.MethodGet, "/", "", patientPrincipal(f.patient))
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPError(t, h.GetAppointment(c), http.StatusBadRequest)
}

func TestHandler_ListAppointments(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)
	for i := 0; i < 3; i++ {
		f.seed(f.patient.ID, p, tuesdayAt(10+i, 0), StatusPending)
	}
	f.seed(uuid.New(), p, tuesdayAt(14, 0), StatusPending)

	c, rec := newRequestContext(e, http.MethodGet, "/appointments?limit=2", "", patientPrincipal(f.patient))
	if err := h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []Appointment `json:"data"`
		Total int           `json:"total"`
		Links struct {
			Next string `json:"next"`
		} `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || len(resp.Data) != 2 {
		t.Errorf("expected 2 of 3, got %d of %d", len(resp.Data), resp.Total)
	}
	if resp.Links.Next == "" {
		t.Error("expected a next link")
	}

	c, rec = newRequestContext(e, http.MethodGet, "/appointments", "", practitionerPrincipal(p))
	if err := h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 4 {
		t.Errorf("expected practitioner to see 4 appointments, got %d", resp.Total)
	}
}

func TestHandler_ListAppointments_Filters(t *testing.T) {
	h, e, f := newTestHandler()

	c, _ := newRequestContext(e, http.MethodGet, "/appointments", "", staffPrincipal())
	expectHTTPError(t, h.ListAppointments(c), http.StatusBadRequest)

	c, _ = newRequestContext(e, http.MethodGet, "/appointments?patient_id="+uuid.New().String(), "", patientPrincipal(f.patient))
	expectHTTPError(t, h.ListAppointments(c), http.StatusForbidden)

	c, _ = newRequestContext(e, http.MethodGet, "/appointments?practitioner_id="+uuid.New().String(), "", patientPrincipal(f.patient))
	expectHTTPError(t, h.ListAppointments(c), http.StatusForbidden)

	c, _ = newRequestContext(e, http.MethodGet, "/appointments?patient_id=bogus", "", staffPrincipal())
	expectHTTPError(t, h.ListAppointments(c), http.StatusBadRequest)

	c, rec := newRequestContext(e, http.MethodGet, "/appointments?patient_id="+f.patient.ID.String(), "", staffPrincipal())
	if err := h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected an empty data array, got %s", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func TestHandler_Approve(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)
	a := f.seed(f.patient.ID, p, tuesdayAt(10, 0), StatusPending)

	c, rec := newRequestContext(e, http.MethodPost, "/", "", practitionerPrincipal(p))
	if err := h.Approve(withID(c, a.ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || f.stored(t, a.ID).Status != StatusConfirmed {
		t.Errorf("expected confirmed appointment, got %d", rec.Code)
	}
}

func TestHandler_Approve_PatientForbidden(t *testing.T) {
	h, e, f := newTestHandler()
	a := f.seed(f.patient.ID, nil, tuesdayAt(10, 0), StatusPending)

	c, _ := newRequestContext(e, http.MethodPost, "/", "", patientPrincipal(f.patient))
	he := expectHTTPError(t, h.Approve(withID(c, a.ID)), http.StatusForbidden)
	expectRule(t, he, "permission_denied", RuleApprovalPermission)
}

func TestHandler_Start_InvalidTransition(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)
	a := f.seed(f.patient.ID, p, tuesdayAt(10, 0), StatusPending)

	c, _ := newRequestContext(e, http.MethodPost, "/", "", practitionerPrincipal(p))
	he := expectHTTPError(t, h.Start(withID(c, a.ID)), http.StatusConflict)
	expectRule(t, he, "invalid_transition", "")
}

func TestHandler_StartCompleteFlow(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)
	a := f.seed(f.patient.ID, p, tuesdayAt(10, 0), StatusConfirmed)

	c, _ := newRequestContext(e, http.MethodPost, "/", "", practitionerPrincipal(p))
	if err := h.Start(withID(c, a.ID)); err != nil {
		t.Fatalf("start: %v", err)
	}
	c, _ = newRequestContext(e, http.MethodPost, "/", "", practitionerPrincipal(p))
	if err := h.Complete(withID(c, a.ID)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if f.stored(t, a.ID).Status != StatusCompleted {
		t.Error("expected completed appointment")
	}
}

func TestHandler_Reject(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)
	a := f.seed(f.patient.ID, p, tuesdayAt(10, 0), StatusPending)

	c, _ := newRequestContext(e, http.MethodPost, "/", `{}`, practitionerPrincipal(p))
	he := expectHTTPError(t, h.Reject(withID(c, a.ID)), http.StatusBadRequest)
	expectRule(t, he, "validation", RuleRequiredField)

	c, rec := newRequestContext(e, http.MethodPost, "/", `{"reason":"wrong department"}`, practitionerPrincipal(p))
	if err := h.Reject(withID(c, a.ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || f.stored(t, a.ID).Status != StatusRejected {
		t.Error("expected rejected appointment")
	}
}

func TestHandler_Cancel(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)
	a := f.seed(f.patient.ID, p, tuesdayAt(10, 0), StatusConfirmed)

	c, rec := newRequestContext(e, http.MethodPost, "/", `{"reason":"emergency surgery"}`, practitionerPrincipal(p))
	if err := h.Cancel(withID(c, a.ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != StatusPending || got.PractitionerID != nil {
		t.Errorf("expected practitioner withdrawal, got %s %v", got.Status, got.PractitionerID)
	}
}

func TestHandler_MarkNoShow(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)
	a := f.seed(f.patient.ID, p, tuesdayAt(10, 0), StatusConfirmed)

	c, _ := newRequestContext(e, http.MethodPost, "/", "", staffPrincipal())
	expectHTTPError(t, h.MarkNoShow(withID(c, a.ID)), http.StatusForbidden)

	c, _ = newRequestContext(e, http.MethodPost, "/", "", staffPrincipal(PermManageAppointments))
	if err := h.MarkNoShow(withID(c, a.ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.stored(t, a.ID).Status != StatusNoShow {
		t.Error("expected no-show")
	}
}

func TestHandler_Reschedule(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)
	a := f.seed(f.patient.ID, p, tuesdayAt(10, 0), StatusConfirmed)

	c, _ := newRequestContext(e, http.MethodPost, "/", `{"reason":"later"}`, patientPrincipal(f.patient))
	he := expectHTTPError(t, h.Reschedule(withID(c, a.ID)), http.StatusBadRequest)
	expectRule(t, he, "validation", "required")

	c, _ = newRequestContext(e, http.MethodPost, "/", `{"start_time":"2026-03-04T11:00:00Z"}`, patientPrincipal(f.patient))
	if err := h.Reschedule(withID(c, a.ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.stored(t, a.ID).Status != StatusRescheduled {
		t.Fatal("expected rescheduled appointment")
	}

	c, _ = newRequestContext(e, http.MethodPost, "/", "", practitionerPrincipal(p))
	if err := h.ConfirmReschedule(withID(c, a.ID)); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if f.stored(t, a.ID).Status != StatusConfirmed {
		t.Error("expected confirmed appointment")
	}
}

func TestHandler_Refer(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)
	a := f.seed(f.patient.ID, p, tuesdayAt(10, 0), StatusConfirmed)

	c, _ := newRequestContext(e, http.MethodPost, "/", `{"reason":"second opinion"}`, practitionerPrincipal(p))
	he := expectHTTPError(t, h.Refer(withID(c, a.ID)), http.StatusBadRequest)
	expectRule(t, he, "validation", RuleReferralTarget)

	body := `{"department_id":"` + f.neurology.ID.String() + `","reason":"second opinion"}`
	c, rec := newRequestContext(e, http.MethodPost, "/", body, practitionerPrincipal(p))
	if err := h.Refer(withID(c, a.ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ref Referral
	if err := json.Unmarshal(rec.Body.Bytes(), &ref); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ref.Source.Status != StatusReferred || ref.Referral.ReferredFromID == nil || *ref.Referral.ReferredFromID != a.ID {
		t.Errorf("unexpected referral %+v", ref)
	}
}

func TestHandler_Refer_PatientForbidden(t *testing.T) {
	h, e, f := newTestHandler()
	a := f.seed(f.patient.ID, nil, tuesdayAt(10, 0), StatusConfirmed)

	body := `{"department_id":"` + f.neurology.ID.String() + `"}`
	c, _ := newRequestContext(e, http.MethodPost, "/", body, patientPrincipal(f.patient))
	he := expectHTTPError(t, h.Refer(withID(c, a.ID)), http.StatusForbidden)
	expectRule(t, he, "permission_denied", RuleReferralPermission)
}

// ---------------------------------------------------------------------------
// Assignment
// ---------------------------------------------------------------------------

func TestHandler_RankCandidates(t *testing.T) {
	h, e, f := newTestHandler()
	f.addPractitioner(f.cardiology, "Dr. A", 10)
	f.addPractitioner(f.cardiology, "Dr. B", 3)

	body := `{"patient_id":"` + f.patient.ID.String() + `","hospital_id":"` + f.hospital.String() +
		`","department_id":"` + f.cardiology.ID.String() + `","at":"2026-03-03T10:00:00Z"}`
	c, rec := newRequestContext(e, http.MethodPost, "/assignments", body, staffPrincipal())
	if err := h.RankCandidates(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var r Ranking
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(r.Candidates) != 2 || r.Candidates[0].Practitioner.Name != "Dr. A" {
		t.Errorf("unexpected ranking %+v", r)
	}
}

func TestHandler_RankCandidates_MissingFields(t *testing.T) {
	h, e, _ := newTestHandler()
	c, _ := newRequestContext(e, http.MethodPost, "/assignments", `{}`, staffPrincipal())
	he := expectHTTPError(t, h.RankCandidates(c), http.StatusBadRequest)
	expectRule(t, he, "validation", "required")
}

func TestHandler_PractitionerAvailability(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)
	f.seed(uuid.New(), p, tuesdayAt(10, 0), StatusConfirmed)

	c, rec := newRequestContext(e, http.MethodGet, "/?at=2026-03-03T10:15:00Z", "", staffPrincipal())
	if err := h.PractitionerAvailability(withID(c, p.ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp availabilityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Available || !strings.HasPrefix(resp.Reason, "slot taken by") || !resp.CanAcceptMore {
		t.Errorf("unexpected availability %+v", resp)
	}

	c, rec = newRequestContext(e, http.MethodGet, "/?at=2026-03-03T10:15:00Z&emergency=true", "", staffPrincipal())
	if err := h.PractitionerAvailability(withID(c, p.ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Available {
		t.Error("expected emergency availability")
	}
}

func TestHandler_PractitionerAvailability_BadQuery(t *testing.T) {
	h, e, f := newTestHandler()
	p := f.addPractitioner(f.cardiology, "Dr. A", 10)

	for _, target := range []string{"/", "/?at=tomorrow", "/?at=2026-03-03T10:15:00Z&emergency=maybe"} {
		c, _ := newRequestContext(e, http.MethodGet, target, "", staffPrincipal())
		expectHTTPError(t, h.PractitionerAvailability(withID(c, p.ID)), http.StatusBadRequest)
	}
}

// ---------------------------------------------------------------------------
// Routing and error mapping
// ---------------------------------------------------------------------------

func TestHandler_RegisterRoutes_ClinicalOnly(t *testing.T) {
	h, e, f := newTestHandler()
	principal := patientPrincipal(f.patient)
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithPrincipal(c.Request().Context(), principal)))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignments", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for patients, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 listing own appointments, got %d", rec.Code)
	}
}

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"transition", &TransitionError{From: StatusPending, To: StatusCompleted}, http.StatusConflict},
		{"validation", validationErr(RuleStartInPast, "past"), http.StatusBadRequest},
		{"not found", notFoundErr(RuleNoPractitioner, "none"), http.StatusNotFound},
		{"permission", permissionErr(RuleReferralPermission, "no"), http.StatusForbidden},
		{"unavailable", unavailableErr(RuleDailyCapacity, "full"), http.StatusConflict},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectHTTPError(t, httpError(tt.err), tt.code)
		})
	}

	he := expectHTTPError(t, httpError(unavailableErr(RuleDailyCapacity, "full")), http.StatusConflict)
	expectRule(t, he, "unavailable", RuleDailyCapacity)
}
