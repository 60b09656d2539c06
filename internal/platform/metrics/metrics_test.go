package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordAssignment(t *testing.T) {
	before := testutil.ToFloat64(AssignmentsTotal.WithLabelValues("assigned"))
	RecordAssignment("assigned", 3*time.Millisecond)
	after := testutil.ToFloat64(AssignmentsTotal.WithLabelValues("assigned"))
	if after-before != 1 {
		t.Errorf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestRecordTransition(t *testing.T) {
	before := testutil.ToFloat64(TransitionsTotal.WithLabelValues("pending", "confirmed"))
	RecordTransition("pending", "confirmed")
	RecordTransition("pending", "confirmed")
	after := testutil.ToFloat64(TransitionsTotal.WithLabelValues("pending", "confirmed"))
	if after-before != 2 {
		t.Errorf("expected +2, got %v", after-before)
	}
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/api/v1/appointments/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	route := "/api/v1/appointments/:id"
	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, route, "204"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, route, "204"))
	if after-before != 1 {
		t.Errorf("expected one request recorded for %s, got %v", route, after-before)
	}
}

func TestMiddleware_RecordsHTTPErrorStatus(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "nope")
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/boom", "409"))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/boom", "409"))
	if after-before != 1 {
		t.Errorf("expected 409 to be recorded, got delta %v", after-before)
	}
}

func TestHandler_Exposition(t *testing.T) {
	RecordNotification("booking_confirmation", "sent")

	e := echo.New()
	e.GET("/metrics", Handler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "appointments_notifications_total") {
		t.Error("expected notifications counter in exposition")
	}
}
