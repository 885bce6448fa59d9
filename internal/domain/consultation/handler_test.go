package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/teleconsult/consult/internal/platform/auth"
	"github.com/teleconsult/consult/internal/platform/middleware"
	"github.com/teleconsult/consult/internal/platform/video"
)

func newEcho() *echo.Echo {
	e := echo.New()
	e.Validator = middleware.NewValidator()
	return e
}

func withActor(req *http.Request, actor Actor) *http.Request {
	ctx := context.WithValue(req.Context(), auth.UserIDKey, actor.UserID)
	ctx = context.WithValue(ctx, auth.UserRolesKey, []string{actor.Role})
	ctx = context.WithValue(ctx, auth.UserNameKey, actor.Name)
	return req.WithContext(ctx)
}

func newRequest(e *echo.Echo, method, id, body string, actor Actor) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	req = withActor(req, actor)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_GetAppointment(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	e := newEcho()
	a := env.seed(t, false)

	c, rec := newRequest(e, http.MethodGet, a.ID.String(), "", patientOf(a))
	if err := h.GetAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["phase"] != string(PhaseIntake) || body["redirect"] != RedirectIntake {
		t.Errorf("unexpected body %v", body)
	}
	if body["status"] != string(StatusScheduled) {
		t.Errorf("expected embedded appointment fields, got %v", body)
	}
}

func TestHandler_GetAppointment_InvalidID(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	c, _ := newRequest(newEcho(), http.MethodGet, "nope", "", Actor{UserID: "u"})
	if code := httpCode(t, h.GetAppointment(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Transition(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	e := newEcho()
	a := env.seed(t, true)

	c, rec := newRequest(e, http.MethodPost, a.ID.String(), `{"status":"in_progress"}`, clinicianOf(a))
	if err := h.Transition(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res TransitionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Applied || res.Appointment.Status != StatusInProgress {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandler_Transition_ValidatesStatus(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	a := env.seed(t, true)

	c, _ := newRequest(newEcho(), http.MethodPost, a.ID.String(), `{"status":"scheduled"}`, clinicianOf(a))
	if code := httpCode(t, h.Transition(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Transition_GateRedirects(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	a := env.seed(t, false)

	c, _ := newRequest(newEcho(), http.MethodPost, a.ID.String(), `{"status":"in_progress"}`, clinicianOf(a))
	err := h.Transition(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %v", err)
	}
	msg, ok := he.Message.(map[string]string)
	if !ok || msg["redirect"] != RedirectIntake {
		t.Errorf("expected redirect to intake, got %v", he.Message)
	}
}

func TestHandler_Transition_Conflict(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	a := env.seed(t, true)

	c, _ := newRequest(newEcho(), http.MethodPost, a.ID.String(), `{"status":"completed"}`, clinicianOf(a))
	if code := httpCode(t, h.Transition(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_Transition_ProviderUnavailable(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	a := env.seed(t, true)
	env.fake.FailCreate = &video.ProviderError{
		Provider:   "fake",
		Op:         "create room",
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: 12 * time.Second,
		Err:        errors.New("slow down"),
	}

	c, rec := newRequest(newEcho(), http.MethodPost, a.ID.String(), `{"status":"in_progress"}`, clinicianOf(a))
	if code := httpCode(t, h.Transition(c)); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if got := rec.Header().Get("Retry-After"); got != "12" {
		t.Errorf("expected Retry-After 12, got %q", got)
	}
}

func TestHandler_Join(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	e := newEcho()
	a := env.seed(t, true)
	env.start(t, a)

	c, rec := newRequest(e, http.MethodPost, a.ID.String(), "", patientOf(a))
	if err := h.Join(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var creds JoinCredentials
	if err := json.Unmarshal(rec.Body.Bytes(), &creds); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if creds.Token == "" || creds.JoinURL == "" || creds.Role != TokenRoleParticipant {
		t.Errorf("unexpected credentials %+v", creds)
	}
}

func TestHandler_EnsureRoom_Forbidden(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	a := env.seed(t, true)
	stranger := Actor{UserID: "00000000-0000-0000-0000-000000000001", Role: auth.RoleClinician}

	c, _ := newRequest(newEcho(), http.MethodPost, a.ID.String(), "", stranger)
	if code := httpCode(t, h.EnsureRoom(c)); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestErrorResponse_PassesThroughUnknown(t *testing.T) {
	c := newEcho().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	boom := errors.New("boom")
	if got := ErrorResponse(c, boom); got != boom {
		t.Errorf("expected original error, got %v", got)
	}
	if code := httpCode(t, ErrorResponse(c, video.ErrRoomExpired)); code != http.StatusGone {
		t.Errorf("expected 410, got %d", code)
	}
}
