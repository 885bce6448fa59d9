package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/teleconsult/consult/internal/domain/consultation"
	"github.com/teleconsult/consult/internal/platform/auth"
)

func actorRequest(req *http.Request, actor consultation.Actor) *http.Request {
	ctx := context.WithValue(req.Context(), auth.UserIDKey, actor.UserID)
	ctx = context.WithValue(ctx, auth.UserRolesKey, []string{actor.Role})
	return req.WithContext(ctx)
}

func newContext(req *http.Request, id string) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_PostAndList(t *testing.T) {
	e := newChatEnv()
	h := NewHandler(e.svc, false)
	a := e.appointment(consultation.StatusInProgress)

	c, rec := newContext(actorRequest(jsonRequest(http.MethodPost, `{"body":"how are you feeling?"}`), clinician(a)), a.ID.String())
	if err := h.PostMessage(c); err != nil {
		t.Fatalf("post: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/?limit=5", nil)
	c, rec = newContext(actorRequest(req, patient(a)), a.ID.String())
	if err := h.ListMessages(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	var resp struct {
		Data    []Message `json:"data"`
		Total   int       `json:"total"`
		Limit   int       `json:"limit"`
		HasMore bool      `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || resp.Limit != 5 || resp.HasMore {
		t.Errorf("unexpected page %+v", resp)
	}
	if len(resp.Data) != 1 || resp.Data[0].SenderRole != auth.RoleClinician {
		t.Errorf("unexpected data %+v", resp.Data)
	}
}

func TestHandler_ListEmptyIsArray(t *testing.T) {
	e := newChatEnv()
	h := NewHandler(e.svc, false)
	a := e.appointment(consultation.StatusScheduled)

	c, rec := newContext(actorRequest(httptest.NewRequest(http.MethodGet, "/", nil), patient(a)), a.ID.String())
	if err := h.ListMessages(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

func TestHandler_ListRejectsBadSince(t *testing.T) {
	e := newChatEnv()
	h := NewHandler(e.svc, false)
	a := e.appointment(consultation.StatusScheduled)

	c, _ := newContext(actorRequest(httptest.NewRequest(http.MethodGet, "/?since=yesterday", nil), patient(a)), a.ID.String())
	if code := statusOf(t, h.ListMessages(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_ListAfterSeq(t *testing.T) {
	e := newChatEnv()
	h := NewHandler(e.svc, false)
	a := e.appointment(consultation.StatusInProgress)
	ctx := context.Background()

	first, _ := e.svc.PostMessage(ctx, a.ID, patient(a), strPtr("one"), nil)
	second, _ := e.svc.PostMessage(ctx, a.ID, clinician(a), strPtr("two"), nil)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/?after_seq=%d", first.Seq), nil)
	c, rec := newContext(actorRequest(req, patient(a)), a.ID.String())
	if err := h.ListMessages(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	var resp struct {
		Data  []Message `json:"data"`
		Total int       `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || resp.Data[0].ID != second.ID {
		t.Errorf("expected only the message after seq %d, got %+v", first.Seq, resp)
	}

	c, _ = newContext(actorRequest(httptest.NewRequest(http.MethodGet, "/?after_seq=-3", nil), patient(a)), a.ID.String())
	if code := statusOf(t, h.ListMessages(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for a negative cursor, got %d", code)
	}
}

func TestHandler_CaptionRule(t *testing.T) {
	e := newChatEnv()
	a := e.appointment(consultation.StatusInProgress)
	desc, err := e.svc.UploadAttachment(context.Background(), a.ID, patient(a), "rash.png", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	payload, _ := json.Marshal(PostRequest{Attachment: desc})

	strict := NewHandler(e.svc, true)
	c, _ := newContext(actorRequest(jsonRequest(http.MethodPost, string(payload)), patient(a)), a.ID.String())
	if code := statusOf(t, strict.PostMessage(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 without caption, got %d", code)
	}

	lenient := NewHandler(e.svc, false)
	c, rec := newContext(actorRequest(jsonRequest(http.MethodPost, string(payload)), patient(a)), a.ID.String())
	if err := lenient.PostMessage(c); err != nil {
		t.Fatalf("post: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_PostErrors(t *testing.T) {
	e := newChatEnv()
	h := NewHandler(e.svc, false)
	cancelled := e.appointment(consultation.StatusCancelled)
	live := e.appointment(consultation.StatusInProgress)

	tests := []struct {
		name  string
		appt  *consultation.Appointment
		body  string
		actor consultation.Actor
		want  int
	}{
		{"cancelled", cancelled, `{"body":"hi"}`, patient(cancelled), http.StatusConflict},
		{"empty", live, `{}`, patient(live), http.StatusBadRequest},
		{"unknown attachment", live, `{"attachment":{"id":"nope"}}`, patient(live), http.StatusNotFound},
		{"stranger", live, `{"body":"hi"}`, consultation.Actor{UserID: "00000000-0000-0000-0000-000000000009", Role: auth.RolePatient}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContext(actorRequest(jsonRequest(http.MethodPost, tt.body), tt.actor), tt.appt.ID.String())
			if code := statusOf(t, h.PostMessage(c)); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func multipartRequest(t *testing.T, field, name string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	w.Close()
	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestHandler_UploadAndDownload(t *testing.T) {
	e := newChatEnv()
	h := NewHandler(e.svc, false)
	a := e.appointment(consultation.StatusInProgress)

	c, rec := newContext(actorRequest(multipartRequest(t, "file", "rash.png", pngHeader), patient(a)), a.ID.String())
	if err := h.UploadAttachment(c); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var desc Attachment
	if err := json.Unmarshal(rec.Body.Bytes(), &desc); err != nil {
		t.Fatalf("decode: %v", err)
	}

	c, rec = newContext(actorRequest(httptest.NewRequest(http.MethodGet, "/", nil), clinician(a)), desc.ID)
	if err := h.DownloadAttachment(c); err != nil {
		t.Fatalf("download: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "image/png" {
		t.Errorf("expected image/png, got %s", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), pngHeader) {
		t.Error("downloaded body differs")
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, "rash.png") {
		t.Errorf("unexpected content disposition %q", cd)
	}
}

func TestHandler_UploadErrors(t *testing.T) {
	e := newChatEnv()
	h := NewHandler(e.svc, false)
	a := e.appointment(consultation.StatusInProgress)

	c, _ := newContext(actorRequest(multipartRequest(t, "other", "rash.png", pngHeader), patient(a)), a.ID.String())
	if code := statusOf(t, h.UploadAttachment(c)); code != http.StatusBadRequest {
		t.Errorf("missing file field: expected 400, got %d", code)
	}

	zip := []byte("PK\x03\x04\x14\x00\x00\x00\x08\x00")
	c, _ = newContext(actorRequest(multipartRequest(t, "file", "bundle.zip", zip), patient(a)), a.ID.String())
	if code := statusOf(t, h.UploadAttachment(c)); code != http.StatusUnsupportedMediaType {
		t.Errorf("disallowed type: expected 415, got %d", code)
	}
}
