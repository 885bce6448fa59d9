package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(newContext("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(newContext("/?limit=50&offset=10"))

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(newContext("/?limit=1000"))
	if p.Limit != MaxLimit {
		t.Errorf("expected limit clamped to %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := FromContext(newContext("/?offset=-5"))
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestSinceFromContext(t *testing.T) {
	since, err := SinceFromContext(newContext("/"))
	if err != nil || since != nil {
		t.Fatalf("expected nil since without error, got %v, %v", since, err)
	}

	since, err = SinceFromContext(newContext("/?since=2026-03-01T10:00:00.5Z"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 500000000, time.UTC)
	if !since.Equal(want) {
		t.Errorf("expected %s, got %s", want, since)
	}

	if _, err := SinceFromContext(newContext("/?since=yesterday")); err == nil {
		t.Error("expected error for malformed since")
	}
}

func TestAfterSeqFromContext(t *testing.T) {
	seq, err := AfterSeqFromContext(newContext("/"))
	if err != nil || seq != nil {
		t.Fatalf("expected nil cursor without error, got %v, %v", seq, err)
	}

	seq, err = AfterSeqFromContext(newContext("/?after_seq=42"))
	if err != nil || seq == nil || *seq != 42 {
		t.Fatalf("expected 42, got %v, %v", seq, err)
	}

	for _, raw := range []string{"-1", "abc"} {
		if _, err := AfterSeqFromContext(newContext("/?after_seq=" + raw)); err == nil {
			t.Errorf("expected error for after_seq=%s", raw)
		}
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 5, 2, 0)
	if !resp.HasMore {
		t.Error("expected HasMore")
	}

	resp = NewResponse([]string{"e"}, 5, 2, 4)
	if resp.HasMore {
		t.Error("expected no more results on the last page")
	}
}

func TestParams_HasNextAndNextOffset(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if !p.HasNext(61) {
		t.Error("expected next page")
	}
	if p.HasNext(60) {
		t.Error("expected no next page")
	}
	if p.NextOffset() != 60 {
		t.Errorf("expected next offset 60, got %d", p.NextOffset())
	}
}
