package endpoint

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStringRenderer_SetsContentTypeAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := (&StringRenderer{Body: "hello"}).Render(rec, nil); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Errorf("got Content-Type %q", got)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestStringRenderer_DoesNotOverrideExistingContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/csv")
	if err := (&StringRenderer{Body: "a,b", ContentType: "text/html"}).Render(rec, nil); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/csv" {
		t.Errorf("got Content-Type %q", got)
	}
}

func TestBytesRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	br := &BytesRenderer{
		Status:      http.StatusAccepted,
		Body:        []byte("<x/>"),
		ContentType: "text/xml; charset=utf-8",
		Header:      http.Header{"X-Request-Id": {"abc"}},
	}
	if err := br.Render(rec, nil); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if rec.Code != http.StatusAccepted || rec.Body.String() != "<x/>" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/xml; charset=utf-8" || rec.Header().Get("X-Request-Id") != "abc" {
		t.Errorf("got headers %v", rec.Header())
	}
}

func TestNoContentRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := (&NoContentRenderer{Header: http.Header{"Allow": {"POST"}}}).Render(rec, nil); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Allow") != "POST" {
		t.Errorf("got headers %v", rec.Header())
	}
}

func TestRedirectRenderer(t *testing.T) {
	for _, tt := range []struct {
		status int
		want   int
	}{
		{0, http.StatusFound},
		{http.StatusSeeOther, http.StatusSeeOther},
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/callback/x", nil)
		if err := (&RedirectRenderer{URL: "/next", Status: tt.status}).Render(rec, req); err != nil {
			t.Fatalf("Render returned error: %v", err)
		}
		if rec.Code != tt.want {
			t.Errorf("got status %d, want %d", rec.Code, tt.want)
		}
		if got := rec.Header().Get("Location"); got != "/next" {
			t.Errorf("got Location %q", got)
		}
	}
}
