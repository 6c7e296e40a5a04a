package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	logger := zap.NewNop().Sugar()
	return NewHandler(nil, nil, "s3cr3t", logger)
}

func TestCirrusWebhookUnrecognisedEventType(t *testing.T) {
	h := testHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/cirrus-webhook", strings.NewReader(`{}`))
	req.Header.Set("X-Cirrus-Event", "bogus")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "not understood" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "not understood")
	}
}

func TestCirrusWebhookMalformedBody(t *testing.T) {
	h := testHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/cirrus-webhook", strings.NewReader(`not json`))
	req.Header.Set("X-Cirrus-Event", "build")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Body.String() != "not understood" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "not understood")
	}
}

func TestCirrusWebhookUnrecognisedAction(t *testing.T) {
	h := testHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/cirrus-webhook", strings.NewReader(`{"action":"deleted"}`))
	req.Header.Set("X-Cirrus-Event", "build")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Body.String() != "not understood" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "not understood")
	}
}

func TestRequeuePatchRejectsBadSecret(t *testing.T) {
	h := testHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/requeue-patch",
		strings.NewReader(`{"commitfest_id":1,"submission_id":2,"shared_secret":"wrong"}`))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "not understood" {
		t.Fatalf("body = %q, want %q (bad secret must not reach the store)", rec.Body.String(), "not understood")
	}
}

func TestUnknownRouteNotFound(t *testing.T) {
	h := testHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
