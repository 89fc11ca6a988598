package webhook

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestValidationEcho(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications?validationToken=abc123", nil)

	if !ValidationEcho(rec, req) {
		t.Fatal("ValidationEcho should handle a request with validationToken")
	}

	resp := rec.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %s, want text/plain", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "abc123" {
		t.Errorf("Body = %q, want the raw token", body)
	}
}

func TestValidationEchoPassesThroughNormalRequests(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications", nil)

	if ValidationEcho(rec, req) {
		t.Error("ValidationEcho should not handle requests without a token")
	}
	if rec.Body.Len() != 0 {
		t.Error("No body should be written for normal requests")
	}
}

func TestAccepted(t *testing.T) {
	rec := httptest.NewRecorder()
	Accepted(rec)
	if rec.Code != http.StatusAccepted {
		t.Errorf("Status = %d, want 202", rec.Code)
	}
}

func TestHandleRejectsAfterStart(t *testing.T) {
	s := NewServer(0, time.Second, time.Second, time.Minute)

	if err := s.Handle("/before", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})); err != nil {
		t.Fatalf("Handle before start failed: %v", err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	if err := s.Handle("/after", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})); err == nil {
		t.Error("Handle after start should fail")
	}
}

func TestHealthRoute(t *testing.T) {
	s := NewServer(0, time.Second, time.Second, time.Minute)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Health status = %d, want 200", rec.Code)
	}
}
