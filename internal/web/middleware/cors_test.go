package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	allowed := []string{"https://faces.example.com", "https://other.example.com"}

	tests := []struct {
		name        string
		origin      string
		wantAllowed bool
	}{
		{"no origin", "", false},
		{"localhost", "http://localhost:5173", true},
		{"loopback", "http://127.0.0.1:8080", true},
		{"localhost lookalike", "http://localhost.evil.com", false},
		{"chrome extension", "chrome-extension://abcdefghijklmnop", true},
		{"firefox extension", "moz-extension://1234-5678", true},
		{"configured", "https://faces.example.com", true},
		{"second configured", "https://other.example.com", true},
		{"unknown", "https://evil.example.com", false},
	}

	handler := CORS(allowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, req)

			got := recorder.Header().Get("Access-Control-Allow-Origin")
			if tc.wantAllowed && got != tc.origin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tc.origin)
			}
			if !tc.wantAllowed && got != "" {
				t.Errorf("Access-Control-Allow-Origin = %q, want none", got)
			}
			if recorder.Code != http.StatusTeapot {
				t.Errorf("expected status %d, got %d", http.StatusTeapot, recorder.Code)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	handler := CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/messages", nil)
	req.Header.Set("Origin", "chrome-extension://abc")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if called {
		t.Error("preflight reached the next handler")
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "chrome-extension://abc" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
