package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRespondJSON(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		data       any
		wantBody   string
	}{
		{"OK with map", http.StatusOK, map[string]string{"status": "ok"}, "{\"status\":\"ok\"}\n"},
		{"Created with array", http.StatusCreated, []string{"a"}, "[\"a\"]\n"},
		{"empty map", http.StatusOK, map[string]string{}, "{}\n"},
		{"nil data", http.StatusNoContent, nil, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			respondJSON(recorder, tc.statusCode, tc.data)

			assertStatusCode(t, recorder, tc.statusCode)
			assertContentType(t, recorder, "application/json")
			if recorder.Body.String() != tc.wantBody {
				t.Errorf("expected body %q, got %q", tc.wantBody, recorder.Body.String())
			}
		})
	}
}

func TestRespondError(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondError(recorder, http.StatusNotFound, "face not found")

	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, "face not found")
}

func TestSanitizeForLog(t *testing.T) {
	if got := sanitizeForLog("a\nb\r\nc"); got != "abc" {
		t.Errorf("expected 'abc', got %q", got)
	}
}

func TestDecodeJSON_RejectsOversizedBody(t *testing.T) {
	body := `{"html":"` + strings.Repeat("x", maxRequestBody) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/page/nodes", strings.NewReader(body))
	recorder := httptest.NewRecorder()

	var v NodesRequest
	if err := decodeJSON(recorder, req, &v); err == nil {
		t.Error("expected an error for an oversized body")
	}
}

func TestHealthCheck(t *testing.T) {
	for _, method := range []string{"GET", "POST", "HEAD"} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/api/v1/health", nil)
			recorder := httptest.NewRecorder()

			HealthCheck(recorder, req)

			assertStatusCode(t, recorder, http.StatusOK)
			var result map[string]string
			parseJSONResponse(t, recorder, &result)
			if result["status"] != "ok" {
				t.Errorf("expected status 'ok', got '%s'", result["status"])
			}
		})
	}
}
