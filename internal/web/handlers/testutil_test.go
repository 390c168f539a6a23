package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-blocker/internal/compute"
	"github.com/kozaktomas/face-blocker/internal/config"
	"github.com/kozaktomas/face-blocker/internal/database"
	"github.com/kozaktomas/face-blocker/internal/database/mock"
	"github.com/kozaktomas/face-blocker/internal/facematch"
	"github.com/kozaktomas/face-blocker/internal/imagecache"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
	"github.com/kozaktomas/face-blocker/internal/page"
	"github.com/kozaktomas/face-blocker/internal/scanner"
)

var testDefaults = config.SettingsDefaults{
	BlockingEnabled:     true,
	MaxScans:            10,
	MinWidth:            200,
	MinHeight:           200,
	SimilarityThreshold: 0.6,
}

// stubMatcher matches every image against the first reference.
type stubMatcher struct{ match bool }

func (m stubMatcher) Evaluate(ctx context.Context, src string, refs []database.ReferenceFace, threshold float64) facematch.Outcome {
	if !m.match || len(refs) == 0 {
		return facematch.Outcome{Names: []string{}}
	}
	return facematch.Outcome{Faces: 1, Matches: 1, Names: []string{refs[0].Name}}
}

// stubDetector finds one face and reports its acceleration.
type stubDetector struct {
	err error
}

func (d stubDetector) Detect(ctx context.Context, image []byte) ([]facematch.Detection, error) {
	if d.err != nil {
		return nil, d.err
	}
	return []facematch.Detection{{Embedding: []float32{1}}}, nil
}

func (d stubDetector) Accelerated(ctx context.Context) (bool, error) { return true, nil }

// env wires real components around an in-memory store.
type env struct {
	store   *kvstore.Memory
	refs    *mock.MockReferenceRepository
	cache   *imagecache.Cache
	doc     *page.Document
	scanner *scanner.Scanner
	model   *facematch.ModelHandle
	probe   *compute.Probe
}

const testHTML = `<html><body><img src="https://example.com/a.jpg" width="300" height="300"></body></html>`

func newEnv(t *testing.T, faces ...database.ReferenceFace) *env {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { store.Close() })

	doc, err := page.ParseString(testHTML, "https://example.com/")
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}
	t.Cleanup(doc.Close)

	refs := mock.NewMockReferenceRepository(faces...)
	cache := imagecache.New(store)
	det := stubDetector{}
	return &env{
		store:   store,
		refs:    refs,
		cache:   cache,
		doc:     doc,
		scanner: scanner.New(store, refs, cache, stubMatcher{match: true}, doc, scanner.WithDefaults(testDefaults), scanner.WithDelay(0)),
		model:   facematch.NewModelHandle(nil),
		probe: compute.NewProbe(det,
			compute.WithMemory(func(context.Context) (uint64, error) { return 8 << 30, nil }),
			compute.WithCores(func(context.Context) int { return 8 }),
		),
	}
}

func (e *env) statusHandler() *StatusHandler {
	return NewStatusHandler(e.store, e.scanner, e.doc, e.model, testDefaults, nil)
}

func (e *env) computeHandler() *ComputeHandler {
	return NewComputeHandler(e.probe, e.store, e.scanner, nil)
}

// jsonRequest creates a request with a JSON body
func jsonRequest(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}

// eventually polls cond until it holds or the deadline passes
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
