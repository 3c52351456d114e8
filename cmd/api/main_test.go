package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/libroai/libro/engine/domain"
)

type stubRetriever struct {
	results   []domain.RetrievedResult
	err       error
	gotTopK   int
	gotSource string
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, topK int) ([]domain.RetrievedResult, error) {
	s.gotTopK = topK
	return s.results, s.err
}

func (s *stubRetriever) RetrieveFromSource(_ context.Context, _ string, topK int, sourceURL string) ([]domain.RetrievedResult, error) {
	s.gotTopK = topK
	s.gotSource = sourceURL
	return s.results, s.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/health", nil)
	handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
}

func TestQueryEndpoint_Success(t *testing.T) {
	svc := &stubRetriever{results: []domain.RetrievedResult{
		{ChunkID: "c1", Text: "Install the binary.", SourceURL: "https://docs.example.com/install", Score: 0.92, Ordinal: 0},
		{ChunkID: "c2", Text: "Run the command.", SourceURL: "https://docs.example.com/usage", Score: 0.81, Ordinal: 1},
	}}
	handler := handleQuery(svc, discard())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/query", strings.NewReader(`{"query":"how do I install this","top_k":2}`))
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %s", ct)
	}
	if svc.gotTopK != 2 {
		t.Errorf("top_k passed through = %d, want 2", svc.gotTopK)
	}

	var resp QueryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.Results) != 2 {
		t.Fatalf("count = %d, results = %d", resp.Count, len(resp.Results))
	}
	if resp.Results[0].ChunkID != "c1" || resp.Results[0].Score != 0.92 {
		t.Errorf("first result = %+v", resp.Results[0])
	}
}

func TestQueryEndpoint_SourceScopesRetrieval(t *testing.T) {
	svc := &stubRetriever{}
	handler := handleQuery(svc, discard())

	rec := httptest.NewRecorder()
	body := `{"query":"how do I install this","source":"https://docs.example.com/install"}`
	handler(rec, httptest.NewRequest("POST", "/api/query", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.gotSource != "https://docs.example.com/install" {
		t.Errorf("source = %q, want the request's source URL", svc.gotSource)
	}
}

func TestQueryEndpoint_EmptyResultIsEmptyArray(t *testing.T) {
	handler := handleQuery(&stubRetriever{}, discard())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/query", strings.NewReader(`{"query":"nothing matches this"}`))
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"results":[]`) {
		t.Errorf("empty results must encode as [], got %s", rec.Body.String())
	}
}

func TestQueryEndpoint_InvalidJSON(t *testing.T) {
	handler := handleQuery(&stubRetriever{}, discard())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/query", strings.NewReader("not json"))
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestQueryEndpoint_ValidationErrorIs400(t *testing.T) {
	svc := &stubRetriever{err: domain.NewValidationError("text", "", domain.ErrEmptyQuery)}
	handler := handleQuery(svc, discard())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/query", strings.NewReader(`{"query":""}`))
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "query is empty") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestQueryEndpoint_TransientErrorIs503(t *testing.T) {
	svc := &stubRetriever{err: domain.ErrTransient}
	handler := handleQuery(svc, discard())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/query", strings.NewReader(`{"query":"valid query text"}`))
	handler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestQueryEndpoint_SchemaMismatchIs500(t *testing.T) {
	svc := &stubRetriever{err: domain.ErrSchemaMismatch}
	handler := handleQuery(svc, discard())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/query", strings.NewReader(`{"query":"valid query text"}`))
	handler(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "schema") {
		t.Errorf("internal detail leaked to client: %s", rec.Body.String())
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	h := routes(&stubRetriever{}, discard())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/query", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRoutes_MetricsEndpoint(t *testing.T) {
	h := routes(&stubRetriever{}, discard())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("content type = %s", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "libro_queries_total") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}
