package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func hello() http.Handler {
	return jsonBody(`{"status":"ok"}`)
}

func jsonBody(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
}

func TestWrapCompressesLargeJSON(t *testing.T) {
	body := `{"records":"` + strings.Repeat("x", 2048) + `"}`
	h := Wrap(jsonBody(body), Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/records", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding, headers %v", rec.Header())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	got, _ := io.ReadAll(zr)
	if string(got) != body {
		t.Fatalf("unexpected body length %d", len(got))
	}
}

func TestWrapLeavesSmallBodiesAlone(t *testing.T) {
	h := Wrap(hello(), Options{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "" {
		t.Fatalf("small body should not be compressed")
	}
	if rec.Body.String() != `{"status":"ok"}` || rec.Code != http.StatusOK {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestWrapKeepsStatusCode(t *testing.T) {
	h := Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}), Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/trigger", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

func TestWrapCORSWildcardSubdomain(t *testing.T) {
	h := Wrap(hello(), Options{CORSOrigins: []string{"*.example.org"}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://ops.example.org")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.org" {
		t.Fatalf("subdomain origin not allowed: %v", rec.Header())
	}
}

func TestWrapCORSPreflight(t *testing.T) {
	h := Wrap(hello(), Options{CORSOrigins: []string{"https://ui.example"}, CORSMaxAge: 60})
	req := httptest.NewRequest(http.MethodOptions, "/api/queue", nil)
	req.Header.Set("Origin", "https://ui.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://ui.example" {
		t.Fatalf("origin not allowed: %v", rec.Header())
	}
	if rec.Header().Get("Access-Control-Max-Age") != "60" {
		t.Fatalf("max age missing: %v", rec.Header())
	}
}

func TestWrapIgnoresUnknownOrigin(t *testing.T) {
	h := Wrap(hello(), Options{CORSOrigins: []string{"https://ui.example"}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected CORS header for unknown origin")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
