package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// testServer builds a Server with no Supervisor wired, for handlers that
// don't touch it (handleInfo, handleDirSuggest, the JSON envelope helpers).
func testServer() *Server {
	return &Server{logger: slog.Default(), version: "test"}
}

func TestHandleInfo_ReturnsVersionAndTools(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
	rec := httptest.NewRecorder()
	s.handleInfo(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["version"] != "test" {
		t.Fatalf("expected echoed version, got %+v", body)
	}
	if _, ok := body["tools"]; !ok {
		t.Fatal("expected a tools field in the info response")
	}
}

func TestHandleDirSuggest_EmptyPrefixReturnsEmptyList(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dirs", nil)
	rec := httptest.NewRecorder()
	s.handleDirSuggest(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	dirs, ok := body["dirs"].([]any)
	if !ok || len(dirs) != 0 {
		t.Fatalf("expected an empty dirs list for an empty prefix, got %+v", body)
	}
}

func TestHandleDirSuggest_FiltersByPartialNameAndSkipsHidden(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"project-alpha", "project-beta", "other", ".hidden-project"} {
		if err := os.Mkdir(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// a plain file alongside the directories must never be suggested
	if err := os.WriteFile(filepath.Join(dir, "project-file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dirs?prefix="+filepath.Join(dir, "project"), nil)
	rec := httptest.NewRecorder()
	s.handleDirSuggest(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	dirs, _ := body["dirs"].([]any)
	if len(dirs) != 2 {
		t.Fatalf("expected exactly the two project-* directories, got %+v", dirs)
	}
}

func TestWriteError_SetsErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusNotFound, "not_found", "session not found: s1")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body struct {
		Success bool              `json:"success"`
		Error   map[string]string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body.Success {
		t.Fatal("expected success=false in the error envelope")
	}
	if body.Error["code"] != "not_found" {
		t.Fatalf("expected error.code=not_found, got %+v", body)
	}
}
