package workspace

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// inspectorFor builds an Inspector that treats dirs as live session
// working directories, the same hook the supervisor wires in.
func inspectorFor(dirs ...string) *Inspector {
	return NewInspector(testLogger(), func() []string { return dirs })
}

func TestLooksBinary_DetectsNullByte(t *testing.T) {
	if !looksBinary([]byte{'a', 'b', 0, 'c'}) {
		t.Fatal("expected a null byte to mark content as binary")
	}
	if looksBinary([]byte("plain text content")) {
		t.Fatal("expected plain text not to be flagged binary")
	}
}

func TestResolve_DeniesOutsideAllowedRoots(t *testing.T) {
	in := inspectorFor()
	if _, err := in.Resolve("/etc/passwd"); err == nil {
		t.Fatal("expected a path outside home/tmp/session dirs to be denied")
	}
}

func TestResolve_AllowsSessionWorkDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ok.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	in := inspectorFor(dir)
	if _, err := in.Resolve(path); err != nil {
		t.Fatalf("expected a path under a session working dir to be allowed, got %v", err)
	}
}

func TestList_FiltersHiddenFilesByDefault(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	in := inspectorFor(dir)
	listing, err := in.List(dir, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listing.Entries) != 1 || listing.Entries[0].Name != "a.go" {
		t.Fatalf("expected hidden file filtered out by default, got %+v", listing.Entries)
	}

	withHidden, err := in.List(dir, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(withHidden.Entries) != 2 {
		t.Fatalf("expected hidden file included when requested, got %+v", withHidden.Entries)
	}
}

func TestView_TextFileCarriesLanguage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	in := inspectorFor(dir)
	preview, err := in.View(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if preview.Kind != "text" || preview.Language != "go" {
		t.Fatalf("expected a go-language text preview, got %+v", preview)
	}
}

func TestView_ImageReturnsRawURLNotInlineBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o644); err != nil {
		t.Fatal(err)
	}

	in := inspectorFor(dir)
	preview, err := in.View(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if preview.Kind != "image" || preview.Text != "" || preview.RawURL == "" {
		t.Fatalf("expected an image preview with a raw URL and no inline text, got %+v", preview)
	}
}

func TestView_RejectsBinaryOversizeAndDirectories(t *testing.T) {
	dir := t.TempDir()
	in := inspectorFor(dir)

	bin := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(bin, []byte{'a', 0, 'b'}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := in.View(bin); err == nil {
		t.Fatal("expected a binary file with no recognized image extension to be rejected")
	}

	big := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(big, make([]byte, previewLimit+1), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := in.View(big); err == nil {
		t.Fatal("expected a file over previewLimit to be rejected")
	}

	if _, err := in.View(dir); err == nil {
		t.Fatal("expected View on a directory to error")
	}
}
