// Package workspace inspects the directories supervised sessions work
// in: listing files, rendering previews, and summarizing the git state
// of whatever repository a session's workingDir points at. Every
// operation goes through one path policy — the operator's home, the
// /tmp scratch space, and the working directories of live sessions —
// so a compromised browser tab can't walk the rest of the filesystem
// through the supervisor.
package workspace

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// previewLimit bounds how much of a file View will inline.
const previewLimit = 1024 * 1024

// Inspector is the read-only window onto session workspaces the thin
// server layer exposes.
type Inspector struct {
	logger *slog.Logger

	// sessionDirs reports the working directories of live sessions;
	// those are reachable even when they fall outside the operator's
	// home (a session supervising /srv/build, say).
	sessionDirs func() []string
}

func NewInspector(logger *slog.Logger, sessionDirs func() []string) *Inspector {
	return &Inspector{logger: logger, sessionDirs: sessionDirs}
}

// Resolve normalizes path, follows symlinks, and checks it against the
// allowed roots. Every exported operation funnels through here.
func (in *Inspector) Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Not-yet-existing leaf: resolve the parent instead.
		parent, perr := filepath.EvalSymlinks(filepath.Dir(abs))
		if perr != nil {
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
		resolved = filepath.Join(parent, filepath.Base(abs))
	}

	for _, root := range in.allowedRoots() {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("access denied: path outside supervised workspaces")
}

func (in *Inspector) allowedRoots() []string {
	var roots []string
	if home, err := os.UserHomeDir(); err == nil {
		if h, err := filepath.EvalSymlinks(home); err == nil {
			roots = append(roots, h)
		}
	}
	roots = append(roots, "/tmp")
	if in.sessionDirs != nil {
		for _, dir := range in.sessionDirs() {
			if dir == "" {
				continue
			}
			if d, err := filepath.EvalSymlinks(dir); err == nil {
				roots = append(roots, d)
			}
		}
	}
	return roots
}

// Entry is one row of a directory listing.
type Entry struct {
	Name    string `json:"name"`
	Dir     bool   `json:"dir"`
	Size    int64  `json:"size"`
	ModTime string `json:"modTime"`
}

// Listing is a directory's contents after hidden-file filtering.
type Listing struct {
	Dir     string  `json:"dir"`
	Entries []Entry `json:"entries"`
}

// List returns dir's entries. An empty dir means the operator's home.
func (in *Inspector) List(dir string, showHidden bool) (*Listing, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		dir = home
	}

	resolved, err := in.Resolve(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory: %w", err)
	}

	out := &Listing{Dir: resolved, Entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		if !showHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		row := Entry{Name: e.Name(), Dir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			row.Size = info.Size()
			row.ModTime = info.ModTime().UTC().Format(time.RFC3339)
		}
		out.Entries = append(out.Entries, row)
	}
	return out, nil
}

// imageMimes maps previewable image extensions to their content type;
// anything else is previewed as text or rejected as binary.
var imageMimes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// languageByExt drives syntax highlighting hints in the preview.
var languageByExt = map[string]string{
	".go":   "go",
	".mod":  "go",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".rs":   "rust",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".sh":   "bash",
	".bash": "bash",
	".zsh":  "bash",
	".md":   "markdown",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".sql":  "sql",
	".html": "html",
	".css":  "css",
}

// Preview is what View returns: inline text for source files, a raw
// URL for images.
type Preview struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Size     int64  `json:"size"`
	RawURL   string `json:"rawUrl,omitempty"`
}

// View renders a single file for display.
func (in *Inspector) View(path string) (*Preview, error) {
	resolved, err := in.Resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory")
	}

	ext := strings.ToLower(filepath.Ext(resolved))
	if mime, ok := imageMimes[ext]; ok {
		return &Preview{
			Path:   resolved,
			Kind:   "image",
			Mime:   mime,
			Size:   info.Size(),
			RawURL: "/api/v1/files/raw?path=" + url.QueryEscape(resolved),
		}, nil
	}

	if info.Size() > previewLimit {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), previewLimit)
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("cannot read file: %w", err)
	}
	if looksBinary(content) {
		return nil, fmt.Errorf("unsupported file type: binary")
	}

	return &Preview{
		Path:     resolved,
		Kind:     "text",
		Text:     string(content),
		Language: languageByExt[ext],
		Size:     info.Size(),
	}, nil
}

// ServeRaw streams a file (image bytes, mostly) after the same policy
// check View applies.
func (in *Inspector) ServeRaw(w http.ResponseWriter, r *http.Request, path string) {
	resolved, err := in.Resolve(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	http.ServeFile(w, r, resolved)
}

// looksBinary sniffs the leading bytes for a NUL, the same heuristic
// git itself uses.
func looksBinary(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.IndexByte(head, 0) >= 0
}
