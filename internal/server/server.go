// Package server is the thin HTTP/WS surface spec.md §1 places out of
// core scope: routing, request decoding, and response envelopes only.
// Every handler calls straight into internal/supervisor; none of the
// respawn/progress/persistence machinery lives here.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/loppo-llc/sentinel/internal/hookingress"
	"github.com/loppo-llc/sentinel/internal/respawn"
	"github.com/loppo-llc/sentinel/internal/session"
	"github.com/loppo-llc/sentinel/internal/supervisor"
	"github.com/loppo-llc/sentinel/internal/workspace"
)

// Server is the server layer: a ServeMux plus the workspace inspector
// that sits alongside the session supervisor but isn't part of its
// core state.
type Server struct {
	sup     *supervisor.Supervisor
	ws      *workspace.Inspector
	logger  *slog.Logger
	httpSrv *http.Server
	devMode bool
	version string
}

// Config bundles everything New needs. Supervisor must already have
// had Reconcile called on it — Server never drives startup ordering
// itself.
type Config struct {
	Addr    string
	DevMode bool
	Logger  *slog.Logger
	// StaticFS serves an embedded frontend build, if the caller embeds
	// one; a nil StaticFS means sentinel is API-only (frontend UI is
	// explicitly out of scope per spec.md §1).
	StaticFS   fs.FS
	Version    string
	Supervisor *supervisor.Supervisor
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// The inspector's path policy grants access to live sessions'
	// working directories in addition to home and /tmp.
	sessionDirs := func() []string {
		if cfg.Supervisor == nil {
			return nil
		}
		var dirs []string
		for _, sess := range cfg.Supervisor.ListSessions() {
			dirs = append(dirs, sess.WorkDir)
		}
		return dirs
	}

	s := &Server{
		sup:     cfg.Supervisor,
		ws:      workspace.NewInspector(logger, sessionDirs),
		logger:  logger,
		devMode: cfg.DevMode,
		version: cfg.Version,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("PATCH /api/v1/sessions/{id}", s.handlePatchSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/restart", s.handleRestartSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/prompt", s.handleRunPrompt)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", s.handleSessionMessages)

	mux.HandleFunc("POST /api/v1/sessions/{id}/respawn", s.handleStartRespawn)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/respawn", s.handleStopRespawn)
	mux.HandleFunc("GET /api/v1/sessions/{id}/respawn", s.handleRespawnStatus)
	mux.HandleFunc("POST /api/v1/sessions/{id}/breaker/reset", s.handleResetBreaker)
	mux.HandleFunc("GET /api/v1/sessions/{id}/breaker", s.handleBreakerStatus)

	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/v1/dirs", s.handleDirSuggest)

	mux.HandleFunc("GET /api/v1/files", s.handleListFiles)
	mux.HandleFunc("GET /api/v1/files/view", s.handleViewFile)
	mux.HandleFunc("GET /api/v1/files/raw", s.handleRawFile)

	mux.HandleFunc("POST /api/v1/upload", s.handleUpload)

	mux.HandleFunc("GET /api/v1/git/status", s.handleGitStatus)
	mux.HandleFunc("GET /api/v1/git/log", s.handleGitLog)
	mux.HandleFunc("GET /api/v1/git/diff", s.handleGitDiff)

	mux.HandleFunc("GET /api/v1/push/vapid", s.handleVAPIDKey)
	mux.HandleFunc("POST /api/v1/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("POST /api/v1/push/unsubscribe", s.handlePushUnsubscribe)

	if cfg.DevMode {
		viteURL, _ := url.Parse("http://localhost:5173")
		proxy := httputil.NewSingleHostReverseProxy(viteURL)
		mux.Handle("/", proxy)
	} else if cfg.StaticFS != nil {
		fileServer := http.FileServer(http.FS(cfg.StaticFS))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/" {
				path = "index.html"
			} else {
				path = strings.TrimPrefix(path, "/")
			}
			if _, err := fs.Stat(cfg.StaticFS, path); err == nil {
				if strings.HasPrefix(r.URL.Path, "/assets/") {
					w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
				} else {
					w.Header().Set("Cache-Control", "no-cache")
				}
				fileServer.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(r.URL.Path, "/assets/") {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Cache-Control", "no-cache")
			r.URL.Path = "/"
			fileServer.ServeHTTP(w, r)
		})
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "not_found", "sentinel is running API-only; no frontend is embedded")
		})
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s
}

// HookDispatcher exposes the supervisor's hook-event dispatcher through
// the Server, for wiring an internal/hookingress MCP server.
func (s *Server) HookDispatcher() hookingress.Dispatcher { return s.sup.HookDispatcher() }

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) ServeTLS(ln net.Listener, certFile, keyFile string) error {
	s.logger.Info("server started (TLS)", "addr", ln.Addr().String())
	return s.httpSrv.ServeTLS(ln, certFile, keyFile)
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) { s.httpSrv.TLSConfig = tlsCfg }

// Shutdown stops accepting HTTP connections. The caller is responsible
// for calling Supervisor.Shutdown() separately — spec.md §5's ordering
// has the supervisor detach sessions and flush persistence, which must
// survive independently of whether the HTTP listener already closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server...")
	cleanupUploads()
	return s.httpSrv.Shutdown(ctx)
}

// --- Session handlers ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	homeDir, _ := os.UserHomeDir()
	resp := map[string]any{
		"version":  s.version,
		"hostname": hostname,
		"homeDir":  homeDir,
		"tools":    session.ToolAvailability(),
	}
	if s.sup != nil {
		resp["lifetime"] = s.sup.LifetimeStats()
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sup.ListSessions()
	infos := make([]session.SessionInfo, len(list))
	for i, sess := range list {
		infos[i] = sess.Info()
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tool       string   `json:"tool"`
		WorkDir    string   `json:"workDir"`
		Args       []string `json:"args"`
		AutoAccept bool     `json:"autoAccept"`
		ParentID   string   `json:"parentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tool is required")
		return
	}
	if req.WorkDir == "" {
		home, _ := os.UserHomeDir()
		req.WorkDir = home
	}

	sess, err := s.sup.CreateSession(req.Tool, req.WorkDir, req.Args, req.AutoAccept, req.ParentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	writeJSONResponse(w, http.StatusOK, sess.Info())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.sup.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return
	}
	writeJSONResponse(w, http.StatusOK, sess.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	killMux := r.URL.Query().Get("killMux") != "false"
	if err := s.sup.CleanupSession(id, killMux); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		} else {
			writeError(w, http.StatusConflict, "conflict", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.sup.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return
	}

	var req struct {
		Name                 *string `json:"name"`
		Color                *string `json:"color"`
		AutoAccept           *bool   `json:"autoAccept"`
		AutoClear            *bool   `json:"autoClear"`
		AutoClearThreshold   *int64  `json:"autoClearThreshold"`
		AutoCompact          *bool   `json:"autoCompact"`
		AutoCompactThreshold *int64  `json:"autoCompactThreshold"`
		AutoCompactPrompt    *string `json:"autoCompactPrompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	if req.Name != nil || req.Color != nil {
		info := sess.Info()
		name := info.Name
		color := info.Color
		if req.Name != nil {
			name = *req.Name
		}
		if req.Color != nil {
			color = *req.Color
		}
		if err := s.sup.SetLabels(id, name, color); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	if req.AutoAccept != nil {
		if err := s.sup.SetAutoAccept(id, *req.AutoAccept); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	if req.AutoClear != nil || req.AutoClearThreshold != nil {
		info := sess.Info()
		enabled := info.AutoClear
		threshold := info.AutoClearThreshold
		if req.AutoClear != nil {
			enabled = *req.AutoClear
		}
		if req.AutoClearThreshold != nil {
			threshold = *req.AutoClearThreshold
		}
		if err := s.sup.SetAutoClear(id, enabled, threshold); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	if req.AutoCompact != nil || req.AutoCompactThreshold != nil || req.AutoCompactPrompt != nil {
		info := sess.Info()
		enabled := info.AutoCompact
		threshold := info.AutoCompactThreshold
		prompt := info.AutoCompactPrompt
		if req.AutoCompact != nil {
			enabled = *req.AutoCompact
		}
		if req.AutoCompactThreshold != nil {
			threshold = *req.AutoCompactThreshold
		}
		if req.AutoCompactPrompt != nil {
			prompt = *req.AutoCompactPrompt
		}
		if err := s.sup.SetAutoCompact(id, enabled, threshold, prompt); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	writeJSONResponse(w, http.StatusOK, sess.Info())
}

func (s *Server) handleRunPrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "prompt is required")
		return
	}

	res, err := s.sup.RunPrompt(r.Context(), id, req.Prompt)
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "not found"):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case strings.Contains(err.Error(), "busy"):
			writeError(w, http.StatusConflict, "session_busy", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, res)
}

func (s *Server) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sup.RestartSession(id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		} else {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, sess.Info())
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.sup.Messages(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"messages": msgs})
}

// --- Respawn / circuit breaker handlers ---

func (s *Server) handleStartRespawn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg := respawn.DefaultConfig()
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid respawn config")
			return
		}
	}
	if err := s.sup.StartRespawn(id, cfg); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		} else {
			writeError(w, http.StatusConflict, "conflict", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStopRespawn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.sup.StopRespawn(id, respawn.ReasonExplicitStop)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRespawnStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSONResponse(w, http.StatusOK, s.sup.RespawnStatus(id))
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sup.ResetBreaker(id); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.sup.BreakerStatus(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, status)
}

// --- Directory suggestion ---

func (s *Server) handleDirSuggest(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		writeJSONResponse(w, http.StatusOK, map[string]any{"dirs": []string{}})
		return
	}

	if strings.HasPrefix(prefix, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			prefix = home + prefix[1:]
		}
	}

	dir := filepath.Dir(prefix)
	partial := filepath.Base(prefix)

	if strings.HasSuffix(prefix, "/") {
		dir = prefix
		partial = ""
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{"dirs": []string{}})
		return
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if partial != "" && !strings.HasPrefix(strings.ToLower(name), strings.ToLower(partial)) {
			continue
		}
		full := filepath.Join(dir, name)
		dirs = append(dirs, full)
		if len(dirs) >= 10 {
			break
		}
	}

	if dirs == nil {
		dirs = []string{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"dirs": dirs})
}

// --- Workspace file handlers ---

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	hidden := r.URL.Query().Get("hidden") == "true"

	result, err := s.ws.List(dir, hidden)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleViewFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	result, err := s.ws.View(path)
	if err != nil {
		if strings.Contains(err.Error(), "unsupported") {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", err.Error())
		} else if strings.Contains(err.Error(), "too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
		} else {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleRawFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	s.ws.ServeRaw(w, r, path)
}

// --- Upload ---

const uploadDir = "/tmp/sentinel/upload"
const maxUploadSize = 20 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "file too large (max 20MB)")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing file field")
		return
	}
	defer file.Close()

	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create upload directory")
		return
	}

	safeName := filepath.Base(header.Filename)
	filename := fmt.Sprintf("%d_%s", time.Now().UnixNano(), safeName)
	destPath := filepath.Join(uploadDir, filename)

	dst, err := os.Create(destPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create file")
		return
	}
	defer dst.Close()

	written, err := dst.ReadFrom(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to write file")
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"path": destPath,
		"name": header.Filename,
		"size": written,
		"mime": mime,
	})
}

func cleanupUploads() {
	os.RemoveAll(uploadDir)
}

// --- Workspace git handlers ---

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	workDir := r.URL.Query().Get("workDir")
	result, err := s.ws.RepoStatus(workDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitLog(w http.ResponseWriter, r *http.Request) {
	workDir := r.URL.Query().Get("workDir")
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := fmt.Sscanf(l, "%d", &limit); n != 1 || err != nil {
			limit = 20
		}
	}
	commits, err := s.ws.RepoLog(workDir, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	workDir := r.URL.Query().Get("workDir")
	ref := r.URL.Query().Get("ref")
	diff, err := s.ws.RepoDiff(workDir, ref)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"diff": diff})
}

// --- Web push handlers ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.sup.Push() == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"publicKey": s.sup.Push().VAPIDPublicKey()})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.sup.Push() == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.sup.Push().Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.sup.Push() == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}
	s.sup.Push().Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Helpers ---

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
