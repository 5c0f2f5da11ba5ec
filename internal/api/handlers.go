package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/carlosmiguelhub/CyberCompiler/internal/bridge"
	"github.com/carlosmiguelhub/CyberCompiler/internal/language"
	"github.com/carlosmiguelhub/CyberCompiler/internal/monitor"
	"github.com/carlosmiguelhub/CyberCompiler/internal/piston"
	"github.com/carlosmiguelhub/CyberCompiler/internal/storage"
)

type Handlers struct {
	store       storage.Store
	auditWriter *storage.AuditWriter
	metrics     *monitor.Metrics
	runner      *bridge.Handler
}

// NewHandlers wires the route handlers. store and auditWriter may be nil
// when no database is configured.
func NewHandlers(b *bridge.Bridge, store storage.Store, auditWriter *storage.AuditWriter, metrics *monitor.Metrics, exposeDetails bool) *Handlers {
	h := &Handlers{
		store:       store,
		auditWriter: auditWriter,
		metrics:     metrics,
	}
	h.runner = bridge.NewHandler(b, h, exposeDetails)
	return h
}

// Runner returns the /run handler.
func (h *Handlers) Runner() http.Handler {
	return h.trackActive(h.runner)
}

func (h *Handlers) trackActive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.metrics.ActiveRuns.Inc()
		defer h.metrics.ActiveRuns.Dec()
		next.ServeHTTP(w, r)
	})
}

// ObserveRun records metrics and run history for every run handled by the
// bridge.
func (h *Handlers) ObserveRun(r *http.Request, ev bridge.Event) {
	lang := ev.Request.Language
	h.metrics.CodeSizeBytes.Observe(float64(len(ev.Request.Code)))

	status := "success"
	switch {
	case ev.Err == nil:
		h.metrics.OutputSizeBytes.Observe(float64(len(ev.Outcome.Stdout) + len(ev.Outcome.Stderr)))
	case bridge.IsUserError(ev.Err):
		// Rejected before any backend call; nothing to record in history.
		// Client-supplied ids never become label values.
		if _, err := language.Resolve(lang); err != nil {
			lang = "unsupported"
		}
		h.metrics.RecordRun(lang, "invalid", ev.Duration.Seconds())
		return
	default:
		status = "backend_error"
		op := "unknown"
		var be *piston.BackendError
		if errors.As(ev.Err, &be) {
			op = be.Op
		}
		h.metrics.RecordBackendError(op)
	}
	h.metrics.RecordRun(lang, status, ev.Duration.Seconds())

	if h.auditWriter == nil {
		return
	}

	sum := sha256.Sum256([]byte(ev.Request.Code))
	run := &storage.Run{
		ID:         uuid.New().String(),
		UserID:     UserFromContext(r.Context()),
		Language:   lang,
		CodeHash:   hex.EncodeToString(sum[:]),
		Status:     status,
		DurationMS: ev.Duration.Milliseconds(),
		RequestIP:  clientIP(r),
		CreatedAt:  time.Now().UTC(),
	}
	if ev.Outcome != nil {
		run.CompileCode = ev.Outcome.CompileCode
		run.RunExitCode = ev.Outcome.RunExitCode
		run.Signal = ev.Outcome.Signal
		run.StdoutBytes = len(ev.Outcome.Stdout)
		run.StderrBytes = len(ev.Outcome.Stderr)
	}
	h.auditWriter.Log(run)
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	specs := language.Specs()
	out := make([]LanguageInfo, 0, len(specs))
	for _, s := range specs {
		out = append(out, LanguageInfo{
			ID:       string(s.ID),
			Version:  s.BackendVersion,
			Filename: s.Filename,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	q := r.URL.Query()
	filter := storage.RunFilter{
		UserID:   UserFromContext(r.Context()),
		Language: q.Get("language"),
		Status:   q.Get("status"),
		Limit:    100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		h.storeError(w, r, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, RunList{Runs: runs})
}

func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	run, err := h.store.GetRun(r.Context(), UserFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		h.storeError(w, r, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handlers) HandleGetMe(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	u, err := h.store.EnsureUser(r.Context(), h.gatewayUser(r))
	if err != nil {
		h.storeError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handlers) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	var upd storage.UserUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	if _, err := h.store.EnsureUser(r.Context(), h.gatewayUser(r)); err != nil {
		h.storeError(w, r, err, "user")
		return
	}
	u, err := h.store.UpdateUser(r.Context(), UserFromContext(r.Context()), upd)
	if err != nil {
		h.storeError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handlers) gatewayUser(r *http.Request) storage.User {
	return storage.User{
		UID:         UserFromContext(r.Context()),
		Email:       r.Header.Get(headerUserEmail),
		DisplayName: r.Header.Get(headerUserName),
	}
}

func (h *Handlers) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	projects, err := h.store.ListProjects(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		h.storeError(w, r, err, "project")
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handlers) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	var req ProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.store.CreateProject(r.Context(), UserFromContext(r.Context()), req.Name)
	if err != nil {
		h.storeError(w, r, err, "project")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) HandleRenameProject(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	var req ProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.store.RenameProject(r.Context(), UserFromContext(r.Context()), r.PathValue("pid"), req.Name); err != nil {
		h.storeError(w, r, err, "project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	if err := h.store.DeleteProject(r.Context(), UserFromContext(r.Context()), r.PathValue("pid")); err != nil {
		h.storeError(w, r, err, "project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleCreateFile(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	var req FileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := h.store.CreateFile(r.Context(), UserFromContext(r.Context()), r.PathValue("pid"), storage.File{
		Filename: req.Filename,
		Language: req.Language,
		Content:  req.Content,
	})
	if err != nil {
		h.storeError(w, r, err, "project")
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *Handlers) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	f, err := h.store.GetFile(r.Context(), UserFromContext(r.Context()), r.PathValue("pid"), r.PathValue("fid"))
	if err != nil {
		h.storeError(w, r, err, "file")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handlers) HandleUpdateFile(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	var upd storage.FileUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	if upd.Empty() {
		writeError(w, "nothing to update", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	f, err := h.store.UpdateFile(r.Context(), UserFromContext(r.Context()), r.PathValue("pid"), r.PathValue("fid"), upd)
	if err != nil {
		h.storeError(w, r, err, "file")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handlers) HandleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	if err := h.store.DeleteFile(r.Context(), UserFromContext(r.Context()), r.PathValue("pid"), r.PathValue("fid")); err != nil {
		h.storeError(w, r, err, "file")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRunFile runs a saved file through the bridge with the /run
// response contract.
func (h *Handlers) HandleRunFile(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}

	var req FileRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := h.store.GetFile(r.Context(), UserFromContext(r.Context()), r.PathValue("pid"), r.PathValue("fid"))
	if err != nil {
		h.storeError(w, r, err, "file")
		return
	}

	lang := f.Language
	if _, err := language.Resolve(lang); err != nil {
		if detected, ok := language.DetectFromFilename(f.Filename); ok {
			lang = string(detected)
		}
	}

	h.metrics.ActiveRuns.Inc()
	defer h.metrics.ActiveRuns.Dec()
	h.runner.Run(w, r, bridge.RunRequest{Language: lang, Code: f.Content, Stdin: req.Stdin})
}

func (h *Handlers) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return false
	}
	return true
}

func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error, what string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, what+" not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	loggerFrom(r.Context()).Error().Err(err).Str("entity", what).Msg("store operation failed")
	writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
}

// decodeJSON decodes the request body into v. An empty body leaves v zero.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
		return false
	}
	writeError(w, "invalid JSON body", "INVALID_REQUEST", http.StatusBadRequest, r)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Success:   false,
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
