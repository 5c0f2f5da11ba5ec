package bridge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RunResponse is the success body of a run.
type RunResponse struct {
	Success     bool    `json:"success"`
	Language    string  `json:"language"`
	Stdout      string  `json:"stdout"`
	Stderr      string  `json:"stderr"`
	Output      string  `json:"output"`
	CompileCode *int    `json:"compileCode"`
	RunExitCode *int    `json:"runExitCode"`
	Signal      *string `json:"signal"`
}

// ErrorResponse is the failure body of a run.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// Event describes one handled run for an Observer.
type Event struct {
	Request  RunRequest
	Outcome  *Outcome
	Err      error
	Duration time.Duration
}

// Observer is notified after every run that got past JSON decoding.
type Observer interface {
	ObserveRun(r *http.Request, ev Event)
}

// Handler exposes a Bridge over HTTP. The same Handler backs the
// long-running server and the serverless function.
type Handler struct {
	bridge        *Bridge
	observer      Observer
	exposeDetails bool
}

// NewHandler wraps b. observer may be nil. When exposeDetails is set, the
// backend's own error message is returned in the details field of 500
// responses.
func NewHandler(b *Bridge, observer Observer, exposeDetails bool) *Handler {
	return &Handler{
		bridge:        b,
		observer:      observer,
		exposeDetails: exposeDetails,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "Method not allowed"})
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}

	h.Run(w, r, req)
}

// Run executes req and writes the response. It is exported for routes
// that build the RunRequest themselves.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request, req RunRequest) {
	start := time.Now()
	out, err := h.bridge.Execute(r.Context(), req)

	if h.observer != nil {
		h.observer.ObserveRun(r, Event{
			Request:  req,
			Outcome:  out,
			Err:      err,
			Duration: time.Since(start),
		})
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, RunResponse{
			Success:     true,
			Language:    out.Language,
			Stdout:      out.Stdout,
			Stderr:      out.Stderr,
			Output:      out.Output,
			CompileCode: out.CompileCode,
			RunExitCode: out.RunExitCode,
			Signal:      out.Signal,
		})
	case IsUserError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		resp := ErrorResponse{Error: "Failed to execute code"}
		if h.exposeDetails {
			if d := backendDetail(err); d != "" {
				resp.Details = d
			}
		}
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
