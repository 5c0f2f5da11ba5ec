package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/carlosmiguelhub/CyberCompiler/internal/bridge"
	"github.com/carlosmiguelhub/CyberCompiler/internal/config"
	"github.com/carlosmiguelhub/CyberCompiler/internal/monitor"
	"github.com/carlosmiguelhub/CyberCompiler/internal/storage"
)

// Server is the main HTTP server for the compiler API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	store      storage.Store
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
// store and auditWriter may be nil.
func NewServer(cfg *config.Config, b *bridge.Bridge, store storage.Store, auditWriter *storage.AuditWriter, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(b, store, auditWriter, metrics, cfg.Backend.ExposeDetails)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		store:     store,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured; allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false; all requests will be rejected")
		}
	}

	optionalUser := UserMiddleware(cfg.Security.UserHeader, false)
	user := func(fn http.HandlerFunc) http.Handler {
		return UserMiddleware(cfg.Security.UserHeader, true)(fn)
	}

	apiMux := http.NewServeMux()
	// No method in the pattern: the bridge handler answers non-POST with its own JSON 405.
	apiMux.Handle("/run", optionalUser(handlers.Runner()))
	apiMux.HandleFunc("GET /languages", handlers.HandleLanguages)

	apiMux.Handle("GET /runs", user(handlers.HandleListRuns))
	apiMux.Handle("GET /runs/{id}", user(handlers.HandleGetRun))
	apiMux.Handle("GET /me", user(handlers.HandleGetMe))
	apiMux.Handle("PATCH /me", user(handlers.HandleUpdateMe))
	apiMux.Handle("GET /projects", user(handlers.HandleListProjects))
	apiMux.Handle("POST /projects", user(handlers.HandleCreateProject))
	apiMux.Handle("PATCH /projects/{pid}", user(handlers.HandleRenameProject))
	apiMux.Handle("DELETE /projects/{pid}", user(handlers.HandleDeleteProject))
	apiMux.Handle("POST /projects/{pid}/files", user(handlers.HandleCreateFile))
	apiMux.Handle("GET /projects/{pid}/files/{fid}", user(handlers.HandleGetFile))
	apiMux.Handle("PATCH /projects/{pid}/files/{fid}", user(handlers.HandleUpdateFile))
	apiMux.Handle("DELETE /projects/{pid}/files/{fid}", user(handlers.HandleDeleteFile))
	apiMux.Handle("POST /projects/{pid}/files/{fid}/run", user(handlers.HandleRunFile))

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.APIKeyHeader, cfg.Security.AllowUnauthenticated)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = CORSMiddleware(cfg.Security.AllowedOrigins)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Database: "disabled",
		Backend:  s.cfg.Backend.URL,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	status := http.StatusOK
	if s.store != nil {
		resp.Database = "ok"
		if !s.store.Healthy(r.Context()) {
			resp.Database = "down"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}
