// Package handler is the serverless entry point for the run endpoint. It
// mounts the same bridge handler as the long-running server.
package handler

import (
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/carlosmiguelhub/CyberCompiler/internal/api"
	"github.com/carlosmiguelhub/CyberCompiler/internal/bridge"
	"github.com/carlosmiguelhub/CyberCompiler/internal/config"
	"github.com/carlosmiguelhub/CyberCompiler/internal/monitor"
	"github.com/carlosmiguelhub/CyberCompiler/internal/piston"
)

var runHandler = sync.OnceValue(newRunHandler)

// Handler serves POST /api/run.
func Handler(w http.ResponseWriter, r *http.Request) {
	runHandler().ServeHTTP(w, r)
}

func newRunHandler() http.Handler {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration, using defaults")
		cfg = config.DefaultConfig()
	}

	tracer := monitor.NewTracer()
	client := piston.New(cfg.Backend.URL, nil, cfg.Backend.RequestTimeout, tracer)
	b := bridge.New(client, bridge.Options{
		Limits: bridge.Limits{
			CompileTimeout:     cfg.Backend.CompileTimeout,
			RunTimeout:         cfg.Backend.RunTimeout,
			CompileMemoryLimit: cfg.Backend.CompileMemoryLimit,
			RunMemoryLimit:     cfg.Backend.RunMemoryLimit,
		},
		CallTimeout: cfg.Backend.RequestTimeout,
		Tracer:      tracer,
	})

	var h http.Handler = bridge.NewHandler(b, nil, cfg.Backend.ExposeDetails)
	h = api.MaxBodyMiddleware(cfg.Server.MaxRequestBody)(h)
	h = api.CORSMiddleware(cfg.Security.AllowedOrigins)(h)
	h = api.RequestIDMiddleware(h)
	return api.RecoveryMiddleware(h)
}
