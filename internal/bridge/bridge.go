// Package bridge turns editor run requests into one call to the remote
// execution backend and normalizes the reply.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"github.com/carlosmiguelhub/CyberCompiler/internal/language"
	"github.com/carlosmiguelhub/CyberCompiler/internal/monitor"
)

const defaultCallTimeout = 30 * time.Second

// Executor performs a single call against the execution backend.
type Executor interface {
	Execute(ctx context.Context, p Payload) (*Response, error)
}

// Options configures a Bridge.
type Options struct {
	Limits      Limits
	CallTimeout time.Duration // upper bound on the outbound call
	Tracer      *monitor.Tracer
}

// Bridge is stateless apart from its configuration and safe for
// concurrent use.
type Bridge struct {
	exec        Executor
	limits      Limits
	callTimeout time.Duration
	tracer      *monitor.Tracer
}

// New creates a Bridge that forwards to exec.
func New(exec Executor, opts Options) *Bridge {
	defaults := DefaultLimits()
	if opts.Limits.CompileTimeout <= 0 {
		opts.Limits.CompileTimeout = defaults.CompileTimeout
	}
	if opts.Limits.RunTimeout <= 0 {
		opts.Limits.RunTimeout = defaults.RunTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Tracer == nil {
		opts.Tracer = monitor.NewTracer()
	}
	return &Bridge{
		exec:        exec,
		limits:      opts.Limits,
		callTimeout: opts.CallTimeout,
		tracer:      opts.Tracer,
	}
}

// Validate checks req and resolves its language. It never touches the
// network.
func Validate(req RunRequest) (language.Spec, error) {
	if req.Language == "" || req.Code == "" {
		return language.Spec{}, ErrInvalidRequest
	}
	return language.Resolve(req.Language)
}

// BuildPayload constructs the backend body for a validated request.
func (b *Bridge) BuildPayload(spec language.Spec, req RunRequest) Payload {
	return Payload{
		Language: spec.BackendID,
		Version:  spec.BackendVersion,
		Files: []File{
			{Name: spec.Filename, Content: req.Code},
		},
		Stdin:              req.Stdin,
		Args:               []string{},
		CompileTimeout:     b.limits.CompileTimeout.Milliseconds(),
		RunTimeout:         b.limits.RunTimeout.Milliseconds(),
		CompileMemoryLimit: memoryLimit(b.limits.CompileMemoryLimit),
		RunMemoryLimit:     memoryLimit(b.limits.RunMemoryLimit),
	}
}

// Execute validates req, calls the backend exactly once and normalizes the
// response. A user program that fails to compile or exits non-zero is not an
// error. Backend failures are wrapped in ErrBackendFailure.
//
// The outbound call ignores cancellation of ctx; it ends when the backend
// answers or the call timeout expires.
func (b *Bridge) Execute(ctx context.Context, req RunRequest) (*Outcome, error) {
	spec, err := Validate(req)
	if err != nil {
		return nil, err
	}

	payload := b.BuildPayload(spec, req)

	ctx, span := b.tracer.StartSpan(ctx, "execute",
		monitor.AttrLanguage.String(string(spec.ID)),
		monitor.AttrCodeSize.Int(len(req.Code)),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.callTimeout)
	defer cancel()

	resp, err := b.exec.Execute(callCtx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend failure")
		loggerFrom(ctx).Error().
			Err(err).
			Str("language", string(spec.ID)).
			Str("backend_detail", backendDetail(err)).
			Msg("execution backend call failed")
		return nil, fmt.Errorf("%w: %w", ErrBackendFailure, err)
	}

	out := Normalize(resp)
	out.Language = string(spec.ID)
	if out.RunExitCode != nil {
		span.SetAttributes(monitor.AttrRunExitCode.Int(*out.RunExitCode))
	}
	return out, nil
}

func memoryLimit(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// loggerFrom returns the request-scoped logger if one was attached, falling
// back to the global logger.
func loggerFrom(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
