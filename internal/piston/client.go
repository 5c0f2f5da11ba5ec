// Package piston is a client for the Piston code execution API.
package piston

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/codes"

	"github.com/carlosmiguelhub/CyberCompiler/internal/bridge"
	"github.com/carlosmiguelhub/CyberCompiler/internal/monitor"
)

// DefaultURL is the public Piston execute endpoint.
const DefaultURL = "https://emkc.org/api/v2/piston/execute"

const (
	maxResponseBytes = 8 << 20
	maxMessageBytes  = 512
)

var (
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrMissingRun       = errors.New("response has no run result")
)

// BackendError wraps a failed call with the operation that failed.
type BackendError struct {
	Op      string // encode, request, read, status, decode, response
	Status  int
	Message string // message reported by Piston, if any
	Err     error
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("piston %s: status %d: %s", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("piston %s: %s", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Detail returns the message Piston attached to the failure.
func (e *BackendError) Detail() string {
	return e.Message
}

// Runtime is one entry of the Piston runtimes listing.
type Runtime struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
	Runtime  string   `json:"runtime,omitempty"`
}

// Client talks to a Piston instance. It implements bridge.Executor.
type Client struct {
	url    string
	http   *http.Client
	tracer *monitor.Tracer
}

// New creates a client for the given execute URL. A nil httpClient gets a
// client with the given timeout.
func New(url string, httpClient *http.Client, timeout time.Duration, tracer *monitor.Tracer) *Client {
	if url == "" {
		url = DefaultURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if tracer == nil {
		tracer = monitor.NewTracer()
	}
	return &Client{url: url, http: httpClient, tracer: tracer}
}

// URL returns the execute endpoint this client posts to.
func (c *Client) URL() string {
	return c.url
}

// Execute posts the payload and decodes the compile/run result.
func (c *Client) Execute(ctx context.Context, p bridge.Payload) (*bridge.Response, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, &BackendError{Op: "encode", Err: err}
	}

	ctx, span := c.tracer.StartSpan(ctx, "backend.execute", monitor.AttrBackend.String(c.url))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &BackendError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	data, status, err := c.do(req)
	span.SetAttributes(monitor.AttrHTTPStatus.Int(status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}

	var out bridge.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &BackendError{Op: "decode", Status: status, Err: err}
	}
	if out.Run == nil {
		msg := truncate(out.Message, maxMessageBytes)
		if msg == "" {
			msg = "no run result"
		}
		return nil, &BackendError{Op: "response", Message: msg, Err: ErrMissingRun}
	}
	return &out, nil
}

// Runtimes lists the languages installed on the Piston instance.
func (c *Client) Runtimes(ctx context.Context) ([]Runtime, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.runtimesURL(), nil)
	if err != nil {
		return nil, &BackendError{Op: "request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	data, status, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var out []Runtime
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &BackendError{Op: "decode", Status: status, Err: err}
	}
	return out, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &BackendError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &BackendError{Op: "read", Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &BackendError{
			Op:      "status",
			Status:  resp.StatusCode,
			Message: messageFrom(data),
			Err:     ErrUnexpectedStatus,
		}
	}
	return data, resp.StatusCode, nil
}

func (c *Client) runtimesURL() string {
	base := strings.TrimSuffix(strings.TrimSuffix(c.url, "/"), "/execute")
	return base + "/runtimes"
}

// messageFrom pulls Piston's {"message": ...} out of an error body, falling
// back to a short excerpt of the raw body.
func messageFrom(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return truncate(body.Message, maxMessageBytes)
	}
	return truncate(strings.TrimSpace(string(data)), maxMessageBytes)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
