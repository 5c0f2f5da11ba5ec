package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlosmiguelhub/CyberCompiler/internal/bridge"
)

// apiClient talks to a running CyberCompile server.
type apiClient struct {
	baseURL string
	apiKey  string
	userID  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey, userID string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		userID:  userID,
		http:    &http.Client{Timeout: 70 * time.Second},
	}
}

// runResult is either a successful run or a server-reported failure.
type runResult struct {
	Status int
	OK     *bridge.RunResponse
	Err    *bridge.ErrorResponse
}

func (c *apiClient) run(ctx context.Context, req bridge.RunRequest) (*runResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	res := &runResult{Status: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		res.OK = &bridge.RunResponse{}
		if err := json.Unmarshal(data, res.OK); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return res, nil
	}

	res.Err = &bridge.ErrorResponse{}
	if err := json.Unmarshal(data, res.Err); err != nil || res.Err.Error == "" {
		res.Err = &bridge.ErrorResponse{Error: fmt.Sprintf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}
	return res, nil
}

// getJSON fetches path and decodes the body into v.
func (c *apiClient) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusServiceUnavailable {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", http.MethodGet, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}
