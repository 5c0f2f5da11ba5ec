package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler(t *testing.T) {
	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"language":"javascript","version":"18.15.0","run":{"stdout":"2\n","stderr":"","output":"2\n","code":0,"signal":null}}`)
	}))
	defer upstream.Close()

	// The handler is built once; configure it before the first request.
	t.Setenv("PISTON_URL", upstream.URL+"/api/v2/piston/execute")

	rec := httptest.NewRecorder()
	Handler(rec, httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(`{"language":"javascript","code":"console.log(1+1)"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["success"] != true || resp["stdout"] != "2" || resp["output"] != "--- STDOUT ---\n2" {
		t.Errorf("unexpected response %v", resp)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if gotBody["language"] != "javascript" || gotBody["version"] != "18.15.0" {
		t.Errorf("upstream payload = %v", gotBody)
	}

	rec = httptest.NewRecorder()
	Handler(rec, httptest.NewRequest(http.MethodGet, "/api/run", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: got status %d, want 405", rec.Code)
	}
}
