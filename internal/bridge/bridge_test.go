package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/carlosmiguelhub/CyberCompiler/internal/monitor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExecutor records payloads and replies with a canned response.
type fakeExecutor struct {
	resp  *Response
	err   error
	calls atomic.Int32

	mu       sync.Mutex
	payloads []Payload
	ctxErr   error
}

func (f *fakeExecutor) Execute(ctx context.Context, p Payload) (*Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	return f.resp, f.err
}

func (f *fakeExecutor) lastPayload(t *testing.T) Payload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.payloads)
	return f.payloads[len(f.payloads)-1]
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func newTestBridge(e Executor) *Bridge {
	return New(e, Options{Tracer: monitor.NewNoopTracer()})
}

func runStage(stdout, stderr string, code int) *Stage {
	return &Stage{Stdout: stdout, Stderr: stderr, Output: stdout + stderr, Code: intp(code)}
}

func TestExecute_ValidationBeforeNetwork(t *testing.T) {
	tests := []struct {
		name    string
		req     RunRequest
		wantErr error
		wantMsg string
	}{
		{"missing both", RunRequest{}, ErrInvalidRequest, "language and code are required"},
		{"missing language", RunRequest{Code: "print(1)"}, ErrInvalidRequest, "language and code are required"},
		{"missing code", RunRequest{Language: "python"}, ErrInvalidRequest, "language and code are required"},
		{"missing code unsupported language", RunRequest{Language: "ruby"}, ErrInvalidRequest, "language and code are required"},
		{"unsupported", RunRequest{Language: "ruby", Code: "puts 1"}, ErrUnsupportedLanguage, "Unsupported language: ruby"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			_, err := newTestBridge(exec).Execute(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantMsg, err.Error())
			assert.True(t, IsUserError(err))
			assert.Zero(t, exec.calls.Load(), "no outbound call may be made")
		})
	}
}

func TestExecute_BuildsPayload(t *testing.T) {
	exec := &fakeExecutor{resp: &Response{Run: runStage("", "", 0)}}

	_, err := newTestBridge(exec).Execute(context.Background(), RunRequest{
		Language: "c",
		Code:     "int main(){return 0;}",
		Stdin:    "42\n",
	})
	require.NoError(t, err)

	p := exec.lastPayload(t)
	assert.Equal(t, "c", p.Language)
	assert.Equal(t, "10.2.0", p.Version)
	assert.Equal(t, []File{{Name: "main.c", Content: "int main(){return 0;}"}}, p.Files)
	assert.Equal(t, "42\n", p.Stdin)
	assert.Equal(t, []string{}, p.Args)
	assert.Equal(t, int64(10000), p.CompileTimeout)
	assert.Equal(t, int64(3000), p.RunTimeout)
	assert.Nil(t, p.CompileMemoryLimit)
	assert.Nil(t, p.RunMemoryLimit)
	assert.Equal(t, int32(1), exec.calls.Load())
}

func TestExecute_MemoryPolicy(t *testing.T) {
	exec := &fakeExecutor{resp: &Response{Run: runStage("", "", 0)}}
	b := New(exec, Options{
		Tracer: monitor.NewNoopTracer(),
		Limits: Limits{
			CompileTimeout:     5 * time.Second,
			RunTimeout:         time.Second,
			CompileMemoryLimit: -1,
			RunMemoryLimit:     128 << 20,
		},
	})

	_, err := b.Execute(context.Background(), RunRequest{Language: "python", Code: "pass"})
	require.NoError(t, err)

	p := exec.lastPayload(t)
	assert.Equal(t, int64(5000), p.CompileTimeout)
	assert.Equal(t, int64(1000), p.RunTimeout)
	require.NotNil(t, p.CompileMemoryLimit)
	assert.Equal(t, int64(-1), *p.CompileMemoryLimit)
	require.NotNil(t, p.RunMemoryLimit)
	assert.Equal(t, int64(128<<20), *p.RunMemoryLimit)
}

func TestNew_DefaultsEachTimeout(t *testing.T) {
	exec := &fakeExecutor{resp: &Response{Run: runStage("", "", 0)}}
	b := New(exec, Options{
		Tracer: monitor.NewNoopTracer(),
		Limits: Limits{RunTimeout: 2 * time.Second, RunMemoryLimit: 64 << 20},
	})

	_, err := b.Execute(context.Background(), RunRequest{Language: "c", Code: "int main(){}"})
	require.NoError(t, err)

	p := exec.lastPayload(t)
	assert.Equal(t, int64(10000), p.CompileTimeout)
	assert.Equal(t, int64(2000), p.RunTimeout)
	assert.Nil(t, p.CompileMemoryLimit)
	require.NotNil(t, p.RunMemoryLimit)
	assert.Equal(t, int64(64<<20), *p.RunMemoryLimit)
}

func TestExecute_PythonHello(t *testing.T) {
	exec := &fakeExecutor{resp: &Response{
		Language: "python",
		Version:  "3.10.0",
		Run:      runStage("Hello, world!\n", "", 0),
	}}

	out, err := newTestBridge(exec).Execute(context.Background(), RunRequest{
		Language: "python",
		Code:     `print("Hello, world!")`,
	})
	require.NoError(t, err)

	assert.Equal(t, "python", out.Language)
	assert.Equal(t, "Hello, world!", out.Stdout)
	assert.Equal(t, "", out.Stderr)
	assert.Equal(t, "--- STDOUT ---\nHello, world!", out.Output)
	assert.Nil(t, out.CompileCode)
	require.NotNil(t, out.RunExitCode)
	assert.Equal(t, 0, *out.RunExitCode)
	assert.Equal(t, "", exec.lastPayload(t).Stdin)
}

func TestExecute_NonZeroExitIsSuccess(t *testing.T) {
	exec := &fakeExecutor{resp: &Response{
		Compile: runStage("", "", 0),
		Run:     runStage("", "", 1),
	}}

	out, err := newTestBridge(exec).Execute(context.Background(), RunRequest{
		Language: "c",
		Code:     "int main(){return 1;}",
	})
	require.NoError(t, err)

	assert.Empty(t, out.Stdout)
	assert.Empty(t, out.Stderr)
	assert.Empty(t, out.Output)
	require.NotNil(t, out.CompileCode)
	assert.Equal(t, 0, *out.CompileCode)
	require.NotNil(t, out.RunExitCode)
	assert.Equal(t, 1, *out.RunExitCode)
}

func TestExecute_CompileErrorIsSuccess(t *testing.T) {
	diag := "main.c: In function 'main':\nmain.c:1:18: error: expected expression at end of input\n"
	exec := &fakeExecutor{resp: &Response{
		Compile: &Stage{Stderr: diag, Output: diag, Code: intp(1)},
		Run:     &Stage{},
	}}

	out, err := newTestBridge(exec).Execute(context.Background(), RunRequest{
		Language: "c",
		Code:     "int main(){return",
	})
	require.NoError(t, err)

	assert.Contains(t, out.Stderr, "expected expression")
	assert.Equal(t, "--- COMPILER ---\n"+diag[:len(diag)-1], out.Output)
	require.NotNil(t, out.CompileCode)
	assert.NotEqual(t, 0, *out.CompileCode)
	assert.Nil(t, out.RunExitCode)
}

func TestExecute_BackendFailure(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	exec := &fakeExecutor{err: cause}

	out, err := newTestBridge(exec).Execute(context.Background(), RunRequest{Language: "python", Code: "print(1)"})
	assert.Nil(t, out)
	require.ErrorIs(t, err, ErrBackendFailure)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsUserError(err))
	assert.Equal(t, int32(1), exec.calls.Load(), "no retry on failure")
}

func TestExecute_IgnoresCallerCancellation(t *testing.T) {
	exec := &fakeExecutor{resp: &Response{Run: runStage("ok", "", 0)}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := newTestBridge(exec).Execute(ctx, RunRequest{Language: "python", Code: "print('ok')"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Stdout)
	assert.NoError(t, exec.ctxErr, "backend call must not inherit the caller's cancellation")
}

func TestExecute_Idempotent(t *testing.T) {
	exec := &fakeExecutor{resp: &Response{Run: runStage("5050\n", "", 0)}}
	b := newTestBridge(exec)
	req := RunRequest{Language: "python", Code: "print(sum(range(101)))"}

	first, err := b.Execute(context.Background(), req)
	require.NoError(t, err)
	second, err := b.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Stdout, second.Stdout)
	assert.Equal(t, exec.payloads[0], exec.payloads[1])
}

func TestExecute_Concurrent(t *testing.T) {
	exec := &fakeExecutor{resp: &Response{Run: runStage("x", "", 0)}}
	b := newTestBridge(exec)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Execute(context.Background(), RunRequest{Language: "javascript", Code: "console.log('x')"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), exec.calls.Load())
}
