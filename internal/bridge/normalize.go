package bridge

import "strings"

// Normalize merges the compile and run phases of a backend response into a
// single Outcome.
func Normalize(resp *Response) *Outcome {
	var compile, run Stage
	if resp.Compile != nil {
		compile = *resp.Compile
	}
	if resp.Run != nil {
		run = *resp.Run
	}

	out := &Outcome{
		Stdout:      strings.TrimSpace(run.Stdout),
		Stderr:      strings.TrimSpace(joinNonEmpty("\n", compile.Stderr, run.Stderr)),
		Output:      combinedOutput(compile.Stderr, run.Stderr, run.Stdout),
		RunExitCode: run.Code,
		Signal:      run.Signal,
	}
	if resp.Compile != nil {
		out.CompileCode = compile.Code
	}
	return out
}

func combinedOutput(compileStderr, runStderr, runStdout string) string {
	var b strings.Builder
	if compileStderr != "" {
		b.WriteString("--- COMPILER ---\n")
		b.WriteString(compileStderr)
		b.WriteString("\n\n")
	}
	if runStderr != "" {
		b.WriteString("--- STDERR ---\n")
		b.WriteString(runStderr)
		b.WriteString("\n\n")
	}
	if runStdout != "" {
		b.WriteString("--- STDOUT ---\n")
		b.WriteString(runStdout)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
