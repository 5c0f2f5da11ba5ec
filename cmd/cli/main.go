package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/carlosmiguelhub/CyberCompiler/internal/bridge"
	"github.com/carlosmiguelhub/CyberCompiler/internal/language"
	"github.com/carlosmiguelhub/CyberCompiler/internal/monitor"
	"github.com/carlosmiguelhub/CyberCompiler/internal/piston"
)

var (
	serverURL string
	apiKey    string
	userID    string
	asJSON    bool

	lang      string
	fileLang  string
	stdin     string
	stdinFile string
	parallel  int

	pistonURL    string
	historyLimit int
	historyLang  string
)

// exitError carries a program's exit status out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return "exit status " + strconv.Itoa(e.code) }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var e exitError
		if errors.As(err, &e) {
			os.Exit(e.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cybercompile",
		Short:         "CLI client for the CyberCompile API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CYBERCOMPILE_SERVER", "http://localhost:4000"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CYBERCOMPILE_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&userID, "user", os.Getenv("CYBERCOMPILE_USER"), "User id sent in X-User-ID")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "Print raw JSON responses")

	runCmd := &cobra.Command{
		Use:   "run [code]",
		Short: "Run a snippet (reads code from stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSnippet,
	}
	runCmd.Flags().StringVarP(&lang, "language", "l", "python", "Language ("+languageList()+")")
	runCmd.Flags().StringVar(&stdin, "stdin", "", "Program input")
	runCmd.Flags().StringVar(&stdinFile, "stdin-file", "", "Read program input from a file")
	root.AddCommand(runCmd)

	runFileCmd := &cobra.Command{
		Use:   "run-file <file>...",
		Short: "Run source files, language detected from the extension",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runFiles,
	}
	runFileCmd.Flags().StringVarP(&fileLang, "language", "l", "", "Override the detected language")
	runFileCmd.Flags().StringVar(&stdin, "stdin", "", "Program input for every file")
	runFileCmd.Flags().StringVar(&stdinFile, "stdin-file", "", "Read program input from a file")
	runFileCmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "Maximum concurrent runs")
	root.AddCommand(runFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "languages",
		Short: "List supported languages",
		RunE:  runLanguages,
	})

	runtimesCmd := &cobra.Command{
		Use:   "runtimes",
		Short: "List runtimes installed on the execution backend",
		RunE:  runRuntimes,
	}
	runtimesCmd.Flags().StringVar(&pistonURL, "piston-url", envOr("PISTON_URL", piston.DefaultURL), "Piston execute URL")
	root.AddCommand(runtimesCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs for --user",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum runs to list")
	historyCmd.Flags().StringVarP(&historyLang, "language", "l", "", "Filter by language")
	root.AddCommand(historyCmd)

	return root
}

func runSnippet(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	input, err := programInput()
	if err != nil {
		return err
	}

	c := newAPIClient(serverURL, apiKey, userID)
	res, err := c.run(cmd.Context(), bridge.RunRequest{Language: lang, Code: code, Stdin: input})
	if err != nil {
		return err
	}
	if err := printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), "", res); err != nil {
		return err
	}
	return exitStatus(res)
}

type fileRun struct {
	path string
	res  *runResult
	err  error
}

func runFiles(cmd *cobra.Command, args []string) error {
	input, err := programInput()
	if err != nil {
		return err
	}

	c := newAPIClient(serverURL, apiKey, userID)
	results, err := runAll(cmd.Context(), c, args, fileLang, input, parallel)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "==> %s: %v\n", r.path, r.err)
			failed++
			continue
		}
		if err := printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), r.path, r.res); err != nil {
			return err
		}
		if r.res.OK == nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	if len(results) == 1 {
		return exitStatus(results[0].res)
	}
	return nil
}

// runAll runs every file with at most limit requests in flight. Results
// keep the order of paths; per-file failures are reported in the result.
func runAll(ctx context.Context, c *apiClient, paths []string, override, input string, limit int) ([]fileRun, error) {
	if limit < 1 {
		limit = 1
	}
	results := make([]fileRun, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, path := range paths {
		results[i].path = path
		g.Go(func() error {
			req, err := fileRequest(path, override, input)
			if err != nil {
				results[i].err = err
				return nil
			}
			res, err := c.run(ctx, req)
			if err != nil {
				// Transport failures mean the server is unreachable; stop the batch.
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i].res = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func fileRequest(path, override, input string) (bridge.RunRequest, error) {
	id := override
	if id == "" {
		detected, ok := language.DetectFromFilename(path)
		if !ok {
			return bridge.RunRequest{}, fmt.Errorf("cannot detect language for %q, use --language", path)
		}
		id = string(detected)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return bridge.RunRequest{}, fmt.Errorf("reading file: %w", err)
	}
	return bridge.RunRequest{Language: id, Code: string(data), Stdin: input}, nil
}

func runLanguages(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	if asJSON {
		return printJSON(w, language.Specs())
	}
	for _, s := range language.Specs() {
		fmt.Fprintf(w, "%-12s %-10s %s\n", s.ID, s.BackendVersion, s.Filename)
	}
	return nil
}

func runRuntimes(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	client := piston.New(pistonURL, nil, 30*time.Second, monitor.NewNoopTracer())
	runtimes, err := client.Runtimes(ctx)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if asJSON {
		return printJSON(w, runtimes)
	}
	for _, rt := range runtimes {
		fmt.Fprintf(w, "%-14s %-10s %s\n", rt.Language, rt.Version, strings.Join(rt.Aliases, ","))
	}
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	c := newAPIClient(serverURL, apiKey, userID)
	var result map[string]any
	if err := c.getJSON(cmd.Context(), "/health", nil, &result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if result["status"] != "ok" {
		return fmt.Errorf("server is %v", result["status"])
	}
	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	if userID == "" {
		return fmt.Errorf("--user (or CYBERCOMPILE_USER) is required")
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(historyLimit))
	if historyLang != "" {
		q.Set("language", historyLang)
	}

	var list struct {
		Runs []struct {
			ID          string    `json:"id"`
			Language    string    `json:"language"`
			Status      string    `json:"status"`
			RunExitCode *int      `json:"run_exit_code"`
			DurationMS  int64     `json:"duration_ms"`
			CreatedAt   time.Time `json:"created_at"`
		} `json:"runs"`
	}
	c := newAPIClient(serverURL, apiKey, userID)
	if err := c.getJSON(cmd.Context(), "/runs", q, &list); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if asJSON {
		return printJSON(w, list)
	}
	for _, r := range list.Runs {
		exit := "-"
		if r.RunExitCode != nil {
			exit = strconv.Itoa(*r.RunExitCode)
		}
		fmt.Fprintf(w, "%s  %-10s %-13s exit=%-3s %5dms  %s\n",
			r.CreatedAt.Local().Format(time.DateTime), r.Language, r.Status, exit, r.DurationMS, r.ID)
	}
	return nil
}

func printResult(stdout, stderr io.Writer, label string, res *runResult) error {
	if asJSON {
		if res.OK != nil {
			return printJSON(stdout, res.OK)
		}
		return printJSON(stdout, res.Err)
	}

	if label != "" {
		fmt.Fprintf(stdout, "==> %s\n", label)
	}
	if res.OK == nil {
		fmt.Fprintf(stderr, "error: %s\n", res.Err.Error)
		if res.Err.Details != nil {
			fmt.Fprintf(stderr, "details: %v\n", res.Err.Details)
		}
		return nil
	}
	if res.OK.Output != "" {
		fmt.Fprintln(stdout, res.OK.Output)
	}
	if res.OK.Signal != nil {
		fmt.Fprintf(stderr, "killed by %s\n", *res.OK.Signal)
	}
	return nil
}

// exitStatus mirrors the program's own exit status.
func exitStatus(res *runResult) error {
	if res.OK == nil {
		return fmt.Errorf("run failed with status %d", res.Status)
	}
	switch {
	case res.OK.CompileCode != nil && *res.OK.CompileCode != 0:
		return exitError{code: *res.OK.CompileCode}
	case res.OK.RunExitCode != nil && *res.OK.RunExitCode != 0:
		return exitError{code: *res.OK.RunExitCode}
	case res.OK.RunExitCode == nil && res.OK.Signal != nil:
		return exitError{code: 137}
	}
	return nil
}

func programInput() (string, error) {
	if stdinFile == "" {
		return stdin, nil
	}
	data, err := os.ReadFile(stdinFile)
	if err != nil {
		return "", fmt.Errorf("reading stdin file: %w", err)
	}
	return string(data), nil
}

func printJSON(w io.Writer, v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(formatted))
	return err
}

func languageList() string {
	ids := make([]string, 0, len(language.All()))
	for _, l := range language.All() {
		ids = append(ids, string(l))
	}
	return strings.Join(ids, ", ")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
