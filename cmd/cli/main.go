package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	timeout    string
	subdir     string
	includeGit bool
	strict     bool
	status     string
	limit      int
)

// exit codes: 0 clean, 1 triage found a problem (blocked, fail, or warn with
// --strict), 2 transport or server error
const (
	exitOK      = 0
	exitTriage  = 1
	exitFailure = 2
)

func main() {
	root := &cobra.Command{
		Use:           "snapcheck",
		Short:         "CLI client for the snapcheck triage service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SNAPCHECK_SERVER", "http://localhost:8080"), "Server URL")

	snapCmd := &cobra.Command{
		Use:   "snap [repo-path] [command]",
		Short: "Run a command against a repository snapshot and triage the output",
		Args:  cobra.ExactArgs(2),
		RunE:  runSnap,
	}
	snapCmd.Flags().StringVar(&timeout, "timeout", "", "Run timeout (e.g. 30s)")
	snapCmd.Flags().StringVar(&subdir, "subdir", "", "Working directory inside the repository")
	snapCmd.Flags().BoolVar(&includeGit, "include-git", false, "Copy the .git directory into the sandbox")
	snapCmd.Flags().BoolVar(&strict, "strict", false, "Treat a warn verdict as failure")
	root.AddCommand(snapCmd)

	analyzeCmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Classify log text without running anything (stdin if no file)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().BoolVar(&strict, "strict", false, "Treat a warn verdict as failure")
	root.AddCommand(analyzeCmd)

	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "List recent triage runs",
		RunE:  runResults,
	}
	resultsCmd.Flags().StringVar(&status, "status", "", "Filter by status")
	resultsCmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries")
	root.AddCommand(resultsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Fetch one stored run result",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(exitFailure)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runSnap(_ *cobra.Command, args []string) error {
	payload := map[string]any{
		"repo_path": args[0],
		"command":   args[1],
	}
	if timeout != "" {
		payload["timeout"] = timeout
	}
	if subdir != "" {
		payload["subdir"] = subdir
	}
	if includeGit {
		payload["include_git"] = true
	}

	resp, raw, err := post("/snap", payload)
	if err != nil {
		return err
	}

	var rec struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Rule   string `json:"rule"`
		Reason string `json:"reason"`
		Outcome *struct {
			ExitCode int  `json:"exit_code"`
			TimedOut bool `json:"timed_out"`
		} `json:"outcome"`
		Analysis *struct {
			Verdict    string  `json:"verdict"`
			Confidence float64 `json:"confidence"`
		} `json:"analysis"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden {
		fmt.Println(color.RedString("BLOCKED"), rec.Rule, "-", rec.Reason)
		fmt.Println("record:", rec.ID)
		os.Exit(exitTriage)
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, raw)
	}

	printJSON(raw)

	verdict := ""
	if rec.Analysis != nil {
		verdict = rec.Analysis.Verdict
	}
	switch {
	case verdict == "fail":
		fmt.Println(color.RedString("verdict: fail"))
		os.Exit(exitTriage)
	case verdict == "warn" && strict:
		fmt.Println(color.YellowString("verdict: warn (strict)"))
		os.Exit(exitTriage)
	case verdict == "warn":
		fmt.Println(color.YellowString("verdict: warn"))
	case verdict == "pass":
		fmt.Println(color.GreenString("verdict: pass"))
	default:
		fmt.Println("verdict:", verdict)
	}
	return nil
}

func runAnalyze(_ *cobra.Command, args []string) error {
	var text []byte
	var err error
	if len(args) == 1 {
		text, err = os.ReadFile(args[0])
	} else {
		text, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading log text: %w", err)
	}

	resp, raw, err := post("/analyze", map[string]any{"log_text": string(text)})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, raw)
	}

	printJSON(raw)

	var result struct {
		Verdict string `json:"verdict"`
	}
	_ = json.Unmarshal(raw, &result)
	if result.Verdict == "fail" || (strict && result.Verdict == "warn") {
		os.Exit(exitTriage)
	}
	return nil
}

func runResults(_ *cobra.Command, _ []string) error {
	url := fmt.Sprintf("%s/results?limit=%d", serverURL, limit)
	if status != "" {
		url += "&status=" + status
	}
	return getAndPrint(url)
}

func runGet(_ *cobra.Command, args []string) error {
	return getAndPrint(serverURL + "/results/" + args[0])
}

func runHealth(_ *cobra.Command, _ []string) error {
	return getAndPrint(serverURL + "/health")
}

func post(path string, payload map[string]any) (*http.Response, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(serverURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, raw, nil
}

func getAndPrint(url string) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, raw)
	}

	printJSON(raw)
	return nil
}

func apiError(status int, raw []byte) error {
	var er struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		return fmt.Errorf("server returned %d: %s", status, er.Error)
	}
	return fmt.Errorf("server returned %d", status)
}

func printJSON(raw []byte) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
