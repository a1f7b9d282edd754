// cmd/finsight/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sozercan/finsight/apimodels"
	"github.com/sozercan/finsight/internal/client"
	"github.com/sozercan/finsight/internal/stages"
)

var sections = []struct {
	stage string
	title string
}{
	{stages.SWOT, "SWOT Analysis"},
	{stages.Strategy, "Competitor Strategy"},
	{stages.Profile, "Competitor Profile"},
	{stages.Summary, "Summary"},
	{stages.KeyAnalysis, "Key Analysis"},
}

type analyzeOptions struct {
	server  string
	mode    string
	timeout time.Duration
	inline  bool
	json    bool
	verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "finsight",
		Short:        "Analyze financial documents with a finsight server",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("server", envOr("FINSIGHT_SERVER", "http://localhost:3000"), "finsight server URL")
	root.AddCommand(newAnalyzeCmd(), newSessionCmd())
	return root
}

func newAnalyzeCmd() *cobra.Command {
	opts := analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Upload a document and print every analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.server, _ = cmd.Flags().GetString("server")
			if opts.verbose {
				slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
			return runAnalyze(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.mode, "mode", "stream", "stream (one channel per stage) or aggregate (single request)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "how long the key analysis waits for its inputs")
	cmd.Flags().BoolVar(&opts.inline, "inline", false, "send upstream texts in the query instead of the session id")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the result as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log progress to stderr")
	return cmd
}

func newSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session <id>",
		Short: "Print the state of a streaming session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			snap, err := client.New(server, nil).Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func runAnalyze(ctx context.Context, out io.Writer, path string, opts analyzeOptions) error {
	c := client.New(opts.server, nil)

	switch opts.mode {
	case "aggregate":
		resp, err := c.Analyze(ctx, path)
		if err != nil {
			return err
		}
		if opts.json {
			return printJSON(out, resp)
		}
		printAggregate(out, resp)
		return nil
	case "stream":
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}

	agg := client.NewAggregator(c, opts.timeout)
	agg.UseSession = !opts.inline
	if opts.verbose {
		agg.OnChunk = func(stage, fragment string) {
			slog.Debug("Received fragment", "stage", stage, "chars", len(fragment))
		}
	}

	report, err := agg.Run(ctx, path)
	if err != nil {
		return err
	}
	if opts.json {
		if err := printJSON(out, reportJSON(report)); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("%d stage(s) failed", len(report.Errors))
	}
	return nil
}

func printAggregate(out io.Writer, resp *apimodels.AnalysisResponse) {
	results := map[string]string{
		stages.SWOT:        resp.SWOTAnalysis,
		stages.Strategy:    resp.CompetitorStrategy,
		stages.Profile:     resp.CompetitorProfile,
		stages.Summary:     resp.Summary,
		stages.KeyAnalysis: resp.KeyAnalysis,
	}
	printSection(out, "Inferences", resp.Inferences)
	for _, s := range sections {
		printSection(out, s.title, results[s.stage])
	}
}

func printReport(out io.Writer, report *client.Report) {
	printSection(out, "Inferences", report.Inferences)
	for _, s := range sections {
		if err, ok := report.Errors[s.stage]; ok {
			printSection(out, s.title, "FAILED: "+err.Error())
			continue
		}
		printSection(out, s.title, report.Results[s.stage])
	}
}

func printSection(out io.Writer, title, body string) {
	fmt.Fprintf(out, "## %s\n\n%s\n\n", title, strings.TrimSpace(body))
}

func reportJSON(r *client.Report) map[string]any {
	errs := make(map[string]string, len(r.Errors))
	for stage, err := range r.Errors {
		errs[stage] = err.Error()
	}
	return map[string]any{
		"sessionId":  r.SessionID,
		"inferences": r.Inferences,
		"results":    r.Results,
		"errors":     errs,
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
