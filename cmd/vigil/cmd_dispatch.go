package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/dispatcher"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/telemetry"
	"github.com/yairfalse/vigil/report"
	"github.com/yairfalse/vigil/responder"
)

// Fail-on modes for CI gating
const (
	failOnNone      = "none"
	failOnFailed    = "failed"
	failOnEscalated = "escalated"
)

// exitCodeFindings is returned when --fail-on matches
const exitCodeFindings = 2

type dispatchOptions struct {
	findings   []string
	compliance []string
	format     string
	output     string
	failOn     string
	details    bool
	dryRun     bool
}

var dispatchOpts dispatchOptions

// dispatchCmd represents the dispatch command
var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch one batch of findings",
	Long: `Read findings from detector output files, route each to its handler,
run the remediation it calls for and alert on every outcome.

The run summary is printed (or written to --output) and archived when
store.path is configured. With --fail-on the command exits with status 2
when the run contains failed (or escalated) findings, for CI pipelines.`,
	Example: `  vigil dispatch --findings incidents.json
  vigil dispatch --compliance compliance.json --format json --output summary.json
  vigil dispatch -c vigil.yaml --findings alerts.yaml --fail-on failed
  vigil dispatch --findings incidents.json --dry-run --details`,
	RunE: runDispatchCmd,
}

func init() {
	rootCmd.AddCommand(dispatchCmd)

	flags := dispatchCmd.Flags()
	flags.StringSliceVar(&dispatchOpts.findings, "findings", nil, "Findings file (JSON or YAML), repeatable")
	flags.StringSliceVar(&dispatchOpts.compliance, "compliance", nil, "Compliance report file, repeatable")
	flags.StringVarP(&dispatchOpts.format, "format", "f", "text", "Output format: json, text")
	flags.StringVarP(&dispatchOpts.output, "output", "o", "", "Write the summary to a file instead of stdout")
	flags.StringVar(&dispatchOpts.failOn, "fail-on", failOnNone, "Exit 2 when the run has: none, failed, escalated")
	flags.BoolVar(&dispatchOpts.details, "details", false, "Include per-finding results in text output")
	flags.BoolVar(&dispatchOpts.dryRun, "dry-run", false, "Log remediation actions instead of running them")
}

func runDispatchCmd(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Shutdown(context.WithoutCancel(ctx)) }()

	run, err := runDispatch(ctx, cfg, dispatchOpts, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	fail, err := shouldFail(dispatchOpts.failOn, run.Summary)
	if err != nil {
		return err
	}
	if fail {
		return &exitError{code: exitCodeFindings, msg: failOnMessage(dispatchOpts.failOn, run)}
	}
	return nil
}

// failOnMessage names the failed findings so they can be found in the logs
func failOnMessage(mode string, run *responder.Run) string {
	msg := fmt.Sprintf("fail-on %s: %d failed, %d escalated", mode, run.Summary.Failed, run.Summary.Escalated)
	if ids := dispatcher.FailedIDs(run.Results); len(ids) > 0 {
		msg += " (failed: " + strings.Join(ids, ", ") + ")"
	}
	return msg
}

// runDispatch executes one run and renders its summary to out or opts.output
func runDispatch(ctx context.Context, cfg *config.Config, opts dispatchOptions, out io.Writer) (*responder.Run, error) {
	format, err := report.ParseFormat(opts.format)
	if err != nil {
		return nil, err
	}
	if _, err := shouldFail(opts.failOn, report.RunSummary{}); err != nil {
		return nil, err
	}

	runCfg := *cfg
	if opts.dryRun {
		runCfg.Executor.DryRun = true
	}

	detectors := buildDetectors(runCfg.Detectors, runCfg.Compliance, opts.findings, opts.compliance)
	if len(detectors) == 0 {
		return nil, fmt.Errorf("no findings sources: use --findings, --compliance or detectors in config")
	}

	a, err := buildApp(ctx, &runCfg, log.Logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.Close() }()

	r, err := buildResponder(a, &runCfg, detectors, log.Logger)
	if err != nil {
		return nil, err
	}

	run, err := r.Run(ctx)
	if err != nil {
		return nil, err
	}
	for _, msg := range run.Errors {
		log.Warn().Str("error", msg).Msg("run completed with errors")
	}

	var buf bytes.Buffer
	if opts.details && format == report.FormatText {
		if err := report.RenderResults(&buf, run.Findings, run.Results); err != nil {
			return nil, err
		}
	}
	if err := report.Render(&buf, run.Summary, format); err != nil {
		return nil, err
	}

	if opts.output != "" {
		if err := os.WriteFile(opts.output, buf.Bytes(), 0600); err != nil {
			return nil, fmt.Errorf("write summary: %w", err)
		}
		log.Info().Str("path", opts.output).Msg("summary written")
	} else if _, err := out.Write(buf.Bytes()); err != nil {
		return nil, err
	}

	return run, nil
}

// shouldFail applies --fail-on. "escalated" is the stricter mode: any
// finding that needed a human, or failed, trips it.
func shouldFail(mode string, s report.RunSummary) (bool, error) {
	switch mode {
	case "", failOnNone:
		return false, nil
	case failOnFailed:
		return s.Failed > 0, nil
	case failOnEscalated:
		return s.Failed > 0 || s.Escalated > 0, nil
	default:
		return false, fmt.Errorf("unknown --fail-on %q (want none, failed or escalated)", mode)
	}
}
