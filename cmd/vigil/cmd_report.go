package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/report"
)

var (
	reportLast   int
	reportFormat string
	reportStore  string
)

// reportCmd represents the report command
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show archived run summaries",
	Long: `Print the most recent run summaries from the run archive, newest
first.`,
	Example: `  vigil report -c vigil.yaml
  vigil report --store runs.db --last 3 --format json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := reportStore
		if path == "" {
			path = cfg.Store.Path
		}
		if path == "" {
			return errors.New("no run archive: set store.path or --store")
		}
		return printReports(cmd.OutOrStdout(), path, reportLast, reportFormat)
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().IntVarP(&reportLast, "last", "n", 10, "Number of runs to show (0 for all)")
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", "text", "Output format: json, text")
	reportCmd.Flags().StringVar(&reportStore, "store", "", "Run archive path (overrides store.path)")
}

func printReports(w io.Writer, path string, last int, format string) error {
	f, err := report.ParseFormat(format)
	if err != nil {
		return err
	}

	store, err := report.OpenStore(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	summaries, err := store.List(last)
	if err != nil {
		return err
	}

	if f == report.FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")
		return err
	}
	for i, s := range summaries {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := report.RenderText(w, s); err != nil {
			return err
		}
	}
	return nil
}
