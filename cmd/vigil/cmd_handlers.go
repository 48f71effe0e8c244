package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/handler"
)

var handlersFormat string

// handlersCmd represents the handlers command
var handlersCmd = &cobra.Command{
	Use:   "handlers",
	Short: "List registered categories and their handlers",
	Long: `List every category with a registered handler and the remediation it
runs. Categories not listed fall back to escalation to the security team.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// nothing executes here, so a log-only backend is enough to build handlers
		registry, err := buildRegistry(cmd.Context(), cfg, executor.NewLogExecutor(zerolog.Nop()), zerolog.Nop())
		if err != nil {
			return err
		}
		return printHandlers(cmd.OutOrStdout(), registry, handlersFormat)
	},
}

func init() {
	rootCmd.AddCommand(handlersCmd)
	handlersCmd.Flags().StringVarP(&handlersFormat, "format", "f", "text", "Output format: json, text")
}

type handlerInfo struct {
	Category string   `json:"category"`
	Handler  string   `json:"handler"`
	Actions  []string `json:"actions"`
}

func describeHandlers(registry *handler.Registry) []handlerInfo {
	categories := registry.Categories()
	infos := make([]handlerInfo, 0, len(categories)+1)
	for _, category := range categories {
		infos = append(infos, describe(category, registry.Resolve(category)))
	}
	return append(infos, describe("*", registry.Default()))
}

func describe(category string, h handler.Handler) handlerInfo {
	info := handlerInfo{Category: category, Handler: h.Name()}
	switch typed := h.(type) {
	case *handler.ActionHandler:
		info.Actions = typed.Actions()
	case *handler.ComplianceHandler:
		info.Actions = []string{handler.ActionEvaluatePolicy}
	default:
		if h.Name() == handler.DefaultHandlerName {
			info.Actions = []string{handler.ActionEscalate}
		}
	}
	return info
}

func printHandlers(w io.Writer, registry *handler.Registry, format string) error {
	infos := describeHandlers(registry)

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	case "text":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CATEGORY\tHANDLER\tACTIONS")
		for _, info := range infos {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Category, info.Handler, strings.Join(info.Actions, ", "))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q (want json or text)", format)
	}
}
