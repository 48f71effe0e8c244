package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	debug      bool

	// cfg is loaded once by the root pre-run hook
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "vigil",
		Short: "Security finding dispatch engine",
		Long: `Vigil - Security finding dispatch engine

Vigil ingests security findings from detectors and compliance scanners,
routes each one to the handler registered for its category, runs the
remediation it calls for, alerts on every outcome and records a summary
of the run.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
	}
)

// exitError carries a process exit code without being reported as a failure
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		fmt.Fprintln(os.Stderr, exit.msg)
		os.Exit(exit.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func init() {
	rootCmd.SetVersionTemplate(`Vigil {{.Version}} - Security finding dispatch engine
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := telemetry.NewLogger(loaded.Log, os.Stderr, debug)
	if err != nil {
		return err
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = logger

	cfg = loaded
	return nil
}
