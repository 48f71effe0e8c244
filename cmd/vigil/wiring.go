package main

import (
	"context"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"

	"github.com/yairfalse/vigil/detector"
	"github.com/yairfalse/vigil/dispatcher"
	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/handler"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/filter"
	"github.com/yairfalse/vigil/notifier"
	"github.com/yairfalse/vigil/policy"
	"github.com/yairfalse/vigil/report"
	"github.com/yairfalse/vigil/responder"
)

// app holds the components one command needs
type app struct {
	registry   *handler.Registry
	notifier   *notifier.Notifier
	dispatcher *dispatcher.Dispatcher
	store      *report.Store
}

// Close releases the run archive
func (a *app) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	exec, err := buildExecutor(ctx, cfg.Executor, logger)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(ctx, cfg, exec, logger)
	if err != nil {
		return nil, err
	}

	notify, err := buildNotifier(ctx, cfg.Notifier, logger)
	if err != nil {
		return nil, err
	}

	d, err := dispatcher.New(registry, notify, dispatcher.Config{
		Workers:        cfg.Dispatcher.Workers,
		HandlerTimeout: cfg.Dispatcher.HandlerTimeout,
	}, dispatcher.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a := &app{registry: registry, notifier: notify, dispatcher: d}
	if cfg.Store.Path != "" {
		a.store, err = report.OpenStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// buildExecutor routes AWS-expressible actions to AWS when enabled and
// records everything else in the log, behind the safety engine
func buildExecutor(ctx context.Context, cfg config.ExecutorConfig, logger zerolog.Logger) (executor.Executor, error) {
	router := executor.NewRouter(executor.NewLogExecutor(logger))

	if cfg.AWS.Enabled {
		awsExec, err := executor.NewAWSExecutor(ctx, executor.AWSConfig{
			Region:                  cfg.AWS.Region,
			NetworkACLID:            cfg.AWS.NetworkACLID,
			QuarantineSecurityGroup: cfg.AWS.QuarantineSecurityGroup,
			DenyRuleMin:             cfg.AWS.DenyRuleMin,
			DenyRuleMax:             cfg.AWS.DenyRuleMax,
		})
		if err != nil {
			return nil, err
		}
		router.Route(awsExec, awsExec.Actions()...)
	}
	logger.Debug().
		Strs("aws_actions", router.Routes()).
		Bool("dry_run", cfg.DryRun).
		Msg("executor backends wired")

	return executor.NewEngine(router, executor.Options{
		DryRun:              cfg.DryRun,
		Timeout:             cfg.Timeout,
		AllowedActions:      cfg.AllowedActions,
		ProtectedPrincipals: cfg.ProtectedPrincipals,
		MinIPv4Prefix:       cfg.MinIPv4Prefix,
		MinIPv6Prefix:       cfg.MinIPv6Prefix,
	}, executor.WithLogger(logger)), nil
}

func buildRegistry(ctx context.Context, cfg *config.Config, exec executor.Executor, logger zerolog.Logger) (*handler.Registry, error) {
	registry := handler.NewRegistry(handler.WithLogger(logger))
	if err := handler.RegisterBuiltins(registry, exec); err != nil {
		return nil, err
	}

	engine, err := policy.NewEngine(ctx, policy.Config{
		Files:       cfg.Compliance.PolicyFiles,
		SkipDefault: cfg.Compliance.SkipDefaultPolicy,
	}, logger)
	if err != nil {
		return nil, err
	}

	catalog := handler.DefaultCatalog().Merge(handler.Catalog(cfg.Compliance.Catalog))
	if err := handler.RegisterCompliance(registry, catalog, engine, exec); err != nil {
		return nil, err
	}
	logger.Debug().
		Interface("bindings", registry.Bindings()).
		Msg("handlers registered")
	return registry, nil
}

func buildNotifier(ctx context.Context, cfg config.NotifierConfig, logger zerolog.Logger) (*notifier.Notifier, error) {
	channels := make([]notifier.Channel, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channel, err := buildChannel(ctx, ch, cfg, logger)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}

	opts := []notifier.Option{
		notifier.WithTimeout(cfg.Timeout),
		notifier.WithLogger(logger),
	}
	if len(cfg.SensitiveKeys) > 0 {
		opts = append(opts, notifier.WithSensitiveKeys(cfg.SensitiveKeys))
	}
	return notifier.New(channels, opts...)
}

func buildChannel(ctx context.Context, ch config.ChannelConfig, cfg config.NotifierConfig, logger zerolog.Logger) (notifier.Channel, error) {
	switch ch.Type {
	case config.ChannelWebhook:
		url, err := ch.Endpoint()
		if err != nil {
			return nil, err
		}
		webhook := notifier.NewWebhookChannel(ch.Name, url, &http.Client{Timeout: cfg.Timeout})
		return notifier.Reliable(webhook, notifier.ReliabilityConfig{
			Attempts:        ch.Reliability.Attempts,
			RatePerSecond:   ch.Reliability.RatePerSecond,
			Burst:           ch.Reliability.Burst,
			BreakerFailures: ch.Reliability.BreakerFailures,
			BreakerTimeout:  ch.Reliability.BreakerTimeout,
		}), nil

	case config.ChannelSQS:
		queueURL, err := ch.Endpoint()
		if err != nil {
			return nil, err
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(ch.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config for %s: %w", ch.Name, err)
		}
		return notifier.NewSQSChannel(ch.Name, queueURL, sqs.NewFromConfig(awsCfg)), nil

	case config.ChannelLog:
		return notifier.NewLogChannel(ch.Name, logger.With().Str("channel", ch.Name).Logger()), nil
	}
	return nil, fmt.Errorf("unknown channel type %q", ch.Type)
}

// buildDetectors merges configured sources with command-line ones
func buildDetectors(cfg config.DetectorsConfig, compliance config.ComplianceConfig, findings, complianceFiles []string) []detector.Detector {
	var detectors []detector.Detector
	for _, path := range append(append([]string(nil), cfg.Findings...), findings...) {
		detectors = append(detectors, detector.NewFileDetector(path))
	}
	for _, path := range append(append([]string(nil), cfg.Compliance...), complianceFiles...) {
		detectors = append(detectors, detector.NewComplianceFileDetector(path, compliance.ParsedSeverity()))
	}
	return detectors
}

func buildResponder(a *app, cfg *config.Config, detectors []detector.Detector, logger zerolog.Logger) (*responder.Responder, error) {
	opts := []responder.Option{responder.WithLogger(logger)}
	suppress := cfg.Detectors.Suppress
	if f := filter.New(suppress.Categories, suppress.IncludeAttributes, suppress.ExcludeAttributes); !f.IsEmpty() {
		opts = append(opts, responder.WithSuppressor(f))
	}
	if a.store != nil {
		opts = append(opts, responder.WithArchive(a.store))
	}
	return responder.New(a.dispatcher, detectors, responder.Config{DetectTimeout: cfg.Detectors.Timeout}, opts...)
}
