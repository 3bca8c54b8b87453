// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/soothill/switchmeter/app"
	"github.com/soothill/switchmeter/config"
	"github.com/soothill/switchmeter/pkg/logger"
	"github.com/soothill/switchmeter/storage"
)

const healthCheckTimeout = 5 * time.Second

type options struct {
	configPath     string
	healthCheck    bool
	validateConfig bool
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("switchmeter", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVarP(&opts.configPath, "config", "c", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.healthCheck, "health-check", false, "Check the switch database and exit")
	fs.BoolVar(&opts.validateConfig, "validate-config", false, "Validate configuration file and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if opts.healthCheck {
		os.Exit(performHealthCheck(opts.configPath))
	}

	if opts.validateConfig {
		os.Exit(performConfigValidation(opts.configPath))
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Initialize("error", logger.FormatConsole)
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level, cfg.Logging.Format)

	logger.Info().Msg("Starting switchmeter")
	logger.Info().
		Str("database", cfg.Database.Path).
		Str("broker", cfg.MQTT.BrokerURL).
		Bool("discovery", cfg.MQTT.Discovery.Enabled).
		Int("max_retries", cfg.Transition.MaxRetries).
		Int("propagation_workers", cfg.Propagation.Workers).
		Msg("Configuration loaded")

	application, err := app.New(context.Background(), cfg, opts.configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)
	application.Run()
}

// performHealthCheck opens the configured switch database and returns the
// process exit code.
func performHealthCheck(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	store, err := storage.NewSQLiteStore(storage.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
		WALMode:     cfg.Database.WAL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not open switch database: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := store.HealthCheck(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: switch database is unhealthy: %v\n", err)
		return 1
	}

	fmt.Println("Health check passed: switch database is healthy")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string) int {
	logger.Initialize("info", logger.FormatConsole)
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	broker := cfg.MQTT.BrokerURL
	if broker == "" {
		broker = fmt.Sprintf("(discovered via %s in %s)", cfg.MQTT.Discovery.Service, cfg.MQTT.Discovery.Domain)
	}

	fmt.Println("\n✅ Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  Database Path: %s\n", cfg.Database.Path)
	fmt.Printf("  MQTT Broker: %s\n", broker)
	fmt.Printf("  MQTT Topic: %s/<device>/%s (QoS %d)\n", cfg.MQTT.Namespace, cfg.MQTT.Verb, cfg.MQTT.QoS)
	fmt.Printf("  Publish Timeout: %s\n", cfg.MQTT.PublishTimeout)
	fmt.Printf("  Transition Max Retries: %d\n", cfg.Transition.MaxRetries)
	fmt.Printf("  Propagation Workers: %d (queue %d)\n", cfg.Propagation.Workers, cfg.Propagation.QueueSize)
	fmt.Printf("  Mirror Default State: %s\n", cfg.Mirror.DefaultState)
	fmt.Printf("  HTTP Listen Address: %s\n", cfg.HTTP.ListenAddr)
	fmt.Printf("  Log Level: %s (%s)\n", cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Println("  Slack Notifications: Enabled")
	} else {
		fmt.Println("  Slack Notifications: Disabled")
	}

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
