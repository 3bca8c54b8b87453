// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the switch store, accounting coordinator, device
// mirror and command dispatcher into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/soothill/switchmeter/config"
	"github.com/soothill/switchmeter/discovery"
	"github.com/soothill/switchmeter/dispatch"
	"github.com/soothill/switchmeter/mirror"
	"github.com/soothill/switchmeter/pkg/interfaces"
	"github.com/soothill/switchmeter/pkg/logger"
	"github.com/soothill/switchmeter/pkg/slacknotifier"
	"github.com/soothill/switchmeter/storage"
	"github.com/soothill/switchmeter/transition"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

const (
	signalChannelSize   = 1
	alertContextTimeout = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
	readHeaderTimeout   = 5 * time.Second
	backlogAlertEvery   = time.Minute
)

// App represents the main application
type App struct {
	cfg         *config.Config
	cfgMu       sync.RWMutex
	store       *storage.SQLiteStore
	mirror      *mirror.Mirror
	dispatcher  *dispatch.MQTTDispatcher
	propagator  *transition.Propagator
	coordinator *transition.Coordinator
	notifier    *slacknotifier.Notifier
	alerts      *slacknotifier.AlertAdapter
	server      *http.Server
	watcher     *config.Watcher
	brokerURL   string

	backlogLimiter *rate.Limiter
	shutdownOnce   sync.Once
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
}

// New creates a new application instance. When no broker URL is configured
// and discovery is enabled, the broker is located over mDNS first.
func New(ctx context.Context, cfg *config.Config, configPath string) (*App, error) {
	return newApp(ctx, cfg, configPath, discovery.NewBrokerScanner(cfg.MQTT.Discovery.Service, cfg.MQTT.Discovery.Domain))
}

func newApp(ctx context.Context, cfg *config.Config, configPath string, scanner interfaces.BrokerScanner) (*App, error) {
	a := &App{
		cfg:            cfg,
		backlogLimiter: rate.NewLimiter(rate.Every(backlogAlertEvery), 1),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.notifier = slacknotifier.New(cfg.Notifications.SlackWebhookURL)
	a.alerts = slacknotifier.NewAlertAdapter(a.notifier)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	brokerURL, err := resolveBrokerURL(ctx, cfg.MQTT, scanner)
	if err != nil {
		return nil, err
	}
	a.brokerURL = brokerURL

	a.store, err = storage.NewSQLiteStore(storage.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
		WALMode:     cfg.Database.WAL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open switch store: %w", err)
	}
	logger.Info().Str("path", a.store.Path()).Msg("Switch store opened")

	defaultState, err := mirror.ParseState(strings.ToUpper(cfg.Mirror.DefaultState))
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("invalid mirror default state: %w", err)
	}
	a.mirror = mirror.New(defaultState)

	a.dispatcher = dispatch.New(dispatch.Config{
		BrokerURL:         brokerURL,
		ClientID:          cfg.MQTT.ClientID,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		Namespace:         cfg.MQTT.Namespace,
		Verb:              cfg.MQTT.Verb,
		QoS:               byte(cfg.MQTT.QoS),
		PublishTimeout:    cfg.MQTT.PublishTimeout,
		ConnectTimeout:    cfg.MQTT.ConnectTimeout,
		ReconnectInterval: cfg.MQTT.ReconnectInterval,
	})
	a.dispatcher.SetConnectionHooks(a.onBrokerLost, a.onBrokerRestored)

	a.propagator = transition.NewPropagator(a.mirror, a.dispatcher, transition.PropagatorConfig{
		Workers:   cfg.Propagation.Workers,
		QueueSize: cfg.Propagation.QueueSize,
		Timeout:   cfg.Propagation.Timeout,
	})
	a.propagator.OnDrop(a.onPropagationDrop)

	a.coordinator = transition.NewCoordinator(a.store, a.propagator, transition.Options{
		MaxRetries:     cfg.Transition.MaxRetries,
		OnInconsistent: a.onInconsistent,
	})

	api := NewAPI(APIConfig{
		Store:      a.store,
		Toggler:    a.coordinator,
		Mirror:     a.mirror,
		Dispatcher: a.dispatcher,
		Readiness: []ReadinessCheck{
			{Name: "database", Check: a.store.HealthCheck},
			{Name: "mqtt", Check: a.dispatcher.HealthCheck},
		},
	})
	a.server = &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	a.watcher = config.NewWatcher(configPath, a.UpdateConfig)

	return a, nil
}

// resolveBrokerURL returns the configured broker, or the best broker found
// by discovery when none is configured.
func resolveBrokerURL(ctx context.Context, cfg config.MQTTConfig, scanner interfaces.BrokerScanner) (string, error) {
	if cfg.BrokerURL != "" || !cfg.Discovery.Enabled {
		return cfg.BrokerURL, nil
	}

	logger.Info().Str("service", cfg.Discovery.Service).Str("domain", cfg.Discovery.Domain).Msg("Discovering MQTT broker")
	brokers, err := scanner.Discover(ctx, cfg.Discovery.Timeout)
	if err != nil {
		return "", fmt.Errorf("broker discovery failed: %w", err)
	}
	broker := discovery.Select(brokers)
	if broker == nil {
		return "", apperrors.NewDiscoveryError("select", fmt.Errorf("%w: no %s service answered in %s within %v",
			apperrors.ErrTimeout, cfg.Discovery.Service, cfg.Discovery.Domain, cfg.Discovery.Timeout))
	}

	logger.Info().Str("instance", broker.Instance).Str("broker", broker.URL()).Bool("tls", broker.TLS).Msg("Using discovered MQTT broker")
	return broker.URL(), nil
}

// Run starts the application and blocks until shutdown
func (a *App) Run() {
	defer a.cancel()

	a.watcher.Start(a.ctx)
	a.propagator.Start(context.Background())
	a.connectBroker(a.ctx)
	a.startHTTPServer()
	a.setupSignalHandler()

	<-a.ctx.Done()
	a.performCleanup()
}

// Shutdown triggers a graceful shutdown; Run returns once cleanup is done.
func (a *App) Shutdown() {
	a.performGracefulShutdown()
}

// connectBroker makes the first connection attempt. A broker that is down
// at startup is not fatal: the client keeps retrying and toggles still
// commit while propagation fails.
func (a *App) connectBroker(ctx context.Context) {
	if err := a.dispatcher.Connect(ctx); err != nil {
		logger.Warn().Err(err).Str("broker", a.brokerURL).
			Dur("retry_interval", a.config().MQTT.ReconnectInterval).
			Msg("MQTT broker unavailable at startup; retrying in background")
	}
}

func (a *App) startHTTPServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting HTTP API server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
			a.performGracefulShutdown()
		}
	}()
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			a.performGracefulShutdown()
		case <-a.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

// performGracefulShutdown stops accepting requests and releases Run.
func (a *App) performGracefulShutdown() {
	a.shutdownOnce.Do(func() {
		logger.Info().Msg("Initiating graceful shutdown...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		} else {
			logger.Info().Msg("HTTP server stopped")
		}

		a.watcher.Stop()
		a.cancel()
	})
}

// performCleanup drains propagation before the broker and store go away.
func (a *App) performCleanup() {
	logger.Info().Int("queued", a.propagator.QueueDepth()).Msg("Draining propagation queue")
	a.propagator.Stop()
	a.dispatcher.Close()
	if err := a.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close switch store")
	}

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	logger.Info().Msg("All goroutines finished, exiting")
}

func (a *App) config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// UpdateConfig applies the settings that may change without a restart:
// log level and the Slack webhook.
func (a *App) UpdateConfig(newCfg *config.Config) {
	a.cfgMu.Lock()
	old := a.cfg
	a.cfg = newCfg
	a.cfgMu.Unlock()

	if old == nil || old.Logging.Level != newCfg.Logging.Level {
		logger.SetLevel(newCfg.Logging.Level)
		logger.Info().Str("level", newCfg.Logging.Level).Msg("Log level updated")
	}
	a.notifier.UpdateWebhookURL(newCfg.Notifications.SlackWebhookURL)

	if old != nil && restartRequired(old, newCfg) {
		logger.Warn().Msg("Configuration changes to database, mqtt, propagation or http settings take effect after restart")
	}
	logger.Info().Msg("Application configuration updated")
}

func restartRequired(old, cur *config.Config) bool {
	return old.Database != cur.Database ||
		old.MQTT != cur.MQTT ||
		old.Transition != cur.Transition ||
		old.Propagation != cur.Propagation ||
		old.Mirror != cur.Mirror ||
		old.HTTP != cur.HTTP
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	ctx, cancel := context.WithTimeout(context.Background(), alertContextTimeout)
	defer cancel()
	count, err := a.store.Count(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not count switches")
	}
	logger.Info().
		Int("switches", count).
		Bool("broker_connected", a.dispatcher.IsConnected()).
		Str("breaker_state", a.dispatcher.BreakerState()).
		Int("propagation_queue_depth", a.propagator.QueueDepth()).
		Int64("propagation_dropped", a.propagator.Dropped()).
		Msg("Engine state")

	for _, entry := range a.mirror.Snapshot() {
		logger.Info().Str("device_id", entry.Identity).Str("state", string(entry.State)).Msg("Mirrored device")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024)
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// sendAlert delivers an alert off the calling goroutine; callers include
// paho callbacks and the propagation enqueue path.
func (a *App) sendAlert(kind string, send func(ctx context.Context) error) {
	if !a.alerts.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertContextTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			logger.Error().Err(err).Str("alert", kind).Msg("Failed to send alert")
		}
	}()
}

func (a *App) onBrokerLost(err error) {
	a.sendAlert("broker_lost", func(ctx context.Context) error {
		return a.alerts.SendBrokerLost(ctx, a.brokerURL, err)
	})
}

func (a *App) onBrokerRestored() {
	a.sendAlert("broker_restored", func(ctx context.Context) error {
		return a.alerts.SendBrokerRestored(ctx, a.brokerURL)
	})
}

func (a *App) onInconsistent(_ context.Context, switchID string, err error) {
	a.sendAlert("inconsistent_state", func(ctx context.Context) error {
		return a.alerts.SendInconsistentState(ctx, switchID, err)
	})
}

func (a *App) onPropagationDrop(total int64) {
	if !a.backlogLimiter.Allow() {
		return
	}
	a.sendAlert("propagation_backlog", func(ctx context.Context) error {
		return a.alerts.SendPropagationBacklog(ctx, total)
	})
}
