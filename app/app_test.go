// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/switchmeter/config"
	"github.com/soothill/switchmeter/discovery"
	"github.com/soothill/switchmeter/mirror"
	"github.com/soothill/switchmeter/pkg/logger"
	"github.com/soothill/switchmeter/switches"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

type fakeScanner struct {
	brokers []*discovery.Broker
	err     error
	calls   int
}

func (s *fakeScanner) Discover(context.Context, time.Duration) ([]*discovery.Broker, error) {
	s.calls++
	return s.brokers, s.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Path:        filepath.Join(t.TempDir(), "switches.db"),
			BusyTimeout: time.Second,
		},
		MQTT: config.MQTTConfig{
			BrokerURL:         "tcp://127.0.0.1:1",
			ClientID:          "switchmeter-test",
			Namespace:         "switch",
			Verb:              "control",
			QoS:               1,
			PublishTimeout:    100 * time.Millisecond,
			ConnectTimeout:    100 * time.Millisecond,
			ReconnectInterval: time.Second,
			Discovery: config.DiscoveryConfig{
				Service: discovery.ServiceMQTT,
				Domain:  "local.",
				Timeout: time.Second,
			},
		},
		Transition:  config.TransitionConfig{MaxRetries: 3},
		Propagation: config.PropagationConfig{Workers: 1, QueueSize: 8, Timeout: time.Second},
		Mirror:      config.MirrorConfig{DefaultState: "off"},
		HTTP:        config.HTTPConfig{ListenAddr: "127.0.0.1:0"},
		Logging:     config.LoggingConfig{Level: "info", Format: "console"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func mustRecord(t *testing.T, switchID string) *switches.Record {
	t.Helper()
	rec, err := switches.NewRecord(switches.CreateRequest{SwitchID: switchID, PowerRating: 1, ElectricityRate: 10}, time.Now())
	require.NoError(t, err)
	return rec
}

func TestResolveBrokerURL(t *testing.T) {
	plain := &discovery.Broker{Instance: "a", Address: net.ParseIP("10.0.0.2"), Port: 1883}
	secure := &discovery.Broker{Instance: "b", Address: net.ParseIP("10.0.0.3"), Port: 8883, TLS: true}

	tests := []struct {
		name      string
		brokerURL string
		discover  bool
		scanner   *fakeScanner
		want      string
		wantErr   bool
		wantCalls int
	}{
		{
			name:      "configured url wins",
			brokerURL: "tcp://broker:1883",
			discover:  true,
			scanner:   &fakeScanner{brokers: []*discovery.Broker{secure}},
			want:      "tcp://broker:1883",
		},
		{
			name:      "discovery prefers tls",
			discover:  true,
			scanner:   &fakeScanner{brokers: []*discovery.Broker{plain, secure}},
			want:      "ssl://10.0.0.3:8883",
			wantCalls: 1,
		},
		{
			name:      "discovery error",
			discover:  true,
			scanner:   &fakeScanner{err: errors.New("no multicast")},
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:      "nothing found",
			discover:  true,
			scanner:   &fakeScanner{},
			wantErr:   true,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.MQTTConfig{
				BrokerURL: tt.brokerURL,
				Discovery: config.DiscoveryConfig{Enabled: tt.discover, Service: "_mqtt._tcp", Domain: "local.", Timeout: time.Second},
			}
			got, err := resolveBrokerURL(context.Background(), cfg, tt.scanner)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveBrokerURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("resolveBrokerURL() = %q, want %q", got, tt.want)
			}
			assert.Equal(t, tt.wantCalls, tt.scanner.calls)
		})
	}
}

func TestResolveBrokerURL_NothingFoundIsTimeout(t *testing.T) {
	cfg := config.MQTTConfig{Discovery: config.DiscoveryConfig{Enabled: true, Service: "_mqtt._tcp", Domain: "local.", Timeout: time.Second}}
	_, err := resolveBrokerURL(context.Background(), cfg, &fakeScanner{})
	assert.True(t, apperrors.IsDiscoveryError(err))
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
}

func TestNewAppDiscoveryFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.MQTT.BrokerURL = ""
	cfg.MQTT.Discovery.Enabled = true

	_, err := newApp(context.Background(), cfg, "config.yaml", &fakeScanner{})
	assert.Error(t, err)
}

func TestNewAppWiresComponents(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg, "config.yaml", &fakeScanner{})
	require.NoError(t, err)

	assert.Equal(t, "tcp://127.0.0.1:1", a.brokerURL)
	assert.Equal(t, mirror.StateOff, a.mirror.Default())
	assert.False(t, a.alerts.IsEnabled())
	assert.NoError(t, a.store.HealthCheck(context.Background()))
	assert.False(t, a.dispatcher.IsConnected())

	// Toggles commit with the broker unreachable.
	ctx := context.Background()
	a.propagator.Start(ctx)
	rec, err := a.store.Create(ctx, mustRecord(t, "SW01"))
	require.NoError(t, err)
	updated, err := a.coordinator.ApplyToggle(ctx, "SW01", true)
	require.NoError(t, err)
	assert.True(t, updated.IsOn)
	assert.Equal(t, rec.Version+1, updated.Version)

	a.DumpApplicationState()

	a.Shutdown()
	a.Shutdown()
	a.performCleanup()

	assert.Equal(t, mirror.StateOn, a.mirror.Get("SW01"))
	assert.Error(t, a.store.HealthCheck(ctx))
}

func TestUpdateConfig(t *testing.T) {
	logger.Initialize("info", logger.FormatConsole)
	t.Cleanup(func() { logger.Initialize("info", logger.FormatConsole) })

	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg, "config.yaml", &fakeScanner{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.store.Close() })

	next := *cfg
	next.Logging.Level = "debug"
	next.Notifications.SlackWebhookURL = "https://hooks.slack.com/services/T/B/X"
	a.UpdateConfig(&next)

	assert.Equal(t, zerolog.DebugLevel, logger.Get().GetLevel())
	assert.True(t, a.alerts.IsEnabled())
	assert.Same(t, &next, a.config())

	next2 := next
	next2.Notifications.SlackWebhookURL = ""
	a.UpdateConfig(&next2)
	assert.False(t, a.alerts.IsEnabled())
}

func TestRestartRequired(t *testing.T) {
	base := testConfig(t)

	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   bool
	}{
		{"log level only", func(c *config.Config) { c.Logging.Level = "debug" }, false},
		{"webhook only", func(c *config.Config) { c.Notifications.SlackWebhookURL = "https://hooks.slack.com/x" }, false},
		{"broker", func(c *config.Config) { c.MQTT.BrokerURL = "tcp://other:1883" }, true},
		{"workers", func(c *config.Config) { c.Propagation.Workers = 9 }, true},
		{"listen addr", func(c *config.Config) { c.HTTP.ListenAddr = ":9999" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := *base
			tt.mutate(&next)
			if got := restartRequired(base, &next); got != tt.want {
				t.Errorf("restartRequired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPropagationDropAlertIsRateLimited(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg, "config.yaml", &fakeScanner{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.store.Close() })

	a.onPropagationDrop(1)
	assert.False(t, a.backlogLimiter.Allow(), "first drop should consume the alert budget")
}
