// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package dispatch publishes switch power commands to an MQTT broker.
//
// One connection is held for the process lifetime and reconnects on its
// own at a fixed interval. Callers only see whether their own publish was
// acknowledged by the broker within the configured bound; acknowledgement
// from the physical device is not tracked.
//
// Commands go to "<namespace>/<device>/<verb>" (by default
// "switch/<device>/control") as JSON:
//
//	{"switchId":"SW01","command":"ON","timestamp":"2025-01-15T08:00:00Z","commandId":"…"}
//
// The commandId lets devices discard duplicates of an at-least-once delivery.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/soothill/switchmeter/mirror"
	"github.com/soothill/switchmeter/pkg/logger"
	"github.com/soothill/switchmeter/pkg/metrics"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

const (
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// Command is the wire payload of a power command.
type Command struct {
	SwitchID  string `json:"switchId"`
	Command   string `json:"command"`
	Timestamp string `json:"timestamp"`
	CommandID string `json:"commandId"`
}

// publisher is the slice of pahomqtt.Client the dispatcher needs.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTTDispatcher sends commands over a shared broker connection.
type MQTTDispatcher struct {
	cfg     Config
	client  pahomqtt.Client
	pub     publisher
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	clock func() time.Time
	newID func() string

	lost atomic.Bool

	hooksMu    sync.RWMutex
	onLost     func(err error)
	onRestored func()
}

// New builds a dispatcher and its paho client. No connection is attempted
// until Connect is called.
func New(cfg Config) *MQTTDispatcher {
	d := newDispatcher(cfg, nil)

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) { d.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { d.handleConnectionLost(err) })
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		d.log.Debug().Str("broker", cfg.BrokerURL).Msg("Reconnecting to MQTT broker")
	})

	d.client = pahomqtt.NewClient(opts)
	d.pub = d.client
	return d
}

func newDispatcher(cfg Config, pub publisher) *MQTTDispatcher {
	d := &MQTTDispatcher{
		cfg:   cfg,
		pub:   pub,
		log:   logger.Component("dispatch"),
		clock: time.Now,
		newID: uuid.NewString,
	}
	d.breaker = newBreaker(cfg, d.log)
	return d
}

func newBreaker(cfg Config, log zerolog.Logger) *gobreaker.CircuitBreaker {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = defaultBreakerCooldown
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-publish",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})
}

// SetConnectionHooks registers callbacks for connection loss and for the
// first successful reconnect after a loss. Either may be nil.
func (d *MQTTDispatcher) SetConnectionHooks(onLost func(err error), onRestored func()) {
	d.hooksMu.Lock()
	d.onLost = onLost
	d.onRestored = onRestored
	d.hooksMu.Unlock()
}

// Connect starts the broker connection and waits up to ConnectTimeout for
// it to come up. On timeout the client keeps retrying in the background.
func (d *MQTTDispatcher) Connect(ctx context.Context) error {
	if d.client == nil {
		return nil
	}

	token := d.client.Connect()
	if err := waitForToken(ctx, token, d.cfg.ConnectTimeout); err != nil {
		return apperrors.NewDispatchError("connect", "", err)
	}

	metrics.BrokerConnected.Set(1)
	d.log.Info().Str("broker", d.cfg.BrokerURL).Str("client_id", d.cfg.ClientID).Msg("Connected to MQTT broker")
	return nil
}

func (d *MQTTDispatcher) handleConnect() {
	metrics.BrokerConnected.Set(1)
	if !d.lost.CompareAndSwap(true, false) {
		return
	}

	d.log.Info().Str("broker", d.cfg.BrokerURL).Msg("MQTT broker connection restored")
	d.hooksMu.RLock()
	hook := d.onRestored
	d.hooksMu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (d *MQTTDispatcher) handleConnectionLost(err error) {
	metrics.BrokerConnected.Set(0)
	d.lost.Store(true)

	d.log.Warn().Err(err).Str("broker", d.cfg.BrokerURL).Dur("retry_interval", d.cfg.ReconnectInterval).Msg("MQTT broker connection lost")
	d.hooksMu.RLock()
	hook := d.onLost
	d.hooksMu.RUnlock()
	if hook != nil {
		hook(err)
	}
}

// Topic returns the command topic for a device identity.
func (d *MQTTDispatcher) Topic(identity string) string {
	return strings.Join([]string{d.cfg.Namespace, identity, d.cfg.Verb}, "/")
}

// IsConnected reports whether the broker connection is currently up.
func (d *MQTTDispatcher) IsConnected() bool {
	return d.pub != nil && d.pub.IsConnected()
}

// Send publishes an ON/OFF command for identity and waits for the broker
// acknowledgement, bounded by PublishTimeout and ctx. Any failure is a
// *DispatchError.
func (d *MQTTDispatcher) Send(ctx context.Context, identity string, desiredOn bool) error {
	if strings.TrimSpace(identity) == "" || strings.ContainsAny(identity, "/+#") {
		metrics.DispatchTotal.WithLabelValues(metrics.ResultError).Inc()
		return apperrors.NewDispatchError("publish", identity,
			apperrors.NewValidationError("deviceId", identity, "must be non-empty and free of MQTT topic separators or wildcards"))
	}
	if !d.IsConnected() {
		metrics.DispatchTotal.WithLabelValues("not_connected").Inc()
		return apperrors.NewDispatchError("publish", identity, apperrors.ErrBrokerNotConnected)
	}

	cmd := Command{
		SwitchID:  identity,
		Command:   string(mirror.FromBool(desiredOn)),
		Timestamp: d.clock().UTC().Format(time.RFC3339),
		CommandID: d.newID(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(metrics.ResultError).Inc()
		return apperrors.NewDispatchError("encode", identity, err)
	}

	topic := d.Topic(identity)
	start := time.Now()
	_, err = d.breaker.Execute(func() (interface{}, error) {
		token := d.pub.Publish(topic, d.cfg.QoS, false, payload)
		return nil, waitForToken(ctx, token, d.cfg.PublishTimeout)
	})
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = apperrors.ErrCircuitBreakerOpen
		}
		metrics.DispatchTotal.WithLabelValues(metrics.ResultError).Inc()
		return apperrors.NewDispatchError("publish", identity, err)
	}

	metrics.DispatchTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	d.log.Debug().
		Str("device_id", identity).
		Str("topic", topic).
		Str("command", cmd.Command).
		Str("command_id", cmd.CommandID).
		Msg("Command acknowledged by broker")
	return nil
}

// HealthCheck fails when the broker connection is down.
func (d *MQTTDispatcher) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}
	if !d.IsConnected() {
		return apperrors.NewDispatchError("health", "", apperrors.ErrBrokerNotConnected)
	}
	return nil
}

// BreakerState returns the publish circuit breaker state.
func (d *MQTTDispatcher) BreakerState() string {
	return d.breaker.State().String()
}

// Close disconnects from the broker, giving in-flight publishes a short
// quiesce period.
func (d *MQTTDispatcher) Close() {
	if d.client == nil {
		return
	}
	d.log.Info().Str("broker", d.cfg.BrokerURL).Msg("Disconnecting from MQTT broker")
	d.client.Disconnect(defaultDisconnectQuiesce)
	metrics.BrokerConnected.Set(0)
}

// waitForToken waits for token completion, ctx cancellation or timeout,
// whichever comes first.
func waitForToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %v", apperrors.ErrAckTimeout, timeout)
	}
}
