// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the switch meter.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
	"github.com/soothill/switchmeter/pkg/util"
)

// Config represents the application configuration
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Transition    TransitionConfig    `yaml:"transition"`
	Propagation   PropagationConfig   `yaml:"propagation"`
	Mirror        MirrorConfig        `yaml:"mirror"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// DatabaseConfig holds the switch record store settings
type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	WAL         bool          `yaml:"wal"`
}

// MQTTConfig holds command broker settings
type MQTTConfig struct {
	BrokerURL         string          `yaml:"broker_url"`
	ClientID          string          `yaml:"client_id"`
	Username          string          `yaml:"username"`
	Password          string          `yaml:"password"`
	Namespace         string          `yaml:"namespace"`
	Verb              string          `yaml:"verb"`
	QoS               int             `yaml:"qos"`
	PublishTimeout    time.Duration   `yaml:"publish_timeout"`
	ConnectTimeout    time.Duration   `yaml:"connect_timeout"`
	ReconnectInterval time.Duration   `yaml:"reconnect_interval"`
	Discovery         DiscoveryConfig `yaml:"discovery"`
}

// DiscoveryConfig holds mDNS broker discovery settings
type DiscoveryConfig struct {
	Enabled bool          `yaml:"enabled"`
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// TransitionConfig holds toggle retry settings
type TransitionConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// PropagationConfig sizes the mirror/dispatch worker pool
type PropagationConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// MirrorConfig holds device mirror settings
type MirrorConfig struct {
	DefaultState string `yaml:"default_state"`
}

// HTTPConfig holds the API listener settings
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NotificationsConfig holds alerting settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

var allowedBrokerSchemes = map[string]bool{
	"tcp": true, "ssl": true, "tls": true,
	"mqtt": true, "mqtts": true, "ws": true, "wss": true,
}

var plaintextBrokerSchemes = map[string]bool{
	"tcp": true, "mqtt": true, "ws": true,
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if path := os.Getenv("SWITCHMETER_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if broker := os.Getenv("MQTT_BROKER_URL"); broker != "" {
		c.MQTT.BrokerURL = broker
	}
	if user := os.Getenv("MQTT_USERNAME"); user != "" {
		c.MQTT.Username = user
	}
	if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
		c.MQTT.Password = pass
	}
	if id := os.Getenv("MQTT_CLIENT_ID"); id != "" {
		c.MQTT.ClientID = id
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		c.Notifications.SlackWebhookURL = webhook
	}
	if addr := os.Getenv("HTTP_LISTEN_ADDR"); addr != "" {
		c.HTTP.ListenAddr = addr
	}
	if retries := os.Getenv("TRANSITION_MAX_RETRIES"); retries != "" {
		n, parseErr := strconv.Atoi(retries)
		if parseErr == nil {
			c.Transition.MaxRetries = n
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse TRANSITION_MAX_RETRIES '%s': %v\n", retries, parseErr)
		}
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/switchmeter/switches.db"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
	if c.MQTT.ClientID == "" {
		host, _ := os.Hostname()
		c.MQTT.ClientID = "switchmeter-" + host
	}
	if c.MQTT.Namespace == "" {
		c.MQTT.Namespace = "switch"
	}
	if c.MQTT.Verb == "" {
		c.MQTT.Verb = "control"
	}
	if c.MQTT.QoS == 0 {
		c.MQTT.QoS = 1
	}
	if c.MQTT.PublishTimeout == 0 {
		c.MQTT.PublishTimeout = 5 * time.Second
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.MQTT.ReconnectInterval == 0 {
		c.MQTT.ReconnectInterval = 5 * time.Second
	}
	if c.MQTT.Discovery.Service == "" {
		c.MQTT.Discovery.Service = "_mqtt._tcp"
	}
	if c.MQTT.Discovery.Domain == "" {
		c.MQTT.Discovery.Domain = "local."
	}
	if c.MQTT.Discovery.Timeout == 0 {
		c.MQTT.Discovery.Timeout = 5 * time.Second
	}
	if c.Transition.MaxRetries == 0 {
		c.Transition.MaxRetries = 3
	}
	if c.Propagation.Workers == 0 {
		c.Propagation.Workers = 4
	}
	if c.Propagation.QueueSize == 0 {
		c.Propagation.QueueSize = 256
	}
	if c.Propagation.Timeout == 0 {
		c.Propagation.Timeout = 5 * time.Second
	}
	if c.Mirror.DefaultState == "" {
		c.Mirror.DefaultState = "OFF"
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = "localhost:8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if validateErr := c.validateDatabase(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateMQTT(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateTransition(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validatePropagation(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateMirror(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateLogging(); validateErr != nil {
		return validateErr
	}

	return nil
}

func invalid(field, value, reason string) error {
	return apperrors.NewConfigError(field, value, fmt.Errorf("%w: %s", apperrors.ErrInvalidConfig, reason))
}

func (c *Config) validateDatabase() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return invalid("database.path", "", "is required")
	}
	if c.Database.BusyTimeout < 0 {
		return invalid("database.busy_timeout", c.Database.BusyTimeout.String(), "must not be negative")
	}
	return nil
}

// validateMQTT validates the broker configuration
func (c *Config) validateMQTT() error {
	m := c.MQTT

	if m.BrokerURL == "" {
		if !m.Discovery.Enabled {
			return invalid("mqtt.broker_url", "", "is required unless mqtt.discovery.enabled is set")
		}
	} else {
		parsedURL, parseErr := url.Parse(m.BrokerURL)
		if parseErr != nil {
			return apperrors.NewConfigError("mqtt.broker_url", m.BrokerURL, parseErr)
		}
		if !allowedBrokerSchemes[strings.ToLower(parsedURL.Scheme)] {
			return invalid("mqtt.broker_url", m.BrokerURL, "scheme must be one of tcp, ssl, tls, mqtt, mqtts, ws, wss")
		}
		if parsedURL.Hostname() == "" {
			return invalid("mqtt.broker_url", m.BrokerURL, "host is required")
		}
		if securityErr := validateBrokerSecurity(parsedURL, m.Username != "" || m.Password != ""); securityErr != nil {
			return securityErr
		}
	}

	if m.QoS != 1 && m.QoS != 2 {
		return invalid("mqtt.qos", strconv.Itoa(m.QoS), "must be 1 or 2; commands require broker acknowledgement")
	}
	if m.Namespace == "" || strings.ContainsAny(m.Namespace, "+#") {
		return invalid("mqtt.namespace", m.Namespace, "must be a non-empty topic segment without wildcards")
	}
	if m.Verb == "" || strings.ContainsAny(m.Verb, "/+#") {
		return invalid("mqtt.verb", m.Verb, "must be a single topic segment without wildcards")
	}
	if m.PublishTimeout <= 0 {
		return invalid("mqtt.publish_timeout", m.PublishTimeout.String(), "must be positive")
	}
	if m.ConnectTimeout <= 0 {
		return invalid("mqtt.connect_timeout", m.ConnectTimeout.String(), "must be positive")
	}
	if m.ReconnectInterval <= 0 {
		return invalid("mqtt.reconnect_interval", m.ReconnectInterval.String(), "must be positive")
	}
	if m.Discovery.Enabled && m.Discovery.Timeout <= 0 {
		return invalid("mqtt.discovery.timeout", m.Discovery.Timeout.String(), "must be positive")
	}

	return nil
}

// validateBrokerSecurity rejects credentials sent in plaintext to non-local brokers
func validateBrokerSecurity(parsedURL *url.URL, hasCredentials bool) error {
	if !hasCredentials || !plaintextBrokerSchemes[strings.ToLower(parsedURL.Scheme)] {
		return nil
	}

	if !isLocalHost(parsedURL.Hostname()) {
		return invalid("mqtt.broker_url", parsedURL.Redacted(),
			fmt.Sprintf("must use TLS (ssl, tls, mqtts, wss) when credentials are configured for non-local brokers (got %s)", parsedURL.Scheme))
	}

	return nil
}

func isLocalHost(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

func (c *Config) validateTransition() error {
	if c.Transition.MaxRetries < 1 || c.Transition.MaxRetries > 10 {
		return invalid("transition.max_retries", strconv.Itoa(c.Transition.MaxRetries), "must be between 1 and 10")
	}
	return nil
}

func (c *Config) validatePropagation() error {
	p := c.Propagation
	if p.Workers < 1 {
		return invalid("propagation.workers", strconv.Itoa(p.Workers), "must be at least 1")
	}
	if p.QueueSize < 1 {
		return invalid("propagation.queue_size", strconv.Itoa(p.QueueSize), "must be at least 1")
	}
	if p.Timeout <= 0 {
		return invalid("propagation.timeout", p.Timeout.String(), "must be positive")
	}
	return nil
}

func (c *Config) validateMirror() error {
	switch strings.ToUpper(c.Mirror.DefaultState) {
	case "ON", "OFF":
		return nil
	}
	return invalid("mirror.default_state", c.Mirror.DefaultState, "must be ON or OFF")
}

// validateLogging validates the logging configuration
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return invalid("logging.level", c.Logging.Level, "must be one of: debug, info, warn, error, fatal, panic")
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return invalid("logging.format", c.Logging.Format, "must be console or json")
	}

	return nil
}
