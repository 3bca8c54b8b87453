// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package dispatch

import (
	"crypto/tls"
	"net/url"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultKeepAlive         = 60 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	tlsMinVersion            = tls.VersionTLS12
)

// Config holds broker connection and command addressing settings.
type Config struct {
	BrokerURL         string
	ClientID          string
	Username          string
	Password          string
	Namespace         string
	Verb              string
	QoS               byte
	PublishTimeout    time.Duration
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration

	// Breaker settings; zero values pick the defaults in newBreaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// buildClientOptions maps Config onto paho options. Reconnects use a fixed
// interval: both the initial retry and the maximum backoff equal
// ReconnectInterval.
func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.ReconnectInterval)
	opts.SetMaxReconnectInterval(cfg.ReconnectInterval)

	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWriteTimeout(cfg.PublishTimeout)

	if isTLSScheme(cfg.BrokerURL) {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

func isTLSScheme(brokerURL string) bool {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "ssl", "tls", "mqtts", "wss", "tcps":
		return true
	default:
		return false
	}
}
