// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"

	"github.com/soothill/switchmeter/discovery"
)

// BrokerScanner defines the interface for MQTT broker discovery.
// Implementations should support mDNS/DNS-SD discovery protocols.
type BrokerScanner interface {
	// Discover browses for brokers for at most timeout
	Discover(ctx context.Context, timeout time.Duration) ([]*discovery.Broker, error)
}
