// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery finds MQTT brokers on the local network via mDNS.
//
// Brokers advertise themselves with DNS-SD under "_mqtt._tcp" (plaintext)
// or "_secure-mqtt._tcp" (TLS). Discovery is only used when no broker URL
// is configured.
//
// # Example Usage
//
//	scanner := discovery.NewBrokerScanner(discovery.ServiceMQTT, "local.")
//
//	brokers, err := scanner.Discover(ctx, 5*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if b := discovery.Select(brokers); b != nil {
//	    fmt.Println(b.URL())
//	}
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/soothill/switchmeter/pkg/logger"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

// DNS-SD service types for MQTT brokers.
const (
	ServiceMQTT       = "_mqtt._tcp"
	ServiceSecureMQTT = "_secure-mqtt._tcp"
)

// Broker represents a discovered MQTT broker
type Broker struct {
	Instance  string
	Hostname  string
	Address   net.IP
	Port      int
	TLS       bool
	TXTRecord map[string]string
}

// URL returns the broker URL in the form paho expects.
func (b *Broker) URL() string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	host := strings.TrimSuffix(b.Hostname, ".")
	if b.Address != nil {
		host = b.Address.String()
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(b.Port)))
}

// BrokerScanner browses for one DNS-SD service type
type BrokerScanner struct {
	serviceType string
	domain      string
}

// NewBrokerScanner creates a new broker scanner
func NewBrokerScanner(serviceType, domain string) *BrokerScanner {
	return &BrokerScanner{
		serviceType: serviceType,
		domain:      domain,
	}
}

// Discover browses for brokers until timeout or ctx expires and returns
// everything that answered.
func (s *BrokerScanner) Discover(ctx context.Context, timeout time.Duration) ([]*Broker, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, apperrors.NewDiscoveryError("create resolver", err)
	}

	// Buffered so the resolver never blocks on a slow consumer
	entries := make(chan *zeroconf.ServiceEntry, 10)
	var (
		mu      sync.Mutex
		brokers []*Broker
		wg      sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			broker := s.parseServiceEntry(entry)
			if broker == nil {
				continue
			}

			mu.Lock()
			brokers = append(brokers, broker)
			mu.Unlock()

			logger.Info().
				Str("instance", broker.Instance).
				Str("url", broker.URL()).
				Bool("tls", broker.TLS).
				Msg("Discovered MQTT broker")
		}
	}()

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(discoverCtx, s.serviceType, s.domain, entries); err != nil {
		return nil, apperrors.NewDiscoveryError("browse", err)
	}

	<-discoverCtx.Done()
	wg.Wait()

	return brokers, nil
}

func (s *BrokerScanner) parseServiceEntry(entry *zeroconf.ServiceEntry) *Broker {
	if entry == nil || entry.Port <= 0 {
		return nil
	}
	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 && entry.HostName == "" {
		return nil
	}

	var addr net.IP
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0]
	} else if len(entry.AddrIPv6) > 0 {
		addr = entry.AddrIPv6[0]
	}

	txtRecord := make(map[string]string)
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			txtRecord[parts[0]] = parts[1]
		}
	}

	return &Broker{
		Instance:  entry.Instance,
		Hostname:  entry.HostName,
		Address:   addr,
		Port:      entry.Port,
		TLS:       s.serviceType == ServiceSecureMQTT,
		TXTRecord: txtRecord,
	}
}

// Select picks the broker to connect to: TLS brokers first, then by
// instance name so repeated scans are stable. Returns nil for no brokers.
func Select(brokers []*Broker) *Broker {
	if len(brokers) == 0 {
		return nil
	}
	sorted := make([]*Broker, len(brokers))
	copy(sorted, brokers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TLS != sorted[j].TLS {
			return sorted[i].TLS
		}
		return sorted[i].Instance < sorted[j].Instance
	})
	return sorted[0]
}
