// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the switch energy ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values shared by the counters below.
const (
	ResultSuccess      = "success"
	ResultNoop         = "noop"
	ResultNotFound     = "not_found"
	ResultInconsistent = "inconsistent"
	ResultConflict     = "conflict"
	ResultError        = "error"
)

var (
	// TransitionsTotal counts toggle requests by outcome
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchmeter_transitions_total",
		Help: "Total number of toggle requests by result",
	}, []string{"result"})

	// TransitionDuration tracks the durable part of a toggle (read, compute, write)
	TransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "switchmeter_transition_duration_seconds",
		Help:    "Duration of the read-compute-write sequence of a toggle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ConflictRetriesTotal counts compare-and-update attempts lost to a concurrent writer
	ConflictRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchmeter_conflict_retries_total",
		Help: "Total number of optimistic concurrency conflicts that triggered a retry",
	})

	// ClockSkewTotal counts ON→OFF transitions whose elapsed time was negative
	ClockSkewTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchmeter_clock_skew_total",
		Help: "Total number of transitions with a negative elapsed interval clamped to zero",
	})

	// MirrorWritesTotal counts device mirror writes by result
	MirrorWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchmeter_mirror_writes_total",
		Help: "Total number of device mirror writes by result",
	}, []string{"result"})

	// DispatchTotal counts command publishes by result
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchmeter_dispatch_total",
		Help: "Total number of command publishes by result",
	}, []string{"result"})

	// DispatchDuration tracks publish-to-acknowledgement latency
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "switchmeter_dispatch_duration_seconds",
		Help:    "Duration from publish to broker acknowledgement in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PropagationQueueDepth reports pending propagation jobs
	PropagationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchmeter_propagation_queue_depth",
		Help: "Number of propagation jobs waiting for a worker",
	})

	// PropagationDropped counts jobs rejected because the queue was full or stopped
	PropagationDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchmeter_propagation_dropped_total",
		Help: "Total number of propagation jobs dropped",
	})

	// BrokerConnected is 1 while the broker connection is up
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchmeter_broker_connected",
		Help: "Whether the MQTT broker connection is currently up (1) or down (0)",
	})

	// SwitchOn tracks the commanded state per switch
	SwitchOn = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switchmeter_switch_on",
		Help: "Commanded power state per switch (1 on, 0 off)",
	}, []string{"device_id"})

	// SwitchEnergyConsumed tracks cumulative energy per switch
	SwitchEnergyConsumed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switchmeter_energy_consumed_kwh",
		Help: "Cumulative energy consumed per switch in kWh",
	}, []string{"device_id"})

	// SwitchBillAmount tracks the cumulative billed amount per switch
	SwitchBillAmount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switchmeter_bill_amount",
		Help: "Cumulative billed amount per switch",
	}, []string{"device_id"})
)
