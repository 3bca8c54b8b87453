// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package transition turns toggle requests into durable switch state
// changes and hands the committed state to the propagation workers.
//
// A toggle reads the record, computes the accounting result for a single
// clock reading and writes it back with a version-conditioned update. If
// another writer got there first the whole sequence is retried against a
// fresh read, up to a bounded number of times. Propagation is only
// enqueued after the write commits.
package transition

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/soothill/switchmeter/accounting"
	"github.com/soothill/switchmeter/pkg/interfaces"
	"github.com/soothill/switchmeter/pkg/logger"
	"github.com/soothill/switchmeter/pkg/metrics"
	"github.com/soothill/switchmeter/switches"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

// DefaultMaxRetries is the number of re-reads after a version conflict.
const DefaultMaxRetries = 3

// Clock supplies the transition time.
type Clock func() time.Time

// JobQueue accepts committed states for propagation.
type JobQueue interface {
	Enqueue(job Job) bool
}

// Options configures a Coordinator.
type Options struct {
	// MaxRetries bounds re-reads after a version conflict; the first attempt
	// is not counted.
	MaxRetries int
	Clock      Clock
	// OnInconsistent is called when a record fails an invariant check.
	OnInconsistent func(ctx context.Context, switchID string, err error)
}

// Coordinator applies toggles against a switch store.
type Coordinator struct {
	store          interfaces.SwitchStore
	queue          JobQueue
	maxRetries     int
	clock          Clock
	onInconsistent func(ctx context.Context, switchID string, err error)
	log            zerolog.Logger
}

// NewCoordinator creates a coordinator. queue may be nil to disable
// propagation.
func NewCoordinator(store interfaces.SwitchStore, queue JobQueue, opts Options) *Coordinator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Coordinator{
		store:          store,
		queue:          queue,
		maxRetries:     opts.MaxRetries,
		clock:          opts.Clock,
		onInconsistent: opts.OnInconsistent,
		log:            logger.Component("transition"),
	}
}

// ApplyToggle moves the switch named by identity (store id or switchId) to
// requestedOn and returns the committed record.
//
// Errors: ErrSwitchNotFound when identity does not resolve,
// *InconsistentStateError when the stored record violates an invariant,
// *ConflictError when every retry lost a race, otherwise a *StorageError.
// Propagation failures never surface here.
func (c *Coordinator) ApplyToggle(ctx context.Context, identity string, requestedOn bool) (*switches.Record, error) {
	start := time.Now()
	defer func() { metrics.TransitionDuration.Observe(time.Since(start).Seconds()) }()

	rec, err := c.store.Resolve(ctx, identity)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSwitchNotFound) {
			metrics.TransitionsTotal.WithLabelValues(metrics.ResultNotFound).Inc()
		} else {
			metrics.TransitionsTotal.WithLabelValues(metrics.ResultError).Inc()
		}
		return nil, err
	}

	maxAttempts := c.maxRetries + 1
	for attempt := 1; ; attempt++ {
		deviceID := switches.DeviceIdentity(rec)
		now := c.clock()

		res, err := accounting.ComputeTransition(accounting.SnapshotOf(rec), requestedOn, now)
		if err != nil {
			metrics.TransitionsTotal.WithLabelValues(metrics.ResultInconsistent).Inc()
			c.log.Error().Err(err).Int64("switch_id", rec.ID).Str("device_id", deviceID).Msg("Refusing toggle on inconsistent switch record")
			if c.onInconsistent != nil {
				c.onInconsistent(ctx, deviceID, err)
			}
			return nil, err
		}

		if !res.Changed {
			metrics.TransitionsTotal.WithLabelValues(metrics.ResultNoop).Inc()
			c.log.Debug().Int64("switch_id", rec.ID).Str("device_id", deviceID).Bool("on", requestedOn).Msg("Switch already in requested state")
			c.propagate(rec)
			return rec, nil
		}

		next := rec.Clone()
		res.ApplyTo(next)
		next.UpdatedAt = now.UTC()

		updated, err := c.store.CompareAndUpdate(ctx, next)
		if err == nil {
			c.committed(updated, res, attempt)
			return updated, nil
		}
		if !apperrors.Is(err, apperrors.ErrVersionConflict) {
			metrics.TransitionsTotal.WithLabelValues(metrics.ResultError).Inc()
			return nil, err
		}

		metrics.ConflictRetriesTotal.Inc()
		if attempt >= maxAttempts {
			metrics.TransitionsTotal.WithLabelValues(metrics.ResultConflict).Inc()
			c.log.Warn().Int64("switch_id", rec.ID).Str("device_id", deviceID).Int("attempt", attempt).Msg("Giving up toggle after repeated version conflicts")
			return nil, apperrors.NewConflictError(deviceID, attempt)
		}
		c.log.Debug().Int64("switch_id", rec.ID).Str("device_id", deviceID).Int("attempt", attempt).Msg("Version conflict, re-reading switch")

		if rec, err = c.store.Get(ctx, rec.ID); err != nil {
			metrics.TransitionsTotal.WithLabelValues(metrics.ResultError).Inc()
			return nil, err
		}
	}
}

func (c *Coordinator) committed(rec *switches.Record, res accounting.Result, attempt int) {
	deviceID := switches.DeviceIdentity(rec)

	if res.Skew != nil {
		metrics.ClockSkewTotal.Inc()
		c.log.Warn().
			Int64("switch_id", rec.ID).
			Str("device_id", deviceID).
			Time("last_on_time", res.Skew.LastOnTime).
			Time("now", res.Skew.Now).
			Dur("skew", res.Skew.Skew()).
			Msg("Clock moved backwards across ON interval; elapsed time clamped to zero")
	}

	metrics.TransitionsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.SwitchEnergyConsumed.WithLabelValues(deviceID).Set(rec.PowerConsumed)
	metrics.SwitchBillAmount.WithLabelValues(deviceID).Set(rec.BillAmount)
	if rec.IsOn {
		metrics.SwitchOn.WithLabelValues(deviceID).Set(1)
	} else {
		metrics.SwitchOn.WithLabelValues(deviceID).Set(0)
	}

	c.log.Debug().
		Int64("switch_id", rec.ID).
		Str("device_id", deviceID).
		Bool("on", rec.IsOn).
		Int("attempt", attempt).
		Float64("elapsed_minutes", res.ElapsedMinutes).
		Float64("power_consumed", rec.PowerConsumed).
		Float64("bill_amount", rec.BillAmount).
		Int64("version", rec.Version).
		Msg("Switch transition committed")

	c.propagate(rec)
}

func (c *Coordinator) propagate(rec *switches.Record) {
	if c.queue == nil {
		return
	}
	c.queue.Enqueue(Job{
		Identity: switches.DeviceIdentity(rec),
		On:       rec.IsOn,
		RecordID: rec.ID,
		Version:  rec.Version,
	})
}
