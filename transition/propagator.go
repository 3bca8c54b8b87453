// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package transition

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/soothill/switchmeter/mirror"
	"github.com/soothill/switchmeter/pkg/interfaces"
	"github.com/soothill/switchmeter/pkg/logger"
	"github.com/soothill/switchmeter/pkg/metrics"
)

const defaultPropagationTimeout = 5 * time.Second

// Job is one committed state to push to the mirror and the broker.
type Job struct {
	Identity string
	On       bool
	RecordID int64
	Version  int64
}

// PropagatorConfig sizes the worker pool.
type PropagatorConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Propagator applies committed states to the device mirror and the command
// dispatcher off the request path. Jobs for one identity always land on
// the same worker, so they are applied in enqueue order. Mirror and
// dispatch failures are independent of each other and are only logged.
type Propagator struct {
	mirror     interfaces.DeviceMirror
	dispatcher interfaces.CommandDispatcher
	timeout    time.Duration
	log        zerolog.Logger

	queues []chan Job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	onDrop  func(total int64)
}

// NewPropagator creates a stopped propagator. Either collaborator may be
// nil, in which case that half of each job is skipped.
func NewPropagator(m interfaces.DeviceMirror, d interfaces.CommandDispatcher, cfg PropagatorConfig) *Propagator {
	workers := max(cfg.Workers, 1)
	perWorker := max(cfg.QueueSize/workers, 1)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPropagationTimeout
	}

	p := &Propagator{
		mirror:     m,
		dispatcher: d,
		timeout:    cfg.Timeout,
		log:        logger.Component("propagator"),
		queues:     make([]chan Job, workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan Job, perWorker)
	}
	return p
}

// OnDrop registers a callback invoked with the running total each time a
// job is dropped.
func (p *Propagator) OnDrop(fn func(total int64)) {
	p.onDrop = fn
}

// Start launches the workers. Per-job timeouts derive from ctx.
func (p *Propagator) Start(ctx context.Context) {
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
	p.log.Info().Int("workers", len(p.queues)).Int("queue_per_worker", cap(p.queues[0])).Msg("Propagation workers started")
}

// Enqueue hands job to its worker without blocking. It returns false when
// the worker's queue is full or the propagator is stopped.
func (p *Propagator) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(job, "stopped")
		return false
	}

	select {
	case p.queues[p.shard(job.Identity)] <- job:
		metrics.PropagationQueueDepth.Inc()
		return true
	default:
		p.drop(job, "queue full")
		return false
	}
}

// Stop refuses new jobs, lets workers drain what is queued and waits for
// them to exit.
func (p *Propagator) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info().Int64("dropped_total", p.dropped.Load()).Msg("Propagation workers stopped")
}

// QueueDepth returns the number of jobs waiting across all workers.
func (p *Propagator) QueueDepth() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

// Dropped returns the number of jobs dropped so far.
func (p *Propagator) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Propagator) shard(identity string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Propagator) drop(job Job, reason string) {
	total := p.dropped.Add(1)
	metrics.PropagationDropped.Inc()
	p.log.Warn().
		Str("device_id", job.Identity).
		Bool("on", job.On).
		Int64("version", job.Version).
		Str("reason", reason).
		Msg("Dropped propagation job")
	if p.onDrop != nil {
		p.onDrop(total)
	}
}

func (p *Propagator) worker(ctx context.Context, id int, jobs <-chan Job) {
	defer p.wg.Done()
	for job := range jobs {
		metrics.PropagationQueueDepth.Dec()
		p.process(ctx, id, job)
	}
}

func (p *Propagator) process(ctx context.Context, worker int, job Job) {
	log := p.log.With().Int("worker", worker).Str("device_id", job.Identity).Int64("version", job.Version).Logger()

	if p.mirror != nil {
		if err := p.mirror.Set(job.Identity, mirror.FromBool(job.On)); err != nil {
			log.Error().Err(err).Msg("Device mirror update failed")
		}
	}

	if p.dispatcher != nil {
		dctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.dispatcher.Send(dctx, job.Identity, job.On)
		cancel()
		if err != nil {
			log.Warn().Err(err).Bool("on", job.On).Msg("Command dispatch failed; durable state is unaffected")
			return
		}
	}

	log.Debug().Bool("on", job.On).Msg("Propagated switch state")
}
