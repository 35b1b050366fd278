// Package scheduler implements SCH: the two independent periodic drivers
// that tick the signal pipeline and the position monitor, adapted from
// the teacher's queue.Scheduler/work.Processor shutdown and draining shape
// (spec §4.5).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/changedetect"
	"github.com/aristath/fxsignal/internal/collector"
	"github.com/aristath/fxsignal/internal/delivery"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/metrics"
	"github.com/aristath/fxsignal/internal/notify"
	"github.com/aristath/fxsignal/internal/position"
	"github.com/aristath/fxsignal/internal/signal"
	"github.com/aristath/fxsignal/internal/store"
	"github.com/aristath/fxsignal/internal/subscriptions"
)

// SignalTick and PositionTick are spec.md §4.5's default tick periods.
const (
	SignalTick     = 15 * time.Minute
	PositionTick   = 60 * time.Second
	DefaultPoolSize = 4
)

// Config configures SCH's tick periods and worker pool size. Zero values
// fall back to the spec's defaults.
type Config struct {
	SignalTick     time.Duration
	PositionTick   time.Duration
	WorkerPoolSize int
}

func (c Config) withDefaults() Config {
	if c.SignalTick <= 0 {
		c.SignalTick = SignalTick
	}
	if c.PositionTick <= 0 {
		c.PositionTick = PositionTick
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = DefaultPoolSize
	}
	return c
}

// Scheduler is SCH.
type Scheduler struct {
	cfg Config

	registry  *subscriptions.Registry
	generator *signal.Generator
	detector  *changedetect.Detector
	broker    *notify.Broker
	filter    *delivery.Filter
	deliverers map[domain.SubscriberKind]delivery.Deliverer

	positions *store.PositionStore
	monitor   *position.Monitor

	log zerolog.Logger

	signalBusy   sync.Mutex
	positionBusy sync.Mutex

	cron      *cron.Cron
	metrics   *metrics.Registry
	collector *collector.Collector
}

// SetMetrics attaches a metrics registry for tick duration/skip counters. Nil-safe.
func (s *Scheduler) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// SetCollector attaches DC so every signal tick refreshes MDS before SG
// reads from it (spec §4.8). Nil-safe; without it the tick reads whatever
// MDS already holds plus HHP's single latest candle from UF.
func (s *Scheduler) SetCollector(c *collector.Collector) {
	s.collector = c
}

// New builds SCH over the full pipeline it drives each tick.
func New(
	cfg Config,
	registry *subscriptions.Registry,
	generator *signal.Generator,
	detector *changedetect.Detector,
	broker *notify.Broker,
	filter *delivery.Filter,
	deliverers map[domain.SubscriberKind]delivery.Deliverer,
	positions *store.PositionStore,
	monitor *position.Monitor,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		registry:   registry,
		generator:  generator,
		detector:   detector,
		broker:     broker,
		filter:     filter,
		deliverers: deliverers,
		positions:  positions,
		monitor:    monitor,
		log:        log.With().Str("component", "scheduler").Logger(),
		cron:       cron.New(),
	}
}

// Start registers both tick drivers with the cron scheduler and starts it.
// It returns immediately; call Stop to drain and shut down.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.SignalTick), s.runSignalTick); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to register signal tick")
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.PositionTick), s.runPositionTick); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to register position tick")
	}
	s.cron.Start()
	return nil
}

// Stop signals the cron scheduler to stop and waits up to 10s for in-flight
// ticks to drain (spec §5: "workers drain within 10 s or are forcibly
// terminated").
func (s *Scheduler) Stop() {
	drainCtx := s.cron.Stop()

	select {
	case <-drainCtx.Done():
		s.log.Info().Msg("scheduler drained cleanly")
	case <-time.After(10 * time.Second):
		s.log.Warn().Msg("scheduler drain timed out, proceeding with shutdown")
	}
}

// runSignalTick fans SG→CD→NB→DF out across a bounded worker pool, one
// worker per instrument, skip-if-busy against an overlapping tick.
func (s *Scheduler) runSignalTick() {
	if !s.signalBusy.TryLock() {
		s.log.Warn().Msg("tick_skipped: previous signal tick still running")
		if s.metrics != nil {
			s.metrics.TickSkipped.WithLabelValues("signal").Inc()
		}
		return
	}
	defer s.signalBusy.Unlock()

	tickStart := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.TickDuration.WithLabelValues("signal").Observe(time.Since(tickStart).Seconds()) }()
	}

	instruments, err := s.registry.DistinctInstruments(context.Background())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load subscribed instruments for signal tick")
		return
	}

	budget := time.Duration(float64(s.cfg.SignalTick) * 0.5)
	sem := make(chan struct{}, s.cfg.WorkerPoolSize)
	var wg sync.WaitGroup

	for _, inst := range instruments {
		inst := inst
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			ctx, cancel := context.WithTimeout(context.Background(), budget)
			defer cancel()
			s.processInstrument(ctx, inst)
		}()
	}

	wg.Wait()
}

// processInstrument runs one instrument's SG → CD → NB → DF chain.
func (s *Scheduler) processInstrument(ctx context.Context, inst domain.Instrument) {
	if s.collector != nil {
		s.collector.SyncIncremental(ctx, inst)
	}

	sig, err := s.generator.Generate(ctx, inst)
	if err != nil {
		if apperr.KindOf(err) != apperr.Validation {
			s.log.Warn().Err(err).Str("instrument", inst.Key()).Msg("signal generation failed")
		} else {
			s.log.Debug().Err(err).Str("instrument", inst.Key()).Msg("no signal generated")
		}
		return
	}

	change, emit, err := s.detector.Evaluate(ctx, sig)
	if err != nil {
		s.log.Warn().Err(err).Str("instrument", inst.Key()).Msg("change detection failed")
		return
	}
	if !emit {
		return
	}

	s.broker.Publish(ctx, notify.Envelope{
		EmittedAt:  time.Now().UTC(),
		EventID:    change.ID,
		Instrument: inst,
		Reason:     notify.EventSignalChange,
		Payload:    notify.SignalChangeData{Change: change, Signal: sig},
	})

	if err := s.filter.Process(ctx, change, sig, s.deliverers); err != nil {
		s.log.Warn().Err(err).Str("instrument", inst.Key()).Msg("delivery fan-out failed")
	}
}

// runPositionTick runs PM over every open position, bounded by the same
// worker pool size and skip-if-busy policy as the signal tick.
func (s *Scheduler) runPositionTick() {
	if !s.positionBusy.TryLock() {
		s.log.Warn().Msg("tick_skipped: previous position tick still running")
		if s.metrics != nil {
			s.metrics.TickSkipped.WithLabelValues("position").Inc()
		}
		return
	}
	defer s.positionBusy.Unlock()

	tickStart := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.TickDuration.WithLabelValues("position").Observe(time.Since(tickStart).Seconds()) }()
	}

	open, err := s.positions.ListOpen(context.Background())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list open positions for position tick")
		return
	}

	budget := time.Duration(float64(s.cfg.PositionTick) * 0.5)
	sem := make(chan struct{}, s.cfg.WorkerPoolSize)
	var wg sync.WaitGroup

	for _, p := range open {
		p := p
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			ctx, cancel := context.WithTimeout(context.Background(), budget)
			defer cancel()
			if err := s.monitor.Tick(ctx, p); err != nil {
				s.log.Warn().Err(err).Str("position_id", p.ID).Msg("position tick failed")
			}
		}()
	}

	wg.Wait()
}
