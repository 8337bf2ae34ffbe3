package resync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miravisor/slotsync/internal/api"
	"github.com/miravisor/slotsync/internal/clock"
	"github.com/miravisor/slotsync/internal/router"
	"github.com/miravisor/slotsync/internal/slot"
)

// SlotSource fetches a provider's current slots.
type SlotSource interface {
	ListProviderSlots(ctx context.Context, providerID string) (*api.SlotsResponse, error)
}

// ProviderSource lists the providers to resync.
type ProviderSource interface {
	Providers() []string
}

// ProvidersFunc is a function adapter for ProviderSource.
type ProvidersFunc func() []string

func (f ProvidersFunc) Providers() []string {
	return f()
}

// Sink receives synthesized batch events. *router.Queue[router.Event] satisfies it.
type Sink interface {
	Send(ev router.Event) bool
}

// Config holds resync configuration.
type Config struct {
	Interval    time.Duration // Periodic resync (0 = only on trigger)
	Concurrency int           // Max concurrent provider fetches (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
	Clock       clock.Clock   // Stamps snapshots; must match the store's clock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Runs    int64
	Fetched int64
	Errors  int64
	Records int64
	Dropped int64
}

// Resyncer catches the store up after gaps in the push stream.
type Resyncer struct {
	cfg       Config
	client    SlotSource
	providers ProviderSource
	sink      Sink
	logger    *slog.Logger
	clock     clock.Clock

	trigger chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runs    atomic.Int64
	fetched atomic.Int64
	errors  atomic.Int64
	records atomic.Int64
	dropped atomic.Int64
}

// New creates a new Resyncer.
func New(cfg Config, client SlotSource, providers ProviderSource, sink Sink, logger *slog.Logger) *Resyncer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Resyncer{
		cfg:       cfg,
		client:    client,
		providers: providers,
		sink:      sink,
		logger:    logger.With("component", "resync"),
		clock:     cfg.Clock,
		trigger:   make(chan struct{}, 1),
	}
}

// Start begins the resync loop.
func (r *Resyncer) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("resync started",
		"interval", r.cfg.Interval,
		"concurrency", r.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the resync loop.
func (r *Resyncer) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("resync stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger requests a resync. Requests made while one is pending coalesce.
func (r *Resyncer) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Stats returns current statistics.
func (r *Resyncer) Stats() Stats {
	return Stats{
		Runs:    r.runs.Load(),
		Fetched: r.fetched.Load(),
		Errors:  r.errors.Load(),
		Records: r.records.Load(),
		Dropped: r.dropped.Load(),
	}
}

func (r *Resyncer) run() {
	defer r.wg.Done()

	var tick <-chan time.Time
	if r.cfg.Interval > 0 {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.trigger:
			r.syncAll(r.ctx)
		case <-tick:
			r.syncAll(r.ctx)
		}
	}
}

// syncAll fetches every provider concurrently. Failures are logged and counted.
func (r *Resyncer) syncAll(ctx context.Context) {
	start := time.Now()

	providers := r.providers.Providers()
	if len(providers) == 0 {
		r.logger.Debug("no providers to resync")
		return
	}
	r.runs.Add(1)

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)

	for _, id := range providers {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := r.syncProvider(ctx, id); err != nil {
				r.logger.Warn("resync failed",
					"provider_id", id,
					"error", err,
				)
				r.errors.Add(1)
				return nil
			}
			r.fetched.Add(1)
			return nil
		})
	}
	g.Wait()

	r.logger.Info("resync complete",
		"providers", len(providers),
		"fetched", r.fetched.Load(),
		"errors", r.errors.Load(),
		"duration", time.Since(start),
	)
}

// syncProvider fetches one provider and queues its slots as one batch.
func (r *Resyncer) syncProvider(ctx context.Context, providerID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	fetchedAt := r.clock.Now()
	resp, err := r.client.ListProviderSlots(ctx, providerID)
	if err != nil {
		return err
	}

	recs := make([]slot.Record, 0, len(resp.Slots))
	dropped := 0
	for _, raw := range resp.Slots {
		rec, err := router.DecodeRecord(raw)
		if err != nil {
			dropped++
			continue
		}
		recs = append(recs, rec)
	}
	if dropped > 0 {
		r.logger.Warn("dropped malformed slots", "provider_id", providerID, "dropped", dropped)
		r.dropped.Add(int64(dropped))
	}
	if len(recs) == 0 {
		return nil
	}

	ev := router.BatchUpdated{
		Meta:       router.Meta{Name: router.EventBatchUpdated, ReceivedAt: r.clock.Now()},
		Records:    recs,
		Dropped:    dropped,
		SnapshotAt: fetchedAt,
	}
	if r.sink.Send(ev) {
		r.records.Add(int64(len(recs)))
	}
	return nil
}
