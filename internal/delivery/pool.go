package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookbridge/hookbridge/internal/config"
	"github.com/hookbridge/hookbridge/internal/metrics"
)

// Pool runs the periodic retry sweep and fans claimed deliveries out to a
// bounded set of worker goroutines. The sweep is a singleton per process;
// the store's compare-and-set claim keeps multiple instances from
// double-dispatching.
type Pool struct {
	store   Store
	sched   *Scheduler
	workers int
	sweep   time.Duration
	metrics metrics.Sink
	log     zerolog.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewPool(cfg config.DeliveryConfig, store Store, sched *Scheduler, sink metrics.Sink, log zerolog.Logger) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 50
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = 1 * time.Second
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Pool{
		store:   store,
		sched:   sched,
		workers: workers,
		sweep:   sweep,
		metrics: sink,
		log:     log,
		stop:    make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Dur("sweep_interval", p.sweep).Msg("starting delivery worker pool")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweepLoop(ctx)
	}()
}

func (p *Pool) Stop() {
	p.log.Info().Msg("stopping delivery worker pool")
	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("delivery worker pool stopped")
}

func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.sweep)
	defer ticker.Stop()

	sem := make(chan struct{}, p.workers)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			claimed, err := p.store.ClaimDueDeliveries(ctx, start.UTC(), p.workers)
			if err != nil {
				p.log.Error().Err(err).Msg("failed to claim due deliveries")
				continue
			}
			p.metrics.SweepCompleted(len(claimed), time.Since(start))

			for _, d := range claimed {
				d := d
				sem <- struct{}{}
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					defer func() { <-sem }()
					p.sched.Process(ctx, d)
				}()
			}
		}
	}
}
