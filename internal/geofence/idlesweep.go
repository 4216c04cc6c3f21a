package geofence

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// IdleStateExpirer removes persisted ZoneMembershipState rows that
// have not been updated since cutoff — the store-level half of the
// "expired after a configurable idle interval (default 24h)"
// lifecycle in spec §3.
type IdleStateExpirer interface {
	ExpireIdleState(ctx context.Context, cutoff time.Time) (int, error)
}

// IdleSweeper periodically evicts idle ZoneMembershipState, both from
// the Processor's in-memory cache and from the backing store. It
// wraps robfig/cron the same way the teacher's notification scheduler
// wraps it for tick publishing — a single-purpose, seconds-resolution
// cron running one named job.
type IdleSweeper struct {
	processor *Processor
	expirer   IdleStateExpirer
	ttl       time.Duration
	log       *zap.Logger
	cron      *cron.Cron
}

// NewIdleSweeper builds a sweeper that expires state idle longer than
// ttl (spec default: 24h).
func NewIdleSweeper(processor *Processor, expirer IdleStateExpirer, ttl time.Duration, log *zap.Logger) *IdleSweeper {
	return &IdleSweeper{
		processor: processor,
		expirer:   expirer,
		ttl:       ttl,
		log:       log,
		cron:      cron.New(cron.WithSeconds()),
	}
}

// Start schedules the sweep to run hourly and blocks until ctx is
// cancelled, at which point the cron scheduler is stopped gracefully.
func (s *IdleSweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("0 0 * * * *", func() {
		s.sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

func (s *IdleSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl)

	evicted := s.processor.evictIdle(cutoff)
	s.log.Info("geofence: evicted idle in-memory state", zap.Int("count", evicted))

	n, err := s.expirer.ExpireIdleState(ctx, cutoff)
	if err != nil {
		s.log.Error("geofence: expire idle state failed", zap.Error(err))
		return
	}
	s.log.Info("geofence: expired idle persisted state", zap.Int("count", n))
}

// evictIdle removes cache entries whose last accepted fix predates
// cutoff, forcing the next fix for that device to reload from the
// store (or start fresh if the store has also expired the row).
func (p *Processor) evictIdle(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, e := range p.cache {
		e.mu.Lock()
		idle := e.loaded && e.state.LastAcceptedTs.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(p.cache, key)
			removed++
		}
	}
	return removed
}
