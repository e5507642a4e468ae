package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/batching-service/internal/store"
)

// Scheduler runs the worker loop: distribute pending ingestions, then fire
// every batch whose deadline has passed. Due keys dispatch through a bounded
// pool so one slow resolver call cannot stall unrelated conversations; a key
// is due at most once per tick, so per-conversation ordering is unaffected.
type Scheduler struct {
	Store       store.Store
	Distributor *Distributor
	Aggregator  *Aggregator
	Logger      zerolog.Logger

	PollInterval time.Duration
	Concurrency  int

	Now func() time.Time
}

func (s *Scheduler) clock() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run loops until ctx is canceled. A tick already in flight finishes on its
// own detached context, so shutdown never orphans a drained batch. Store
// failures are logged and the loop moves on to the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.Info().Dur("poll_interval", interval).Msg("batch worker started")
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info().Msg("batch worker stopping")
			return ctx.Err()
		case <-ticker.C:
			tickCtx := context.WithoutCancel(ctx)
			if _, err := s.Distributor.Distribute(tickCtx); err != nil {
				s.Logger.Error().Err(err).Msg("distribute tick failed")
			}
			if err := s.Tick(tickCtx); err != nil {
				s.Logger.Error().Err(err).Msg("deadline sweep failed")
			}
		}
	}
}

// Tick fires every batch whose deadline has passed. The deadline entry and
// first-arrival marker are removed whether or not dispatch succeeded: the
// window is over either way, and failures are handled by dead-lettering, not
// by re-arming the window.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := UnixSeconds(s.clock())
	due, err := s.Store.RangeByMaxScore(ctx, DeadlineIndexKey, now)
	if err != nil {
		return fmt.Errorf("range due deadlines: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	limit := s.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, key := range due {
		key := key
		g.Go(func() error {
			if err := s.Aggregator.Fire(ctx, key); err != nil {
				s.Logger.Error().Err(err).Str("batch_key", key).Msg("batch dispatch failed")
			}
			if err := s.Store.RemoveScore(ctx, DeadlineIndexKey, key); err != nil {
				s.Logger.Error().Err(err).Str("batch_key", key).Msg("remove deadline failed")
			}
			if err := s.Store.Delete(ctx, firstSeenPrefix+key); err != nil {
				s.Logger.Error().Err(err).Str("batch_key", key).Msg("clear first arrival failed")
			}
			return nil
		})
	}
	return g.Wait()
}
