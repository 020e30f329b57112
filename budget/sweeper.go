/*
sweeper.go - TTL expiry and period-end close

PURPOSE:
  Holds are never expired by timers. ExpirationSweeper polls for held
  reservations whose ExpiresAt has passed and expires each one with the same
  conditional write every other transition uses, so any number of sweepers
  (this process, other replicas, `budgetctl sweep` from cron) can run at once.

DESIGN:
  - Scans in batches of Config.SweepBatchSize, oldest first
  - A reservation confirmed or released between the scan and the write is
    skipped and not counted
  - Start runs one sweep immediately, then one per Config.SweepInterval
  - Envelopes whose period has ended are closed on the same tick

USAGE:
  ledger.Start(ctx)
  defer ledger.Stop()

  // or one-shot
  n, err := ledger.CleanupExpiredReservations(ctx, nil)
*/
package budget

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type ExpirationSweeper struct {
	c            *core
	reservations *ReservationManager
	envelopes    *EnvelopeStore

	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
}

func newExpirationSweeper(c *core) *ExpirationSweeper {
	return &ExpirationSweeper{
		c:            c,
		reservations: &ReservationManager{c: c},
		envelopes:    &EnvelopeStore{c: c},
	}
}

// CleanupExpiredReservations expires every held reservation with
// ExpiresAt <= now and returns how many this call expired. nil now means the
// ledger clock.
func (s *ExpirationSweeper) CleanupExpiredReservations(ctx context.Context, now *time.Time) (int, error) {
	const op = "cleanup expired"

	at := s.at(now)
	started := time.Now()
	expired := 0

	for {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		batch, err := s.c.store.ListReservations(ctx, ReservationFilter{
			Status:    ReservationHeld,
			ExpiresBy: &at,
			Limit:     s.c.cfg.SweepBatchSize,
		})
		if err != nil {
			s.c.logger.Error("list expired reservations failed", zap.Error(err))
			return expired, internalError(op, err)
		}

		for _, res := range batch {
			ok, err := s.reservations.expire(ctx, res, at)
			if err != nil {
				s.c.logger.Error("expire reservation failed",
					zap.String("reservation_id", string(res.ID)),
					zap.Error(err))
				return expired, err
			}
			if ok {
				expired++
			}
		}

		// Every row in a batch leaves the held set, expired here or resolved
		// by someone else, so the next scan starts fresh.
		if len(batch) < s.c.cfg.SweepBatchSize {
			break
		}
	}

	took := time.Since(started)
	s.c.metrics.SweepCompleted(expired, took)
	if expired > 0 {
		s.c.logger.Info("expired reservations",
			zap.Int("count", expired),
			zap.Time("as_of", at),
			zap.Duration("took", took))
	}
	return expired, nil
}

// CloseEndedEnvelopes closes active envelopes whose period ended at or before
// now. Held reservations on them stay resolvable.
func (s *ExpirationSweeper) CloseEndedEnvelopes(ctx context.Context, now *time.Time) (int, error) {
	const op = "close ended envelopes"

	at := s.at(now)
	closed := 0
	page := Pagination{Limit: s.c.cfg.SweepBatchSize}

	for {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		envs, _, err := s.c.store.ListEnvelopes(ctx, EnvelopeFilter{Status: EnvelopeActive, EndedBefore: &at}, page)
		if err != nil {
			s.c.logger.Error("list ended envelopes failed", zap.Error(err))
			return closed, internalError(op, err)
		}

		skipped := 0
		for _, env := range envs {
			ok, err := s.envelopes.closeEnded(ctx, env, at)
			if err != nil {
				s.c.logger.Error("close envelope failed", zap.String("envelope_id", string(env.ID)), zap.Error(err))
				return closed, internalError(op, err)
			}
			if ok {
				closed++
			} else {
				skipped++
			}
		}
		if len(envs) < page.Limit {
			break
		}
		// Closed rows drop out of the filter; only skipped ones shift the window.
		page.Offset += skipped
	}

	if closed > 0 {
		s.c.logger.Info("closed ended envelopes", zap.Int("count", closed), zap.Time("as_of", at))
	}
	return closed, nil
}

// RunOnce performs one full sweep: expiry first, then period-end close.
func (s *ExpirationSweeper) RunOnce(ctx context.Context) {
	if _, err := s.CleanupExpiredReservations(ctx, nil); err != nil {
		s.c.logger.Error("sweep: cleanup failed", zap.Error(err))
	}
	if _, err := s.CloseEndedEnvelopes(ctx, nil); err != nil {
		s.c.logger.Error("sweep: close ended envelopes failed", zap.Error(err))
	}
}

// Start launches the periodic sweeper. Calling Start twice is a no-op.
func (s *ExpirationSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.c.cfg.SweepInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx, s.ticker, s.stop)

	s.c.logger.Info("sweeper started", zap.Duration("interval", s.c.cfg.SweepInterval))
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (s *ExpirationSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.c.logger.Info("sweeper stopped")
}

func (s *ExpirationSweeper) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *ExpirationSweeper) at(now *time.Time) time.Time {
	if now != nil {
		return now.UTC()
	}
	return s.c.clock.Now()
}
