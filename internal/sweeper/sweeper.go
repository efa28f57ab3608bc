// Package sweeper expires normal holds whose deadline has passed and returns
// their units to the ledger.
package sweeper

import (
	"context"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/lock"
	"github.com/ariefcatur/go-shop-reservations/internal/metrics"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/ariefcatur/go-shop-reservations/internal/redisx"
	"github.com/ariefcatur/go-shop-reservations/internal/scheduler"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type Config struct {
	Interval time.Duration
	Batch    int
	LockTTL  time.Duration
}

type Result struct {
	Locked  bool // false: another sweeper held the lock, nothing was done
	Seen    int
	Expired int
	Skipped int // already handled by a confirm, cancel or another sweep
	Failed  int
}

type Sweeper struct {
	Store     orders.Store
	Locker    lock.Locker
	Clock     clockwork.Clock
	Publisher orders.Publisher
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Config    Config
	Producer  string
}

func (s *Sweeper) cfg() Config {
	c := s.Config
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Batch <= 0 {
		c.Batch = 500
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.Interval
	}
	return c
}

// Register adds the sweep to sch; the scheduler runs it once at start.
func (s *Sweeper) Register(sch *scheduler.Scheduler) {
	sch.Every("reservation-sweeper", s.cfg().Interval, func(ctx context.Context) error {
		_, err := s.RunOnce(ctx)
		return err
	})
}

// RunOnce makes one pass. Every row gets its own transaction whose status
// transition is conditional on the row still being active, so an overlapping
// sweep, confirm or cancel can never cause a second release of the same unit.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	c := s.cfg()
	var res Result

	unlock, ok, err := s.Locker.Obtain(ctx, redisx.KeySweepLock, c.LockTTL)
	if err != nil {
		return res, err
	}
	if !ok {
		s.Log.Debug("sweep skipped, lock held elsewhere")
		return res, nil
	}
	defer unlock()
	res.Locked = true

	start := s.Clock.Now()
	now := start.UTC()
	due, err := s.Store.ListExpiredHolds(ctx, now, c.Batch)
	if err != nil {
		return res, err
	}
	res.Seen = len(due)

	for _, r := range due {
		expired, err := s.expire(ctx, r, now)
		switch {
		case err != nil:
			res.Failed++
			s.Log.Error("expire reservation failed", zap.String("reservation_id", r.ID), zap.Error(err))
		case expired:
			res.Expired++
			r.Status = orders.ReservationExpired
			r.UpdatedAt = now
			s.Metrics.ReservationClosed(string(orders.ReservationExpired))
			env := orders.NewEnvelope(orders.EventReservationExpired, s.Producer, r.ID, "", orders.ReservationEventPayload(r), now)
			orders.Emit(s.Publisher, orders.TopicReservations, env)
		default:
			res.Skipped++
		}
	}

	s.Metrics.SweepPass(res.Expired, res.Skipped, res.Failed, s.Clock.Since(start))
	if res.Seen > 0 {
		s.Log.Info("sweep done", zap.Int("seen", res.Seen), zap.Int("expired", res.Expired),
			zap.Int("skipped", res.Skipped), zap.Int("failed", res.Failed))
	}
	return res, nil
}

func (s *Sweeper) expire(ctx context.Context, r orders.Reservation, now time.Time) (bool, error) {
	var done bool
	err := s.Store.WithTx(ctx, func(tx orders.Tx) error {
		ok, err := tx.TransitionReservation(ctx, orders.Transition{
			ReservationID: r.ID,
			From:          orders.ReservationActive,
			To:            orders.ReservationExpired,
			At:            now,
		})
		if err != nil || !ok {
			return err
		}
		if err := tx.Release(ctx, r.ProductID, r.Quantity); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return done, nil
}
