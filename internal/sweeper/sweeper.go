// Package sweeper auto-confirms delivered orders whose confirmation
// window has expired, standing in for buyers who never clicked confirm.
package sweeper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/worklane/worklane/internal/metrics"
	"github.com/worklane/worklane/internal/orders"
)

// Confirmer confirms delivered orders on behalf of the system.
// Implemented by the orders service.
type Confirmer interface {
	ListDueForAutoConfirm(ctx context.Context, before time.Time, limit int) ([]*orders.Order, error)
	Confirm(ctx context.Context, orderID string, actor orders.Actor) (*orders.Order, error)
}

// Sweeper periodically confirms overdue deliveries.
type Sweeper struct {
	confirmer Confirmer
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// New creates a sweeper that runs every interval.
func New(confirmer Confirmer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		confirmer: confirmer,
		interval:  interval,
		batchSize: 100,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start launches the background sweep loop. Safe to call once.
func (s *Sweeper) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.run()
	s.logger.Info("auto-confirmation sweeper started", "interval", s.interval)
}

// Stop shuts the loop down.
func (s *Sweeper) Stop() {
	if s.running.CompareAndSwap(true, false) {
		close(s.stop)
	}
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepSafely()
		}
	}
}

func (s *Sweeper) sweepSafely() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in auto-confirmation sweep", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	confirmed, failed, err := s.SweepOnce(ctx, time.Now())
	if err != nil {
		s.logger.Error("auto-confirmation sweep failed", "error", err)
		return
	}
	if confirmed > 0 || failed > 0 {
		s.logger.Info("auto-confirmation sweep finished", "confirmed", confirmed, "failed", failed)
	}
}

// SweepOnce confirms every delivered order whose window expired before
// now. One failing order doesn't block the rest. Returns how many orders
// were confirmed and how many failed.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (confirmed, failed int, err error) {
	for {
		due, err := s.confirmer.ListDueForAutoConfirm(ctx, now, s.batchSize)
		if err != nil {
			return confirmed, failed, err
		}
		if len(due) == 0 {
			return confirmed, failed, nil
		}

		progress := false
		for _, o := range due {
			if _, err := s.confirmer.Confirm(ctx, o.ID, orders.SystemActor()); err != nil {
				failed++
				metrics.SweepOrdersTotal.WithLabelValues("failed").Inc()
				s.logger.Error("failed to auto-confirm order", "order_id", o.ID, "error", err)
				continue
			}
			confirmed++
			progress = true
			metrics.SweepOrdersTotal.WithLabelValues("confirmed").Inc()
			s.logger.Info("order auto-confirmed", "order_id", o.ID)
		}

		// Orders that failed to confirm stay delivered and come back in
		// the next listing. Stop once a full batch makes no progress.
		if !progress || len(due) < s.batchSize {
			return confirmed, failed, nil
		}
	}
}
