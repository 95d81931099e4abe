// Package scheduler runs periodic maintenance: distilling the last closed UTC
// day and reconciling handler load.
package scheduler

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/lease"
	"github.com/jimjrxieb/linkops/internal/ops"
)

// Scheduler ticks every DistillInterval.
type Scheduler struct {
	db       *sql.DB
	cfg      *config.Config
	locker   lease.Locker
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// New returns a Scheduler. A nil locker uses the SQLite lease table.
func New(database *sql.DB, cfg *config.Config, locker lease.Locker) *Scheduler {
	interval := cfg.DistillInterval()
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		db:       database,
		cfg:      cfg,
		locker:   locker,
		interval: interval,
		logger:   zap.L().Named("scheduler"),
		now:      time.Now,
	}
}

// PreviousDay returns the [start, end) unix window of the UTC day before t.
func PreviousDay(t time.Time) (int64, int64) {
	t = t.UTC()
	end := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, 0, -1).Unix(), end.Unix()
}

// Result is what one tick did.
type Result struct {
	Distill   *ops.DistillReport
	Reconcile *ops.ReconcileOutput
}

// RunOnce distills the previous UTC day, then reconciles load. A window
// already being distilled elsewhere is skipped, not reported as an error.
func (s *Scheduler) RunOnce(ctx context.Context) (*Result, error) {
	start, end := PreviousDay(s.now())
	res := &Result{}

	report, err := ops.Distill(ctx, s.db, s.cfg, s.locker, ops.DistillInput{WindowStart: start, WindowEnd: end})
	switch {
	case errors.Is(err, errors.ErrDistillInProgress):
		s.logger.Info("distillation already running elsewhere", zap.String("window", ops.WindowKey(start, end)))
	case err != nil:
		return nil, err
	default:
		res.Distill = report
	}

	rec, err := ops.ReconcileLoad(ctx, s.db, s.cfg, ops.ReconcileInput{})
	if err != nil {
		return res, err
	}
	res.Reconcile = rec
	return res, nil
}

// Run ticks until ctx is cancelled. The first tick runs immediately. Tick
// failures are logged; the loop keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduled run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
