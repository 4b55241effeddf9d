// Package sweeper schedules retries for failed outbox entries, reports the
// ones that ran out of attempts and trims published history.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/observe"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

type Config struct {
	Interval  time.Duration
	BatchSize int
	Ceiling   int
	// Retention is how long PUBLISHED entries are kept. Zero or negative
	// disables purging.
	Retention time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type Sweeper struct {
	store  storage.Outbox
	hook   observe.Hook
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

type Report struct {
	Reset    int
	Reported int
	Purged   int64
}

func New(store storage.Outbox, hook observe.Hook, logger *slog.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = outbox.DefaultCeiling
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if hook == nil {
		hook = observe.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, hook: hook, logger: logger, cfg: cfg, now: cfg.Now}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error("outbox sweep failed", "err", err)
			}
			if report != (Report{}) {
				s.logger.Info("outbox sweep",
					"reset", report.Reset,
					"reported", report.Reported,
					"purged", report.Purged,
				)
			}
		}
	}
}

// RunOnce performs one sweep. The steps are independent: a failing step is
// reported in the returned error without skipping the others.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)
	now := s.now()

	ids, err := s.store.ResetDueFailed(ctx, now, s.cfg.Ceiling, s.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("reset due entries: %w", err))
	}
	report.Reset = len(ids)

	exhausted, err := s.store.TakeUnreported(ctx, now, s.cfg.Ceiling, s.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("report exhausted entries: %w", err))
	}
	for _, entry := range exhausted {
		s.hook.PermanentlyFailed(ctx, entry)
	}
	report.Reported = len(exhausted)

	if s.cfg.Retention > 0 {
		purged, err := s.store.PurgePublished(ctx, now.Add(-s.cfg.Retention), s.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge published entries: %w", err))
		}
		report.Purged = purged
	}

	return report, errors.Join(errs...)
}
