package usecase

import (
	"context"
	"time"

	"LevelWatch/internal/domain/models"
	drepo "LevelWatch/internal/domain/repository"
	"LevelWatch/pkg/logger"

	"github.com/robfig/cron/v3"
)

// JanitorConfig tunes the retention sweep.
type JanitorConfig struct {
	Schedule string        // cron expression, e.g. "0 * * * *"
	MaxAge   time.Duration // completed alerts older than this are removed
}

// Janitor periodically removes completed alerts once they are older
// than the retention window. Pending and stale alerts are never touched.
type Janitor struct {
	store drepo.AlertStore
	log   *logger.Logger
	cfg   JanitorConfig
	cron  *cron.Cron
}

func NewJanitor(store drepo.AlertStore, log *logger.Logger, cfg JanitorConfig) *Janitor {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	return &Janitor{store: store, log: log, cfg: cfg}
}

// Start schedules the sweep. It returns an error on a bad cron
// expression; the first sweep happens on schedule, not immediately.
func (j *Janitor) Start() error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		if err := j.Sweep(context.Background()); err != nil {
			j.log.Error("retention sweep failed", logger.Error(err))
		}
	}); err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info("retention janitor started",
		logger.String("schedule", j.cfg.Schedule),
		logger.String("max_age", j.cfg.MaxAge.String()))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// Sweep removes completed alerts past the retention window.
func (j *Janitor) Sweep(ctx context.Context) error {
	alerts, err := j.store.ListAll(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-j.cfg.MaxAge)
	removed := 0
	for _, cfg := range alerts {
		if !cfg.Complete() {
			continue
		}
		if completedAt(cfg.Levels).After(cutoff) {
			continue
		}
		if err := j.store.Delete(ctx, cfg.Symbol, cfg.AlertID); err != nil {
			j.log.Warn("retention delete failed",
				logger.String("symbol", cfg.Symbol),
				logger.String("alert_id", cfg.AlertID),
				logger.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		j.log.Info("retention sweep removed alerts", logger.Int("removed", removed))
	}
	return nil
}

// completedAt is the time the last level fired.
func completedAt(levels []models.Level) time.Time {
	var latest time.Time
	for i := range levels {
		if levels[i].FiredAt != nil && levels[i].FiredAt.After(latest) {
			latest = *levels[i].FiredAt
		}
	}
	return latest
}
