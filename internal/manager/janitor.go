package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor runs CleanupExpired on a recurring cron schedule.
type Janitor struct {
	logger   *slog.Logger
	manager  *Manager
	schedule string
	cron     *cron.Cron
}

// NewJanitor creates a Janitor; an empty schedule defaults to hourly.
func NewJanitor(logger *slog.Logger, m *Manager, schedule string) *Janitor {
	if schedule == "" {
		schedule = "@hourly"
	}
	return &Janitor{
		logger:   logger,
		manager:  m,
		schedule: schedule,
	}
}

// Start registers the cleanup entry and starts the scheduler.
func (j *Janitor) Start() error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		count, err := j.manager.CleanupExpired(ctx)
		if err != nil {
			j.logger.Error("Scheduled cleanup failed",
				slog.Any("error", err),
			)
			return
		}
		if count > 0 {
			j.logger.Info("Scheduled cleanup removed expired jobs",
				slog.Int64("count", count),
			)
		}
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info("Cleanup schedule started",
		slog.String("schedule", j.schedule),
	)
	return nil
}

// Stop halts the scheduler, waiting for a running cleanup to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}
