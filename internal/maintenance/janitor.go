// Package maintenance runs scheduled housekeeping against the memory store.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/siteintel/internal/metrics"
	"github.com/kalambet/siteintel/internal/storage"
)

// DefaultSchedule purges expired memory every fifteen minutes.
const DefaultSchedule = "*/15 * * * *"

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Purger removes expired short-term memory and session context.
// Implemented by memory.Manager.
type Purger interface {
	Purge() (storage.PurgeResult, error)
}

// Janitor purges expired memory on a cron schedule.
type Janitor struct {
	purger   Purger
	schedule cron.Schedule
	spec     string
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// ValidateSchedule reports whether spec is a usable five-field cron
// expression or descriptor such as "@hourly".
func ValidateSchedule(spec string) error {
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", spec, err)
	}
	return nil
}

// NewJanitor creates a Janitor. An empty spec uses DefaultSchedule.
// Metrics may be nil.
func NewJanitor(purger Purger, spec string, m *metrics.Collector) (*Janitor, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", spec, err)
	}
	return &Janitor{
		purger:   purger,
		schedule: sched,
		spec:     spec,
		metrics:  m,
		logger:   slog.Default(),
	}, nil
}

// Run purges on schedule until ctx is cancelled, then waits for an in-flight
// purge to finish.
func (j *Janitor) Run(ctx context.Context) {
	c := cron.New(cron.WithParser(scheduleParser))
	c.Schedule(j.schedule, cron.FuncJob(func() {
		if _, err := j.RunOnce(); err != nil {
			j.logger.Error("scheduled purge failed", "error", err)
		}
	}))
	c.Start()
	j.logger.Info("janitor started", "schedule", j.spec)

	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("janitor stopped")
}

// RunOnce performs a single purge.
func (j *Janitor) RunOnce() (storage.PurgeResult, error) {
	res, err := j.purger.Purge()
	if err != nil {
		return storage.PurgeResult{}, err
	}
	j.metrics.Purged(res.ShortTerm, res.SessionContext)
	return res, nil
}
