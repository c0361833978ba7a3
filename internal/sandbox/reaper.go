package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/noxrunner/noxrunner/internal/observability"
)

// Reaper deletes sandboxes whose expiry has passed. The registry itself
// never schedules reaping, it only exposes ExpiresAt, so embedders that
// want caller-driven sweeps simply don't start a Reaper.
type Reaper struct {
	registry *Registry
	schedule string
	metrics  *observability.MetricsCollector
	logger   *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID
}

// NewReaper creates a reaper sweeping on the given cron schedule
// (e.g. "@every 1m"). metrics may be nil.
func NewReaper(registry *Registry, schedule string, metrics *observability.MetricsCollector, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Reaper{
		registry: registry,
		schedule: schedule,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start begins background sweeping.
func (r *Reaper) Start() error {
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	id, err := c.AddFunc(r.schedule, func() {
		r.Sweep(context.Background())
	})
	if err != nil {
		return fmt.Errorf("scheduling reaper %q: %w", r.schedule, err)
	}
	r.cron = c
	r.entryID = id
	c.Start()
	r.logger.Info("sandbox reaper started", slog.String("schedule", r.schedule))
	return nil
}

// Stop halts background sweeping and waits for an in-flight sweep.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
}

// Sweep deletes every expired sandbox and returns how many were removed.
// Also usable standalone for one-shot, caller-driven sweeps.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := time.Now().UTC()
	reaped := 0
	for _, rec := range r.registry.List() {
		if !rec.Expired(now) {
			continue
		}
		if r.registry.Delete(ctx, rec.SessionID) {
			reaped++
			r.logger.Info("reaped expired sandbox",
				slog.String("session", rec.SessionID),
				slog.Time("expired_at", rec.ExpiresAt),
			)
		}
	}
	if reaped > 0 && r.metrics != nil {
		r.metrics.ReapedSandboxesTotal.Add(float64(reaped))
	}
	return reaped
}
