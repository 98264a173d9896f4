package actor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"parley/internal/domain"
)

// Janitor periodically retires actors that have been idle longer than a TTL.
type Janitor struct {
	cron     *cron.Cron
	registry *Registry
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewJanitor creates a janitor sweeping every interval.
func NewJanitor(registry *Registry, ttl, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		cron:     cron.New(),
		registry: registry,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start schedules the sweep. A zero TTL leaves the janitor idle.
func (j *Janitor) Start() error {
	if j.ttl <= 0 {
		return nil
	}
	if j.interval <= 0 {
		return fmt.Errorf("janitor: interval must be > 0")
	}
	if _, err := j.cron.AddFunc("@every "+j.interval.String(), func() { j.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("janitor: schedule: %w", err)
	}
	j.cron.Start()
	j.logger.Info("actor janitor started", "ttl", j.ttl, "interval", j.interval)
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep retires idle actors and returns how many. A retired agent keeps its
// topic routes and restarts on the next envelope addressed to it.
func (j *Janitor) Sweep(ctx context.Context) int {
	cutoff := j.now().Add(-j.ttl)
	reaped := 0
	for _, st := range j.registry.Status() {
		if ctx.Err() != nil {
			break
		}
		if st.State != domain.ActorRunning || st.LastActivity.After(cutoff) {
			continue
		}
		if j.registry.RetireIdle(st.AgentID, cutoff) {
			reaped++
		}
	}
	if reaped > 0 {
		j.logger.Info("idle actors stopped", "count", reaped)
	}
	return reaped
}
