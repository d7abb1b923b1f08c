// Package scheduler runs the orchestrator's background maintenance on a
// cron cadence: store compaction, idle instance-lock eviction, and a
// definition cache refresh.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/ordo/internal/store"
)

// defaultCronExpr runs maintenance at the top of every hour.
const defaultCronExpr = "0 * * * *"

// lockMaxIdle is how long a per-instance lock may sit unused before eviction.
const lockMaxIdle = 15 * time.Minute

// LockEvictor is satisfied by the engine; avoids an import cycle.
type LockEvictor interface {
	EvictIdleLocks(maxIdle time.Duration) int
}

// DefinitionRefresher is satisfied by the definition service.
type DefinitionRefresher interface {
	Refresh()
}

// Maintenance drives the periodic upkeep loop. One tick per minute checks
// whether the cron schedule has come due; the tasks themselves run inline
// and are deduplicated against overlapping ticks.
type Maintenance struct {
	repo     store.Repository
	locks    LockEvictor
	defs     DefinitionRefresher
	schedule cron.Schedule
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	nextRun time.Time
	running bool
}

// NewMaintenance creates the maintenance loop. cronExpr uses the standard
// five-field syntax; empty selects the hourly default.
func NewMaintenance(repo store.Repository, locks LockEvictor, defs DefinitionRefresher, cronExpr string, logger *slog.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cronExpr == "" {
		cronExpr = defaultCronExpr
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance cron expression %q: %w", cronExpr, err)
	}
	return &Maintenance{
		repo:     repo,
		locks:    locks,
		defs:     defs,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Start launches the background loop with a 60s ticker.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return fmt.Errorf("maintenance already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.nextRun = m.schedule.Next(time.Now())
	m.mu.Unlock()

	go m.loop(loopCtx)
	m.logger.Info("maintenance loop started", slog.Time("next_run", m.nextRun))
	return nil
}

func (m *Maintenance) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(ctx, now)
		}
	}
}

// tick runs the maintenance tasks when the schedule has come due.
func (m *Maintenance) tick(ctx context.Context, now time.Time) {
	m.mu.Lock()
	due := !now.Before(m.nextRun)
	if due && !m.running {
		m.running = true
		m.nextRun = m.schedule.Next(now)
	} else {
		due = false
	}
	m.mu.Unlock()
	if !due {
		return
	}
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.RunOnce(ctx)
}

// RunOnce executes one round of maintenance immediately.
func (m *Maintenance) RunOnce(ctx context.Context) {
	if m.locks != nil {
		if evicted := m.locks.EvictIdleLocks(lockMaxIdle); evicted > 0 {
			m.logger.Info("evicted idle instance locks", slog.Int("count", evicted))
		}
	}
	if m.defs != nil {
		m.defs.Refresh()
	}
	if m.repo != nil {
		if err := m.repo.Vacuum(ctx); err != nil {
			m.logger.Error("store vacuum failed", slog.String("error", err.Error()))
		}
	}
	m.logger.Debug("maintenance round complete")
}

// Stop gracefully shuts down the loop.
func (m *Maintenance) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil

	m.logger.Info("maintenance loop stopped")
	return nil
}
