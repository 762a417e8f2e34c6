package commander

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/metorial/sentinel-runner/internal/log"
)

type Sweeper interface {
	Sweep(olderThan time.Duration) int
}

type Pruner interface {
	PruneExecutions(retention time.Duration) (int64, error)
}

// Maintenance periodically forgets finished executions held in memory and prunes
// persisted history.
type Maintenance struct {
	cron       *cron.Cron
	sweeper    Sweeper
	pruner     Pruner
	trackerTTL time.Duration
	retention  time.Duration
	logger     *slog.Logger
}

func NewMaintenance(schedule string, sweeper Sweeper, pruner Pruner, trackerTTL, retention time.Duration, logger *slog.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = log.Discard()
	}

	m := &Maintenance{
		cron:       cron.New(),
		sweeper:    sweeper,
		pruner:     pruner,
		trackerTTL: trackerTTL,
		retention:  retention,
		logger:     logger,
	}

	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance schedule %q: %w", schedule, err)
	}
	m.cron.Schedule(sched, cron.FuncJob(m.RunOnce))

	return m, nil
}

func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish or ctx to expire.
func (m *Maintenance) Stop(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (m *Maintenance) RunOnce() {
	swept := m.sweeper.Sweep(m.trackerTTL)

	var pruned int64
	if m.pruner != nil && m.retention > 0 {
		n, err := m.pruner.PruneExecutions(m.retention)
		if err != nil {
			m.logger.Error("prune execution history", slog.String("error", err.Error()))
		}
		pruned = n
	}

	m.logger.Debug("maintenance pass", slog.Int("swept", swept), slog.Int64("pruned", pruned))
}
