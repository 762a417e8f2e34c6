package commander

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls     int
	olderThan time.Duration
}

func (s *countingSweeper) Sweep(olderThan time.Duration) int {
	s.calls++
	s.olderThan = olderThan
	return 2
}

type countingPruner struct {
	calls     int
	retention time.Duration
	err       error
}

func (p *countingPruner) PruneExecutions(retention time.Duration) (int64, error) {
	p.calls++
	p.retention = retention
	return 1, p.err
}

func TestMaintenanceRunOnce(t *testing.T) {
	sweeper := &countingSweeper{}
	pruner := &countingPruner{}

	m, err := NewMaintenance("@every 5m", sweeper, pruner, 30*time.Minute, 48*time.Hour, nil)
	require.NoError(t, err)

	m.RunOnce()
	require.Equal(t, 1, sweeper.calls)
	require.Equal(t, 30*time.Minute, sweeper.olderThan)
	require.Equal(t, 1, pruner.calls)
	require.Equal(t, 48*time.Hour, pruner.retention)

	pruner.err = errors.New("locked")
	m.RunOnce()
	require.Equal(t, 2, sweeper.calls)
}

func TestMaintenanceRejectsBadSchedule(t *testing.T) {
	_, err := NewMaintenance("every now and then", &countingSweeper{}, nil, time.Minute, 0, nil)
	require.Error(t, err)
}

func TestMaintenanceStartStop(t *testing.T) {
	m, err := NewMaintenance("*/5 * * * *", &countingSweeper{}, nil, time.Minute, 0, nil)
	require.NoError(t, err)

	m.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Stop(ctx)
}
