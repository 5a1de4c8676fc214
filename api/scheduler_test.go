package api

import (
	"context"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pawn-engine/credit"
	"github.com/warp/pawn-engine/credit/store"
)

func TestStatusSweeper_RunOnce(t *testing.T) {
	// GIVEN: A contract 45 days past due still marked Current
	f := newAPIFixture(t, testDue.AddDate(0, 0, 45))
	sweeper := NewStatusSweeper(f.coord, credit.DefaultStatusPolicy(), "@hourly")

	// WHEN: Sweeping
	sweeper.RunOnce()

	// THEN: It is persisted as Defaulted
	got, err := f.coord.Store.GetContract(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusDefaulted, got.Status)
	assert.Equal(t, 1, sweeper.LastRun().Updated)
}

func TestStatusSweeper_StartRunsImmediately(t *testing.T) {
	f := newAPIFixture(t, testDue.AddDate(0, 0, 5))
	sweeper := NewStatusSweeper(f.coord, credit.DefaultStatusPolicy(), "@every 1h")

	require.NoError(t, sweeper.Start())
	sweeper.Stop()

	got, err := f.coord.Store.GetContract(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusPastDue, got.Status)
}

func TestStatusSweeper_EmptyScheduleDisabled(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	sweeper := NewStatusSweeper(credit.NewCoordinator(store.NewMemory(), logger), credit.DefaultStatusPolicy(), "")

	require.NoError(t, sweeper.Start())
	sweeper.Stop()

	assert.Equal(t, credit.SweepResult{}, sweeper.LastRun())
}

func TestStatusSweeper_InvalidSchedule(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	sweeper := NewStatusSweeper(credit.NewCoordinator(store.NewMemory(), logger), credit.DefaultStatusPolicy(), "every now and then")

	assert.Error(t, sweeper.Start())
}
