package orchestrator

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbotics/conductor/internal/orchestrator/domain"
)

func TestRegistry_AdmitAndGet(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)

	s, _ := newTestSession(t, "r-1", 1)
	require.NoError(t, r.Admit(s))

	assert.Equal(t, 1, r.Count())
	assert.Same(t, s, r.Get("r-1"))
	assert.Nil(t, r.Get("r-2"))
}

func TestRegistry_AdmitDuplicate(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)

	s1, _ := newTestSession(t, "r-1", 1)
	require.NoError(t, r.Admit(s1))

	s2, _ := newTestSession(t, "r-1", 1)
	err := r.Admit(s2)
	assert.ErrorIs(t, err, domain.ErrDuplicateRobot)

	// After evicting the first session the same ID admits cleanly.
	r.Evict("r-1", "test")
	require.NoError(t, r.Admit(s2))
}

func TestRegistry_EvictReturnsOrphanedJobs(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)

	s, _ := newTestSession(t, "r-1", 2)
	require.NoError(t, r.Admit(s))
	require.NoError(t, s.AssignJob("j-1"))
	require.NoError(t, s.AssignJob("j-2"))

	orphaned := r.Evict("r-1", "connection lost")
	assert.ElementsMatch(t, []string{"j-1", "j-2"}, orphaned)
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, SessionOffline, s.Status())

	// Evicting an unknown robot is a no-op.
	assert.Nil(t, r.Evict("r-1", "again"))
}

func TestRegistry_FindAvailable_LeastBusyFirst(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)

	busy, _ := newTestSession(t, "r-busy", 3)
	require.NoError(t, r.Admit(busy))
	require.NoError(t, busy.AssignJob("j-1"))
	require.NoError(t, busy.AssignJob("j-2"))

	idle, _ := newTestSession(t, "r-idle", 3)
	require.NoError(t, r.Admit(idle))

	got := r.FindAvailable(nil)
	require.Len(t, got, 2)
	assert.Equal(t, "r-idle", got[0].RobotID)
	assert.Equal(t, "r-busy", got[1].RobotID)
}

func TestRegistry_FindAvailable_TieBreakByConnectedAt(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)

	first, _ := newTestSession(t, "r-first", 1)
	first.ConnectedAt = time.Now().Add(-time.Minute)
	require.NoError(t, r.Admit(first))

	second, _ := newTestSession(t, "r-second", 1)
	require.NoError(t, r.Admit(second))

	got := r.FindAvailable(nil)
	require.Len(t, got, 2)
	assert.Equal(t, "r-first", got[0].RobotID)
}

func TestRegistry_FindAvailable_FiltersCapabilityAndCapacity(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)

	browser, _ := newTestSession(t, "r-browser", 1, "browser")
	require.NoError(t, r.Admit(browser))

	sap, _ := newTestSession(t, "r-sap", 1, "sap")
	require.NoError(t, r.Admit(sap))

	got := r.FindAvailable([]string{"sap"})
	require.Len(t, got, 1)
	assert.Equal(t, "r-sap", got[0].RobotID)

	// A robot at capacity is not eligible even with the capability.
	require.NoError(t, sap.AssignJob("j-1"))
	assert.Empty(t, r.FindAvailable([]string{"sap"}))
}

func TestRegistry_SweepStale(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)

	stale, _ := newTestSession(t, "r-stale", 1)
	require.NoError(t, r.Admit(stale))
	require.NoError(t, stale.AssignJob("j-1"))

	fresh, _ := newTestSession(t, "r-fresh", 1)
	require.NoError(t, r.Admit(fresh))

	time.Sleep(30 * time.Millisecond)
	fresh.TouchHeartbeat()

	evictions := r.SweepStale(20 * time.Millisecond)
	require.Len(t, evictions, 1)
	assert.Equal(t, "r-stale", evictions[0].RobotID)
	assert.Equal(t, []string{"j-1"}, evictions[0].OrphanedJobs)

	assert.Nil(t, r.Get("r-stale"))
	assert.NotNil(t, r.Get("r-fresh"))
}
