package monitor

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ckoval7/challengectl/pkg/dispatch"
	"github.com/ckoval7/challengectl/pkg/freq"
	"github.com/ckoval7/challengectl/pkg/log"
	"github.com/ckoval7/challengectl/pkg/storage"
	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: "error"})
	os.Exit(m.Run())
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestMonitor(t *testing.T) (*Monitor, storage.Store, *fakeClock) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := newFakeClock()
	m := New(store, nil, Config{HeartbeatTimeout: 90 * time.Second})
	m.SetClock(clock.Now)
	return m, store, clock
}

func TestStaleRunnerSweep(t *testing.T) {
	m, store, clock := newTestMonitor(t)

	require.NoError(t, store.Update(func(tx storage.Tx) error {
		if err := tx.PutRunner(&types.Runner{
			ID: "fresh", Status: types.RunnerStatusOnline, Enabled: true,
			LastHeartbeat: clock.Now(),
		}); err != nil {
			return err
		}
		return tx.PutRunner(&types.Runner{
			ID: "silent", Status: types.RunnerStatusBusy, Enabled: true,
			LastHeartbeat: clock.Now().Add(-2 * time.Minute),
		})
	}))

	require.NoError(t, m.SweepStaleRunners())

	fresh, err := store.GetRunner("fresh")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStatusOnline, fresh.Status)

	silent, err := store.GetRunner("silent")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStatusOffline, silent.Status)
}

func TestStaleRunnerDoesNotRequeueBeforeTTL(t *testing.T) {
	m, store, clock := newTestMonitor(t)

	// Runner went silent but its assignment has not hit the TTL yet: the
	// runner goes offline, the assignment stays. A reconnecting runner
	// that completes before the TTL is still accepted.
	require.NoError(t, store.Update(func(tx storage.Tx) error {
		if err := tx.PutRunner(&types.Runner{
			ID: "r1", Status: types.RunnerStatusBusy, Enabled: true,
			LastHeartbeat: clock.Now().Add(-2 * time.Minute),
		}); err != nil {
			return err
		}
		return tx.PutChallenge(&types.Challenge{
			ID: "c1", Name: "beacon", Enabled: true,
			Status:            types.ChallengeStatusAssigned,
			AssignedTo:        "r1",
			AssignedAt:        clock.Now().Add(-2 * time.Minute),
			AssignmentExpires: clock.Now().Add(3 * time.Minute),
		})
	}))

	require.NoError(t, m.SweepStaleRunners())
	require.NoError(t, m.SweepStaleAssignments())

	c, err := store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusAssigned, c.Status)
	assert.Equal(t, "r1", c.AssignedTo)
}

func TestStaleAssignmentSweep(t *testing.T) {
	m, store, clock := newTestMonitor(t)

	require.NoError(t, store.Update(func(tx storage.Tx) error {
		return tx.PutChallenge(&types.Challenge{
			ID: "c1", Name: "beacon", Enabled: true,
			Status:            types.ChallengeStatusAssigned,
			AssignedTo:        "r1",
			AssignedAt:        clock.Now().Add(-6 * time.Minute),
			AssignmentExpires: clock.Now().Add(-time.Minute),
		})
	}))

	require.NoError(t, m.SweepStaleAssignments())

	c, err := store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusWaiting, c.Status)
	assert.Empty(t, c.AssignedTo)
	assert.Equal(t, clock.Now(), c.NextTxTime)

	// A timeout failure row is written against the old holder.
	txs, err := store.ListTransmissions()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "r1", txs[0].RunnerID)
	assert.Equal(t, types.TxFailure, txs[0].Status)
	assert.Equal(t, "timeout", txs[0].ErrorMessage)
}

func TestExpiredCredentialSweep(t *testing.T) {
	m, store, clock := newTestMonitor(t)

	require.NoError(t, store.Update(func(tx storage.Tx) error {
		if err := tx.PutEnrollmentToken(&types.EnrollmentToken{
			Token: "live", ExpiresAt: clock.Now().Add(time.Hour),
		}); err != nil {
			return err
		}
		if err := tx.PutEnrollmentToken(&types.EnrollmentToken{
			Token: "dead", ExpiresAt: clock.Now().Add(-time.Hour),
		}); err != nil {
			return err
		}
		if err := tx.PutSession(&types.Session{
			Token: "sess-live", ExpiresAt: clock.Now().Add(time.Hour),
		}); err != nil {
			return err
		}
		return tx.PutSession(&types.Session{
			Token: "sess-dead", ExpiresAt: clock.Now().Add(-time.Hour),
		})
	}))

	require.NoError(t, m.SweepExpiredCredentials())

	err := store.View(func(tx storage.Tx) error {
		tokens, err := tx.ListEnrollmentTokens()
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		assert.Equal(t, "live", tokens[0].Token)

		sessions, err := tx.ListSessions()
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, "sess-live", sessions[0].Token)
		return nil
	})
	require.NoError(t, err)
}

// TestTimeoutRecovery drives the full scenario: a runner dies
// mid-execution, the sweep requeues after the TTL, another runner picks
// the work up, and the dead runner's late report is rejected.
func TestTimeoutRecovery(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := newFakeClock()
	d := dispatch.New(store, nil, dispatch.Config{AssignmentTTL: 5 * time.Minute})
	d.SetClock(clock.Now)
	m := New(store, nil, Config{})
	m.SetClock(clock.Now)

	caps := []freq.Range{{Low: 144000000, High: 148000000}}
	require.NoError(t, store.Update(func(tx storage.Tx) error {
		for _, id := range []string{"r1", "r2"} {
			if err := tx.PutRunner(&types.Runner{
				ID: id, Status: types.RunnerStatusOnline, Enabled: true,
				LastHeartbeat: clock.Now(),
				Devices:       []*types.Device{{Name: "sdr0", FrequencyLimits: caps}},
			}); err != nil {
				return err
			}
		}
		return tx.PutChallenge(&types.Challenge{
			ID: "c1", Name: "beacon", Enabled: true,
			Status: types.ChallengeStatusQueued,
			Config: &types.ChallengeConfig{
				Modulation: "cw",
				Frequency:  &freq.Spec{Single: 146550000},
			},
		})
	}))

	a, err := d.AssignOne("r1")
	require.NoError(t, err)
	require.NotNil(t, a)

	// r1 goes dark. After the TTL the sweep requeues the challenge.
	clock.Advance(5*time.Minute + time.Second)
	require.NoError(t, m.SweepStaleRunners())
	require.NoError(t, m.SweepStaleAssignments())

	// r2 heartbeats in and picks the work up on its next poll.
	require.NoError(t, d.Heartbeat("r2"))
	a2, err := d.AssignOne("r2")
	require.NoError(t, err)
	require.NotNil(t, a2)
	assert.Equal(t, "c1", a2.ChallengeID)

	// r1 returns from the dead: stale.
	err = d.ReportComplete("r1", &dispatch.CompletionReport{
		ChallengeID: "c1", Outcome: types.TxSuccess, Frequency: a.Frequency,
	})
	assert.ErrorIs(t, err, dispatch.ErrStaleAssignment)

	// Audit trail: one timeout failure for r1, one stale-report row.
	txs, err := store.ListTransmissions()
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "timeout", txs[0].ErrorMessage)
	assert.Equal(t, "r1", txs[0].RunnerID)
}

func TestSweepTickSkipsWhileRunning(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	// The guard flag refuses re-entry while a sweep is in flight.
	require.True(t, m.staleBusy.CompareAndSwap(false, true))
	assert.False(t, m.staleBusy.CompareAndSwap(false, true))
	m.staleBusy.Store(false)
	assert.True(t, m.staleBusy.CompareAndSwap(false, true))
	m.staleBusy.Store(false)
}
