package dispatch

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

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

// fakeClock is a mutable time source shared by a test's dispatcher.
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

func newTestDispatcher(t *testing.T) (*Dispatcher, storage.Store, *fakeClock) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := newFakeClock()
	d := New(store, nil, Config{AssignmentTTL: 5 * time.Minute})
	d.SetClock(clock.Now)
	d.SeedRandom(1)
	return d, store, clock
}

func seedRunner(t *testing.T, store storage.Store, id string, caps freq.Range) {
	t.Helper()
	require.NoError(t, store.Update(func(tx storage.Tx) error {
		return tx.PutRunner(&types.Runner{
			ID:      id,
			Name:    id,
			Status:  types.RunnerStatusOnline,
			Enabled: true,
			Devices: []*types.Device{{
				Name:            "sdr0",
				Model:           "hackrf",
				FrequencyLimits: []freq.Range{caps},
			}},
		})
	}))
}

func seedChallenge(t *testing.T, store storage.Store, id, name string, spec *freq.Spec, priority, minDelay, maxDelay int) {
	t.Helper()
	require.NoError(t, store.Update(func(tx storage.Tx) error {
		return tx.PutChallenge(&types.Challenge{
			ID:       id,
			Name:     name,
			Enabled:  true,
			Priority: priority,
			Status:   types.ChallengeStatusQueued,
			Config: &types.ChallengeConfig{
				Modulation: "nbfm",
				Frequency:  spec,
				MinDelay:   minDelay,
				MaxDelay:   maxDelay,
			},
		})
	}))
}

var band2m = freq.Range{Low: 144000000, High: 148000000}

func TestHappyCycle(t *testing.T) {
	d, store, clock := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedChallenge(t, store, "c1", "beacon", &freq.Spec{Single: 146550000}, 0, 60, 60)

	// First poll: assignment with the exact configured frequency.
	a, err := d.AssignOne("r1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "c1", a.ChallengeID)
	assert.Equal(t, uint64(146550000), a.Frequency)
	assert.Equal(t, clock.Now().Add(5*time.Minute), a.ExpiresAt)

	c, err := store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusAssigned, c.Status)
	assert.Equal(t, "r1", c.AssignedTo)

	// A second poll while assigned finds nothing.
	a2, err := d.AssignOne("r1")
	require.NoError(t, err)
	assert.Nil(t, a2)

	// Complete after 10s; delay is fixed at 60s.
	clock.Advance(10 * time.Second)
	require.NoError(t, d.ReportComplete("r1", &CompletionReport{
		ChallengeID: "c1",
		Outcome:     types.TxSuccess,
		DeviceID:    "sdr0",
		Frequency:   a.Frequency,
	}))

	c, err = store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusWaiting, c.Status)
	assert.Empty(t, c.AssignedTo)
	assert.True(t, c.AssignedAt.IsZero())
	assert.True(t, c.AssignmentExpires.IsZero())
	assert.Equal(t, int64(1), c.TransmissionCount)
	assert.Equal(t, clock.Now().Add(60*time.Second), c.NextTxTime)

	// Still waiting before the delay elapses.
	clock.Advance(30 * time.Second)
	a3, err := d.AssignOne("r1")
	require.NoError(t, err)
	assert.Nil(t, a3)

	// After the delay the waiting row is lazily promoted and reassigned.
	clock.Advance(35 * time.Second)
	a4, err := d.AssignOne("r1")
	require.NoError(t, err)
	require.NotNil(t, a4)
	assert.Equal(t, "c1", a4.ChallengeID)

	require.NoError(t, d.ReportComplete("r1", &CompletionReport{
		ChallengeID: "c1",
		Outcome:     types.TxSuccess,
		Frequency:   a4.Frequency,
	}))
	c, err = store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.TransmissionCount)
}

func TestMutualExclusion(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedRunner(t, store, "r2", band2m)
	seedChallenge(t, store, "c1", "only-one", &freq.Spec{Single: 146550000}, 0, 0, 0)

	var wg sync.WaitGroup
	results := make([]*types.Assignment, 2)
	for i, runner := range []string{"r1", "r2"} {
		wg.Add(1)
		go func(i int, runner string) {
			defer wg.Done()
			a, err := d.AssignOne(runner)
			require.NoError(t, err)
			results[i] = a
		}(i, runner)
	}
	wg.Wait()

	// Exactly one of the concurrent polls wins.
	got := 0
	for _, a := range results {
		if a != nil {
			got++
		}
	}
	assert.Equal(t, 1, got)
}

func TestStaleReportAfterRequeue(t *testing.T) {
	d, store, clock := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedRunner(t, store, "r2", band2m)
	seedChallenge(t, store, "c1", "beacon", &freq.Spec{Single: 146550000}, 0, 0, 0)

	a, err := d.AssignOne("r1")
	require.NoError(t, err)
	require.NotNil(t, a)

	// Simulate the expiry sweep: the assignment is cleared and the
	// challenge becomes immediately eligible.
	clock.Advance(6 * time.Minute)
	require.NoError(t, store.Update(func(tx storage.Tx) error {
		c, err := tx.GetChallenge("c1")
		if err != nil {
			return err
		}
		c.AssignedTo = ""
		c.AssignedAt = time.Time{}
		c.AssignmentExpires = time.Time{}
		c.Status = types.ChallengeStatusWaiting
		c.NextTxTime = clock.Now()
		return tx.PutChallenge(c)
	}))

	a2, err := d.AssignOne("r2")
	require.NoError(t, err)
	require.NotNil(t, a2)

	// The original runner finally reports: rejected as stale, result
	// discarded, audit row written.
	err = d.ReportComplete("r1", &CompletionReport{
		ChallengeID: "c1",
		Outcome:     types.TxSuccess,
		Frequency:   a.Frequency,
	})
	assert.ErrorIs(t, err, ErrStaleAssignment)

	c, err := store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusAssigned, c.Status)
	assert.Equal(t, "r2", c.AssignedTo)
	assert.Equal(t, int64(0), c.TransmissionCount)

	txs, err := store.ListTransmissions()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "r1", txs[0].RunnerID)
	assert.Equal(t, types.TxFailure, txs[0].Status)
}

func TestFrequencyFilter(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedRunner(t, store, "r3", freq.Range{Low: 420000000, High: 450000000})
	seedChallenge(t, store, "c2", "uhf-job", &freq.Spec{Single: 433000000}, 0, 0, 0)

	// r1's caps never cover 433 MHz.
	for i := 0; i < 5; i++ {
		a, err := d.AssignOne("r1")
		require.NoError(t, err)
		assert.Nil(t, a)
	}

	a, err := d.AssignOne("r3")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "c2", a.ChallengeID)
	assert.Equal(t, uint64(433000000), a.Frequency)
}

func TestRangeChallengePicksFromIntersection(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	// Runner covers only the upper half of the challenge's range.
	seedRunner(t, store, "r1", freq.Range{Low: 435000000, High: 450000000})
	seedChallenge(t, store, "c1", "wide", &freq.Spec{Range: &freq.Range{Low: 430000000, High: 440000000}}, 0, 0, 0)

	a, err := d.AssignOne("r1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.GreaterOrEqual(t, a.Frequency, uint64(435000000))
	assert.LessOrEqual(t, a.Frequency, uint64(440000000))
}

func TestPriorityOrdering(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedChallenge(t, store, "low", "low", &freq.Spec{Single: 145000000}, 1, 0, 0)
	seedChallenge(t, store, "high", "high", &freq.Spec{Single: 146000000}, 10, 0, 0)

	a, err := d.AssignOne("r1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "high", a.ChallengeID)
}

func TestRunnerPreconditions(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	seedChallenge(t, store, "c1", "beacon", &freq.Spec{Single: 146550000}, 0, 0, 0)

	_, err := d.AssignOne("ghost")
	assert.True(t, IsNotFound(err))

	seedRunner(t, store, "r1", band2m)
	require.NoError(t, store.Update(func(tx storage.Tx) error {
		r, err := tx.GetRunner("r1")
		if err != nil {
			return err
		}
		r.Status = types.RunnerStatusOffline
		return tx.PutRunner(r)
	}))
	_, err = d.AssignOne("r1")
	assert.ErrorIs(t, err, ErrRunnerUnavailable)

	require.NoError(t, store.Update(func(tx storage.Tx) error {
		r, err := tx.GetRunner("r1")
		if err != nil {
			return err
		}
		r.Status = types.RunnerStatusOnline
		r.Enabled = false
		return tx.PutRunner(r)
	}))
	_, err = d.AssignOne("r1")
	assert.ErrorIs(t, err, ErrRunnerUnavailable)
}

func TestPauseBlocksAssignment(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedChallenge(t, store, "c1", "beacon", &freq.Spec{Single: 146550000}, 0, 0, 0)

	require.NoError(t, d.Pause())
	a, err := d.AssignOne("r1")
	require.NoError(t, err)
	assert.Nil(t, a)

	require.NoError(t, d.Resume())
	a, err = d.AssignOne("r1")
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestTriggerIdempotent(t *testing.T) {
	d, store, clock := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedChallenge(t, store, "c1", "beacon", &freq.Spec{Single: 146550000}, 0, 3600, 3600)

	a, err := d.AssignOne("r1")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NoError(t, d.ReportComplete("r1", &CompletionReport{
		ChallengeID: "c1", Outcome: types.TxSuccess, Frequency: a.Frequency,
	}))

	// Waiting for an hour; trigger twice makes it eligible exactly once.
	require.NoError(t, d.Trigger("c1"))
	require.NoError(t, d.Trigger("c1"))

	c, err := store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusQueued, c.Status)
	assert.Equal(t, clock.Now(), c.NextTxTime)

	a2, err := d.AssignOne("r1")
	require.NoError(t, err)
	require.NotNil(t, a2)

	// The second trigger did not create a second assignable copy.
	a3, err := d.AssignOne("r1")
	require.NoError(t, err)
	assert.Nil(t, a3)
}

func TestEnableDisable(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedChallenge(t, store, "c1", "beacon", &freq.Spec{Single: 146550000}, 0, 0, 0)

	a, err := d.AssignOne("r1")
	require.NoError(t, err)
	require.NotNil(t, a)

	// Disabling while assigned clears the assignment.
	require.NoError(t, d.Disable("c1"))
	c, err := store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusDisabled, c.Status)
	assert.Empty(t, c.AssignedTo)
	assert.False(t, c.Enabled)

	// The old holder's report is now stale.
	err = d.ReportComplete("r1", &CompletionReport{
		ChallengeID: "c1", Outcome: types.TxSuccess, Frequency: a.Frequency,
	})
	assert.ErrorIs(t, err, ErrStaleAssignment)

	// Enable twice is equivalent to enable once.
	require.NoError(t, d.Enable("c1"))
	require.NoError(t, d.Enable("c1"))
	c, err = store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusQueued, c.Status)
	assert.True(t, c.Enabled)
}

func TestSignoutReleasesAssignment(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedChallenge(t, store, "c1", "beacon", &freq.Spec{Single: 146550000}, 0, 0, 0)

	a, err := d.AssignOne("r1")
	require.NoError(t, err)
	require.NotNil(t, a)

	require.NoError(t, d.Signout("r1"))

	r, err := store.GetRunner("r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStatusOffline, r.Status)

	c, err := store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusWaiting, c.Status)
	assert.Empty(t, c.AssignedTo)

	txs, err := store.ListTransmissions()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, types.TxFailure, txs[0].Status)
	assert.Equal(t, "shutdown", txs[0].ErrorMessage)
}

func TestDelayWithinBounds(t *testing.T) {
	d, store, clock := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedChallenge(t, store, "c1", "beacon", &freq.Spec{Single: 146550000}, 0, 30, 90)

	for i := 0; i < 10; i++ {
		a, err := d.AssignOne("r1")
		require.NoError(t, err)
		require.NotNil(t, a)
		require.NoError(t, d.ReportComplete("r1", &CompletionReport{
			ChallengeID: "c1", Outcome: types.TxSuccess, Frequency: a.Frequency,
		}))

		c, err := store.GetChallenge("c1")
		require.NoError(t, err)
		delay := c.NextTxTime.Sub(clock.Now())
		assert.GreaterOrEqual(t, delay, 30*time.Second)
		assert.LessOrEqual(t, delay, 90*time.Second)

		clock.Advance(91 * time.Second)
	}
}

func TestFailureOutcomeStillCycles(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedChallenge(t, store, "c1", "beacon", &freq.Spec{Single: 146550000}, 0, 0, 0)

	a, err := d.AssignOne("r1")
	require.NoError(t, err)
	require.NotNil(t, a)

	require.NoError(t, d.ReportComplete("r1", &CompletionReport{
		ChallengeID:  "c1",
		Outcome:      types.TxFailure,
		Frequency:    a.Frequency,
		ErrorMessage: "device unplugged",
	}))

	// A failed transmission is not fatal to the lifecycle.
	c, err := store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusWaiting, c.Status)
	assert.Equal(t, int64(1), c.TransmissionCount)
}

func TestEnrollmentRace(t *testing.T) {
	d, store, clock := newTestDispatcher(t)
	require.NoError(t, store.Update(func(tx storage.Tx) error {
		return tx.PutEnrollmentToken(&types.EnrollmentToken{
			Token:     "race-tok",
			ExpiresAt: clock.Now().Add(time.Hour),
		})
	}))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := d.Enroll(&EnrollmentRequest{
				Token:      "race-tok",
				RunnerName: fmt.Sprintf("racer-%d", i),
			})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	// Exactly one success; the loser sees the used-token conflict.
	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrTokenUsed)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestEnrollExpiredToken(t *testing.T) {
	d, store, clock := newTestDispatcher(t)
	require.NoError(t, store.Update(func(tx storage.Tx) error {
		return tx.PutEnrollmentToken(&types.EnrollmentToken{
			Token:     "old-tok",
			ExpiresAt: clock.Now().Add(-time.Minute),
		})
	}))

	_, _, err := d.Enroll(&EnrollmentRequest{Token: "old-tok", RunnerName: "late"})
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestReloadDiff(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	seedChallenge(t, store, "c1", "keep-me", &freq.Spec{Single: 146550000}, 1, 0, 0)

	defs := []*ChallengeDefinition{
		{
			Name:     "keep-me",
			Priority: 7,
			Enabled:  true,
			Config: &types.ChallengeConfig{
				Modulation: "cw",
				Frequency:  &freq.Spec{Single: 146550000},
			},
		},
		{
			Name:     "brand-new",
			Priority: 2,
			Enabled:  true,
			Config: &types.ChallengeConfig{
				Modulation: "nbfm",
				Frequency:  &freq.Spec{Bands: []string{"70cm"}},
			},
		},
	}

	added, updated, err := d.Reload(defs)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, updated)

	kept, err := store.GetChallengeByName("keep-me")
	require.NoError(t, err)
	assert.Equal(t, 7, kept.Priority)
	assert.Equal(t, "cw", kept.Config.Modulation)

	// A second reload omitting keep-me must not remove it.
	added, updated, err = d.Reload(defs[1:])
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 1, updated)

	_, err = store.GetChallengeByName("keep-me")
	assert.NoError(t, err)
}

func TestReloadRejectsInvalidDefinition(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, _, err := d.Reload([]*ChallengeDefinition{{
		Name:   "bad",
		Config: &types.ChallengeConfig{Modulation: "cw"},
	}})
	assert.Error(t, err)
}

func TestTransmissionWindowsNeverOverlap(t *testing.T) {
	d, store, clock := newTestDispatcher(t)
	seedRunner(t, store, "r1", band2m)
	seedRunner(t, store, "r2", band2m)
	seedChallenge(t, store, "c1", "serial", &freq.Spec{Single: 146550000}, 0, 0, 0)

	// Alternate runners through several cycles.
	for i := 0; i < 6; i++ {
		runner := "r1"
		if i%2 == 1 {
			runner = "r2"
		}
		a, err := d.AssignOne(runner)
		require.NoError(t, err)
		require.NotNil(t, a)
		clock.Advance(5 * time.Second)
		require.NoError(t, d.ReportComplete(runner, &CompletionReport{
			ChallengeID: "c1",
			Outcome:     types.TxSuccess,
			Frequency:   a.Frequency,
			StartedAt:   a.AssignedAt,
		}))
		clock.Advance(time.Second)
	}

	txs, err := store.ListTransmissions()
	require.NoError(t, err)
	require.Len(t, txs, 6)
	for i := 1; i < len(txs); i++ {
		assert.False(t, txs[i].StartedAt.Before(txs[i-1].CompletedAt),
			"transmission %d overlaps %d", i, i-1)
	}
}
