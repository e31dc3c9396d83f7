package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestChallengeRoundTrip(t *testing.T) {
	store := newTestStore(t)

	c := &types.Challenge{
		ID:       "c1",
		Name:     "cw-beacon",
		Enabled:  true,
		Priority: 5,
		Status:   types.ChallengeStatusQueued,
		Config: &types.ChallengeConfig{
			Modulation: "cw",
			MinDelay:   30,
			MaxDelay:   60,
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutChallenge(c) }))

	got, err := store.GetChallenge("c1")
	require.NoError(t, err)
	assert.Equal(t, "cw-beacon", got.Name)
	assert.Equal(t, types.ChallengeStatusQueued, got.Status)
	assert.Equal(t, "cw", got.Config.Modulation)

	byName, err := store.GetChallengeByName("cw-beacon")
	require.NoError(t, err)
	assert.Equal(t, "c1", byName.ID)

	_, err = store.GetChallenge("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRunnerRoundTrip(t *testing.T) {
	store := newTestStore(t)

	r := &types.Runner{
		ID:      "r1",
		Name:    "bench-runner",
		Status:  types.RunnerStatusOnline,
		Enabled: true,
	}
	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutRunner(r) }))

	got, err := store.GetRunner("r1")
	require.NoError(t, err)
	assert.Equal(t, "bench-runner", got.Name)

	runners, err := store.ListRunners()
	require.NoError(t, err)
	assert.Len(t, runners, 1)
}

func TestTransmissionSequence(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		err := store.Update(func(tx Tx) error {
			return tx.AppendTransmission(&types.Transmission{
				ChallengeID: "c1",
				RunnerID:    "r1",
				Status:      types.TxSuccess,
			})
		})
		require.NoError(t, err)
	}

	txs, err := store.ListTransmissions()
	require.NoError(t, err)
	require.Len(t, txs, 3)
	// IDs come from the bucket sequence, strictly increasing.
	assert.Equal(t, uint64(1), txs[0].ID)
	assert.Equal(t, uint64(2), txs[1].ID)
	assert.Equal(t, uint64(3), txs[2].ID)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	store := newTestStore(t)

	boom := errors.New("boom")
	err := store.Update(func(tx Tx) error {
		if err := tx.PutChallenge(&types.Challenge{ID: "c1", Name: "x"}); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	// The failed transaction must leave nothing behind.
	_, err = store.GetChallenge("c1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEnrollmentTokenLifecycle(t *testing.T) {
	store := newTestStore(t)

	et := &types.EnrollmentToken{
		Token:      "tok1",
		RunnerName: "new-runner",
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutEnrollmentToken(et) }))

	err := store.Update(func(tx Tx) error {
		got, err := tx.GetEnrollmentToken("tok1")
		if err != nil {
			return err
		}
		got.Used = true
		got.UsedByRunnerID = "r1"
		return tx.PutEnrollmentToken(got)
	})
	require.NoError(t, err)

	err = store.View(func(tx Tx) error {
		got, err := tx.GetEnrollmentToken("tok1")
		if err != nil {
			return err
		}
		assert.True(t, got.Used)
		assert.Equal(t, "r1", got.UsedByRunnerID)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx Tx) error { return tx.DeleteEnrollmentToken("tok1") }))
	err = store.View(func(tx Tx) error {
		_, err := tx.GetEnrollmentToken("tok1")
		return err
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSystemState(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Update(func(tx Tx) error {
		return tx.PutSystemState("k", []byte("v"))
	}))
	err := store.View(func(tx Tx) error {
		v, err := tx.GetSystemState("k")
		if err != nil {
			return err
		}
		assert.Equal(t, []byte("v"), v)
		missing, err := tx.GetSystemState("missing")
		assert.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	v1, err := store.SchemaVersion()
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening must apply nothing new and keep the version stable.
	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()
	v2, err := store.SchemaVersion()
	require.NoError(t, err)

	assert.Equal(t, len(migrations), v1)
	assert.Equal(t, v1, v2)
}
