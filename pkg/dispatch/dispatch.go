package dispatch

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ckoval7/challengectl/pkg/events"
	"github.com/ckoval7/challengectl/pkg/freq"
	"github.com/ckoval7/challengectl/pkg/log"
	"github.com/ckoval7/challengectl/pkg/metrics"
	"github.com/ckoval7/challengectl/pkg/storage"
	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrStaleAssignment is returned when a completion report arrives for
	// an assignment the runner no longer holds. The result is discarded
	// but an audit transmission row is still written.
	ErrStaleAssignment = errors.New("stale assignment")

	// ErrRunnerUnavailable is returned when a runner polls while disabled
	// or not registered as online.
	ErrRunnerUnavailable = errors.New("runner unavailable")

	// ErrTokenUsed is returned when an enrollment token has already been
	// consumed.
	ErrTokenUsed = errors.New("enrollment token already used")

	// ErrTokenExpired is returned when an enrollment token is past its
	// expiry.
	ErrTokenExpired = errors.New("enrollment token expired")
)

const pausedKey = "dispatch_paused"

// Dispatcher owns every state transition on challenges and runners. All
// read-modify-write sequences run inside a single store write transaction,
// which is what guarantees that two concurrent polls cannot be handed the
// same challenge.
type Dispatcher struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
	ttl    time.Duration

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// Config holds dispatcher configuration.
type Config struct {
	AssignmentTTL time.Duration
}

// New creates a dispatcher over the given store and broker.
func New(store storage.Store, broker *events.Broker, cfg Config) *Dispatcher {
	ttl := cfg.AssignmentTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Dispatcher{
		store:  store,
		broker: broker,
		logger: log.WithComponent("dispatch"),
		ttl:    ttl,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

func (d *Dispatcher) randIntn(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Intn(n)
}

func (d *Dispatcher) pickFrequency(spec *freq.Spec, caps []freq.Range) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return freq.Pick(spec, caps, d.rng)
}

// AssignOne atomically selects the best eligible challenge for the runner
// and marks it assigned. A nil assignment with nil error means no work.
func (d *Dispatcher) AssignOne(runnerID string) (*types.Assignment, error) {
	timer := metrics.NewTimer()
	var snap *types.Assignment

	err := d.store.Update(func(tx storage.Tx) error {
		runner, err := tx.GetRunner(runnerID)
		if err != nil {
			return err
		}
		if !runner.Enabled || runner.Status == types.RunnerStatusOffline {
			return ErrRunnerUnavailable
		}
		if paused, err := isPaused(tx); err != nil || paused {
			return err
		}

		now := d.now()
		challenges, err := tx.ListChallenges()
		if err != nil {
			return err
		}

		// Lazy delay expiry: promote due waiting challenges before
		// selection so they compete in this poll.
		for _, c := range challenges {
			if c.Status == types.ChallengeStatusWaiting && !c.NextTxTime.After(now) {
				c.Status = types.ChallengeStatusQueued
				c.UpdatedAt = now
				if err := tx.PutChallenge(c); err != nil {
					return err
				}
			}
		}

		caps := types.Capabilities(runner.Devices)
		var best []*types.Challenge
		for _, c := range challenges {
			if !c.Enabled || c.Status != types.ChallengeStatusQueued {
				continue
			}
			if c.Config == nil || c.Config.Frequency == nil {
				continue
			}
			allowed, err := c.Config.Frequency.Ranges()
			if err != nil {
				d.logger.Warn().Err(err).Str("challenge_id", c.ID).Msg("Skipping challenge with invalid frequency spec")
				continue
			}
			if len(freq.Intersect(allowed, caps)) == 0 {
				continue
			}
			switch {
			case len(best) == 0 || c.Priority > best[0].Priority:
				best = []*types.Challenge{c}
			case c.Priority == best[0].Priority:
				best = append(best, c)
			}
		}
		if len(best) == 0 {
			return nil
		}

		// Strict priority; ties broken at random so long queues are not
		// starved by iteration order.
		cand := best[d.randIntn(len(best))]
		hz, ok := d.pickFrequency(cand.Config.Frequency, caps)
		if !ok {
			return nil
		}

		cand.Status = types.ChallengeStatusAssigned
		cand.AssignedTo = runner.ID
		cand.AssignedAt = now
		cand.AssignmentExpires = now.Add(d.ttl)
		cand.UpdatedAt = now
		if err := tx.PutChallenge(cand); err != nil {
			return err
		}

		runner.Status = types.RunnerStatusBusy
		if err := tx.PutRunner(runner); err != nil {
			return err
		}

		snap = &types.Assignment{
			ChallengeID: cand.ID,
			Name:        cand.Name,
			Modulation:  cand.Config.Modulation,
			Frequency:   hz,
			Files:       cand.Config.Files,
			Params:      cand.Config.Params,
			AssignedAt:  now,
			ExpiresAt:   cand.AssignmentExpires,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	timer.ObserveDuration(metrics.AssignmentLatency)
	metrics.AssignmentsTotal.Inc()
	d.publish(&types.Event{
		Type:        events.EventChallengeAssigned,
		ChallengeID: snap.ChallengeID,
		RunnerID:    runnerID,
		Data:        map[string]string{"frequency": fmt.Sprintf("%d", snap.Frequency)},
	})
	assignLogger := log.WithAssignment(snap.ChallengeID, runnerID)
	assignLogger.Info().
		Uint64("frequency", snap.Frequency).
		Time("expires", snap.ExpiresAt).
		Msg("Challenge assigned")
	return snap, nil
}

// CompletionReport is a runner's account of one finished transmission.
type CompletionReport struct {
	ChallengeID  string
	Outcome      types.TxOutcome
	DeviceID     string
	Frequency    uint64
	StartedAt    time.Time
	ErrorMessage string
}

// ReportComplete records the outcome of an assignment and schedules the
// challenge's next eligibility. A report for an assignment the runner no
// longer holds returns ErrStaleAssignment after writing an audit row.
func (d *Dispatcher) ReportComplete(runnerID string, rep *CompletionReport) error {
	stale := false
	var completed *types.Challenge

	err := d.store.Update(func(tx storage.Tx) error {
		c, err := tx.GetChallenge(rep.ChallengeID)
		if err != nil {
			return err
		}
		now := d.now()
		started := rep.StartedAt
		if started.IsZero() {
			started = now
		}

		rec := &types.Transmission{
			ChallengeID:  c.ID,
			RunnerID:     runnerID,
			DeviceID:     rep.DeviceID,
			Frequency:    rep.Frequency,
			StartedAt:    started,
			CompletedAt:  now,
			Status:       rep.Outcome,
			ErrorMessage: rep.ErrorMessage,
		}

		if c.Status != types.ChallengeStatusAssigned || c.AssignedTo != runnerID {
			// Expected after an expiry requeue. The result is discarded
			// but the attempt is still auditable.
			stale = true
			rec.Status = types.TxFailure
			if rec.ErrorMessage == "" {
				rec.ErrorMessage = "stale assignment: result discarded"
			}
			return tx.AppendTransmission(rec)
		}

		if err := tx.AppendTransmission(rec); err != nil {
			return err
		}

		delay := d.nextDelay(c.Config)
		c.LastTxTime = now
		c.NextTxTime = now.Add(delay)
		c.TransmissionCount++
		c.AssignedTo = ""
		c.AssignedAt = time.Time{}
		c.AssignmentExpires = time.Time{}
		c.Status = types.ChallengeStatusWaiting
		c.UpdatedAt = now
		if err := tx.PutChallenge(c); err != nil {
			return err
		}
		completed = c

		if runner, err := tx.GetRunner(runnerID); err == nil && runner.Status == types.RunnerStatusBusy {
			runner.Status = types.RunnerStatusOnline
			if err := tx.PutRunner(runner); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if stale {
		metrics.StaleReportsTotal.Inc()
		return ErrStaleAssignment
	}

	metrics.TransmissionsTotal.WithLabelValues(string(rep.Outcome)).Inc()
	d.publish(&types.Event{
		Type:        events.EventTransmissionComplete,
		ChallengeID: completed.ID,
		RunnerID:    runnerID,
		Data:        map[string]string{"outcome": string(rep.Outcome)},
	})
	completeLogger := log.WithAssignment(completed.ID, runnerID)
	completeLogger.Info().
		Str("outcome", string(rep.Outcome)).
		Time("next_tx", completed.NextTxTime).
		Msg("Transmission complete")
	return nil
}

// nextDelay draws a randomized delay from the challenge's configured
// bounds.
func (d *Dispatcher) nextDelay(cfg *types.ChallengeConfig) time.Duration {
	if cfg == nil {
		return 0
	}
	min, max := cfg.MinDelay, cfg.MaxDelay
	if max < min {
		max = min
	}
	secs := min
	if span := max - min; span > 0 {
		secs += d.randIntn(span + 1)
	}
	return time.Duration(secs) * time.Second
}

// Trigger makes a challenge immediately eligible. Idempotent.
func (d *Dispatcher) Trigger(challengeID string) error {
	err := d.store.Update(func(tx storage.Tx) error {
		c, err := tx.GetChallenge(challengeID)
		if err != nil {
			return err
		}
		now := d.now()
		c.NextTxTime = now
		if c.Status == types.ChallengeStatusWaiting {
			c.Status = types.ChallengeStatusQueued
		}
		c.UpdatedAt = now
		return tx.PutChallenge(c)
	})
	if err != nil {
		return err
	}
	d.publish(&types.Event{Type: events.EventChallengeUpdated, ChallengeID: challengeID, Message: "triggered"})
	return nil
}

// Enable turns a challenge back on. Enabling an enabled challenge is a
// no-op.
func (d *Dispatcher) Enable(challengeID string) error {
	err := d.store.Update(func(tx storage.Tx) error {
		c, err := tx.GetChallenge(challengeID)
		if err != nil {
			return err
		}
		c.Enabled = true
		if c.Status == types.ChallengeStatusDisabled {
			c.Status = types.ChallengeStatusQueued
			c.NextTxTime = d.now()
		}
		c.UpdatedAt = d.now()
		return tx.PutChallenge(c)
	})
	if err != nil {
		return err
	}
	d.publish(&types.Event{Type: events.EventChallengeUpdated, ChallengeID: challengeID, Message: "enabled"})
	return nil
}

// Disable forces a challenge to disabled and clears any assignment. The
// assigned runner, if any, learns via a disown event and will see a
// stale-assignment on its completion report regardless.
func (d *Dispatcher) Disable(challengeID string) error {
	disownedFrom := ""
	err := d.store.Update(func(tx storage.Tx) error {
		c, err := tx.GetChallenge(challengeID)
		if err != nil {
			return err
		}
		if c.Status == types.ChallengeStatusAssigned {
			disownedFrom = c.AssignedTo
		}
		c.Enabled = false
		c.Status = types.ChallengeStatusDisabled
		c.AssignedTo = ""
		c.AssignedAt = time.Time{}
		c.AssignmentExpires = time.Time{}
		c.UpdatedAt = d.now()
		return tx.PutChallenge(c)
	})
	if err != nil {
		return err
	}
	if disownedFrom != "" {
		d.publish(&types.Event{Type: events.EventChallengeDisowned, ChallengeID: challengeID, RunnerID: disownedFrom})
	}
	d.publish(&types.Event{Type: events.EventChallengeUpdated, ChallengeID: challengeID, Message: "disabled"})
	return nil
}

// Pause stops all assignment globally; polls return no work until Resume.
func (d *Dispatcher) Pause() error {
	err := d.store.Update(func(tx storage.Tx) error {
		return tx.PutSystemState(pausedKey, []byte("1"))
	})
	if err != nil {
		return err
	}
	d.publish(&types.Event{Type: events.EventSystemPaused, Message: "paused"})
	return nil
}

// Resume re-enables global assignment.
func (d *Dispatcher) Resume() error {
	err := d.store.Update(func(tx storage.Tx) error {
		return tx.PutSystemState(pausedKey, nil)
	})
	if err != nil {
		return err
	}
	d.publish(&types.Event{Type: events.EventSystemPaused, Message: "resumed"})
	return nil
}

// Paused reports the global dispatch gate.
func (d *Dispatcher) Paused() (bool, error) {
	paused := false
	err := d.store.View(func(tx storage.Tx) error {
		var err error
		paused, err = isPaused(tx)
		return err
	})
	return paused, err
}

func isPaused(tx storage.Tx) (bool, error) {
	v, err := tx.GetSystemState(pausedKey)
	if err != nil {
		return false, err
	}
	return len(v) > 0, nil
}

func (d *Dispatcher) publish(ev *types.Event) {
	if d.broker == nil {
		return
	}
	ev.ID = uuid.New().String()
	ev.Timestamp = d.now()
	d.broker.Publish(ev)
}

// SetClock overrides the dispatcher's time source. Test hook.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// SeedRandom reseeds the tie-break and delay RNG. Test hook.
func (d *Dispatcher) SeedRandom(seed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rng = rand.New(rand.NewSource(seed))
}
