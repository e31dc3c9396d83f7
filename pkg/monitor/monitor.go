package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ckoval7/challengectl/pkg/events"
	"github.com/ckoval7/challengectl/pkg/log"
	"github.com/ckoval7/challengectl/pkg/metrics"
	"github.com/ckoval7/challengectl/pkg/storage"
	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds the monitor's sweep cadence and timeouts.
type Config struct {
	HeartbeatTimeout   time.Duration // Runner considered lost after this silence
	StaleSweepInterval time.Duration // Runner + assignment sweep cadence
	TokenSweepInterval time.Duration // Expired credential sweep cadence
}

// Monitor runs the periodic liveness sweeps: stale runners, expired
// assignments, expired enrollment tokens and sessions. Each sweep is
// guarded so a tick is skipped while the previous run is still in flight.
type Monitor struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
	cfg    Config
	now    func() time.Time

	staleBusy atomic.Bool
	tokenBusy atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a monitor. Zero config fields get the standard defaults.
func New(store storage.Store, broker *events.Broker, cfg Config) *Monitor {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.StaleSweepInterval <= 0 {
		cfg.StaleSweepInterval = 30 * time.Second
	}
	if cfg.TokenSweepInterval <= 0 {
		cfg.TokenSweepInterval = 60 * time.Second
	}
	return &Monitor{
		store:  store,
		broker: broker,
		logger: log.WithComponent("monitor"),
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loops.
func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.loop(m.cfg.StaleSweepInterval, &m.staleBusy, m.runStaleSweeps)
	go m.loop(m.cfg.TokenSweepInterval, &m.tokenBusy, m.SweepExpiredCredentials)
}

// Stop stops the sweeps and waits for in-flight runs to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) loop(interval time.Duration, busy *atomic.Bool, sweep func() error) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !busy.CompareAndSwap(false, true) {
				continue // Previous run still in flight
			}
			if err := sweep(); err != nil {
				m.logger.Error().Err(err).Msg("Sweep failed")
			}
			busy.Store(false)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) runStaleSweeps() error {
	if err := m.SweepStaleRunners(); err != nil {
		return err
	}
	return m.SweepStaleAssignments()
}

// SweepStaleRunners marks runners offline after HeartbeatTimeout of
// silence. Marking a runner offline does not by itself requeue its work;
// the assignment TTL owns that, so a briefly-disconnected runner that
// reconnects before expiry still gets its completion accepted.
func (m *Monitor) SweepStaleRunners() error {
	timer := metrics.NewTimer()
	var lost []string

	err := m.store.Update(func(tx storage.Tx) error {
		runners, err := tx.ListRunners()
		if err != nil {
			return err
		}
		cutoff := m.now().Add(-m.cfg.HeartbeatTimeout)
		for _, r := range runners {
			if r.Status == types.RunnerStatusOffline {
				continue
			}
			if r.LastHeartbeat.Before(cutoff) {
				r.Status = types.RunnerStatusOffline
				if err := tx.PutRunner(r); err != nil {
					return err
				}
				lost = append(lost, r.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	timer.ObserveDuration(metrics.SweepDuration.WithLabelValues("stale_runners"))
	for _, id := range lost {
		m.publish(&types.Event{Type: events.EventRunnerStatus, RunnerID: id, Data: map[string]string{"status": string(types.RunnerStatusOffline)}})
		m.logger.Warn().Str("runner_id", id).Msg("Runner heartbeat timed out")
	}
	return nil
}

// SweepStaleAssignments requeues challenges whose assignment TTL has
// expired, recording a timeout failure against the runner that held them.
// The challenge becomes immediately eligible on the next poll.
func (m *Monitor) SweepStaleAssignments() error {
	timer := metrics.NewTimer()
	type requeued struct {
		challengeID string
		runnerID    string
	}
	var expired []requeued

	err := m.store.Update(func(tx storage.Tx) error {
		challenges, err := tx.ListChallenges()
		if err != nil {
			return err
		}
		now := m.now()
		for _, c := range challenges {
			if c.Status != types.ChallengeStatusAssigned || !c.AssignmentExpires.Before(now) {
				continue
			}
			rec := &types.Transmission{
				ChallengeID:  c.ID,
				RunnerID:     c.AssignedTo,
				StartedAt:    c.AssignedAt,
				CompletedAt:  now,
				Status:       types.TxFailure,
				ErrorMessage: "timeout",
			}
			if err := tx.AppendTransmission(rec); err != nil {
				return err
			}
			expired = append(expired, requeued{challengeID: c.ID, runnerID: c.AssignedTo})

			c.AssignedTo = ""
			c.AssignedAt = time.Time{}
			c.AssignmentExpires = time.Time{}
			c.Status = types.ChallengeStatusWaiting
			c.NextTxTime = now
			c.UpdatedAt = now
			if err := tx.PutChallenge(c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	timer.ObserveDuration(metrics.SweepDuration.WithLabelValues("stale_assignments"))
	for _, e := range expired {
		metrics.TransmissionsTotal.WithLabelValues(string(types.TxFailure)).Inc()
		m.publish(&types.Event{
			Type:        events.EventTransmissionComplete,
			ChallengeID: e.challengeID,
			RunnerID:    e.runnerID,
			Data:        map[string]string{"outcome": string(types.TxFailure), "error": "timeout"},
		})
		expiredLogger := log.WithAssignment(e.challengeID, e.runnerID)
		expiredLogger.Warn().Msg("Assignment expired, challenge requeued")
	}
	return nil
}

// SweepExpiredCredentials deletes enrollment tokens and admin sessions
// past their expiry.
func (m *Monitor) SweepExpiredCredentials() error {
	timer := metrics.NewTimer()
	removedTokens, removedSessions := 0, 0

	err := m.store.Update(func(tx storage.Tx) error {
		now := m.now()
		tokens, err := tx.ListEnrollmentTokens()
		if err != nil {
			return err
		}
		for _, t := range tokens {
			if t.Expired(now) {
				if err := tx.DeleteEnrollmentToken(t.Token); err != nil {
					return err
				}
				removedTokens++
			}
		}

		sessions, err := tx.ListSessions()
		if err != nil {
			return err
		}
		for _, s := range sessions {
			if now.After(s.ExpiresAt) {
				if err := tx.DeleteSession(s.Token); err != nil {
					return err
				}
				removedSessions++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	timer.ObserveDuration(metrics.SweepDuration.WithLabelValues("expired_credentials"))
	if removedTokens > 0 || removedSessions > 0 {
		m.logger.Debug().Int("tokens", removedTokens).Int("sessions", removedSessions).Msg("Expired credentials removed")
	}
	return nil
}

func (m *Monitor) publish(ev *types.Event) {
	if m.broker == nil {
		return
	}
	ev.ID = uuid.New().String()
	ev.Timestamp = m.now()
	m.broker.Publish(ev)
}

// SetClock overrides the monitor's time source. Test hook.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}
