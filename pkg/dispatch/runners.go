package dispatch

import (
	"errors"
	"time"

	"github.com/ckoval7/challengectl/pkg/auth"
	"github.com/ckoval7/challengectl/pkg/events"
	"github.com/ckoval7/challengectl/pkg/storage"
	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/google/uuid"
)

// Registration is the payload a runner presents when it comes online.
type Registration struct {
	Hostname  string
	IP        string
	MAC       string
	MachineID string
	Devices   []*types.Device
}

// Register upserts the runner's host details and marks it online. The
// runner row itself is created at enrollment; registering an unknown ID
// fails.
func (d *Dispatcher) Register(runnerID string, reg *Registration) (*types.Runner, error) {
	var runner *types.Runner
	err := d.store.Update(func(tx storage.Tx) error {
		r, err := tx.GetRunner(runnerID)
		if err != nil {
			return err
		}
		now := d.now()
		r.Hostname = reg.Hostname
		r.IP = reg.IP
		if reg.MAC != "" {
			r.MAC = reg.MAC
		}
		if reg.MachineID != "" {
			r.MachineID = reg.MachineID
		}
		if len(reg.Devices) > 0 {
			r.Devices = reg.Devices
		}
		r.Status = types.RunnerStatusOnline
		r.LastHeartbeat = now
		runner = r
		return tx.PutRunner(r)
	})
	if err != nil {
		return nil, err
	}
	d.publish(&types.Event{Type: events.EventRunnerStatus, RunnerID: runnerID, Data: map[string]string{"status": string(types.RunnerStatusOnline)}})
	d.logger.Info().Str("runner_id", runnerID).Str("hostname", runner.Hostname).Msg("Runner registered")
	return runner, nil
}

// Heartbeat refreshes the runner's liveness and promotes offline runners
// back to online. Repeated heartbeats only move last_heartbeat.
func (d *Dispatcher) Heartbeat(runnerID string) error {
	cameOnline := false
	err := d.store.Update(func(tx storage.Tx) error {
		r, err := tx.GetRunner(runnerID)
		if err != nil {
			return err
		}
		r.LastHeartbeat = d.now()
		if r.Status == types.RunnerStatusOffline {
			r.Status = types.RunnerStatusOnline
			cameOnline = true
		}
		return tx.PutRunner(r)
	})
	if err != nil {
		return err
	}
	if cameOnline {
		d.publish(&types.Event{Type: events.EventRunnerStatus, RunnerID: runnerID, Data: map[string]string{"status": string(types.RunnerStatusOnline)}})
	}
	return nil
}

// Signout marks the runner offline and immediately releases any
// assignment it holds, recording a synthetic shutdown failure so the
// attempt is auditable.
func (d *Dispatcher) Signout(runnerID string) error {
	var released []string
	err := d.store.Update(func(tx storage.Tx) error {
		r, err := tx.GetRunner(runnerID)
		if err != nil {
			return err
		}
		now := d.now()
		r.Status = types.RunnerStatusOffline
		if err := tx.PutRunner(r); err != nil {
			return err
		}

		challenges, err := tx.ListChallenges()
		if err != nil {
			return err
		}
		for _, c := range challenges {
			if c.Status != types.ChallengeStatusAssigned || c.AssignedTo != runnerID {
				continue
			}
			rec := &types.Transmission{
				ChallengeID:  c.ID,
				RunnerID:     runnerID,
				StartedAt:    c.AssignedAt,
				CompletedAt:  now,
				Status:       types.TxFailure,
				ErrorMessage: "shutdown",
			}
			if err := tx.AppendTransmission(rec); err != nil {
				return err
			}
			c.AssignedTo = ""
			c.AssignedAt = time.Time{}
			c.AssignmentExpires = time.Time{}
			c.Status = types.ChallengeStatusWaiting
			c.NextTxTime = now
			c.UpdatedAt = now
			if err := tx.PutChallenge(c); err != nil {
				return err
			}
			released = append(released, c.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.publish(&types.Event{Type: events.EventRunnerStatus, RunnerID: runnerID, Data: map[string]string{"status": string(types.RunnerStatusOffline)}})
	for _, id := range released {
		d.publish(&types.Event{
			Type:        events.EventTransmissionComplete,
			ChallengeID: id,
			RunnerID:    runnerID,
			Data:        map[string]string{"outcome": string(types.TxFailure), "error": "shutdown"},
		})
	}
	d.logger.Info().Str("runner_id", runnerID).Int("released", len(released)).Msg("Runner signed out")
	return nil
}

// EnrollmentRequest is the one-time token exchange payload.
type EnrollmentRequest struct {
	Token      string
	RunnerName string
	Hostname   string
	IP         string
	MAC        string
	MachineID  string
	Devices    []*types.Device
}

// Enroll atomically consumes an enrollment token and mints a runner API
// key. The plaintext key is returned exactly once. Two concurrent enrolls
// with the same token yield exactly one success; the loser gets
// ErrTokenUsed.
func (d *Dispatcher) Enroll(req *EnrollmentRequest) (*types.Runner, string, error) {
	key, hash, err := auth.GenerateKey()
	if err != nil {
		return nil, "", err
	}

	var runner *types.Runner
	err = d.store.Update(func(tx storage.Tx) error {
		et, err := tx.GetEnrollmentToken(req.Token)
		if err != nil {
			return err
		}
		now := d.now()
		if et.Used {
			return ErrTokenUsed
		}
		if et.Expired(now) {
			return ErrTokenExpired
		}

		name := req.RunnerName
		if name == "" {
			name = et.RunnerName
		}

		if et.ReEnrollmentFor != "" {
			// Re-keying an existing runner.
			r, err := tx.GetRunner(et.ReEnrollmentFor)
			if err != nil {
				return err
			}
			r.APIKeyHash = hash
			r.MAC = req.MAC
			r.MachineID = req.MachineID
			runner = r
		} else {
			runner = &types.Runner{
				ID:        uuid.New().String(),
				Name:      name,
				Hostname:  req.Hostname,
				IP:        req.IP,
				MAC:       req.MAC,
				MachineID: req.MachineID,
				Status:    types.RunnerStatusOffline,
				Enabled:   true,
				Devices:   req.Devices,
				APIKeyHash: hash,
				CreatedAt: now,
			}
		}
		if err := tx.PutRunner(runner); err != nil {
			return err
		}

		et.Used = true
		et.UsedByRunnerID = runner.ID
		return tx.PutEnrollmentToken(et)
	})
	if err != nil {
		return nil, "", err
	}

	d.publish(&types.Event{Type: events.EventRunnerStatus, RunnerID: runner.ID, Data: map[string]string{"status": "enrolled"}})
	d.logger.Info().Str("runner_id", runner.ID).Str("name", runner.Name).Msg("Runner enrolled")
	return runner, key, nil
}

// MintEnrollmentToken creates a one-time enrollment token.
func (d *Dispatcher) MintEnrollmentToken(runnerName, createdBy, reEnrollFor string, ttl time.Duration) (*types.EnrollmentToken, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}
	now := d.now()
	et := &types.EnrollmentToken{
		Token:           token,
		RunnerName:      runnerName,
		CreatedBy:       createdBy,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		ReEnrollmentFor: reEnrollFor,
	}
	err = d.store.Update(func(tx storage.Tx) error {
		if et.ReEnrollmentFor != "" {
			if _, err := tx.GetRunner(et.ReEnrollmentFor); err != nil {
				return err
			}
		}
		return tx.PutEnrollmentToken(et)
	})
	if err != nil {
		return nil, err
	}
	return et, nil
}

// IsNotFound reports whether err is the store's missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
