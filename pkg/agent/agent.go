package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ckoval7/challengectl/pkg/client"
	"github.com/ckoval7/challengectl/pkg/config"
	"github.com/ckoval7/challengectl/pkg/freq"
	"github.com/ckoval7/challengectl/pkg/log"
	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/rs/zerolog"
)

// paintModulation marks challenges that are themselves a spectrum paint;
// the pre-transmission paint pass is skipped for those.
const paintModulation = "paint"

// credentials is what the agent persists after a successful enrollment.
type credentials struct {
	RunnerID string `json:"runner_id"`
	APIKey   string `json:"api_key"`
}

// Agent is the runner-side daemon: one heartbeat goroutine and one serial
// poll → sync files → transmit → report loop.
type Agent struct {
	cfg         *config.Agent
	client      *client.Client
	cache       *Cache
	transmitter Transmitter
	painter     Transmitter
	logger      zerolog.Logger

	runnerID string
	wg       sync.WaitGroup
}

// New builds an agent from its configuration.
func New(cfg *config.Agent) (*Agent, error) {
	cache, err := NewCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		cfg:         cfg,
		cache:       cache,
		transmitter: NewSubprocessTransmitter(cfg.TransmitCommand),
		logger:      log.WithComponent("agent"),
	}
	if len(cfg.PaintCommand) > 0 {
		a.painter = NewSubprocessTransmitter(cfg.PaintCommand)
	}
	a.client = client.New(client.Config{
		BaseURL:   cfg.ServerURL,
		MAC:       HostMAC(),
		MachineID: HostMachineID(),
	})
	return a, nil
}

// SetTransmitter overrides the transmit callable. Test hook.
func (a *Agent) SetTransmitter(t Transmitter) {
	a.transmitter = t
}

// Run executes the agent until ctx is cancelled, then signs out and
// drains the heartbeat task. The returned error is nil on a clean
// shutdown and non-nil when credentials cannot be loaded or obtained, or
// when registration fails; this includes transport and 5xx failures
// that outlast the client's retries, not only config or auth problems.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.ensureCredentials(ctx); err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	if err := a.client.Register(ctx, hostname, a.cfg.Devices); err != nil {
		if errors.Is(err, client.ErrAuthFailed) {
			return fmt.Errorf("registration rejected, re-enrollment required: %w", err)
		}
		return fmt.Errorf("failed to register: %w", err)
	}
	a.logger.Info().Str("runner_id", a.runnerID).Msg("Registered with controller")

	hbCtx, hbCancel := context.WithCancel(context.Background())
	a.wg.Add(1)
	go a.heartbeatLoop(hbCtx)

	a.pollLoop(ctx)

	// Shutdown: best-effort signout, then drain the heartbeat task.
	soCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.Signout(soCtx, a.runnerID); err != nil {
		a.logger.Warn().Err(err).Msg("Signout failed")
	}
	hbCancel()
	a.wg.Wait()
	a.logger.Info().Msg("Agent stopped")
	return nil
}

// ensureCredentials loads the persisted API key, or performs the one-time
// enrollment exchange and persists the result.
func (a *Agent) ensureCredentials(ctx context.Context) error {
	if data, err := os.ReadFile(a.cfg.APIKeyFile); err == nil {
		var creds credentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return fmt.Errorf("corrupt credentials file %s: %w", a.cfg.APIKeyFile, err)
		}
		a.runnerID = creds.RunnerID
		a.client.SetAPIKey(creds.APIKey)
		return nil
	}

	if a.cfg.EnrollmentToken == "" {
		return fmt.Errorf("no API key at %s and no enrollment_token configured", a.cfg.APIKeyFile)
	}

	hostname, _ := os.Hostname()
	res, err := a.client.Enroll(ctx, a.cfg.EnrollmentToken, a.cfg.RunnerName, hostname, a.cfg.Devices)
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	creds := credentials{RunnerID: res.RunnerID, APIKey: res.APIKey}
	data, err := json.Marshal(&creds)
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.cfg.APIKeyFile, data, 0600); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	a.runnerID = res.RunnerID
	a.client.SetAPIKey(res.APIKey)
	a.logger.Info().Str("runner_id", res.RunnerID).Msg("Enrolled with controller")
	return nil
}

// heartbeatLoop keeps liveness fresh. Failures are logged and retried on
// the next tick; they never terminate the agent.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.client.Heartbeat(ctx, a.runnerID); err != nil {
				a.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			assignment, err := a.client.PollTask(ctx, a.runnerID)
			if err != nil {
				a.logger.Warn().Err(err).Msg("Poll failed")
				continue
			}
			if assignment == nil {
				continue
			}
			a.execute(ctx, assignment)
		case <-ctx.Done():
			return
		}
	}
}

// execute runs one assignment end to end and reports the outcome.
func (a *Agent) execute(ctx context.Context, assignment *types.Assignment) {
	logger := a.logger.With().
		Str("challenge_id", assignment.ChallengeID).
		Uint64("frequency", assignment.Frequency).
		Logger()
	started := time.Now()

	report := func(outcome types.TxOutcome, deviceID, errMsg string) {
		err := a.client.ReportComplete(ctx, a.runnerID, &client.CompletionReport{
			ChallengeID:  assignment.ChallengeID,
			Outcome:      string(outcome),
			DeviceID:     deviceID,
			Frequency:    assignment.Frequency,
			StartedAt:    started,
			ErrorMessage: errMsg,
		})
		switch {
		case errors.Is(err, client.ErrStaleAssignment):
			// The work stopped being ours while we ran it; nothing to do.
			logger.Warn().Msg("Completion report was stale")
		case err != nil:
			logger.Error().Err(err).Msg("Failed to report completion")
		}
	}

	files, err := a.syncFiles(ctx, assignment.Files)
	if err != nil {
		logger.Error().Err(err).Msg("File sync failed")
		report(types.TxFailure, "", fmt.Sprintf("file sync: %v", err))
		return
	}

	device := a.selectDevice(assignment.Frequency)
	if device == nil {
		logger.Error().Msg("No device covers the assigned frequency")
		report(types.TxFailure, "", "no capable device")
		return
	}

	job := &TransmitJob{
		Frequency:  assignment.Frequency,
		Device:     device.Name,
		Modulation: assignment.Modulation,
		Files:      files,
		Params:     assignment.Params,
	}

	if a.cfg.SpectrumPaint && a.painter != nil && assignment.Modulation != paintModulation {
		if err := a.painter.Transmit(ctx, job); err != nil {
			logger.Warn().Err(err).Msg("Spectrum paint pass failed, continuing")
		}
	}

	logger.Info().Str("device", device.Name).Str("modulation", assignment.Modulation).Msg("Transmitting")
	if err := a.transmitter.Transmit(ctx, job); err != nil {
		logger.Error().Err(err).Msg("Transmission failed")
		report(types.TxFailure, device.Name, err.Error())
		return
	}
	report(types.TxSuccess, device.Name, "")
}

// syncFiles resolves every file reference through the cache.
func (a *Agent) syncFiles(ctx context.Context, refs []string) ([]string, error) {
	paths := make([]string, 0, len(refs))
	for _, ref := range refs {
		path, err := a.cache.Resolve(ctx, a.client, ref)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// selectDevice picks the first configured device whose limits contain the
// frequency.
func (a *Agent) selectDevice(hz uint64) *types.Device {
	for _, d := range a.cfg.Devices {
		if freq.ContainsAny(d.FrequencyLimits, hz) {
			return d
		}
	}
	return nil
}
