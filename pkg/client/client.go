package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ckoval7/challengectl/pkg/auth"
	"github.com/ckoval7/challengectl/pkg/log"
	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrAuthFailed mirrors the server's 401. Fatal at register/enroll.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrForbidden mirrors the server's 403.
	ErrForbidden = errors.New("forbidden")

	// ErrStaleAssignment means the reported work is no longer this
	// runner's responsibility. Never retried.
	ErrStaleAssignment = errors.New("stale assignment")

	// ErrConflict mirrors the server's 409 on enrollment races.
	ErrConflict = errors.New("conflict")

	// ErrNotFound mirrors the server's 404.
	ErrNotFound = errors.New("not found")
)

const (
	maxAttempts    = 4
	initialBackoff = time.Second
	maxBackoff     = 15 * time.Second
)

// Client is the runner-side controller client. Transient failures and
// 5xx responses retry with capped exponential backoff; auth and
// stale-assignment responses surface immediately. PollTask and
// DownloadFile make a single attempt and return transient failures to
// the caller.
type Client struct {
	baseURL   string
	apiKey    string
	mac       string
	machineID string
	httpc     *http.Client
	logger    zerolog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	APIKey    string
	MAC       string
	MachineID string
	Timeout   time.Duration
}

// New creates a controller client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		mac:       cfg.MAC,
		machineID: cfg.MachineID,
		httpc:     &http.Client{Timeout: timeout},
		logger:    log.WithComponent("client"),
	}
}

// SetAPIKey installs the key minted at enrollment.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = key
}

type apiError struct {
	Kind    string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, bearer string) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := c.doOnce(ctx, method, path, payload, out, bearer)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		c.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("Request failed, backing off")
	}
	return fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// errTransient marks retryable transport and 5xx failures.
var errTransient = errors.New("transient")

func retryable(err error) bool {
	return errors.Is(err, errTransient)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any, bearer string) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req, bearer)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: server returned %d", errTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) setAuth(req *http.Request, bearer string) {
	if bearer == "" {
		bearer = c.apiKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if c.mac != "" {
		req.Header.Set(auth.HeaderMAC, c.mac)
	}
	if c.machineID != "" {
		req.Header.Set(auth.HeaderMachineID, c.machineID)
	}
}

func decodeError(resp *http.Response) error {
	var body apiError
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Message
	if msg == "" {
		msg = resp.Status
	}

	switch body.Kind {
	case "stale-assignment":
		return fmt.Errorf("%w: %s", ErrStaleAssignment, msg)
	case "conflict":
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthFailed, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", errTransient, msg)
	}
	return fmt.Errorf("request rejected (%d): %s", resp.StatusCode, msg)
}

// EnrollResult is the one-time response of a successful enrollment.
type EnrollResult struct {
	RunnerID string `json:"runner_id"`
	APIKey   string `json:"api_key"`
}

// Enroll exchanges a one-time enrollment token for a runner identity and
// API key.
func (c *Client) Enroll(ctx context.Context, token, runnerName, hostname string, devices []*types.Device) (*EnrollResult, error) {
	req := map[string]any{
		"runner_name": runnerName,
		"hostname":    hostname,
		"devices":     devices,
	}
	var out EnrollResult
	if err := c.do(ctx, http.MethodPost, "/enrollment/enroll", req, &out, token); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register announces the runner and its device capabilities.
func (c *Client) Register(ctx context.Context, hostname string, devices []*types.Device) error {
	req := map[string]any{
		"hostname": hostname,
		"devices":  devices,
	}
	return c.do(ctx, http.MethodPost, "/agents/register", req, nil, "")
}

// Heartbeat refreshes liveness.
func (c *Client) Heartbeat(ctx context.Context, runnerID string) error {
	return c.do(ctx, http.MethodPost, "/agents/"+runnerID+"/heartbeat", nil, nil, "")
}

// PollTask asks for work. A nil assignment means none was available.
func (c *Client) PollTask(ctx context.Context, runnerID string) (*types.Assignment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agents/"+runnerID+"/task", nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req, "")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: server returned %d", errTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, decodeError(resp)
	}
	var a types.Assignment
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// CompletionReport is the body of a completion call.
type CompletionReport struct {
	ChallengeID  string    `json:"challenge_id"`
	Outcome      string    `json:"outcome"`
	DeviceID     string    `json:"device_id,omitempty"`
	Frequency    uint64    `json:"frequency,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
}

// ReportComplete reports an outcome. ErrStaleAssignment is terminal for
// this assignment and must not be retried.
func (c *Client) ReportComplete(ctx context.Context, runnerID string, rep *CompletionReport) error {
	return c.do(ctx, http.MethodPost, "/agents/"+runnerID+"/complete", rep, nil, "")
}

// Signout tells the controller this runner is going away.
func (c *Client) Signout(ctx context.Context, runnerID string) error {
	return c.do(ctx, http.MethodPost, "/agents/"+runnerID+"/signout", nil, nil, "")
}

// DownloadFile streams the blob for digest into w.
func (c *Client) DownloadFile(ctx context.Context, digest string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+digest, nil)
	if err != nil {
		return 0, err
	}
	c.setAuth(req, "")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("%w: server returned %d", errTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	return errors.Is(err, errTransient)
}
