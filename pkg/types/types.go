package types

import (
	"encoding/json"
	"time"

	"github.com/ckoval7/challengectl/pkg/freq"
)

// Challenge represents a named, parametrized RF transmission job.
type Challenge struct {
	ID                string
	Name              string
	Config            *ChallengeConfig
	Enabled           bool
	Priority          int
	Status            ChallengeStatus
	AssignedTo        string    // Runner ID, empty unless assigned
	AssignedAt        time.Time // Zero unless assigned
	AssignmentExpires time.Time // Zero unless assigned
	LastTxTime        time.Time
	NextTxTime        time.Time
	TransmissionCount int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ChallengeStatus represents the lifecycle state of a challenge
type ChallengeStatus string

const (
	ChallengeStatusDisabled ChallengeStatus = "disabled"
	ChallengeStatusQueued   ChallengeStatus = "queued"
	ChallengeStatusAssigned ChallengeStatus = "assigned"
	ChallengeStatusWaiting  ChallengeStatus = "waiting"
)

// ChallengeConfig is the parsed transmission envelope. It is deserialized
// once at load and persisted with the challenge row.
type ChallengeConfig struct {
	Modulation string          `json:"modulation" yaml:"modulation"`
	Frequency  *freq.Spec      `json:"frequency" yaml:"frequency"`
	Files      []string        `json:"files,omitempty" yaml:"files,omitempty"` // "sha256:<digest>" or agent-local path
	MinDelay   int             `json:"delay_min" yaml:"delay_min"`             // Seconds between transmissions
	MaxDelay   int             `json:"delay_max" yaml:"delay_max"`
	Params     json.RawMessage `json:"params,omitempty" yaml:"-"` // Modulation-specific, opaque to the controller
	PublicView bool            `json:"public_view,omitempty" yaml:"public_view,omitempty"`
}

// Runner represents a worker node with SDR hardware.
type Runner struct {
	ID            string
	Name          string
	Hostname      string
	IP            string
	MAC           string
	MachineID     string
	Status        RunnerStatus
	Enabled       bool
	LastHeartbeat time.Time
	Devices       []*Device
	APIKeyHash    []byte // bcrypt, never the key itself
	CreatedAt     time.Time
}

// RunnerStatus represents the current state of a runner
type RunnerStatus string

const (
	RunnerStatusOnline  RunnerStatus = "online"
	RunnerStatusOffline RunnerStatus = "offline"
	RunnerStatusBusy    RunnerStatus = "busy"
)

// Device is one SDR attached to a runner.
type Device struct {
	Name            string       `json:"name" yaml:"name"`
	Model           string       `json:"model" yaml:"model"`
	FrequencyLimits []freq.Range `json:"frequency_limits" yaml:"frequency_limits"`
}

// Capabilities returns the union of all device frequency limits.
func Capabilities(devices []*Device) []freq.Range {
	var out []freq.Range
	for _, d := range devices {
		out = append(out, d.FrequencyLimits...)
	}
	return freq.Normalize(out)
}

// Transmission is an immutable record of one completed attempt. Rows are
// append-only; the ID comes from the store sequence.
type Transmission struct {
	ID           uint64
	ChallengeID  string
	RunnerID     string
	DeviceID     string
	Frequency    uint64
	StartedAt    time.Time
	CompletedAt  time.Time
	Status       TxOutcome
	ErrorMessage string
}

// TxOutcome is the result of a transmission attempt
type TxOutcome string

const (
	TxSuccess TxOutcome = "success"
	TxFailure TxOutcome = "failure"
)

// FileMeta describes a content-addressed blob.
type FileMeta struct {
	Digest    string // hex SHA-256 of the content
	Filename  string
	Size      int64
	MimeType  string
	CreatedAt time.Time
}

// EnrollmentToken is a one-time credential exchanged for a runner API key.
type EnrollmentToken struct {
	Token           string
	RunnerName      string
	CreatedBy       string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Used            bool
	UsedByRunnerID  string
	ReEnrollmentFor string // Existing runner ID when re-keying
}

// Expired reports whether the token is past its expiry at the given time.
func (t *EnrollmentToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ProvisioningKey is a long-lived credential for automated enrollment
// token minting.
type ProvisioningKey struct {
	ID        string
	Name      string
	KeyHash   []byte // bcrypt
	CreatedAt time.Time
}

// User is an administrative account.
type User struct {
	ID           string
	Username     string
	PasswordHash []byte // bcrypt
	TOTPSecret   string
	CreatedAt    time.Time
}

// Session is a store-backed admin session with TTL.
type Session struct {
	Token        string
	UserID       string
	Username     string
	TOTPVerified bool
	CSRFToken    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Assignment is the snapshot handed to a runner when a challenge is
// assigned. Frequency is the concrete Hz chosen by the dispatcher so the
// runner and the transmission record agree on the exact value.
type Assignment struct {
	ChallengeID string          `json:"challenge_id"`
	Name        string          `json:"name"`
	Modulation  string          `json:"modulation"`
	Frequency   uint64          `json:"frequency"`
	Files       []string        `json:"files,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	AssignedAt  time.Time       `json:"assigned_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Event represents a state-change notification pushed to subscribers.
type Event struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Timestamp   time.Time         `json:"timestamp"`
	ChallengeID string            `json:"challenge_id,omitempty"`
	RunnerID    string            `json:"runner_id,omitempty"`
	Message     string            `json:"message,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}
