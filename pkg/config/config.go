package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ckoval7/challengectl/pkg/dispatch"
	"github.com/ckoval7/challengectl/pkg/freq"
	"github.com/ckoval7/challengectl/pkg/types"
	"gopkg.in/yaml.v3"
)

// Controller is the controller process configuration.
type Controller struct {
	Listen  string `yaml:"listen"`
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`
	DataDir string `yaml:"data_dir"`

	// PublicDashboard exposes aggregate stats to anonymous callers.
	PublicDashboard bool `yaml:"public_dashboard,omitempty"`

	PollInterval       Duration `yaml:"poll_interval,omitempty"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval,omitempty"`
	HeartbeatTimeout   Duration `yaml:"heartbeat_timeout,omitempty"`
	AssignmentTTL      Duration `yaml:"assignment_ttl,omitempty"`
	StaleSweepInterval Duration `yaml:"stale_sweep_interval,omitempty"`
	TokenSweepInterval Duration `yaml:"token_sweep_interval,omitempty"`
	SessionTimeout     Duration `yaml:"session_timeout,omitempty"`

	Challenges []*ChallengeEntry `yaml:"challenges,omitempty"`
}

// ChallengeEntry is one challenge definition in the controller config
// file.
type ChallengeEntry struct {
	Name       string         `yaml:"name"`
	Modulation string         `yaml:"modulation"`
	Frequency  *freq.Spec     `yaml:"frequency"`
	Files      []string       `yaml:"files,omitempty"`
	MinDelay   int            `yaml:"delay_min"`
	MaxDelay   int            `yaml:"delay_max"`
	Priority   int            `yaml:"priority,omitempty"`
	Enabled    bool           `yaml:"enabled"`
	PublicView bool           `yaml:"public_view,omitempty"`
	Params     map[string]any `yaml:"params,omitempty"`
}

// Definition converts the YAML entry into the dispatcher's form. The
// modulation parameters are re-encoded as JSON once here and stay opaque
// from then on.
func (e *ChallengeEntry) Definition() (*dispatch.ChallengeDefinition, error) {
	var params json.RawMessage
	if len(e.Params) > 0 {
		data, err := json.Marshal(e.Params)
		if err != nil {
			return nil, fmt.Errorf("challenge %q: invalid params: %w", e.Name, err)
		}
		params = data
	}
	def := &dispatch.ChallengeDefinition{
		Name:     e.Name,
		Priority: e.Priority,
		Enabled:  e.Enabled,
		Config: &types.ChallengeConfig{
			Modulation: e.Modulation,
			Frequency:  e.Frequency,
			Files:      e.Files,
			MinDelay:   e.MinDelay,
			MaxDelay:   e.MaxDelay,
			Params:     params,
			PublicView: e.PublicView,
		},
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Definitions converts and validates all challenge entries.
func (c *Controller) Definitions() ([]*dispatch.ChallengeDefinition, error) {
	defs := make([]*dispatch.ChallengeDefinition, 0, len(c.Challenges))
	for _, e := range c.Challenges {
		def, err := e.Definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadController reads and validates a controller config file.
func LoadController(path string) (*Controller, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := &Controller{
		Listen:  ":8443",
		DataDir: "/var/lib/challengectl",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefault(&cfg.PollInterval, 10*time.Second)
	applyDefault(&cfg.HeartbeatInterval, 30*time.Second)
	applyDefault(&cfg.HeartbeatTimeout, 90*time.Second)
	applyDefault(&cfg.AssignmentTTL, 5*time.Minute)
	applyDefault(&cfg.StaleSweepInterval, 30*time.Second)
	applyDefault(&cfg.TokenSweepInterval, time.Minute)
	applyDefault(&cfg.SessionTimeout, 24*time.Hour)

	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if _, err := cfg.Definitions(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Agent is the runner agent configuration.
type Agent struct {
	ServerURL  string `yaml:"server_url"`
	RunnerName string `yaml:"runner_name,omitempty"`

	// APIKeyFile persists the key minted at enrollment. EnrollmentToken
	// is only consulted when the key file does not exist yet.
	APIKeyFile      string `yaml:"api_key_file"`
	EnrollmentToken string `yaml:"enrollment_token,omitempty"`

	CacheDir string          `yaml:"cache_dir"`
	Devices  []*types.Device `yaml:"devices"`

	PollInterval      Duration `yaml:"poll_interval,omitempty"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`

	// TransmitCommand is the argv template for the modulation subprocess.
	// Placeholders: {frequency}, {device}, {modulation}, {params},
	// {files}. SpectrumPaint runs PaintCommand first when the modulation
	// is not itself paint.
	TransmitCommand []string `yaml:"transmit_command"`
	PaintCommand    []string `yaml:"paint_command,omitempty"`
	SpectrumPaint   bool     `yaml:"spectrum_paint,omitempty"`
}

// LoadAgent reads and validates an agent config file.
func LoadAgent(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := &Agent{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	if cfg.APIKeyFile == "" {
		return nil, fmt.Errorf("api_key_file is required")
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache_dir is required")
	}
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("at least one device is required")
	}
	if len(cfg.TransmitCommand) == 0 {
		return nil, fmt.Errorf("transmit_command is required")
	}
	applyDefault(&cfg.PollInterval, 10*time.Second)
	applyDefault(&cfg.HeartbeatInterval, 30*time.Second)
	return cfg, nil
}

// Duration is a yaml-friendly time.Duration ("90s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func applyDefault(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}
