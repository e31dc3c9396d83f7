package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadControllerDefaults(t *testing.T) {
	path := writeFile(t, `
listen: ":9443"
data_dir: /tmp/challengectl-test
`)
	cfg, err := LoadController(path)
	require.NoError(t, err)
	assert.Equal(t, ":9443", cfg.Listen)
	assert.Equal(t, 10*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval.Std())
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout.Std())
	assert.Equal(t, 5*time.Minute, cfg.AssignmentTTL.Std())
	assert.Equal(t, 30*time.Second, cfg.StaleSweepInterval.Std())
	assert.Equal(t, 24*time.Hour, cfg.SessionTimeout.Std())
}

func TestLoadControllerChallenges(t *testing.T) {
	path := writeFile(t, `
data_dir: /tmp/challengectl-test
assignment_ttl: 2m
challenges:
  - name: cw-beacon
    modulation: cw
    enabled: true
    priority: 5
    delay_min: 60
    delay_max: 120
    frequency:
      single_hz: 146550000
    params:
      wpm: 20
      message: "CQ CQ DE N0CALL"
  - name: fhss-hopper
    modulation: fhss
    enabled: false
    delay_min: 30
    delay_max: 30
    frequency:
      bands: [70cm]
    files:
      - "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
`)
	cfg, err := LoadController(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.AssignmentTTL.Std())

	defs, err := cfg.Definitions()
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "cw-beacon", defs[0].Name)
	assert.Equal(t, 5, defs[0].Priority)
	assert.JSONEq(t, `{"wpm":20,"message":"CQ CQ DE N0CALL"}`, string(defs[0].Config.Params))
	assert.False(t, defs[1].Enabled)
	assert.Equal(t, []string{"70cm"}, defs[1].Config.Frequency.Bands)
}

func TestLoadControllerRejectsBadChallenge(t *testing.T) {
	path := writeFile(t, `
data_dir: /tmp/x
challenges:
  - name: broken
    modulation: cw
    enabled: true
    delay_min: 10
    delay_max: 5
    frequency:
      single_hz: 146550000
`)
	_, err := LoadController(path)
	assert.Error(t, err)
}

func TestLoadControllerTLSPairRequired(t *testing.T) {
	path := writeFile(t, `
data_dir: /tmp/x
tls_cert: /etc/ssl/cert.pem
`)
	_, err := LoadController(path)
	assert.Error(t, err)
}

func TestLoadAgent(t *testing.T) {
	path := writeFile(t, `
server_url: https://controller.example.com:8443
runner_name: field-unit-7
api_key_file: /var/lib/challengectl-agent/creds.json
cache_dir: /var/cache/challengectl-agent
poll_interval: 5s
devices:
  - name: sdr0
    model: hackrf
    frequency_limits:
      - low: 144000000
        high: 148000000
transmit_command: ["tx.py", "--freq", "{frequency}"]
spectrum_paint: true
paint_command: ["paint.py", "--freq", "{frequency}"]
`)
	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, "field-unit-7", cfg.RunnerName)
	assert.Equal(t, 5*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval.Std())
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, uint64(144000000), cfg.Devices[0].FrequencyLimits[0].Low)
	assert.True(t, cfg.SpectrumPaint)
}

func TestLoadAgentRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing server_url", "api_key_file: /x\ncache_dir: /y\ndevices: [{name: a}]\ntransmit_command: [tx]"},
		{"missing api_key_file", "server_url: http://x\ncache_dir: /y\ndevices: [{name: a}]\ntransmit_command: [tx]"},
		{"missing devices", "server_url: http://x\napi_key_file: /x\ncache_dir: /y\ntransmit_command: [tx]"},
		{"missing transmit_command", "server_url: http://x\napi_key_file: /x\ncache_dir: /y\ndevices: [{name: a}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAgent(writeFile(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}
