package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/ckoval7/challengectl/pkg/log"
	"github.com/rs/zerolog"
)

// TransmitJob carries everything the modulation callable needs.
type TransmitJob struct {
	Frequency  uint64
	Device     string
	Modulation string
	Files      []string // Local paths, already cache-resolved
	Params     json.RawMessage
}

// Transmitter invokes the opaque modulation callable. Success is a clean
// exit.
type Transmitter interface {
	Transmit(ctx context.Context, job *TransmitJob) error
}

// SubprocessTransmitter runs the configured argv template as an isolated
// OS subprocess, so a faulty flowgraph cannot corrupt the agent.
type SubprocessTransmitter struct {
	command []string
	logger  zerolog.Logger
}

// NewSubprocessTransmitter builds a transmitter from an argv template.
// Recognized placeholders: {frequency}, {device}, {modulation}, {params};
// a bare {files} argument expands to one argument per file.
func NewSubprocessTransmitter(command []string) *SubprocessTransmitter {
	return &SubprocessTransmitter{
		command: command,
		logger:  log.WithComponent("transmit"),
	}
}

// Transmit runs the subprocess and waits for it. Success iff exit 0.
func (t *SubprocessTransmitter) Transmit(ctx context.Context, job *TransmitJob) error {
	argv := t.expand(job)
	if len(argv) == 0 {
		return fmt.Errorf("empty transmit command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	t.logger.Debug().Strs("argv", argv).Msg("Invoking transmit subprocess")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("transmit subprocess failed: %w", err)
	}
	return nil
}

func (t *SubprocessTransmitter) expand(job *TransmitJob) []string {
	replacer := strings.NewReplacer(
		"{frequency}", fmt.Sprintf("%d", job.Frequency),
		"{device}", job.Device,
		"{modulation}", job.Modulation,
		"{params}", string(job.Params),
	)
	var argv []string
	for _, arg := range t.command {
		if arg == "{files}" {
			argv = append(argv, job.Files...)
			continue
		}
		argv = append(argv, replacer.Replace(arg))
	}
	return argv
}

// HostMAC returns the hardware address of the first non-loopback
// interface that has one.
func HostMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

// HostMachineID reads the systemd machine id.
func HostMachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return ""
}
