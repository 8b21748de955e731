// Package emulator implements the Emulator Manager: start/stop/hide/show
// the Android emulator, poll boot completion, and list AVDs (§4.2).
package emulator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sergiochan/openpocket/internal/adbclient"
	"github.com/sergiochan/openpocket/internal/ferr"
)

// Manager starts/stops/controls the emulator process for a single AVD.
type Manager struct {
	EmulatorBin string
	Adb         *adbclient.Client

	mu      sync.Mutex
	running *exec.Cmd
}

// New constructs a Manager bound to a single adb Client.
func New(emulatorBin string, adb *adbclient.Client) *Manager {
	return &Manager{EmulatorBin: emulatorBin, Adb: adb}
}

// ListAvds runs `emulator -list-avds`.
func (m *Manager) ListAvds(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, m.EmulatorBin, "-list-avds")
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return nil, ferr.New(ferr.AdbFailed, strings.TrimSpace(stderr.String()), err)
	}
	var avds []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			avds = append(avds, line)
		}
	}
	return avds, nil
}

// Start launches the configured AVD detached and, if wait is true, polls
// until a device reports booted or timeout elapses. Idempotent: if a device
// is already booted, returns immediately without spawning a second process
// (§8 "round-trip and idempotence laws").
func (m *Manager) Start(ctx context.Context, avdName string, wait bool, timeout time.Duration) (string, error) {
	st, err := m.Adb.Status(ctx)
	if err == nil && len(st.BootedDevices) > 0 {
		return fmt.Sprintf("already booted: %s", strings.Join(st.BootedDevices, ",")), nil
	}

	m.mu.Lock()
	if m.running != nil && m.running.ProcessState == nil {
		m.mu.Unlock()
	} else {
		cmd := exec.Command(m.EmulatorBin, "-avd", avdName, "-no-snapshot-save")
		if err := cmd.Start(); err != nil {
			m.mu.Unlock()
			return "", ferr.New(ferr.AdbFailed, "failed to spawn emulator process", err)
		}
		m.running = cmd
		m.mu.Unlock()
		go func() {
			if err := cmd.Wait(); err != nil {
				slog.Warn("emulator.process_exited", "avd", avdName, "error", err)
			}
		}()
	}

	if !wait {
		return fmt.Sprintf("starting %s", avdName), nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := m.Adb.Status(ctx)
		if err == nil && len(st.BootedDevices) > 0 {
			return fmt.Sprintf("booted: %s", strings.Join(st.BootedDevices, ",")), nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return "", ferr.New(ferr.DeviceUnavailable, fmt.Sprintf("%s did not boot within %s", avdName, timeout), nil)
}

// Stop requests device shutdown via `adb shell reboot -p`.
func (m *Manager) Stop(ctx context.Context, deviceID string) error {
	_, err := m.Adb.Shell(ctx, deviceID, "reboot -p")
	m.mu.Lock()
	m.running = nil
	m.mu.Unlock()
	return err
}

// HideWindow / ShowWindow talk to the emulator's console port (the
// "emulator-NNNN" device id's NNNN) using the `window hide`/`window show`
// console commands — the actual QEMU-console facility the Android emulator
// exposes for this, independent of anything adb can reach.
func (m *Manager) HideWindow(ctx context.Context, deviceID string) error {
	return consoleCommand(ctx, deviceID, "window hide")
}

func (m *Manager) ShowWindow(ctx context.Context, deviceID string) error {
	return consoleCommand(ctx, deviceID, "window show")
}

func consoleCommand(ctx context.Context, deviceID, command string) error {
	port := strings.TrimPrefix(deviceID, "emulator-")
	if port == deviceID {
		return ferr.New(ferr.DeviceUnavailable, fmt.Sprintf("%q is not an emulator console device id", deviceID), nil)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", "127.0.0.1:"+port)
	if err != nil {
		return ferr.New(ferr.AdbFailed, "console dial failed", err)
	}
	defer conn.Close()
	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return ferr.New(ferr.AdbFailed, "console write failed", err)
	}
	return nil
}
