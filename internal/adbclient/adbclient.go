// Package adbclient wraps the Android Debug Bridge (adb) command-line tool:
// device selection, screenshot capture, and input primitives (§4.2).
package adbclient

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	runewidth "github.com/mattn/go-runewidth"

	"github.com/sergiochan/openpocket/internal/ferr"
)

// Client invokes adb for a fixed binary path, serializing all invocations
// per device id (Design Notes §9 "adb serialization").
type Client struct {
	AdbBin         string
	PinnedDeviceID string
	Timeout        time.Duration

	mu       sync.Mutex
	deviceMu map[string]*sync.Mutex
}

// New constructs a Client. adbBin is typically "adb" (resolved via PATH).
func New(adbBin string, timeout time.Duration) *Client {
	return &Client{AdbBin: adbBin, Timeout: timeout, deviceMu: make(map[string]*sync.Mutex)}
}

func (c *Client) lockFor(deviceID string) func() {
	c.mu.Lock()
	l, ok := c.deviceMu[deviceID]
	if !ok {
		l = &sync.Mutex{}
		c.deviceMu[deviceID] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Status is the result of status() (§4.2).
type Status struct {
	Devices       []string
	BootedDevices []string
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.AdbBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		detail := stderr.String()
		if len(detail) > 2048 {
			detail = detail[:2048]
		}
		return stdout.Bytes(), ferr.New(ferr.AdbFailed, strings.TrimSpace(detail), err)
	}
	return stdout.Bytes(), nil
}

func (c *Client) runForDevice(ctx context.Context, deviceID string, args ...string) ([]byte, error) {
	unlock := c.lockFor(deviceID)
	defer unlock()
	full := append([]string{"-s", deviceID}, args...)
	return c.run(ctx, full...)
}

// Status lists devices and determines which are booted.
func (c *Client) Status(ctx context.Context) (Status, error) {
	out, err := c.run(ctx, "devices")
	if err != nil {
		return Status{}, err
	}
	var devices []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "device" {
			devices = append(devices, fields[0])
		}
	}
	var booted []string
	for _, d := range devices {
		out, err := c.runForDevice(ctx, d, "shell", "getprop", "sys.boot_completed")
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(out)) == "1" {
			booted = append(booted, d)
		}
	}
	return Status{Devices: devices, BootedDevices: booted}, nil
}

// SelectDevice implements §4.2's precedence: explicit > config-pinned > first
// booted > first online; returns device_unavailable when none qualify.
func (c *Client) SelectDevice(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if c.PinnedDeviceID != "" {
		return c.PinnedDeviceID, nil
	}
	st, err := c.Status(ctx)
	if err != nil {
		return "", err
	}
	if len(st.BootedDevices) > 0 {
		return st.BootedDevices[0], nil
	}
	if len(st.Devices) > 0 {
		return st.Devices[0], nil
	}
	return "", ferr.New(ferr.DeviceUnavailable, "no online device", nil)
}

// CaptureScreenshot returns raw PNG bytes via `exec-out screencap -p`.
func (c *Client) CaptureScreenshot(ctx context.Context, deviceID string) ([]byte, error) {
	unlock := c.lockFor(deviceID)
	defer unlock()
	ctx2, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx2, c.AdbBin, "-s", deviceID, "exec-out", "screencap", "-p")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := stderr.String()
		if len(detail) > 2048 {
			detail = detail[:2048]
		}
		return nil, ferr.New(ferr.AdbFailed, strings.TrimSpace(detail), err)
	}
	return stdout.Bytes(), nil
}

// Tap sends `input tap x y`.
func (c *Client) Tap(ctx context.Context, deviceID string, x, y int) error {
	_, err := c.runForDevice(ctx, deviceID, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// Swipe sends `input swipe x1 y1 x2 y2 durationMs`.
func (c *Client) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2, durationMs int) error {
	_, err := c.runForDevice(ctx, deviceID, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(durationMs))
	return err
}

// Keyevent sends `input keyevent <code>`.
func (c *Client) Keyevent(ctx context.Context, deviceID, code string) error {
	_, err := c.runForDevice(ctx, deviceID, "shell", "input", "keyevent", code)
	return err
}

// LaunchApp starts an app's default launcher activity via monkey, the
// standard adb-only way to launch by package name without knowing the
// activity class.
func (c *Client) LaunchApp(ctx context.Context, deviceID, packageName string) error {
	_, err := c.runForDevice(ctx, deviceID, "shell", "monkey", "-p", packageName,
		"-c", "android.intent.category.LAUNCHER", "1")
	return err
}

// Shell runs an arbitrary adb shell command, never interpreting it beyond
// what adb itself passes to the device shell.
func (c *Client) Shell(ctx context.Context, deviceID, command string) (string, error) {
	out, err := c.runForDevice(ctx, deviceID, "shell", command)
	return string(out), err
}

// Install pushes and installs an APK, replacing any existing install.
func (c *Client) Install(ctx context.Context, deviceID, apkPath string) error {
	_, err := c.runForDevice(ctx, deviceID, "install", "-r", apkPath)
	return err
}

// Uninstall removes a package via `adb uninstall`; any adb failure,
// including one for a package that is not installed, is returned.
func (c *Client) Uninstall(ctx context.Context, deviceID, packageName string) error {
	_, err := c.runForDevice(ctx, deviceID, "uninstall", packageName)
	return err
}

// ClearAppData resets a package's state via `pm clear`.
func (c *Client) ClearAppData(ctx context.Context, deviceID, packageName string) error {
	_, err := c.runForDevice(ctx, deviceID, "shell", "pm", "clear", packageName)
	return err
}

// IsASCII reports whether s contains only ASCII runes, using go-runewidth's
// width classification to decide the `input text` vs clipboard-paste split
// (§4.2, §8 scenario 5).
func IsASCII(s string) bool {
	for _, r := range s {
		if r > 127 || runewidth.RuneWidth(r) == 0 {
			return false
		}
	}
	return true
}

// Type implements the text-input contract: ASCII goes through `input text`
// with spaces encoded as %s; anything else (or a failed ASCII attempt) goes
// through clipboard set-text + KEYCODE_PASTE. Never shells out the text
// itself — it is always passed as a single adb argument.
func (c *Client) Type(ctx context.Context, deviceID, text string) (string, error) {
	if IsASCII(text) {
		encoded := strings.ReplaceAll(text, " ", "%s")
		if _, err := c.runForDevice(ctx, deviceID, "shell", "input", "text", encoded); err == nil {
			return fmt.Sprintf("Typed text length=%d", len([]rune(text))), nil
		}
	}
	if _, err := c.runForDevice(ctx, deviceID, "shell", "cmd", "clipboard", "set-text", text); err != nil {
		return "", err
	}
	if _, err := c.runForDevice(ctx, deviceID, "shell", "input", "keyevent", "KEYCODE_PASTE"); err != nil {
		return "", err
	}
	return fmt.Sprintf("Typed text via clipboard paste length=%d", len([]rune(text))), nil
}

// foregroundPackageRegexes are tried in priority order against a
// `window dump` capture to extract the current foreground package.
var foregroundPackageRegexes = []*regexp.Regexp{
	regexp.MustCompile(`mCurrentFocus=Window\{[^ ]+ [^ ]+ ([a-zA-Z0-9_.]+)/`),
	regexp.MustCompile(`mFocusedApp=.*\s([a-zA-Z0-9_.]+)/[a-zA-Z0-9_.]+[}\s]`),
	regexp.MustCompile(`topResumedActivity=.*\s([a-zA-Z0-9_.]+)/`),
}

// ForegroundPackage extracts the current foreground package name from a
// `dumpsys window windows` (or `window`) capture.
func ForegroundPackage(dump string) string {
	for _, re := range foregroundPackageRegexes {
		if m := re.FindStringSubmatch(dump); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

// wmSizeRe parses `wm size` output of the form "Physical size: 1080x1920".
var wmSizeRe = regexp.MustCompile(`Physical size:\s*(\d+)x(\d+)`)

// ParseWMSize parses the device physical width/height from `wm size` output.
func ParseWMSize(out string) (width, height int, ok bool) {
	m := wmSizeRe.FindStringSubmatch(out)
	if len(m) != 3 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(m[1])
	h, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}

// WMSize runs `wm size` for the given device.
func (c *Client) WMSize(ctx context.Context, deviceID string) (int, int, error) {
	out, err := c.runForDevice(ctx, deviceID, "shell", "wm", "size")
	if err != nil {
		return 0, 0, err
	}
	w, h, ok := ParseWMSize(string(out))
	if !ok {
		return 0, 0, ferr.New(ferr.AdbFailed, "could not parse wm size output", nil)
	}
	return w, h, nil
}

// WindowDump runs `dumpsys window windows` for foreground-package extraction.
func (c *Client) WindowDump(ctx context.Context, deviceID string) (string, error) {
	out, err := c.runForDevice(ctx, deviceID, "shell", "dumpsys", "window", "windows")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
