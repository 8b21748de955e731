package agentloop

import (
	"testing"

	"github.com/sergiochan/openpocket/pkg/protocol"
)

func TestCoarseTargetPerActionType(t *testing.T) {
	cases := []struct {
		name   string
		action protocol.Action
		want   string
	}{
		{"tap", protocol.Action{Type: protocol.ActionTap, X: 100, Y: 200}, "3,6"},
		{"launch_app", protocol.Action{Type: protocol.ActionLaunchApp, PackageName: "com.example.app"}, "com.example.app"},
		{"keyevent", protocol.Action{Type: protocol.ActionKeyevent, Keycode: "KEYCODE_BACK"}, "KEYCODE_BACK"},
		{"wait", protocol.Action{Type: protocol.ActionWait, DurationMs: 1000}, ""},
	}
	for _, c := range cases {
		if got := coarseTarget(c.action); got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, got, c.want)
		}
	}
}

func TestDetectAntiLoopRequiresThreeOfLastFour(t *testing.T) {
	repeat := fingerprint{actionType: protocol.ActionTap, coarseTarget: "3,6"}
	other := fingerprint{actionType: protocol.ActionTap, coarseTarget: "1,1"}

	var ring []fingerprint
	if detectAntiLoop(ring, repeat) {
		t.Fatalf("empty ring should never trigger anti-loop")
	}

	ring = pushRing(ring, other, 8)
	ring = pushRing(ring, repeat, 8)
	if detectAntiLoop(ring, repeat) {
		t.Fatalf("1 match out of 2 entries should not trigger (need >=3)")
	}

	ring = pushRing(ring, repeat, 8)
	ring = pushRing(ring, repeat, 8)
	if !detectAntiLoop(ring, repeat) {
		t.Fatalf("3 matches among the last 4 should trigger anti-loop")
	}
}

func TestPushRingRespectsMaxSize(t *testing.T) {
	var ring []fingerprint
	for i := 0; i < 20; i++ {
		ring = pushRing(ring, fingerprint{actionType: protocol.ActionWait}, 8)
	}
	if len(ring) != 8 {
		t.Fatalf("got ring size %d, want 8", len(ring))
	}
}

func TestPushRingClampsOversizedConfig(t *testing.T) {
	var ring []fingerprint
	for i := 0; i < 10; i++ {
		ring = pushRing(ring, fingerprint{actionType: protocol.ActionWait}, 999)
	}
	if len(ring) != 8 {
		t.Fatalf("got ring size %d, want clamped to 8", len(ring))
	}
}

func TestIsPermissionPackage(t *testing.T) {
	configured := []string{"com.android.permissioncontroller"}
	if isPermissionPackage("", configured) {
		t.Fatalf("empty package should never match")
	}
	if !isPermissionPackage("com.android.permissioncontroller", configured) {
		t.Fatalf("expected configured package to match")
	}
	if isPermissionPackage("com.example.app", configured) {
		t.Fatalf("unconfigured package should not match")
	}
}

func TestTruncatePreview(t *testing.T) {
	short := "hello"
	if got := truncatePreview(short); got != short {
		t.Fatalf("short string should be unchanged, got %q", got)
	}
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	got := truncatePreview(string(long))
	if len(got) <= 500 {
		t.Fatalf("expected truncated output to carry a marker, got len=%d", len(got))
	}
}

func TestExitCodeString(t *testing.T) {
	if got := exitCodeString(nil); got != "null" {
		t.Fatalf("got %q, want null", got)
	}
	zero := 0
	if got := exitCodeString(&zero); got != "0" {
		t.Fatalf("got %q, want 0", got)
	}
}
