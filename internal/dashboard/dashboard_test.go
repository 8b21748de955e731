package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleRuntimeStandaloneMode(t *testing.T) {
	s := New(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runtime", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap runtimeSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.GatewayMode != "standalone" {
		t.Fatalf("GatewayMode = %q, want standalone", snap.GatewayMode)
	}
}

func TestHandleRuntimeIntegratedMode(t *testing.T) {
	s := New(nil, nil, nil, func() GatewayStatus {
		return GatewayStatus{Running: true, RunningTasks: 3, DeviceID: "emulator-5554"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/runtime", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	var snap runtimeSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.GatewayMode != "integrated" || snap.GatewayStatus.RunningTasks != 3 {
		t.Fatalf("got %+v", snap)
	}
}

func TestHandleEmulatorStartWithoutManager(t *testing.T) {
	s := New(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/emulator/start", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleEmulatorTapRejectsWrongMethod(t *testing.T) {
	s := New(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/emulator/tap", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandleEmulatorPreviewWithoutAdb(t *testing.T) {
	s := New(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/emulator/preview", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
