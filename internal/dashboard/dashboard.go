// Package dashboard implements the optional Dashboard API: a read-only
// runtime snapshot, emulator control endpoints, a screenshot preview
// endpoint, and a WebSocket edge stream for live events (§4.13).
package dashboard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sergiochan/openpocket/internal/adbclient"
	"github.com/sergiochan/openpocket/internal/bus"
	"github.com/sergiochan/openpocket/internal/emulator"
)

// GatewayStatus is the runtime snapshot the Chat Gateway contributes when
// the Dashboard runs embedded in its process.
type GatewayStatus struct {
	Running      bool   `json:"running"`
	RunningTasks int    `json:"runningTasks"`
	DeviceID     string `json:"deviceId"`
}

// GatewayStatusFunc is supplied in integrated mode; nil in standalone
// mode, where the Dashboard detects a sibling gateway process instead
// (§4.13 "detects a sibling gateway process by scanning process listings").
type GatewayStatusFunc func() GatewayStatus

// Server serves the Dashboard's HTTP/WebSocket API.
type Server struct {
	Adb           *adbclient.Client
	Emulator      *emulator.Manager
	Bus           *bus.Bus
	GatewayStatus GatewayStatusFunc
	StartedAt     time.Time

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New constructs a dashboard Server. emu and gatewayStatus may be nil in
// a standalone deployment with no emulator bound yet.
func New(adb *adbclient.Client, emu *emulator.Manager, msgBus *bus.Bus, gatewayStatus GatewayStatusFunc) *Server {
	return &Server{
		Adb:           adb,
		Emulator:      emu,
		Bus:           msgBus,
		GatewayStatus: gatewayStatus,
		StartedAt:     time.Now(),
		clients:       make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Mux builds the Dashboard's HTTP route table.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/runtime", s.handleRuntime)
	mux.HandleFunc("/api/emulator/start", s.handleEmulatorStart)
	mux.HandleFunc("/api/emulator/stop", s.handleEmulatorStop)
	mux.HandleFunc("/api/emulator/show", s.handleEmulatorShow)
	mux.HandleFunc("/api/emulator/hide", s.handleEmulatorHide)
	mux.HandleFunc("/api/emulator/tap", s.handleEmulatorTap)
	mux.HandleFunc("/api/emulator/type", s.handleEmulatorType)
	mux.HandleFunc("/api/emulator/preview", s.handleEmulatorPreview)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// BroadcastEvents subscribes to the Bus and relays every event to
// connected WebSocket clients until ctx is cancelled.
func (s *Server) BroadcastEvents(ctx context.Context) {
	if s.Bus == nil {
		return
	}
	id := "dashboard-edge"
	s.Bus.Subscribe(id, func(evt bus.Event) {
		s.broadcast(evt)
	})
	<-ctx.Done()
	s.Bus.Unsubscribe(id)
}

func (s *Server) broadcast(evt bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteJSON(evt); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("dashboard websocket upgrade failed", "error", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type runtimeSnapshot struct {
	Uptime        string        `json:"uptime"`
	GatewayMode   string        `json:"gatewayMode"`
	GatewayStatus GatewayStatus `json:"gatewayStatus"`
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	snap := runtimeSnapshot{Uptime: time.Since(s.StartedAt).Round(time.Second).String()}
	if s.GatewayStatus != nil {
		snap.GatewayMode = "integrated"
		snap.GatewayStatus = s.GatewayStatus()
	} else {
		snap.GatewayMode = "standalone"
		snap.GatewayStatus = GatewayStatus{Running: siblingGatewayRunning()}
	}
	writeJSON(w, http.StatusOK, snap)
}

// siblingGatewayRunning scans the process listing for a running gateway
// process when the Dashboard has no embedded Chat Gateway to consult.
func siblingGatewayRunning() bool {
	out, err := exec.Command("pgrep", "-f", "gateway start").Output()
	if err != nil {
		return false
	}
	return len(out) > 0
}

type emulatorStartRequest struct {
	AvdName        string `json:"avdName"`
	Wait           bool   `json:"wait"`
	BootTimeoutSec int    `json:"bootTimeoutSec"`
}

func (s *Server) handleEmulatorStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.Emulator == nil {
		writeError(w, http.StatusServiceUnavailable, "emulator manager unavailable")
		return
	}
	var req emulatorStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	timeout := time.Duration(req.BootTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	result, err := s.Emulator.Start(r.Context(), req.AvdName, req.Wait, timeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

type deviceRequest struct {
	Device string `json:"device"`
}

func (s *Server) handleEmulatorStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.Emulator == nil {
		writeError(w, http.StatusServiceUnavailable, "emulator manager unavailable")
		return
	}
	var req deviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Emulator.Stop(r.Context(), req.Device); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleEmulatorShow(w http.ResponseWriter, r *http.Request) {
	s.handleWindowToggle(w, r, false)
}

func (s *Server) handleEmulatorHide(w http.ResponseWriter, r *http.Request) {
	s.handleWindowToggle(w, r, true)
}

func (s *Server) handleWindowToggle(w http.ResponseWriter, r *http.Request, hide bool) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.Emulator == nil {
		writeError(w, http.StatusServiceUnavailable, "emulator manager unavailable")
		return
	}
	var req deviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var err error
	if hide {
		err = s.Emulator.HideWindow(r.Context(), req.Device)
	} else {
		err = s.Emulator.ShowWindow(r.Context(), req.Device)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tapRequest struct {
	Device string `json:"device"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

func (s *Server) handleEmulatorTap(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.Adb == nil {
		writeError(w, http.StatusServiceUnavailable, "adb client unavailable")
		return
	}
	var req tapRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Adb.Tap(r.Context(), req.Device, req.X, req.Y); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type typeRequest struct {
	Device string `json:"device"`
	Text   string `json:"text"`
}

func (s *Server) handleEmulatorType(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.Adb == nil {
		writeError(w, http.StatusServiceUnavailable, "adb client unavailable")
		return
	}
	var req typeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.Adb.Type(r.Context(), req.Device, req.Text); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEmulatorPreview(w http.ResponseWriter, r *http.Request) {
	if s.Adb == nil {
		writeError(w, http.StatusServiceUnavailable, "adb client unavailable")
		return
	}
	device := r.URL.Query().Get("device")
	png, err := s.Adb.CaptureScreenshot(r.Context(), device)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
