package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPollFindsMatchingTunnel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := tunnelListResponse{}
		resp.Tunnels = append(resp.Tunnels, struct {
			PublicURL string `json:"public_url"`
			Config    struct {
				Addr string `json:"addr"`
			} `json:"config"`
		}{PublicURL: "https://example.ngrok.io"})
		resp.Tunnels[0].Config.Addr = "http://localhost:8088"
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := New(Config{LocalHostPort: "localhost:8088", APIBase: srv.URL})
	url, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if url != "https://example.ngrok.io" {
		t.Fatalf("got %q", url)
	}
}

func TestPollCachesURL(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		resp := tunnelListResponse{}
		resp.Tunnels = append(resp.Tunnels, struct {
			PublicURL string `json:"public_url"`
			Config    struct {
				Addr string `json:"addr"`
			} `json:"config"`
		}{PublicURL: "https://cached.example.com"})
		resp.Tunnels[0].Config.Addr = "http://localhost:9000"
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := New(Config{LocalHostPort: "localhost:9000", APIBase: srv.URL})
	if _, err := s.Poll(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if _, err := s.Poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the http api to be queried once, got %d calls", calls)
	}
}

func TestStopOnNeverStartedIsNoop(t *testing.T) {
	s := New(Config{})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop on unstarted supervisor should be a no-op, got %v", err)
	}
	if s.Running() {
		t.Fatalf("expected Running() to be false")
	}
}

func TestPollNoMatchReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tunnelListResponse{})
	}))
	defer srv.Close()

	s := New(Config{LocalHostPort: "localhost:8088", APIBase: srv.URL, PollInterval: 10 * time.Millisecond})
	if _, err := s.Poll(context.Background()); err == nil {
		t.Fatalf("expected an error when no tunnel matches")
	}
}
