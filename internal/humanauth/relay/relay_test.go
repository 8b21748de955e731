package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sergiochan/openpocket/pkg/protocol"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	s, err := New("secret", filepath.Join(dir, "requests.json"), "http://localhost:9000")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreatePollResolveFlow(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	createReq := protocol.RelayCreateRequest{RequestID: "req-1", Task: "open settings", Capability: "tap", TimeoutSec: 60}
	rec := doJSON(t, h, http.MethodPost, "/v1/human-auth/requests", "secret", createReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var createResp protocol.RelayCreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("unmarshal create resp: %v", err)
	}
	if createResp.OpenURL == "" || createResp.PollToken == "" {
		t.Fatalf("incomplete create response: %+v", createResp)
	}

	pollRec := doJSON(t, h, http.MethodGet, "/v1/human-auth/requests/req-1?pollToken="+createResp.PollToken, "", nil)
	var pollResp protocol.RelayPollResponse
	if err := json.Unmarshal(pollRec.Body.Bytes(), &pollResp); err != nil {
		t.Fatalf("unmarshal poll resp: %v", err)
	}
	if pollResp.Status != protocol.RelayPending {
		t.Fatalf("got status %s, want pending", pollResp.Status)
	}

	resolveReq := protocol.RelayResolveRequest{Approved: true, Note: "looks fine"}
	resolveRec := doJSON(t, h, http.MethodPost, "/v1/human-auth/requests/req-1/resolve", "secret", resolveReq)
	if resolveRec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body=%s", resolveRec.Code, resolveRec.Body.String())
	}

	pollRec2 := doJSON(t, h, http.MethodGet, "/v1/human-auth/requests/req-1?pollToken="+createResp.PollToken, "", nil)
	var pollResp2 protocol.RelayPollResponse
	if err := json.Unmarshal(pollRec2.Body.Bytes(), &pollResp2); err != nil {
		t.Fatalf("unmarshal second poll resp: %v", err)
	}
	if pollResp2.Status != protocol.RelayApproved {
		t.Fatalf("got status %s, want approved", pollResp2.Status)
	}
}

func TestResolveIsExactlyOnce(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	doJSON(t, h, http.MethodPost, "/v1/human-auth/requests", "secret", protocol.RelayCreateRequest{RequestID: "req-2", Task: "t", Capability: "c", TimeoutSec: 60})

	first := doJSON(t, h, http.MethodPost, "/v1/human-auth/requests/req-2/resolve", "secret", protocol.RelayResolveRequest{Approved: true})
	if first.Code != http.StatusOK {
		t.Fatalf("first resolve status = %d", first.Code)
	}
	second := doJSON(t, h, http.MethodPost, "/v1/human-auth/requests/req-2/resolve", "secret", protocol.RelayResolveRequest{Approved: false})
	if second.Code != http.StatusConflict {
		t.Fatalf("second resolve status = %d, want 409", second.Code)
	}
}

func TestCreateRejectsBadBearer(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	rec := doJSON(t, h, http.MethodPost, "/v1/human-auth/requests", "wrong-key", protocol.RelayCreateRequest{RequestID: "req-3", Task: "t", Capability: "c"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", rec.Code)
	}
}

func TestHumanPageFormResolveUsesOpenToken(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	createRec := doJSON(t, h, http.MethodPost, "/v1/human-auth/requests", "secret", protocol.RelayCreateRequest{RequestID: "req-4", Task: "t", Capability: "c", TimeoutSec: 60})
	var createResp protocol.RelayCreateResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("unmarshal create resp: %v", err)
	}
	parsed, err := url.Parse(createResp.OpenURL)
	if err != nil {
		t.Fatalf("parse open url: %v", err)
	}
	openToken := parsed.Query().Get("token")
	if openToken == "" {
		t.Fatalf("open url missing token: %s", createResp.OpenURL)
	}

	pageReq := httptest.NewRequest(http.MethodGet, "/human-auth/req-4?token="+openToken, nil)
	pageRec := httptest.NewRecorder()
	h.ServeHTTP(pageRec, pageReq)
	if pageRec.Code != http.StatusOK {
		t.Fatalf("human page status = %d", pageRec.Code)
	}

	form := url.Values{"approved": {"true"}, "note": {"looks fine"}, "token": {openToken}}
	resolveReq := httptest.NewRequest(http.MethodPost, "/v1/human-auth/requests/req-4/resolve", strings.NewReader(form.Encode()))
	resolveReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resolveRec := httptest.NewRecorder()
	h.ServeHTTP(resolveRec, resolveReq)
	if resolveRec.Code != http.StatusOK {
		t.Fatalf("form resolve status = %d, body=%s", resolveRec.Code, resolveRec.Body.String())
	}

	pollRec := doJSON(t, h, http.MethodGet, "/v1/human-auth/requests/req-4", "", nil)
	var pollResp protocol.RelayPollResponse
	if err := json.Unmarshal(pollRec.Body.Bytes(), &pollResp); err != nil {
		t.Fatalf("unmarshal poll resp: %v", err)
	}
	if pollResp.Status != protocol.RelayApproved {
		t.Fatalf("got status %s, want approved", pollResp.Status)
	}
}

func TestHumanPageFormResolveRejectsBadToken(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	doJSON(t, h, http.MethodPost, "/v1/human-auth/requests", "secret", protocol.RelayCreateRequest{RequestID: "req-5", Task: "t", Capability: "c", TimeoutSec: 60})

	form := url.Values{"approved": {"true"}, "token": {"wrong-token"}}
	resolveReq := httptest.NewRequest(http.MethodPost, "/v1/human-auth/requests/req-5/resolve", strings.NewReader(form.Encode()))
	resolveReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resolveRec := httptest.NewRecorder()
	h.ServeHTTP(resolveRec, resolveReq)
	if resolveRec.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", resolveRec.Code)
	}
}

func TestPollUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	rec := doJSON(t, h, http.MethodGet, "/v1/human-auth/requests/does-not-exist", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}
