package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sergiochan/openpocket/pkg/protocol"
)

// HTTPRelayClient talks to a Human-Auth Relay over HTTP, satisfying
// RelayClient for a Bridge running in a separate process from the relay.
type HTTPRelayClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPRelayClient constructs an HTTPRelayClient.
func NewHTTPRelayClient(baseURL, apiKey string) *HTTPRelayClient {
	return &HTTPRelayClient{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPRelayClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = *bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, &reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errBody protocol.RelayErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("relay %s %s: %d %s", method, path, resp.StatusCode, errBody.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Create implements RelayClient.
func (c *HTTPRelayClient) Create(ctx context.Context, req protocol.RelayCreateRequest) (protocol.RelayCreateResponse, error) {
	var out protocol.RelayCreateResponse
	err := c.do(ctx, http.MethodPost, "/v1/human-auth/requests", req, &out)
	return out, err
}

// Poll implements RelayClient.
func (c *HTTPRelayClient) Poll(ctx context.Context, requestID, pollToken string) (protocol.RelayPollResponse, error) {
	var out protocol.RelayPollResponse
	path := fmt.Sprintf("/v1/human-auth/requests/%s?pollToken=%s", requestID, pollToken)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
