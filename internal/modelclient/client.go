package modelclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sergiochan/openpocket/internal/ferr"
	"github.com/sergiochan/openpocket/pkg/protocol"
)

// Endpoint is one of the three provider surfaces the Client falls back
// across, in the order §4.3 specifies: chat-completions → responses →
// completions.
type Endpoint string

const (
	EndpointChatCompletions Endpoint = "/chat/completions"
	EndpointResponses       Endpoint = "/responses"
	EndpointCompletions     Endpoint = "/completions"
)

var fallbackOrder = []Endpoint{EndpointChatCompletions, EndpointResponses, EndpointCompletions}

// Client is an OpenAI-compatible chat client for a single Model Profile.
type Client struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	Timeout    time.Duration
	HTTPClient *http.Client

	// limiter throttles the fallback retry loop so a misbehaving provider
	// does not busy-loop across all three endpoints (teacher's
	// channels.RateLimiter concern, repurposed here for provider fallback
	// backoff rather than chat admission).
	limiter *rate.Limiter
}

// New constructs a Client. The fallback retry rate is fixed at 2 per
// second with a burst of 2.
func New(baseURL, apiKey, model string, maxTokens int, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      model,
		MaxTokens:  maxTokens,
		Timeout:    timeout,
		HTTPClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(2), 2),
	}
}

type chatRequestBody struct {
	Model       string           `json:"model"`
	Messages    []wireMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireContent struct {
	Type     string          `json:"type"` // "text" or "image_url"
	Text     string          `json:"text,omitempty"`
	ImageURL *wireImageURL   `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

func toWireMessages(msgs []Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		content := []wireContent{{Type: "text", Text: m.Content}}
		for _, img := range m.Images {
			url := fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data)
			content = append(content, wireContent{Type: "image_url", ImageURL: &wireImageURL{URL: url}})
		}
		out = append(out, wireMessage{Role: m.Role, Content: content})
	}
	return out
}

type chatResponseBody struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends req to the configured endpoint, falling back chat-completions
// → responses → completions until one succeeds (§4.3). All three failing
// surfaces ferr.ModelFailed.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for _, ep := range fallbackOrder {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.callEndpoint(ctx, ep, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, ferr.New(ferr.ModelFailed, "all provider endpoints failed", lastErr)
}

func (c *Client) callEndpoint(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	body := chatRequestBody{
		Model:       req.Model,
		Messages:    toWireMessages(req.Messages),
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+string(ep), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("endpoint %s returned status %d: %s", ep, resp.StatusCode, string(data))
	}

	var parsed chatResponseBody
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("endpoint %s: %s", ep, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("endpoint %s returned no choices", ep)
	}

	choice := parsed.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: &Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

// EncodeImage base64-encodes a PNG for the Images field of a Message.
func EncodeImage(png []byte) Image {
	return Image{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(png)}
}

// PlanAction extracts a canonical Action from a Response: tool-call
// arguments win when present (preferred path per §4.3); otherwise the
// first JSON object found in the response text is normalized; an
// unparseable/absent result yields the canonical unparseable wait.
func PlanAction(resp *Response) protocol.Action {
	if len(resp.ToolCalls) > 0 {
		data, err := json.Marshal(mergeType(resp.ToolCalls[0]))
		if err == nil {
			return protocol.NormalizeJSON(data)
		}
	}
	if obj, ok := firstJSONObject(resp.Content); ok {
		return protocol.NormalizeJSON([]byte(obj))
	}
	return protocol.NormalizeJSON(nil)
}

func mergeType(tc ToolCall) map[string]interface{} {
	args := make(map[string]interface{}, len(tc.Arguments)+1)
	for k, v := range tc.Arguments {
		args[k] = v
	}
	return args
}

// firstJSONObject scans text for the first balanced top-level {...} object.
func firstJSONObject(text string) (string, bool) {
	depth := 0
	start := -1
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}
