// Package modelclient implements the Model Client: an OpenAI-compatible
// chat/completions request/response client with image attachment and
// provider fallback (§4.3).
package modelclient

// Message is one turn of the conversation sent to the provider.
type Message struct {
	Role    string  `json:"role"` // "system", "user", "assistant"
	Content string  `json:"content"`
	Images  []Image `json:"images,omitempty"`
}

// Image is a base64-encoded screenshot attachment.
type Image struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolDefinition advertises the single "emit_action" function tool the
// Model Client asks providers to call, matching the canonical Action shape.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the JSON schema of the emit_action tool.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolCall is a tool invocation a provider asked the model to perform.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Usage tracks token consumption for the call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is the input to a Chat call.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Response is the result of a Chat call.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage
}

// EmitActionTool is the single tool definition offered to every call; its
// JSON schema mirrors the tagged Action variant in pkg/protocol.
var EmitActionTool = ToolDefinition{
	Type: "function",
	Function: ToolFunctionSchema{
		Name:        "emit_action",
		Description: "Emit exactly one UI action to execute next.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"type": map[string]interface{}{
					"type": "string",
					"enum": []string{
						"tap", "swipe", "type", "keyevent", "launch_app", "shell",
						"run_script", "request_human_auth", "wait", "finish",
					},
				},
			},
			"required": []string{"type"},
		},
	},
}
