package llm

import (
	"strings"
	"time"
)

// FormatMode names the structured-output contract requested from a model.
// Within a single model's attempt loop the mode only moves toward looser
// contracts; it resets to the caller's mode when the next model is tried.
type FormatMode string

const (
	// FormatSchema constrains the completion to a JSON schema.
	FormatSchema FormatMode = "schema"
	// FormatJSONObject requires any syntactically valid JSON object.
	FormatJSONObject FormatMode = "json_object"
	// FormatNone leaves the completion unconstrained.
	FormatNone FormatMode = "none"
)

// Structured reports whether the mode carries a JSON contract.
func (m FormatMode) Structured() bool {
	return m == FormatSchema || m == FormatJSONObject
}

// Downgrade returns the next looser mode. ok is false at FormatNone.
func (m FormatMode) Downgrade() (FormatMode, bool) {
	switch m {
	case FormatSchema:
		return FormatJSONObject, true
	case FormatJSONObject:
		return FormatNone, true
	default:
		return m, false
	}
}

func validFormatMode(m FormatMode) bool {
	switch m {
	case FormatSchema, FormatJSONObject, FormatNone:
		return true
	}
	return false
}

// Message represents a chat message in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest describes a single logical chat invocation. Model overrides the
// configured primary when set; RequestID is an opaque correlation value that
// travels into the terminal result untouched.
type ChatRequest struct {
	Model          string          `json:"model,omitempty"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat describes the structured-output contract for a request.
// An empty Mode is inferred: schema when Schema is set, otherwise the
// configured default mode.
type ResponseFormat struct {
	Mode        FormatMode `json:"mode,omitempty"`
	Schema      any        `json:"schema,omitempty"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Strict      *bool      `json:"strict,omitempty"`
}

// CallStatus tells success from failure on a terminal result.
type CallStatus string

const (
	CallOK    CallStatus = "ok"
	CallError CallStatus = "error"
)

// CallResult is the single terminal outcome of a Chat invocation. Model holds
// the provider-reported model when available; providers substitute silently,
// so it can differ from every requested candidate.
type CallResult struct {
	Status           CallStatus    `json:"status"`
	Model            string        `json:"model"`
	Content          string        `json:"content,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Cost             *float64      `json:"cost,omitempty"`
	Latency          time.Duration `json:"latency"`
	Attempts         int           `json:"attempts"`
	FormatMode       FormatMode    `json:"format_mode"`
	StructuredUsed   bool          `json:"structured_used"`
	StructuredValid  bool          `json:"structured_valid"`
	RequestID        string        `json:"request_id,omitempty"`
	ErrorMessage     string        `json:"error,omitempty"`
	ErrorContext     *ErrorContext `json:"error_context,omitempty"`
}

// OK reports whether the call produced a usable completion.
func (r *CallResult) OK() bool {
	return r != nil && r.Status == CallOK
}

// ErrorContext carries the diagnostics of the last failed attempt. Headers is
// the redacted projection of the outbound headers; the API key never appears.
type ErrorContext struct {
	StatusCode     int               `json:"status_code,omitempty"`
	Message        string            `json:"message,omitempty"`
	ProviderError  string            `json:"provider_error,omitempty"`
	Model          string            `json:"model,omitempty"`
	PartialContent string            `json:"partial_content,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// ModelInfo is one entry of the provider's model listing.
type ModelInfo struct {
	ID                 string `json:"id"`
	Name               string `json:"name,omitempty"`
	ContextLength      int    `json:"context_length,omitempty"`
	SupportsStructured bool   `json:"supports_structured"`
}

const modelSeparator = "/"

// ParseModelID splits a fully qualified model string into provider and name.
func ParseModelID(model string) (provider, name string) {
	parts := strings.SplitN(model, modelSeparator, 2)
	if len(parts) != 2 {
		return "", model
	}
	return parts[0], parts[1]
}
