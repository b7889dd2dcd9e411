package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	// maxContentBytes caps the combined message content accepted per request.
	maxContentBytes = 4 << 20

	compressionTransform = "middle-out"
	redactedValue        = "[redacted]"
)

var allowedRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
}

// requestBuilder turns a validated ChatRequest into outbound headers and
// body for one model and format mode.
type requestBuilder struct {
	cfg *Config
}

func newRequestBuilder(cfg *Config) *requestBuilder {
	return &requestBuilder{cfg: cfg}
}

// validate checks the request shape before any network use. The error names
// the offending field.
func (b *requestBuilder) validate(req *ChatRequest) error {
	if len(req.Messages) == 0 {
		return validationErr("messages", "must contain at least one message")
	}
	total := 0
	for i, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			return validationErr(fmt.Sprintf("messages[%d].content", i), "must not be empty")
		}
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role != "" {
			if _, ok := allowedRoles[role]; !ok {
				return validationErr(fmt.Sprintf("messages[%d].role", i), "unsupported role %q", m.Role)
			}
		}
		total += len(m.Content)
	}
	if total > maxContentBytes {
		return validationErr("messages", "combined content exceeds %d bytes", maxContentBytes)
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return validationErr("temperature", "must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1) {
		return validationErr("top_p", "must be within (0, 1]")
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return validationErr("max_tokens", "must be positive")
	}
	if rf := req.ResponseFormat; rf != nil {
		if rf.Mode != "" && !validFormatMode(rf.Mode) {
			return validationErr("response_format.mode", "must be one of schema, json_object, none")
		}
		if rf.Mode == FormatSchema && rf.Schema == nil {
			return validationErr("response_format.schema", "required when mode is schema")
		}
	}
	return nil
}

// headers builds the outbound header set. The Authorization value never goes
// into logs or error contexts; use redactHeaders for those.
func (b *requestBuilder) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+b.cfg.APIKey)
	h.Set("Content-Type", "application/json")
	if b.cfg.Referer != "" {
		h.Set("HTTP-Referer", b.cfg.Referer)
	}
	if b.cfg.AppTitle != "" {
		h.Set("X-Title", b.cfg.AppTitle)
	}
	return h
}

// redactHeaders projects headers for diagnostics with credentials masked.
func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, vals := range h {
		v := strings.Join(vals, ", ")
		if strings.EqualFold(name, "Authorization") {
			if strings.HasPrefix(v, "Bearer ") {
				v = "Bearer " + redactedValue
			} else {
				v = redactedValue
			}
		}
		out[name] = v
	}
	return out
}

// shouldCompress reports whether the combined content crosses the configured
// compression threshold. Decided once per call, not per attempt.
func (b *requestBuilder) shouldCompress(req *ChatRequest) bool {
	if b.cfg.CompressionThreshold <= 0 {
		return false
	}
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
		if total > b.cfg.CompressionThreshold {
			return true
		}
	}
	return false
}

type chatPayload struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      *int           `json:"max_tokens,omitempty"`
	TopP           *float64       `json:"top_p,omitempty"`
	ResponseFormat *formatPayload `json:"response_format,omitempty"`
	Transforms     []string       `json:"transforms,omitempty"`
	Provider       *providerPrefs `json:"provider,omitempty"`
	Route          string         `json:"route,omitempty"`
}

type formatPayload struct {
	Type       string         `json:"type"`
	JSONSchema *schemaPayload `json:"json_schema,omitempty"`
}

type schemaPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Strict      *bool  `json:"strict,omitempty"`
	Schema      any    `json:"schema"`
}

type providerPrefs struct {
	RequireParameters bool `json:"require_parameters,omitempty"`
}

// build serializes the request body for one attempt. alternate flips the
// secondary routing parameter used to steer around flaky upstreams.
func (b *requestBuilder) build(model string, req *ChatRequest, mode FormatMode, compress, alternate bool) ([]byte, error) {
	payload := chatPayload{
		Model:       model,
		Messages:    sanitizeMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
	}
	payload.ResponseFormat = formatFor(mode, req.ResponseFormat)
	if compress {
		payload.Transforms = []string{compressionTransform}
	}
	if b.cfg.RequireParameterValidation {
		payload.Provider = &providerPrefs{RequireParameters: true}
	}
	if alternate {
		payload.Route = "fallback"
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}
	return data, nil
}

// sanitizeMessages normalizes roles without touching content or order.
func sanitizeMessages(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role == "" {
			role = "user"
		}
		out = append(out, Message{Role: role, Content: m.Content, Name: m.Name})
	}
	return out
}

func formatFor(mode FormatMode, rf *ResponseFormat) *formatPayload {
	switch mode {
	case FormatSchema:
		name := "schema"
		payload := &schemaPayload{}
		if rf != nil {
			if strings.TrimSpace(rf.Name) != "" {
				name = rf.Name
			}
			payload.Description = rf.Description
			payload.Strict = rf.Strict
			payload.Schema = rf.Schema
		}
		payload.Name = name
		return &formatPayload{Type: "json_schema", JSONSchema: payload}
	case FormatJSONObject:
		return &formatPayload{Type: "json_object"}
	default:
		return nil
	}
}
