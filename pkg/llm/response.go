package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// snippetLimit caps how much provider body is kept in diagnostics.
const snippetLimit = 512

// completionEnvelope is the typed view of a provider completion body. Every
// field is optional; providers disagree on where the text lives and what
// usage they report.
type completionEnvelope struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Choices []choiceEnvelope `json:"choices"`
	Usage   *usageEnvelope   `json:"usage"`
	Content string           `json:"content"`
	Text    string           `json:"text"`
	Error   *errorEnvelope   `json:"error"`
}

type choiceEnvelope struct {
	Index              int              `json:"index"`
	Message            *messageEnvelope `json:"message"`
	Text               string           `json:"text"`
	FinishReason       string           `json:"finish_reason"`
	NativeFinishReason string           `json:"native_finish_reason"`
}

type messageEnvelope struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usageEnvelope struct {
	PromptTokens     *int     `json:"prompt_tokens"`
	CompletionTokens *int     `json:"completion_tokens"`
	TotalTokens      *int     `json:"total_tokens"`
	Cost             *float64 `json:"cost"`
}

type errorEnvelope struct {
	Message string   `json:"message"`
	Code    flexCode `json:"code"`
}

// flexCode tolerates providers sending the error code as number or string.
type flexCode string

func (c *flexCode) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = flexCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*c = flexCode(n.String())
		return nil
	}
	*c = flexCode(strings.Trim(string(data), `"`))
	return nil
}

func (c flexCode) Int() int {
	n, err := strconv.Atoi(string(c))
	if err != nil {
		return 0
	}
	return n
}

func decodeCompletion(raw []byte) (*completionEnvelope, error) {
	var env completionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("llm: decode completion: %w", err)
	}
	return &env, nil
}

// text returns the first completion text found across known shapes:
// choices[0].message.content, choices[0].text, then the top-level fields.
func (e *completionEnvelope) text() string {
	if e == nil {
		return ""
	}
	if len(e.Choices) > 0 {
		c := e.Choices[0]
		if c.Message != nil && c.Message.Content != "" {
			return c.Message.Content
		}
		if c.Text != "" {
			return c.Text
		}
	}
	if e.Content != "" {
		return e.Content
	}
	return e.Text
}

func (e *completionEnvelope) tokenCounts() (prompt, completion, total int) {
	if e == nil || e.Usage == nil {
		return 0, 0, 0
	}
	prompt = intValue(e.Usage.PromptTokens)
	completion = intValue(e.Usage.CompletionTokens)
	total = intValue(e.Usage.TotalTokens)
	if total == 0 {
		total = prompt + completion
	}
	return prompt, completion, total
}

// truncated reports whether the completion was cut off, with the finish
// reason and the provider-native finish reason. Pure body inspection.
func (e *completionEnvelope) truncated() (cut bool, finishReason, nativeFinishReason string) {
	if e == nil || len(e.Choices) == 0 {
		return false, "", ""
	}
	fr := e.Choices[0].FinishReason
	nfr := e.Choices[0].NativeFinishReason
	if strings.EqualFold(fr, "length") {
		return true, fr, nfr
	}
	if strings.EqualFold(nfr, "length") || strings.Contains(strings.ToUpper(nfr), "MAX_TOKENS") {
		return true, fr, nfr
	}
	return false, fr, nfr
}

// estimateCost prefers the provider-reported figure verbatim; otherwise it
// derives one from both token counts and configured per-1k prices;
// otherwise nil.
func estimateCost(e *completionEnvelope, model string, prices map[string]ModelPrice) *float64 {
	if e == nil || e.Usage == nil {
		return nil
	}
	if e.Usage.Cost != nil {
		v := *e.Usage.Cost
		return &v
	}
	if e.Usage.PromptTokens == nil || e.Usage.CompletionTokens == nil {
		return nil
	}
	price, ok := prices[model]
	if !ok {
		return nil
	}
	v := float64(*e.Usage.PromptTokens)/1000*price.PromptPer1K +
		float64(*e.Usage.CompletionTokens)/1000*price.CompletionPer1K
	return &v
}

// validateStructured checks the structured-output contract: after trimming
// and unwrapping one markdown fence the text must parse as a JSON object or
// array. No repair beyond that normalization is attempted.
func validateStructured(text string, mode FormatMode) (ok bool, normalized string) {
	if !mode.Structured() {
		return true, text
	}
	n := normalizeStructuredText(text)
	if n == "" || (n[0] != '{' && n[0] != '[') {
		return false, text
	}
	if !json.Valid([]byte(n)) {
		return false, text
	}
	return true, n
}

func normalizeStructuredText(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

// parseErrorBody extracts the provider error message and code from an error
// response, falling back to a raw snippet.
func parseErrorBody(raw []byte) (message, code string) {
	var env struct {
		Error *errorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message, string(env.Error.Code)
	}
	return snippet(raw), ""
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > snippetLimit {
		s = s[:snippetLimit]
	}
	return s
}

func intValue(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
