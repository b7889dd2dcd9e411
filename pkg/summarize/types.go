package summarize

import (
	"strings"
	"time"
)

// Source describes where the summarized text came from.
type Source struct {
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	SiteName  string `json:"site_name,omitempty"`
	WordCount int    `json:"word_count,omitempty"`
	FromCache bool   `json:"from_cache,omitempty"`
	Clipped   bool   `json:"clipped,omitempty"`
}

// Summary is the validated product of a summarize run.
type Summary struct {
	RequestID  string    `json:"request_id"`
	Source     Source    `json:"source"`
	Title      string    `json:"title"`
	TLDR       string    `json:"tldr"`
	KeyPoints  []string  `json:"key_points"`
	Topics     []string  `json:"topics,omitempty"`
	Language   string    `json:"language,omitempty"`
	Model      string    `json:"model,omitempty"`
	Structured bool      `json:"structured"`
	CreatedAt  time.Time `json:"created_at"`
}

// summaryContract is the schema shape requested from the model. Descriptions
// feed the generated JSON schema.
type summaryContract struct {
	Title     string   `json:"title" jsonschema:"description=Short descriptive title for the text"`
	TLDR      string   `json:"tldr" jsonschema:"description=One or two sentence summary"`
	KeyPoints []string `json:"key_points" jsonschema:"description=Main points ordered by importance"`
	Topics    []string `json:"topics" jsonschema:"description=Short lowercase topic labels"`
	Language  string   `json:"language" jsonschema:"description=BCP 47 language tag of the source text"`
}

// promptInputs is the data handed to the summarize template.
type promptInputs struct {
	URL       string
	Title     string
	SiteName  string
	Style     string
	Language  string
	MaxPoints int
	Content   string
}

// clipContent truncates text to at most max runes. max <= 0 disables clipping.
func clipContent(text string, max int) (string, bool) {
	if max <= 0 {
		return text, false
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text, false
	}
	return string(runes[:max]), true
}

// cleanList trims entries, drops empties and caps the result at max.
func cleanList(items []string, max int) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
		if max > 0 && len(out) == max {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
