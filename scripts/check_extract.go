package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"skim-api/internal/config"
)

type extractReq struct {
	URL string `json:"url"`
}

func queryExtract(base, apiKey, pageURL string) (map[string]any, error) {
	body, _ := json.Marshal(extractReq{URL: pageURL})
	req, _ := http.NewRequest(http.MethodPost, strings.TrimRight(base, "/")+"/extract", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	c := &http.Client{Timeout: 15 * time.Second}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{"raw": string(b), "status": resp.Status}, nil
	}
	out["http_status"] = resp.Status
	return out, nil
}

func main() {
	// Loads .env and validates etc/extract.yaml before reading env vars.
	cfg := config.MustLoadExtract()

	pageURL := "https://go.dev/blog/error-handling-and-go"
	if len(os.Args) > 1 {
		pageURL = os.Args[1]
	}

	fmt.Printf("Extract service: %s\n", cfg.BaseURL)
	fmt.Printf("Test URL:        %s\n\n", pageURL)

	m, err := queryExtract(cfg.BaseURL, cfg.APIKey, pageURL)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		fmt.Println("Is the extraction service running? See etc/extract.yaml for the configured address.")
		os.Exit(1)
	}

	fmt.Printf("Status: %v\n", m["http_status"])
	if title, ok := m["title"]; ok {
		fmt.Printf("Title: %v\n", title)
	}
	if site, ok := m["site_name"]; ok {
		fmt.Printf("Site: %v\n", site)
	}
	if wc, ok := m["word_count"]; ok {
		fmt.Printf("Word count: %v\n", wc)
	}
	if content, ok := m["content"].(string); ok {
		preview := content
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		fmt.Printf("Content preview: %s\n", preview)
	}
	if raw, ok := m["raw"]; ok {
		fmt.Printf("Raw response: %v\n", raw)
	}
}
