//go:build ignore

package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"skim-api/pkg/llm"
)

type PageSummary struct {
	Title     string   `json:"title" jsonschema:"description=Short title for the page"`
	Summary   string   `json:"summary" jsonschema:"description=Two to three sentence summary"`
	KeyPoints []string `json:"key_points" jsonschema:"description=The main takeaways"`
}

func main() {
	cfg, err := llm.LoadConfig("../../etc/llm.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	client, err := llm.NewClient(cfg)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	req := &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "You summarize web pages into structured JSON."},
			{Role: "user", Content: "Summarize: Go 1.22 made for-loop variables per-iteration and added math/rand/v2."},
		},
	}

	var summary PageSummary
	res, err := client.ChatStructured(ctx, req, &summary)
	if err != nil {
		log.Fatalf("structured chat failed: %v", err)
	}
	if !res.OK() {
		log.Fatalf("structured chat failed: %s", res.ErrorMessage)
	}

	fmt.Printf("%s: %s\n- %s\n", summary.Title, summary.Summary, strings.Join(summary.KeyPoints, "\n- "))
}
