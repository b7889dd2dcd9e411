//go:build ignore

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"skim-api/pkg/llm"
)

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

	res, err := client.Chat(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "You are a concise summarizer."},
			{Role: "user", Content: "Summarize why Go ships a race detector, in two sentences."},
		},
	})
	if err != nil {
		log.Fatalf("chat failed: %v", err)
	}
	if !res.OK() {
		log.Fatalf("chat failed: %s", res.ErrorMessage)
	}

	fmt.Printf("%s (model=%s attempts=%d)\n", res.Content, res.Model, res.Attempts)
}
