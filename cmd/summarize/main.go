package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"skim-api/internal/cli"
	"skim-api/internal/config"
	"skim-api/internal/model"
	"skim-api/internal/svc"
	summarizepkg "skim-api/pkg/summarize"
)

func fatalf(format string, args ...interface{}) {
	logx.Errorf(format, args...)
	os.Exit(1)
}

func main() {
	var (
		configFile = flag.String("f", "etc/skim-api.yaml", "the config file")
		pageURL    = flag.String("url", "", "web page to summarize")
		text       = flag.String("text", "", "raw text to summarize instead of a URL; use - to read stdin")
		asJSON     = flag.Bool("json", false, "emit the result as JSON")
		timeout    = flag.Duration("timeout", 2*time.Minute, "deadline for the whole run")
		recent     = flag.Int("recent", 0, "list the N most recent stored summaries instead of summarizing")
	)
	flag.Parse()
	logx.DisableStat()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fatalf("load config: %v", err)
	}
	cfg.MustSetUp()
	if *asJSON {
		// Keep stdout clean for the JSON payload.
		logx.SetLevel(logx.ErrorLevel)
	}
	cli.LogConfigSummary(cfg)

	svcCtx := svc.NewServiceContext(*cfg, cfg.MainPath())
	if svcCtx.LLMClient != nil {
		defer func() {
			_ = svcCtx.LLMClient.Close()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if *recent > 0 {
		if svcCtx.Repos == nil {
			fatalf("-recent needs Postgres; set Postgres.DSN in %s", *configFile)
		}
		records, listErr := svcCtx.Repos.Summaries.Recent(ctx, *recent)
		if listErr != nil {
			fatalf("list recent summaries: %v", listErr)
		}
		printRecent(records, *asJSON)
		return
	}

	if svcCtx.Summarizer == nil {
		fatalf("summarizer unavailable; configure the LLM section in %s", *configFile)
	}

	input := *text
	if input == "-" {
		raw, readErr := io.ReadAll(os.Stdin)
		if readErr != nil {
			fatalf("read stdin: %v", readErr)
		}
		input = string(raw)
	}

	started := time.Now()
	var sum *summarizepkg.Summary
	switch {
	case strings.TrimSpace(*pageURL) != "":
		sum, err = svcCtx.Summarizer.SummarizeURL(ctx, strings.TrimSpace(*pageURL))
	case strings.TrimSpace(input) != "":
		sum, err = svcCtx.Summarizer.SummarizeText(ctx, input)
	default:
		fatalf("nothing to summarize; pass -url or -text (or -recent to list stored summaries)")
	}
	if err != nil {
		fatalf("summarize: %v", err)
	}
	logx.Infof("summary %s produced by model %s in %s", sum.RequestID, sum.Model, time.Since(started).Round(time.Millisecond))

	if *asJSON {
		printJSON(sum)
		return
	}
	printSummary(sum)
}

func printSummary(sum *summarizepkg.Summary) {
	fmt.Printf("Title: %s\n", sum.Title)
	fmt.Printf("TLDR:  %s\n", sum.TLDR)
	if len(sum.KeyPoints) > 0 {
		fmt.Println()
		fmt.Println("Key points:")
		for i, point := range sum.KeyPoints {
			fmt.Printf("  %d. %s\n", i+1, point)
		}
	}
	if len(sum.Topics) > 0 {
		fmt.Println()
		fmt.Printf("Topics: %s\n", strings.Join(sum.Topics, ", "))
	}
	if src := formatSource(sum.Source); src != "" {
		fmt.Printf("Source: %s\n", src)
	}
	fmt.Printf("Model: %s  Request: %s\n", sum.Model, sum.RequestID)
}

func formatSource(src summarizepkg.Source) string {
	if src.URL == "" {
		return ""
	}
	notes := make([]string, 0, 4)
	if src.SiteName != "" {
		notes = append(notes, src.SiteName)
	}
	if src.WordCount > 0 {
		notes = append(notes, fmt.Sprintf("%d words", src.WordCount))
	}
	if src.FromCache {
		notes = append(notes, "cached")
	}
	if src.Clipped {
		notes = append(notes, "clipped")
	}
	if len(notes) == 0 {
		return src.URL
	}
	return fmt.Sprintf("%s (%s)", src.URL, strings.Join(notes, ", "))
}

func printRecent(records []model.SummaryRecord, asJSON bool) {
	if asJSON {
		printJSON(records)
		return
	}
	if len(records) == 0 {
		fmt.Println("No stored summaries yet.")
		return
	}
	for _, rec := range records {
		line := fmt.Sprintf("%s  %s  %s", rec.CreatedAt.Format(time.RFC3339), rec.RequestID, rec.Title)
		if rec.URL != nil {
			line += "  " + *rec.URL
		}
		fmt.Println(line)
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode json: %v", err)
	}
	fmt.Println(string(data))
}
