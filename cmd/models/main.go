package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"skim-api/internal/config"
	"skim-api/pkg/confkit"
	llmpkg "skim-api/pkg/llm"
)

func fatalf(format string, args ...interface{}) {
	logx.Errorf(format, args...)
	os.Exit(1)
}

func main() {
	var (
		llmPath    = flag.String("llm-config", "", "path to llm client configuration; defaults to etc/llm.yaml under the project root")
		timeout    = flag.Duration("timeout", 30*time.Second, "deadline for the provider listing call")
		structOnly = flag.Bool("structured", false, "only show models with structured output support")
		filter     = flag.String("filter", "", "substring filter on model ids")
	)
	flag.Parse()
	logx.MustSetup(logx.LogConf{})
	logx.DisableStat()

	confkit.LoadDotenvOnce()

	llmCfg, err := loadLLMConfig(*llmPath)
	if err != nil {
		fatalf("load llm config: %v", err)
	}
	client, err := llmpkg.NewClient(llmCfg)
	if err != nil {
		fatalf("initialise llm client: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	models, err := client.ListModels(ctx)
	if err != nil {
		fatalf("list models: %v", err)
	}

	printChain(client, llmCfg)
	printModels(models, *filter, *structOnly)
}

// loadLLMConfig reads path, or the project default when path is empty.
func loadLLMConfig(path string) (*llmpkg.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.MustLoadLLM(), nil
	}
	return llmpkg.LoadConfig(path)
}

// printChain shows the configured candidate order and what the registry
// keeps of it once structured output is required.
func printChain(client *llmpkg.Client, cfg *llmpkg.Config) {
	reg := client.Capabilities()

	chain := append([]string{cfg.Model}, cfg.FallbackModels...)
	fmt.Printf("Configured chain:  %s\n", strings.Join(chain, " -> "))

	structured := reg.FallbackList(cfg.Model, cfg.FallbackModels, true)
	fmt.Printf("Structured chain:  %s\n\n", strings.Join(structured, " -> "))

	for _, id := range chain {
		supported, known := reg.SupportsStructured(id)
		state := "text only"
		switch {
		case !known:
			state = "capability unknown"
		case supported:
			state = "structured ok"
		}
		fmt.Printf("  %-44s %s\n", id, state)
	}
	fmt.Println()
}

func printModels(models []llmpkg.ModelInfo, filter string, structOnly bool) {
	sort.Slice(models, func(i, j int) bool {
		return models[i].ID < models[j].ID
	})

	shown := 0
	for _, m := range models {
		if filter != "" && !strings.Contains(m.ID, filter) {
			continue
		}
		if structOnly && !m.SupportsStructured {
			continue
		}
		marker := " "
		if m.SupportsStructured {
			marker = "*"
		}
		fmt.Printf("%s %-44s %9s  %s\n", marker, m.ID, formatContext(m.ContextLength), m.Name)
		shown++
	}
	fmt.Printf("\n%d of %d models shown (* = structured output support)\n", shown, len(models))
}

func formatContext(n int) string {
	if n <= 0 {
		return "-"
	}
	if n >= 1000 {
		return fmt.Sprintf("%dk", n/1000)
	}
	return fmt.Sprintf("%d", n)
}
