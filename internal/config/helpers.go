package config

import (
	"fmt"
	"path/filepath"

	"skim-api/pkg/confkit"
	"skim-api/pkg/extract"
	"skim-api/pkg/llm"
	"skim-api/pkg/summarize"
)

// MustLoadLLM loads etc/llm.yaml from the project root and panics on error.
func MustLoadLLM() *llm.Config {
	root := confkit.MustProjectRoot()
	path := filepath.Join(root, "etc", "llm.yaml")
	cfg, err := llm.LoadConfig(path)
	if err != nil {
		panic(fmt.Errorf("load llm config %s: %w", path, err))
	}
	return cfg
}

// MustLoadExtract loads the default extraction configuration and panics on error.
func MustLoadExtract() *extract.Config {
	return extract.MustLoad()
}

// MustLoadSummarize loads the default summarize configuration and panics on error.
func MustLoadSummarize() *summarize.Config {
	return summarize.MustLoad()
}
