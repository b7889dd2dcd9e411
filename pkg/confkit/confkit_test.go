package confkit_test

import (
	"os"
	"path/filepath"
	"testing"

	"skim-api/pkg/confkit"
)

func TestResolvePath(t *testing.T) {
	t.Setenv("CONFKIT_TEST_DIR", "expanded")

	tests := []struct {
		name     string
		base     string
		file     string
		expected string
	}{
		{
			name:     "absolute path",
			base:     "/srv/skim",
			file:     "/etc/skim/llm.yaml",
			expected: "/etc/skim/llm.yaml",
		},
		{
			name:     "relative path",
			base:     "/srv/skim",
			file:     "etc/llm.yaml",
			expected: "/srv/skim/etc/llm.yaml",
		},
		{
			name:     "relative path with env var",
			base:     "/srv/skim",
			file:     "${CONFKIT_TEST_DIR}/llm.yaml",
			expected: "/srv/skim/expanded/llm.yaml",
		},
		{
			name:     "absolute path with env var",
			base:     "/srv/skim",
			file:     "/opt/${CONFKIT_TEST_DIR}/llm.yaml",
			expected: "/opt/expanded/llm.yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := confkit.ResolvePath(tt.base, tt.file); got != tt.expected {
				t.Errorf("ResolvePath() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBaseDir(t *testing.T) {
	tests := []struct {
		name     string
		mainPath string
		expected string
	}{
		{name: "nested path", mainPath: "/etc/skim/skim.yaml", expected: "/etc/skim"},
		{name: "root path", mainPath: "/skim.yaml", expected: "/"},
		{name: "relative path", mainPath: "etc/skim.yaml", expected: "etc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := confkit.BaseDir(tt.mainPath); got != tt.expected {
				t.Errorf("BaseDir() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	type sample struct {
		Name  string `json:"Name"`
		Count int    `json:"Count,default=3"`
	}

	path := filepath.Join(t.TempDir(), "sample.yaml")
	if err := os.WriteFile(path, []byte("Name: skim\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := confkit.LoadFile[sample](path, false)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Name != "skim" {
		t.Errorf("Name = %q, want %q", cfg.Name, "skim")
	}
	if cfg.Count != 3 {
		t.Errorf("Count = %d, want default 3", cfg.Count)
	}

	if _, err := confkit.LoadFile[sample](filepath.Join(t.TempDir(), "missing.yaml"), false); err == nil {
		t.Error("LoadFile() on missing file should error")
	}
}

func TestSection_Hydrate(t *testing.T) {
	t.Run("empty file", func(t *testing.T) {
		section := &confkit.Section[string]{}
		err := section.Hydrate("/base", func(path string) (*string, error) {
			t.Error("loader should not be called for empty file")
			return nil, nil
		})
		if err != nil {
			t.Errorf("Hydrate() with empty file should not error, got: %v", err)
		}
		if section.Value != nil {
			t.Error("Value should remain nil for empty file")
		}
	})

	t.Run("successful hydration", func(t *testing.T) {
		section := &confkit.Section[string]{File: "llm.yaml"}
		expected := "hydrated"

		err := section.Hydrate("/base", func(path string) (*string, error) {
			if path != "/base/llm.yaml" {
				t.Errorf("loader received path %v, want /base/llm.yaml", path)
			}
			return &expected, nil
		})

		if err != nil {
			t.Errorf("Hydrate() error = %v, want nil", err)
		}
		if section.Value == nil || *section.Value != expected {
			t.Errorf("Value = %v, want %v", section.Value, expected)
		}
		if section.File != "/base/llm.yaml" {
			t.Errorf("File = %v, want /base/llm.yaml", section.File)
		}
	})
}
