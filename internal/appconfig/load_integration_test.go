// internal/appconfig/load_integration_test.go
package appconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultPath(t *testing.T) {
	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, "config")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}

	payload := `{
  "valData": "data/val.jsonl",
  "tokenizer": "models/tokenizer.json",
  "backend": { "name": "A", "url": "http://localhost:8900", "type": "remote" }
}`
	path := filepath.Join(configDir, "config.json")
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	oldCwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldCwd) })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ConfigPath != DefaultConfigPath {
		t.Fatalf("expected config path %q, got %q", DefaultConfigPath, cfg.ConfigPath)
	}
	if cfg.Backend.TimeoutSeconds != 600 {
		t.Fatalf("expected default timeout 600, got %d", cfg.Backend.TimeoutSeconds)
	}
}

func TestLoadShippedExample(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "config.example.json"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.TaskStartToken != "<s_docvqa>" || cfg.PromptEndToken != "" {
		t.Fatalf("unexpected task tokens %q/%q", cfg.TaskStartToken, cfg.PromptEndToken)
	}
	if !cfg.SortKeys() || cfg.Backend.PatchPrecision() != "f16" {
		t.Fatalf("unexpected example values: %+v", cfg)
	}
	if cfg.Epochs() != 3 || cfg.Batch() != 2 || cfg.WorkerCount() != 4 {
		t.Fatalf("unexpected loop settings: %+v", cfg)
	}
}
