// internal/appconfig/appconfig_test.go
package appconfig

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestLoad verifies that a valid configuration file is loaded with defaults
// applied, while files with invalid JSON, missing required fields, or that
// are nonexistent result in an error.
func TestLoad(t *testing.T) {
	validConfig := `{
        "trainData": "data/train.json",
        "valData": "data/val.json",
        "tokenizer": "models/pix2struct/tokenizer.json",
        "backend": {"name": "local", "type": "remote", "url": "http://localhost:8089"}
    }`

	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() with valid config failed: %v", err)
	}
	if cfg.ConfigPath != path {
		t.Fatalf("expected config path %q, got %q", path, cfg.ConfigPath)
	}
	if cfg.Backend.TimeoutSeconds != 600 {
		t.Fatalf("expected default timeout of 600 seconds, got %d", cfg.Backend.TimeoutSeconds)
	}
	if cfg.Backend.RequestTimeout() != 600*time.Second {
		t.Fatalf("expected default request timeout of 600s, got %v", cfg.Backend.RequestTimeout())
	}
	if cfg.MaxPatchCount() != 3072 || cfg.MaxTokenLength() != 256 || cfg.IgnoreLabel() != -100 {
		t.Fatalf("unexpected dataset defaults: patches=%d length=%d ignore=%d", cfg.MaxPatchCount(), cfg.MaxTokenLength(), cfg.IgnoreLabel())
	}
	if !cfg.SortKeys() {
		t.Fatal("expected sortJsonKey to default to true")
	}
	if cfg.GenerationLimit() != 512 {
		t.Fatalf("expected default max new tokens of 512, got %d", cfg.GenerationLimit())
	}
	if cfg.Backend.PatchPrecision() != "f32" {
		t.Fatalf("expected f32 precision, got %s", cfg.Backend.PatchPrecision())
	}

	if _, err := Load(writeConfig(t, `{ "trainData": [`)); err == nil {
		t.Fatal("Load() with invalid JSON should have failed")
	}

	if _, err := Load(writeConfig(t, `{ "trainData": "train.json" }`)); err == nil {
		t.Fatal("Load() without a tokenizer should have failed")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "nonexistent.json")); err == nil {
		t.Fatal("Load() with nonexistent file should have failed")
	}
}

func TestValidateRejectsNonNegativeIgnoreID(t *testing.T) {
	zero := 0
	cfg := Config{Tokenizer: "tok.json", TrainData: "train.json", IgnoreID: &zero}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "ignoreId 0") {
		t.Fatalf("expected ignoreId validation error, got %v", err)
	}

	cfg = Config{Tokenizer: "tok.json", TrainData: "train.json", PromptEndToken: "<s_answer>"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected promptEndToken without taskStartToken to fail")
	}
}

func TestOverridesTakePrecedence(t *testing.T) {
	ignore := -1
	sortKeys := false
	cfg := Config{
		MaxPatches:   1024,
		MaxLength:    64,
		IgnoreID:     &ignore,
		SortJSONKey:  &sortKeys,
		LearningRate: 3e-4,
		BatchSize:    8,
		Workers:      4,
		Backend:      Backend{Precision: "F16", TimeoutSeconds: 5},
	}
	if cfg.MaxPatchCount() != 1024 || cfg.MaxTokenLength() != 64 || cfg.IgnoreLabel() != -1 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.SortKeys() {
		t.Fatal("expected sortJsonKey override to be honored")
	}
	if cfg.LR() != 3e-4 || cfg.Batch() != 8 || cfg.WorkerCount() != 4 {
		t.Fatalf("unexpected optimizer/loader values: lr=%g batch=%d workers=%d", cfg.LR(), cfg.Batch(), cfg.WorkerCount())
	}
	if cfg.Backend.PatchPrecision() != "f16" || cfg.Backend.RequestTimeout() != 5*time.Second {
		t.Fatalf("unexpected backend values: %+v", cfg.Backend)
	}
}

func TestShowConfig(t *testing.T) {
	var buf bytes.Buffer
	ShowConfig(&buf, "", nil)
	out := buf.String()
	if !strings.Contains(out, "No config file loaded") {
		t.Fatalf("expected defaults notice, got: %s", out)
	}
	if !strings.Contains(out, "Max Patches:      3072") {
		t.Fatalf("expected default patch budget, got: %s", out)
	}
}
