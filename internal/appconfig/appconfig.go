// internal/appconfig/appconfig.go
// Package appconfig manages loading and interpreting the training configuration.
package appconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// DefaultConfigPath is the default path to the training configuration file.
	DefaultConfigPath = "config/config.json"
	// defaultRequestTimeout is the default timeout for backend requests.
	defaultRequestTimeout = 600 * time.Second
	// DefaultMaxPatches caps the number of image patches fed to the encoder.
	DefaultMaxPatches = 3072
	// DefaultMaxLength is the fixed length of tokenized answers.
	DefaultMaxLength = 256
	// DefaultIgnoreID marks label positions excluded from the loss.
	DefaultIgnoreID = -100
	// DefaultPatchSize is the patch edge length in pixels.
	DefaultPatchSize = 16
	// DefaultMaxNewTokens bounds generation during evaluation.
	DefaultMaxNewTokens = 512
	defaultLearningRate = 1e-5
	defaultBatchSize    = 2
	defaultMaxEpochs    = 1
)

// Config represents the top-level training configuration.
type Config struct {
	TrainData      string  `json:"trainData" mapstructure:"trainData"`
	ValData        string  `json:"valData" mapstructure:"valData"`
	Tokenizer      string  `json:"tokenizer" mapstructure:"tokenizer"`
	Backend        Backend `json:"backend" mapstructure:"backend"`
	MaxPatches     int     `json:"maxPatches,omitempty" mapstructure:"maxPatches"`
	MaxLength      int     `json:"maxLength,omitempty" mapstructure:"maxLength"`
	IgnoreID       *int    `json:"ignoreId,omitempty" mapstructure:"ignoreId"`
	PatchSize      int     `json:"patchSize,omitempty" mapstructure:"patchSize"`
	TaskStartToken string  `json:"taskStartToken,omitempty" mapstructure:"taskStartToken"`
	PromptEndToken string  `json:"promptEndToken,omitempty" mapstructure:"promptEndToken"`
	SortJSONKey    *bool   `json:"sortJsonKey,omitempty" mapstructure:"sortJsonKey"`
	LearningRate   float64 `json:"learningRate,omitempty" mapstructure:"learningRate"`
	MaxEpochs      int     `json:"maxEpochs,omitempty" mapstructure:"maxEpochs"`
	BatchSize      int     `json:"batchSize,omitempty" mapstructure:"batchSize"`
	Workers        int     `json:"workers,omitempty" mapstructure:"workers"`
	MaxNewTokens   int     `json:"maxNewTokens,omitempty" mapstructure:"maxNewTokens"`
	Seed           int64   `json:"seed,omitempty" mapstructure:"seed"`
	Shuffle        bool    `json:"shuffle" mapstructure:"shuffle"`
	Verbose        bool    `json:"verbose" mapstructure:"verbose"`
	Debug          bool    `json:"debug" mapstructure:"debug"`
	Metrics        bool    `json:"metrics" mapstructure:"metrics"`
	MetricsFile    string  `json:"metricsFile,omitempty" mapstructure:"metricsFile"`
	ResultsDir     string  `json:"resultsDir,omitempty" mapstructure:"resultsDir"`
	LogFile        string  `json:"logFile,omitempty" mapstructure:"logFile"`
	ConfigPath     string  `json:"-" mapstructure:"-"`
}

// Backend describes the model server that owns the pretrained weights.
type Backend struct {
	Name           string `json:"name" mapstructure:"name"`
	Type           string `json:"type" mapstructure:"type"`
	URL            string `json:"url" mapstructure:"url"`
	TimeoutSeconds int    `json:"timeout,omitempty" mapstructure:"timeout"`
	Precision      string `json:"precision,omitempty" mapstructure:"precision"`
}

// RequestTimeout returns the timeout duration for backend requests, falling back to the default if not specified.
func (b Backend) RequestTimeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return defaultRequestTimeout
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// PatchPrecision returns "f16" or "f32". "f16", "float16" and "half" select
// half precision; anything else maps to "f32".
func (b Backend) PatchPrecision() string {
	switch strings.ToLower(strings.TrimSpace(b.Precision)) {
	case "f16", "float16", "half":
		return "f16"
	}
	return "f32"
}

// MaxPatchCount returns the configured patch budget or DefaultMaxPatches.
func (c Config) MaxPatchCount() int {
	if c.MaxPatches <= 0 {
		return DefaultMaxPatches
	}
	return c.MaxPatches
}

// MaxTokenLength returns the configured label length or DefaultMaxLength.
func (c Config) MaxTokenLength() int {
	if c.MaxLength <= 0 {
		return DefaultMaxLength
	}
	return c.MaxLength
}

// IgnoreLabel returns the configured ignore sentinel or DefaultIgnoreID.
func (c Config) IgnoreLabel() int32 {
	if c.IgnoreID == nil {
		return DefaultIgnoreID
	}
	return int32(*c.IgnoreID)
}

// PatchEdge returns the configured patch size or DefaultPatchSize.
func (c Config) PatchEdge() int {
	if c.PatchSize <= 0 {
		return DefaultPatchSize
	}
	return c.PatchSize
}

// SortKeys reports whether structured targets are serialized with sorted keys. Defaults to true.
func (c Config) SortKeys() bool {
	if c.SortJSONKey == nil {
		return true
	}
	return *c.SortJSONKey
}

// LR returns the optimizer learning rate.
func (c Config) LR() float64 {
	if c.LearningRate <= 0 {
		return defaultLearningRate
	}
	return c.LearningRate
}

// Epochs returns the number of training epochs.
func (c Config) Epochs() int {
	if c.MaxEpochs <= 0 {
		return defaultMaxEpochs
	}
	return c.MaxEpochs
}

// Batch returns the number of examples per step.
func (c Config) Batch() int {
	if c.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.BatchSize
}

// WorkerCount returns the number of goroutines encoding examples. Defaults to one.
func (c Config) WorkerCount() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// GenerationLimit returns the maximum number of generated tokens during evaluation.
func (c Config) GenerationLimit() int {
	if c.MaxNewTokens <= 0 {
		return DefaultMaxNewTokens
	}
	return c.MaxNewTokens
}

// LogFilePath returns the path to the application log file, applying a default if not set.
func (c Config) LogFilePath() string {
	if path := c.LogFile; strings.TrimSpace(path) != "" {
		return path
	}
	return "vqatrain.log"
}

// MetricsFilePath returns where aggregated metrics are persisted.
func (c Config) MetricsFilePath() string {
	if path := strings.TrimSpace(c.MetricsFile); path != "" {
		return path
	}
	return "reports/data/training_metrics.json"
}

// ResultsPath returns the directory that receives per-run prediction logs.
func (c Config) ResultsPath() string {
	if path := strings.TrimSpace(c.ResultsDir); path != "" {
		return path
	}
	return "vqaData/predictions"
}

// Validate checks the fields that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Tokenizer) == "" {
		errs = append(errs, errors.New("tokenizer path is required"))
	}
	if strings.TrimSpace(c.TrainData) == "" && strings.TrimSpace(c.ValData) == "" {
		errs = append(errs, errors.New("at least one of trainData or valData is required"))
	}
	if c.MaxPatches < 0 || c.MaxLength < 0 || c.BatchSize < 0 || c.Workers < 0 {
		errs = append(errs, errors.New("maxPatches, maxLength, batchSize and workers must not be negative"))
	}
	if c.IgnoreID != nil && *c.IgnoreID >= 0 {
		errs = append(errs, fmt.Errorf("ignoreId %d collides with real token ids; use a negative value", *c.IgnoreID))
	}
	if c.TaskStartToken == "" && c.PromptEndToken != "" {
		errs = append(errs, errors.New("promptEndToken requires taskStartToken"))
	}
	return errors.Join(errs...)
}

// Load reads the training configuration from the specified path.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	config, err := loadFromPath(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("no configuration file found at %q", path)
		}
		return Config{}, fmt.Errorf("could not read config file %q: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %q: %w", path, err)
	}
	config.ConfigPath = path
	return config, nil
}

// loadFromPath is a helper function that loads the configuration from a specific file path.
func loadFromPath(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return Config{}, err
	}
	if config.Backend.TimeoutSeconds <= 0 {
		config.Backend.TimeoutSeconds = int(defaultRequestTimeout.Seconds())
	}

	return config, nil
}
