// internal/appconfig/show.go
package appconfig

import (
	"fmt"
	"io"
)

// ShowConfig prints the current configuration summary with defaults applied.
func ShowConfig(out io.Writer, file string, cfg *Config) {
	if file == "" {
		fmt.Fprintln(out, "No config file loaded (using defaults).")
	} else {
		fmt.Fprintf(out, "Config file: %s\n\n", file)
	}

	fmt.Fprintln(out, "Current configuration:")
	if cfg == nil {
		cfg = &Config{}
	}

	fmt.Fprintf(out, "  Train Data:       %s\n", cfg.TrainData)
	fmt.Fprintf(out, "  Val Data:         %s\n", cfg.ValData)
	fmt.Fprintf(out, "  Tokenizer:        %s\n", cfg.Tokenizer)
	fmt.Fprintf(out, "  Backend:          %s %s (%s, %s)\n", cfg.Backend.Type, cfg.Backend.URL, cfg.Backend.RequestTimeout(), cfg.Backend.PatchPrecision())
	fmt.Fprintf(out, "  Max Patches:      %d\n", cfg.MaxPatchCount())
	fmt.Fprintf(out, "  Patch Size:       %d\n", cfg.PatchEdge())
	fmt.Fprintf(out, "  Max Length:       %d\n", cfg.MaxTokenLength())
	fmt.Fprintf(out, "  Ignore ID:        %d\n", cfg.IgnoreLabel())
	fmt.Fprintf(out, "  Sort JSON Keys:   %v\n", cfg.SortKeys())
	fmt.Fprintf(out, "  Learning Rate:    %g\n", cfg.LR())
	fmt.Fprintf(out, "  Epochs:           %d\n", cfg.Epochs())
	fmt.Fprintf(out, "  Batch Size:       %d\n", cfg.Batch())
	fmt.Fprintf(out, "  Workers:          %d\n", cfg.WorkerCount())
	fmt.Fprintf(out, "  Max New Tokens:   %d\n", cfg.GenerationLimit())
	fmt.Fprintf(out, "  Verbose:          %v\n", cfg.Verbose)
	fmt.Fprintf(out, "  Debug:            %v\n", cfg.Debug)
	fmt.Fprintf(out, "  Metrics:          %v (%s)\n", cfg.Metrics, cfg.MetricsFilePath())
	fmt.Fprintf(out, "  Results Dir:      %s\n", cfg.ResultsPath())
	fmt.Fprintf(out, "  Log File:         %s\n", cfg.LogFilePath())
	if cfg.TaskStartToken != "" {
		fmt.Fprintf(out, "  Task Start Token: %s\n", cfg.TaskStartToken)
		fmt.Fprintf(out, "  Prompt End Token: %s\n", cfg.PromptEndToken)
	}
}
