// internal/cli/inspect.go
package vqatrain

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mwiater/vqatrain/internal/appconfig"
	"github.com/mwiater/vqatrain/internal/dataset"
	"github.com/mwiater/vqatrain/internal/processor"
	"github.com/mwiater/vqatrain/internal/vocab"
)

var inspectOpts struct {
	split string
	index int
	count int
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	tokenStyle   = lipgloss.NewStyle().Background(lipgloss.Color("229")).Foreground(lipgloss.Color("0")).Padding(0, 1)
)

// offlineEmbeddings accepts every resize; inspect never talks to a backend.
type offlineEmbeddings struct{}

func (offlineEmbeddings) ResizeDecoderEmbeddings(ctx context.Context, size int) error { return nil }

// inspectCmd shows how dataset records are normalized and encoded.
var inspectCmd = &cobra.Command{
	Use:   "inspect <data.json|data.jsonl>",
	Short: "Show how dataset records are normalized, serialized and tokenized",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if cfg == nil {
			return fmt.Errorf("configuration is not initialized")
		}
		return inspectExamples(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], dataset.Split(inspectOpts.split), inspectOpts.index, inspectOpts.count)
	},
}

func inspectExamples(ctx context.Context, w io.Writer, cfg *appconfig.Config, path string, split dataset.Split, start, count int) error {
	if split != dataset.SplitTrain && split != dataset.SplitValidation {
		return fmt.Errorf("unknown split %q (want %q or %q)", split, dataset.SplitTrain, dataset.SplitValidation)
	}
	proc, err := processor.Load(cfg.Tokenizer, cfg.PatchEdge())
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}
	adapter, err := dataset.NewAdapter(proc, dataset.AdapterOptions{
		MaxPatches: cfg.MaxPatchCount(),
		MaxLength:  cfg.MaxTokenLength(),
		IgnoreID:   cfg.IgnoreLabel(),
	})
	if err != nil {
		return err
	}
	examples, err := dataset.LoadExamples(path)
	if err != nil {
		return err
	}
	reg := vocab.New(proc, offlineEmbeddings{})
	ds, err := dataset.New(ctx, examples, adapter, reg, dataset.Options{
		Split:          split,
		SortKeys:       cfg.SortKeys(),
		TaskStartToken: cfg.TaskStartToken,
		PromptEndToken: cfg.PromptEndToken,
		Seed:           cfg.Seed,
	})
	if err != nil {
		return err
	}

	if start < 0 || start >= ds.Len() {
		return fmt.Errorf("index %d out of range [0, %d)", start, ds.Len())
	}
	end := min(start+max(count, 1), ds.Len())
	for i := start; i < end; i++ {
		if err := renderExample(ctx, w, ds, proc, cfg.IgnoreLabel(), i); err != nil {
			return err
		}
	}

	if added := reg.AddedTokens(); len(added) > 0 {
		fmt.Fprintln(w, headingStyle.Render(fmt.Sprintf("%d tokens would be registered", len(added))))
		rendered := make([]string, len(added))
		for i, tok := range added {
			rendered[i] = tokenStyle.Render(tok)
		}
		fmt.Fprintln(w, strings.Join(rendered, " "))
	}
	return nil
}

func renderExample(ctx context.Context, w io.Writer, ds *dataset.Dataset, proc processor.Processor, ignoreID int32, i int) error {
	raw, err := ds.Example(i)
	if err != nil {
		return err
	}
	ex, target, err := ds.Get(ctx, i)
	if err != nil {
		return fmt.Errorf("example %d: %w", i, err)
	}

	kept := make([]int32, 0, len(ex.Labels))
	for _, id := range ex.Labels {
		if id != ignoreID {
			kept = append(kept, id)
		}
	}
	decoded, err := proc.Decode(kept)
	if err != nil {
		return fmt.Errorf("example %d: %w", i, err)
	}

	active := 0
	for _, v := range ex.AttentionMask.Data().([]float32) {
		if v > 0 {
			active++
		}
	}

	row := func(label, value string) {
		fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(value)))
	}
	fmt.Fprintln(w, headingStyle.Render(fmt.Sprintf("Example %d (%s)", i, ds.Split())))
	row("image", raw.ImagePath)
	row("question", dataset.NormalizeText(raw.Question))
	row("answer", dataset.NormalizeText(raw.Answer))
	row("target", target)
	if targets := ds.Targets(i); len(targets) > 1 {
		row("targets", fmt.Sprintf("%d alternatives", len(targets)))
	}
	row("patches", fmt.Sprintf("%v (%d real)", ex.FlattenedPatches.Shape(), active))
	row("labels", fmt.Sprint(ex.Labels))
	row("decoded", decoded)
	fmt.Fprintln(w)
	return nil
}

func init() {
	inspectCmd.Flags().StringVar(&inspectOpts.split, "split", string(dataset.SplitValidation), "split semantics to apply (train registers new tokens)")
	inspectCmd.Flags().IntVar(&inspectOpts.index, "index", 0, "first example to show")
	inspectCmd.Flags().IntVar(&inspectOpts.count, "count", 1, "number of examples to show")
	rootCmd.AddCommand(inspectCmd)
}
