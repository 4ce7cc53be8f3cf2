// internal/trainer/session.go
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/mwiater/vqatrain/internal/accuracy"
	"github.com/mwiater/vqatrain/internal/appconfig"
	"github.com/mwiater/vqatrain/internal/dataset"
	"github.com/mwiater/vqatrain/internal/logging"
	"github.com/mwiater/vqatrain/internal/metrics"
	"github.com/mwiater/vqatrain/internal/processor"
	"github.com/mwiater/vqatrain/internal/providerfactory"
	"github.com/mwiater/vqatrain/internal/providers"
	"github.com/mwiater/vqatrain/internal/vocab"
)

// Mode selects what a session runs.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEvaluate
)

// Session holds everything a run needs, built from one configuration.
type Session struct {
	Config    *appconfig.Config
	Processor *processor.Pix2Struct
	Model     providers.Model
	Registry  *vocab.Registry
	Metrics   *metrics.Aggregator
	Driver    *Driver
	Train     *dataset.Loader
	Val       *dataset.Loader
}

// NewSession loads the tokenizer, connects to the backend and prepares the
// datasets. The training split is built first so its tokens are registered
// before validation targets are serialized.
func NewSession(ctx context.Context, cfg *appconfig.Config, mode Mode, out io.Writer) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := checkMode(cfg, mode); err != nil {
		return nil, err
	}

	proc, err := processor.Load(cfg.Tokenizer, cfg.PatchEdge())
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	metricsPath := ""
	if cfg.Metrics {
		metricsPath = cfg.MetricsFilePath()
	}
	agg := metrics.NewAggregator(metricsPath, cfg.Backend.URL)

	model, err := providerfactory.NewModel(cfg, agg)
	if err != nil {
		_ = agg.Close()
		return nil, err
	}

	s := &Session{
		Config:    cfg,
		Processor: proc,
		Model:     model,
		Registry:  vocab.New(proc, model),
		Metrics:   agg,
	}
	if err := s.Registry.Sync(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.buildLoaders(ctx, mode); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.Registry.Check(); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.Driver = New(model, proc, agg, Options{
		LearningRate: cfg.LR(),
		MaxNewTokens: cfg.GenerationLimit(),
		Verbose:      cfg.Verbose,
		Out:          out,
		ResultsPath:  accuracy.ResultsFile(cfg.ResultsPath(), agg.RunID()),
		RunID:        agg.RunID(),
	})
	return s, nil
}

func (s *Session) buildLoaders(ctx context.Context, mode Mode) error {
	cfg := s.Config
	adapter, err := dataset.NewAdapter(s.Processor, dataset.AdapterOptions{
		MaxPatches: cfg.MaxPatchCount(),
		MaxLength:  cfg.MaxTokenLength(),
		IgnoreID:   cfg.IgnoreLabel(),
	})
	if err != nil {
		return err
	}

	build := func(path string, split dataset.Split, shuffle bool) (*dataset.Loader, error) {
		examples, err := dataset.LoadExamples(path)
		if err != nil {
			return nil, err
		}
		ds, err := dataset.New(ctx, examples, adapter, s.Registry, dataset.Options{
			Split:          split,
			SortKeys:       cfg.SortKeys(),
			TaskStartToken: cfg.TaskStartToken,
			PromptEndToken: cfg.PromptEndToken,
			Seed:           cfg.Seed,
		})
		if err != nil {
			return nil, fmt.Errorf("%s split: %w", split, err)
		}
		logging.LogEvent("loaded %d %s examples from %s", ds.Len(), split, path)
		return dataset.NewLoader(ds, dataset.LoaderOptions{
			BatchSize: cfg.Batch(),
			Workers:   cfg.WorkerCount(),
			Shuffle:   shuffle,
			Seed:      cfg.Seed,
		}), nil
	}

	if mode == ModeTrain {
		if s.Train, err = build(cfg.TrainData, dataset.SplitTrain, cfg.Shuffle); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cfg.ValData) != "" {
		if s.Val, err = build(cfg.ValData, dataset.SplitValidation, false); err != nil {
			return err
		}
	}
	return nil
}

// checkMode rejects a run whose data files do not match the mode before any
// backend call is made.
func checkMode(cfg *appconfig.Config, mode Mode) error {
	switch {
	case mode == ModeTrain && strings.TrimSpace(cfg.TrainData) == "":
		return fmt.Errorf("training requires trainData")
	case mode == ModeEvaluate && strings.TrimSpace(cfg.ValData) == "":
		return fmt.Errorf("evaluation requires valData")
	}
	return nil
}

// Run executes the session. Evaluation runs a single validation pass.
func (s *Session) Run(ctx context.Context, mode Mode) ([]EpochSummary, error) {
	if mode == ModeEvaluate {
		return Loop(ctx, s.Driver, nil, sourceOf(s.Val), 1)
	}
	return Loop(ctx, s.Driver, sourceOf(s.Train), sourceOf(s.Val), s.Config.Epochs())
}

// sourceOf keeps a nil loader a nil interface.
func sourceOf(l *dataset.Loader) BatchSource {
	if l == nil {
		return nil
	}
	return l
}

// Close saves metrics and releases the backend client.
func (s *Session) Close() error {
	var errs []error
	if s.Metrics != nil {
		errs = append(errs, s.Metrics.Close())
	}
	if s.Model != nil {
		errs = append(errs, s.Model.Close())
	}
	return errors.Join(errs...)
}

// RunCommand is the CLI entry point for train and evaluate.
func RunCommand(ctx context.Context, cfg *appconfig.Config, mode Mode, out io.Writer) error {
	s, err := NewSession(ctx, cfg, mode, out)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logging.LogEvent("closing session: %v", err)
		}
	}()

	logging.LogEvent("run %s started (vocabulary size %d)", s.Metrics.RunID(), s.Registry.Size())
	summaries, err := s.Run(ctx, mode)
	PrintSummary(out, summaries)
	if err != nil {
		return err
	}
	if added := s.Registry.AddedTokens(); len(added) > 0 {
		fmt.Fprintf(out, "Registered %d new tokens during this run.\n", len(added))
	}
	return nil
}

// PrintSummary writes one table row per epoch.
func PrintSummary(w io.Writer, summaries []EpochSummary) {
	if len(summaries) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"EPOCH", "TRAIN STEPS", "TRAIN LOSS", "VAL BATCHES", "EDIT DISTANCE", "EMPTY"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, s := range summaries {
		table.Append([]string{
			fmt.Sprint(s.Epoch),
			fmt.Sprint(s.TrainSteps),
			fmt.Sprintf("%.4f", s.TrainLoss),
			fmt.Sprint(s.ValBatches),
			fmt.Sprintf("%.4f", s.EditDistance),
			fmt.Sprint(s.Empty),
		})
	}
	table.Render()
}
