// internal/trainer/driver.go
// Package trainer drives training and evaluation steps against a model backend.
package trainer

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/mwiater/vqatrain/internal/accuracy"
	"github.com/mwiater/vqatrain/internal/dataset"
	"github.com/mwiater/vqatrain/internal/logging"
	"github.com/mwiater/vqatrain/internal/metrics"
	"github.com/mwiater/vqatrain/internal/providers"
)

// OptimizerName is the only optimizer the driver creates.
const OptimizerName = "adam"

// DefaultMaxNewTokens bounds generation when Options leaves it unset.
const DefaultMaxNewTokens = 512

// State is the phase the driver is currently in.
type State int

const (
	StateIdle State = iota
	StateTraining
	StateEvaluating
)

func (s State) String() string {
	switch s {
	case StateTraining:
		return "training"
	case StateEvaluating:
		return "evaluating"
	default:
		return "idle"
	}
}

// Sink receives named scalar observations.
type Sink interface {
	Observe(name string, value float64, info metrics.StepInfo)
}

// Decoder turns generated ids back into text.
type Decoder interface {
	Decode(ids []int32) (string, error)
	EOSToken() string
	PadToken() string
}

// Options configures a Driver.
type Options struct {
	LearningRate float64
	MaxNewTokens int
	// Verbose prints the first prediction of every evaluation batch to Out.
	Verbose bool
	Out     io.Writer
	// ResultsPath, when set, receives one accuracy.Result per evaluated example.
	ResultsPath string
	RunID       string
}

// EvalResult summarizes one evaluation step.
type EvalResult struct {
	Predictions []string
	Answers     []string
	Scores      []float64
	Mean        float64
	// EmptyIndices lists batch positions whose prediction decoded to nothing.
	EmptyIndices []int
}

// Empty returns the number of empty predictions.
func (r EvalResult) Empty() int { return len(r.EmptyIndices) }

var (
	questionColor   = color.New(color.FgCyan).SprintFunc()
	predictionColor = color.New(color.FgGreen).SprintFunc()
	emptyColor      = color.New(color.FgRed).SprintFunc()
)

// Driver runs single training and evaluation steps. It holds no loop of its
// own; callers drive it step by step.
type Driver struct {
	model providers.Model
	dec   Decoder
	sink  Sink
	opts  Options

	mu        sync.Mutex
	state     State
	optimizer providers.Optimizer
}

// New returns an idle driver. A nil sink discards observations.
func New(model providers.Model, dec Decoder, sink Sink, opts Options) *Driver {
	if opts.MaxNewTokens <= 0 {
		opts.MaxNewTokens = DefaultMaxNewTokens
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Driver{model: model, dec: dec, sink: sink, opts: opts}
}

// State returns the current phase.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) enter(s State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateIdle {
		return fmt.Errorf("driver is %s, cannot start %s", d.state, s)
	}
	d.state = s
	return nil
}

func (d *Driver) leave() {
	d.mu.Lock()
	d.state = StateIdle
	d.mu.Unlock()
}

func (d *Driver) observe(name string, value float64, info metrics.StepInfo) {
	if d.sink != nil {
		d.sink.Observe(name, value, info)
	}
}

// MakeOptimizer creates the Adam optimizer over all trainable parameters on
// first use and returns the same instance afterwards.
func (d *Driver) MakeOptimizer(ctx context.Context) (providers.Optimizer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.optimizer != nil {
		return d.optimizer, nil
	}
	if d.opts.LearningRate <= 0 || math.IsNaN(d.opts.LearningRate) {
		return nil, fmt.Errorf("learning rate must be positive, got %g", d.opts.LearningRate)
	}
	opt, err := d.model.NewOptimizer(ctx, providers.OptimizerSpec{Name: OptimizerName, LearningRate: d.opts.LearningRate})
	if err != nil {
		return nil, fmt.Errorf("create optimizer: %w", err)
	}
	logging.LogEvent("[TRAIN] created %s optimizer %s (lr=%g)", OptimizerName, opt.ID(), d.opts.LearningRate)
	d.optimizer = opt
	return opt, nil
}

// TrainStep runs a teacher-forced forward pass and returns the loss. The
// backend accumulates gradients; applying them is up to the caller.
func (d *Driver) TrainStep(ctx context.Context, b *dataset.Batch, info metrics.StepInfo) (float64, error) {
	if err := d.enter(StateTraining); err != nil {
		return 0, err
	}
	defer d.leave()

	if err := validateBatch(b, true); err != nil {
		return 0, err
	}
	res, err := d.model.Forward(ctx, providers.ForwardRequest{
		Inputs: inputs(b),
		Labels: b.Labels,
	})
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		return 0, fmt.Errorf("forward returned non-finite loss %v", res.Loss)
	}

	d.observe(metrics.TrainLoss, res.Loss, info)
	logging.LogStep("train", info.Epoch, info.Step, map[string]any{"loss": res.Loss, "batch": b.Size()})
	return res.Loss, nil
}

// EvalStep generates answers for the batch and scores them against the
// batch's reference answers. Labels are not sent to the backend.
func (d *Driver) EvalStep(ctx context.Context, b *dataset.Batch, info metrics.StepInfo) (EvalResult, error) {
	if err := d.enter(StateEvaluating); err != nil {
		return EvalResult{}, err
	}
	defer d.leave()

	if err := validateBatch(b, false); err != nil {
		return EvalResult{}, err
	}
	gen, err := d.model.Generate(ctx, providers.GenerateRequest{
		Inputs:       inputs(b),
		MaxNewTokens: d.opts.MaxNewTokens,
		MinLength:    1,
	})
	if err != nil {
		return EvalResult{}, &GenerationError{BatchSize: b.Size(), Err: err}
	}
	if len(gen.Sequences) == 0 || len(gen.Sequences) != b.Size() {
		return EvalResult{}, &GenerationError{BatchSize: b.Size(), Sequences: len(gen.Sequences)}
	}

	res := EvalResult{
		Predictions: make([]string, b.Size()),
		Answers:     b.Answers,
		Scores:      make([]float64, b.Size()),
	}
	for i, seq := range gen.Sequences {
		text, err := d.dec.Decode(seq)
		if err != nil {
			return EvalResult{}, &GenerationError{BatchSize: b.Size(), Sequences: len(gen.Sequences), Err: fmt.Errorf("decode sequence %d: %w", i, err)}
		}
		pred := d.clean(text)
		res.Predictions[i] = pred
		res.Scores[i] = accuracy.NormalizedEditDistance(pred, b.Answers[i])
		if pred == "" {
			res.EmptyIndices = append(res.EmptyIndices, i)
		}
	}
	res.Mean = accuracy.MeanScore(res.Scores)

	if res.Empty() > 0 {
		logging.LogEvent("[EVAL] epoch=%d step=%d generated %d empty predictions (positions %v)", info.Epoch, info.Step, res.Empty(), res.EmptyIndices)
	}
	if d.opts.Verbose {
		d.printPair(res, 0)
	}
	if err := d.appendResults(b, res, info); err != nil {
		return EvalResult{}, err
	}

	d.observe(metrics.ValEditDistance, res.Mean, info)
	logging.LogStep("eval", info.Epoch, info.Step, map[string]any{"edit_distance": res.Mean, "empty": res.Empty(), "batch": b.Size()})
	return res, nil
}

// clean removes EOS and pad token strings from decoded text.
func (d *Driver) clean(text string) string {
	for _, tok := range []string{d.dec.EOSToken(), d.dec.PadToken()} {
		if tok != "" {
			text = strings.ReplaceAll(text, tok, "")
		}
	}
	return strings.TrimSpace(text)
}

func (d *Driver) printPair(res EvalResult, i int) {
	pred := predictionColor(res.Predictions[i])
	if res.Predictions[i] == "" {
		pred = emptyColor("<empty>")
	}
	fmt.Fprintf(d.opts.Out, "%s %s\n", questionColor("Prediction:"), pred)
	fmt.Fprintf(d.opts.Out, "%s %s\n", questionColor("    Answer:"), res.Answers[i])
	fmt.Fprintf(d.opts.Out, "%s %.4f\n", questionColor("Normed ED:"), res.Scores[i])
}

func (d *Driver) appendResults(b *dataset.Batch, res EvalResult, info metrics.StepInfo) error {
	if d.opts.ResultsPath == "" {
		return nil
	}
	records := make([]accuracy.Result, len(res.Predictions))
	for i := range res.Predictions {
		index := i
		if i < len(b.Indices) {
			index = b.Indices[i]
		}
		records[i] = accuracy.NewResult(d.opts.RunID, info.Epoch, info.Step, index, res.Predictions[i], res.Answers[i])
	}
	return accuracy.AppendResult(d.opts.ResultsPath, records...)
}

func inputs(b *dataset.Batch) providers.Inputs {
	return providers.Inputs{FlattenedPatches: b.FlattenedPatches, AttentionMask: b.AttentionMask}
}

// validateBatch checks that patches, mask, answers and (when training)
// labels agree on the batch size and patch count.
func validateBatch(b *dataset.Batch, labels bool) error {
	if b == nil || b.FlattenedPatches == nil || b.AttentionMask == nil {
		return fmt.Errorf("malformed batch: missing tensors")
	}
	ps, ms := b.FlattenedPatches.Shape(), b.AttentionMask.Shape()
	if len(ps) != 3 || len(ms) != 2 {
		return fmt.Errorf("malformed batch: patches %v and mask %v must be rank 3 and 2", ps, ms)
	}
	if !ps[:2].Eq(ms) {
		return fmt.Errorf("malformed batch: patches %v do not match mask %v", ps, ms)
	}
	if ps[0] == 0 || ps[0] != len(b.Answers) {
		return fmt.Errorf("malformed batch: %d patch rows for %d answers", ps[0], len(b.Answers))
	}
	if labels && len(b.Labels) != ps[0] {
		return fmt.Errorf("malformed batch: %d label rows for batch of %d", len(b.Labels), ps[0])
	}
	return nil
}
