// internal/dataset/dataset.go
package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/mwiater/vqatrain/internal/logging"
	"github.com/mwiater/vqatrain/internal/structured"
	"github.com/mwiater/vqatrain/internal/vocab"
)

// Split names a dataset partition. Only the training split may grow the vocabulary.
type Split string

const (
	SplitTrain      Split = "train"
	SplitValidation Split = "validation"
)

// Options configures a Dataset.
type Options struct {
	Split    Split
	SortKeys bool
	// TaskStartToken prefixes structured targets and is registered at construction.
	TaskStartToken string
	// PromptEndToken defaults to TaskStartToken.
	PromptEndToken string
	// Seed picks among multiple structured targets.
	Seed int64
}

// Dataset is an indexable set of examples bound to an adapter.
type Dataset struct {
	examples []RawExample
	adapter  *Adapter
	opts     Options
	// targets[i] holds the serialized structured targets of example i.
	targets          [][]string
	promptEndTokenID int32
	hasPromptEnd     bool

	mu  sync.Mutex
	rng *rand.Rand
}

// New binds examples to adapter. Structured targets are serialized here,
// once, so that vocabulary growth happens on a single goroutine.
func New(ctx context.Context, examples []RawExample, adapter *Adapter, reg *vocab.Registry, opts Options) (*Dataset, error) {
	if opts.Split == "" {
		opts.Split = SplitTrain
	}
	if opts.PromptEndToken == "" {
		opts.PromptEndToken = opts.TaskStartToken
	}

	ds := &Dataset{
		examples: examples,
		adapter:  adapter,
		opts:     opts,
		targets:  make([][]string, len(examples)),
		rng:      rand.New(rand.NewPCG(uint64(opts.Seed), uint64(len(examples)))),
	}

	ser := &structured.Serializer{
		Registry: reg,
		SortKeys: opts.SortKeys,
		Register: opts.Split == SplitTrain,
	}
	structuredCount := 0
	for i, ex := range examples {
		nodes, err := ex.GroundTruths()
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		for _, node := range nodes {
			seq, err := ser.Serialize(ctx, node)
			if err != nil {
				return nil, fmt.Errorf("example %d: %w", i, err)
			}
			ds.targets[i] = append(ds.targets[i], opts.TaskStartToken+seq)
		}
		if len(nodes) > 0 {
			structuredCount++
		}
	}

	if opts.TaskStartToken != "" && reg != nil {
		if _, err := reg.Extend(ctx, opts.TaskStartToken, opts.PromptEndToken); err != nil {
			return nil, fmt.Errorf("register task tokens: %w", err)
		}
	}
	if opts.PromptEndToken != "" {
		ds.promptEndTokenID, ds.hasPromptEnd = adapter.Processor().TokenID(opts.PromptEndToken)
	}

	logging.LogEvent("dataset %s: %d examples (%d with structured targets)", opts.Split, len(examples), structuredCount)
	return ds, nil
}

// Len returns the number of examples.
func (d *Dataset) Len() int { return len(d.examples) }

// Split returns the partition this dataset was built for.
func (d *Dataset) Split() Split { return d.opts.Split }

// Example returns the raw record at i.
func (d *Dataset) Example(i int) (RawExample, error) {
	if i < 0 || i >= len(d.examples) {
		return RawExample{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.examples))
	}
	return d.examples[i], nil
}

// Targets returns the serialized structured targets of example i.
func (d *Dataset) Targets(i int) []string {
	if i < 0 || i >= len(d.targets) {
		return nil
	}
	return d.targets[i]
}

// PromptEndTokenID returns the id of the prompt end token, if configured.
func (d *Dataset) PromptEndTokenID() (int32, bool) { return d.promptEndTokenID, d.hasPromptEnd }

// Get encodes example i. When the example has structured targets one of
// them is picked at random; otherwise the normalized answer is the target.
func (d *Dataset) Get(ctx context.Context, i int) (*EncodedExample, string, error) {
	raw, err := d.Example(i)
	if err != nil {
		return nil, "", err
	}
	if targets := d.targets[i]; len(targets) > 0 {
		return d.adapter.EncodeTarget(ctx, raw, targets[d.pick(len(targets))])
	}
	return d.adapter.Encode(ctx, raw)
}

func (d *Dataset) pick(n int) int {
	if n == 1 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.IntN(n)
}
