// internal/trainer/loop.go
package trainer

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/mwiater/vqatrain/internal/dataset"
	"github.com/mwiater/vqatrain/internal/logging"
	"github.com/mwiater/vqatrain/internal/metrics"
)

// BatchSource yields the batches of one epoch in order.
type BatchSource interface {
	Each(ctx context.Context, epoch int, fn func(step int, b *dataset.Batch) error) error
}

// EpochSummary holds the means of one epoch.
type EpochSummary struct {
	Epoch        int
	TrainSteps   int
	TrainLoss    float64
	ValBatches   int
	EditDistance float64
	Empty        int
}

// Loop trains for epochs passes over train, evaluating on val after each
// one. Either source may be nil. The first error aborts the run.
func Loop(ctx context.Context, d *Driver, train, val BatchSource, epochs int) ([]EpochSummary, error) {
	if train == nil && val == nil {
		return nil, fmt.Errorf("nothing to do: no training or validation data")
	}
	if epochs <= 0 {
		epochs = 1
	}

	summaries := make([]EpochSummary, 0, epochs)
	for epoch := 1; epoch <= epochs; epoch++ {
		summary := EpochSummary{Epoch: epoch}

		if train != nil {
			loss, steps, err := trainEpoch(ctx, d, train, epoch)
			if err != nil {
				return summaries, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			summary.TrainLoss, summary.TrainSteps = loss, steps
		}
		if val != nil {
			ed, n, empty, err := Evaluate(ctx, d, val, epoch)
			if err != nil {
				return summaries, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			summary.EditDistance, summary.ValBatches, summary.Empty = ed, n, empty
		}

		logging.LogStep("epoch", epoch, summary.TrainSteps, map[string]any{
			"train_loss":        summary.TrainLoss,
			"val_edit_distance": summary.EditDistance,
			"empty":             summary.Empty,
		})
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func trainEpoch(ctx context.Context, d *Driver, train BatchSource, epoch int) (float64, int, error) {
	opt, err := d.MakeOptimizer(ctx)
	if err != nil {
		return 0, 0, err
	}

	var losses []float64
	err = train.Each(ctx, epoch, func(step int, b *dataset.Batch) error {
		if err := opt.ZeroGrad(ctx); err != nil {
			return fmt.Errorf("zero grad: %w", err)
		}
		loss, err := d.TrainStep(ctx, b, metrics.StepInfo{Epoch: epoch, Step: step + 1})
		if err != nil {
			return fmt.Errorf("train step %d: %w", step+1, err)
		}
		if err := opt.Step(ctx); err != nil {
			return fmt.Errorf("optimizer step: %w", err)
		}
		losses = append(losses, loss)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return mean(losses), len(losses), nil
}

// Evaluate runs EvalStep over every batch of val and returns the mean edit
// distance, the number of batches and the number of empty predictions.
func Evaluate(ctx context.Context, d *Driver, val BatchSource, epoch int) (float64, int, int, error) {
	var means []float64
	empty := 0
	err := val.Each(ctx, epoch, func(step int, b *dataset.Batch) error {
		res, err := d.EvalStep(ctx, b, metrics.StepInfo{Epoch: epoch, Step: step + 1})
		if err != nil {
			return fmt.Errorf("eval step %d: %w", step+1, err)
		}
		means = append(means, res.Mean)
		empty += res.Empty()
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	return mean(means), len(means), empty, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}
