// internal/metrics/types.go
package metrics

import (
	"math"
	"time"
)

// Metric names recorded during a run.
const (
	TrainLoss       = "train_loss"
	ValEditDistance = "val_edit_distance"
	ForwardMillis   = "forward_ms"
	GenerateMillis  = "generate_ms"
)

// StepInfo tags an observation with its position in the run.
type StepInfo struct {
	Epoch int `json:"epoch"`
	Step  int `json:"step"`
}

// RunMetrics is the top-level document for a single training run.
type RunMetrics struct {
	RunID          string                  `json:"run_id"`
	Backend        string                  `json:"backend"`
	StartedUTC     time.Time               `json:"started_utc"`
	LastUpdatedUTC time.Time               `json:"last_updated_utc"`
	Overall        map[string]*RunningStat `json:"overall"`
	Epochs         []EpochMetrics          `json:"epochs"`
}

// EpochMetrics holds the stats observed during one epoch.
type EpochMetrics struct {
	Epoch int                     `json:"epoch"`
	Stats map[string]*RunningStat `json:"stats"`
}

// RunningStat holds the values for online calculation of mean, variance, and stddev.
type RunningStat struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"` // sum of squares of differences from the current mean
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Last  float64 `json:"last"`
}

// Add folds value into the stat using Welford's online algorithm.
func (rs *RunningStat) Add(value float64) {
	rs.Count++
	if rs.Count == 1 {
		rs.Min = value
		rs.Max = value
	} else {
		rs.Min = min(rs.Min, value)
		rs.Max = max(rs.Max, value)
	}
	rs.Last = value

	delta := value - rs.Mean
	rs.Mean += delta / float64(rs.Count)
	delta2 := value - rs.Mean
	rs.M2 += delta * delta2
}

// StdDev returns the population standard deviation.
func (rs *RunningStat) StdDev() float64 {
	if rs.Count < 2 {
		return 0
	}
	return math.Sqrt(rs.M2 / float64(rs.Count))
}
