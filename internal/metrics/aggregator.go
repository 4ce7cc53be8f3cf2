// internal/metrics/aggregator.go
package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwiater/vqatrain/internal/logging"
	"github.com/mwiater/vqatrain/internal/util"
)

// saveInterval is how often an open aggregator flushes to disk.
const saveInterval = time.Minute

// Aggregator collects named scalar observations for one run and persists
// them next to the runs already in its file.
type Aggregator struct {
	mutex    sync.Mutex
	run      *RunMetrics
	previous []RunMetrics
	filePath string
	ticker   *time.Ticker
	done     chan struct{}
	closed   bool
}

// NewAggregator starts a new run. Runs already stored at filePath are kept.
// An empty filePath keeps metrics in memory only.
func NewAggregator(filePath, backend string) *Aggregator {
	now := time.Now().UTC()
	agg := &Aggregator{
		run: &RunMetrics{
			RunID:          uuid.NewString(),
			Backend:        backend,
			StartedUTC:     now,
			LastUpdatedUTC: now,
			Overall:        map[string]*RunningStat{},
		},
		filePath: filePath,
		done:     make(chan struct{}),
	}

	if filePath != "" {
		runs, err := LoadRuns(filePath)
		if err != nil {
			logging.LogEvent("[METRICS] ignoring unreadable metrics file %s: %v", filePath, err)
		}
		agg.previous = runs

		agg.ticker = time.NewTicker(saveInterval)
		go func() {
			for {
				select {
				case <-agg.ticker.C:
					if err := agg.Save(); err != nil {
						logging.LogEvent("[METRICS] periodic save failed: %v", err)
					}
				case <-agg.done:
					return
				}
			}
		}()
	}
	return agg
}

// RunID identifies the current run.
func (a *Aggregator) RunID() string { return a.run.RunID }

// Observe records value under name for the run and for the epoch in info.
func (a *Aggregator) Observe(name string, value float64, info StepInfo) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.record(name, value)
	stats := a.epochStats(info.Epoch)
	stat, ok := stats[name]
	if !ok {
		stat = &RunningStat{}
		stats[name] = stat
	}
	stat.Add(value)
	logging.LogDebug("[METRICS] %s=%.4f epoch=%d step=%d", name, value, info.Epoch, info.Step)
}

// Record updates only the run-wide stat for name.
func (a *Aggregator) Record(name string, value float64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.record(name, value)
}

func (a *Aggregator) record(name string, value float64) {
	stat, ok := a.run.Overall[name]
	if !ok {
		stat = &RunningStat{}
		a.run.Overall[name] = stat
	}
	stat.Add(value)
	a.run.LastUpdatedUTC = time.Now().UTC()
}

func (a *Aggregator) epochStats(epoch int) map[string]*RunningStat {
	for i := range a.run.Epochs {
		if a.run.Epochs[i].Epoch == epoch {
			return a.run.Epochs[i].Stats
		}
	}
	a.run.Epochs = append(a.run.Epochs, EpochMetrics{Epoch: epoch, Stats: map[string]*RunningStat{}})
	slices.SortFunc(a.run.Epochs, func(x, y EpochMetrics) int { return x.Epoch - y.Epoch })
	for i := range a.run.Epochs {
		if a.run.Epochs[i].Epoch == epoch {
			return a.run.Epochs[i].Stats
		}
	}
	return nil
}

// EpochMean returns the mean of name over epoch.
func (a *Aggregator) EpochMean(epoch int, name string) (float64, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	for _, e := range a.run.Epochs {
		if e.Epoch != epoch {
			continue
		}
		if stat, ok := e.Stats[name]; ok && stat.Count > 0 {
			return stat.Mean, true
		}
	}
	return 0, false
}

// Snapshot returns a deep copy of the current run.
func (a *Aggregator) Snapshot() RunMetrics {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return copyRun(a.run)
}

func copyRun(run *RunMetrics) RunMetrics {
	out := *run
	out.Overall = copyStats(run.Overall)
	out.Epochs = make([]EpochMetrics, len(run.Epochs))
	for i, e := range run.Epochs {
		out.Epochs[i] = EpochMetrics{Epoch: e.Epoch, Stats: copyStats(e.Stats)}
	}
	return out
}

func copyStats(in map[string]*RunningStat) map[string]*RunningStat {
	out := make(map[string]*RunningStat, len(in))
	for k, v := range in {
		c := *v
		out[k] = &c
	}
	return out
}

// Save writes the stored runs plus the current one to the metrics file.
func (a *Aggregator) Save() error {
	if a.filePath == "" {
		return nil
	}
	a.mutex.Lock()
	runs := append(slices.Clone(a.previous), copyRun(a.run))
	a.mutex.Unlock()

	logging.LogEvent("[METRICS] Saving metrics to %s", a.filePath)
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(a.filePath, data)
}

// Close stops periodic saving and writes the metrics one last time.
func (a *Aggregator) Close() error {
	a.mutex.Lock()
	if a.closed {
		a.mutex.Unlock()
		return nil
	}
	a.closed = true
	a.mutex.Unlock()

	if a.ticker != nil {
		a.ticker.Stop()
		close(a.done)
	}
	return a.Save()
}

// LoadRuns reads the runs stored at path. A missing file yields no runs.
func LoadRuns(path string) ([]RunMetrics, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var runs []RunMetrics
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("decode metrics %s: %w", path, err)
	}
	return runs, nil
}
