// internal/accuracy/results.go
package accuracy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mwiater/vqatrain/internal/util"
)

// Result records one validation prediction and its score.
type Result struct {
	Timestamp  string  `json:"timestamp"`
	RunID      string  `json:"runId"`
	Epoch      int     `json:"epoch"`
	Step       int     `json:"step"`
	Index      int     `json:"index"`
	Question   string  `json:"question,omitempty"`
	Prediction string  `json:"prediction"`
	Answer     string  `json:"answer"`
	Score      float64 `json:"score"`
	Empty      bool    `json:"empty"`
}

// NewResult scores prediction against answer and stamps the result with the
// current UTC time.
func NewResult(runID string, epoch, step, index int, prediction, answer string) Result {
	return Result{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RunID:      runID,
		Epoch:      epoch,
		Step:       step,
		Index:      index,
		Prediction: prediction,
		Answer:     answer,
		Score:      NormalizedEditDistance(prediction, answer),
		Empty:      strings.TrimSpace(prediction) == "",
	}
}

// ResultsFile returns the JSONL file used for a run inside dir.
func ResultsFile(dir, runID string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.jsonl", util.FileName(runID)))
}

// AppendResult appends results to the JSONL file at path, creating it and its
// parent directory when needed.
func AppendResult(path string, results ...Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating results directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("error opening results file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	for _, result := range results {
		if err := encoder.Encode(result); err != nil {
			return fmt.Errorf("error writing results: %w", err)
		}
	}
	return nil
}

// ReadResults loads every record of a results JSONL file. Blank lines are skipped.
func ReadResults(path string) ([]Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening results file: %w", err)
	}
	defer file.Close()

	var results []Result
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var r Result
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		results = append(results, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading results file: %w", err)
	}
	return results, nil
}

// Summary aggregates rescored results.
type Summary struct {
	Path    string
	Count   int
	Empty   int
	Mean    float64
	Results []Result
}

// ScoreFile rescores every prediction in a results JSONL file with the
// current metric and returns the aggregate.
func ScoreFile(path string) (Summary, error) {
	results, err := ReadResults(path)
	if err != nil {
		return Summary{}, err
	}

	scores := make([]float64, len(results))
	empty := 0
	for i := range results {
		results[i].Score = NormalizedEditDistance(results[i].Prediction, results[i].Answer)
		results[i].Empty = strings.TrimSpace(results[i].Prediction) == ""
		if results[i].Empty {
			empty++
		}
		scores[i] = results[i].Score
	}

	return Summary{
		Path:    path,
		Count:   len(results),
		Empty:   empty,
		Mean:    MeanScore(scores),
		Results: results,
	}, nil
}
