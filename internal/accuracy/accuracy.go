// internal/accuracy/accuracy.go
// Package accuracy scores generated answers against references and keeps the
// per-prediction results of evaluation runs.
package accuracy

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"gonum.org/v1/gonum/stat"
)

// NormalizedEditDistance returns the Levenshtein distance between pred and ref
// divided by the longer of the two, measured in runes. Both sides are trimmed
// first. The result is in [0, 1]; identical strings score 0.
func NormalizedEditDistance(pred, ref string) float64 {
	pred = strings.TrimSpace(pred)
	ref = strings.TrimSpace(ref)
	if pred == ref {
		return 0
	}
	denom := max(utf8.RuneCountInString(pred), utf8.RuneCountInString(ref), 1)
	return float64(levenshtein.ComputeDistance(pred, ref)) / float64(denom)
}

// MeanScore averages scores. An empty slice has no mean and returns 0.
func MeanScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	return stat.Mean(scores, nil)
}

// ScorePairs scores predictions against answers position by position.
func ScorePairs(predictions, answers []string) []float64 {
	n := min(len(predictions), len(answers))
	scores := make([]float64, n)
	for i := range n {
		scores[i] = NormalizedEditDistance(predictions[i], answers[i])
	}
	return scores
}
