// internal/cli/commands_test.go
package vqatrain

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwiater/vqatrain/internal/accuracy"
	"github.com/mwiater/vqatrain/internal/appconfig"
	"github.com/mwiater/vqatrain/internal/dataset"
)

const inspectTokenizer = `{
  "model": {
    "type": "Unigram",
    "vocab": [["<pad>", 0.0], ["</s>", 0.0], ["<unk>", 0.0], ["▁", -2.0], ["▁cat", -1.0], ["l", -3.0], ["a", -3.0], ["t", -3.0], ["e", -3.0]]
  }
}`

func inspectFixture(t *testing.T) (*appconfig.Config, string) {
	t.Helper()
	dir := t.TempDir()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 24, 24))))
	imagePath := filepath.Join(dir, "img.png")
	require.NoError(t, os.WriteFile(imagePath, buf.Bytes(), 0o644))

	tokenizerPath := filepath.Join(dir, "tokenizer.json")
	require.NoError(t, os.WriteFile(tokenizerPath, []byte(inspectTokenizer), 0o644))

	data := fmt.Sprintf(`[
  {"image_path": %[1]q, "question": "what is shown\u200f", "answer": " cat "},
  {"image_path": %[1]q, "question": "menu?", "answer": "", "ground_truth": {"gt_parse": {"menu": "latte"}}}
]`, imagePath)
	dataPath := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(dataPath, []byte(data), 0o644))

	return &appconfig.Config{Tokenizer: tokenizerPath, MaxPatches: 4, MaxLength: 24}, dataPath
}

func TestInspectExamplesNormalizesAndDecodes(t *testing.T) {
	cfg, dataPath := inspectFixture(t)
	var out bytes.Buffer

	require.NoError(t, inspectExamples(context.Background(), &out, cfg, dataPath, dataset.SplitValidation, 0, 1))

	text := out.String()
	assert.Contains(t, text, "Example 0 (validation)")
	assert.Contains(t, text, "what is shown")
	assert.NotContains(t, text, "\u200f")
	assert.Contains(t, text, "cat</s>")
	assert.NotContains(t, text, "would be registered")
}

func TestInspectExamplesTrainSplitRegistersTokens(t *testing.T) {
	cfg, dataPath := inspectFixture(t)
	cfg.TaskStartToken = "<s_vqa>"
	var out bytes.Buffer

	require.NoError(t, inspectExamples(context.Background(), &out, cfg, dataPath, dataset.SplitTrain, 1, 1))

	text := out.String()
	assert.Contains(t, text, "Example 1 (train)")
	assert.Contains(t, text, "<s_vqa><menu>latte</menu>")
	assert.Contains(t, text, "3 tokens would be registered")
}

func TestInspectExamplesRejectsBadArguments(t *testing.T) {
	cfg, dataPath := inspectFixture(t)
	ctx := context.Background()

	assert.ErrorContains(t, inspectExamples(ctx, &bytes.Buffer{}, cfg, dataPath, "test", 0, 1), "unknown split")
	assert.ErrorContains(t, inspectExamples(ctx, &bytes.Buffer{}, cfg, dataPath, dataset.SplitValidation, 5, 1), "out of range")
}

func TestScoreCommand(t *testing.T) {
	useConfig(t, writeTempFile(t, "config.json", `{}`))
	path := filepath.Join(t.TempDir(), "run.jsonl")
	require.NoError(t, accuracy.AppendResult(path,
		accuracy.NewResult("run", 1, 1, 0, "cat", "car"),
		accuracy.NewResult("run", 1, 1, 1, "dog", "dog"),
	))

	out, err := execute(t, "score", path, "--details")
	require.NoError(t, err)
	assert.Contains(t, out, "0.1667")
	assert.Contains(t, out, "0.3333")
	assert.True(t, strings.Count(out, path) >= 3, "details and summary rows name the file")
	scoreDetails = false
}

func TestMetricsCommandWithoutRuns(t *testing.T) {
	useConfig(t, writeTempFile(t, "config.json", `{}`))
	missing := filepath.Join(t.TempDir(), "metrics.json")

	out, err := execute(t, "metrics", "--file", missing)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded")
	metricsFile = ""
}
