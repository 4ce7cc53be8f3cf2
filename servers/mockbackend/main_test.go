// servers/mockbackend/main_test.go
package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwiater/vqatrain/internal/appconfig"
	"github.com/mwiater/vqatrain/internal/providers"
	"github.com/mwiater/vqatrain/internal/providers/remote"
)

func newClient(t *testing.T, cfg Config) (*remote.Provider, *Server) {
	t.Helper()
	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	client, err := remote.New(appconfig.Backend{Name: "mock", URL: ts.URL, TimeoutSeconds: 5})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, s
}

func inputs(batch int) providers.Inputs {
	return providers.Inputs{
		FlattenedPatches: tensor.New(tensor.WithShape(batch, 3, 5), tensor.WithBacking(make([]float32, batch*15))),
		AttentionMask:    tensor.New(tensor.WithShape(batch, 3), tensor.WithBacking(make([]float32, batch*3))),
	}
}

func TestHealthz(t *testing.T) {
	ts := httptest.NewServer(NewServer(Config{}).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLossDecaysWithOptimizerSteps(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t, Config{InitialLoss: 2, Decay: 0.5})

	opt, err := client.NewOptimizer(ctx, providers.OptimizerSpec{Name: "adam", LearningRate: 1e-5})
	require.NoError(t, err)
	require.NotEmpty(t, opt.ID())

	var losses []float64
	for range 3 {
		require.NoError(t, opt.ZeroGrad(ctx))
		res, err := client.Forward(ctx, providers.ForwardRequest{Inputs: inputs(2), Labels: [][]int32{{4, 1}, {4, -100}}})
		require.NoError(t, err)
		losses = append(losses, res.Loss)
		require.NoError(t, opt.Step(ctx))
	}
	assert.InDeltaSlice(t, []float64{2, 1, 0.5}, losses, 1e-9)
}

func TestStepWithoutForwardKeepsLoss(t *testing.T) {
	ctx := context.Background()
	client, s := newClient(t, Config{})

	opt, err := client.NewOptimizer(ctx, providers.OptimizerSpec{Name: "adam", LearningRate: 1e-5})
	require.NoError(t, err)
	require.NoError(t, opt.Step(ctx))
	assert.Equal(t, 0, s.steps)
}

func TestForwardRejectsLabelMismatch(t *testing.T) {
	client, _ := newClient(t, Config{})
	_, err := client.Forward(context.Background(), providers.ForwardRequest{Inputs: inputs(2), Labels: [][]int32{{1}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 label rows for batch of 2")
}

func TestForwardRejectsIDsOutsideTable(t *testing.T) {
	client, _ := newClient(t, Config{VocabSize: 5})
	_, err := client.Forward(context.Background(), providers.ForwardRequest{Inputs: inputs(1), Labels: [][]int32{{7}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside embedding table")

	require.NoError(t, client.ResizeDecoderEmbeddings(context.Background(), 8))
	_, err = client.Forward(context.Background(), providers.ForwardRequest{Inputs: inputs(1), Labels: [][]int32{{7}}})
	assert.NoError(t, err)
}

func TestGenerateReturnsAnswerPerExample(t *testing.T) {
	client, _ := newClient(t, Config{Answer: []int32{4, 5}, EOSID: 1})

	res, err := client.Generate(context.Background(), providers.GenerateRequest{Inputs: inputs(3), MaxNewTokens: 16, MinLength: 1})
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{4, 5, 1}, {4, 5, 1}, {4, 5, 1}}, res.Sequences)

	res, err = client.Generate(context.Background(), providers.GenerateRequest{Inputs: inputs(1), MaxNewTokens: 1})
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{4}}, res.Sequences)
}

func TestGenerateHonoursMinLength(t *testing.T) {
	s := NewServer(Config{EOSID: 2})
	assert.Equal(t, []int32{2, 2, 2}, s.answer(0, 3))
}

func TestResizeRejectsShrink(t *testing.T) {
	client, s := newClient(t, Config{VocabSize: 10})
	require.Error(t, client.ResizeDecoderEmbeddings(context.Background(), 9))
	require.NoError(t, client.ResizeDecoderEmbeddings(context.Background(), 12))
	assert.Equal(t, 12, s.vocabSize)
}

func TestEmbeddingSizeTracksResize(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t, Config{VocabSize: 10})

	size, err := client.DecoderEmbeddingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, size)

	require.NoError(t, client.ResizeDecoderEmbeddings(ctx, 14))
	size, err = client.DecoderEmbeddingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 14, size)
}

func TestOptimizerValidation(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t, Config{})

	_, err := client.NewOptimizer(ctx, providers.OptimizerSpec{Name: "sgd", LearningRate: 0.1})
	assert.ErrorContains(t, err, "unsupported optimizer")

	_, err = client.NewOptimizer(ctx, providers.OptimizerSpec{Name: "adam"})
	assert.ErrorContains(t, err, "learning rate must be positive")
}

func TestUnknownOptimizerID(t *testing.T) {
	ts := httptest.NewServer(NewServer(Config{}).Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/optimizers/nope/step", "application/cbor", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mockbackend.yml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9100\nvocab_size: 32\nanswer: [7, 8]\ndecay: 0.9\n"), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 32, cfg.VocabSize)
	assert.Equal(t, []int32{7, 8}, cfg.Answer)
	assert.Equal(t, 0.9, cfg.Decay)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, float64(4), cfg.InitialLoss)

	missing, err := loadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, 8900, missing.Port)

	require.NoError(t, os.WriteFile(path, []byte("port: [oops\n"), 0o644))
	_, err = loadConfig(path)
	assert.Error(t, err)
}

func TestShippedConfigParses(t *testing.T) {
	cfg, err := loadConfig("mockbackend.yml")
	require.NoError(t, err)
	assert.Equal(t, []int32{4}, cfg.Answer)
}
