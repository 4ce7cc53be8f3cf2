// servers/mockbackend/main.go
//
// mockbackend is a stand-in model server for local runs of vqatrain. It speaks
// the same CBOR protocol as a real backend but holds no weights: the loss
// decays with every optimizer step and generation returns a fixed answer.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	"github.com/mwiater/vqatrain/internal/providers/remote"
)

const contentType = "application/cbor"

// Config is read from mockbackend.yml.
type Config struct {
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	VocabSize   int     `yaml:"vocab_size"`
	EOSID       int32   `yaml:"eos_id"`
	Answer      []int32 `yaml:"answer"`
	InitialLoss float64 `yaml:"initial_loss"`
	Decay       float64 `yaml:"decay"`
	MaxBodyMB   int64   `yaml:"max_body_mb"`
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8900
	}
	if c.EOSID == 0 {
		c.EOSID = 1
	}
	if c.InitialLoss <= 0 {
		c.InitialLoss = 4
	}
	if c.Decay <= 0 || c.Decay > 1 {
		c.Decay = 0.95
	}
	if c.MaxBodyMB <= 0 {
		c.MaxBodyMB = 512
	}
}

type optimizerState struct {
	name         string
	learningRate float64
	pending      bool
}

// Server holds the fake model state.
type Server struct {
	mu         sync.Mutex
	cfg        *Config
	vocabSize  int
	steps      int
	optimizers map[string]*optimizerState
}

// NewServer returns a server for cfg with defaults applied.
func NewServer(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{cfg: &cfg, vocabSize: cfg.VocabSize, optimizers: map[string]*optimizerState{}}
}

// Handler routes the backend endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /v1/forward", s.handleForward)
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("POST /v1/embeddings/resize", s.handleResize)
	mux.HandleFunc("POST /v1/embeddings/size", s.handleSize)
	mux.HandleFunc("POST /v1/optimizers", s.handleNewOptimizer)
	mux.HandleFunc("POST /v1/optimizers/{id}/zero_grad", s.handleZeroGrad)
	mux.HandleFunc("POST /v1/optimizers/{id}/step", s.handleStep)
	return mux
}

func main() {
	cfg, err := loadConfig(configPath())
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	s := NewServer(*cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("mockbackend config: vocab_size=%d answer=%v initial_loss=%g decay=%g", s.cfg.VocabSize, s.cfg.Answer, s.cfg.InitialLoss, s.cfg.Decay)
	log.Printf("listening on %s (GOOS=%s)", srv.Addr, runtime.GOOS)
	log.Fatal(srv.ListenAndServe())
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	var req remote.ForwardRequest
	if !s.decode(w, r, &req) {
		return
	}
	batch, err := checkInputs(req.FlattenedPatches, req.AttentionMask)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Labels) != batch {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%d label rows for batch of %d", len(req.Labels), batch))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range req.Labels {
		for _, id := range row {
			if id >= 0 && s.vocabSize > 0 && int(id) >= s.vocabSize {
				writeError(w, http.StatusBadRequest, fmt.Errorf("label id %d outside embedding table of %d rows", id, s.vocabSize))
				return
			}
		}
	}
	for _, opt := range s.optimizers {
		opt.pending = true
	}
	loss := s.cfg.InitialLoss * math.Pow(s.cfg.Decay, float64(s.steps))
	log.Printf("forward: batch=%d step=%d loss=%.4f", batch, s.steps, loss)
	writeCBOR(w, http.StatusOK, remote.ForwardResponse{Loss: loss})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req remote.GenerateRequest
	if !s.decode(w, r, &req) {
		return
	}
	batch, err := checkInputs(req.FlattenedPatches, req.AttentionMask)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	seq := s.answer(req.MaxNewTokens, req.MinLength)
	seqs := make([][]int32, batch)
	for i := range seqs {
		seqs[i] = seq
	}
	log.Printf("generate: batch=%d tokens=%d", batch, len(seq))
	writeCBOR(w, http.StatusOK, remote.GenerateResponse{Sequences: seqs})
}

// answer returns the configured answer followed by EOS, cut to maxNew tokens
// and padded with EOS to at least minLength.
func (s *Server) answer(maxNew, minLength int) []int32 {
	seq := append([]int32{}, s.cfg.Answer...)
	seq = append(seq, s.cfg.EOSID)
	if maxNew > 0 && len(seq) > maxNew {
		seq = seq[:maxNew]
	}
	for len(seq) < minLength {
		seq = append(seq, s.cfg.EOSID)
	}
	return seq
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req remote.ResizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Size <= 0 || req.Size < s.vocabSize {
		writeError(w, http.StatusBadRequest, fmt.Errorf("cannot resize embedding table from %d to %d rows", s.vocabSize, req.Size))
		return
	}
	log.Printf("resize: %d -> %d", s.vocabSize, req.Size)
	s.vocabSize = req.Size
	writeCBOR(w, http.StatusOK, remote.ResizeResponse{Size: s.vocabSize})
}

// handleSize reports the table size; zero until vocab_size is configured or a
// resize happens.
func (s *Server) handleSize(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	size := s.vocabSize
	s.mu.Unlock()
	writeCBOR(w, http.StatusOK, remote.ResizeResponse{Size: size})
}

func (s *Server) handleNewOptimizer(w http.ResponseWriter, r *http.Request) {
	var req remote.OptimizerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name != "adam" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported optimizer %q", req.Name))
		return
	}
	if req.LearningRate <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("learning rate must be positive, got %g", req.LearningRate))
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.optimizers[id] = &optimizerState{name: req.Name, learningRate: req.LearningRate}
	s.mu.Unlock()
	log.Printf("optimizer %s created: %s lr=%g", id, req.Name, req.LearningRate)
	writeCBOR(w, http.StatusOK, remote.OptimizerResponse{ID: id})
}

func (s *Server) handleZeroGrad(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opt, ok := s.optimizers[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown optimizer %q", r.PathValue("id")))
		return
	}
	opt.pending = false
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opt, ok := s.optimizers[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown optimizer %q", r.PathValue("id")))
		return
	}
	if opt.pending {
		s.steps++
		opt.pending = false
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyMB<<20)
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return false
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid CBOR: %w", err))
		return false
	}
	return true
}

// checkInputs validates the patch and mask tensors and returns the batch size.
func checkInputs(patches, mask remote.Tensor) (int, error) {
	if len(patches.Shape) != 3 || len(mask.Shape) != 2 {
		return 0, fmt.Errorf("patches %v and mask %v must be rank 3 and 2", patches.Shape, mask.Shape)
	}
	if patches.Shape[0] != mask.Shape[0] || patches.Shape[1] != mask.Shape[1] {
		return 0, fmt.Errorf("patches %v do not match mask %v", patches.Shape, mask.Shape)
	}
	if _, err := patches.Values(); err != nil {
		return 0, err
	}
	if patches.Shape[0] == 0 {
		return 0, errors.New("empty batch")
	}
	return patches.Shape[0], nil
}

func writeCBOR(w http.ResponseWriter, status int, v any) {
	data, err := cbor.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	log.Printf("request error: %v", err)
	writeCBOR(w, status, remote.ErrorResponse{Error: err.Error()})
}

func configPath() string {
	if path := os.Getenv("MOCKBACKEND_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("servers", "mockbackend", "mockbackend.yml")
}

// loadConfig reads path. A missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if cfg.VocabSize < 0 {
		return nil, fmt.Errorf("vocab_size must not be negative, got %d", cfg.VocabSize)
	}
	cfg.applyDefaults()
	return &cfg, nil
}
