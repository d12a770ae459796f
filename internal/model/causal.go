package model

import (
	"github.com/samcharles93/nnxlm/internal/kvcache"
	"github.com/samcharles93/nnxlm/internal/logger"
	"github.com/samcharles93/nnxlm/internal/tensor"
)

// CausalLM is a Decoder followed by a vocabulary projection. With tied
// embeddings the projection reuses the embedding table.
type CausalLM struct {
	cfg     Config
	decoder *Decoder
	head    *tensor.Mat
	tied    bool
	ops     Ops
	log     logger.Logger
}

type options struct {
	log     logger.Logger
	ops     Ops
	workers int
}

// Option customises New.
type Option func(*options)

// WithLogger sets the logger used for per-forward debug records.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithOps replaces the dense projection kernel.
func WithOps(ops Ops) Option {
	return func(o *options) { o.ops = ops }
}

// WithWorkers bounds attention parallelism. Zero picks GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// New validates cfg and binds w. Configuration problems are reported as
// ErrConfig before any weights are used.
func New(cfg Config, w *Weights, opts ...Option) (*CausalLM, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = logger.Discard()
	}
	o.ops = ensureOps(o.ops)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if w == nil {
		return nil, configErrorf("weights are required")
	}
	log := o.log.With("variant", cfg.Variant.Name)
	dec, err := newDecoder(cfg, w, o.ops, o.workers, log)
	if err != nil {
		return nil, err
	}
	m := &CausalLM{cfg: cfg, decoder: dec, tied: cfg.TieWordEmbeddings, ops: o.ops, log: log}
	if m.tied {
		m.head = w.Embedding
	} else {
		if err := checkMat("lm_head", w.LMHead, cfg.VocabSize, cfg.HiddenSize); err != nil {
			return nil, err
		}
		m.head = w.LMHead
	}
	log.Info("model ready", "config", cfg.String(), "params", w.NumParams())
	return m, nil
}

// Forward returns logits shaped (batch, seq, vocab).
func (m *CausalLM) Forward(ids [][]int, mask *Mask, positions [][]int, cache *kvcache.Cache) (*tensor.Tensor, error) {
	h, err := m.decoder.Forward(ids, mask, positions, cache)
	if err != nil {
		return nil, err
	}
	batch, seq := h.Dim(0), h.Dim(1)
	return &tensor.Tensor{
		Shape: []int{batch, seq, m.cfg.VocabSize},
		Data:  project(m.ops, h.Data, batch*seq, m.head),
	}, nil
}

// Config returns the defaulted configuration.
func (m *CausalLM) Config() Config { return m.cfg }

// Decoder returns the underlying decoder stack.
func (m *CausalLM) Decoder() *Decoder { return m.decoder }

// Tied reports whether the output projection shares the embedding table.
func (m *CausalLM) Tied() bool { return m.tied }

// NewCache returns an empty cache sized for the model.
func (m *CausalLM) NewCache() *kvcache.Cache { return kvcache.New(m.cfg.NumLayers) }
