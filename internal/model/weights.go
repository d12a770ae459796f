package model

import (
	"fmt"

	"github.com/samcharles93/nnxlm/internal/logger"
	"github.com/samcharles93/nnxlm/internal/tensor"
)

// LayerWeights holds one transformer block. Matrices are [out x in].
//
// A block uses either QKV or the Q/K/V triple, and either GateUp or the
// Gate/Up pair, depending on the variant. QNorm and KNorm are per-head
// (HeadDim) scales and are only read when the variant normalises q/k.
type LayerWeights struct {
	InputNorm    []float32
	PostAttnNorm []float32

	QKV     *tensor.Mat
	Q, K, V *tensor.Mat
	O       *tensor.Mat

	QNorm, KNorm []float32

	GateUp   *tensor.Mat
	Gate, Up *tensor.Mat
	Down     *tensor.Mat
}

// Weights holds every parameter of a causal language model. LMHead is
// ignored when the configuration ties embeddings.
type Weights struct {
	Embedding *tensor.Mat // [vocab x hidden]
	Layers    []LayerWeights
	Norm      []float32
	LMHead    *tensor.Mat // [vocab x hidden]
}

// RandomWeights builds reproducible weights shaped for cfg. Projection
// layouts follow the variant: fused variants receive QKV and GateUp.
func RandomWeights(cfg Config, seed int64) (*Weights, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	hidden, hd := cfg.HiddenSize, cfg.HeadDim
	qDim, kvDim := cfg.NumHeads*hd, cfg.NumKVHeads*hd

	next := seed
	mat := func(r, c int) *tensor.Mat {
		m := tensor.NewMat(r, c)
		next++
		tensor.FillRandMat(m, next, 0.5)
		return m
	}
	norm := func(n int) []float32 {
		w := make([]float32, n)
		next++
		r := tensor.New(n)
		tensor.FillRand(r, next, 0.2)
		for i := range w {
			w[i] = 1 + r.Data[i]
		}
		return w
	}

	w := &Weights{
		Embedding: mat(cfg.VocabSize, hidden),
		Layers:    make([]LayerWeights, cfg.NumLayers),
	}
	for i := range w.Layers {
		l := &w.Layers[i]
		l.InputNorm = norm(hidden)
		l.PostAttnNorm = norm(hidden)
		if cfg.Variant.FusedQKV {
			l.QKV = mat(qDim+2*kvDim, hidden)
		} else {
			l.Q = mat(qDim, hidden)
			l.K = mat(kvDim, hidden)
			l.V = mat(kvDim, hidden)
		}
		l.O = mat(hidden, qDim)
		if cfg.Variant.QKNorm {
			l.QNorm = norm(hd)
			l.KNorm = norm(hd)
		}
		if cfg.Variant.FusedGateUp {
			l.GateUp = mat(2*cfg.IntermediateSize, hidden)
		} else {
			l.Gate = mat(cfg.IntermediateSize, hidden)
			l.Up = mat(cfg.IntermediateSize, hidden)
		}
		l.Down = mat(hidden, cfg.IntermediateSize)
	}
	w.Norm = norm(hidden)
	if !cfg.TieWordEmbeddings {
		w.LMHead = mat(cfg.VocabSize, hidden)
	}
	return w, nil
}

// FuseQKV stacks separate projections into one [q+k+v x hidden] matrix.
func FuseQKV(q, k, v *tensor.Mat) (*tensor.Mat, error) {
	return tensor.ConcatRows(q, k, v)
}

// FuseGateUp stacks gate and up into one [2*intermediate x hidden] matrix.
func FuseGateUp(gate, up *tensor.Mat) (*tensor.Mat, error) {
	return tensor.ConcatRows(gate, up)
}

// FuseProjections returns a copy of l with split projections replaced by
// their fused equivalents. Already fused projections are kept.
func (l LayerWeights) FuseProjections() (LayerWeights, error) {
	out := l
	if l.QKV == nil {
		qkv, err := FuseQKV(l.Q, l.K, l.V)
		if err != nil {
			return LayerWeights{}, fmt.Errorf("fuse qkv: %w", err)
		}
		out.QKV, out.Q, out.K, out.V = qkv, nil, nil, nil
	}
	if l.GateUp == nil {
		gu, err := FuseGateUp(l.Gate, l.Up)
		if err != nil {
			return LayerWeights{}, fmt.Errorf("fuse gate/up: %w", err)
		}
		out.GateUp, out.Gate, out.Up = gu, nil, nil
	}
	return out, nil
}

// NamedTensor describes one parameter for inspection.
type NamedTensor struct {
	Name  string
	Shape []int
}

// Tensors lists the parameters present in w using Hugging Face style names.
func (w *Weights) Tensors() []NamedTensor {
	var out []NamedTensor
	addMat := func(name string, m *tensor.Mat) {
		if m != nil {
			out = append(out, NamedTensor{Name: name, Shape: []int{m.R, m.C}})
		}
	}
	addVec := func(name string, v []float32) {
		if v != nil {
			out = append(out, NamedTensor{Name: name, Shape: []int{len(v)}})
		}
	}
	addMat("model.embed_tokens.weight", w.Embedding)
	for i, l := range w.Layers {
		p := fmt.Sprintf("model.layers.%d.", i)
		addVec(p+"input_layernorm.weight", l.InputNorm)
		addMat(p+"self_attn.qkv_proj.weight", l.QKV)
		addMat(p+"self_attn.q_proj.weight", l.Q)
		addMat(p+"self_attn.k_proj.weight", l.K)
		addMat(p+"self_attn.v_proj.weight", l.V)
		addVec(p+"self_attn.q_norm.weight", l.QNorm)
		addVec(p+"self_attn.k_norm.weight", l.KNorm)
		addMat(p+"self_attn.o_proj.weight", l.O)
		addVec(p+"post_attention_layernorm.weight", l.PostAttnNorm)
		addMat(p+"mlp.gate_up_proj.weight", l.GateUp)
		addMat(p+"mlp.gate_proj.weight", l.Gate)
		addMat(p+"mlp.up_proj.weight", l.Up)
		addMat(p+"mlp.down_proj.weight", l.Down)
	}
	addVec("model.norm.weight", w.Norm)
	addMat("lm_head.weight", w.LMHead)
	return out
}

// NumParams counts the scalars listed by Tensors.
func (w *Weights) NumParams() int {
	n := 0
	for _, t := range w.Tensors() {
		p := 1
		for _, d := range t.Shape {
			p *= d
		}
		n += p
	}
	return n
}

func checkMat(name string, m *tensor.Mat, rows, cols int) error {
	if m == nil {
		return configErrorf("missing %s", name)
	}
	if m.R != rows || m.C != cols {
		return configErrorf("%s is [%d x %d], want [%d x %d]", name, m.R, m.C, rows, cols)
	}
	return nil
}

// Validate checks every tensor shape against cfg without building a model.
func (w *Weights) Validate(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.WithDefaults()
	if _, err := newDecoder(cfg, w, nil, 1, logger.Discard()); err != nil {
		return err
	}
	if cfg.TieWordEmbeddings {
		return nil
	}
	return checkMat("lm_head", w.LMHead, cfg.VocabSize, cfg.HiddenSize)
}

// RoundTo returns a copy of w whose matrices have been stored as dtype and
// decoded back, matching what a half-precision checkpoint would load as.
// Norm scales are copied unchanged.
func (w *Weights) RoundTo(dtype tensor.DType) (*Weights, error) {
	round := func(m *tensor.Mat) (*tensor.Mat, error) {
		if m == nil {
			return nil, nil
		}
		// Clone packs rows so Data is exactly R*C values.
		c := m.Clone()
		raw, err := tensor.EncodeRaw(dtype, c.Data)
		if err != nil {
			return nil, err
		}
		return tensor.NewMatFromRaw(c.R, c.C, dtype, raw)
	}
	var err error
	out := &Weights{
		Layers: make([]LayerWeights, len(w.Layers)),
		Norm:   append([]float32(nil), w.Norm...),
	}
	if out.Embedding, err = round(w.Embedding); err != nil {
		return nil, fmt.Errorf("embed_tokens: %w", err)
	}
	if out.LMHead, err = round(w.LMHead); err != nil {
		return nil, fmt.Errorf("lm_head: %w", err)
	}
	for i, l := range w.Layers {
		r := LayerWeights{
			InputNorm:    append([]float32(nil), l.InputNorm...),
			PostAttnNorm: append([]float32(nil), l.PostAttnNorm...),
			QNorm:        append([]float32(nil), l.QNorm...),
			KNorm:        append([]float32(nil), l.KNorm...),
		}
		for _, p := range []struct {
			dst **tensor.Mat
			src *tensor.Mat
		}{
			{&r.QKV, l.QKV}, {&r.Q, l.Q}, {&r.K, l.K}, {&r.V, l.V}, {&r.O, l.O},
			{&r.GateUp, l.GateUp}, {&r.Gate, l.Gate}, {&r.Up, l.Up}, {&r.Down, l.Down},
		} {
			if *p.dst, err = round(p.src); err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
		}
		out.Layers[i] = r
	}
	return out, nil
}
