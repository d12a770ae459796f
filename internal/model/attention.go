package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/nnxlm/internal/tensor"
)

// LayerCache is the per-layer key/value history used by Attention.
// *kvcache.Layer implements it.
type LayerCache interface {
	Len() int
	Update(keys, values *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error)
}

// Attention is grouped-query self-attention with rotary positions.
//
// Queries, keys and values come either from one fused projection split by
// offset (q first, then k, then v) or from three separate projections. When
// q/k normalisation is enabled, each head is RMS-normalised before rotation.
type Attention struct {
	heads, kvHeads, headDim int
	scale                   float32

	qkv, q, k, v, o *tensor.Mat
	qNorm, kNorm    *RMSNorm

	rope    *RotaryEncoder
	ops     Ops
	workers int
}

// NewAttention binds the projection weights of lw for cfg.
func NewAttention(cfg Config, lw *LayerWeights, rope *RotaryEncoder, ops Ops, workers int) (*Attention, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	hidden, hd := cfg.HiddenSize, cfg.HeadDim
	qDim, kvDim := cfg.NumHeads*hd, cfg.NumKVHeads*hd
	if rope == nil {
		return nil, configErrorf("attention requires a rotary encoder")
	}
	if rope.HeadDim() != hd || rope.RotDims() != cfg.RotaryDims() {
		return nil, configErrorf("rotary encoder is for head_dim %d/%d, config wants %d/%d", rope.HeadDim(), rope.RotDims(), hd, cfg.RotaryDims())
	}

	a := &Attention{
		heads:   cfg.NumHeads,
		kvHeads: cfg.NumKVHeads,
		headDim: hd,
		scale:   float32(1 / math.Sqrt(float64(hd))),
		o:       lw.O,
		rope:    rope,
		ops:     ensureOps(ops),
		workers: workers,
	}
	if cfg.Variant.FusedQKV {
		if err := checkMat("qkv_proj", lw.QKV, qDim+2*kvDim, hidden); err != nil {
			return nil, err
		}
		a.qkv = lw.QKV
	} else {
		for _, p := range []struct {
			name string
			m    *tensor.Mat
			rows int
		}{{"q_proj", lw.Q, qDim}, {"k_proj", lw.K, kvDim}, {"v_proj", lw.V, kvDim}} {
			if err := checkMat(p.name, p.m, p.rows, hidden); err != nil {
				return nil, err
			}
		}
		a.q, a.k, a.v = lw.Q, lw.K, lw.V
	}
	if err := checkMat("o_proj", lw.O, hidden, qDim); err != nil {
		return nil, err
	}
	if cfg.Variant.QKNorm {
		var err error
		if a.qNorm, err = newRMSNorm("q_norm", lw.QNorm, hd, cfg.RMSNormEps); err != nil {
			return nil, err
		}
		if a.kNorm, err = newRMSNorm("k_norm", lw.KNorm, hd, cfg.RMSNormEps); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Forward attends x (batch, seq, hidden) over the cached history plus the
// new positions. cache may be nil for a stateless call; mask must cover
// (seq, cached+seq) keys and table must cover (batch, seq).
func (a *Attention) Forward(x *tensor.Tensor, mask *Mask, table *RotaryTable, cache LayerCache) (*tensor.Tensor, error) {
	out, _, err := a.forward(x, mask, table, cache, false)
	return out, err
}

func (a *Attention) checkInput(x *tensor.Tensor, mask *Mask, table *RotaryTable, past int) error {
	hidden := a.o.R
	if x == nil || x.Rank() != 3 || x.Dim(2) != hidden {
		var shape []int
		if x != nil {
			shape = x.Shape
		}
		return inputErrorf("attention input %v, want (batch, seq, %d)", shape, hidden)
	}
	batch, seq := x.Dim(0), x.Dim(1)
	if err := mask.check(batch, a.heads, seq, past+seq); err != nil {
		return err
	}
	return table.check(batch, seq)
}

func (a *Attention) forward(x *tensor.Tensor, mask *Mask, table *RotaryTable, cache LayerCache, wantProbs bool) (*tensor.Tensor, *tensor.Tensor, error) {
	past := 0
	if cache != nil {
		past = cache.Len()
	}
	if err := a.checkInput(x, mask, table, past); err != nil {
		return nil, nil, err
	}
	batch, seq, hidden := x.Dim(0), x.Dim(1), x.Dim(2)
	n := batch * seq
	qDim, kvDim := a.heads*a.headDim, a.kvHeads*a.headDim

	var q, k, v *tensor.Tensor
	if a.qkv != nil {
		fused := project(a.ops, x.Data, n, a.qkv)
		stride := qDim + 2*kvDim
		q = splitHeads(fused, stride, 0, batch, seq, a.heads, a.headDim)
		k = splitHeads(fused, stride, qDim, batch, seq, a.kvHeads, a.headDim)
		v = splitHeads(fused, stride, qDim+kvDim, batch, seq, a.kvHeads, a.headDim)
	} else {
		q = splitHeads(project(a.ops, x.Data, n, a.q), qDim, 0, batch, seq, a.heads, a.headDim)
		k = splitHeads(project(a.ops, x.Data, n, a.k), kvDim, 0, batch, seq, a.kvHeads, a.headDim)
		v = splitHeads(project(a.ops, x.Data, n, a.v), kvDim, 0, batch, seq, a.kvHeads, a.headDim)
	}

	if a.qNorm != nil {
		a.qNorm.applyInPlace(q)
		a.kNorm.applyInPlace(k)
	}
	if err := a.rope.ApplyQK(q, k, table); err != nil {
		return nil, nil, err
	}

	if cache != nil {
		var err error
		if k, v, err = cache.Update(k, v); err != nil {
			return nil, nil, fmt.Errorf("update kv cache: %w", err)
		}
	}
	nRep := a.heads / a.kvHeads
	k = RepeatKV(k, nRep)
	v = RepeatKV(v, nRep)

	ctx := &attnContext{
		q:     q,
		k:     k,
		v:     v,
		mask:  mask,
		scale: a.scale,
		out:   make([]float32, n*qDim),
	}
	var probs *tensor.Tensor
	if wantProbs {
		probs = tensor.New(batch, a.heads, seq, k.Dim(2))
		ctx.probs = probs.Data
	}
	scaledDotProductAttention(ctx, a.workers)

	out := &tensor.Tensor{
		Shape: []int{batch, seq, hidden},
		Data:  project(a.ops, ctx.out, n, a.o),
	}
	return out, probs, nil
}

// splitHeads gathers columns [off, off+heads*headDim) of a (batch*seq, stride)
// row-major block into a (batch, heads, seq, headDim) tensor.
func splitHeads(src []float32, stride, off, batch, seq, heads, headDim int) *tensor.Tensor {
	out := tensor.New(batch, heads, seq, headDim)
	for b := range batch {
		for l := range seq {
			row := src[(b*seq+l)*stride+off:]
			for h := range heads {
				dst := ((b*heads+h)*seq + l) * headDim
				copy(out.Data[dst:dst+headDim], row[h*headDim:(h+1)*headDim])
			}
		}
	}
	return out
}
