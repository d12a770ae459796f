package model

import "github.com/samcharles93/nnxlm/internal/tensor"

// Block is one pre-norm transformer layer:
//
//	h   = x + attn(norm1(x))
//	out = h + mlp(norm2(h))
type Block struct {
	index        int
	inputNorm    *RMSNorm
	postAttnNorm *RMSNorm
	attn         *Attention
	mlp          *FeedForward
}

// NewBlock binds layer index of w.
func NewBlock(cfg Config, index int, lw *LayerWeights, rope *RotaryEncoder, ops Ops, workers int) (*Block, error) {
	cfg = cfg.WithDefaults()
	in, err := newRMSNorm("input_layernorm", lw.InputNorm, cfg.HiddenSize, cfg.RMSNormEps)
	if err != nil {
		return nil, err
	}
	post, err := newRMSNorm("post_attention_layernorm", lw.PostAttnNorm, cfg.HiddenSize, cfg.RMSNormEps)
	if err != nil {
		return nil, err
	}
	attn, err := NewAttention(cfg, lw, rope, ops, workers)
	if err != nil {
		return nil, err
	}
	mlp, err := NewFeedForward(cfg, lw, ops)
	if err != nil {
		return nil, err
	}
	return &Block{index: index, inputNorm: in, postAttnNorm: post, attn: attn, mlp: mlp}, nil
}

// Attention exposes the block's attention sublayer.
func (b *Block) Attention() *Attention { return b.attn }

// Forward returns a new (batch, seq, hidden) tensor; x is not modified.
func (b *Block) Forward(x *tensor.Tensor, mask *Mask, table *RotaryTable, cache LayerCache) (*tensor.Tensor, error) {
	a, err := b.attn.Forward(b.inputNorm.Forward(x), mask, table, cache)
	if err != nil {
		return nil, err
	}
	h := x.Clone()
	tensor.Add(h.Data, a.Data)

	m := b.mlp.Forward(b.postAttnNorm.Forward(h))
	tensor.Add(h.Data, m.Data)
	return h, nil
}
