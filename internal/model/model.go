package model

import (
	"github.com/samcharles93/nnxlm/internal/kvcache"
	"github.com/samcharles93/nnxlm/internal/tensor"
)

// Model is a decoder-only language model that maps token ids to logits.
type Model interface {
	// Forward returns logits shaped (batch, seq, vocab) for ids, extending
	// cache with the processed positions when cache is non-nil.
	Forward(ids [][]int, mask *Mask, positions [][]int, cache *kvcache.Cache) (*tensor.Tensor, error)
	// Config returns the defaulted configuration the model was built with.
	Config() Config
	// NewCache returns an empty cache with one entry per layer.
	NewCache() *kvcache.Cache
}

var _ Model = (*CausalLM)(nil)
