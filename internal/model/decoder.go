package model

import (
	"fmt"
	"time"

	"github.com/samcharles93/nnxlm/internal/kvcache"
	"github.com/samcharles93/nnxlm/internal/logger"
	"github.com/samcharles93/nnxlm/internal/tensor"
)

// Decoder embeds token ids, runs every block in order and applies the final
// normalisation.
type Decoder struct {
	cfg       Config
	embedding *tensor.Mat
	blocks    []*Block
	norm      *RMSNorm
	rope      *RotaryEncoder
	log       logger.Logger
}

func newDecoder(cfg Config, w *Weights, ops Ops, workers int, log logger.Logger) (*Decoder, error) {
	if err := checkMat("embed_tokens", w.Embedding, cfg.VocabSize, cfg.HiddenSize); err != nil {
		return nil, err
	}
	if len(w.Layers) != cfg.NumLayers {
		return nil, configErrorf("weights hold %d layers, config wants %d", len(w.Layers), cfg.NumLayers)
	}
	rope, err := NewRotaryEncoder(cfg)
	if err != nil {
		return nil, err
	}
	norm, err := newRMSNorm("norm", w.Norm, cfg.HiddenSize, cfg.RMSNormEps)
	if err != nil {
		return nil, err
	}
	d := &Decoder{
		cfg:       cfg,
		embedding: w.Embedding,
		blocks:    make([]*Block, cfg.NumLayers),
		norm:      norm,
		rope:      rope,
		log:       log,
	}
	for i := range d.blocks {
		b, err := NewBlock(cfg, i, &w.Layers[i], rope, ops, workers)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		d.blocks[i] = b
	}
	return d, nil
}

// Blocks returns the transformer layers in execution order.
func (d *Decoder) Blocks() []*Block { return d.blocks }

// Rotary returns the shared rotary encoder.
func (d *Decoder) Rotary() *RotaryEncoder { return d.rope }

// Forward returns final hidden states shaped (batch, seq, hidden).
//
// ids is [batch][seq]; positions holds the absolute position of every id
// (or a single row shared by the batch); mask must cover the cached history
// plus seq keys. All inputs are validated before cache is touched.
func (d *Decoder) Forward(ids [][]int, mask *Mask, positions [][]int, cache *kvcache.Cache) (*tensor.Tensor, error) {
	start := time.Now()
	batch, seq, err := d.checkIDs(ids)
	if err != nil {
		return nil, err
	}
	past, err := d.checkCache(cache, batch)
	if err != nil {
		return nil, err
	}
	if err := mask.check(batch, d.cfg.NumHeads, seq, past+seq); err != nil {
		return nil, err
	}
	table, err := d.rope.Table(positions)
	if err != nil {
		return nil, err
	}
	if err := table.check(batch, seq); err != nil {
		return nil, err
	}

	if cache != nil {
		cache.StartForward()
	}
	x := d.embed(ids, batch, seq)
	for i, b := range d.blocks {
		var lc LayerCache
		if cache != nil {
			l, err := cache.Layer(i)
			if err != nil {
				return nil, err
			}
			lc = l
		}
		if x, err = b.Forward(x, mask, table, lc); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	d.norm.applyInPlace(x)

	d.log.Debug("decoder forward",
		"batch", batch,
		"seq", seq,
		"past", past,
		"layers", len(d.blocks),
		"elapsed", time.Since(start),
	)
	return x, nil
}

func (d *Decoder) checkIDs(ids [][]int) (batch, seq int, err error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return 0, 0, inputErrorf("token ids must be non-empty")
	}
	batch, seq = len(ids), len(ids[0])
	for b, row := range ids {
		if len(row) != seq {
			return 0, 0, inputErrorf("token row %d has %d ids, want %d", b, len(row), seq)
		}
		for l, id := range row {
			if id < 0 || id >= d.cfg.VocabSize {
				return 0, 0, inputErrorf("token id %d at (%d, %d) outside vocabulary [0, %d)", id, b, l, d.cfg.VocabSize)
			}
		}
	}
	return batch, seq, nil
}

// checkCache returns the cached length after confirming every layer agrees
// on it and on the (batch, kvHeads, headDim) layout.
func (d *Decoder) checkCache(cache *kvcache.Cache, batch int) (int, error) {
	if cache == nil {
		return 0, nil
	}
	if cache.NumLayers() != len(d.blocks) {
		return 0, fmt.Errorf("%w: cache has %d layers, model has %d", kvcache.ErrLayerRange, cache.NumLayers(), len(d.blocks))
	}
	past := cache.Len()
	for i := range cache.NumLayers() {
		l, err := cache.Layer(i)
		if err != nil {
			return 0, err
		}
		if l.Len() != past {
			return 0, fmt.Errorf("%w: layer %d holds %d positions, layer 0 holds %d", kvcache.ErrShape, i, l.Len(), past)
		}
		if past == 0 {
			continue
		}
		b, h, hd := l.Dims()
		if b != batch || h != d.cfg.NumKVHeads || hd != d.cfg.HeadDim {
			return 0, fmt.Errorf("%w: layer %d holds (%d, %d, _, %d), input needs (%d, %d, _, %d)",
				kvcache.ErrShape, i, b, h, hd, batch, d.cfg.NumKVHeads, d.cfg.HeadDim)
		}
	}
	return past, nil
}

func (d *Decoder) embed(ids [][]int, batch, seq int) *tensor.Tensor {
	x := tensor.New(batch, seq, d.cfg.HiddenSize)
	for b, row := range ids {
		for l, id := range row {
			d.embedding.RowTo(x.Row(b*seq+l), id)
		}
	}
	return x
}
