package model

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/nnxlm/internal/kvcache"
	"github.com/samcharles93/nnxlm/internal/tensor"
)

func newTestAttention(t *testing.T, cfg Config, lw *LayerWeights, workers int) *Attention {
	t.Helper()
	enc, err := NewRotaryEncoder(cfg)
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewAttention(cfg, lw, enc, nil, workers)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestRepeatKVContiguous(t *testing.T) {
	t.Parallel()
	const batch, kv, seq, d, nRep = 2, 2, 3, 4, 2
	x := randTensor(1, batch, kv, seq, d)
	out := RepeatKV(x, nRep)
	if got := out.Shape; got[1] != kv*nRep {
		t.Fatalf("shape %v", got)
	}
	for b := range batch {
		for h := range kv * nRep {
			src := h / nRep
			for l := range seq {
				requireClose(t, "repeat", headSlice(out, b, h, l), headSlice(x, b, src, l), 0)
			}
		}
	}
	if RepeatKV(x, 1) != x {
		t.Fatal("nRep=1 should return the input")
	}
}

// Query head h must see exactly the keys of kv head h/nRep: feeding four
// query heads and two kv heads gives the same output as running each group
// with plain multi-head attention over its own kv head.
func TestGroupedQueryCorrespondence(t *testing.T) {
	t.Parallel()
	const seq, d = 3, 4
	q := randTensor(2, 1, 4, seq, d)
	k := randTensor(3, 1, 2, seq, d)
	v := randTensor(4, 1, 2, seq, d)
	mask := CausalMask(1, seq, 0)

	grouped := &attnContext{q: q, k: RepeatKV(k, 2), v: RepeatKV(v, 2), mask: mask, scale: 0.5, out: make([]float32, seq*4*d)}
	scaledDotProductAttention(grouped, 1)

	for h := range 4 {
		qh, _ := tensor.FromData(append([]float32(nil), q.Data[h*seq*d:(h+1)*seq*d]...), 1, 1, seq, d)
		g := h / 2
		kh, _ := tensor.FromData(append([]float32(nil), k.Data[g*seq*d:(g+1)*seq*d]...), 1, 1, seq, d)
		vh, _ := tensor.FromData(append([]float32(nil), v.Data[g*seq*d:(g+1)*seq*d]...), 1, 1, seq, d)
		single := &attnContext{q: qh, k: kh, v: vh, mask: mask, scale: 0.5, out: make([]float32, seq*d)}
		scaledDotProductAttention(single, 1)
		for l := range seq {
			got := grouped.out[l*4*d+h*d : l*4*d+(h+1)*d]
			requireClose(t, "head", got, single.out[l*d:(l+1)*d], 0)
		}
	}
}

func TestAttentionWorkersDoNotChangeResult(t *testing.T) {
	t.Parallel()
	const heads, seq, d = 6, 5, 4
	q := randTensor(5, 2, heads, seq, d)
	k := randTensor(6, 2, heads, seq, d)
	v := randTensor(7, 2, heads, seq, d)
	run := func(workers int) []float32 {
		ctx := &attnContext{q: q, k: k, v: v, mask: CausalMask(2, seq, 0), scale: 0.5, out: make([]float32, 2*seq*heads*d)}
		scaledDotProductAttention(ctx, workers)
		return ctx.out
	}
	want := run(1)
	for _, w := range []int{0, 2, 3, 64} {
		requireClose(t, "workers", run(w), want, 0)
	}
}

func TestCausalMaskEnforced(t *testing.T) {
	t.Parallel()
	for _, v := range []Variant{Phi3, Qwen3} {
		cfg := tinyConfig(v)
		w, err := RandomWeights(cfg, 11)
		if err != nil {
			t.Fatal(err)
		}
		a := newTestAttention(t, cfg, &w.Layers[0], 0)
		const batch, seq = 2, 5
		x := randTensor(12, batch, seq, cfg.HiddenSize)
		table, _ := a.rope.Table(SequentialPositions(batch, 0, seq))

		_, probs, err := a.forward(x, CausalMask(batch, seq, 0), table, nil, true)
		if err != nil {
			t.Fatal(err)
		}
		for b := range batch {
			for h := range cfg.NumHeads {
				for i := range seq {
					row := probs.Row(((b*cfg.NumHeads)+h)*seq + i)
					var sum float64
					for j, p := range row {
						if j > i && p != 0 {
							t.Fatalf("%s: b=%d h=%d query %d attends to future key %d (p=%g)", v.Name, b, h, i, j, p)
						}
						sum += float64(p)
					}
					if math.Abs(sum-1) > 1e-5 {
						t.Fatalf("%s: weights for query %d sum to %g", v.Name, i, sum)
					}
				}
			}
		}
	}
}

func TestKeyPaddingMask(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(Qwen3)
	w, _ := RandomWeights(cfg, 13)
	a := newTestAttention(t, cfg, &w.Layers[0], 1)
	const seq = 4
	mask, err := CausalMask(2, seq, 0).WithKeyPadding([][]bool{
		{true, true, true, true},
		{false, true, true, true},
	})
	if err != nil {
		t.Fatal(err)
	}
	x := randTensor(14, 2, seq, cfg.HiddenSize)
	table, _ := a.rope.Table(SequentialPositions(1, 0, seq))
	out, probs, err := a.forward(x, mask, table, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	for h := range cfg.NumHeads {
		// Query 0 of row 1 sees no key at all.
		for _, p := range probs.Row((cfg.NumHeads+h)*seq + 0) {
			if p != 0 {
				t.Fatalf("fully masked row has weight %g", p)
			}
		}
		for i := 1; i < seq; i++ {
			if p := probs.Row((cfg.NumHeads+h)*seq + i)[0]; p != 0 {
				t.Fatalf("padded key has weight %g at query %d", p, i)
			}
		}
	}
	for _, f := range out.Data {
		if math.IsNaN(float64(f)) {
			t.Fatal("NaN in output of padded batch")
		}
	}
}

func TestFusedAndSplitProjectionsAgree(t *testing.T) {
	t.Parallel()
	split := Variant{Name: "split", QKNorm: true}
	fused := Variant{Name: "fused", QKNorm: true, FusedQKV: true, FusedGateUp: true}
	cfgSplit := tinyConfig(split)
	cfgFused := cfgSplit
	cfgFused.Variant = fused

	ws, err := RandomWeights(cfgSplit, 21)
	if err != nil {
		t.Fatal(err)
	}
	wf := *ws
	wf.Layers = make([]LayerWeights, len(ws.Layers))
	for i, l := range ws.Layers {
		if wf.Layers[i], err = l.FuseProjections(); err != nil {
			t.Fatal(err)
		}
	}

	ms, err := New(cfgSplit, ws)
	if err != nil {
		t.Fatal(err)
	}
	mf, err := New(cfgFused, &wf)
	if err != nil {
		t.Fatal(err)
	}
	ids := seqIDs(2, 4)
	pos := SequentialPositions(1, 0, 4)
	a, err := ms.Forward(ids, CausalMask(2, 4, 0), pos, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := mf.Forward(ids, CausalMask(2, 4, 0), pos, nil)
	if err != nil {
		t.Fatal(err)
	}
	requireClose(t, "fused vs split", b.Data, a.Data, 1e-5)
}

func TestAttentionConstructionErrors(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(Phi3)
	w, _ := RandomWeights(cfg, 1)
	enc, _ := NewRotaryEncoder(cfg)

	bad := w.Layers[0]
	bad.QKV = tensor.NewMat(bad.QKV.R-1, bad.QKV.C)
	if _, err := NewAttention(cfg, &bad, enc, nil, 0); !errors.Is(err, ErrConfig) {
		t.Fatalf("short fused qkv: expected ErrConfig, got %v", err)
	}

	qcfg := tinyConfig(Qwen3)
	qw, _ := RandomWeights(qcfg, 1)
	qenc, _ := NewRotaryEncoder(qcfg)
	missing := qw.Layers[0]
	missing.KNorm = nil
	if _, err := NewAttention(qcfg, &missing, qenc, nil, 0); !errors.Is(err, ErrConfig) {
		t.Fatalf("missing k_norm: expected ErrConfig, got %v", err)
	}
	if _, err := NewAttention(qcfg, &qw.Layers[0], enc, nil, 0); !errors.Is(err, ErrConfig) {
		t.Fatalf("mismatched rotary encoder: expected ErrConfig, got %v", err)
	}
}

func TestAttentionRejectsBadMask(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(Qwen3)
	w, _ := RandomWeights(cfg, 2)
	a := newTestAttention(t, cfg, &w.Layers[0], 0)
	x := randTensor(3, 1, 3, cfg.HiddenSize)
	table, _ := a.rope.Table(SequentialPositions(1, 0, 3))
	cache := kvcache.New(1)
	layer, _ := cache.Layer(0)

	for name, m := range map[string]*Mask{
		"nil":        nil,
		"short keys": maskOfShape(t, 3, 2),
		"batch":      CausalMask(2, 3, 0),
	} {
		if _, err := a.Forward(x, m, table, layer); !errors.Is(err, ErrInput) {
			t.Fatalf("%s: expected ErrInput, got %v", name, err)
		}
		if layer.Len() != 0 {
			t.Fatalf("%s: cache mutated", name)
		}
	}
}

func maskOfShape(t *testing.T, q, k int) *Mask {
	t.Helper()
	out, err := NewMask(tensor.New(q, k))
	if err != nil {
		t.Fatal(err)
	}
	return out
}
