package model

import (
	"testing"

	"github.com/samcharles93/nnxlm/internal/tensor"
)

// tinyConfig is the smallest shape that still exercises grouped-query
// attention and a multi-layer stack.
func tinyConfig(v Variant) Config {
	cfg := Config{
		Variant:          v,
		HiddenSize:       16,
		NumHeads:         4,
		NumKVHeads:       2,
		NumLayers:        2,
		IntermediateSize: 24,
		VocabSize:        32,
		RMSNormEps:       1e-5,
	}
	if v.Name == Phi3.Name {
		cfg.PartialRotaryFactor = 0.5
	}
	return cfg
}

func randTensor(seed int64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	tensor.FillRand(t, seed, 2)
	return t
}

func newTestModel(t *testing.T, cfg Config, seed int64) *CausalLM {
	t.Helper()
	w, err := RandomWeights(cfg, seed)
	if err != nil {
		t.Fatalf("RandomWeights: %v", err)
	}
	m, err := New(cfg, w, WithWorkers(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func requireClose(t *testing.T, name string, got, want []float32, tol float32) {
	t.Helper()
	if d := tensor.MaxAbsDiff(got, want); d > tol {
		t.Fatalf("%s: max abs diff %g exceeds %g", name, d, tol)
	}
}

func seqIDs(batch, n int) [][]int {
	ids := make([][]int, batch)
	for b := range ids {
		row := make([]int, n)
		for i := range row {
			row[i] = (b*7 + i*5 + 3) % 32
		}
		ids[b] = row
	}
	return ids
}

// sliceSeq returns positions [from, to) of a (batch, seq, ...) tensor.
func sliceSeq(x *tensor.Tensor, from, to int) []float32 {
	batch, seq := x.Dim(0), x.Dim(1)
	inner := x.Len() / (batch * seq)
	var out []float32
	for b := range batch {
		out = append(out, x.Data[(b*seq+from)*inner:(b*seq+to)*inner]...)
	}
	return out
}
