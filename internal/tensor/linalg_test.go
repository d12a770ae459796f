package tensor

import (
	"math"
	"testing"
)

func matMulTNaive(dst, x []float32, n int, w *Mat) {
	for i := 0; i < n; i++ {
		xi := x[i*w.C : (i+1)*w.C]
		for o := 0; o < w.R; o++ {
			var sum float32
			for j, v := range w.Row(o) {
				sum += v * xi[j]
			}
			dst[i*w.R+o] = sum
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func TestMatMulTMatchesNaive(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		n, in, out int
	}{
		{1, 8, 8},
		{3, 8, 16},
		{50, 70, 45},
	} {
		w := NewMat(tc.out, tc.in)
		FillRandMat(w, 1, 0.2)
		x := make([]float32, tc.n*tc.in)
		fillRand(x, 2, 0.2)

		want := make([]float32, tc.n*tc.out)
		got := make([]float32, tc.n*tc.out)
		matMulTNaive(want, x, tc.n, w)
		MatMulT(got, x, tc.n, w)

		if d := maxAbsDiff(got, want); d > 1e-5 {
			t.Fatalf("n=%d in=%d out=%d: max abs diff %g", tc.n, tc.in, tc.out, d)
		}
	}
}

func TestMatMulTRowsIndependentOfBatch(t *testing.T) {
	t.Parallel()
	w := NewMat(12, 8)
	FillRandMat(w, 3, 0.5)
	x := make([]float32, 5*8)
	fillRand(x, 4, 0.5)

	all := make([]float32, 5*12)
	MatMulT(all, x, 5, w)
	one := make([]float32, 12)
	for i := 0; i < 5; i++ {
		MatMulT(one, x[i*8:(i+1)*8], 1, w)
		if d := maxAbsDiff(one, all[i*12:(i+1)*12]); d > 1e-6 {
			t.Fatalf("row %d: max abs diff %g", i, d)
		}
	}
}

func BenchmarkMatMulT(b *testing.B) {
	w := NewMat(1024, 1024)
	FillRandMat(w, 1, 0.02)
	x := make([]float32, 16*1024)
	dst := make([]float32, 16*1024)

	for b.Loop() {
		MatMulT(dst, x, 16, w)
	}
}
