package model

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/nnxlm/internal/tensor"
)

func attnWorkersFor(tasks int) int {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if tasks > 0 && workers > tasks {
		workers = tasks
	}
	return max(workers, 1)
}

// attnContext describes one scaled dot-product attention call over
// (batch, heads) independent slices. q is (B, H, L, D); k and v are
// (B, H, S, D) after key/value replication.
type attnContext struct {
	q, k, v *tensor.Tensor
	mask    *Mask
	scale   float32

	// out is (B, L, H*D) so the output projection can consume it directly.
	out []float32
	// probs, when non-nil, receives the (B, H, L, S) attention weights.
	probs []float32
}

// runAttnHeads computes attention for the flattened (batch, head) range
// [rs, re). Each index writes a disjoint region of out and probs.
func runAttnHeads(ctx *attnContext, scores []float32, rs, re int) {
	heads, qLen, d := ctx.q.Dim(1), ctx.q.Dim(2), ctx.q.Dim(3)
	kLen := ctx.k.Dim(2)
	scores = scores[:kLen]
	for bh := rs; bh < re; bh++ {
		b, h := bh/heads, bh%heads
		qBase := bh * qLen * d
		kBase := bh * kLen * d
		for i := range qLen {
			qi := ctx.q.Data[qBase+i*d : qBase+(i+1)*d]
			bias := ctx.mask.row(b, h, i)
			for j := range kLen {
				kj := ctx.k.Data[kBase+j*d : kBase+(j+1)*d]
				scores[j] = tensor.Dot(qi, kj)*ctx.scale + bias[j]
			}
			tensor.Softmax(scores)
			if ctx.probs != nil {
				copy(ctx.probs[(bh*qLen+i)*kLen:], scores)
			}
			off := (b*qLen+i)*heads*d + h*d
			dst := ctx.out[off : off+d]
			clear(dst)
			for j, w := range scores {
				if w == 0 {
					continue
				}
				vj := ctx.v.Data[kBase+j*d : kBase+(j+1)*d]
				for x := range dst {
					dst[x] += w * vj[x]
				}
			}
		}
	}
}

// scaledDotProductAttention fans the (batch, head) slices out over at most
// workers goroutines. Results do not depend on the worker count.
func scaledDotProductAttention(ctx *attnContext, workers int) {
	tasks := ctx.q.Dim(0) * ctx.q.Dim(1)
	if tasks == 0 {
		return
	}
	if workers <= 0 {
		workers = attnWorkersFor(tasks)
	}
	workers = min(workers, tasks)
	kLen := ctx.k.Dim(2)
	if workers == 1 {
		runAttnHeads(ctx, make([]float32, kLen), 0, tasks)
		return
	}

	chunk := (tasks + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for rs := 0; rs < tasks; rs += chunk {
		re := min(rs+chunk, tasks)
		g.Go(func() error {
			runAttnHeads(ctx, make([]float32, kLen), rs, re)
			return nil
		})
	}
	_ = g.Wait()
}

// RepeatKV expands x from (B, kvHeads, S, D) to (B, kvHeads*nRep, S, D).
// Each key/value head is repeated contiguously, so query head h reads
// key/value head h/nRep.
func RepeatKV(x *tensor.Tensor, nRep int) *tensor.Tensor {
	if nRep == 1 {
		return x
	}
	b, kv, s, d := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	out := tensor.New(b, kv*nRep, s, d)
	span := s * d
	for bi := range b {
		for h := range kv {
			src := x.Data[(bi*kv+h)*span : (bi*kv+h+1)*span]
			for r := range nRep {
				dst := (bi*kv*nRep + h*nRep + r) * span
				copy(out.Data[dst:dst+span], src)
			}
		}
	}
	return out
}
