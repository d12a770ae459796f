package model

import (
	"math"
	"strings"

	"github.com/samcharles93/nnxlm/internal/tensor"
)

// RotaryEncoder rotates the leading rotDims features of each query and key
// head by an angle proportional to the absolute position.
//
// Feature pairs are (i, i+rotDims/2): the first half becomes
// x1*cos - x2*sin and the second half x2*cos + x1*sin. Features at or beyond
// rotDims pass through unchanged.
type RotaryEncoder struct {
	headDim   int
	rotDims   int
	invFreq   []float64
	attnScale float64
}

// NewRotaryEncoder derives the inverse frequencies for cfg.
func NewRotaryEncoder(cfg Config) (*RotaryEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	rot := cfg.RotaryDims()
	invFreq := make([]float64, rot/2)
	for i := range invFreq {
		power := float64(2*i) / float64(rot)
		invFreq[i] = 1.0 / math.Pow(cfg.RopeTheta, power)
	}
	attnScale := 1.0
	if rs := normalizeRopeScaling(cfg.RopeScaling, cfg.MaxPositions); rs != nil {
		attnScale = applyRopeScaling(invFreq, cfg.RopeTheta, cfg.MaxPositions, rs)
	}
	return &RotaryEncoder{
		headDim:   cfg.HeadDim,
		rotDims:   rot,
		invFreq:   invFreq,
		attnScale: attnScale,
	}, nil
}

// RotDims returns the number of rotated features per head.
func (e *RotaryEncoder) RotDims() int { return e.rotDims }

// HeadDim returns the per-head feature count the encoder was built for.
func (e *RotaryEncoder) HeadDim() int { return e.headDim }

// RotaryTable holds cos/sin values for every (batch row, position) of one
// forward call. It is read-only once built.
type RotaryTable struct {
	Batch, SeqLen, Half int
	Cos, Sin            []float32
}

func (t *RotaryTable) at(b, l int) (cos, sin []float32) {
	if t.Batch == 1 {
		b = 0
	}
	off := (b*t.SeqLen + l) * t.Half
	return t.Cos[off : off+t.Half], t.Sin[off : off+t.Half]
}

func (t *RotaryTable) check(batch, seqLen int) error {
	if t == nil {
		return inputErrorf("missing rotary table")
	}
	if t.SeqLen != seqLen || (t.Batch != batch && t.Batch != 1) {
		return inputErrorf("rotary table covers (%d, %d), input is (%d, %d)", t.Batch, t.SeqLen, batch, seqLen)
	}
	return nil
}

// Table computes cos/sin for absolute positions shaped [batch][seq]. A
// single row is broadcast across the batch.
func (e *RotaryEncoder) Table(positions [][]int) (*RotaryTable, error) {
	if len(positions) == 0 || len(positions[0]) == 0 {
		return nil, inputErrorf("positions must be non-empty")
	}
	seq := len(positions[0])
	half := e.rotDims / 2
	t := &RotaryTable{
		Batch:  len(positions),
		SeqLen: seq,
		Half:   half,
		Cos:    make([]float32, len(positions)*seq*half),
		Sin:    make([]float32, len(positions)*seq*half),
	}
	for b, row := range positions {
		if len(row) != seq {
			return nil, inputErrorf("positions row %d has %d entries, want %d", b, len(row), seq)
		}
		for l, pos := range row {
			if pos < 0 {
				return nil, inputErrorf("negative position %d at (%d, %d)", pos, b, l)
			}
			off := (b*seq + l) * half
			for i, f := range e.invFreq {
				angle := float64(pos) * f
				t.Cos[off+i] = float32(math.Cos(angle) * e.attnScale)
				t.Sin[off+i] = float32(math.Sin(angle) * e.attnScale)
			}
		}
	}
	return t, nil
}

// Apply rotates x, shaped (batch, heads, seq, headDim), in place.
func (e *RotaryEncoder) Apply(x *tensor.Tensor, table *RotaryTable) error {
	if x.Rank() != 4 || x.Dim(3) != e.headDim {
		return inputErrorf("rotary input %v, want (batch, heads, seq, %d)", x.Shape, e.headDim)
	}
	batch, heads, seq := x.Dim(0), x.Dim(1), x.Dim(2)
	if err := table.check(batch, seq); err != nil {
		return err
	}
	half := e.rotDims / 2
	for b := range batch {
		for h := range heads {
			for l := range seq {
				cos, sin := table.at(b, l)
				row := x.Data[((b*heads+h)*seq+l)*e.headDim:]
				for i := range half {
					x1 := row[i]
					x2 := row[half+i]
					row[i] = x1*cos[i] - x2*sin[i]
					row[half+i] = x2*cos[i] + x1*sin[i]
				}
			}
		}
	}
	return nil
}

// ApplyQK rotates queries and keys with the same table.
func (e *RotaryEncoder) ApplyQK(q, k *tensor.Tensor, table *RotaryTable) error {
	if q.Rank() != 4 || k.Rank() != 4 || q.Dim(0) != k.Dim(0) || q.Dim(2) != k.Dim(2) {
		return inputErrorf("query %v and key %v do not share (batch, seq)", q.Shape, k.Shape)
	}
	if err := e.Apply(q, table); err != nil {
		return err
	}
	return e.Apply(k, table)
}

// SequentialPositions returns batch rows of positions start, start+1, ...
func SequentialPositions(batch, start, n int) [][]int {
	out := make([][]int, batch)
	for b := range out {
		row := make([]int, n)
		for i := range row {
			row[i] = start + i
		}
		out[b] = row
	}
	return out
}

// normalizeRopeScaling fills scaling defaults and drops no-op settings.
func normalizeRopeScaling(in *RopeScaling, maxPosition int) *RopeScaling {
	if in == nil {
		return nil
	}
	out := *in
	out.Type = strings.ToLower(strings.TrimSpace(out.Type))
	if out.Type == "" || out.Type == "default" {
		if out.Factor > 0 {
			out.Type = "linear"
		} else {
			return nil
		}
	}
	switch out.Type {
	case "linear", "llama3", "yarn":
	default:
		return nil
	}

	if out.OrigMaxCtx <= 0 {
		out.OrigMaxCtx = maxPosition
	}
	if out.LowFactor <= 0 {
		out.LowFactor = 1
	}
	if out.HighFactor <= 0 {
		out.HighFactor = out.LowFactor
	}
	if out.BetaFast <= 0 {
		out.BetaFast = 32
	}
	if out.BetaSlow <= 0 {
		out.BetaSlow = 1
	}
	if out.Factor <= 0 && out.OrigMaxCtx > 0 && maxPosition > 0 && maxPosition != out.OrigMaxCtx {
		out.Factor = float64(maxPosition) / float64(out.OrigMaxCtx)
	}
	if out.Factor <= 0 {
		out.Factor = 1
	}
	if out.Type == "yarn" && out.AttentionFactor <= 0 {
		out.AttentionFactor = yarnAttentionFactor(out.Factor, out.MScale, out.MScaleAllDim)
	} else if out.AttentionFactor <= 0 {
		out.AttentionFactor = 1
	}
	return &out
}

// applyRopeScaling rescales invFreq in place and returns the attention
// factor applied to cos/sin.
func applyRopeScaling(invFreq []float64, base float64, ctxLen int, rs *RopeScaling) float64 {
	if len(invFreq) == 0 || rs == nil {
		return 1
	}
	if base <= 0 {
		base = defaultRopeTheta
	}
	origCtx := rs.OrigMaxCtx
	if origCtx <= 0 {
		origCtx = ctxLen
	}
	if origCtx <= 0 {
		origCtx = 1
	}

	factor := rs.Factor
	if factor <= 0 && ctxLen > 0 {
		factor = float64(ctxLen) / float64(origCtx)
	}
	if factor <= 0 {
		factor = 1
	}

	attnFactor := rs.AttentionFactor
	if attnFactor <= 0 {
		attnFactor = 1
	}

	switch rs.Type {
	case "llama3":
		applyLlama3Scaling(invFreq, factor, float64(origCtx), rs.LowFactor, rs.HighFactor)
	case "yarn":
		if rs.AttentionFactor <= 0 {
			attnFactor = yarnAttentionFactor(factor, rs.MScale, rs.MScaleAllDim)
		}
		truncate := true
		if rs.Truncate != nil {
			truncate = *rs.Truncate
		}
		applyYarnScaling(invFreq, base, factor, float64(origCtx), rs.BetaFast, rs.BetaSlow, truncate)
	default:
		if factor != 1 {
			for i, f := range invFreq {
				invFreq[i] = f / factor
			}
		}
	}
	return attnFactor
}

func applyLlama3Scaling(invFreq []float64, factor, origCtx, lowFactor, highFactor float64) {
	if factor == 0 || factor == 1 || origCtx <= 0 {
		return
	}
	if lowFactor <= 0 {
		lowFactor = 1
	}
	if highFactor <= lowFactor {
		for i, f := range invFreq {
			invFreq[i] = f / factor
		}
		return
	}

	lowFreqWavelen := origCtx / lowFactor
	highFreqWavelen := origCtx / highFactor
	for i, f := range invFreq {
		if f == 0 {
			continue
		}
		waveLen := (2 * math.Pi) / f
		switch {
		case waveLen > lowFreqWavelen:
			invFreq[i] = f / factor
		case waveLen < highFreqWavelen:
		default:
			smooth := (origCtx/waveLen - lowFactor) / (highFactor - lowFactor)
			invFreq[i] = (1-smooth)*(f/factor) + smooth*f
		}
	}
}

func yarnAttentionFactor(factor, mscale, mscaleAllDim float64) float64 {
	getMScale := func(scale, mul float64) float64 {
		if scale <= 1 {
			return 1
		}
		if mul <= 0 {
			mul = 1
		}
		return 0.1*mul*math.Log(scale) + 1
	}

	if mscale > 0 && mscaleAllDim > 0 {
		den := getMScale(factor, mscaleAllDim)
		if den == 0 {
			return 1
		}
		return getMScale(factor, mscale) / den
	}
	return getMScale(factor, mscale)
}

func applyYarnScaling(invFreq []float64, base, factor, origCtx, betaFast, betaSlow float64, truncate bool) {
	if factor == 0 || factor == 1 {
		return
	}
	if base <= 1 || origCtx <= 0 {
		for i, f := range invFreq {
			invFreq[i] = f / factor
		}
		return
	}

	dim := float64(len(invFreq) * 2)
	correctionDim := func(numRotations float64) float64 {
		numer := origCtx / (numRotations * 2 * math.Pi)
		if numer <= 0 {
			return 0
		}
		return (dim * math.Log(numer)) / (2 * math.Log(base))
	}

	low := correctionDim(betaFast)
	high := correctionDim(betaSlow)
	if truncate {
		low = math.Floor(low)
		high = math.Ceil(high)
	}
	low = max(low, 0)
	high = min(high, dim-1)
	if low == high {
		high += 0.001
	}

	for i, f := range invFreq {
		ramp := min(max((float64(i)-low)/(high-low), 0), 1)
		invFreq[i] = (f/factor)*ramp + f*(1-ramp)
	}
}
