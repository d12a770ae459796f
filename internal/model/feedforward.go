package model

import "github.com/samcharles93/nnxlm/internal/tensor"

// FeedForward is the gated SiLU MLP: down(silu(gate(x)) * up(x)).
type FeedForward struct {
	gateUp, gate, up, down *tensor.Mat
	intermediate           int
	ops                    Ops
}

// NewFeedForward binds the MLP weights of lw for cfg.
func NewFeedForward(cfg Config, lw *LayerWeights, ops Ops) (*FeedForward, error) {
	cfg = cfg.WithDefaults()
	hidden, inter := cfg.HiddenSize, cfg.IntermediateSize
	f := &FeedForward{intermediate: inter, ops: ensureOps(ops), down: lw.Down}
	if cfg.Variant.FusedGateUp {
		if err := checkMat("gate_up_proj", lw.GateUp, 2*inter, hidden); err != nil {
			return nil, err
		}
		f.gateUp = lw.GateUp
	} else {
		if err := checkMat("gate_proj", lw.Gate, inter, hidden); err != nil {
			return nil, err
		}
		if err := checkMat("up_proj", lw.Up, inter, hidden); err != nil {
			return nil, err
		}
		f.gate, f.up = lw.Gate, lw.Up
	}
	if err := checkMat("down_proj", lw.Down, hidden, inter); err != nil {
		return nil, err
	}
	return f, nil
}

// Forward maps x (..., hidden) to a new tensor of the same shape.
func (f *FeedForward) Forward(x *tensor.Tensor) *tensor.Tensor {
	n := x.Rows()
	act := make([]float32, n*f.intermediate)
	if f.gateUp != nil {
		// First half of each fused row is the gate.
		fused := project(f.ops, x.Data, n, f.gateUp)
		for i := range n {
			tensor.SiluAndMul(act[i*f.intermediate:(i+1)*f.intermediate], fused[i*2*f.intermediate:(i+1)*2*f.intermediate])
		}
	} else {
		gate := project(f.ops, x.Data, n, f.gate)
		up := project(f.ops, x.Data, n, f.up)
		tensor.SiluMul(act, gate, up)
	}
	return &tensor.Tensor{
		Shape: append([]int(nil), x.Shape...),
		Data:  project(f.ops, act, n, f.down),
	}
}
