package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nnxlm/internal/model"
)

type fakeFlags map[string]bool

func (f fakeFlags) IsSet(name string) bool { return f[name] }

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Model.Hidden != nil || cfg.LogLevel != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("model: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyModelConfigRespectsFlags(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
model:
  preset: phi3
  hidden: 32
  heads: 8
  tie: true
  dtype: bf16
  rope_scaling:
    type: linear
    factor: 2
seed: 42
max_context: 512
server_address: 0.0.0.0:9000
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	o := modelOptions{preset: "qwen3", hidden: 64, heads: 4, seed: 1, dtype: "f32", maxContext: 2048}
	applyModelConfig(fakeFlags{"heads": true}, cfg, &o)

	if o.preset != "phi3" || o.hidden != 32 || !o.tie || o.dtype != "bf16" {
		t.Fatalf("file defaults not applied: %+v", o)
	}
	if o.heads != 4 {
		t.Fatalf("explicit --heads overridden: %d", o.heads)
	}
	if o.ropeScaling == nil || o.ropeScaling.Type != "linear" || o.ropeScaling.Factor != 2 {
		t.Fatalf("rope scaling not applied: %+v", o.ropeScaling)
	}
	if o.seed != 42 || o.maxContext != 512 {
		t.Fatalf("seed/max_context not applied: %+v", o)
	}

	addr := "127.0.0.1:8080"
	applyServeConfig(fakeFlags{}, cfg, &addr)
	if addr != "0.0.0.0:9000" {
		t.Fatalf("addr=%q", addr)
	}
}

func TestModelOptionsConfig(t *testing.T) {
	t.Parallel()
	o := modelOptions{preset: "phi3", hidden: 16, heads: 4, kvHeads: 2, layers: 1, intermediate: 8, vocab: 10, ropeTheta: 10000, dtype: "f16", seed: 3}
	cfg, err := o.config()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PartialRotaryFactor != 0.5 {
		t.Fatalf("phi3 preset should default to half rotary, got %g", cfg.PartialRotaryFactor)
	}
	w, err := o.weights(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Validate(cfg); err != nil {
		t.Fatal(err)
	}

	o.preset = "gpt2"
	if _, err := o.config(); err == nil {
		t.Fatal("expected unknown preset error")
	}
	o.preset, o.dtype = "qwen3", "int4"
	cfg, _ = o.config()
	if _, err := o.weights(cfg); err == nil {
		t.Fatal("expected unknown dtype error")
	}
}

func TestRunForwardIncrementalAgrees(t *testing.T) {
	t.Parallel()
	o := modelOptions{preset: "qwen3", hidden: 16, heads: 4, kvHeads: 2, layers: 2, intermediate: 24, vocab: 32, ropeTheta: 10000, dtype: "f32", seed: 5}
	cfg, err := o.config()
	if err != nil {
		t.Fatal(err)
	}
	w, err := o.weights(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m, err := model.New(cfg, w)
	if err != nil {
		t.Fatal(err)
	}
	report, err := runForward(m, []int{1, 7, 3, 9}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.LastLogits) != 32 || len(report.Argmax) != 4 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Incremental == nil || report.Incremental.MaxAbsDiff > 1e-5 {
		t.Fatalf("incremental deviation too large: %+v", report.Incremental)
	}
}

func TestConfigFileRopeScalingReachesModel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
model:
  preset: qwen3
  rope_scaling:
    type: linear
    factor: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	file, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	o := modelOptions{hidden: 16, heads: 4, kvHeads: 2, layers: 1, intermediate: 8, vocab: 10, ropeTheta: 10000, dtype: "f32", seed: 2}
	applyModelConfig(fakeFlags{}, file, &o)
	cfg, err := o.config()
	if err != nil {
		t.Fatal(err)
	}
	w, err := o.weights(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m, err := model.New(cfg, w)
	if err != nil {
		t.Fatal(err)
	}
	rs := m.Config().RopeScaling
	if rs == nil || rs.Type != "linear" || rs.Factor != 4 {
		t.Fatalf("rope scaling lost on the way to the model: %+v", rs)
	}
	if file.Model.RopeScaling == rs {
		t.Fatal("model config aliases the file config")
	}
}

func TestRopeScalingFlagOverridesFile(t *testing.T) {
	t.Parallel()
	var file Config
	file.Model.RopeScaling = &model.RopeScaling{Type: "yarn", Factor: 8}

	o := modelOptions{preset: "qwen3", hidden: 16, heads: 4, layers: 1, intermediate: 8, vocab: 10, scalingType: "linear", scalingFactor: 2}
	applyModelConfig(fakeFlags{"rope-scaling": true}, file, &o)
	if o.ropeScaling != nil {
		t.Fatalf("file scaling applied despite --rope-scaling: %+v", o.ropeScaling)
	}
	cfg, err := o.config()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RopeScaling == nil || cfg.RopeScaling.Type != "linear" || cfg.RopeScaling.Factor != 2 {
		t.Fatalf("got %+v", cfg.RopeScaling)
	}
}

func TestBuildModelFromFlags(t *testing.T) {
	t.Parallel()
	var (
		opts modelOptions
		m    *model.CausalLM
		w    *model.Weights
	)
	cmd := &cli.Command{
		Name:  "build",
		Flags: modelFlags(&opts),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var err error
			m, w, err = buildModel(ctx, cmd, &opts)
			return err
		},
	}
	args := []string{"build",
		"--preset", "phi3", "--hidden", "16", "--heads", "4", "--kv-heads", "2",
		"--layers", "2", "--intermediate", "24", "--vocab", "32",
		"--rope-scaling", "linear", "--rope-scaling-factor", "2", "--dtype", "bf16",
	}
	if err := cmd.Run(context.Background(), args); err != nil {
		t.Fatal(err)
	}
	cfg := m.Config()
	if cfg.Variant.Name != model.Phi3.Name || cfg.NumLayers != 2 || cfg.PartialRotaryFactor != 0.5 {
		t.Fatalf("unexpected config %s", cfg)
	}
	if cfg.RopeScaling == nil || cfg.RopeScaling.Factor != 2 {
		t.Fatalf("rope scaling flag not applied: %+v", cfg.RopeScaling)
	}
	if err := w.Validate(cfg); err != nil {
		t.Fatal(err)
	}

	report, err := runForward(m, []int{3, 1, 4, 1, 5}, true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Incremental == nil || report.Incremental.MaxAbsDiff > 1e-5 {
		t.Fatalf("incremental deviation too large: %+v", report.Incremental)
	}
}
