package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nnxlm/internal/model"
	"github.com/samcharles93/nnxlm/internal/tensor"
)

var (
	logLevel   string
	logFormat  string
	debug      bool
	configFile string

	// fileConfig is populated by the root Before hook.
	fileConfig Config
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "shorthand for --log-level debug",
			Destination: &debug,
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml",
		Value:       defaultConfigPath(),
		Destination: &configFile,
	}
}

// modelOptions collects the flags that describe a randomly initialised model.
type modelOptions struct {
	preset        string
	hidden        int
	heads         int
	kvHeads       int
	headDim       int
	layers        int
	intermediate  int
	vocab         int
	partialRotary float64
	ropeTheta     float64
	scalingType   string
	scalingFactor float64
	tie           bool
	seed          int64
	dtype         string
	workers       int
	maxContext    int

	// ropeScaling comes from the config file; --rope-scaling replaces it.
	ropeScaling *model.RopeScaling
}

func modelFlags(o *modelOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "preset", Aliases: []string{"arch"}, Usage: "model variant (phi3, qwen3)", Value: "qwen3", Destination: &o.preset},
		&cli.IntFlag{Name: "hidden", Usage: "hidden size", Value: 64, Destination: &o.hidden},
		&cli.IntFlag{Name: "heads", Usage: "attention heads", Value: 4, Destination: &o.heads},
		&cli.IntFlag{Name: "kv-heads", Usage: "key/value heads (0 = heads)", Value: 2, Destination: &o.kvHeads},
		&cli.IntFlag{Name: "head-dim", Usage: "per-head dimension (0 = hidden/heads)", Destination: &o.headDim},
		&cli.IntFlag{Name: "layers", Usage: "transformer blocks", Value: 2, Destination: &o.layers},
		&cli.IntFlag{Name: "intermediate", Usage: "feed-forward width", Value: 128, Destination: &o.intermediate},
		&cli.IntFlag{Name: "vocab", Usage: "vocabulary size", Value: 256, Destination: &o.vocab},
		&cli.Float64Flag{Name: "partial-rotary", Usage: "fraction of head dims that are rotated (0 = preset default)", Destination: &o.partialRotary},
		&cli.Float64Flag{Name: "rope-theta", Usage: "rotary base", Value: 10000, Destination: &o.ropeTheta},
		&cli.StringFlag{Name: "rope-scaling", Usage: "rotary scaling type (linear, llama3, yarn); overrides the config file", Destination: &o.scalingType},
		&cli.Float64Flag{Name: "rope-scaling-factor", Usage: "rotary scaling factor", Value: 1, Destination: &o.scalingFactor},
		&cli.BoolFlag{Name: "tie", Usage: "tie the output projection to the embedding", Destination: &o.tie},
		&cli.Int64Flag{Name: "seed", Usage: "weight seed", Value: 1, Destination: &o.seed},
		&cli.StringFlag{Name: "dtype", Usage: "weight storage precision (f32, f16, bf16)", Value: "f32", Destination: &o.dtype},
		&cli.IntFlag{Name: "workers", Usage: "attention workers (0 = GOMAXPROCS)", Destination: &o.workers},
		&cli.IntFlag{Name: "max-context", Aliases: []string{"ctx"}, Usage: "max positions per session", Value: 2048, Destination: &o.maxContext},
	}
}

// config turns the flags into a model configuration.
func (o *modelOptions) config() (model.Config, error) {
	variant, err := model.VariantByName(o.preset)
	if err != nil {
		return model.Config{}, err
	}
	partial := o.partialRotary
	if partial == 0 && variant.Name == model.Phi3.Name {
		partial = 0.5
	}
	scaling := o.ropeScaling
	if o.scalingType != "" {
		scaling = &model.RopeScaling{Type: o.scalingType, Factor: o.scalingFactor}
	}
	return model.Config{
		Variant:             variant,
		HiddenSize:          o.hidden,
		NumHeads:            o.heads,
		NumKVHeads:          o.kvHeads,
		HeadDim:             o.headDim,
		NumLayers:           o.layers,
		IntermediateSize:    o.intermediate,
		VocabSize:           o.vocab,
		PartialRotaryFactor: partial,
		RopeTheta:           o.ropeTheta,
		RopeScaling:         scaling,
		MaxPositions:        o.maxContext,
		TieWordEmbeddings:   o.tie,
	}, nil
}

// weights builds seeded weights in the requested storage precision.
func (o *modelOptions) weights(cfg model.Config) (*model.Weights, error) {
	dtype, err := tensor.ParseDType(o.dtype)
	if err != nil {
		return nil, err
	}
	w, err := model.RandomWeights(cfg, o.seed)
	if err != nil {
		return nil, err
	}
	if dtype == tensor.F32 {
		return w, nil
	}
	return w.RoundTo(dtype)
}
