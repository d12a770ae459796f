package model

import (
	"fmt"
	"strings"
)

// Variant selects the structural differences between supported decoder
// families. Everything else in the pipeline is shared.
type Variant struct {
	Name string `json:"name"`
	// FusedQKV projects queries, keys and values with one matrix split by offset.
	FusedQKV bool `json:"fused_qkv"`
	// FusedGateUp projects gate and up with one matrix split into halves.
	FusedGateUp bool `json:"fused_gate_up"`
	// QKNorm applies a per-head RMSNorm to queries and keys before rotation.
	QKNorm bool `json:"qk_norm"`
}

var (
	// Phi3 is the fused-projection family with optional partial rotary.
	Phi3 = Variant{Name: "phi3", FusedQKV: true, FusedGateUp: true}
	// Qwen3 is the grouped-query family with per-head q/k normalisation.
	Qwen3 = Variant{Name: "qwen3", QKNorm: true}
)

// VariantByName returns a preset variant.
func VariantByName(name string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "phi3":
		return Phi3, nil
	case "qwen3":
		return Qwen3, nil
	}
	return Variant{}, configErrorf("unknown variant %q", name)
}

// Config holds the immutable hyperparameters of a decoder-only model.
type Config struct {
	Variant Variant `json:"variant"`

	HiddenSize       int `json:"hidden_size"`
	NumHeads         int `json:"num_attention_heads"`
	NumKVHeads       int `json:"num_key_value_heads"`
	HeadDim          int `json:"head_dim"`
	NumLayers        int `json:"num_hidden_layers"`
	IntermediateSize int `json:"intermediate_size"`
	VocabSize        int `json:"vocab_size"`

	RMSNormEps          float64      `json:"rms_norm_eps"`
	PartialRotaryFactor float64      `json:"partial_rotary_factor"`
	RopeTheta           float64      `json:"rope_theta"`
	RopeScaling         *RopeScaling `json:"rope_scaling,omitempty"`
	MaxPositions        int          `json:"max_position_embeddings,omitempty"`

	TieWordEmbeddings bool `json:"tie_word_embeddings"`
}

const (
	defaultRMSNormEps = 1e-6
	defaultRopeTheta  = 10_000
)

// WithDefaults fills derived and omitted fields. It does not validate.
func (c Config) WithDefaults() Config {
	if c.NumKVHeads == 0 {
		c.NumKVHeads = c.NumHeads
	}
	if c.HeadDim == 0 && c.NumHeads > 0 {
		c.HeadDim = c.HiddenSize / c.NumHeads
	}
	if c.RMSNormEps == 0 {
		c.RMSNormEps = defaultRMSNormEps
	}
	if c.PartialRotaryFactor == 0 {
		c.PartialRotaryFactor = 1
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = defaultRopeTheta
	}
	return c
}

// Validate checks the configuration, including fields WithDefaults derives.
func (c Config) Validate() error {
	if c.NumHeads <= 0 {
		return configErrorf("num_attention_heads must be positive, got %d", c.NumHeads)
	}
	if c.HeadDim == 0 && c.HiddenSize%c.NumHeads != 0 {
		return configErrorf("hidden_size %d is not divisible by num_attention_heads %d", c.HiddenSize, c.NumHeads)
	}
	d := c.WithDefaults()
	switch {
	case d.HiddenSize <= 0:
		return configErrorf("hidden_size must be positive, got %d", d.HiddenSize)
	case d.NumKVHeads <= 0:
		return configErrorf("num_key_value_heads must be positive, got %d", d.NumKVHeads)
	case d.NumHeads%d.NumKVHeads != 0:
		return configErrorf("num_attention_heads %d is not divisible by num_key_value_heads %d", d.NumHeads, d.NumKVHeads)
	case d.HeadDim <= 0:
		return configErrorf("head_dim must be positive, got %d", d.HeadDim)
	case d.NumLayers <= 0:
		return configErrorf("num_hidden_layers must be positive, got %d", d.NumLayers)
	case d.IntermediateSize <= 0:
		return configErrorf("intermediate_size must be positive, got %d", d.IntermediateSize)
	case d.VocabSize <= 0:
		return configErrorf("vocab_size must be positive, got %d", d.VocabSize)
	case d.RMSNormEps < 0:
		return configErrorf("rms_norm_eps must not be negative, got %g", d.RMSNormEps)
	case d.RopeTheta <= 1:
		return configErrorf("rope_theta must be greater than 1, got %g", d.RopeTheta)
	case d.PartialRotaryFactor < 0 || d.PartialRotaryFactor > 1:
		return configErrorf("partial_rotary_factor must be in (0, 1], got %g", d.PartialRotaryFactor)
	}
	if d.Variant.QKNorm && d.PartialRotaryFactor != 1 {
		return configErrorf("variant %q: partial rotary together with q/k normalisation is not supported", d.Variant.Name)
	}
	rot := d.RotaryDims()
	if rot < 2 || rot%2 != 0 {
		return configErrorf("rotary dims %d (head_dim %d x partial_rotary_factor %g) must be even and at least 2", rot, d.HeadDim, d.PartialRotaryFactor)
	}
	if rs := d.RopeScaling; rs != nil {
		switch strings.ToLower(rs.Type) {
		case "", "default", "linear", "llama3", "yarn":
		default:
			return configErrorf("unsupported rope scaling type %q", rs.Type)
		}
	}
	return nil
}

// RotaryDims returns the number of leading head dimensions that are rotated.
func (c Config) RotaryDims() int {
	d := c.WithDefaults()
	return int(float64(d.HeadDim) * d.PartialRotaryFactor)
}

// GroupSize returns how many query heads share one key/value head.
func (c Config) GroupSize() int {
	d := c.WithDefaults()
	if d.NumKVHeads == 0 {
		return 0
	}
	return d.NumHeads / d.NumKVHeads
}

// QKVSize is the output width of a fused query/key/value projection.
func (c Config) QKVSize() int {
	d := c.WithDefaults()
	return (d.NumHeads + 2*d.NumKVHeads) * d.HeadDim
}

func (c Config) String() string {
	d := c.WithDefaults()
	return fmt.Sprintf("%s(hidden=%d heads=%d kv=%d head_dim=%d layers=%d ffn=%d vocab=%d tied=%t)",
		d.Variant.Name, d.HiddenSize, d.NumHeads, d.NumKVHeads, d.HeadDim, d.NumLayers, d.IntermediateSize, d.VocabSize, d.TieWordEmbeddings)
}
