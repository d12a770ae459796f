package model

// RopeScaling describes rotary positional embedding scaling parameters.
// This is config-only and does not include runtime state.
type RopeScaling struct {
	Type            string  `json:"type" yaml:"type"`
	Factor          float64 `json:"factor,omitempty" yaml:"factor"`
	OrigMaxCtx      int     `json:"original_max_position_embeddings,omitempty" yaml:"original_max_position_embeddings"`
	LowFactor       float64 `json:"low_freq_factor,omitempty" yaml:"low_freq_factor"`
	HighFactor      float64 `json:"high_freq_factor,omitempty" yaml:"high_freq_factor"`
	AttentionFactor float64 `json:"attention_factor,omitempty" yaml:"attention_factor"`
	BetaFast        float64 `json:"beta_fast,omitempty" yaml:"beta_fast"`
	BetaSlow        float64 `json:"beta_slow,omitempty" yaml:"beta_slow"`
	MScale          float64 `json:"mscale,omitempty" yaml:"mscale"`
	MScaleAllDim    float64 `json:"mscale_all_dim,omitempty" yaml:"mscale_all_dim"`
	Truncate        *bool   `json:"truncate,omitempty" yaml:"truncate"`
}
