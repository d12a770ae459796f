package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/nnxlm/internal/model"
)

// Config is the optional ~/.config/nnxlm/config.yaml. Pointer fields tell
// "not set" apart from zero values; explicit flags always win.
type Config struct {
	Model struct {
		Preset        string   `yaml:"preset"`
		Hidden        *int     `yaml:"hidden"`
		Heads         *int     `yaml:"heads"`
		KVHeads       *int     `yaml:"kv_heads"`
		HeadDim       *int     `yaml:"head_dim"`
		Layers        *int     `yaml:"layers"`
		Intermediate  *int     `yaml:"intermediate"`
		Vocab         *int     `yaml:"vocab"`
		PartialRotary *float64 `yaml:"partial_rotary"`
		RopeTheta     *float64 `yaml:"rope_theta"`
		Tie           *bool    `yaml:"tie"`
		DType         string   `yaml:"dtype"`

		RopeScaling *model.RopeScaling `yaml:"rope_scaling"`
	} `yaml:"model"`

	Seed       *int64 `yaml:"seed"`
	MaxContext *int   `yaml:"max_context"`
	Workers    *int   `yaml:"workers"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "nnxlm", "config.yaml")
}

// loadConfig reads path. A missing file yields a zero Config; a malformed
// one is an error.
func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

type flagSetter interface {
	IsSet(name string) bool
}

var _ flagSetter = (*cli.Command)(nil)

func applyLoggingConfig(c flagSetter, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig copies file defaults into o for flags the user did not set.
func applyModelConfig(c flagSetter, cfg Config, o *modelOptions) {
	m := cfg.Model
	setString := func(flag, v string, dst *string) {
		if v != "" && !c.IsSet(flag) {
			*dst = v
		}
	}
	setInt := func(flag string, v *int, dst *int) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
		}
	}
	setFloat := func(flag string, v *float64, dst *float64) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
		}
	}
	setString("preset", m.Preset, &o.preset)
	setString("dtype", m.DType, &o.dtype)
	setInt("hidden", m.Hidden, &o.hidden)
	setInt("heads", m.Heads, &o.heads)
	setInt("kv-heads", m.KVHeads, &o.kvHeads)
	setInt("head-dim", m.HeadDim, &o.headDim)
	setInt("layers", m.Layers, &o.layers)
	setInt("intermediate", m.Intermediate, &o.intermediate)
	setInt("vocab", m.Vocab, &o.vocab)
	setInt("max-context", cfg.MaxContext, &o.maxContext)
	setInt("workers", cfg.Workers, &o.workers)
	setFloat("partial-rotary", m.PartialRotary, &o.partialRotary)
	setFloat("rope-theta", m.RopeTheta, &o.ropeTheta)
	if m.RopeScaling != nil && !c.IsSet("rope-scaling") {
		rs := *m.RopeScaling
		o.ropeScaling = &rs
	}
	if m.Tie != nil && !c.IsSet("tie") {
		o.tie = *m.Tie
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		o.seed = *cfg.Seed
	}
}

func applyServeConfig(c flagSetter, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
