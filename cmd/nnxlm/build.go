package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nnxlm/internal/logger"
	"github.com/samcharles93/nnxlm/internal/model"
)

// buildModel resolves the model flags against the config file and returns a
// seeded model together with its weights.
func buildModel(ctx context.Context, cmd *cli.Command, o *modelOptions) (*model.CausalLM, *model.Weights, error) {
	applyModelConfig(cmd, fileConfig, o)
	cfg, err := o.config()
	if err != nil {
		return nil, nil, err
	}
	w, err := o.weights(cfg)
	if err != nil {
		return nil, nil, err
	}
	log := logger.FromContext(ctx)
	m, err := model.New(cfg, w, model.WithLogger(log), model.WithWorkers(o.workers))
	if err != nil {
		return nil, nil, err
	}
	return m, w, nil
}
