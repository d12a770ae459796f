package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nnxlm/internal/logger"
	"github.com/samcharles93/nnxlm/internal/model"
	"github.com/samcharles93/nnxlm/internal/tensor"
)

type forwardReport struct {
	Config      string      `json:"config"`
	Tokens      []int       `json:"tokens"`
	Shape       []int       `json:"shape"`
	LastLogits  []float32   `json:"last_logits"`
	Argmax      []int       `json:"argmax"`
	PrefillMS   float64     `json:"prefill_ms"`
	Incremental *stepReport `json:"incremental,omitempty"`
}

type stepReport struct {
	MaxAbsDiff float32 `json:"max_abs_diff"`
	TotalMS    float64 `json:"total_ms"`
}

func forwardCmd() *cli.Command {
	var (
		opts        modelOptions
		tokens      []int
		incremental bool
		compact     bool
	)
	return &cli.Command{
		Name:  "forward",
		Usage: "Run a seeded model over token ids and print logits as JSON",
		Flags: append(modelFlags(&opts),
			&cli.IntSliceFlag{
				Name:        "tokens",
				Aliases:     []string{"t"},
				Usage:       "token ids",
				Value:       []int{1, 2, 3, 4},
				Destination: &tokens,
			},
			&cli.BoolFlag{
				Name:        "incremental",
				Usage:       "also decode one token at a time through the kv cache and report the largest deviation",
				Destination: &incremental,
			},
			&cli.BoolFlag{
				Name:        "compact",
				Usage:       "print JSON on one line",
				Destination: &compact,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			m, _, err := buildModel(ctx, cmd, &opts)
			if err != nil {
				return err
			}
			report, err := runForward(m, tokens, incremental)
			if err != nil {
				return err
			}
			log.Info("forward complete", "tokens", len(tokens), "prefill_ms", report.PrefillMS)

			var out []byte
			if compact {
				out, err = json.Marshal(report)
			} else {
				out, err = json.MarshalIndent(report, "", "  ")
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(os.Stdout, string(out))
			return err
		},
	}
}

func runForward(m *model.CausalLM, tokens []int, incremental bool) (*forwardReport, error) {
	n := len(tokens)
	if n == 0 {
		return nil, fmt.Errorf("no tokens supplied")
	}
	start := time.Now()
	logits, err := m.Forward([][]int{tokens}, model.CausalMask(1, n, 0), model.SequentialPositions(1, 0, n), nil)
	if err != nil {
		return nil, err
	}
	vocab := logits.Dim(2)
	report := &forwardReport{
		Config:     m.Config().String(),
		Tokens:     tokens,
		Shape:      logits.Shape,
		LastLogits: logits.Data[(n-1)*vocab:],
		Argmax:     make([]int, n),
		PrefillMS:  millis(time.Since(start)),
	}
	for i := range n {
		report.Argmax[i] = argmax(logits.Data[i*vocab : (i+1)*vocab])
	}
	if !incremental {
		return report, nil
	}

	start = time.Now()
	cache := m.NewCache()
	var worst float32
	for pos, tok := range tokens {
		step, err := m.Forward([][]int{{tok}}, model.CausalMask(1, 1, pos), model.SequentialPositions(1, pos, 1), cache)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", pos, err)
		}
		worst = max(worst, tensor.MaxAbsDiff(step.Data, logits.Data[pos*vocab:(pos+1)*vocab]))
	}
	report.Incremental = &stepReport{MaxAbsDiff: worst, TotalMS: millis(time.Since(start))}
	return report, nil
}

func argmax(xs []float32) int {
	best := 0
	for i, v := range xs {
		if v > xs[best] {
			best = i
		}
	}
	return best
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
