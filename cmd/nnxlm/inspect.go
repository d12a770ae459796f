package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
	"golang.org/x/sys/cpu"

	"github.com/samcharles93/nnxlm/internal/model"
)

func inspectCmd() *cli.Command {
	var (
		opts    modelOptions
		tensors bool
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "Describe the model built from the given flags and the host CPU",
		Flags: append(modelFlags(&opts),
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list every parameter tensor",
				Destination: &tensors,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, w, err := buildModel(ctx, cmd, &opts)
			if err != nil {
				return err
			}
			writeSummary(os.Stdout, m.Config(), w)
			if tensors {
				fmt.Fprintln(os.Stdout)
				writeTensors(os.Stdout, w)
			}
			fmt.Fprintln(os.Stdout)
			writeCPU(os.Stdout)
			return nil
		},
	}
}

func writeSummary(out io.Writer, cfg model.Config, w *model.Weights) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Field", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk([][]string{
		{"variant", cfg.Variant.Name},
		{"fused qkv", strconv.FormatBool(cfg.Variant.FusedQKV)},
		{"fused gate/up", strconv.FormatBool(cfg.Variant.FusedGateUp)},
		{"qk norm", strconv.FormatBool(cfg.Variant.QKNorm)},
		{"hidden", strconv.Itoa(cfg.HiddenSize)},
		{"heads / kv heads", fmt.Sprintf("%d / %d (group %d)", cfg.NumHeads, cfg.NumKVHeads, cfg.GroupSize())},
		{"head dim / rotary dims", fmt.Sprintf("%d / %d", cfg.HeadDim, cfg.RotaryDims())},
		{"layers", strconv.Itoa(cfg.NumLayers)},
		{"intermediate", strconv.Itoa(cfg.IntermediateSize)},
		{"vocab", strconv.Itoa(cfg.VocabSize)},
		{"tied embeddings", strconv.FormatBool(cfg.TieWordEmbeddings)},
		{"parameters", formatCount(w.NumParams())},
	})
	table.Render()
}

func writeTensors(out io.Writer, w *model.Weights) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Tensor", "Shape", "Elements"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, t := range w.Tensors() {
		n := 1
		dims := make([]string, len(t.Shape))
		for i, d := range t.Shape {
			n *= d
			dims[i] = strconv.Itoa(d)
		}
		table.Append([]string{t.Name, "[" + strings.Join(dims, ", ") + "]", formatCount(n)})
	}
	table.Render()
}

func writeCPU(out io.Writer) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"CPU feature", "Available"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"arch", runtime.GOARCH})
	table.Append([]string{"gomaxprocs", strconv.Itoa(runtime.GOMAXPROCS(0))})
	for _, f := range cpuFeatures() {
		table.Append([]string{f.name, strconv.FormatBool(f.ok)})
	}
	table.Render()
}

type cpuFeature struct {
	name string
	ok   bool
}

func cpuFeatures() []cpuFeature {
	switch runtime.GOARCH {
	case "amd64", "386":
		return []cpuFeature{
			{"sse4.1", cpu.X86.HasSSE41},
			{"avx", cpu.X86.HasAVX},
			{"avx2", cpu.X86.HasAVX2},
			{"fma", cpu.X86.HasFMA},
			{"avx512f", cpu.X86.HasAVX512F},
		}
	case "arm64":
		return []cpuFeature{
			{"asimd", cpu.ARM64.HasASIMD},
			{"fphp", cpu.ARM64.HasFPHP},
			{"sve", cpu.ARM64.HasSVE},
		}
	}
	return nil
}

func formatCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	}
	return strconv.Itoa(n)
}
