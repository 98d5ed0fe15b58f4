// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// wgan trains a tiny 1-D Wasserstein GAN on synthetic Gaussian data: an affine generator
// (x = z*scale + shift) against a linear critic, whose weights are clipped after each update.
//
// The linear critic can only tell apart means, so the generator learns the shift of the real
// distribution, and the critic weights stay within the clip bound.
package main

import (
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gan/pkg/gan"
	"github.com/gomlx/gan/pkg/gan/features"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagBackend      = flag.String("backend", "", "Backend configuration, e.g. \"go\" or \"xla:cpu\". Defaults to $GOMLX_BACKEND or the first registered.")
	flagNumSteps     = flag.Int("steps", 2000, "Number of generator steps.")
	flagCriticSteps  = flag.Int("critic_steps", 5, "Number of critic steps per generator step.")
	flagBatchSize    = flag.Int("batch", 256, "Batch size of real and generated examples.")
	flagLearningRate = flag.Float64("learning_rate", 0.05, "Learning rate of both optimizers.")
	flagWeightClip   = flag.Float64("weight_clip", 0.1, "Critic weights are clipped to [-weight_clip, weight_clip]. 0 disables clipping.")
	flagRealMean     = flag.Float64("real_mean", 4.0, "Mean of the real data.")
	flagRealStddev   = flag.Float64("real_stddev", 1.25, "Standard deviation of the real data.")
	flagSeed         = flag.Int64("seed", 42, "Random seed.")
	flagPlotFile     = flag.String("plot", "", "If set, saves a plot of the losses to this file (png, svg or pdf).")
	flagPlotEvery    = flag.Int("plot_every", 10, "Steps between points of the losses plot.")
)

const dtype = dtypes.Float32

// affineGenerator returns z*scale + shift.
func affineGenerator(ctx *context.Context, z *Node) *Node {
	g := z.Graph()
	scale := ctx.VariableWithValue("scale", float32(1)).ValueGraph(g)
	shift := ctx.VariableWithValue("shift", float32(0)).ValueGraph(g)
	return Add(Mul(z, scale), shift)
}

// linearCritic returns x*w + b.
func linearCritic(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	w := ctx.VariableWithValue("w", float32(0.01)).ValueGraph(g)
	b := ctx.VariableWithValue("b", float32(0)).ValueGraph(g)
	return Add(Mul(x, w), b)
}

// modelGraph samples real data and noise, and builds the GAN on them.
func modelGraph(ctx *context.Context, g *Graph) *gan.Model {
	shape := shapes.Make(dtype, *flagBatchSize, 1)
	realData := ctx.RandomNormal(g, shape)
	realData = AddScalar(MulScalar(realData, *flagRealStddev), *flagRealMean)
	noise := ctx.RandomNormal(g, shape)
	return gan.BuildModel(ctx, affineGenerator, linearCritic, realData, noise)
}

func sgd() optimizers.Interface {
	return optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(*flagLearningRate).Done()
}

func criticOptimizer(ctx *context.Context, m *gan.Model) optimizers.Interface {
	return must.M1(features.ClipDiscriminatorWeightsFromContext(ctx, sgd(), m))
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagWeightClip < 0 || math.IsNaN(*flagWeightClip) {
		klog.Fatalf("-weight_clip must be positive (or 0 to disable), got %g", *flagWeightClip)
	}
	if *flagBackend != "" {
		backends.DefaultConfig = *flagBackend
	}
	backend := backends.MustNew()
	klog.Infof("Backend: %s, %s", backend.Name(), backend.Description())

	ctx := context.New()
	ctx.SetParam(features.ParamDiscriminatorWeightClip, *flagWeightClip)
	must.M(ctx.SetRNGStateFromSeed(*flagSeed))

	criticStep := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		m := modelGraph(ctx, g)
		discLoss := gan.WassersteinDiscriminatorLoss(m)
		gan.DiscriminatorStepGraph(ctx, m, discLoss, criticOptimizer(ctx, m))
		return discLoss
	})
	trainStep := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		m := modelGraph(ctx, g)
		genLoss := gan.WassersteinGeneratorLoss(m)
		discLoss := gan.WassersteinDiscriminatorLoss(m)
		gan.TrainStepGraph(ctx, m, genLoss, discLoss, sgd(), criticOptimizer(ctx, m))
		return []*Node{genLoss, discLoss}
	})

	bar := progressbar.NewOptions(*flagNumSteps,
		progressbar.OptionSetDescription("training"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	start := time.Now()
	var genLoss, discLoss float32
	var genLosses, discLosses plotter.XYs
	for step := range *flagNumSteps {
		for range *flagCriticSteps - 1 {
			_ = criticStep.MustExec()
		}
		outputs := trainStep.MustExec()
		genLoss, discLoss = tensors.ToScalar[float32](outputs[0]), tensors.ToScalar[float32](outputs[1])
		if *flagPlotEvery > 0 && step%*flagPlotEvery == 0 {
			genLosses = append(genLosses, plotter.XY{X: float64(step), Y: float64(genLoss)})
			discLosses = append(discLosses, plotter.XY{X: float64(step), Y: float64(discLoss)})
		}
		if klog.V(1).Enabled() && step%100 == 0 {
			klog.Infof("step %d: generator loss %.4f, critic loss %.4f", step, genLoss, discLoss)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	elapsed := time.Since(start)
	fmt.Println()
	fmt.Printf("%s generator steps (%s critic steps) in %s: %s steps/s\n",
		humanize.Comma(int64(*flagNumSteps)), humanize.Comma(int64(*flagNumSteps**flagCriticSteps)),
		elapsed.Round(time.Millisecond), humanize.FormatFloat("#,###.#", float64(*flagNumSteps)/elapsed.Seconds()))
	read := func(scope, name string) float32 {
		return tensors.ToScalar[float32](ctx.GetVariableByScopeAndName(scope, name).MustValue())
	}
	genScope, discScope := "/"+gan.GeneratorScope, "/"+gan.DiscriminatorScope
	criticW := read(discScope, "w")
	results := lgtable.New().
		Border(lipgloss.NormalBorder()).
		Headers("", "value").
		Row("generator loss", fmt.Sprintf("%.4f", genLoss)).
		Row("critic loss", fmt.Sprintf("%.4f", discLoss)).
		Row("generator scale", fmt.Sprintf("%.4f (real stddev %.4f)", read(genScope, "scale"), *flagRealStddev)).
		Row("generator shift", fmt.Sprintf("%.4f (real mean %.4f)", read(genScope, "shift"), *flagRealMean)).
		Row("critic w", fmt.Sprintf("%.4f", criticW)).
		Row("critic b", fmt.Sprintf("%.4f", read(discScope, "b")))
	fmt.Println(results)

	if *flagPlotFile != "" {
		if err := plotLosses(*flagPlotFile, genLosses, discLosses); err != nil {
			klog.Errorf("Failed to plot losses: %+v", err)
		}
	}
	if *flagWeightClip > 0 && math.Abs(float64(criticW)) > float64(float32(*flagWeightClip)) {
		klog.Fatalf("critic weight %g outside of the clip range [-%g, %g]", criticW, *flagWeightClip, *flagWeightClip)
	}
}

// plotLosses saves the generator and critic losses per step to fileName.
func plotLosses(fileName string, genLosses, discLosses plotter.XYs) error {
	p := plot.New()
	p.Title.Text = "WGAN losses"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	for _, curve := range []struct {
		name string
		xys  plotter.XYs
	}{{"generator", genLosses}, {"critic", discLosses}} {
		line, err := plotter.NewLine(curve.xys)
		if err != nil {
			return errors.Wrapf(err, "plotting %s losses", curve.name)
		}
		if curve.name == "critic" {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line)
		p.Legend.Add(curve.name, line)
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, fileName); err != nil {
		return errors.Wrapf(err, "saving plot to %q", fileName)
	}
	klog.Infof("Losses plot saved to %q", fileName)
	return nil
}
