// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clipping

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// noopOptimizer doesn't change any variable, so only the clipping is visible.
type noopOptimizer struct {
	numUpdates, numClears int
}

func (o *noopOptimizer) UpdateGraph(_ *context.Context, _ *Graph, _ *Node) { o.numUpdates++ }

func (o *noopOptimizer) Clear(_ *context.Context) error {
	o.numClears++
	return nil
}

// gradientsOptimizer is a noopOptimizer that also accepts pre-computed gradients.
type gradientsOptimizer struct {
	noopOptimizer
	numGradientUpdates int
}

func (o *gradientsOptimizer) UpdateGraphWithGradients(_ *context.Context, _ []*Node, _ dtypes.DType) {
	o.numGradientUpdates++
}

func sgd(learningRate float64) optimizers.Interface {
	return optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(learningRate).Done()
}

// runStep executes one optimizer step, where the loss is the sum of the values of vars.
func runStep(t *testing.T, ctx *context.Context, opt optimizers.Interface, vars ...*context.Variable) {
	backend := graphtest.BuildTestBackend()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		var loss *Node
		for _, v := range vars {
			sum := ReduceAllSum(v.ValueGraph(g))
			if loss == nil {
				loss = sum
			} else {
				loss = Add(loss, sum)
			}
		}
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})
	require.NotPanics(t, func() { _ = exec.MustExec() })
}

func TestClipElementwise(t *testing.T) {
	ctx := context.New()
	clipped := ctx.In("critic").VariableWithValue("w", []float32{2, -3, 0.1})
	free := ctx.In("generator").VariableWithValue("w", []float32{2, -3, 0.1})

	opt := must.M1(New(sgd(1.0), 0.5).Variables(clipped).Done())
	require.Equal(t, 1, opt.NumVariables())
	require.Equal(t, 0.5, opt.MaxNorm())
	runStep(t, ctx, opt, clipped, free)

	// Gradients are all 1, so SGD with learning rate 1 subtracts 1 from every value.
	assert.InDeltaSlice(t, []float32{0.5, -0.5, -0.5}, clipped.MustValue().Value().([]float32), 1e-6)
	assert.InDeltaSlice(t, []float32{1, -4, -0.9}, free.MustValue().Value().([]float32), 1e-6)
}

func TestClipOnlyAfterInnerUpdate(t *testing.T) {
	ctx := context.New()
	v := ctx.VariableWithValue("v", float32(2))
	inner := &noopOptimizer{}
	opt := must.M1(New(inner, 0.1).Variables(v).Done())
	require.Same(t, optimizers.Interface(inner), opt.Inner())

	runStep(t, ctx, opt, v)
	assert.Equal(t, 1, inner.numUpdates)
	assert.InDelta(t, 0.1, float64(v.MustValue().Value().(float32)), 1e-7)

	require.NoError(t, opt.Clear(ctx))
	assert.Equal(t, 1, inner.numClears)
}

func TestClipVariableAxes(t *testing.T) {
	ctx := context.New()
	w := ctx.In("critic").VariableWithValue("w", [][]float32{{3, 4}, {0.3, 0.4}})
	opt := must.M1(New(&noopOptimizer{}, 1.0).VariableAxes(w, -1).Done())
	runStep(t, ctx, opt, w)

	// First row has norm 5 and is scaled down, the second has norm 0.5 and is kept.
	got := w.MustValue().Value().([][]float32)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, got[0], 1e-6)
	assert.InDeltaSlice(t, []float32{0.3, 0.4}, got[1], 1e-6)
}

func TestClipByNorm(t *testing.T) {
	col0, col1 := math.Sqrt(9.09), math.Sqrt(16.16)
	total := math.Sqrt(25.25)
	graphtest.RunTestGraphFn(t, "ClipByNorm()", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float64{{3, 4}, {0.3, -0.4}})
		inputs = []*Node{x}
		outputs = []*Node{
			ClipByNorm(x, 1.0),
			ClipByNorm(x, 1.0, 1),
			ClipByNorm(x, 1.0, 0),
			ClipByNorm(x, 1.0, 0, 1),
			ClipByNorm(x, 1.0, -1),
		}
		return
	}, []any{
		[][]float64{{1, 1}, {0.3, -0.4}},
		[][]float64{{0.6, 0.8}, {0.3, -0.4}},
		[][]float64{{3 / col0, 4 / col1}, {0.3 / col0, -0.4 / col1}},
		[][]float64{{3 / total, 4 / total}, {0.3 / total, -0.4 / total}},
		[][]float64{{0.6, 0.8}, {0.3, -0.4}},
	}, 1e-3)

	backend := graphtest.BuildTestBackend()
	require.Panics(t, func() {
		_ = MustExecOnce(backend, func(g *Graph) *Node {
			return ClipByNorm(Const(g, []float32{1, 2}), 1.0, 1)
		})
	}, "axis 1 is out of range for a rank-1 tensor")
}

func TestUpdateGraphWithGradients(t *testing.T) {
	ctx := context.New()
	v := ctx.VariableWithValue("v", []float32{2, -2})
	opt := must.M1(New(sgd(1.0), 0.25).Variables(v).Done())

	backend := graphtest.BuildTestBackend()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		loss := ReduceAllSum(v.ValueGraph(g))
		grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
		opt.UpdateGraphWithGradients(ctx, grads, loss.DType())
		return loss
	})
	_ = exec.MustExec()
	assert.InDeltaSlice(t, []float32{0.25, -0.25}, v.MustValue().Value().([]float32), 1e-6)

	// Without gradients the inner optimizer is still called.
	inner := &gradientsOptimizer{}
	empty := must.M1(New(inner, 0.25).Variables(v).Done())
	require.NotPanics(t, func() { empty.UpdateGraphWithGradients(ctx, nil, dtypes.Float32) })
	assert.Equal(t, 1, inner.numGradientUpdates)
	assert.Equal(t, 0, inner.numUpdates)

	// Inner optimizer doesn't support gradients.
	noGrads := must.M1(New(&noopOptimizer{}, 0.25).Variables(v).Done())
	require.Panics(t, func() { noGrads.UpdateGraphWithGradients(ctx, nil, dtypes.Float32) })
}

func TestConfigErrors(t *testing.T) {
	ctx := context.New()
	v := ctx.VariableWithValue("v", float32(1))

	for _, maxNorm := range []float64{0, -1, math.NaN()} {
		_, err := New(&noopOptimizer{}, maxNorm).Variables(v).Done()
		require.Error(t, err, "maxNorm=%v", maxNorm)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Contains(t, err.Error(), "must be positive")
	}

	_, err := New(nil, 1.0).Variables(v).Done()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = New(&noopOptimizer{}, 1.0).Variables(v, nil).Done()
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "index 1")
}
