// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package clipping implements an optimizer decorator that clips the values of a set of variables
// after each update of the wrapped optimizer.
//
// Each variable is clipped either element-wise, to the range [-maxNorm, +maxNorm], or by its L2 norm
// reduced over a list of axes -- in which case slices along the remaining axes are rescaled so their
// norm is at most maxNorm.
//
// Example: clip the weights of a critic (WGAN) after each SGD step:
//
//	opt, err := clipping.New(optimizers.StochasticGradientDescent().Done(), 0.01).
//		Variables(criticVars...).
//		Done()
package clipping

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrInvalidArgument is wrapped by all configuration errors returned by Config.Done.
var ErrInvalidArgument = errors.New("invalid argument")

// WithGradients is implemented by optimizers that can apply already computed gradients, for
// instance when gradients are accumulated over several steps.
type WithGradients interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// target is one variable to clip, and the axes over which its norm is taken.
// If axes is empty, it is clipped element-wise.
type target struct {
	v    *context.Variable
	axes []int
}

// Config for the clipping optimizer, created with New.
// Once configured, call Done to get the optimizer.
type Config struct {
	inner   optimizers.Interface
	maxNorm float64
	targets []target
	err     error
}

// New creates a configuration for an optimizer that wraps inner and, after each inner update,
// clips the configured variables to maxNorm.
//
// maxNorm must be positive: it is validated by Done.
func New(inner optimizers.Interface, maxNorm float64) *Config {
	return &Config{inner: inner, maxNorm: maxNorm}
}

// Variables to be clipped element-wise to [-maxNorm, +maxNorm].
//
// It returns itself to allow chaining.
func (c *Config) Variables(vars ...*context.Variable) *Config {
	for _, v := range vars {
		c.VariableAxes(v)
	}
	return c
}

// VariableAxes configures v to be clipped by its L2 norm reduced over the given axes.
// Negative axes are counted from the end. With no axes, v is clipped element-wise.
//
// For example, for a dense layer weights shaped [inputDim, outputDim], VariableAxes(w, 0) limits the
// norm of the weights feeding each output unit.
//
// It returns itself to allow chaining.
func (c *Config) VariableAxes(v *context.Variable, axes ...int) *Config {
	if v == nil {
		if c.err == nil {
			c.err = errors.Wrapf(ErrInvalidArgument, "nil variable given to clipping optimizer (index %d)", len(c.targets))
		}
		return c
	}
	c.targets = append(c.targets, target{v: v, axes: append([]int(nil), axes...)})
	return c
}

// Done validates the configuration and returns the clipping optimizer.
func (c *Config) Done() (*Optimizer, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.inner == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "clipping optimizer requires an optimizer to wrap, got nil")
	}
	if !(c.maxNorm > 0) {
		return nil, errors.Wrapf(ErrInvalidArgument, "clipping max norm must be positive, got %v", c.maxNorm)
	}
	return &Optimizer{
		inner:   c.inner,
		maxNorm: c.maxNorm,
		targets: append([]target(nil), c.targets...),
	}, nil
}

// Optimizer wraps another optimizer and clips the configured variables after its updates.
// It implements optimizers.Interface.
type Optimizer struct {
	inner   optimizers.Interface
	maxNorm float64
	targets []target
}

var _ optimizers.Interface = (*Optimizer)(nil)

// Inner returns the wrapped optimizer.
func (o *Optimizer) Inner() optimizers.Interface { return o.inner }

// MaxNorm returns the clipping bound.
func (o *Optimizer) MaxNorm() float64 { return o.maxNorm }

// NumVariables returns the number of variables clipped.
func (o *Optimizer) NumVariables() int { return len(o.targets) }

// UpdateGraph builds the inner optimizer update and then clips the variables.
// It implements optimizers.Interface.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	o.inner.UpdateGraph(ctx, g, loss)
	o.ClipGraph(g)
}

// UpdateGraphWithGradients forwards the pre-computed gradients to the inner optimizer, and then clips
// the variables.
//
// It panics if the inner optimizer doesn't implement WithGradients. With no gradients the inner
// optimizer is still called, but there is no graph to clip in.
func (o *Optimizer) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	withGrads, ok := o.inner.(WithGradients)
	if !ok {
		Panicf("clipping optimizer: inner optimizer %T doesn't support updates with gradients", o.inner)
	}
	withGrads.UpdateGraphWithGradients(ctx, grads, lossDType)
	if len(grads) == 0 {
		// No graph to clip in.
		return
	}
	o.ClipGraph(grads[0].Graph())
}

// Clear forwards to the inner optimizer: the clipping itself holds no variables.
// It implements optimizers.Interface.
func (o *Optimizer) Clear(ctx *context.Context) error {
	return o.inner.Clear(ctx)
}

// ClipGraph sets the value of each configured variable in g to its clipped value.
//
// It's called by UpdateGraph, but it can also be used directly, for instance from a per-step update.
// It is a graph building function and panics on error.
func (o *Optimizer) ClipGraph(g *Graph) {
	for _, t := range o.targets {
		value := t.v.ValueGraph(g)
		clipped := ClipByNorm(value, o.maxNorm, t.axes...)
		t.v.SetValueGraph(clipped)
		if klog.V(2).Enabled() {
			klog.Infof("clipping %s (shape %s, axes %v) to %g", t.v.ScopeAndName(), value.Shape(), t.axes, o.maxNorm)
		}
	}
}

// ClipByNorm clips x such that its L2 norm, reduced over the given axes, is at most maxNorm:
// x * maxNorm / Max(norm(x), maxNorm).
//
// If no axes are given, x is clipped element-wise to [-maxNorm, +maxNorm].
func ClipByNorm(x *Node, maxNorm float64, axes ...int) *Node {
	if !(maxNorm > 0) {
		Panicf("ClipByNorm requires a positive maxNorm, got %v", maxNorm)
	}
	if len(axes) == 0 {
		return ClipScalar(x, -maxNorm, maxNorm)
	}
	g := x.Graph()
	adjusted := make([]int, len(axes))
	for ii, axis := range axes {
		if axis >= x.Rank() || axis < -x.Rank() {
			Panicf("ClipByNorm: axis %d out of range for x shaped %s", axis, x.Shape())
		}
		adjusted[ii] = MustAdjustAxis(axis, x)
	}
	norm := Sqrt(ReduceAndKeep(Square(x), ReduceSum, adjusted...))
	maxNormNode := Scalar(g, x.DType(), maxNorm)
	return Mul(x, Div(maxNormNode, Max(norm, maxNormNode)))
}
