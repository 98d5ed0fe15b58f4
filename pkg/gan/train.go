// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"k8s.io/klog/v2"
)

const (
	// GeneratorTrainScope is the scope (relative to the context given to TrainStepGraph) used by the
	// generator optimizer for its own variables (learning rate, global step, moments, etc.).
	GeneratorTrainScope = "generator_train"

	// DiscriminatorTrainScope is the equivalent of GeneratorTrainScope for the discriminator optimizer.
	DiscriminatorTrainScope = "discriminator_train"
)

// TrainStepGraph builds the updates of one training step of both networks: the discriminator
// optimizer minimizes discLoss over m.DiscriminatorVariables, and the generator optimizer minimizes
// genLoss over m.GeneratorVariables.
//
// Both updates use the gradients of the values before the step (simultaneous updates).
// The optimizers keep their own variables in GeneratorTrainScope and DiscriminatorTrainScope, so they
// can be configured independently.
//
// While each update is built, only the variables of the corresponding network are marked as
// trainable. The trainable flags are restored afterwards.
//
// It is a graph building function and panics on error.
func TrainStepGraph(ctx *context.Context, m *Model, genLoss, discLoss *Node, genOpt, discOpt optimizers.Interface) {
	if m == nil || genOpt == nil || discOpt == nil {
		Panicf("gan.TrainStepGraph requires a model and both optimizers")
	}
	if !genLoss.Shape().IsScalar() || !discLoss.Shape().IsScalar() {
		Panicf("gan.TrainStepGraph requires scalar losses, got generator loss %s and discriminator loss %s",
			genLoss.Shape(), discLoss.Shape())
	}
	g := genLoss.Graph()
	if discLoss.Graph() != g {
		Panicf("gan.TrainStepGraph: generator and discriminator losses are from different graphs")
	}
	klog.V(1).Infof("building GAN train step: %d generator and %d discriminator variables",
		len(m.GeneratorVariables), len(m.DiscriminatorVariables))
	DiscriminatorStepGraph(ctx, m, discLoss, discOpt)
	GeneratorStepGraph(ctx, m, genLoss, genOpt)
}

// DiscriminatorStepGraph builds only the discriminator update of a training step: discOpt minimizes
// discLoss over m.DiscriminatorVariables.
//
// It can be used to train the discriminator (critic) for more steps than the generator, as usual
// with Wasserstein GANs.
//
// It is a graph building function and panics on error.
func DiscriminatorStepGraph(ctx *context.Context, m *Model, discLoss *Node, discOpt optimizers.Interface) {
	withTrainableOnly(ctx, m.DiscriminatorVariables, func() {
		discOpt.UpdateGraph(ctx.In(DiscriminatorTrainScope), discLoss.Graph(), discLoss)
	})
}

// GeneratorStepGraph builds only the generator update of a training step: genOpt minimizes
// genLoss over m.GeneratorVariables.
//
// It is a graph building function and panics on error.
func GeneratorStepGraph(ctx *context.Context, m *Model, genLoss *Node, genOpt optimizers.Interface) {
	if len(m.GeneratorVariables) == 0 {
		Panicf("gan.GeneratorStepGraph: model has no generator variables in scope %q", m.GeneratorScope)
	}
	withTrainableOnly(ctx, m.GeneratorVariables, func() {
		genOpt.UpdateGraph(ctx.In(GeneratorTrainScope), genLoss.Graph(), genLoss)
	})
}

// SetTrainableOnly marks vars as trainable and every other variable of ctx as not trainable.
// It returns a function that restores the previous flags of the variables it changed.
//
// Variables created after the call are not affected by the restore.
func SetTrainableOnly(ctx *context.Context, vars []*context.Variable) (restore func()) {
	selected := make(map[*context.Variable]bool, len(vars))
	for _, v := range vars {
		selected[v] = true
	}
	previous := make(map[*context.Variable]bool)
	for v := range ctx.IterVariables() {
		if v.Trainable != selected[v] {
			previous[v] = v.Trainable
			v.SetTrainable(selected[v])
		}
	}
	return func() {
		for v, trainable := range previous {
			v.SetTrainable(trainable)
		}
	}
}

func withTrainableOnly(ctx *context.Context, vars []*context.Variable, fn func()) {
	restore := SetTrainableOnly(ctx, vars)
	defer restore()
	fn()
}
