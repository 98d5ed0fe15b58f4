// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gan holds the building blocks to train Generative Adversarial Networks (GANs) with GoMLX.
//
// A GAN is built with BuildModel, which runs the generator and the discriminator (on real and on
// generated data) and records the resulting nodes and variables in a Model.
// The Model is then used to build the losses (e.g.: WassersteinGeneratorLoss and
// WassersteinDiscriminatorLoss), and TrainStepGraph updates both networks.
//
// Optional training tweaks, like clipping the discriminator weights, are in the sub-package features.
package gan

import (
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

const (
	// GeneratorScope is the scope (relative to the context given to BuildModel) where the generator
	// variables are created.
	GeneratorScope = "generator"

	// DiscriminatorScope is the scope (relative to the context given to BuildModel) where the
	// discriminator variables are created.
	DiscriminatorScope = "discriminator"
)

// GeneratorFn builds the generator: it takes the generator inputs (typically noise) and returns
// the generated data, shaped like the real data.
type GeneratorFn func(ctx *context.Context, inputs *Node) *Node

// DiscriminatorFn builds the discriminator (or critic): it takes real or generated data and returns
// its outputs, one per example.
//
// It is called twice, with the same context scope, so the variables are shared.
type DiscriminatorFn func(ctx *context.Context, data *Node) *Node

// Model holds the nodes and variables of a GAN for one computation graph.
type Model struct {
	GeneratorInputs          *Node
	GeneratedData            *Node
	RealData                 *Node
	DiscriminatorRealOutputs *Node
	DiscriminatorGenOutputs  *Node

	// GeneratorScope and DiscriminatorScope are the absolute scopes of each network.
	GeneratorScope, DiscriminatorScope string

	// GeneratorVariables and DiscriminatorVariables are the trainable variables found in
	// each network's scope.
	GeneratorVariables, DiscriminatorVariables []*context.Variable
}

// BuildModel runs the generator on generatorInputs, and the discriminator on realData and on the
// generated data, and returns the Model with the resulting nodes and variables.
//
// The generator is built in the GeneratorScope and the discriminator in the DiscriminatorScope,
// sub-scopes of ctx. Variables are created if they don't exist yet, and reused otherwise, so
// BuildModel can be called for each new graph of a context.Exec.
//
// It is a graph building function and panics on error.
func BuildModel(ctx *context.Context, generatorFn GeneratorFn, discriminatorFn DiscriminatorFn, realData, generatorInputs *Node) *Model {
	if generatorFn == nil || discriminatorFn == nil {
		Panicf("gan.BuildModel requires both a generator and a discriminator function")
	}
	if realData == nil || generatorInputs == nil {
		Panicf("gan.BuildModel requires real data and generator inputs")
	}
	m := &Model{
		GeneratorInputs: generatorInputs,
		RealData:        realData,
	}

	genCtx := ctx.In(GeneratorScope).Checked(false)
	m.GeneratorScope = genCtx.Scope()
	m.GeneratedData = generatorFn(genCtx, generatorInputs)
	if !m.GeneratedData.Shape().Equal(realData.Shape()) {
		Panicf("gan.BuildModel: generated data shaped %s, but real data is shaped %s",
			m.GeneratedData.Shape(), realData.Shape())
	}

	discCtx := ctx.In(DiscriminatorScope).Checked(false)
	m.DiscriminatorScope = discCtx.Scope()
	m.DiscriminatorRealOutputs = discriminatorFn(discCtx, realData)
	m.DiscriminatorGenOutputs = discriminatorFn(discCtx, m.GeneratedData)

	m.GeneratorVariables = VariablesInScope(ctx, m.GeneratorScope)
	m.DiscriminatorVariables = VariablesInScope(ctx, m.DiscriminatorScope)
	if len(m.DiscriminatorVariables) == 0 {
		Panicf("gan.BuildModel: no trainable variables created by the discriminator in scope %q", m.DiscriminatorScope)
	}
	return m
}

// VariablesInScope returns the trainable variables under the absolute scope, in the context's
// deterministic order.
func VariablesInScope(ctx *context.Context, scope string) []*context.Variable {
	vars := slices.Collect(ctx.InAbsPath(scope).IterVariablesInScope())
	return slices.DeleteFunc(vars, func(v *context.Variable) bool { return !v.Trainable })
}
