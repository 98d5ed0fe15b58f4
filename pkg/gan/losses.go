// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// LossFn builds a scalar loss from the model.
type LossFn func(m *Model) *Node

// WassersteinGeneratorLoss returns -mean(D(G(z))).
//
// See https://arxiv.org/abs/1701.07875. It is usually paired with clipping of the discriminator
// weights (features.ClipDiscriminatorWeights).
func WassersteinGeneratorLoss(m *Model) *Node {
	assertOutputs(m)
	return Neg(ReduceAllMean(m.DiscriminatorGenOutputs))
}

// WassersteinDiscriminatorLoss returns mean(D(G(z))) - mean(D(x)).
func WassersteinDiscriminatorLoss(m *Model) *Node {
	assertOutputs(m)
	return Sub(ReduceAllMean(m.DiscriminatorGenOutputs), ReduceAllMean(m.DiscriminatorRealOutputs))
}

func assertOutputs(m *Model) {
	if m == nil || m.DiscriminatorGenOutputs == nil || m.DiscriminatorRealOutputs == nil {
		Panicf("GAN loss requires a Model with the discriminator outputs, see gan.BuildModel")
	}
}
