// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package features implements optional tweaks to GAN training.
//
// ClipVariables and ClipDiscriminatorWeights decorate an optimizer so that after each update the
// selected weights are clipped to [-weightClip, +weightClip], as proposed by the original
// Wasserstein GAN paper (https://arxiv.org/abs/1701.07875) to keep the critic Lipschitz.
package features

import (
	"github.com/gomlx/gan/pkg/gan"
	"github.com/gomlx/gan/pkg/gan/optimizers/clipping"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrInvalidArgument is wrapped by the errors returned for invalid configurations, like a
// non-positive weight clip.
var ErrInvalidArgument = clipping.ErrInvalidArgument

// ParamDiscriminatorWeightClip is the context hyperparameter with the discriminator weight clip used
// by ClipDiscriminatorWeightsFromContext. The value should be a float64, and 0 (the default) disables
// clipping.
const ParamDiscriminatorWeightClip = "gan_discriminator_weight_clip"

// ClipVariables returns an optimizer that applies opt's updates and then clips each of the variables
// to [-weightClip, +weightClip].
//
// Variables not listed are not changed by the clipping.
// It returns an error wrapping ErrInvalidArgument if weightClip is not positive or opt is nil.
func ClipVariables(opt optimizers.Interface, variables []*context.Variable, weightClip float64) (*clipping.Optimizer, error) {
	clipped, err := clipping.New(opt, weightClip).Variables(variables...).Done()
	if err != nil {
		return nil, errors.WithMessage(err, "weight clip")
	}
	klog.V(1).Infof("clipping %d variables to [-%g, %g]", len(variables), weightClip, weightClip)
	return clipped, nil
}

// ClipDiscriminatorWeights is like ClipVariables, applied to the model.DiscriminatorVariables.
func ClipDiscriminatorWeights(opt optimizers.Interface, model *gan.Model, weightClip float64) (*clipping.Optimizer, error) {
	if model == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "ClipDiscriminatorWeights requires a model, got nil")
	}
	clipped, err := ClipVariables(opt, model.DiscriminatorVariables, weightClip)
	if err != nil {
		return nil, errors.WithMessage(err, "discriminator weights")
	}
	return clipped, nil
}

// ClipDiscriminatorWeightsFromContext reads ParamDiscriminatorWeightClip from ctx, and if set to a
// value other than 0 it returns ClipDiscriminatorWeights(opt, model, weightClip).
// Otherwise, opt is returned unchanged.
func ClipDiscriminatorWeightsFromContext(ctx *context.Context, opt optimizers.Interface, model *gan.Model) (optimizers.Interface, error) {
	weightClip := context.GetParamOr(ctx, ParamDiscriminatorWeightClip, 0.0)
	if weightClip == 0 {
		return opt, nil
	}
	clipped, err := ClipDiscriminatorWeights(opt, model, weightClip)
	if err != nil {
		return nil, errors.WithMessagef(err, "context parameter %q", ParamDiscriminatorWeightClip)
	}
	return clipped, nil
}
