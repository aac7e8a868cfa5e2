package isic2018

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Scope under which the momentum velocity variables live, mirroring the
// trainable variables' own scopes.
const momentumSGDScope = "MomentumSGD"

// momentumSGD implements optimizers.Interface: classic SGD with momentum and
// without step decay, so the effective learning rate is exactly the value the
// plateau scheduler stores in the learning-rate variable.
//
//	velocity = momentum*velocity + gradient
//	weight  -= learningRate * velocity
type momentumSGD struct {
	momentum float64
}

// OptimizerFromContext resolves the "optimizer" hyperparameter. "sgd" maps to
// momentum SGD (momentum from "sgd_momentum", default 0.9); any other name is
// delegated to the gomlx optimizer registry.
func OptimizerFromContext(ctx *context.Context) optimizers.Interface {
	if context.GetParamOr(ctx, optimizers.ParamOptimizer, "adam") == "sgd" {
		return &momentumSGD{momentum: context.GetParamOr(ctx, "sgd_momentum", 0.9)}
	}
	return optimizers.FromContext(ctx)
}

// UpdateGraph implements optimizers.Interface.
func (o *momentumSGD) UpdateGraph(ctx *context.Context, g *graph.Graph, loss *graph.Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss, got loss.shape=%s", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		return
	}
	dtype := loss.DType()
	lrValue := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.001)
	learningRate := optimizers.LearningRateVar(ctx, dtype, lrValue).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	numTrainable := len(grads)
	gradIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if gradIdx >= numTrainable {
			gradIdx++
			continue
		}
		grad := grads[gradIdx]
		gradIdx++

		velocityVar := o.velocityVariable(ctx, v)
		velocity := graph.Add(graph.MulScalar(velocityVar.ValueGraph(g), o.momentum), grad)
		velocityVar.SetValueGraph(velocity)

		lr := learningRate
		if lr.DType() != grad.DType() {
			lr = graph.ConvertDType(lr, grad.DType())
		}
		v.SetValueGraph(graph.Sub(v.ValueGraph(g), graph.Mul(velocity, lr)))
	}
	if gradIdx != numTrainable {
		exceptions.Panicf("got gradients for %d variables but saw %d trainable variables, "+
			"were variables created in between?", numTrainable, gradIdx)
	}
}

// velocityVariable returns (creating on first use) the velocity of a trainable
// variable, stored under momentumSGDScope with the variable's own scope path.
func (o *momentumSGD) velocityVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := context.ScopeSeparator + momentumSGDScope + trainable.Scope()
	return ctx.Checked(false).
		InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_velocity", trainable.Shape()).
		SetTrainable(false)
}

// Clear implements optimizers.Interface, dropping the velocity variables.
func (o *momentumSGD) Clear(ctx *context.Context) error {
	return ctx.In(momentumSGDScope).DeleteVariablesInScope()
}
