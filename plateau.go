package isic2018

import (
	"math"

	"github.com/gomlx/gomlx/pkg/ml/context"
)

// PlateauScheduler implements reduce-learning-rate-on-plateau: when the
// monitored value (the validation mask loss) fails to improve for patience
// consecutive observations, the learning rate is multiplied by factor,
// bounded below by minLR.
//
// The decision logic is host-side and pure; the caller applies the returned
// rate to the optimizer.
type PlateauScheduler struct {
	factor   float64
	patience int
	minLR    float64

	rate     float64
	best     float64
	badCount int
}

// NewPlateauScheduler creates a scheduler starting at initialRate.
func NewPlateauScheduler(initialRate, factor, minLR float64, patience int) *PlateauScheduler {
	return &PlateauScheduler{
		factor:   factor,
		patience: patience,
		minLR:    minLR,
		rate:     initialRate,
		best:     math.Inf(1),
	}
}

// Rate returns the current learning rate.
func (p *PlateauScheduler) Rate() float64 { return p.rate }

// Step observes one validation value and returns the learning rate to use
// next, and whether it was just reduced. An observation strictly below the
// best seen so far resets the patience counter.
func (p *PlateauScheduler) Step(value float64) (rate float64, reduced bool) {
	if value < p.best {
		p.best = value
		p.badCount = 0
		return p.rate, false
	}
	p.badCount++
	if p.badCount > p.patience {
		newRate := math.Max(p.rate*p.factor, p.minLR)
		if newRate < p.rate {
			p.rate = newRate
			reduced = true
		}
		p.badCount = 0
	}
	return p.rate, reduced
}

// PlateauSchedulerFromContext builds the scheduler from hyperparameters,
// starting at the optimizer's initial learning rate.
func PlateauSchedulerFromContext(ctx *context.Context) *PlateauScheduler {
	return NewPlateauScheduler(
		context.GetParamOr(ctx, "learning_rate", 0.001),
		context.GetParamOr(ctx, "plateau_factor", 0.8),
		context.GetParamOr(ctx, "plateau_min_lr", 1e-6),
		context.GetParamOr(ctx, "plateau_patience", 5))
}
