package isic2018

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// LossWeights are the per-epoch weights of the three loss terms: the mask
// segmentation loss and the two indicator-head losses.
type LossWeights struct {
	Mask       float64
	Indicator1 float64
	Indicator2 float64
}

// Combine returns the weighted total Mask*maskLoss + Indicator1*indicator1Loss
// + Indicator2*indicator2Loss. Plain weighted sum, no normalization.
func (w LossWeights) Combine(maskLoss, indicator1Loss, indicator2Loss float64) float64 {
	return w.Mask*maskLoss + w.Indicator1*indicator1Loss + w.Indicator2*indicator2Loss
}

// WeightRule sets the loss weights from FromEpoch (1-based, inclusive) onward,
// until a later rule takes over.
type WeightRule struct {
	FromEpoch int
	Weights   LossWeights
}

// WeightSchedule is an epoch-indexed loss weight schedule: an ordered list of
// rules, earliest first.
type WeightSchedule []WeightRule

// ForEpoch returns the weights in effect at the given epoch: the last rule
// whose FromEpoch is <= epoch. Epochs before the first rule use the first
// rule; an empty schedule yields zero weights.
func (s WeightSchedule) ForEpoch(epoch int) LossWeights {
	var weights LossWeights
	if len(s) > 0 {
		weights = s[0].Weights
	}
	for _, rule := range s {
		if rule.FromEpoch > epoch {
			break
		}
		weights = rule.Weights
	}
	return weights
}

// WeightScheduleFromContext builds the constant default schedule from the
// "*_loss_weight" hyperparameters.
func WeightScheduleFromContext(ctx *context.Context) WeightSchedule {
	return WeightSchedule{{
		FromEpoch: 1,
		Weights: LossWeights{
			Mask:       context.GetParamOr(ctx, "mask_loss_weight", 1.0),
			Indicator1: context.GetParamOr(ctx, "indicator1_loss_weight", 0.5),
			Indicator2: context.GetParamOr(ctx, "indicator2_loss_weight", 0.5),
		},
	}}
}

// Epsilon of the soft-Jaccard ratio, to keep the log finite on empty masks.
const softJaccardEpsilon = 1e-7

// SegmentationLossGraph computes the mask loss: mean binary cross-entropy on
// the logits, minus jaccardWeight*log(softJaccard) where softJaccard is the
// probability-weighted intersection-over-union of the predicted and true
// masks. With jaccardWeight == 0 it reduces to plain BCE. maskLogits and
// masks must have the same shape; returns a scalar.
func SegmentationLossGraph(maskLogits, masks *graph.Node, jaccardWeight float64) *graph.Node {
	bce := graph.ReduceAllMean(losses.BinaryCrossentropyLogits([]*graph.Node{masks}, []*graph.Node{maskLogits}))
	if jaccardWeight == 0 {
		return bce
	}
	probs := graph.Sigmoid(maskLogits)
	intersection := graph.ReduceAllSum(graph.Mul(probs, masks))
	union := graph.Add(graph.ReduceAllSum(probs), graph.ReduceAllSum(masks))
	softJaccard := graph.Div(
		graph.AddScalar(intersection, softJaccardEpsilon),
		graph.AddScalar(graph.Sub(union, intersection), softJaccardEpsilon))
	return graph.Sub(bce, graph.MulScalar(graph.Log(softJaccard), jaccardWeight))
}

// IndicatorLossGraph computes one indicator head's loss: mean binary
// cross-entropy between the head logits and the 0/1 presence indicators.
func IndicatorLossGraph(indicatorLogits, indicators *graph.Node) *graph.Node {
	return graph.ReduceAllMean(losses.BinaryCrossentropyLogits([]*graph.Node{indicators}, []*graph.Node{indicatorLogits}))
}

// CombineGraph is the graph counterpart of Combine: the scalar weighted total
// of the three loss nodes, with the weights provided as scalar nodes so the
// compiled program is reused when the schedule changes them.
func CombineGraph(maskLoss, indicator1Loss, indicator2Loss, wMask, wIndicator1, wIndicator2 *graph.Node) *graph.Node {
	total := graph.Mul(maskLoss, wMask)
	total = graph.Add(total, graph.Mul(indicator1Loss, wIndicator1))
	total = graph.Add(total, graph.Mul(indicator2Loss, wIndicator2))
	return total
}
