package isic2018

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// confusionCounts accumulates a binary confusion matrix.
type confusionCounts struct {
	TP, FP, FN, TN int64
}

// safeRatio returns num/den, or 0 when den is 0.
func safeRatio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func (c confusionCounts) Precision() float64 {
	return safeRatio(float64(c.TP), float64(c.TP+c.FP))
}

func (c confusionCounts) Recall() float64 {
	return safeRatio(float64(c.TP), float64(c.TP+c.FN))
}

func (c confusionCounts) F1() float64 {
	precision, recall := c.Precision(), c.Recall()
	return safeRatio(2*precision*recall, precision+recall)
}

func (c confusionCounts) Accuracy() float64 {
	return safeRatio(float64(c.TP+c.TN), float64(c.TP+c.FP+c.FN+c.TN))
}

// Jaccard is the intersection-over-union TP/(TP+FP+FN).
func (c confusionCounts) Jaccard() float64 {
	return safeRatio(float64(c.TP), float64(c.TP+c.FP+c.FN))
}

func (c *confusionCounts) add(predicted, actual bool) {
	switch {
	case predicted && actual:
		c.TP++
	case predicted && !actual:
		c.FP++
	case !predicted && actual:
		c.FN++
	default:
		c.TN++
	}
}

func (c *confusionCounts) merge(other confusionCounts) {
	c.TP += other.TP
	c.FP += other.FP
	c.FN += other.FN
	c.TN += other.TN
}

// Meter accumulates losses and confusion counts over the batches of one epoch
// and derives the epoch metrics from them. Counts are kept per attribute on
// three prediction families:
//
//   - pixels: per-pixel mask predictions, also the source of the Jaccard score;
//   - presence: image-level presence derived from the mask by the
//     any-positive-pixel rule;
//   - the two auxiliary indicator heads.
//
// Value may be called at any time and any number of times; it derives metrics
// from the counts accumulated so far without mutating them.
type Meter struct {
	attrs      []string
	numBatches int
	lossSums   [4]float64 // mask, indicator1, indicator2, total.

	pixels     []confusionCounts
	presence   []confusionCounts
	indicator1 []confusionCounts
	indicator2 []confusionCounts
}

// probability threshold above which a prediction counts as positive.
const positiveThreshold = 0.5

// NewMeter returns an empty Meter for the given attribute names.
func NewMeter(attrs []string) *Meter {
	m := &Meter{attrs: attrs}
	m.Reset()
	return m
}

// Reset discards all accumulated state, returning the Meter to empty.
func (m *Meter) Reset() {
	m.numBatches = 0
	m.lossSums = [4]float64{}
	m.pixels = make([]confusionCounts, len(m.attrs))
	m.presence = make([]confusionCounts, len(m.attrs))
	m.indicator1 = make([]confusionCounts, len(m.attrs))
	m.indicator2 = make([]confusionCounts, len(m.attrs))
}

// NumBatches returns how many batches were accumulated since the last Reset.
func (m *Meter) NumBatches() int { return m.numBatches }

// Add accumulates one batch. maskProbs and masks must be shaped
// [batch, height, width, numAttrs], indicator tensors [batch, numAttrs], all
// float32 with probabilities in [0, 1]. The three loss components and their
// weighted total are batch means.
func (m *Meter) Add(maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators *tensors.Tensor,
	maskLoss, indicator1Loss, indicator2Loss, totalLoss float64) error {
	maskDims := maskProbs.Shape().Dimensions
	if len(maskDims) != 4 || maskDims[3] != len(m.attrs) {
		return errors.Errorf("mask probabilities must be shaped [batch, height, width, %d], got %s",
			len(m.attrs), maskProbs.Shape())
	}
	if !masks.Shape().Equal(maskProbs.Shape()) {
		return errors.Errorf("masks shaped %s, want %s to match predictions", masks.Shape(), maskProbs.Shape())
	}
	indicatorDims := indicators.Shape().Dimensions
	if len(indicatorDims) != 2 || indicatorDims[0] != maskDims[0] || indicatorDims[1] != len(m.attrs) {
		return errors.Errorf("indicators must be shaped [%d, %d], got %s",
			maskDims[0], len(m.attrs), indicators.Shape())
	}
	if !indicatorProbs1.Shape().Equal(indicators.Shape()) || !indicatorProbs2.Shape().Equal(indicators.Shape()) {
		return errors.Errorf("indicator predictions shaped %s and %s, want %s",
			indicatorProbs1.Shape(), indicatorProbs2.Shape(), indicators.Shape())
	}

	batchSize, height, width, numAttrs := maskDims[0], maskDims[1], maskDims[2], maskDims[3]
	tensors.MustConstFlatData(maskProbs, func(probsFlat []float32) {
		tensors.MustConstFlatData(masks, func(masksFlat []float32) {
			for imgIdx := 0; imgIdx < batchSize; imgIdx++ {
				base := imgIdx * height * width * numAttrs
				for attrIdx := 0; attrIdx < numAttrs; attrIdx++ {
					anyPredicted, anyActual := false, false
					for pixelIdx := 0; pixelIdx < height*width; pixelIdx++ {
						offset := base + pixelIdx*numAttrs + attrIdx
						predicted := probsFlat[offset] >= positiveThreshold
						actual := masksFlat[offset] >= positiveThreshold
						m.pixels[attrIdx].add(predicted, actual)
						anyPredicted = anyPredicted || predicted
						anyActual = anyActual || actual
					}
					m.presence[attrIdx].add(anyPredicted, anyActual)
				}
			}
		})
	})
	addIndicators := func(counts []confusionCounts, predictions *tensors.Tensor) {
		tensors.MustConstFlatData(predictions, func(predictionsFlat []float32) {
			tensors.MustConstFlatData(indicators, func(indicatorsFlat []float32) {
				for imgIdx := 0; imgIdx < batchSize; imgIdx++ {
					for attrIdx := 0; attrIdx < numAttrs; attrIdx++ {
						offset := imgIdx*numAttrs + attrIdx
						counts[attrIdx].add(
							predictionsFlat[offset] >= positiveThreshold,
							indicatorsFlat[offset] >= positiveThreshold)
					}
				}
			})
		})
	}
	addIndicators(m.indicator1, indicatorProbs1)
	addIndicators(m.indicator2, indicatorProbs2)

	m.lossSums[0] += maskLoss
	m.lossSums[1] += indicator1Loss
	m.lossSums[2] += indicator2Loss
	m.lossSums[3] += totalLoss
	m.numBatches++
	return nil
}

// MeanLoss returns the mean of the weighted total loss over accumulated batches.
func (m *Meter) MeanLoss() float64 {
	return safeRatio(m.lossSums[3], float64(m.numBatches))
}

// MeanMaskLoss returns the mean of the mask (segmentation) loss component.
func (m *Meter) MeanMaskLoss() float64 {
	return safeRatio(m.lossSums[0], float64(m.numBatches))
}

// Jaccard returns the pixel-level Jaccard score averaged over attributes.
func (m *Meter) Jaccard() float64 {
	if len(m.attrs) == 0 {
		return 0
	}
	var sum float64
	for attrIdx := range m.attrs {
		sum += m.pixels[attrIdx].Jaccard()
	}
	return sum / float64(len(m.attrs))
}

// Value derives the epoch metrics from the accumulated state. The returned map
// is freshly allocated and safe to keep.
func (m *Meter) Value() map[string]float64 {
	metrics := map[string]float64{
		"loss":            m.MeanLoss(),
		"mask_loss":       m.MeanMaskLoss(),
		"indicator1_loss": safeRatio(m.lossSums[1], float64(m.numBatches)),
		"indicator2_loss": safeRatio(m.lossSums[2], float64(m.numBatches)),
		"jaccard":         m.Jaccard(),
	}
	families := []struct {
		prefix string
		counts []confusionCounts
	}{
		{"mask", m.presence},
		{"indicator1", m.indicator1},
		{"indicator2", m.indicator2},
	}
	for _, family := range families {
		var total confusionCounts
		for attrIdx, attrName := range m.attrs {
			counts := family.counts[attrIdx]
			total.merge(counts)
			metrics[fmt.Sprintf("%s_precision_%s", family.prefix, attrName)] = counts.Precision()
			metrics[fmt.Sprintf("%s_recall_%s", family.prefix, attrName)] = counts.Recall()
			metrics[fmt.Sprintf("%s_f1_%s", family.prefix, attrName)] = counts.F1()
			metrics[fmt.Sprintf("%s_accuracy_%s", family.prefix, attrName)] = counts.Accuracy()
		}
		metrics[family.prefix+"_precision"] = total.Precision()
		metrics[family.prefix+"_recall"] = total.Recall()
		metrics[family.prefix+"_f1"] = total.F1()
		metrics[family.prefix+"_accuracy"] = total.Accuracy()
	}
	for attrIdx, attrName := range m.attrs {
		metrics["jaccard_"+attrName] = m.pixels[attrIdx].Jaccard()
	}
	return metrics
}
