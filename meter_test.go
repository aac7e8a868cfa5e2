package isic2018

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAttrs = []string{"pigment_network", "globules"}

// testBatch returns a hand-built 1-example, 2x2, 2-attribute batch with known
// confusion counts:
//
//	attribute 0 pixels: TP=1, FP=1, FN=1, TN=1 (jaccard 1/3)
//	attribute 1 pixels: TP=2, TN=2 (jaccard 1)
//	head 1: attribute 0 TP, attribute 1 FN
//	head 2: attribute 0 FN, attribute 1 TP
func testBatch() (maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators *tensors.Tensor) {
	// Layout [batch=1, height=2, width=2, attrs=2].
	maskProbs = tensors.FromFlatDataAndDimensions([]float32{
		0.9, 0.1,
		0.8, 0.6,
		0.2, 0.3,
		0.4, 0.7,
	}, 1, 2, 2, 2)
	masks = tensors.FromFlatDataAndDimensions([]float32{
		1, 0,
		0, 1,
		1, 0,
		0, 1,
	}, 1, 2, 2, 2)
	indicatorProbs1 = tensors.FromFlatDataAndDimensions([]float32{0.6, 0.4}, 1, 2)
	indicatorProbs2 = tensors.FromFlatDataAndDimensions([]float32{0.2, 0.8}, 1, 2)
	indicators = tensors.FromFlatDataAndDimensions([]float32{1, 1}, 1, 2)
	return
}

func TestMeterConfusionCounts(t *testing.T) {
	m := NewMeter(testAttrs)
	maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators := testBatch()
	require.NoError(t, m.Add(maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators,
		0.2, 0.4, 0.6, 0.7))

	assert.Equal(t, confusionCounts{TP: 1, FP: 1, FN: 1, TN: 1}, m.pixels[0])
	assert.Equal(t, confusionCounts{TP: 2, TN: 2}, m.pixels[1])
	assert.Equal(t, confusionCounts{TP: 1}, m.presence[0])
	assert.Equal(t, confusionCounts{TP: 1}, m.presence[1])
	assert.Equal(t, confusionCounts{TP: 1}, m.indicator1[0])
	assert.Equal(t, confusionCounts{FN: 1}, m.indicator1[1])
	assert.Equal(t, confusionCounts{FN: 1}, m.indicator2[0])
	assert.Equal(t, confusionCounts{TP: 1}, m.indicator2[1])

	metrics := m.Value()
	assert.InDelta(t, 0.5, metrics["mask_precision_pigment_network"], 1e-9)
	assert.InDelta(t, 1.0/3.0, metrics["jaccard_pigment_network"], 1e-9)
	assert.InDelta(t, 1.0, metrics["jaccard_globules"], 1e-9)
	assert.InDelta(t, 2.0/3.0, metrics["jaccard"], 1e-9)
	assert.InDelta(t, 0.0, metrics["indicator1_recall_globules"], 1e-9)
	assert.InDelta(t, 1.0, metrics["indicator2_f1_globules"], 1e-9)

	// The pixel precision of the mask family is derived from image-level
	// presence, where both attributes scored a true positive.
	assert.InDelta(t, 1.0, metrics["mask_precision"], 1e-9)
}

func TestMeterLossMeans(t *testing.T) {
	m := NewMeter(testAttrs)
	maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators := testBatch()
	require.NoError(t, m.Add(maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators,
		0.2, 0.4, 0.6, 0.7))
	require.NoError(t, m.Add(maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators,
		0.4, 0.2, 0.0, 0.5))

	metrics := m.Value()
	assert.InDelta(t, 0.3, metrics["mask_loss"], 1e-9)
	assert.InDelta(t, 0.3, metrics["indicator1_loss"], 1e-9)
	assert.InDelta(t, 0.3, metrics["indicator2_loss"], 1e-9)
	assert.InDelta(t, 0.6, metrics["loss"], 1e-9)
	assert.Equal(t, 2, m.NumBatches())

	// Value is a pure read: calling it again returns the same result.
	assert.Equal(t, metrics, m.Value())
}

func TestMeterOrderIndependence(t *testing.T) {
	maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators := testBatch()
	batches := []struct{ l1, l2, l3, total float64 }{
		{0.2, 0.4, 0.6, 0.7},
		{0.1, 0.1, 0.1, 0.2},
		{0.9, 0.5, 0.3, 1.3},
	}
	forward, backward := NewMeter(testAttrs), NewMeter(testAttrs)
	for _, b := range batches {
		require.NoError(t, forward.Add(maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators,
			b.l1, b.l2, b.l3, b.total))
	}
	for batchIdx := len(batches) - 1; batchIdx >= 0; batchIdx-- {
		b := batches[batchIdx]
		require.NoError(t, backward.Add(maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators,
			b.l1, b.l2, b.l3, b.total))
	}
	assert.Equal(t, forward.Value(), backward.Value())
}

func TestMeterResetYieldsZeros(t *testing.T) {
	m := NewMeter(testAttrs)
	maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators := testBatch()
	require.NoError(t, m.Add(maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators,
		0.2, 0.4, 0.6, 0.7))
	m.Reset()

	assert.Equal(t, 0, m.NumBatches())
	for name, value := range m.Value() {
		assert.Zerof(t, value, "metric %q after reset", name)
	}
}

func TestMeterMetricRanges(t *testing.T) {
	m := NewMeter(testAttrs)
	maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators := testBatch()
	require.NoError(t, m.Add(maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators,
		0.2, 0.4, 0.6, 0.7))
	for name, value := range m.Value() {
		assert.GreaterOrEqualf(t, value, 0.0, "metric %q", name)
		if name != "loss" && name != "mask_loss" && name != "indicator1_loss" && name != "indicator2_loss" {
			assert.LessOrEqualf(t, value, 1.0, "metric %q", name)
		}
	}
}

func TestMeterShapeValidation(t *testing.T) {
	m := NewMeter(testAttrs)
	maskProbs, masks, indicatorProbs1, indicatorProbs2, _ := testBatch()
	badIndicators := tensors.FromFlatDataAndDimensions([]float32{1, 1, 1}, 1, 3)
	assert.Error(t, m.Add(maskProbs, masks, indicatorProbs1, indicatorProbs2, badIndicators,
		0, 0, 0, 0))
}

func TestConfusionZeroDenominators(t *testing.T) {
	var c confusionCounts
	assert.Zero(t, c.Precision())
	assert.Zero(t, c.Recall())
	assert.Zero(t, c.F1())
	assert.Zero(t, c.Accuracy())
	assert.Zero(t, c.Jaccard())

	// TN-only counts still have TP=FP=FN=0.
	c = confusionCounts{TN: 10}
	assert.Zero(t, c.Precision())
	assert.Zero(t, c.Jaccard())
	assert.InDelta(t, 1.0, c.Accuracy(), 1e-9)
}

// TestMeterTwoEpochScenario runs two synthetic epochs (4 train batches, then
// a reset and 2 validation-like batches) and checks the aggregate Jaccard and
// loss means against hand-computed values.
func TestMeterTwoEpochScenario(t *testing.T) {
	m := NewMeter(testAttrs)
	maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators := testBatch()
	for batchIdx := 0; batchIdx < 4; batchIdx++ {
		require.NoError(t, m.Add(maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators,
			0.1*float64(batchIdx), 0.1, 0.1, 0.1*float64(batchIdx)+0.1))
	}
	metrics := m.Value()
	// Identical batches: the counts scale but every ratio stays put.
	assert.InDelta(t, 2.0/3.0, metrics["jaccard"], 1e-9)
	assert.InDelta(t, (0.0+0.1+0.2+0.3)/4, metrics["mask_loss"], 1e-9)
	assert.InDelta(t, (0.1+0.2+0.3+0.4)/4, metrics["loss"], 1e-9)

	m.Reset()
	for batchIdx := 0; batchIdx < 2; batchIdx++ {
		require.NoError(t, m.Add(maskProbs, masks, indicatorProbs1, indicatorProbs2, indicators,
			0.5, 0.5, 0.5, 1.0))
	}
	metrics = m.Value()
	assert.InDelta(t, 2.0/3.0, metrics["jaccard"], 1e-9)
	assert.InDelta(t, 0.5, metrics["mask_loss"], 1e-9)
	assert.InDelta(t, 1.0, metrics["loss"], 1e-9)
	assert.Equal(t, 2, m.NumBatches())
}
