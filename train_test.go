package isic2018

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBestTrackerSentinels(t *testing.T) {
	tracker := NewBestTracker()
	assert.Equal(t, 10.0, tracker.BestLoss)
	assert.Equal(t, 0.0, tracker.BestJaccard)

	// First real epoch improves on both sentinels.
	lossImproved, jaccardImproved := tracker.Observe(2.5, 0.01)
	assert.True(t, lossImproved)
	assert.True(t, jaccardImproved)
}

func TestBestTrackerIndependentBranches(t *testing.T) {
	tracker := NewBestTracker()

	lossImproved, jaccardImproved := tracker.Observe(0.5, 0.3)
	assert.True(t, lossImproved)
	assert.True(t, jaccardImproved)

	// Loss improves, Jaccard regresses.
	lossImproved, jaccardImproved = tracker.Observe(0.4, 0.2)
	assert.True(t, lossImproved)
	assert.False(t, jaccardImproved)

	// Jaccard improves, loss regresses.
	lossImproved, jaccardImproved = tracker.Observe(0.6, 0.5)
	assert.False(t, lossImproved)
	assert.True(t, jaccardImproved)

	assert.Equal(t, 0.4, tracker.BestLoss)
	assert.Equal(t, 0.5, tracker.BestJaccard)

	// Ties do not count as improvements.
	lossImproved, jaccardImproved = tracker.Observe(0.4, 0.5)
	assert.False(t, lossImproved)
	assert.False(t, jaccardImproved)
}

func TestPlateauSchedulerReducesAfterPatience(t *testing.T) {
	p := NewPlateauScheduler(1.0, 0.8, 0, 2)
	assert.Equal(t, 1.0, p.Rate())

	rate, reduced := p.Step(0.5) // new best
	assert.False(t, reduced)
	assert.Equal(t, 1.0, rate)

	for badIdx := 0; badIdx < 2; badIdx++ {
		rate, reduced = p.Step(0.5)
		assert.Falsef(t, reduced, "within patience after %d bad epochs", badIdx+1)
		assert.Equal(t, 1.0, rate)
	}

	// Third consecutive non-improvement exhausts the patience.
	rate, reduced = p.Step(0.5)
	assert.True(t, reduced)
	assert.InDelta(t, 0.8, rate, 1e-9)
	assert.InDelta(t, 0.8, p.Rate(), 1e-9)

	// The counter restarts after a reduction.
	rate, reduced = p.Step(0.5)
	assert.False(t, reduced)
	assert.InDelta(t, 0.8, rate, 1e-9)
}

func TestPlateauSchedulerImprovementResetsCounter(t *testing.T) {
	p := NewPlateauScheduler(1.0, 0.8, 0, 2)
	p.Step(0.5)
	p.Step(0.5)
	p.Step(0.5)

	// Improvement just before the reduction would fire.
	_, reduced := p.Step(0.4)
	assert.False(t, reduced)
	p.Step(0.4)
	p.Step(0.4)
	_, reduced = p.Step(0.4)
	assert.True(t, reduced)
}

func TestPlateauSchedulerMinRateFloor(t *testing.T) {
	p := NewPlateauScheduler(0.001, 0.5, 0.0004, 0)
	p.Step(1.0) // best

	rate, reduced := p.Step(1.0)
	assert.True(t, reduced)
	assert.InDelta(t, 0.0005, rate, 1e-12)

	rate, reduced = p.Step(1.0)
	assert.True(t, reduced)
	assert.InDelta(t, 0.0004, rate, 1e-12)

	// At the floor there is nothing left to reduce.
	rate, reduced = p.Step(1.0)
	assert.False(t, reduced)
	assert.InDelta(t, 0.0004, rate, 1e-12)
}

func TestStepDescription(t *testing.T) {
	result := stepResult{
		maskLoss:       0.2,
		indicator1Loss: 0.4,
		indicator2Loss: 0.6,
		totalLoss:      0.7,
	}
	assert.Equal(t, "epoch 3/100: loss=0.7000 (mask=0.2000, ind1=0.4000, ind2=0.6000)",
		stepDescription("epoch 3/100", result))
}
