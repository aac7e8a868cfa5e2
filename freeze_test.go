package isic2018

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreezeScheduleRuleForEpoch(t *testing.T) {
	schedule := FreezeSchedule{
		{Epoch: 1, Selector: "encoder"},
		{Epoch: 50, Selector: ""},
	}
	rule, ok := schedule.RuleForEpoch(1)
	require.True(t, ok)
	assert.Equal(t, "encoder", rule.Selector)

	rule, ok = schedule.RuleForEpoch(50)
	require.True(t, ok)
	assert.Empty(t, rule.Selector)

	// Rules fire only on their exact epoch.
	_, ok = schedule.RuleForEpoch(2)
	assert.False(t, ok)
	_, ok = schedule.RuleForEpoch(49)
	assert.False(t, ok)
}

func TestApplyFreeze(t *testing.T) {
	ctx := context.New()
	modelCtx := ctx.In("model")
	encoderVar := modelCtx.In("encoder").In("block_00").VariableWithValue("weights", []float32{1, 2})
	decoderVar := modelCtx.In("decoder").VariableWithValue("weights", []float32{3})
	headVar := modelCtx.In("mask_head").VariableWithValue("biases", []float32{0})
	optimizerVar := ctx.In("optimizers").VariableWithValue("global_step", int64(7)).SetTrainable(false)

	frozen := ApplyFreeze(ctx, "/model", "encoder")
	assert.Equal(t, 1, frozen)
	assert.False(t, encoderVar.Trainable)
	assert.True(t, decoderVar.Trainable)
	assert.True(t, headVar.Trainable)
	assert.False(t, optimizerVar.Trainable, "variables outside the model scope must not be touched")

	// An empty selector unfreezes the whole model and nothing else.
	frozen = ApplyFreeze(ctx, "/model", "")
	assert.Zero(t, frozen)
	assert.True(t, encoderVar.Trainable)
	assert.True(t, decoderVar.Trainable)
	assert.True(t, headVar.Trainable)
	assert.False(t, optimizerVar.Trainable)
}

func TestApplyFreezeUnknownSelector(t *testing.T) {
	ctx := context.New()
	modelVar := ctx.In("model").In("decoder").VariableWithValue("weights", []float32{1})

	frozen := ApplyFreeze(ctx, "/model", "no_such_layer")
	assert.Zero(t, frozen)
	assert.True(t, modelVar.Trainable)
}
