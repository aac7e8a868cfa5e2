package isic2018

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// The U-Net family: a scratch U-Net plus the TernausNet variants with
// VGG11/VGG16 encoders. All of them share the encoder/decoder helpers below;
// encoder variables live under the "encoder" sub-scope so they can be frozen
// as one unit while the decoder and heads keep training.

// vggBlocks lists, per pooling stage, the channels of each 3x3 convolution.
var (
	vgg11Blocks = [][]int{{64}, {128}, {256, 256}, {512, 512}, {512, 512}}
	vgg16Blocks = [][]int{{64, 64}, {128, 128}, {256, 256, 256}, {512, 512, 512}, {512, 512, 512}}
	unetBlocks  = [][]int{{32, 32}, {64, 64}, {128, 128}, {256, 256}}
)

// encoderGraph builds a VGG-style encoder: each stage is a run of 3x3
// convolutions followed by a 2x2 max-pooling. It returns the pre-pooling
// activation of each stage (the skip connections) and the pooled bottleneck.
func encoderGraph(ctx *context.Context, x *graph.Node, blocks [][]int, useBatchNorm bool) (skips []*graph.Node, bottleneck *graph.Node) {
	ctx = ctx.In("encoder")
	skips = make([]*graph.Node, 0, len(blocks))
	for blockIdx, channels := range blocks {
		blockCtx := ctx.Inf("block_%02d", blockIdx)
		for convIdx, convChannels := range channels {
			x = conv3x3(blockCtx.Inf("conv_%02d", convIdx), x, convChannels, useBatchNorm)
		}
		skips = append(skips, x)
		x = maxPool2(x)
	}
	return skips, x
}

// decoderGraph mirrors the encoder: at each stage the features are upsampled
// 2x, concatenated with the matching skip connection on the channels axis,
// and refined by two 3x3 convolutions.
func decoderGraph(ctx *context.Context, bottleneck *graph.Node, skips []*graph.Node, channels []int,
	useBatchNorm bool, dropoutRate float64) *graph.Node {
	ctx = ctx.In("decoder")
	g := bottleneck.Graph()
	x := conv3x3(ctx.In("center"), bottleneck, channels[0], useBatchNorm)
	for stage := len(skips) - 1; stage >= 0; stage-- {
		stageCtx := ctx.Inf("up_%02d", stage)
		x = upSample2(x)
		x = graph.Concatenate([]*graph.Node{x, skips[stage]}, 1)
		stageChannels := channels[len(skips)-stage]
		x = conv3x3(stageCtx.In("conv_00"), x, stageChannels, useBatchNorm)
		x = conv3x3(stageCtx.In("conv_01"), x, stageChannels, useBatchNorm)
		if dropoutRate > 0 {
			x = layers.DropoutNormalize(stageCtx.In("dropout"), x, graph.Scalar(g, x.DType(), dropoutRate), true)
		}
	}
	return x
}

// unetGraph assembles encoder, decoder and the three output heads shared by
// the whole U-Net family.
func unetGraph(ctx *context.Context, images *graph.Node, numAttrs int, blocks [][]int,
	decoderChannels []int, useBatchNorm bool) (maskLogits, indicator1Logits, indicator2Logits *graph.Node) {
	dropoutRate := context.GetParamOr(ctx, "dropout_rate", 0.0)
	skips, bottleneck := encoderGraph(ctx, images, blocks, useBatchNorm)
	decoded := decoderGraph(ctx, bottleneck, skips, decoderChannels, useBatchNorm, dropoutRate)
	maskLogits = maskHeadGraph(ctx, decoded, numAttrs)
	indicator1Logits, indicator2Logits = indicatorHeadsGraph(ctx, bottleneck, decoded, numAttrs)
	return
}

// UNetModelGraph is a U-Net trained from scratch with a 32-channel first
// stage.
func UNetModelGraph(ctx *context.Context, images *graph.Node, numAttrs int) (maskLogits, indicator1Logits, indicator2Logits *graph.Node) {
	return unetGraph(ctx, images, numAttrs, unetBlocks, []int{512, 256, 128, 64, 32}, false)
}

// UNet11ModelGraph is TernausNet11: a U-Net with a VGG11 encoder.
func UNet11ModelGraph(ctx *context.Context, images *graph.Node, numAttrs int) (maskLogits, indicator1Logits, indicator2Logits *graph.Node) {
	return unetGraph(ctx, images, numAttrs, vgg11Blocks, []int{512, 256, 256, 128, 64, 32}, false)
}

// UNet16ModelGraph is TernausNet16: a U-Net with a VGG16 encoder.
func UNet16ModelGraph(ctx *context.Context, images *graph.Node, numAttrs int) (maskLogits, indicator1Logits, indicator2Logits *graph.Node) {
	return unetGraph(ctx, images, numAttrs, vgg16Blocks, []int{512, 256, 256, 128, 64, 32}, false)
}

// UNet16BNModelGraph is UNet16 with batch normalization after every
// convolution.
func UNet16BNModelGraph(ctx *context.Context, images *graph.Node, numAttrs int) (maskLogits, indicator1Logits, indicator2Logits *graph.Node) {
	return unetGraph(ctx, images, numAttrs, vgg16Blocks, []int{512, 256, 256, 128, 64, 32}, true)
}
