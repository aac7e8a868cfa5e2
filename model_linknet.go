package isic2018

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// LinkNet34: a ResNet34 encoder with the LinkNet decoder, where decoder
// outputs are added (not concatenated) to the encoder skip connections.

// convBN is a convolution followed by batch normalization, no activation.
func convBN(ctx *context.Context, x *graph.Node, channels, kernelSize, strides int) *graph.Node {
	x = layers.Convolution(ctx, x).
		Channels(channels).
		KernelSize(kernelSize).
		Strides(strides).
		PadSame().
		ChannelsAxis(timages.ChannelsFirst).
		UseBias(false).
		Done()
	return batchnorm.New(ctx, x, 1).Done()
}

// residualBlock is the ResNet basic block: two 3x3 convolutions with a
// shortcut. When strides > 1 or the channel count changes, the shortcut is a
// strided 1x1 convolution.
func residualBlock(ctx *context.Context, x *graph.Node, channels, strides int) *graph.Node {
	shortcut := x
	if strides != 1 || x.Shape().Dimensions[1] != channels {
		shortcut = convBN(ctx.In("shortcut"), x, channels, 1, strides)
	}
	x = activations.Relu(convBN(ctx.In("conv_00"), x, channels, 3, strides))
	x = convBN(ctx.In("conv_01"), x, channels, 3, 1)
	return activations.Relu(graph.Add(x, shortcut))
}

// residualStage stacks numBlocks residual blocks; the first one applies the
// stage's stride.
func residualStage(ctx *context.Context, x *graph.Node, channels, numBlocks, strides int) *graph.Node {
	for blockIdx := 0; blockIdx < numBlocks; blockIdx++ {
		blockStrides := 1
		if blockIdx == 0 {
			blockStrides = strides
		}
		x = residualBlock(ctx.Inf("block_%02d", blockIdx), x, channels, blockStrides)
	}
	return x
}

// linkNetDecoderBlock is the LinkNet decoder: 1x1 reduce to channels/4, 2x
// upsample, 3x3 refine, 1x1 expand to outChannels.
func linkNetDecoderBlock(ctx *context.Context, x *graph.Node, outChannels int) *graph.Node {
	reduced := x.Shape().Dimensions[1] / 4
	x = activations.Relu(convBN(ctx.In("reduce"), x, reduced, 1, 1))
	x = upSample2(x)
	x = activations.Relu(convBN(ctx.In("refine"), x, reduced, 3, 1))
	return activations.Relu(convBN(ctx.In("expand"), x, outChannels, 1, 1))
}

// LinkNet34ModelGraph builds the LinkNet34 forward graph.
func LinkNet34ModelGraph(ctx *context.Context, images *graph.Node, numAttrs int) (maskLogits, indicator1Logits, indicator2Logits *graph.Node) {
	encoderCtx := ctx.In("encoder")

	// Stem: 7x7 stride-2 convolution plus a stride-2 max-pooling, 4x
	// downsampling in total.
	x := activations.Relu(convBN(encoderCtx.In("stem"), images, 64, 7, 2))
	x = graph.MaxPool(x).ChannelsAxis(timages.ChannelsFirst).Window(3).Strides(2).PadSame().Done()

	stage1 := residualStage(encoderCtx.In("stage_01"), x, 64, 3, 1)
	stage2 := residualStage(encoderCtx.In("stage_02"), stage1, 128, 4, 2)
	stage3 := residualStage(encoderCtx.In("stage_03"), stage2, 256, 6, 2)
	stage4 := residualStage(encoderCtx.In("stage_04"), stage3, 512, 3, 2)

	decoderCtx := ctx.In("decoder")
	x = graph.Add(linkNetDecoderBlock(decoderCtx.In("decode_04"), stage4, 256), stage3)
	x = graph.Add(linkNetDecoderBlock(decoderCtx.In("decode_03"), x, 128), stage2)
	x = graph.Add(linkNetDecoderBlock(decoderCtx.In("decode_02"), x, 64), stage1)
	x = linkNetDecoderBlock(decoderCtx.In("decode_01"), x, 32)

	// Final stage back to full resolution.
	x = upSample2(x)
	decoded := conv3x3(decoderCtx.In("final"), x, 32, true)

	maskLogits = maskHeadGraph(ctx, decoded, numAttrs)
	indicator1Logits, indicator2Logits = indicatorHeadsGraph(ctx, stage4, decoded, numAttrs)
	return
}
