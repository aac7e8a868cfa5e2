package isic2018

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/core/graph"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

// ModelGraphFn builds the forward graph of one model variant. images must be
// channels-first [batch, 3, height, width], already normalized. It returns
// the per-pixel mask logits [batch, numAttrs, height, width] and the logits
// of the two auxiliary presence heads, each [batch, numAttrs].
//
// Encoder variables are created under the "encoder" sub-scope of ctx, so the
// freeze schedule can select the pretrained backbone.
type ModelGraphFn func(ctx *context.Context, images *graph.Node, numAttrs int) (maskLogits, indicator1Logits, indicator2Logits *graph.Node)

// ModelFns maps a model name, the "model" hyperparameter, to its graph
// function.
var ModelFns = map[string]ModelGraphFn{
	"unet":      UNetModelGraph,
	"unet11":    UNet11ModelGraph,
	"unet16":    UNet16ModelGraph,
	"unet16bn":  UNet16BNModelGraph,
	"linknet34": LinkNet34ModelGraph,
}

// ValidModelNames returns the sorted names accepted by the "model"
// hyperparameter.
func ValidModelNames() []string {
	names := make([]string, 0, len(ModelFns))
	for name := range ModelFns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelGraphFromContext resolves the "model" hyperparameter to its graph
// function.
func ModelGraphFromContext(ctx *context.Context) (string, ModelGraphFn, error) {
	name := context.GetParamOr(ctx, "model", "unet16")
	fn, found := ModelFns[name]
	if !found {
		return name, nil, errors.Errorf("unknown model %q, valid values are %v", name, ValidModelNames())
	}
	return name, fn, nil
}

// ImageNet channel statistics, used to normalize inputs of the pretrained
// VGG/ResNet encoders.
var (
	imagenetMean   = []float32{0.485, 0.456, 0.406}
	imagenetStddev = []float32{0.229, 0.224, 0.225}
)

// NormalizeImagesGraph converts channels-last [batch, height, width, 3]
// images with values in [0, 1] into the normalized channels-first layout the
// models consume.
func NormalizeImagesGraph(images *graph.Node) *graph.Node {
	g := images.Graph()
	dtype := images.DType()
	mean := graph.InsertAxes(graph.ConvertDType(graph.Const(g, imagenetMean), dtype), 0, 0, 0)
	stddev := graph.InsertAxes(graph.ConvertDType(graph.Const(g, imagenetStddev), dtype), 0, 0, 0)
	images = graph.Div(graph.Sub(images, mean), stddev)
	return graph.TransposeAllDims(images, 0, 3, 1, 2)
}

// conv3x3 is a same-padded 3x3 convolution over channels-first images,
// optionally followed by batch normalization, then a ReLU.
func conv3x3(ctx *context.Context, x *graph.Node, channels int, useBatchNorm bool) *graph.Node {
	x = layers.Convolution(ctx, x).
		Channels(channels).
		KernelSize(3).
		PadSame().
		ChannelsAxis(timages.ChannelsFirst).
		Done()
	if useBatchNorm {
		x = batchnorm.New(ctx, x, 1).Done()
	}
	return activations.Relu(x)
}

// maxPool2 halves the spatial resolution.
func maxPool2(x *graph.Node) *graph.Node {
	return graph.MaxPool(x).ChannelsAxis(timages.ChannelsFirst).Window(2).Done()
}

// upSample2 doubles the spatial resolution with nearest-neighbor
// interpolation.
func upSample2(x *graph.Node) *graph.Node {
	return graph.Interpolate(x, timages.GetUpSampledSizes(x, timages.ChannelsFirst, 2)...).
		Nearest().
		Done()
}

// globalAvgPool reduces channels-first features [batch, channels, height,
// width] to [batch, channels].
func globalAvgPool(x *graph.Node) *graph.Node {
	return graph.ReduceMean(x, 2, 3)
}

// indicatorHeadsGraph builds the two auxiliary presence heads. The first
// classifies the encoder bottleneck features, the second the full-resolution
// decoder features; both see global average pooled activations.
func indicatorHeadsGraph(ctx *context.Context, bottleneck, decoded *graph.Node, numAttrs int) (indicator1, indicator2 *graph.Node) {
	head1Ctx := ctx.In("indicator_head1")
	indicator1 = activations.Relu(layers.Dense(head1Ctx.In("hidden"), globalAvgPool(bottleneck), true, 256))
	indicator1 = layers.Dense(head1Ctx.In("output"), indicator1, true, numAttrs)

	head2Ctx := ctx.In("indicator_head2")
	indicator2 = activations.Relu(layers.Dense(head2Ctx.In("hidden"), globalAvgPool(decoded), true, 64))
	indicator2 = layers.Dense(head2Ctx.In("output"), indicator2, true, numAttrs)
	return
}

// maskHeadGraph projects decoder features to per-attribute mask logits with a
// 1x1 convolution, no activation.
func maskHeadGraph(ctx *context.Context, decoded *graph.Node, numAttrs int) *graph.Node {
	return layers.Convolution(ctx.In("mask_head"), decoded).
		Channels(numAttrs).
		KernelSize(1).
		PadSame().
		ChannelsAxis(timages.ChannelsFirst).
		Done()
}
