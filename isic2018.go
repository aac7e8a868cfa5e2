// Package isic2018 implements training of multi-task segmentation models for the
// ISIC 2018 Task 2 challenge: predicting dermoscopic attributes of skin lesions.
//
// Each example is a dermoscopy image annotated with 5 binary masks, one per
// attribute (pigment network, negative network, streaks, milia-like cysts and
// globules). Models output a per-pixel mask prediction plus two auxiliary
// image-level "attribute present" indicator heads, and are trained with a
// weighted sum of the three corresponding losses.
//
// The library provides the datasets, model architectures (U-Net and LinkNet
// families), the training loop with layer freezing and learning-rate plateau
// scheduling, and streaming metrics. The command-line trainer lives in
// cmd/isic2018_train.
package isic2018

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

// AttributeNames are the 5 lesion attributes annotated in ISIC 2018 Task 2, in
// canonical order. The channel order of masks, indicators and model outputs
// follows this slice.
var AttributeNames = []string{
	"pigment_network",
	"negative_network",
	"streaks",
	"milia_like_cyst",
	"globules",
}

// NumAttributes is len(AttributeNames).
const NumAttributes = 5

// DType used for images, masks and model weights.
var DType = dtypes.Float32

// AttributeIndex returns the channel index of the given attribute name, or -1
// if it is not one of AttributeNames.
func AttributeIndex(name string) int {
	for idx, attrName := range AttributeNames {
		if attrName == name {
			return idx
		}
	}
	return -1
}

// SelectedAttributes translates the "attribute" hyperparameter into the list of
// attribute names to train on: "all" selects every attribute, otherwise it must
// be a single attribute name.
func SelectedAttributes(ctx *context.Context) []string {
	attr := context.GetParamOr(ctx, "attribute", "all")
	if attr == "all" {
		return AttributeNames
	}
	return []string{attr}
}

// CreateDefaultContext sets the default hyperparameters used by the trainer.
// Values can be overridden with the --set flag (see commandline.ParseContextSettings).
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		// Model selection: one of ValidModelNames.
		"model": "unet16",

		// Attribute to train on: "all" or one of AttributeNames.
		"attribute": "all",

		"batch_size": 8,
		"num_epochs": 100,
		"image_size": 256,

		// Number of parallel goroutines loading and augmenting images.
		"workers": 4,

		"augment": true,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,

		// Momentum of the "sgd" optimizer choice.
		"sgd_momentum": 0.9,

		// Weight of the soft-Jaccard term added to the mask binary cross-entropy.
		"jaccard_weight": 1.0,

		// Loss combination weights: mask loss, indicator head 1, indicator head 2.
		"mask_loss_weight":       1.0,
		"indicator1_loss_weight": 0.5,
		"indicator2_loss_weight": 0.5,

		// ReduceLROnPlateau on the validation mask loss.
		"plateau_factor":   0.8,
		"plateau_patience": 5,
		"plateau_min_lr":   1e-6,

		// Epoch at which the pretrained encoder is unfrozen. The encoder is
		// frozen at epoch 1 and every layer trains from this epoch onwards.
		"unfreeze_epoch": 50,

		// Dropout rate used by the decoder blocks (0 disables).
		"dropout_rate": 0.0,
	})
	return ctx
}
