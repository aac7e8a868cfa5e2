// isic2018_train trains a multi-task segmentation model for the ISIC 2018
// Task 2 challenge: per-pixel dermoscopic attribute masks plus two auxiliary
// per-attribute presence heads.
//
// Typical usage:
//
//	isic2018_train --checkpoint=~/tmp/isic2018/unet16 \
//	   --train_test_split=data/train_test_id.csv --images=data/images \
//	   --set="model=unet16;batch_size=8;num_epochs=100"
//
// Hyperparameters are context settings (see --set); the defaults live in
// isic2018.CreateDefaultContext.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	isic2018 "github.com/tanyapole/ISIC2018"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. Required.")
	flagManifest   = flag.String("train_test_split", "", "CSV manifest with \"id\" and \"split\" columns, "+
		"optionally one 0/1 presence column per attribute. Required.")
	flagImages = flag.String("images", "", "Directory holding \"<id>.jpg\" images and "+
		"\"<id>_attribute_<name>.png\" masks. Required.")
	flagModelWeight = flag.String("model_weight", "", "Optional checkpoint directory with pretrained weights; "+
		"its encoder variables seed this run's encoder when starting from scratch.")
	flagCheckData = flag.Bool("check_data", true, "Print shapes and value ranges of the first training batch before training.")
	flagQuiet     = flag.Bool("quiet", false, "Suppress per-epoch progress bars and summary prints.")
)

var backend = backends.MustNew()

func main() {
	ctx := isic2018.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	if *flagCheckpoint == "" || *flagManifest == "" || *flagImages == "" {
		flag.Usage()
		klog.Exit("Flags --checkpoint, --train_test_split and --images are all required.")
	}
	checkpointDir := fsutil.MustReplaceTildeInDir(*flagCheckpoint)
	must.M(os.MkdirAll(checkpointDir, 0775))

	err := exceptions.TryCatch[error](func() {
		train(ctx, checkpointDir, paramsSet)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func train(ctx *context.Context, checkpointDir string, paramsSet []string) {
	checkpoint := must.M1(checkpoints.Build(ctx).Dir(checkpointDir).Keep(1).Done())
	resuming := must.M1(checkpoint.HasCheckpoints())
	if resuming {
		fmt.Printf("Resuming from checkpoint in %s\n", checkpointDir)
	} else if *flagModelWeight != "" {
		weightsDir := fsutil.MustReplaceTildeInDir(*flagModelWeight)
		numLoaded := must.M1(loadPretrainedEncoder(ctx, weightsDir))
		fmt.Printf("Loaded %d pretrained encoder variables from %s\n", numLoaded, weightsDir)
	}
	for _, paramPath := range paramsSet {
		scope, name := context.SplitScope(paramPath)
		if scope == "" {
			if value, found := ctx.GetParam(name); found {
				fmt.Printf("\t%s=%v\n", name, value)
			}
		} else if value, found := ctx.InAbsPath(scope).GetParam(name); found {
			fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
		}
	}
	must.M(writeParamsJSON(ctx, path.Join(checkpointDir, "params.json")))

	split := must.M1(isic2018.LoadSplit(fsutil.MustReplaceTildeInDir(*flagManifest)))
	imageDir := fsutil.MustReplaceTildeInDir(*flagImages)
	fmt.Printf("Manifest: %d training examples (validation included), %d validation examples\n",
		len(split.Train), len(split.Valid))

	attrs := isic2018.SelectedAttributes(ctx)
	batchSize := context.GetParamOr(ctx, "batch_size", 8)
	imageSize := context.GetParamOr(ctx, "image_size", 256)
	workers := context.GetParamOr(ctx, "workers", 4)
	trainDS := isic2018.NewDataset("train", imageDir, split.Train).
		Attributes(attrs).
		BatchSize(batchSize).
		ImageSize(imageSize).
		Workers(workers).
		Shuffle(rand.New(rand.NewSource(int64(os.Getpid()))))
	if context.GetParamOr(ctx, "augment", true) {
		trainDS.Augment(rand.New(rand.NewSource(int64(os.Getpid()) + 1)))
	}
	validDS := isic2018.NewDataset("valid", imageDir, split.Valid).
		Attributes(attrs).
		BatchSize(batchSize).
		ImageSize(imageSize).
		Workers(workers)

	if *flagCheckData {
		must.M(checkData(trainDS))
	}

	events := must.M1(isic2018.NewEventWriter(checkpointDir))
	trainer := must.M1(isic2018.NewTrainer(backend, ctx, checkpoint, events))
	if *flagQuiet {
		trainer.Silent()
	}
	err := trainer.Run(trainDS, validDS)
	if errors.Is(err, isic2018.ErrInterrupted) {
		fmt.Println("Interrupted, stopping without saving.")
		return
	}
	must.M(err)
}

// checkData prints the shapes and value ranges of the first batch, a cheap
// sanity check that images and masks line up before spending time training.
func checkData(ds *isic2018.Dataset) error {
	_, inputs, labels, err := ds.Yield()
	if err != nil {
		return errors.WithMessage(err, "failed to load the first batch")
	}
	defer ds.Reset()
	fmt.Println("Check data:")
	for _, part := range []struct {
		name   string
		tensor *tensors.Tensor
	}{{"images", inputs[0]}, {"masks", labels[0]}, {"indicators", labels[1]}} {
		minValue, maxValue := minMax(part.tensor)
		fmt.Printf("\t%s %s, range [%.3f, %.3f]\n", part.name, part.tensor.Shape(), minValue, maxValue)
	}
	return nil
}

// minMax returns the extremes of a float32 tensor, to format with two "%.3f"
// verbs.
func minMax(t *tensors.Tensor) (minValue, maxValue float32) {
	tensors.MustConstFlatData(t, func(flat []float32) {
		minValue, maxValue = flat[0], flat[0]
		for _, value := range flat {
			minValue = min(minValue, value)
			maxValue = max(maxValue, value)
		}
	})
	return
}

// loadPretrainedEncoder copies the encoder variables of a checkpoint trained
// with this binary (or one of the sibling model variants sharing the encoder
// layout) into ctx, seeding the backbone before training starts.
func loadPretrainedEncoder(ctx *context.Context, fromDir string) (int, error) {
	srcCtx := context.New()
	if _, err := checkpoints.Load(srcCtx).Dir(fromDir).Immediate().Done(); err != nil {
		return 0, errors.WithMessagef(err, "failed to load pretrained weights from %q", fromDir)
	}
	encoderScope := context.ScopeSeparator + "model" + context.ScopeSeparator + "encoder"
	numLoaded := 0
	var cloneErr error
	srcCtx.EnumerateVariables(func(v *context.Variable) {
		if cloneErr != nil || !strings.HasPrefix(v.Scope(), encoderScope) {
			return
		}
		if _, err := v.CloneToContext(ctx); err != nil {
			cloneErr = errors.WithMessagef(err, "failed to clone variable %q", v.ScopeAndName())
			return
		}
		numLoaded++
	})
	if cloneErr != nil {
		return numLoaded, cloneErr
	}
	if numLoaded == 0 {
		return 0, errors.Errorf("no encoder variables found under %q in %q", encoderScope, fromDir)
	}
	return numLoaded, nil
}

// writeParamsJSON snapshots the resolved hyperparameters as indented,
// key-sorted JSON. Written for reproducibility, never read back.
func writeParamsJSON(ctx *context.Context, filePath string) error {
	params := make(map[string]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		name := key
		if scope != "" && scope != context.ScopeSeparator {
			name = scope + context.ScopeSeparator + key
		}
		params[name] = value
	})
	encoded, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize hyperparameters")
	}
	return errors.Wrapf(os.WriteFile(filePath, append(encoded, '\n'), 0664),
		"failed to write %q", filePath)
}
