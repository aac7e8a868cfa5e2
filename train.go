package isic2018

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ErrInterrupted is returned by Trainer.Run when the operator interrupts the
// run. It is a graceful stop, not a failure: writers are flushed and closed,
// and no checkpoint is written for the aborted epoch.
var ErrInterrupted = errors.New("training interrupted by operator")

// BestTracker keeps the two independent best-so-far values driving
// checkpointing: lowest validation mask loss and highest validation Jaccard.
type BestTracker struct {
	BestLoss    float64
	BestJaccard float64
}

// NewBestTracker returns a tracker with the run-start sentinels.
func NewBestTracker() *BestTracker {
	return &BestTracker{BestLoss: 10, BestJaccard: 0}
}

// Observe compares one epoch's validation results against the bests, updating
// them. Both branches are evaluated independently and both may improve in the
// same epoch.
func (t *BestTracker) Observe(validLoss, validJaccard float64) (lossImproved, jaccardImproved bool) {
	if validLoss < t.BestLoss {
		t.BestLoss = validLoss
		lossImproved = true
	}
	if validJaccard > t.BestJaccard {
		t.BestJaccard = validJaccard
		jaccardImproved = true
	}
	return
}

// Scope under which the trainer stores its run state (epoch and best metrics)
// so that it travels with the checkpoint.
const runStateScope = "run"

// modelScope is the absolute scope under which all model variables live.
const modelScope = context.ScopeSeparator + "model"

// Trainer owns the training run: the compiled train and eval steps, the epoch
// loop, metric accumulation, checkpointing and learning-rate control.
//
// All state mutation is driven by the single goroutine calling Run; the
// operator interrupt is observed cooperatively at batch boundaries.
type Trainer struct {
	backend    backends.Backend
	ctx        *context.Context
	checkpoint *checkpoints.Handler
	events     *EventWriter

	modelName     string
	modelFn       ModelGraphFn
	attrs         []string
	jaccardWeight float64
	optimizer     optimizers.Interface
	weights       WeightSchedule
	freeze        FreezeSchedule
	plateau       *PlateauScheduler
	best          *BestTracker

	trainStep *context.Exec
	evalStep  *context.Exec

	startEpoch  int
	interrupt   chan os.Signal
	interrupted bool
	verbose     bool
}

// NewTrainer builds a Trainer from the hyperparameters in ctx. checkpoint may
// be nil (nothing is persisted) and is expected to have already loaded any
// previous state into ctx; run state stored by a previous run resumes the
// epoch counter and best trackers.
func NewTrainer(backend backends.Backend, ctx *context.Context,
	checkpoint *checkpoints.Handler, events *EventWriter) (*Trainer, error) {
	modelName, modelFn, err := ModelGraphFromContext(ctx)
	if err != nil {
		return nil, err
	}
	attrs := SelectedAttributes(ctx)
	for _, attrName := range attrs {
		if AttributeIndex(attrName) < 0 {
			return nil, errors.Errorf("unknown attribute %q, valid values are \"all\" or one of %v",
				attrName, AttributeNames)
		}
	}

	t := &Trainer{
		backend:       backend,
		ctx:           ctx,
		checkpoint:    checkpoint,
		events:        events,
		modelName:     modelName,
		modelFn:       modelFn,
		attrs:         attrs,
		jaccardWeight: context.GetParamOr(ctx, "jaccard_weight", 1.0),
		optimizer:     OptimizerFromContext(ctx),
		weights:       WeightScheduleFromContext(ctx),
		freeze:        FreezeScheduleFromContext(ctx),
		plateau:       PlateauSchedulerFromContext(ctx),
		best:          NewBestTracker(),
		startEpoch:    1,
		interrupt:     make(chan os.Signal, 1),
		verbose:       true,
	}
	t.resumeRunState()
	t.evalStep, err = context.NewExec(backend, ctx, t.stepGraphFn(false))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build the evaluation step")
	}
	if err = t.rebuildTrainStep(); err != nil {
		return nil, err
	}
	signal.Notify(t.interrupt, os.Interrupt)
	return t, nil
}

// Silent disables the per-epoch progress bars and prints.
func (t *Trainer) Silent() *Trainer {
	t.verbose = false
	return t
}

// resumeRunState restores the epoch counter, best trackers and learning rate
// from variables loaded with the checkpoint. Missing pieces fall back to the
// run-start defaults.
func (t *Trainer) resumeRunState() {
	if v := t.ctx.InspectVariable(context.ScopeSeparator+runStateScope, "epoch"); v != nil {
		t.startEpoch = int(tensors.ToScalar[int64](v.MustValue()))
	}
	if v := t.ctx.InspectVariable(context.ScopeSeparator+runStateScope, "valid_loss"); v != nil {
		t.best.BestLoss = tensors.ToScalar[float64](v.MustValue())
	}
	if v := t.ctx.InspectVariable(context.ScopeSeparator+runStateScope, "valid_jaccard"); v != nil {
		t.best.BestJaccard = tensors.ToScalar[float64](v.MustValue())
	}
	if v := t.ctx.InspectVariable(context.ScopeSeparator+optimizers.Scope, optimizers.ParamLearningRate); v != nil {
		t.plateau.rate = float64(tensors.ToScalar[float32](v.MustValue()))
	}
}

// setRunState writes one run-state variable, creating it on first use.
func (t *Trainer) setRunState(name string, value *tensors.Tensor) {
	ctx := t.ctx.Checked(false).In(runStateScope)
	v := ctx.InspectVariableInScope(name)
	if v == nil {
		ctx.VariableWithValue(name, value).SetTrainable(false)
		return
	}
	v.MustSetValue(value)
}

// stepGraphFn returns the graph function of the train or eval step. Inputs:
// images [batch, height, width, 3], masks [batch, height, width, numAttrs],
// indicators [batch, numAttrs] and the three loss weights as scalars.
// Outputs: the three loss components and the weighted total (scalars), then
// the mask, head-1 and head-2 probabilities, with the mask back in
// channels-last layout to match the labels.
func (t *Trainer) stepGraphFn(training bool) func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
	return func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		images, masks, indicators := inputs[0], inputs[1], inputs[2]
		wMask, wIndicator1, wIndicator2 := inputs[3], inputs[4], inputs[5]
		g := images.Graph()
		ctx.SetTraining(g, training)

		normalized := NormalizeImagesGraph(images)
		masksCF := graph.TransposeAllDims(masks, 0, 3, 1, 2)
		maskLogits, indicator1Logits, indicator2Logits := t.modelFn(ctx.In("model"), normalized, len(t.attrs))

		maskLoss := SegmentationLossGraph(maskLogits, masksCF, t.jaccardWeight)
		indicator1Loss := IndicatorLossGraph(indicator1Logits, indicators)
		indicator2Loss := IndicatorLossGraph(indicator2Logits, indicators)
		totalLoss := CombineGraph(maskLoss, indicator1Loss, indicator2Loss, wMask, wIndicator1, wIndicator2)
		if training {
			t.optimizer.UpdateGraph(ctx, g, totalLoss)
		}
		return []*graph.Node{
			maskLoss, indicator1Loss, indicator2Loss, totalLoss,
			graph.Sigmoid(graph.TransposeAllDims(maskLogits, 0, 2, 3, 1)),
			graph.Sigmoid(indicator1Logits),
			graph.Sigmoid(indicator2Logits),
		}
	}
}

// rebuildTrainStep compiles a fresh train-step executor, releasing the
// previous one. Required after a freeze rule fires: the compiled program
// bakes in which variables receive gradients.
func (t *Trainer) rebuildTrainStep() error {
	trainStep, err := context.NewExec(t.backend, t.ctx, t.stepGraphFn(true))
	if err != nil {
		return errors.WithMessage(err, "failed to build the train step")
	}
	if t.trainStep != nil {
		t.trainStep.Finalize()
	}
	t.trainStep = trainStep
	return nil
}

// checkInterrupt returns true once the operator has interrupted the run. The
// signal is latched: after the first observation every call returns true.
func (t *Trainer) checkInterrupt() bool {
	if t.interrupted {
		return true
	}
	select {
	case <-t.interrupt:
		t.interrupted = true
	default:
	}
	return t.interrupted
}

// stepResult holds the materialized outputs of one batch step.
type stepResult struct {
	maskLoss       float64
	indicator1Loss float64
	indicator2Loss float64
	totalLoss      float64
	maskProbs      *tensors.Tensor
}

// stepDescription formats the progress-bar description with the latest
// batch's loss components.
func stepDescription(base string, r stepResult) string {
	return fmt.Sprintf("%s: loss=%.4f (mask=%.4f, ind1=%.4f, ind2=%.4f)",
		base, r.totalLoss, r.maskLoss, r.indicator1Loss, r.indicator2Loss)
}

// runStep executes one compiled step over a batch and accumulates it into the
// meter.
func (t *Trainer) runStep(exec *context.Exec, inputs, labels []*tensors.Tensor,
	weights LossWeights, meter *Meter) (stepResult, error) {
	var result stepResult
	outputs, err := exec.Exec(inputs[0], labels[0], labels[1],
		float32(weights.Mask), float32(weights.Indicator1), float32(weights.Indicator2))
	if err != nil {
		return result, err
	}
	result = stepResult{
		maskLoss:       float64(tensors.ToScalar[float32](outputs[0])),
		indicator1Loss: float64(tensors.ToScalar[float32](outputs[1])),
		indicator2Loss: float64(tensors.ToScalar[float32](outputs[2])),
		totalLoss:      float64(tensors.ToScalar[float32](outputs[3])),
		maskProbs:      outputs[4],
	}
	return result, meter.Add(outputs[4], labels[0], outputs[5], outputs[6], labels[1],
		result.maskLoss, result.indicator1Loss, result.indicator2Loss, result.totalLoss)
}

// runEpochOver drives one pass over the dataset with the given executor,
// accumulating into meter. It returns the last batch's tensors for the epoch
// snapshot, and ErrInterrupted if the operator stopped the run at a batch
// boundary.
func (t *Trainer) runEpochOver(exec *context.Exec, ds *Dataset, weights LossWeights,
	meter *Meter, description string) (*EpochSnapshot, error) {
	ds.Reset()
	var pBar *progressbar.ProgressBar
	if t.verbose {
		pBar = progressbar.NewOptions(ds.NumBatches(),
			progressbar.OptionSetDescription(description),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode))
	}
	var last *EpochSnapshot
	for {
		if t.checkInterrupt() {
			return nil, ErrInterrupted
		}
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q failed", ds.Name())
		}
		result, err := t.runStep(exec, inputs, labels, weights, meter)
		if err != nil {
			return nil, errors.WithMessagef(err, "step over dataset %q failed", ds.Name())
		}
		last = &EpochSnapshot{Images: inputs[0], Masks: labels[0], MaskProbs: result.maskProbs}
		if pBar != nil {
			pBar.Describe(stepDescription(description, result))
			_ = pBar.Add(1)
		}
	}
	if pBar != nil {
		_ = pBar.Finish()
		fmt.Println()
	}
	return last, nil
}

// saveCheckpoint stores the run state and the model. The stored epoch is the
// one training resumes at.
func (t *Trainer) saveCheckpoint(epoch int, validLoss, validJaccard float64) error {
	if t.checkpoint == nil {
		return nil
	}
	t.setRunState("epoch", tensors.FromScalar(int64(epoch+1)))
	t.setRunState("global_step", tensors.FromScalar(optimizers.GetGlobalStep(t.ctx)))
	t.setRunState("valid_loss", tensors.FromScalar(validLoss))
	t.setRunState("valid_jaccard", tensors.FromScalar(validJaccard))
	return t.checkpoint.Save()
}

// Run trains until num_epochs or interruption. One epoch is: apply the freeze
// rule, reseed, train over trainDS, validate over validDS, log events,
// checkpoint on improvement, and advance the plateau scheduler on the
// validation mask loss.
func (t *Trainer) Run(trainDS, validDS *Dataset) error {
	numEpochs := context.GetParamOr(t.ctx, "num_epochs", 100)
	meter := NewMeter(t.attrs)
	for epoch := t.startEpoch; epoch <= numEpochs; epoch++ {
		if rule, fires := t.freeze.RuleForEpoch(epoch); fires {
			frozen := ApplyFreeze(t.ctx, modelScope, rule.Selector)
			if err := t.rebuildTrainStep(); err != nil {
				return err
			}
			if t.verbose {
				if rule.Selector == "" {
					fmt.Printf("Epoch %d: all model layers trainable\n", epoch)
				} else {
					fmt.Printf("Epoch %d: froze %d variables matching %q\n", epoch, frozen, rule.Selector)
				}
			}
		}

		// Fresh entropy every epoch; runs are not reproducible by design.
		t.ctx.ResetRNGState()

		weights := t.weights.ForEpoch(epoch)
		meter.Reset()
		epochStart := time.Now()
		snapshot, err := t.runEpochOver(t.trainStep, trainDS, weights,
			meter, fmt.Sprintf("epoch %d/%d", epoch, numEpochs))
		if err != nil {
			return t.stop(err)
		}
		trainMetrics := meter.Value()
		elapsed := time.Since(epochStart)
		if t.verbose && epoch == t.startEpoch {
			numVars := 0
			t.ctx.EnumerateVariables(func(*context.Variable) { numVars++ })
			fmt.Printf("Model %q: %d variables, %d parameters\n",
				t.modelName, numVars, t.ctx.NumParameters())
		}

		validMetrics, err := t.Validate(validDS, weights)
		if err != nil {
			return t.stop(err)
		}

		globalStep := optimizers.GetGlobalStep(t.ctx)
		if t.events != nil {
			t.events.WriteEpoch(EpochEvent{
				Time:           time.Now(),
				Epoch:          epoch,
				GlobalStep:     globalStep,
				LearningRate:   t.plateau.Rate(),
				ElapsedSeconds: elapsed.Seconds(),
				Train:          trainMetrics,
				Valid:          validMetrics,
			})
			if snapshot != nil {
				t.events.WriteSnapshot(snapshot, t.attrs)
			}
		}
		if t.verbose {
			fmt.Printf("Epoch %d (%s, step %d): train loss=%.4f jaccard=%.4f | valid loss=%.4f jaccard=%.4f\n",
				epoch, elapsed.Round(time.Second), globalStep,
				trainMetrics["loss"], trainMetrics["jaccard"],
				validMetrics["loss"], validMetrics["jaccard"])
		}

		validLoss := validMetrics["mask_loss"]
		validJaccard := validMetrics["jaccard"]
		lossImproved, jaccardImproved := t.best.Observe(validLoss, validJaccard)
		if lossImproved || jaccardImproved {
			if err = t.saveCheckpoint(epoch, validLoss, validJaccard); err != nil {
				return t.stop(errors.WithMessage(err, "failed to save checkpoint"))
			}
			if t.verbose {
				fmt.Printf("\tcheckpoint saved (best loss %.4f, best jaccard %.4f)\n",
					t.best.BestLoss, t.best.BestJaccard)
			}
		}

		if rate, reduced := t.plateau.Step(validLoss); reduced {
			optimizers.LearningRateVarWithValue(t.ctx, DType, rate).
				MustSetValue(tensors.FromScalar(float32(rate)))
			klog.Infof("Validation loss plateaued, learning rate reduced to %g", rate)
		}
	}
	return t.stop(nil)
}

// stop closes the event writer and returns err (or the writer's own error).
func (t *Trainer) stop(err error) error {
	signal.Stop(t.interrupt)
	if t.events != nil {
		if closeErr := t.events.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		t.events = nil
	}
	return err
}
