package isic2018

import (
	"fmt"
	"image"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// Dataset implements train.Dataset for ISIC 2018 Task 2 examples.
//
// Yield returns one batch with:
//
//	inputs[0]: images, shaped [batchSize, imageSize, imageSize, 3], values in [0, 1].
//	labels[0]: attribute masks, shaped [batchSize, imageSize, imageSize, numAttributes], values 0 or 1.
//	labels[1]: attribute presence indicators, shaped [batchSize, numAttributes], values 0 or 1.
//
// Images are read from files named "<id>.jpg" and masks from
// "<id>_attribute_<attribute>.png" under the images directory. A missing mask
// file means the attribute is absent, and yields an all-zeros mask plane.
//
// It is safe for concurrent use, but batches are yielded sequentially.
type Dataset struct {
	name      string
	imageDir  string
	examples  []Example
	attrs     []string
	batchSize int
	imageSize int
	workers   int
	augment   bool
	shuffle   bool
	rng       *rand.Rand
	toTensor  *timages.ToTensorConfig

	mu    sync.Mutex
	order []int
	next  int
}

// NewDataset creates a Dataset over the given manifest examples. Configure it
// with the chained methods before the first call to Yield.
func NewDataset(name, imageDir string, examples []Example) *Dataset {
	ds := &Dataset{
		name:      name,
		imageDir:  imageDir,
		examples:  examples,
		attrs:     AttributeNames,
		batchSize: 8,
		imageSize: 256,
		workers:   4,
		toTensor:  timages.ToTensor(DType),
	}
	ds.order = make([]int, len(examples))
	for idx := range ds.order {
		ds.order[idx] = idx
	}
	return ds
}

// BatchSize sets the number of examples per yielded batch. Incomplete trailing
// batches are dropped, to keep tensor shapes stable across steps.
func (ds *Dataset) BatchSize(n int) *Dataset {
	ds.batchSize = n
	return ds
}

// ImageSize sets the side of the square images and masks are resized to.
func (ds *Dataset) ImageSize(size int) *Dataset {
	ds.imageSize = size
	return ds
}

// Attributes restricts the dataset to the given attribute names, in the given
// order. Defaults to all of AttributeNames.
func (ds *Dataset) Attributes(names []string) *Dataset {
	ds.attrs = names
	return ds
}

// Workers sets the number of goroutines loading images in parallel per batch.
func (ds *Dataset) Workers(n int) *Dataset {
	if n < 1 {
		n = 1
	}
	ds.workers = n
	return ds
}

// Augment enables random augmentation (rotations, flips, brightness and
// saturation jitter), using the given random generator.
func (ds *Dataset) Augment(rng *rand.Rand) *Dataset {
	ds.augment = true
	ds.rng = rng
	return ds
}

// Shuffle enables reshuffling of the examples at every Reset.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = true
	ds.rng = rng
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples returns the number of examples in the dataset.
func (ds *Dataset) NumExamples() int { return len(ds.examples) }

// NumBatches returns how many full batches one epoch yields.
func (ds *Dataset) NumBatches() int { return len(ds.examples) / ds.batchSize }

// Reset implements train.Dataset: it restarts the epoch, reshuffling the
// example order if Shuffle was set.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// loadedExample is a fully decoded, augmented and resized example.
type loadedExample struct {
	image      image.Image
	masks      []float32 // Flat [imageSize, imageSize, len(attrs)].
	indicators []float32 // [len(attrs)].
}

// Yield implements train.Dataset. It returns io.EOF when there are not enough
// examples left for a full batch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	if ds.next+ds.batchSize > len(ds.order) {
		ds.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	indices := ds.order[ds.next : ds.next+ds.batchSize]
	ds.next += ds.batchSize
	// Augmentation draws are sampled under the lock so runs with a fixed seed
	// are reproducible regardless of worker scheduling.
	draws := make([]augmentation, len(indices))
	if ds.augment {
		for drawIdx := range draws {
			draws[drawIdx] = sampleAugmentation(ds.rng)
		}
	}
	ds.mu.Unlock()

	loaded := make([]loadedExample, len(indices))
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	sem := make(chan struct{}, ds.workers)
	for batchPos, exampleIdx := range indices {
		wg.Add(1)
		go func(batchPos, exampleIdx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			var draw *augmentation
			if ds.augment {
				draw = &draws[batchPos]
			}
			example, loadErr := ds.loadExample(ds.examples[exampleIdx], draw)
			if loadErr != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = loadErr
				}
				errMu.Unlock()
				return
			}
			loaded[batchPos] = example
		}(batchPos, exampleIdx)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, nil, nil, firstErr
	}

	numAttrs := len(ds.attrs)
	images := make([]image.Image, len(loaded))
	masksFlat := make([]float32, 0, len(loaded)*ds.imageSize*ds.imageSize*numAttrs)
	indicatorsFlat := make([]float32, 0, len(loaded)*numAttrs)
	for loadedIdx := range loaded {
		images[loadedIdx] = loaded[loadedIdx].image
		masksFlat = append(masksFlat, loaded[loadedIdx].masks...)
		indicatorsFlat = append(indicatorsFlat, loaded[loadedIdx].indicators...)
	}
	spec = ds
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(masksFlat, len(loaded), ds.imageSize, ds.imageSize, numAttrs),
		tensors.FromFlatDataAndDimensions(indicatorsFlat, len(loaded), numAttrs),
	}
	return
}

// loadExample reads, augments and resizes one image and its attribute masks.
// draw is nil when augmentation is disabled.
func (ds *Dataset) loadExample(example Example, draw *augmentation) (loadedExample, error) {
	var loaded loadedExample
	imgPath := filepath.Join(ds.imageDir, example.ID+".jpg")
	img, err := imaging.Open(imgPath)
	if err != nil {
		return loaded, errors.Wrapf(err, "while reading image %q", example.ID)
	}
	if draw != nil {
		img = draw.applyPhotometric(draw.applyGeometry(img))
	}
	loaded.image = imaging.Resize(img, ds.imageSize, ds.imageSize, imaging.Linear)

	numAttrs := len(ds.attrs)
	loaded.masks = make([]float32, ds.imageSize*ds.imageSize*numAttrs)
	loaded.indicators = make([]float32, numAttrs)
	for attrPos, attrName := range ds.attrs {
		maskPath := filepath.Join(ds.imageDir, fmt.Sprintf("%s_attribute_%s.png", example.ID, attrName))
		if _, statErr := os.Stat(maskPath); os.IsNotExist(statErr) {
			// A missing mask file means the attribute is absent.
			continue
		}
		mask, err := imaging.Open(maskPath)
		if err != nil {
			return loaded, errors.Wrapf(err, "while reading mask %q of %q", attrName, example.ID)
		}
		if draw != nil {
			mask = draw.applyGeometry(mask)
		}
		resized := imaging.Resize(mask, ds.imageSize, ds.imageSize, imaging.NearestNeighbor)
		gray := imaging.Grayscale(resized)
		anyPositive := false
		for y := 0; y < ds.imageSize; y++ {
			for x := 0; x < ds.imageSize; x++ {
				if gray.Pix[gray.PixOffset(x, y)] >= 128 {
					loaded.masks[(y*ds.imageSize+x)*numAttrs+attrPos] = 1
					anyPositive = true
				}
			}
		}
		if anyPositive {
			loaded.indicators[attrPos] = 1
		}
	}
	if example.Indicators != nil {
		// Manifest indicators take precedence over the mask-derived ones.
		for attrPos, attrName := range ds.attrs {
			attrIdx := AttributeIndex(attrName)
			if attrIdx >= 0 {
				loaded.indicators[attrPos] = example.Indicators[attrIdx]
			}
		}
	}
	return loaded, nil
}
