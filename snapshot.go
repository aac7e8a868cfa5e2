package isic2018

import (
	"image"
	"image/color"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// SnapshotFileName is the PNG written next to train.log with a rendering of
// the last training batch of the most recent epoch.
const SnapshotFileName = "last_batch.png"

// EpochSnapshot holds the raw tensors of the last batch of a training epoch:
// the input images, the ground-truth masks and the predicted mask
// probabilities. They are rendered to a PNG so the operator can eyeball what
// the model currently produces.
type EpochSnapshot struct {
	Images    *tensors.Tensor // [batch, height, width, 3], values in [0, 1].
	Masks     *tensors.Tensor // [batch, height, width, numAttrs], 0 or 1.
	MaskProbs *tensors.Tensor // [batch, height, width, numAttrs], values in [0, 1].
}

// Render composes the first example of the batch into a single row of panels:
// the input photo on the left, then one panel per attribute with the
// ground-truth mask on the green channel and the predicted probabilities on
// the red channel. Agreement therefore shows as yellow, misses as green,
// false positives as red.
func (s *EpochSnapshot) Render(attrs []string) (image.Image, error) {
	imageDims := s.Images.Shape().Dimensions
	if len(imageDims) != 4 || imageDims[3] != 3 {
		return nil, errors.Errorf("snapshot images must be shaped [batch, height, width, 3], got %s",
			s.Images.Shape())
	}
	height, width := imageDims[1], imageDims[2]
	numAttrs := len(attrs)
	maskDims := s.Masks.Shape().Dimensions
	if len(maskDims) != 4 || maskDims[0] != imageDims[0] || maskDims[1] != height ||
		maskDims[2] != width || maskDims[3] != numAttrs {
		return nil, errors.Errorf("snapshot masks must be shaped [%d, %d, %d, %d], got %s",
			imageDims[0], height, width, numAttrs, s.Masks.Shape())
	}
	if !s.MaskProbs.Shape().Equal(s.Masks.Shape()) {
		return nil, errors.Errorf("snapshot predictions shaped %s, want %s",
			s.MaskProbs.Shape(), s.Masks.Shape())
	}

	canvas := imaging.New((numAttrs+1)*width, height, color.NRGBA{A: 255})
	canvas = imaging.Paste(canvas, timages.ToImage().Single(s.Images), image.Pt(0, 0))
	tensors.MustConstFlatData(s.Masks, func(masksFlat []float32) {
		tensors.MustConstFlatData(s.MaskProbs, func(probsFlat []float32) {
			for attrIdx := range attrs {
				panel := image.NewNRGBA(image.Rect(0, 0, width, height))
				for y := 0; y < height; y++ {
					for x := 0; x < width; x++ {
						offset := (y*width+x)*numAttrs + attrIdx
						panel.SetNRGBA(x, y, color.NRGBA{
							R: floatToByte(probsFlat[offset]),
							G: floatToByte(masksFlat[offset]),
							A: 255,
						})
					}
				}
				canvas = imaging.Paste(canvas, panel, image.Pt((attrIdx+1)*width, 0))
			}
		})
	})
	return canvas, nil
}

func floatToByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

// Write renders the snapshot and saves it as SnapshotFileName under dir,
// overwriting the previous epoch's file.
func (s *EpochSnapshot) Write(dir string, attrs []string) error {
	img, err := s.Render(attrs)
	if err != nil {
		return err
	}
	return errors.Wrapf(imaging.Save(img, filepath.Join(dir, SnapshotFileName)),
		"failed to write %q", SnapshotFileName)
}
