package isic2018

import (
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
)

// augmentation is one random draw of the data augmentation applied to a
// training example. Geometric transforms must be applied identically to the
// image and to all of its attribute masks, so the draw is sampled once per
// example and then replayed on each plane. Photometric transforms only touch
// the image.
type augmentation struct {
	quarterTurns int // Number of 90° counter-clockwise rotations (0 to 3).
	flipH        bool
	flipV        bool
	brightness   float64 // Percentage in [-brightnessMax, brightnessMax].
	saturation   float64
}

const (
	augmentBrightnessMax = 10.0 // percent
	augmentSaturationMax = 20.0 // percent
)

func sampleAugmentation(rng *rand.Rand) augmentation {
	return augmentation{
		quarterTurns: rng.Intn(4),
		flipH:        rng.Intn(2) == 1,
		flipV:        rng.Intn(2) == 1,
		brightness:   (2*rng.Float64() - 1) * augmentBrightnessMax,
		saturation:   (2*rng.Float64() - 1) * augmentSaturationMax,
	}
}

// applyGeometry replays the geometric part of the draw. Used for both the
// image and its masks.
func (a augmentation) applyGeometry(img image.Image) image.Image {
	switch a.quarterTurns {
	case 1:
		img = imaging.Rotate90(img)
	case 2:
		img = imaging.Rotate180(img)
	case 3:
		img = imaging.Rotate270(img)
	}
	if a.flipH {
		img = imaging.FlipH(img)
	}
	if a.flipV {
		img = imaging.FlipV(img)
	}
	return img
}

// applyPhotometric replays the photometric part of the draw. Image only, never
// masks.
func (a augmentation) applyPhotometric(img image.Image) image.Image {
	img = imaging.AdjustBrightness(img, a.brightness)
	img = imaging.AdjustSaturation(img, a.saturation)
	return img
}
