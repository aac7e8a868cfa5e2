package isic2018

import (
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() *EpochSnapshot {
	maskProbs, masks, _, _, _ := testBatch()
	images := tensors.FromFlatDataAndDimensions(make([]float32, 1*2*2*3), 1, 2, 2, 3)
	return &EpochSnapshot{Images: images, Masks: masks, MaskProbs: maskProbs}
}

func TestEpochSnapshotWrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, testSnapshot().Write(dir, testAttrs))

	img, err := imaging.Open(filepath.Join(dir, SnapshotFileName))
	require.NoError(t, err)
	// One panel per attribute plus the input photo, all 2x2.
	assert.Equal(t, (len(testAttrs)+1)*2, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	// First pixel of the first attribute panel: prediction 0.9 on red,
	// ground truth 1 on green.
	r, g, _, _ := img.At(2, 0).RGBA()
	assert.Equal(t, uint32(230), r>>8)
	assert.Equal(t, uint32(255), g>>8)

	// Second attribute panel, same pixel: prediction 0.1, ground truth 0.
	r, g, _, _ = img.At(4, 0).RGBA()
	assert.Equal(t, uint32(26), r>>8)
	assert.Equal(t, uint32(0), g>>8)
}

func TestEpochSnapshotShapeValidation(t *testing.T) {
	s := testSnapshot()
	_, err := s.Render([]string{"pigment_network"})
	require.Error(t, err)

	s.MaskProbs = tensors.FromFlatDataAndDimensions(make([]float32, 2*2*2), 2, 2, 2)
	_, err = s.Render(testAttrs)
	require.Error(t, err)
}

func TestFloatToByte(t *testing.T) {
	assert.Equal(t, uint8(0), floatToByte(-0.5))
	assert.Equal(t, uint8(0), floatToByte(0))
	assert.Equal(t, uint8(128), floatToByte(0.5))
	assert.Equal(t, uint8(255), floatToByte(1))
	assert.Equal(t, uint8(255), floatToByte(1.5))
}
