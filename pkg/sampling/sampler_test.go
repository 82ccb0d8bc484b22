package sampling

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumorseg/internal/models"
)

// threeClassVolume builds a 30x30x30 volume with 50 voxels of label 1,
// 50 of label 2 and background everywhere else
func threeClassVolume() *models.LabelVolume {
	labels := models.NewLabelVolume(models.Shape{Width: 30, Height: 30, Depth: 30})
	for i := 0; i < 50; i++ {
		labels.Data[i] = 1
		labels.Data[1000+i] = 2
	}
	return labels
}

func TestSampleBalancedEqualizesClasses(t *testing.T) {
	labels := threeClassVolume()

	coords, err := Sample(labels, nil, Options{Balanced: true, Downsample: 1, Rand: rand.New(rand.NewPCG(7, 7))})
	require.NoError(t, err)

	counts := Counts(labels, coords)
	assert.Equal(t, map[uint8]int{0: 50, 1: 50, 2: 50}, counts)
}

func TestSampleBalancedWithDownsampleKeepsEquality(t *testing.T) {
	labels := threeClassVolume()

	coords, err := Sample(labels, nil, Options{Balanced: true, Downsample: 4})
	require.NoError(t, err)

	counts := Counts(labels, coords)
	require.Len(t, counts, 3)
	for label, n := range counts {
		assert.Equal(t, 13, n, "label %d", label)
	}
}

func TestSampleBalancedRandomVolumes(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 9))
	for trial := 0; trial < 20; trial++ {
		labels := models.NewLabelVolume(models.Shape{Width: 12, Height: 10, Depth: 8})
		for i := range labels.Data {
			labels.Data[i] = uint8(rng.IntN(4))
		}

		coords, err := Sample(labels, nil, Options{Balanced: true, Rand: rng})
		require.NoError(t, err)

		counts := Counts(labels, coords)
		lo, hi := len(coords), 0
		for _, n := range counts {
			lo = min(lo, n)
			hi = max(hi, n)
		}
		assert.LessOrEqual(t, hi-lo, 1, "trial %d counts %v", trial, counts)
	}
}

func TestSampleUnbalancedDownsample(t *testing.T) {
	labels := threeClassVolume()

	coords, err := Sample(labels, nil, Options{Downsample: 10})
	require.NoError(t, err)
	assert.Len(t, coords, 2700)

	// No coordinate may be drawn twice
	seen := make(map[models.Coordinate]bool)
	for _, c := range coords {
		assert.False(t, seen[c], "duplicate coordinate %v", c)
		seen[c] = true
	}
}

func TestSampleUnbalancedIsNotSystematic(t *testing.T) {
	labels := models.NewLabelVolume(models.Shape{Width: 20, Height: 20, Depth: 20})

	coords, err := Sample(labels, nil, Options{Downsample: 2, Rand: rand.New(rand.NewPCG(1, 1))})
	require.NoError(t, err)

	// A systematic stride of 2 would only ever select even x on even rows
	odd := 0
	for _, c := range coords {
		if c.X%2 == 1 {
			odd++
		}
	}
	assert.Greater(t, odd, 0)
}

func TestSampleRespectsMask(t *testing.T) {
	labels := threeClassVolume()
	mask := models.NewLabelVolume(labels.Shape())
	for i := 0; i < 2000; i++ {
		mask.Data[i] = 1
	}

	coords, err := Sample(labels, mask, Options{Downsample: 1})
	require.NoError(t, err)
	assert.Len(t, coords, 2000)
	for _, c := range coords {
		assert.NotZero(t, mask.At(c.X, c.Y, c.Z))
	}
}

func TestSampleEmptyMask(t *testing.T) {
	labels := threeClassVolume()
	mask := models.NewLabelVolume(labels.Shape())

	_, err := Sample(labels, mask, Options{Balanced: true, Patient: "p01"})
	var emptyErr *models.EmptyMaskError
	require.True(t, errors.As(err, &emptyErr))
	assert.Equal(t, "p01", emptyErr.Patient)
}

func TestSampleMaskShapeMismatch(t *testing.T) {
	labels := threeClassVolume()
	mask := models.NewLabelVolume(models.Shape{Width: 2, Height: 2, Depth: 2})

	_, err := Sample(labels, mask, Options{})
	var shapeErr *models.ShapeMismatchError
	assert.True(t, errors.As(err, &shapeErr))
}

func TestMaskVoxelsScanOrder(t *testing.T) {
	mask := models.NewLabelVolume(models.Shape{Width: 3, Height: 3, Depth: 3})
	mask.Set(2, 0, 0, 1)
	mask.Set(0, 1, 0, 1)
	mask.Set(1, 1, 2, 1)

	coords := MaskVoxels(mask)
	assert.Equal(t, []models.Coordinate{{X: 2, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}, {X: 1, Y: 1, Z: 2}}, coords)
}

func TestBrainMask(t *testing.T) {
	v := models.NewVolume(2, models.Shape{Width: 2, Height: 2, Depth: 1})
	v.Set(0, 1, 1, 0, 3.5)
	v.Set(1, 0, 0, 0, 1)

	mask := BrainMask(v, 0)
	assert.Equal(t, 1, mask.Foreground())
	assert.Equal(t, uint8(1), mask.At(1, 1, 0))
}
