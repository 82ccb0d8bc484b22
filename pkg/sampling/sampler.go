// Package sampling selects the voxel coordinates that patches are centred on.
//
// Tumour voxels are a tiny fraction of a brain volume, so training
// coordinates are usually class-balanced: every label present in the
// candidate pool contributes the same number of coordinates.
package sampling

import (
	"math/rand/v2"

	"tumorseg/internal/models"
)

// Options controls how coordinates are drawn
type Options struct {
	// Balanced draws the minority class count from every class
	Balanced bool

	// Downsample keeps roughly 1/Downsample of the coordinates.
	// Values below 1 are treated as 1.
	Downsample int

	// Rand is the random source. A fixed-seed source is used when nil.
	Rand *rand.Rand

	// Patient is only used to label errors
	Patient string
}

// Sample returns the coordinates to extract patches around.
//
// When mask is non-nil only voxels where the mask is non-zero are
// candidates; otherwise every voxel of labels is. The result is shuffled.
func Sample(labels, mask *models.LabelVolume, opts Options) ([]models.Coordinate, error) {
	shape := labels.Shape()
	if mask != nil && mask.Shape() != shape {
		return nil, &models.ShapeMismatchError{What: "sampling mask", Want: shape, Got: mask.Shape()}
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}
	downsample := max(opts.Downsample, 1)

	// Partition candidates by label value
	var pools [256][]int
	total := 0
	for i, label := range labels.Data {
		if mask != nil && mask.Data[i] == 0 {
			continue
		}
		pools[label] = append(pools[label], i)
		total++
	}
	if total == 0 {
		return nil, &models.EmptyMaskError{Patient: opts.Patient}
	}

	var picked []int
	if opts.Balanced {
		minority := total
		for _, pool := range pools {
			if len(pool) > 0 && len(pool) < minority {
				minority = len(pool)
			}
		}
		perClass := retained(minority, downsample)
		for _, pool := range pools {
			if len(pool) == 0 {
				continue
			}
			picked = append(picked, choose(rng, pool, perClass)...)
		}
	} else {
		all := make([]int, 0, total)
		for _, pool := range pools {
			all = append(all, pool...)
		}
		picked = choose(rng, all, retained(total, downsample))
	}

	rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })

	coords := make([]models.Coordinate, len(picked))
	for i, idx := range picked {
		coords[i] = shape.Coordinate(idx)
	}
	return coords, nil
}

// retained is the number of items kept from n under a 1/downsample rate
func retained(n, downsample int) int {
	return max((n+downsample-1)/downsample, 1)
}

// choose draws k distinct elements of pool uniformly at random
func choose(rng *rand.Rand, pool []int, k int) []int {
	if k >= len(pool) {
		return append([]int(nil), pool...)
	}
	// Partial Fisher-Yates on a copy so the caller's pool is left intact
	work := append([]int(nil), pool...)
	for i := 0; i < k; i++ {
		j := i + rng.IntN(len(work)-i)
		work[i], work[j] = work[j], work[i]
	}
	return work[:k]
}

// MaskVoxels returns every voxel inside mask in z-y-x scan order.
// It is used at test time, where every voxel of the ROI is classified.
func MaskVoxels(mask *models.LabelVolume) []models.Coordinate {
	shape := mask.Shape()
	coords := make([]models.Coordinate, 0, mask.Foreground())
	for i, v := range mask.Data {
		if v != 0 {
			coords = append(coords, shape.Coordinate(i))
		}
	}
	return coords
}

// BrainMask marks the voxels where the given channel is non-zero.
// Skull-stripped scans are zero outside the brain.
func BrainMask(v *models.Volume, channel int) *models.LabelVolume {
	mask := models.NewLabelVolume(v.Shape())
	for i, value := range v.Channel(channel) {
		if value != 0 {
			mask.Data[i] = 1
		}
	}
	return mask
}

// Counts tallies coordinates per label, mostly for logging
func Counts(labels *models.LabelVolume, coords []models.Coordinate) map[uint8]int {
	counts := make(map[uint8]int)
	for _, c := range coords {
		counts[labels.At(c.X, c.Y, c.Z)]++
	}
	return counts
}
