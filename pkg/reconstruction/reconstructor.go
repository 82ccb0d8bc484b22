package reconstruction

import (
	"fmt"

	"tumorseg/internal/models"
)

// Gate decides whether a voxel may keep the fine-grained label predicted
// by the most specific head, given the class of the coarsest head.
//
// The pipeline entry points disagree on gating, so it is a strategy:
// NoGate trusts the fine head, CoarseGate requires coarse foreground and
// MaskGate additionally requires an external mask.
type Gate interface {
	Admit(c models.Coordinate, coarse int) bool
}

// NoGate admits every voxel
type NoGate struct{}

func (NoGate) Admit(models.Coordinate, int) bool { return true }

// CoarseGate admits voxels the coarse head marked as foreground
type CoarseGate struct{}

func (CoarseGate) Admit(_ models.Coordinate, coarse int) bool { return coarse > 0 }

// MaskGate admits voxels that are coarse foreground and inside Mask
type MaskGate struct {
	Mask *models.LabelVolume
}

func (g MaskGate) Admit(c models.Coordinate, coarse int) bool {
	return coarse > 0 && g.Mask.At(c.X, c.Y, c.Z) != 0
}

// GateByName maps a configuration value to a Gate. mask is only used by "mask".
func GateByName(name string, mask *models.LabelVolume) (Gate, error) {
	switch name {
	case "", "coarse":
		return CoarseGate{}, nil
	case "none":
		return NoGate{}, nil
	case "mask":
		if mask == nil {
			return nil, fmt.Errorf("mask gate needs a mask")
		}
		return MaskGate{Mask: mask}, nil
	default:
		return nil, fmt.Errorf("unknown gate %q", name)
	}
}

// Params holds the reconstruction parameters
type Params struct {
	// Cascade treats the predictions as heads of increasing specificity:
	// the last head gives the label and the first one gates it.
	Cascade bool

	// Gate is used in cascade mode. Defaults to CoarseGate.
	Gate Gate
}

// Result holds the reconstructed volumes
type Result struct {
	// Labels is the final label map
	Labels *models.LabelVolume

	// ROI is the coarsest head's class map, the tumour region estimate
	ROI *models.LabelVolume
}

// Buffer accumulates per-coordinate predictions into full volumes.
// A buffer belongs to a single reconstruction pass and is not safe for
// concurrent writes.
type Buffer struct {
	shape  models.Shape
	params Params
	labels *models.LabelVolume
	roi    *models.LabelVolume
	sealed bool
	writes int
}

// NewBuffer creates an all-background buffer for a volume of the given shape
func NewBuffer(shape models.Shape, params Params) *Buffer {
	if params.Gate == nil {
		params.Gate = CoarseGate{}
	}
	return &Buffer{
		shape:  shape,
		params: params,
		labels: models.NewLabelVolume(shape),
		roi:    models.NewLabelVolume(shape),
	}
}

// Write stores the argmax class of each prediction row at its coordinate.
// predictions holds one N x K tensor per head, aligned with coords.
func (b *Buffer) Write(predictions []*models.Tensor, coords []models.Coordinate) error {
	if b.sealed {
		return fmt.Errorf("reconstruction buffer already finalized")
	}
	if len(predictions) == 0 {
		return fmt.Errorf("no predictions to write")
	}
	for h, p := range predictions {
		if p.Len() != len(coords) {
			return &models.ShapeMismatchError{
				What: fmt.Sprintf("prediction head %d", h),
				Want: len(coords),
				Got:  p.Len(),
			}
		}
	}
	for _, c := range coords {
		if !b.shape.Contains(c) {
			return &models.ShapeMismatchError{What: "reconstruction coordinate", Want: b.shape, Got: c}
		}
	}

	coarse := predictions[0]
	fine := predictions[len(predictions)-1]
	gated := b.params.Cascade && len(predictions) > 1

	for i, c := range coords {
		coarseClass := coarse.Argmax(i)
		label := fine.Argmax(i)
		if gated && !b.params.Gate.Admit(c, coarseClass) {
			label = 0
		}
		b.roi.Set(c.X, c.Y, c.Z, uint8(coarseClass))
		b.labels.Set(c.X, c.Y, c.Z, uint8(label))
	}
	b.writes += len(coords)
	return nil
}

// Written returns the number of coordinates written so far
func (b *Buffer) Written() int {
	return b.writes
}

// Result finalizes the buffer. Further writes fail.
func (b *Buffer) Result() *Result {
	b.sealed = true
	return &Result{Labels: b.labels, ROI: b.roi}
}

// Reconstruct maps predictions for coords back into a full label volume
func Reconstruct(predictions []*models.Tensor, coords []models.Coordinate, shape models.Shape, params Params) (*Result, error) {
	b := NewBuffer(shape, params)
	if err := b.Write(predictions, coords); err != nil {
		return nil, err
	}
	return b.Result(), nil
}
