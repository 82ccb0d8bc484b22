package patchnet

import (
	"context"
	"fmt"

	"tumorseg/internal/models"
	"tumorseg/pkg/model"
)

// FeatureConfig describes a domain model
type FeatureConfig struct {
	Channels     int
	ConvBlocks   int
	LearningRate float64
}

// FeatureNet is the domain model: the bare trunk of a Net, mapping whole
// multi-channel volumes to activation volumes of the same shape. It is
// trained by regression so that the activations of one image match a
// target activation volume.
type FeatureNet struct {
	cfg   FeatureConfig
	trunk chain
}

// NewFeatureNet builds a domain model with an identity trunk
func NewFeatureNet(cfg FeatureConfig) (*FeatureNet, error) {
	if cfg.Channels < 1 || cfg.ConvBlocks < 1 {
		return nil, fmt.Errorf("invalid topology: %d channels, %d conv blocks", cfg.Channels, cfg.ConvBlocks)
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", cfg.LearningRate)
	}
	f := &FeatureNet{cfg: cfg}
	for i := 0; i < cfg.ConvBlocks; i++ {
		f.trunk = append(f.trunk, newAffineLayer(fmt.Sprintf("conv%d", i+1), cfg.Channels))
	}
	return f, nil
}

// Layers returns the trunk layers in forward order
func (f *FeatureNet) Layers() []model.Layer {
	out := make([]model.Layer, len(f.trunk))
	for i, l := range f.trunk {
		out[i] = l
	}
	return out
}

func (f *FeatureNet) check(x *models.Tensor) (int, error) {
	if len(x.Shape) < 3 || x.Shape[1] != f.cfg.Channels {
		return 0, &models.ShapeMismatchError{
			What: "feature input",
			Want: fmt.Sprintf("[N %d ...]", f.cfg.Channels),
			Got:  x.Shape,
		}
	}
	return x.RowSize() / f.cfg.Channels, nil
}

// Predict returns the activation volumes of x as a single output
func (f *FeatureNet) Predict(ctx context.Context, x *models.Tensor, batchSize int) ([]*models.Tensor, error) {
	voxels, err := f.check(x)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := models.NewTensor(x.Shape...)
	for i := 0; i < x.Len(); i++ {
		src, dst := x.Row(i), out.Row(i)
		for c := 0; c < f.cfg.Channels; c++ {
			a, b := f.trunk.composite(c)
			for j := c * voxels; j < (c+1)*voxels; j++ {
				dst[j] = a*src[j] + b
			}
		}
	}
	return []*models.Tensor{out}, nil
}

// Fit minimises the mean squared error between the activations of x and
// y[0] with full-batch gradient descent
func (f *FeatureNet) Fit(ctx context.Context, x *models.Tensor, y []*models.Tensor, opts model.FitOptions) (model.History, error) {
	var history model.History
	voxels, err := f.check(x)
	if err != nil {
		return history, err
	}
	if len(y) != 1 || !y[0].SameShape(x) {
		var got any = len(y)
		if len(y) == 1 {
			got = y[0].Shape
		}
		return history, &models.ShapeMismatchError{What: "feature target", Want: x.Shape, Got: got}
	}
	layers := f.Layers()
	trainable := make([]bool, len(layers))
	for i, l := range layers {
		trainable[i] = opts.Trainable == nil || opts.Trainable(l)
	}

	channels := f.cfg.Channels
	total := float64(len(x.Data))
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}
		g := make([]float64, channels)
		gx := make([]float64, channels)
		loss := 0.0
		for i := 0; i < x.Len(); i++ {
			src, target := x.Row(i), y[0].Row(i)
			for c := 0; c < channels; c++ {
				a, b := f.trunk.composite(c)
				for j := c * voxels; j < (c+1)*voxels; j++ {
					diff := a*src[j] + b - target[j]
					loss += diff * diff
					d := 2 * diff / total
					g[c] += d
					gx[c] += d * src[j]
				}
			}
		}
		grads := f.trunk.gradients(g, gx)
		for l, layer := range f.trunk {
			if !trainable[l] {
				continue
			}
			for c := 0; c < channels; c++ {
				layer.scale[c] -= f.cfg.LearningRate * grads[l][0][c]
				layer.bias[c] -= f.cfg.LearningRate * grads[l][1][c]
			}
		}
		history.Loss = append(history.Loss, loss/total)
	}
	return history, nil
}
