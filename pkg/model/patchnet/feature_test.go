package patchnet

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumorseg/internal/models"
	"tumorseg/pkg/model"
)

func rampVolume(channels int) *models.Volume {
	v := models.NewVolume(channels, models.Shape{Width: 4, Height: 3, Depth: 2})
	n := len(v.Data)
	for i := range v.Data {
		v.Data[i] = 2*float64(i)/float64(n-1) - 1
	}
	return v
}

func TestFeatureNetIdentity(t *testing.T) {
	f, err := NewFeatureNet(FeatureConfig{Channels: 2, ConvBlocks: 2, LearningRate: 0.1})
	require.NoError(t, err)
	for _, l := range f.Layers() {
		assert.Equal(t, model.KindConv, l.Kind())
	}

	v := rampVolume(2)
	out, err := f.Predict(context.Background(), models.VolumeTensor(v), 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []int{1, 2, 2, 3, 4}, out[0].Shape)
	assert.InDeltaSlice(t, v.Data, out[0].Data, 1e-12)
}

func TestFeatureNetLearnsAffineMap(t *testing.T) {
	f, err := NewFeatureNet(FeatureConfig{Channels: 1, ConvBlocks: 1, LearningRate: 0.1})
	require.NoError(t, err)

	v := rampVolume(1)
	target := v.Clone()
	for i := range target.Data {
		target.Data[i] = 2*v.Data[i] + 1
	}

	history, err := f.Fit(context.Background(),
		models.VolumeTensor(v),
		[]*models.Tensor{models.VolumeTensor(target)},
		model.FitOptions{Epochs: 500},
	)
	require.NoError(t, err)
	assert.Less(t, history.Loss[len(history.Loss)-1], 1e-3)

	w := f.Layers()[0].Weights()
	assert.InDelta(t, 2.0, w[0][0], 0.05)
	assert.InDelta(t, 1.0, w[1][0], 0.05)
}

func TestFeatureNetFrozen(t *testing.T) {
	f, err := NewFeatureNet(FeatureConfig{Channels: 1, ConvBlocks: 2, LearningRate: 0.1})
	require.NoError(t, err)
	v := rampVolume(1)
	target := v.Clone()
	for i := range target.Data {
		target.Data[i] += 1
	}

	_, err = f.Fit(context.Background(), models.VolumeTensor(v), []*models.Tensor{models.VolumeTensor(target)},
		model.FitOptions{Epochs: 5, Trainable: model.OfKind(model.KindDense)})
	require.NoError(t, err)
	for _, l := range f.Layers() {
		assert.Equal(t, [][]float64{{1}, {0}}, l.Weights())
	}

	_, err = f.Fit(context.Background(), models.VolumeTensor(v), nil, model.FitOptions{Epochs: 1})
	var shapeErr *models.ShapeMismatchError
	assert.ErrorAs(t, err, &shapeErr)
}

func TestFeatureNetGradients(t *testing.T) {
	f, err := NewFeatureNet(FeatureConfig{Channels: 2, ConvBlocks: 3, LearningRate: 0.1})
	require.NoError(t, err)
	for i, l := range f.trunk {
		for c := range l.scale {
			l.scale[c] = 0.9 + 0.1*float64(i+c)
			l.bias[c] = 0.05 * float64(i-c)
		}
	}
	v := rampVolume(2)
	target := v.Clone()
	for i := range target.Data {
		target.Data[i] = 0.5*v.Data[i] - 0.3
	}
	x, y := models.VolumeTensor(v), models.VolumeTensor(target)

	mse := func() float64 {
		out, _ := f.Predict(context.Background(), x, 1)
		s := 0.0
		for i, p := range out[0].Data {
			d := p - y.Data[i]
			s += d * d
		}
		return s / float64(len(x.Data))
	}

	// One step with a tiny learning rate moves each weight by -lr*grad
	const lr = 1e-7
	f.cfg.LearningRate = lr
	before := model.TakeSnapshot(f)
	base := mse()
	_, err = f.Fit(context.Background(), x, []*models.Tensor{y}, model.FitOptions{Epochs: 1})
	require.NoError(t, err)
	after := model.TakeSnapshot(f)
	require.NoError(t, before.Restore(f))

	const eps = 1e-6
	for li, l := range f.trunk {
		for a, w := range [][]float64{l.scale, l.bias} {
			for c := range w {
				analytic := (before[li][a][c] - after[li][a][c]) / lr
				orig := w[c]
				w[c] = orig + eps
				numeric := (mse() - base) / eps
				w[c] = orig
				assert.InDelta(t, numeric, analytic, 1e-3, "layer %d array %d channel %d", li, a, c)
			}
		}
	}
}

func TestFeatureNetSaveLoad(t *testing.T) {
	f, err := NewFeatureNet(FeatureConfig{Channels: 2, ConvBlocks: 2, LearningRate: 0.1})
	require.NoError(t, err)
	require.NoError(t, f.trunk[1].SetWeights([][]float64{{2, 3}, {0.5, -0.5}}))

	path := filepath.Join(t.TempDir(), "domain.gob")
	require.NoError(t, f.Save(path))
	loaded, err := LoadFeatureNet(path)
	require.NoError(t, err)
	assert.Equal(t, model.TakeSnapshot(f), model.TakeSnapshot(loaded))

	_, err = Load(path)
	assert.Error(t, err)
}
