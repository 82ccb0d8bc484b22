package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumorseg/internal/models"
	"tumorseg/pkg/model"
	"tumorseg/pkg/model/patchnet"
)

func newNet(t *testing.T, blocks int) *patchnet.Net {
	t.Helper()
	n, err := patchnet.New(patchnet.Config{
		Channels:     2,
		ConvBlocks:   blocks,
		Hidden:       4,
		Heads:        []patchnet.Head{{Name: "tumor", Classes: 2}},
		LearningRate: 0.1,
		Seed:         1,
	})
	require.NoError(t, err)
	return n
}

func TestCopyConvWeightsByPosition(t *testing.T) {
	src := newNet(t, 2)
	for i, l := range model.ConvLayers(src) {
		v := float64(i + 2)
		require.NoError(t, l.SetWeights([][]float64{{v, v}, {-v, v}}))
	}

	dst, err := patchnet.NewFeatureNet(patchnet.FeatureConfig{Channels: 2, ConvBlocks: 2, LearningRate: 0.1})
	require.NoError(t, err)
	require.NoError(t, model.CopyConvWeights(dst, src))

	for i, l := range model.ConvLayers(dst) {
		assert.Equal(t, model.ConvLayers(src)[i].Weights(), l.Weights())
	}

	short, err := patchnet.NewFeatureNet(patchnet.FeatureConfig{Channels: 2, ConvBlocks: 1, LearningRate: 0.1})
	require.NoError(t, err)
	var shapeErr *models.ShapeMismatchError
	assert.ErrorAs(t, model.CopyConvWeights(short, src), &shapeErr)
}

func TestSnapshotRestore(t *testing.T) {
	n := newNet(t, 2)
	snap := model.TakeSnapshot(n)

	for _, l := range n.Layers() {
		w := l.Weights()
		for _, a := range w {
			for j := range a {
				a[j] = 42
			}
		}
		require.NoError(t, l.SetWeights(w))
	}
	assert.NotEqual(t, snap, model.TakeSnapshot(n))

	require.NoError(t, snap.Restore(n))
	assert.Equal(t, snap, model.TakeSnapshot(n))

	var shapeErr *models.ShapeMismatchError
	assert.ErrorAs(t, snap[:1].Restore(n), &shapeErr)
}

func TestSetWeightsRejectsWrongShapes(t *testing.T) {
	n := newNet(t, 1)
	conv := model.ConvLayers(n)[0]
	var shapeErr *models.ShapeMismatchError
	assert.ErrorAs(t, conv.SetWeights([][]float64{{1, 1}}), &shapeErr)
	assert.ErrorAs(t, conv.SetWeights([][]float64{{1, 1, 1}, {0, 0}}), &shapeErr)
}

func TestTrainableSelection(t *testing.T) {
	n := newNet(t, 3)
	assert.Equal(t, 5, model.TrainableCount(n, nil))
	assert.Equal(t, 3, model.TrainableCount(n, model.OfKind(model.KindConv)))
	assert.Equal(t, 2, model.TrainableCount(n, model.OfKind(model.KindDense, model.KindOutput)))
	assert.Equal(t, "output", model.KindOutput.String())
}
