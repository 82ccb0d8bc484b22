package patchnet

import (
	"context"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumorseg/internal/models"
	"tumorseg/pkg/model"
)

func testConfig() Config {
	return Config{
		Channels:     2,
		ConvBlocks:   3,
		Hidden:       6,
		Heads:        []Head{{Name: "tumor", Classes: 2}, {Name: "core", Classes: 3}},
		LearningRate: 0.1,
		Seed:         7,
	}
}

// randomBatch builds n patches of side 3 and labels derived from the
// centre voxel of the first channel
func randomBatch(n int, seed uint64) (*models.Tensor, []*models.Tensor) {
	rng := rand.New(rand.NewPCG(seed, 1))
	x := models.NewTensor(n, 2, 3, 3, 3)
	for i := range x.Data {
		x.Data[i] = rng.Float64()*2 - 1
	}
	binary := make([]int, n)
	core := make([]int, n)
	for i := 0; i < n; i++ {
		v := x.Row(i)[13]
		switch {
		case v > 0.3:
			binary[i], core[i] = 1, 2
		case v > 0:
			binary[i], core[i] = 1, 1
		}
	}
	return x, []*models.Tensor{models.OneHot(binary, 2), models.OneHot(core, 3)}
}

func TestNewLayers(t *testing.T) {
	n, err := New(testConfig())
	require.NoError(t, err)

	var kinds []model.Kind
	var names []string
	for _, l := range n.Layers() {
		kinds = append(kinds, l.Kind())
		names = append(names, l.Name())
	}
	assert.Equal(t, []model.Kind{model.KindConv, model.KindConv, model.KindConv, model.KindDense, model.KindOutput, model.KindOutput}, kinds)
	assert.Equal(t, []string{"conv1", "conv2", "conv3", "dense", "tumor", "core"}, names)

	// The trunk starts as the identity
	w := n.Layers()[0].Weights()
	assert.Equal(t, [][]float64{{1, 1}, {0, 0}}, w)

	_, err = New(Config{Channels: 1, ConvBlocks: 1, Hidden: 1, LearningRate: 0.1})
	assert.Error(t, err, "no heads")
}

func TestPredictProbabilities(t *testing.T) {
	n, err := New(testConfig())
	require.NoError(t, err)
	x, _ := randomBatch(10, 1)

	out, err := n.Predict(context.Background(), x, 3)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []int{10, 2}, out[0].Shape)
	assert.Equal(t, []int{10, 3}, out[1].Shape)
	for i := 0; i < 10; i++ {
		sum := 0.0
		for _, v := range out[1].Row(i) {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}

	// Batching does not change the result
	whole, err := n.Predict(context.Background(), x, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, whole[1].Data, out[1].Data, 1e-12)

	_, err = n.Predict(context.Background(), models.NewTensor(2, 3, 3, 3, 3), 1)
	var shapeErr *models.ShapeMismatchError
	assert.ErrorAs(t, err, &shapeErr)
}

// lossOf evaluates the summed cross-entropy of the current weights
func lossOf(n *Net, x *models.Tensor, y []*models.Tensor) float64 {
	voxels, centre, _ := n.patchGeometry(x)
	loss, _ := n.backward(n.forward(x, voxels, centre), y)
	return loss
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	n, err := New(testConfig())
	require.NoError(t, err)

	// Move the trunk away from the identity so every chain term matters
	rng := rand.New(rand.NewPCG(3, 3))
	for _, l := range n.trunk {
		for c := range l.scale {
			l.scale[c] = 0.8 + 0.4*rng.Float64()
			l.bias[c] = 0.2*rng.Float64() - 0.1
		}
	}

	x, y := randomBatch(8, 2)
	voxels, centre, err := n.patchGeometry(x)
	require.NoError(t, err)
	_, grads := n.backward(n.forward(x, voxels, centre), y)

	const eps = 1e-6
	for li, layer := range n.Layers() {
		w := layer.(weighted).raw()
		for a := range w {
			for j := range w[a] {
				orig := w[a][j]
				w[a][j] = orig + eps
				up := lossOf(n, x, y)
				w[a][j] = orig - eps
				down := lossOf(n, x, y)
				w[a][j] = orig

				numeric := (up - down) / (2 * eps)
				analytic := grads[li][a][j]
				tol := 1e-4 * math.Max(1, math.Abs(numeric))
				if math.Abs(numeric-analytic) > tol {
					t.Errorf("layer %s array %d index %d: numeric %g, analytic %g", layer.Name(), a, j, numeric, analytic)
				}
			}
		}
	}
}

func TestFitReducesLoss(t *testing.T) {
	n, err := New(testConfig())
	require.NoError(t, err)
	x, y := randomBatch(64, 4)

	history, err := n.Fit(context.Background(), x, y, model.FitOptions{Epochs: 60, BatchSize: 16})
	require.NoError(t, err)
	require.Len(t, history.Loss, 60)
	assert.Less(t, history.Loss[59], history.Loss[0])
}

func TestFitRespectsTrainable(t *testing.T) {
	n, err := New(testConfig())
	require.NoError(t, err)
	x, y := randomBatch(16, 5)
	before := model.TakeSnapshot(n)

	_, err = n.Fit(context.Background(), x, y, model.FitOptions{
		Epochs:    3,
		BatchSize: 8,
		Trainable: model.OfKind(model.KindOutput),
	})
	require.NoError(t, err)

	after := model.TakeSnapshot(n)
	for i, l := range n.Layers() {
		if l.Kind() == model.KindOutput {
			assert.NotEqual(t, before[i], after[i], "layer %s should change", l.Name())
		} else {
			assert.Equal(t, before[i], after[i], "layer %s should be frozen", l.Name())
		}
	}
}

func TestFitValidatesTargets(t *testing.T) {
	n, err := New(testConfig())
	require.NoError(t, err)
	x, y := randomBatch(4, 6)

	_, err = n.Fit(context.Background(), x, y[:1], model.FitOptions{Epochs: 1})
	var shapeErr *models.ShapeMismatchError
	assert.ErrorAs(t, err, &shapeErr)

	_, err = n.Fit(context.Background(), x, []*models.Tensor{y[1], y[0]}, model.FitOptions{Epochs: 1})
	assert.ErrorAs(t, err, &shapeErr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = n.Fit(ctx, x, y, model.FitOptions{Epochs: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	n, err := New(testConfig())
	require.NoError(t, err)
	x, y := randomBatch(16, 8)
	_, err = n.Fit(context.Background(), x, y, model.FitOptions{Epochs: 2})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "models", "fold0.gob")
	require.NoError(t, n.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, n.Config(), loaded.Config())

	want, err := n.Predict(context.Background(), x, 0)
	require.NoError(t, err)
	got, err := loaded.Predict(context.Background(), x, 0)
	require.NoError(t, err)
	for k := range want {
		assert.Equal(t, want[k].Data, got[k].Data)
	}

	_, err = LoadFeatureNet(path)
	assert.Error(t, err, "a patch network is not a domain model")
}
