// Package patchnet is a small reference network for patch classification.
//
// The trunk is a chain of per-channel affine layers standing in for the
// convolution blocks. Each patch is summarised by its centre voxel and its
// mean per channel, passed through a ReLU dense layer and then through one
// softmax head per output. The domain model FeatureNet shares the same
// trunk so weights can be moved between them by position.
package patchnet

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"tumorseg/internal/models"
	"tumorseg/pkg/model"
)

// Head describes one softmax output
type Head struct {
	Name    string
	Classes int
}

// Config describes the network topology and optimiser
type Config struct {
	Channels     int
	ConvBlocks   int
	Hidden       int
	Heads        []Head
	LearningRate float64
	Seed         uint64
}

func (c Config) validate() error {
	if c.Channels < 1 || c.ConvBlocks < 1 || c.Hidden < 1 {
		return fmt.Errorf("invalid topology: %d channels, %d conv blocks, %d hidden units", c.Channels, c.ConvBlocks, c.Hidden)
	}
	if len(c.Heads) == 0 {
		return fmt.Errorf("network needs at least one output head")
	}
	for _, h := range c.Heads {
		if h.Classes < 2 {
			return fmt.Errorf("head %s needs at least 2 classes, got %d", h.Name, h.Classes)
		}
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	}
	return nil
}

// weighted exposes the live weight arrays of a layer for in-place updates
type weighted interface {
	raw() [][]float64
}

// Net is the patch classifier. It implements model.Model.
type Net struct {
	cfg    Config
	trunk  chain
	hidden *denseLayer
	heads  []*denseLayer
}

// New builds a network with an identity trunk and random dense layers
func New(cfg Config) (*Net, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5eed))
	n := &Net{cfg: cfg}
	for i := 0; i < cfg.ConvBlocks; i++ {
		n.trunk = append(n.trunk, newAffineLayer(fmt.Sprintf("conv%d", i+1), cfg.Channels))
	}
	n.hidden = newDenseLayer("dense", model.KindDense, 2*cfg.Channels, cfg.Hidden, rng)
	for _, h := range cfg.Heads {
		n.heads = append(n.heads, newDenseLayer(h.Name, model.KindOutput, cfg.Hidden, h.Classes, rng))
	}
	return n, nil
}

// Config returns the configuration the network was built with
func (n *Net) Config() Config {
	return n.cfg
}

// Layers returns the trunk, the dense layer and the heads in forward order
func (n *Net) Layers() []model.Layer {
	out := make([]model.Layer, 0, len(n.trunk)+1+len(n.heads))
	for _, l := range n.trunk {
		out = append(out, l)
	}
	out = append(out, n.hidden)
	for _, l := range n.heads {
		out = append(out, l)
	}
	return out
}

// patchGeometry checks x against the network and returns the number of
// voxels per channel and the offset of the centre voxel
func (n *Net) patchGeometry(x *models.Tensor) (voxels, centre int, err error) {
	if len(x.Shape) != 5 || x.Shape[1] != n.cfg.Channels {
		return 0, 0, &models.ShapeMismatchError{
			What: "patch batch",
			Want: fmt.Sprintf("[N %d D H W]", n.cfg.Channels),
			Got:  x.Shape,
		}
	}
	d, h, w := x.Shape[2], x.Shape[3], x.Shape[4]
	return d * h * w, (d/2)*h*w + (h/2)*w + w/2, nil
}

// pass holds the intermediate values of one forward pass
type pass struct {
	raw      *mat.Dense // centre and mean per channel, before the trunk
	features *mat.Dense
	pre      *mat.Dense
	act      *mat.Dense
	probs    []*mat.Dense
}

func (n *Net) forward(x *models.Tensor, voxels, centre int) *pass {
	rows := x.Len()
	channels := n.cfg.Channels
	p := &pass{
		raw:      mat.NewDense(rows, 2*channels, nil),
		features: mat.NewDense(rows, 2*channels, nil),
	}
	for i := 0; i < rows; i++ {
		row := x.Row(i)
		for c := 0; c < channels; c++ {
			block := row[c*voxels : (c+1)*voxels]
			a, b := n.trunk.composite(c)
			xc, m := block[centre], floats.Sum(block)/float64(voxels)
			p.raw.Set(i, 2*c, xc)
			p.raw.Set(i, 2*c+1, m)
			p.features.Set(i, 2*c, a*xc+b)
			p.features.Set(i, 2*c+1, a*m+b)
		}
	}

	p.pre = n.hidden.forward(p.features)
	p.act = mat.NewDense(rows, n.cfg.Hidden, nil)
	p.act.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, p.pre)

	for _, head := range n.heads {
		z := head.forward(p.act)
		for i := 0; i < rows; i++ {
			softmax(z.RawRowView(i))
		}
		p.probs = append(p.probs, z)
	}
	return p
}

func softmax(row []float64) {
	m := floats.Max(row)
	for j, v := range row {
		row[j] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(row), row)
}

// backward returns the summed cross-entropy of the pass and the gradient of
// every layer, aligned with Layers
func (n *Net) backward(p *pass, y []*models.Tensor) (float64, [][][]float64) {
	rows, _ := p.act.Dims()
	grads := make([][][]float64, 0, len(n.trunk)+1+len(n.heads))
	headGrads := make([][][]float64, len(n.heads))

	loss := 0.0
	dAct := mat.NewDense(rows, n.cfg.Hidden, nil)
	for k, head := range n.heads {
		probs := p.probs[k]
		target := mat.NewDense(rows, head.out, y[k].Data)
		for i := 0; i < rows; i++ {
			for j, t := range target.RawRowView(i) {
				if t > 0 {
					loss -= t * math.Log(math.Max(probs.At(i, j), 1e-12))
				}
			}
		}
		var d mat.Dense
		d.Sub(probs, target)
		dw, db, dx := head.backward(p.act, &d)
		headGrads[k] = [][]float64{dw, db}
		dAct.Add(dAct, dx)
	}

	dPre := mat.NewDense(rows, n.cfg.Hidden, nil)
	dPre.Apply(func(i, j int, v float64) float64 {
		if p.pre.At(i, j) > 0 {
			return v
		}
		return 0
	}, dAct)
	dw, db, dFeatures := n.hidden.backward(p.features, dPre)

	channels := n.cfg.Channels
	g := make([]float64, channels)
	gx := make([]float64, channels)
	for i := 0; i < rows; i++ {
		for c := 0; c < channels; c++ {
			for _, col := range []int{2 * c, 2*c + 1} {
				d := dFeatures.At(i, col)
				g[c] += d
				gx[c] += d * p.raw.At(i, col)
			}
		}
	}

	grads = append(grads, n.trunk.gradients(g, gx)...)
	grads = append(grads, [][]float64{dw, db})
	grads = append(grads, headGrads...)
	return loss, grads
}

// Predict returns the class probabilities of every head for a patch batch
func (n *Net) Predict(ctx context.Context, x *models.Tensor, batchSize int) ([]*models.Tensor, error) {
	voxels, centre, err := n.patchGeometry(x)
	if err != nil {
		return nil, err
	}
	if batchSize < 1 {
		batchSize = x.Len()
	}
	out := make([]*models.Tensor, len(n.heads))
	for k, head := range n.heads {
		out[k] = models.NewTensor(x.Len(), head.out)
	}
	for from := 0; from < x.Len(); from += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		to := min(from+batchSize, x.Len())
		p := n.forward(x.Slice(from, to), voxels, centre)
		for k := range n.heads {
			copy(out[k].Slice(from, to).Data, p.probs[k].RawMatrix().Data)
		}
	}
	return out, nil
}

// Fit trains the network with plain SGD on the summed cross-entropy of all
// heads. Only layers selected by opts.Trainable are updated.
func (n *Net) Fit(ctx context.Context, x *models.Tensor, y []*models.Tensor, opts model.FitOptions) (model.History, error) {
	var history model.History
	voxels, centre, err := n.patchGeometry(x)
	if err != nil {
		return history, err
	}
	if len(y) != len(n.heads) {
		return history, &models.ShapeMismatchError{What: "target heads", Want: len(n.heads), Got: len(y)}
	}
	for k, head := range n.heads {
		if y[k].Len() != x.Len() || y[k].RowSize() != head.out {
			return history, &models.ShapeMismatchError{
				What: "target " + head.name,
				Want: []int{x.Len(), head.out},
				Got:  y[k].Shape,
			}
		}
	}
	if x.Len() == 0 {
		return history, nil
	}

	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = x.Len()
	}
	layers := n.Layers()
	trainable := make([]bool, len(layers))
	for i, l := range layers {
		trainable[i] = opts.Trainable == nil || opts.Trainable(l)
	}

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		total := 0.0
		for from := 0; from < x.Len(); from += batchSize {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			to := min(from+batchSize, x.Len())
			targets := make([]*models.Tensor, len(y))
			for k := range y {
				targets[k] = y[k].Slice(from, to)
			}
			p := n.forward(x.Slice(from, to), voxels, centre)
			loss, grads := n.backward(p, targets)
			total += loss

			step := n.cfg.LearningRate / float64(to-from)
			for i, l := range layers {
				if !trainable[i] {
					continue
				}
				w := l.(weighted).raw()
				for j := range w {
					floats.AddScaled(w[j], -step, grads[i][j])
				}
			}
		}
		history.Loss = append(history.Loss, total/float64(x.Len()))
	}
	return history, nil
}
