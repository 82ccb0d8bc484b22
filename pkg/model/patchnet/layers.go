package patchnet

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"tumorseg/pkg/model"
)

// affineLayer scales and shifts every channel independently. A chain of
// them forms the convolutional trunk shared with the domain model.
type affineLayer struct {
	name  string
	scale []float64
	bias  []float64
}

func newAffineLayer(name string, channels int) *affineLayer {
	l := &affineLayer{name: name, scale: make([]float64, channels), bias: make([]float64, channels)}
	for c := range l.scale {
		l.scale[c] = 1
	}
	return l
}

func (l *affineLayer) Name() string { return l.name }
func (l *affineLayer) Kind() model.Kind { return model.KindConv }
func (l *affineLayer) Weights() [][]float64 { return model.CopyWeights(l.raw()) }

func (l *affineLayer) SetWeights(w [][]float64) error {
	return model.AssignWeights(l.raw(), w)
}

func (l *affineLayer) raw() [][]float64 {
	return [][]float64{l.scale, l.bias}
}

// denseLayer is a fully connected layer with an out x in weight matrix
type denseLayer struct {
	name    string
	kind    model.Kind
	in, out int
	w       []float64
	b       []float64
}

func newDenseLayer(name string, kind model.Kind, in, out int, rng *rand.Rand) *denseLayer {
	l := &denseLayer{name: name, kind: kind, in: in, out: out, w: make([]float64, in*out), b: make([]float64, out)}
	std := math.Sqrt(2 / float64(in))
	for i := range l.w {
		l.w[i] = rng.NormFloat64() * std
	}
	return l
}

func (l *denseLayer) Name() string { return l.name }
func (l *denseLayer) Kind() model.Kind { return l.kind }
func (l *denseLayer) Weights() [][]float64 { return model.CopyWeights(l.raw()) }

func (l *denseLayer) SetWeights(w [][]float64) error {
	return model.AssignWeights(l.raw(), w)
}

func (l *denseLayer) raw() [][]float64 {
	return [][]float64{l.w, l.b}
}

// matrix wraps the weights without copying
func (l *denseLayer) matrix() *mat.Dense {
	return mat.NewDense(l.out, l.in, l.w)
}

// forward computes x * W^T + b for every row of x
func (l *denseLayer) forward(x mat.Matrix) *mat.Dense {
	r, _ := x.Dims()
	out := mat.NewDense(r, l.out, nil)
	out.Mul(x, l.matrix().T())
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] += l.b[j]
		}
	}
	return out
}

// backward returns the weight and bias gradients for upstream gradient d
// and the gradient with respect to the layer input
func (l *denseLayer) backward(x, d *mat.Dense) (dw, db []float64, dx *mat.Dense) {
	r, _ := d.Dims()
	gw := mat.NewDense(l.out, l.in, nil)
	gw.Mul(d.T(), x)
	db = make([]float64, l.out)
	for i := 0; i < r; i++ {
		for j, v := range d.RawRowView(i) {
			db[j] += v
		}
	}
	dx = mat.NewDense(r, l.in, nil)
	dx.Mul(d, l.matrix())
	return gw.RawMatrix().Data, db, dx
}

// chain is an ordered stack of affine layers
type chain []*affineLayer

// composite returns the collapsed scale and shift of channel c
func (ch chain) composite(c int) (a, b float64) {
	a = 1
	for _, l := range ch {
		a, b = l.scale[c]*a, l.scale[c]*b+l.bias[c]
	}
	return a, b
}

// accumulate adds to da and db the gradient of the chain output for
// channel c, given the summed upstream gradient g and the summed product of
// the upstream gradient with the chain input gx
func (ch chain) accumulate(c int, g, gx float64, da, db [][]float64) {
	n := len(ch)
	// prefix[l] collapses layers before l: u_l = prefix[l].a*x + prefix[l].b
	pa := make([]float64, n+1)
	pb := make([]float64, n+1)
	pa[0] = 1
	for l, layer := range ch {
		pa[l+1] = layer.scale[c] * pa[l]
		pb[l+1] = layer.scale[c]*pb[l] + layer.bias[c]
	}
	// suffix is the product of the scales after layer l
	suffix := 1.0
	for l := n - 1; l >= 0; l-- {
		da[l][c] += suffix * (pa[l]*gx + pb[l]*g)
		db[l][c] += suffix * g
		suffix *= ch[l].scale[c]
	}
}

// gradients runs accumulate for every channel and returns per layer
// [dscale, dbias] arrays
func (ch chain) gradients(g, gx []float64) [][][]float64 {
	channels := len(g)
	da := make([][]float64, len(ch))
	db := make([][]float64, len(ch))
	for l := range ch {
		da[l] = make([]float64, channels)
		db[l] = make([]float64, channels)
	}
	for c := 0; c < channels; c++ {
		ch.accumulate(c, g[c], gx[c], da, db)
	}
	out := make([][][]float64, len(ch))
	for l := range ch {
		out[l] = [][]float64{da[l], db[l]}
	}
	return out
}
