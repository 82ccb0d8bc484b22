// Package model defines the contract between the patch pipeline and the
// networks it trains, plus helpers to move weights between networks that
// share a convolutional trunk.
package model

import (
	"context"
	"fmt"

	"tumorseg/internal/models"
)

// Kind classifies a layer by its role in the network
type Kind int

const (
	KindOther Kind = iota
	KindConv
	KindDense
	KindOutput
)

func (k Kind) String() string {
	switch k {
	case KindConv:
		return "conv"
	case KindDense:
		return "dense"
	case KindOutput:
		return "output"
	default:
		return "other"
	}
}

// Layer is a named group of weights inside a model
type Layer interface {
	Name() string
	Kind() Kind

	// Weights returns a copy of the layer's weight arrays
	Weights() [][]float64

	// SetWeights replaces the layer's weights. The arrays must match the
	// shapes returned by Weights.
	SetWeights(w [][]float64) error
}

// FitOptions configures one Fit call
type FitOptions struct {
	Epochs    int
	BatchSize int

	// Trainable selects the layers updated by this call. nil trains every
	// layer.
	Trainable func(Layer) bool
}

// History records the mean training loss of each epoch
type History struct {
	Loss []float64
}

// Model is a trainable network. Layers are returned in forward order.
// Predict returns one tensor per output head.
type Model interface {
	Layers() []Layer
	Predict(ctx context.Context, x *models.Tensor, batchSize int) ([]*models.Tensor, error)
	Fit(ctx context.Context, x *models.Tensor, y []*models.Tensor, opts FitOptions) (History, error)
	Save(path string) error
}

// ConvLayers returns the convolutional layers of m in forward order
func ConvLayers(m Model) []Layer {
	var out []Layer
	for _, l := range m.Layers() {
		if l.Kind() == KindConv {
			out = append(out, l)
		}
	}
	return out
}

// CopyConvWeights copies the convolutional weights of src into dst, pairing
// layers by position. Both models must have the same number of conv layers.
func CopyConvWeights(dst, src Model) error {
	from, to := ConvLayers(src), ConvLayers(dst)
	if len(from) != len(to) {
		return &models.ShapeMismatchError{What: "conv layer count", Want: len(to), Got: len(from)}
	}
	for i := range from {
		if err := to[i].SetWeights(from[i].Weights()); err != nil {
			return fmt.Errorf("conv layer %d (%s): %w", i, to[i].Name(), err)
		}
	}
	return nil
}

// Snapshot holds a copy of every layer's weights
type Snapshot [][][]float64

// TakeSnapshot copies all weights of m
func TakeSnapshot(m Model) Snapshot {
	layers := m.Layers()
	snap := make(Snapshot, len(layers))
	for i, l := range layers {
		snap[i] = l.Weights()
	}
	return snap
}

// Restore writes a snapshot back into m
func (s Snapshot) Restore(m Model) error {
	layers := m.Layers()
	if len(layers) != len(s) {
		return &models.ShapeMismatchError{What: "snapshot layer count", Want: len(layers), Got: len(s)}
	}
	for i, l := range layers {
		if err := l.SetWeights(s[i]); err != nil {
			return fmt.Errorf("restore layer %s: %w", l.Name(), err)
		}
	}
	return nil
}

// TrainableCount returns how many layers of m are selected by trainable
func TrainableCount(m Model, trainable func(Layer) bool) int {
	n := 0
	for _, l := range m.Layers() {
		if trainable == nil || trainable(l) {
			n++
		}
	}
	return n
}

// OfKind returns a Trainable selector matching layers of the given kinds
func OfKind(kinds ...Kind) func(Layer) bool {
	return func(l Layer) bool {
		for _, k := range kinds {
			if l.Kind() == k {
				return true
			}
		}
		return false
	}
}

// CopyWeights is a helper for Layer implementations: it deep-copies w
func CopyWeights(w [][]float64) [][]float64 {
	out := make([][]float64, len(w))
	for i, a := range w {
		out[i] = append([]float64(nil), a...)
	}
	return out
}

// AssignWeights checks that src matches the shapes of dst and copies it in
func AssignWeights(dst, src [][]float64) error {
	if len(dst) != len(src) {
		return &models.ShapeMismatchError{What: "weight arrays", Want: len(dst), Got: len(src)}
	}
	for i := range dst {
		if len(dst[i]) != len(src[i]) {
			return &models.ShapeMismatchError{What: fmt.Sprintf("weight array %d", i), Want: len(dst[i]), Got: len(src[i])}
		}
	}
	for i := range dst {
		copy(dst[i], src[i])
	}
	return nil
}
