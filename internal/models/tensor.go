package models

import "fmt"

// Tensor is a dense n-dimensional array used for batches and model outputs.
// The first axis is the batch axis.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor allocates a zero tensor of the given shape
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
}

// Len returns the size of the batch axis
func (t *Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowSize returns the number of elements in one batch entry
func (t *Tensor) RowSize() int {
	n := 1
	for _, d := range t.Shape[1:] {
		n *= d
	}
	return n
}

// Row returns batch entry i. The slice aliases Data.
func (t *Tensor) Row(i int) []float64 {
	size := t.RowSize()
	return t.Data[i*size : (i+1)*size]
}

// Slice returns entries [from, to) as a tensor sharing storage
func (t *Tensor) Slice(from, to int) *Tensor {
	size := t.RowSize()
	shape := append([]int{to - from}, t.Shape[1:]...)
	return &Tensor{Shape: shape, Data: t.Data[from*size : to*size]}
}

// Argmax returns the index of the largest element of row i
func (t *Tensor) Argmax(i int) int {
	row := t.Row(i)
	best := 0
	for k, v := range row {
		if v > row[best] {
			best = k
		}
	}
	return best
}

// SameShape reports whether both tensors have identical shapes
func (t *Tensor) SameShape(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// VolumeTensor wraps a volume as a single-entry tensor of shape 1xCxDxHxW.
// The tensor shares storage with the volume.
func VolumeTensor(v *Volume) *Tensor {
	return &Tensor{
		Shape: []int{1, v.Channels, v.Depth, v.Height, v.Width},
		Data:  v.Data,
	}
}

// OneHot encodes class indices as an N x classes tensor
func OneHot(classes []int, numClasses int) *Tensor {
	t := NewTensor(len(classes), numClasses)
	for i, c := range classes {
		t.Data[i*numClasses+c] = 1
	}
	return t
}
