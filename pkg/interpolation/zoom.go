// Package interpolation resamples volumes between voxel grids.
//
// Zoom is used to bring a reference patient onto the grid of the patient
// being adapted, and ClipToROI crops volumes to the bounding box of a region
// of interest before they are compared.
package interpolation

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"tumorseg/internal/models"
)

// Rates are the per-axis zoom factors in x, y, z order
type Rates [3]float64

// RatesBetween returns the factors that resample a grid of shape from onto
// a grid of shape to
func RatesBetween(from, to models.Shape) Rates {
	return Rates{
		float64(to.Width) / float64(from.Width),
		float64(to.Height) / float64(from.Height),
		float64(to.Depth) / float64(from.Depth),
	}
}

// Apply returns the integer shape obtained by zooming s
func (r Rates) Apply(s models.Shape) models.Shape {
	return models.Shape{
		Width:  scaledSize(s.Width, r[0]),
		Height: scaledSize(s.Height, r[1]),
		Depth:  scaledSize(s.Depth, r[2]),
	}
}

func scaledSize(n int, rate float64) int {
	return max(int(math.Round(float64(n)*rate)), 1)
}

// axis maps output positions onto fractional input positions with the
// corners of both grids aligned
type axis struct {
	lo, hi []int
	frac   []float64
}

func newAxis(in, out int) axis {
	a := axis{lo: make([]int, out), hi: make([]int, out), frac: make([]float64, out)}
	for i := 0; i < out; i++ {
		pos := 0.0
		if out > 1 {
			pos = float64(i*(in-1)) / float64(out-1)
		}
		lo := min(int(math.Floor(pos)), in-1)
		a.lo[i] = lo
		a.hi[i] = min(lo+1, in-1)
		a.frac[i] = pos - float64(lo)
	}
	return a
}

// nearest returns the closest input index for each output position
func (a axis) nearest(i int) int {
	if a.frac[i] >= 0.5 {
		return a.hi[i]
	}
	return a.lo[i]
}

// Zoom resamples every channel of v by rates with trilinear interpolation.
// The channel axis is left untouched. Output slices are computed in
// parallel.
func Zoom(v *models.Volume, rates Rates) (*models.Volume, error) {
	for i, r := range rates {
		if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return nil, fmt.Errorf("invalid zoom rate %v on axis %d", r, i)
		}
	}
	in := v.Shape()
	outShape := rates.Apply(in)
	out := models.NewVolume(v.Channels, outShape)

	ax := newAxis(in.Width, outShape.Width)
	ay := newAxis(in.Height, outShape.Height)
	az := newAxis(in.Depth, outShape.Depth)

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for c := 0; c < v.Channels; c++ {
		for z := 0; z < outShape.Depth; z++ {
			g.Go(func() error {
				z0, z1, fz := az.lo[z], az.hi[z], az.frac[z]
				for y := 0; y < outShape.Height; y++ {
					y0, y1, fy := ay.lo[y], ay.hi[y], ay.frac[y]
					for x := 0; x < outShape.Width; x++ {
						x0, x1, fx := ax.lo[x], ax.hi[x], ax.frac[x]

						c00 := lerp(v.At(c, x0, y0, z0), v.At(c, x1, y0, z0), fx)
						c10 := lerp(v.At(c, x0, y1, z0), v.At(c, x1, y1, z0), fx)
						c01 := lerp(v.At(c, x0, y0, z1), v.At(c, x1, y0, z1), fx)
						c11 := lerp(v.At(c, x0, y1, z1), v.At(c, x1, y1, z1), fx)

						out.Set(c, x, y, z, lerp(lerp(c00, c10, fy), lerp(c01, c11, fy), fz))
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ZoomLabels resamples a label volume with nearest-neighbour lookup so no
// new label values are invented
func ZoomLabels(l *models.LabelVolume, rates Rates) (*models.LabelVolume, error) {
	for i, r := range rates {
		if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return nil, fmt.Errorf("invalid zoom rate %v on axis %d", r, i)
		}
	}
	in := l.Shape()
	outShape := rates.Apply(in)
	out := models.NewLabelVolume(outShape)

	ax := newAxis(in.Width, outShape.Width)
	ay := newAxis(in.Height, outShape.Height)
	az := newAxis(in.Depth, outShape.Depth)
	for z := 0; z < outShape.Depth; z++ {
		for y := 0; y < outShape.Height; y++ {
			for x := 0; x < outShape.Width; x++ {
				out.Set(x, y, z, l.At(ax.nearest(x), ay.nearest(y), az.nearest(z)))
			}
		}
	}
	return out, nil
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Crop copies the voxels of v inside box into a new volume
func Crop(v *models.Volume, box models.Box) (*models.Volume, error) {
	if box.Empty() || !v.Shape().Contains(box.Min) || !v.Shape().Contains(models.Coordinate{X: box.Max.X - 1, Y: box.Max.Y - 1, Z: box.Max.Z - 1}) {
		return nil, &models.ShapeMismatchError{What: "crop box", Want: v.Shape(), Got: box}
	}
	s := box.Shape()
	out := models.NewVolume(v.Channels, s)
	for c := 0; c < v.Channels; c++ {
		for z := 0; z < s.Depth; z++ {
			for y := 0; y < s.Height; y++ {
				src := v.Index(c, box.Min.X, box.Min.Y+y, box.Min.Z+z)
				dst := out.Index(c, 0, y, z)
				copy(out.Data[dst:dst+s.Width], v.Data[src:src+s.Width])
			}
		}
	}
	return out, nil
}

// ClipToROI crops v to the bounding box of the foreground of mask
func ClipToROI(v *models.Volume, mask *models.LabelVolume) (*models.Volume, models.Box, error) {
	if v.Shape() != mask.Shape() {
		return nil, models.Box{}, &models.ShapeMismatchError{What: "roi mask", Want: v.Shape(), Got: mask.Shape()}
	}
	box, ok := mask.BoundingBox()
	if !ok {
		return nil, models.Box{}, &models.EmptyMaskError{}
	}
	out, err := Crop(v, box)
	if err != nil {
		return nil, models.Box{}, err
	}
	return out, box, nil
}
