// Package visualization renders segmentation slices as images for quick
// inspection of a prediction.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"tumorseg/internal/models"
)

// Palette colours labels 0 (background), 1, 2, 3 and 4. Other labels use
// the last entry.
var Palette = color.Palette{
	color.RGBA{0, 0, 0, 255},
	color.RGBA{230, 25, 75, 255},
	color.RGBA{60, 180, 75, 255},
	color.RGBA{0, 130, 200, 255},
	color.RGBA{255, 225, 25, 255},
	color.RGBA{245, 130, 48, 255},
}

// Viewer renders slices of a label volume, optionally over one channel of
// the image it was predicted from
type Viewer struct {
	labels *models.LabelVolume

	// background is shown where the label is 0
	background []float64
	lo, hi     float64
}

// NewViewer creates a viewer for a label volume
func NewViewer(labels *models.LabelVolume) *Viewer {
	return &Viewer{labels: labels}
}

// WithBackground shows channel c of image under the labels. The channel is
// windowed to its own min and max.
func (v *Viewer) WithBackground(img *models.Volume, c int) (*Viewer, error) {
	if img.Shape() != v.labels.Shape() {
		return nil, &models.ShapeMismatchError{What: "background image", Want: v.labels.Shape(), Got: img.Shape()}
	}
	if c < 0 || c >= img.Channels {
		return nil, fmt.Errorf("channel %d out of range (%d channels)", c, img.Channels)
	}
	data := img.Channel(c)
	lo, hi := data[0], data[0]
	for _, x := range data {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	return &Viewer{labels: v.labels, background: data, lo: lo, hi: hi}, nil
}

func (v *Viewer) colour(x, y, z int) color.Color {
	label := v.labels.At(x, y, z)
	if label != 0 || v.background == nil {
		return Palette[min(int(label), len(Palette)-1)]
	}
	g := uint8(0)
	if v.hi > v.lo {
		value := v.background[v.labels.Shape().Index(models.Coordinate{X: x, Y: y, Z: z})]
		g = uint8(255 * (value - v.lo) / (v.hi - v.lo))
	}
	return color.RGBA{g, g, g, 255}
}

// extent returns the number of slices along axis
func (v *Viewer) extent(axis string) (int, error) {
	s := v.labels.Shape()
	switch axis {
	case "x", "X":
		return s.Width, nil
	case "y", "Y":
		return s.Height, nil
	case "z", "Z":
		return s.Depth, nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice renders the slice at position along axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	n, err := v.extent(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, n, axis)
	}

	s := v.labels.Shape()
	var img *image.RGBA
	switch axis {
	case "x", "X":
		// YZ plane
		img = image.NewRGBA(image.Rect(0, 0, s.Depth, s.Height))
		for y := 0; y < s.Height; y++ {
			for z := 0; z < s.Depth; z++ {
				img.Set(z, y, v.colour(position, y, z))
			}
		}
	case "y", "Y":
		// XZ plane
		img = image.NewRGBA(image.Rect(0, 0, s.Width, s.Depth))
		for z := 0; z < s.Depth; z++ {
			for x := 0; x < s.Width; x++ {
				img.Set(x, z, v.colour(x, position, z))
			}
		}
	default:
		// XY plane
		img = image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
		for y := 0; y < s.Height; y++ {
			for x := 0; x < s.Width; x++ {
				img.Set(x, y, v.colour(x, y, position))
			}
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return err
	}
	return file.Close()
}

// SaveSliceSequence writes every slice along axis that contains foreground
// into outputDir and returns the number of files written
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) (int, error) {
	n, err := v.extent(axis)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	written := 0
	for pos := 0; pos < n; pos++ {
		if !v.hasForeground(axis, pos) {
			continue
		}
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return written, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (v *Viewer) hasForeground(axis string, pos int) bool {
	s := v.labels.Shape()
	for z := 0; z < s.Depth; z++ {
		for y := 0; y < s.Height; y++ {
			for x := 0; x < s.Width; x++ {
				var at int
				switch axis {
				case "x", "X":
					at = x
				case "y", "Y":
					at = y
				default:
					at = z
				}
				if at == pos && v.labels.At(x, y, z) != 0 {
					return true
				}
			}
		}
	}
	return false
}
