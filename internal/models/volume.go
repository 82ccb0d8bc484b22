package models

import "fmt"

// Shape is the spatial extent of a volume in voxels
type Shape struct {
	Width, Height, Depth int
}

// Voxels returns the number of voxels covered by the shape
func (s Shape) Voxels() int {
	return s.Width * s.Height * s.Depth
}

// Contains reports whether c lies inside the shape
func (s Shape) Contains(c Coordinate) bool {
	return c.X >= 0 && c.Y >= 0 && c.Z >= 0 &&
		c.X < s.Width && c.Y < s.Height && c.Z < s.Depth
}

// Index returns the flat offset of c in row-major order (x fastest)
func (s Shape) Index(c Coordinate) int {
	return c.Z*s.Width*s.Height + c.Y*s.Width + c.X
}

// Coordinate returns the voxel at flat offset idx
func (s Shape) Coordinate(idx int) Coordinate {
	plane := s.Width * s.Height
	z := idx / plane
	rem := idx % plane
	return Coordinate{X: rem % s.Width, Y: rem / s.Width, Z: z}
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Depth)
}

// Coordinate is a voxel position. It is only meaningful relative to the
// volume it was sampled from.
type Coordinate struct {
	X, Y, Z int
}

// Box is an axis-aligned region of a volume. Max is exclusive.
type Box struct {
	Min, Max Coordinate
}

// Shape returns the extent of the box
func (b Box) Shape() Shape {
	return Shape{
		Width:  b.Max.X - b.Min.X,
		Height: b.Max.Y - b.Min.Y,
		Depth:  b.Max.Z - b.Min.Z,
	}
}

// Empty reports whether the box covers no voxels
func (b Box) Empty() bool {
	s := b.Shape()
	return s.Width <= 0 || s.Height <= 0 || s.Depth <= 0
}

// Volume is a dense multi-channel 3D image.
//
// Data holds Channels consecutive spatial blocks; inside each block voxels
// are stored in row-major order with x varying fastest, so the offset of
// (c, x, y, z) is c*W*H*D + z*W*H + y*W + x.
type Volume struct {
	Data     []float64
	Channels int
	Width    int
	Height   int
	Depth    int
}

// NewVolume allocates a zero-filled volume
func NewVolume(channels int, shape Shape) *Volume {
	return &Volume{
		Data:     make([]float64, channels*shape.Voxels()),
		Channels: channels,
		Width:    shape.Width,
		Height:   shape.Height,
		Depth:    shape.Depth,
	}
}

// Shape returns the spatial extent of the volume
func (v *Volume) Shape() Shape {
	return Shape{Width: v.Width, Height: v.Height, Depth: v.Depth}
}

// Index returns the flat offset of a voxel in channel c
func (v *Volume) Index(c, x, y, z int) int {
	return c*v.Width*v.Height*v.Depth + z*v.Width*v.Height + y*v.Width + x
}

// At returns the value at channel c and voxel (x, y, z)
func (v *Volume) At(c, x, y, z int) float64 {
	return v.Data[v.Index(c, x, y, z)]
}

// Set stores value at channel c and voxel (x, y, z)
func (v *Volume) Set(c, x, y, z int, value float64) {
	v.Data[v.Index(c, x, y, z)] = value
}

// Channel returns the backing slice of channel c. The slice aliases Data.
func (v *Volume) Channel(c int) []float64 {
	n := v.Width * v.Height * v.Depth
	return v.Data[c*n : (c+1)*n]
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = append([]float64(nil), v.Data...)
	return &out
}

// Stack concatenates single or multi channel volumes along the channel axis.
// All inputs must share the same spatial shape.
func Stack(volumes ...*Volume) (*Volume, error) {
	if len(volumes) == 0 {
		return nil, fmt.Errorf("no volumes to stack")
	}
	shape := volumes[0].Shape()
	channels := 0
	for _, v := range volumes {
		if v.Shape() != shape {
			return nil, &ShapeMismatchError{What: "stacked channel", Want: shape, Got: v.Shape()}
		}
		channels += v.Channels
	}
	out := &Volume{
		Data:     make([]float64, 0, channels*shape.Voxels()),
		Channels: channels,
		Width:    shape.Width,
		Height:   shape.Height,
		Depth:    shape.Depth,
	}
	for _, v := range volumes {
		out.Data = append(out.Data, v.Data...)
	}
	return out, nil
}

// LabelVolume is an integer label map. 0 is background.
type LabelVolume struct {
	Data   []uint8
	Width  int
	Height int
	Depth  int
}

// NewLabelVolume allocates an all-background label volume
func NewLabelVolume(shape Shape) *LabelVolume {
	return &LabelVolume{
		Data:   make([]uint8, shape.Voxels()),
		Width:  shape.Width,
		Height: shape.Height,
		Depth:  shape.Depth,
	}
}

// Shape returns the spatial extent of the label volume
func (l *LabelVolume) Shape() Shape {
	return Shape{Width: l.Width, Height: l.Height, Depth: l.Depth}
}

// At returns the label at voxel (x, y, z)
func (l *LabelVolume) At(x, y, z int) uint8 {
	return l.Data[z*l.Width*l.Height+y*l.Width+x]
}

// Set stores label at voxel (x, y, z)
func (l *LabelVolume) Set(x, y, z int, label uint8) {
	l.Data[z*l.Width*l.Height+y*l.Width+x] = label
}

// Clone returns a deep copy
func (l *LabelVolume) Clone() *LabelVolume {
	out := *l
	out.Data = append([]uint8(nil), l.Data...)
	return &out
}

// Count returns the number of voxels carrying label
func (l *LabelVolume) Count(label uint8) int {
	n := 0
	for _, v := range l.Data {
		if v == label {
			n++
		}
	}
	return n
}

// Foreground returns the number of non-background voxels
func (l *LabelVolume) Foreground() int {
	n := 0
	for _, v := range l.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Labels returns the distinct labels present, in ascending order
func (l *LabelVolume) Labels() []uint8 {
	var seen [256]bool
	for _, v := range l.Data {
		seen[v] = true
	}
	var out []uint8
	for i, ok := range seen {
		if ok {
			out = append(out, uint8(i))
		}
	}
	return out
}

// And returns the voxel-wise logical AND of two masks
func (l *LabelVolume) And(other *LabelVolume) (*LabelVolume, error) {
	if l.Shape() != other.Shape() {
		return nil, &ShapeMismatchError{What: "mask", Want: l.Shape(), Got: other.Shape()}
	}
	out := NewLabelVolume(l.Shape())
	for i := range l.Data {
		if l.Data[i] != 0 && other.Data[i] != 0 {
			out.Data[i] = 1
		}
	}
	return out, nil
}

// BoundingBox returns the smallest box containing every foreground voxel.
// ok is false when the volume has no foreground.
func (l *LabelVolume) BoundingBox() (box Box, ok bool) {
	shape := l.Shape()
	for i, v := range l.Data {
		if v == 0 {
			continue
		}
		c := shape.Coordinate(i)
		if !ok {
			box = Box{Min: c, Max: Coordinate{X: c.X + 1, Y: c.Y + 1, Z: c.Z + 1}}
			ok = true
			continue
		}
		box.Min.X = min(box.Min.X, c.X)
		box.Min.Y = min(box.Min.Y, c.Y)
		box.Min.Z = min(box.Min.Z, c.Z)
		box.Max.X = max(box.Max.X, c.X+1)
		box.Max.Y = max(box.Max.Y, c.Y+1)
		box.Max.Z = max(box.Max.Z, c.Z+1)
	}
	return box, ok
}
