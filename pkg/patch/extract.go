// Package patch cuts fixed-size sub-volumes out of multi-channel volumes.
package patch

import (
	"tumorseg/internal/models"
)

// Start returns the origin of a box of the given shape centred on center.
// For even sides the centre voxel sits just after the midpoint.
func Start(center models.Coordinate, shape models.Shape) models.Coordinate {
	return models.Coordinate{
		X: center.X - shape.Width/2,
		Y: center.Y - shape.Height/2,
		Z: center.Z - shape.Depth/2,
	}
}

// Size returns the number of values in one patch of v's channels
func Size(v *models.Volume, shape models.Shape) int {
	return v.Channels * shape.Voxels()
}

// Extract returns the patch of the given shape centred on center.
// Parts of the box outside the volume are zero; the result always has
// exactly v.Channels x shape voxels.
func Extract(v *models.Volume, center models.Coordinate, shape models.Shape) *models.Volume {
	out := models.NewVolume(v.Channels, shape)
	ExtractInto(out.Data, v, center, shape)
	return out
}

// ExtractInto writes the patch into dst, which must hold Size(v, shape)
// values. dst is fully overwritten. v is only read, so concurrent calls
// on the same volume are safe.
func ExtractInto(dst []float64, v *models.Volume, center models.Coordinate, shape models.Shape) {
	clear(dst)
	origin := Start(center, shape)

	// Clip the box against the volume once; everything outside stays zero
	x0, x1 := clipRange(origin.X, shape.Width, v.Width)
	y0, y1 := clipRange(origin.Y, shape.Height, v.Height)
	z0, z1 := clipRange(origin.Z, shape.Depth, v.Depth)
	if x0 >= x1 || y0 >= y1 || z0 >= z1 {
		return
	}

	patchVoxels := shape.Voxels()
	span := x1 - x0
	for c := 0; c < v.Channels; c++ {
		for z := z0; z < z1; z++ {
			for y := y0; y < y1; y++ {
				src := v.Index(c, x0, y, z)
				dx := x0 - origin.X
				dy := y - origin.Y
				dz := z - origin.Z
				off := c*patchVoxels + dz*shape.Width*shape.Height + dy*shape.Width + dx
				copy(dst[off:off+span], v.Data[src:src+span])
			}
		}
	}
}

// clipRange intersects [start, start+size) with [0, limit)
func clipRange(start, size, limit int) (int, int) {
	return max(start, 0), min(start+size, limit)
}

// Cube is a convenience for isotropic patch shapes
func Cube(side int) models.Shape {
	return models.Shape{Width: side, Height: side, Depth: side}
}
