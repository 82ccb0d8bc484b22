// Package regions removes speckle false positives from label volumes by
// keeping only the largest connected component of each label.
package regions

import (
	"tumorseg/internal/models"
)

// Connectivity selects which neighbours are considered connected
type Connectivity int

const (
	// Full26 connects voxels sharing a face, an edge or a corner. It is the
	// default used by the pipeline.
	Full26 Connectivity = 26

	// Face6 connects voxels sharing a face only
	Face6 Connectivity = 6
)

// offsets returns the neighbour displacements for the connectivity
func (c Connectivity) offsets() []models.Coordinate {
	var out []models.Coordinate
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				n := abs(dx) + abs(dy) + abs(dz)
				if n == 0 || (c == Face6 && n > 1) {
					continue
				}
				out = append(out, models.Coordinate{X: dx, Y: dy, Z: dz})
			}
		}
	}
	return out
}

// Clean returns a copy of v where, for each label in labels, only the
// largest connected component survives; other components become
// background. A nil labels slice means every foreground label present.
// Labels absent from v are left alone. Ties keep the component found first
// in z-y-x scan order.
func Clean(v *models.LabelVolume, labels []uint8, conn Connectivity) *models.LabelVolume {
	out := v.Clone()
	if labels == nil {
		for _, l := range v.Labels() {
			if l != 0 {
				labels = append(labels, l)
			}
		}
	}
	for _, label := range labels {
		if label == 0 {
			continue
		}
		keepLargest(out, func(x uint8) bool { return x == label }, conn)
	}
	return out
}

// CleanROI treats every foreground voxel as one region and keeps its
// largest connected component, preserving the original labels inside it
func CleanROI(v *models.LabelVolume, conn Connectivity) *models.LabelVolume {
	out := v.Clone()
	keepLargest(out, func(x uint8) bool { return x != 0 }, conn)
	return out
}

// keepLargest zeroes every component of member voxels except the largest
func keepLargest(v *models.LabelVolume, member func(uint8) bool, conn Connectivity) {
	comp, sizes := components(v, member, conn)
	if len(sizes) <= 1 {
		return
	}
	best := 0
	for i, s := range sizes {
		if s > sizes[best] {
			best = i
		}
	}
	keep := int32(best + 1)
	for i, id := range comp {
		if id != 0 && id != keep {
			v.Data[i] = 0
		}
	}
}

// Components counts the connected components of label in v
func Components(v *models.LabelVolume, label uint8, conn Connectivity) int {
	_, sizes := components(v, func(x uint8) bool { return x == label }, conn)
	return len(sizes)
}

// components labels the connected components of member voxels in one scan.
// comp holds the 1-based component id per voxel (0 for non-members) and
// sizes[id-1] the voxel count of each component, in scan order.
func components(v *models.LabelVolume, member func(uint8) bool, conn Connectivity) (comp []int32, sizes []int) {
	shape := v.Shape()
	offsets := conn.offsets()
	comp = make([]int32, len(v.Data))
	stack := make([]int, 0, 64)

	for start := range v.Data {
		if comp[start] != 0 || !member(v.Data[start]) {
			continue
		}
		id := int32(len(sizes) + 1)
		comp[start] = id
		size := 0
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++

			c := shape.Coordinate(idx)
			for _, o := range offsets {
				n := models.Coordinate{X: c.X + o.X, Y: c.Y + o.Y, Z: c.Z + o.Z}
				if !shape.Contains(n) {
					continue
				}
				ni := shape.Index(n)
				if comp[ni] != 0 || !member(v.Data[ni]) {
					continue
				}
				comp[ni] = id
				stack = append(stack, ni)
			}
		}
		sizes = append(sizes, size)
	}
	return comp, sizes
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
