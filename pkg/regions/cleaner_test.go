package regions

import (
	"testing"

	"tumorseg/internal/models"
)

// fillBox sets label on every voxel of box
func fillBox(v *models.LabelVolume, box models.Box, label uint8) {
	for z := box.Min.Z; z < box.Max.Z; z++ {
		for y := box.Min.Y; y < box.Max.Y; y++ {
			for x := box.Min.X; x < box.Max.X; x++ {
				v.Set(x, y, z, label)
			}
		}
	}
}

func box(x0, y0, z0, x1, y1, z1 int) models.Box {
	return models.Box{Min: models.Coordinate{X: x0, Y: y0, Z: z0}, Max: models.Coordinate{X: x1, Y: y1, Z: z1}}
}

func TestCleanKeepsLargestComponent(t *testing.T) {
	v := models.NewLabelVolume(models.Shape{Width: 20, Height: 20, Depth: 20})
	fillBox(v, box(1, 1, 1, 6, 6, 3), 1)      // 5x5x2 = 50 voxels
	fillBox(v, box(12, 12, 12, 17, 14, 13), 1) // 5x2x1 = 10 voxels

	out := Clean(v, []uint8{1}, Full26)

	if got := out.Count(1); got != 50 {
		t.Fatalf("Expected 50 voxels to survive, got %d", got)
	}
	if got := out.At(3, 3, 1); got != 1 {
		t.Errorf("Large component voxel should remain, got %d", got)
	}
	if got := out.At(13, 13, 12); got != 0 {
		t.Errorf("Small component voxel should be zeroed, got %d", got)
	}
	// The input must not be modified
	if got := v.Count(1); got != 60 {
		t.Errorf("Input volume was modified: %d voxels", got)
	}
}

func TestCleanConnectivity(t *testing.T) {
	v := models.NewLabelVolume(models.Shape{Width: 6, Height: 6, Depth: 6})
	// Two cubes touching only at a corner
	fillBox(v, box(0, 0, 0, 2, 2, 2), 1)
	fillBox(v, box(2, 2, 2, 3, 3, 3), 1)

	if n := Components(v, 1, Full26); n != 1 {
		t.Errorf("Expected 1 component with 26-connectivity, got %d", n)
	}
	if n := Components(v, 1, Face6); n != 2 {
		t.Errorf("Expected 2 components with 6-connectivity, got %d", n)
	}

	if got := Clean(v, []uint8{1}, Full26).Count(1); got != 9 {
		t.Errorf("26-connected cleaning should keep all 9 voxels, got %d", got)
	}
	if got := Clean(v, []uint8{1}, Face6).Count(1); got != 8 {
		t.Errorf("6-connected cleaning should keep the 8-voxel cube, got %d", got)
	}
}

func TestCleanPerLabel(t *testing.T) {
	v := models.NewLabelVolume(models.Shape{Width: 10, Height: 10, Depth: 10})
	fillBox(v, box(0, 0, 0, 3, 3, 3), 1)
	fillBox(v, box(8, 8, 8, 9, 9, 9), 1)
	fillBox(v, box(5, 0, 0, 7, 2, 2), 2)
	fillBox(v, box(0, 8, 0, 1, 9, 1), 2)

	out := Clean(v, nil, Full26)
	if got := out.Count(1); got != 27 {
		t.Errorf("Expected 27 voxels of label 1, got %d", got)
	}
	if got := out.Count(2); got != 8 {
		t.Errorf("Expected 8 voxels of label 2, got %d", got)
	}

	// Only label 2 is of interest: label 1 specks stay
	out = Clean(v, []uint8{2}, Full26)
	if got := out.Count(1); got != 28 {
		t.Errorf("Label 1 should be untouched, got %d", got)
	}
}

func TestCleanMissingLabelIsNoop(t *testing.T) {
	v := models.NewLabelVolume(models.Shape{Width: 4, Height: 4, Depth: 4})
	fillBox(v, box(0, 0, 0, 1, 1, 1), 1)

	out := Clean(v, []uint8{3}, Full26)
	for i := range v.Data {
		if out.Data[i] != v.Data[i] {
			t.Fatalf("Volume changed at %d", i)
		}
	}
}

func TestCleanTieKeepsFirst(t *testing.T) {
	v := models.NewLabelVolume(models.Shape{Width: 8, Height: 1, Depth: 1})
	fillBox(v, box(0, 0, 0, 2, 1, 1), 1)
	fillBox(v, box(5, 0, 0, 7, 1, 1), 1)

	out := Clean(v, []uint8{1}, Face6)
	if out.At(0, 0, 0) != 1 || out.At(5, 0, 0) != 0 {
		t.Errorf("Expected the first component in scan order to win the tie")
	}
}

func TestCleanROIKeepsLabelsInside(t *testing.T) {
	v := models.NewLabelVolume(models.Shape{Width: 10, Height: 10, Depth: 10})
	fillBox(v, box(0, 0, 0, 3, 3, 3), 1)
	fillBox(v, box(3, 0, 0, 4, 3, 3), 4) // adjacent, different label
	fillBox(v, box(8, 8, 8, 10, 10, 10), 2)

	out := CleanROI(v, Full26)
	if got := out.Count(1); got != 27 {
		t.Errorf("Expected 27 voxels of label 1, got %d", got)
	}
	if got := out.Count(4); got != 9 {
		t.Errorf("Expected 9 voxels of label 4, got %d", got)
	}
	if got := out.Count(2); got != 0 {
		t.Errorf("Detached region should be removed, got %d", got)
	}
}

func TestComponentsIsolatedVoxels(t *testing.T) {
	shape := models.Shape{Width: 10, Height: 10, Depth: 10}
	v := models.NewLabelVolume(shape)
	// Every other voxel along each axis: no two share a face, edge or corner
	n := 0
	for z := 0; z < shape.Depth; z += 2 {
		for y := 0; y < shape.Height; y += 2 {
			for x := 0; x < shape.Width; x += 2 {
				v.Set(x, y, z, 3)
				n++
			}
		}
	}
	if got := Components(v, 3, Full26); got != n {
		t.Errorf("Expected %d components, got %d", n, got)
	}
	if got := Components(v, 1, Full26); got != 0 {
		t.Errorf("Absent label should have no components, got %d", got)
	}
	if got := CleanROI(v, Full26).Foreground(); got != 1 {
		t.Errorf("Equal components should keep only the first, got %d voxels", got)
	}
}
