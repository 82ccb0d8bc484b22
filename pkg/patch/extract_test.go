package patch

import (
	"sync"
	"testing"

	"tumorseg/internal/models"
)

// createTestVolume fills every voxel with a value unique to its position
func createTestVolume(channels int, shape models.Shape) *models.Volume {
	v := models.NewVolume(channels, shape)
	for i := range v.Data {
		v.Data[i] = float64(i + 1)
	}
	return v
}

func TestExtractInterior(t *testing.T) {
	v := createTestVolume(2, models.Shape{Width: 10, Height: 9, Depth: 8})
	shape := Cube(3)

	p := Extract(v, models.Coordinate{X: 4, Y: 4, Z: 4}, shape)
	if p.Channels != 2 || p.Shape() != shape {
		t.Fatalf("Expected 2 channels of %v, got %d of %v", shape, p.Channels, p.Shape())
	}

	for c := 0; c < 2; c++ {
		for z := 0; z < 3; z++ {
			for y := 0; y < 3; y++ {
				for x := 0; x < 3; x++ {
					want := v.At(c, 3+x, 3+y, 3+z)
					if got := p.At(c, x, y, z); got != want {
						t.Errorf("Voxel (%d,%d,%d,%d): expected %v, got %v", c, x, y, z, want, got)
					}
				}
			}
		}
	}
}

// TestExtractEveryPosition checks the padding contract at every centre,
// including centres on the faces, edges and corners of the volume
func TestExtractEveryPosition(t *testing.T) {
	vshape := models.Shape{Width: 6, Height: 5, Depth: 4}
	v := createTestVolume(1, vshape)

	for _, shape := range []models.Shape{Cube(3), Cube(5), {Width: 4, Height: 2, Depth: 7}} {
		for i := 0; i < vshape.Voxels(); i++ {
			center := vshape.Coordinate(i)
			p := Extract(v, center, shape)
			if len(p.Data) != shape.Voxels() {
				t.Fatalf("Patch at %v has %d values, expected %d", center, len(p.Data), shape.Voxels())
			}

			origin := Start(center, shape)
			for j := 0; j < shape.Voxels(); j++ {
				local := shape.Coordinate(j)
				src := models.Coordinate{X: origin.X + local.X, Y: origin.Y + local.Y, Z: origin.Z + local.Z}
				want := 0.0
				if vshape.Contains(src) {
					want = v.At(0, src.X, src.Y, src.Z)
				}
				if got := p.Data[j]; got != want {
					t.Fatalf("Patch %v at %v, local %v: expected %v, got %v", shape, center, local, want, got)
				}
			}
		}
	}
}

func TestExtractCornerPadding(t *testing.T) {
	v := createTestVolume(1, models.Shape{Width: 4, Height: 4, Depth: 4})

	p := Extract(v, models.Coordinate{}, Cube(3))

	zeros := 0
	for _, value := range p.Data {
		if value == 0 {
			zeros++
		}
	}
	// Only the 2x2x2 octant overlaps the volume
	if zeros != 27-8 {
		t.Errorf("Expected 19 padded voxels, got %d", zeros)
	}
	if got := p.At(0, 1, 1, 1); got != v.At(0, 0, 0, 0) {
		t.Errorf("Centre voxel should match source, got %v", got)
	}
}

func TestExtractOutsideVolume(t *testing.T) {
	v := createTestVolume(1, models.Shape{Width: 4, Height: 4, Depth: 4})
	dst := make([]float64, 27)
	for i := range dst {
		dst[i] = -1
	}

	ExtractInto(dst, v, models.Coordinate{X: 40, Y: 40, Z: 40}, Cube(3))
	for i, value := range dst {
		if value != 0 {
			t.Fatalf("Expected zero at %d, got %v", i, value)
		}
	}
}

func TestExtractConcurrent(t *testing.T) {
	v := createTestVolume(2, models.Shape{Width: 16, Height: 16, Depth: 16})
	shape := Cube(5)

	var wg sync.WaitGroup
	results := make([]*models.Volume, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Extract(v, models.Coordinate{X: i % 16, Y: i / 4, Z: 8}, shape)
		}(i)
	}
	wg.Wait()

	for i, p := range results {
		want := Extract(v, models.Coordinate{X: i % 16, Y: i / 4, Z: 8}, shape)
		for j := range want.Data {
			if p.Data[j] != want.Data[j] {
				t.Fatalf("Concurrent extraction %d differs at %d", i, j)
			}
		}
	}
}
