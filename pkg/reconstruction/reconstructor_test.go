package reconstruction

import (
	"errors"
	"testing"

	"tumorseg/internal/models"
)

// predictionRows builds an N x K tensor whose row i peaks at classes[i]
func predictionRows(classes []int, k int) *models.Tensor {
	t := models.NewTensor(len(classes), k)
	for i, c := range classes {
		for j := 0; j < k; j++ {
			t.Data[i*k+j] = 0.1
		}
		t.Data[i*k+c] = 0.9
	}
	return t
}

var shape = models.Shape{Width: 4, Height: 4, Depth: 4}

func TestReconstructSingleStage(t *testing.T) {
	coords := []models.Coordinate{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 2, Z: 3}, {X: 3, Y: 3, Z: 3}}
	preds := []*models.Tensor{predictionRows([]int{2, 4, 0}, 5)}

	res, err := Reconstruct(preds, coords, shape, Params{})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}

	if got := res.Labels.At(0, 0, 0); got != 2 {
		t.Errorf("Expected label 2 at origin, got %d", got)
	}
	if got := res.Labels.At(1, 2, 3); got != 4 {
		t.Errorf("Expected label 4 at (1,2,3), got %d", got)
	}
	// Everything else must remain background
	if fg := res.Labels.Foreground(); fg != 2 {
		t.Errorf("Expected 2 foreground voxels, got %d", fg)
	}
}

func TestReconstructCascadeGatesFineHead(t *testing.T) {
	coords := []models.Coordinate{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 1, Z: 1}, {X: 2, Y: 2, Z: 2}}
	preds := []*models.Tensor{
		predictionRows([]int{1, 0, 1}, 2), // coarse tumour head
		predictionRows([]int{1, 2, 0}, 3), // core head
		predictionRows([]int{3, 4, 0}, 5), // full head
	}

	res, err := Reconstruct(preds, coords, shape, Params{Cascade: true})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}

	if got := res.Labels.At(0, 0, 0); got != 3 {
		t.Errorf("Expected fine label 3 where coarse is foreground, got %d", got)
	}
	if got := res.Labels.At(1, 1, 1); got != 0 {
		t.Errorf("Fine foreground under coarse background must be background, got %d", got)
	}
	if got := res.ROI.At(0, 0, 0); got != 1 {
		t.Errorf("Expected ROI 1 at origin, got %d", got)
	}
	if got := res.ROI.At(1, 1, 1); got != 0 {
		t.Errorf("Expected ROI 0 at (1,1,1), got %d", got)
	}
}

func TestReconstructGateStrategies(t *testing.T) {
	coords := []models.Coordinate{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 1, Z: 1}}
	preds := []*models.Tensor{
		predictionRows([]int{0, 1}, 2),
		predictionRows([]int{4, 4}, 5),
	}

	mask := models.NewLabelVolume(shape)
	tests := []struct {
		name string
		gate Gate
		want [2]uint8
	}{
		{"none", NoGate{}, [2]uint8{4, 4}},
		{"coarse", CoarseGate{}, [2]uint8{0, 4}},
		{"mask", MaskGate{Mask: mask}, [2]uint8{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Reconstruct(preds, coords, shape, Params{Cascade: true, Gate: tt.gate})
			if err != nil {
				t.Fatalf("Reconstruct failed: %v", err)
			}
			got := [2]uint8{res.Labels.At(0, 0, 0), res.Labels.At(1, 1, 1)}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBufferStreamsBatches(t *testing.T) {
	b := NewBuffer(shape, Params{})
	for z := 0; z < 4; z++ {
		var coords []models.Coordinate
		var classes []int
		for i := 0; i < 16; i++ {
			coords = append(coords, models.Coordinate{X: i % 4, Y: i / 4, Z: z})
			classes = append(classes, z)
		}
		if err := b.Write([]*models.Tensor{predictionRows(classes, 4)}, coords); err != nil {
			t.Fatalf("Write batch %d failed: %v", z, err)
		}
	}
	if b.Written() != 64 {
		t.Errorf("Expected 64 writes, got %d", b.Written())
	}

	res := b.Result()
	for z := 0; z < 4; z++ {
		if got := res.Labels.At(2, 2, z); int(got) != z {
			t.Errorf("Expected label %d on slice %d, got %d", z, z, got)
		}
	}

	if err := b.Write([]*models.Tensor{predictionRows([]int{1}, 4)}, []models.Coordinate{{}}); err == nil {
		t.Error("Expected write after Result to fail")
	}
}

func TestReconstructShapeErrors(t *testing.T) {
	var shapeErr *models.ShapeMismatchError

	_, err := Reconstruct([]*models.Tensor{predictionRows([]int{1}, 2)}, []models.Coordinate{{}, {}}, shape, Params{})
	if !errors.As(err, &shapeErr) {
		t.Errorf("Expected ShapeMismatchError for row count, got %v", err)
	}

	_, err = Reconstruct([]*models.Tensor{predictionRows([]int{1}, 2)}, []models.Coordinate{{X: 9}}, shape, Params{})
	if !errors.As(err, &shapeErr) {
		t.Errorf("Expected ShapeMismatchError for out of bounds coordinate, got %v", err)
	}

	if _, err := Reconstruct(nil, nil, shape, Params{}); err == nil {
		t.Error("Expected error without predictions")
	}
}

func TestGateByName(t *testing.T) {
	if g, err := GateByName("coarse", nil); err != nil || g != (CoarseGate{}) {
		t.Errorf("Expected CoarseGate, got %v %v", g, err)
	}
	if _, err := GateByName("mask", nil); err == nil {
		t.Error("Expected error for mask gate without a mask")
	}
	if _, err := GateByName("bogus", nil); err == nil {
		t.Error("Expected error for unknown gate")
	}
}
