package batch

import (
	"fmt"

	"tumorseg/internal/models"
)

// Head describes one output branch of a multi-output model: how many
// classes it predicts and how a ground truth label maps onto them.
type Head struct {
	Name    string
	Classes int
	Encode  func(label uint8) int
}

// BinaryHead separates any tumour tissue from background
func BinaryHead() Head {
	return Head{
		Name:    "tumor",
		Classes: 2,
		Encode: func(label uint8) int {
			if label > 0 {
				return 1
			}
			return 0
		},
	}
}

// CoreHead merges every label above 1 into a single "core" class
func CoreHead() Head {
	return Head{
		Name:    "core",
		Classes: 3,
		Encode: func(label uint8) int {
			switch {
			case label > 1:
				return 2
			case label > 0:
				return 1
			default:
				return 0
			}
		},
	}
}

// FullHead keeps every label as its own class
func FullHead(classes int) Head {
	return Head{
		Name:    "enhancing",
		Classes: classes,
		Encode:  func(label uint8) int { return int(label) },
	}
}

// CascadeHeads returns the heads in increasing specificity: tumour
// presence, core, then the full label set
func CascadeHeads(classes int) []Head {
	return []Head{BinaryHead(), CoreHead(), FullHead(classes)}
}

// EncodeLabels one-hot encodes labels for every head
func EncodeLabels(heads []Head, labels []uint8) ([]*models.Tensor, error) {
	out := make([]*models.Tensor, len(heads))
	classes := make([]int, len(labels))
	for h, head := range heads {
		for i, label := range labels {
			class := head.Encode(label)
			if class < 0 || class >= head.Classes {
				return nil, fmt.Errorf("label %d out of range for head %s (%d classes)", label, head.Name, head.Classes)
			}
			classes[i] = class
		}
		out[h] = models.OneHot(classes, head.Classes)
	}
	return out, nil
}
