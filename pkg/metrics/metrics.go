// Package metrics scores segmentations against ground truth and measures
// how similar two multi-channel volumes look.
package metrics

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tumorseg/internal/models"
)

// Dice returns the Dice similarity coefficient between the voxels of gt and
// pred carrying label. Two empty sets score 1.
func Dice(gt, pred *models.LabelVolume, label uint8) (float64, error) {
	if gt.Shape() != pred.Shape() {
		return 0, &models.ShapeMismatchError{What: "segmentation", Want: gt.Shape(), Got: pred.Shape()}
	}
	var inter, a, b int
	for i := range gt.Data {
		g := gt.Data[i] == label
		p := pred.Data[i] == label
		if g {
			a++
		}
		if p {
			b++
		}
		if g && p {
			inter++
		}
	}
	if a+b == 0 {
		return 1, nil
	}
	return 2 * float64(inter) / float64(a+b), nil
}

// LabelScore is the Dice score of one label
type LabelScore struct {
	Label uint8
	Dice  float64
}

// DiceAll scores every foreground label present in gt, in ascending order
func DiceAll(gt, pred *models.LabelVolume) ([]LabelScore, error) {
	var scores []LabelScore
	for _, l := range gt.Labels() {
		if l == 0 {
			continue
		}
		d, err := Dice(gt, pred, l)
		if err != nil {
			return nil, err
		}
		scores = append(scores, LabelScore{Label: l, Dice: d})
	}
	return scores, nil
}

// MeanDice averages per-patient scores label by label. Patients missing a
// label do not count towards that label's mean.
func MeanDice(results [][]LabelScore) map[uint8]float64 {
	byLabel := make(map[uint8][]float64)
	for _, scores := range results {
		for _, s := range scores {
			byLabel[s.Label] = append(byLabel[s.Label], s.Dice)
		}
	}
	out := make(map[uint8]float64, len(byLabel))
	for l, values := range byLabel {
		out[l] = stat.Mean(values, nil)
	}
	return out
}

// SSIM computes the Structural Similarity Index between two volumes of the
// same shape. The global index is computed per channel with the dynamic
// range of that channel and the channel scores are averaged.
func SSIM(a, b *models.Volume) (float64, error) {
	if a.Shape() != b.Shape() || a.Channels != b.Channels {
		return 0, &models.ShapeMismatchError{
			What: "ssim input",
			Want: fmt.Sprintf("%dx%v", a.Channels, a.Shape()),
			Got:  fmt.Sprintf("%dx%v", b.Channels, b.Shape()),
		}
	}
	if a.Channels == 0 {
		return 0, fmt.Errorf("ssim needs at least one channel")
	}
	scores := make([]float64, a.Channels)
	for c := 0; c < a.Channels; c++ {
		x, y := a.Channel(c), b.Channel(c)
		lo := min(floats.Min(x), floats.Min(y))
		hi := max(floats.Max(x), floats.Max(y))
		scores[c] = ssim(x, y, hi-lo)
	}
	return stat.Mean(scores, nil), nil
}

// ssim computes the global SSIM of two signals with dynamic range L
func ssim(x, y []float64, L float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	n := len(x)
	if n != len(y) || n == 0 {
		return 0
	}
	if L <= 0 {
		// Both signals are the same constant
		return 1
	}
	if n == 1 {
		return 1 - abs(x[0]-y[0])/L
	}

	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	muX := stat.Mean(x, nil)
	muY := stat.Mean(y, nil)
	sigmaX := stat.Variance(x, nil)
	sigmaY := stat.Variance(y, nil)
	sigmaXY := stat.Covariance(x, y, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
