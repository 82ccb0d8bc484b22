package domain

import (
	"fmt"

	"tumorseg/internal/models"
	"tumorseg/pkg/interpolation"
)

// Episode is the data of one adaptation run
type Episode struct {
	Patient string

	// Target is the novel patient's image clipped to its tumour region
	Target *models.Volume

	// Reference is the reference tumour region on the target grid
	Reference *models.Volume

	// Image and Labels are the reference case resampled by the reference rates
	Image  *models.Volume
	Labels *models.LabelVolume

	// Centers are the candidate patch centres inside the resampled
	// reference tumour box
	Centers []models.Coordinate
}

// NewEpisode resamples the reference case and enumerates the patch centres
// covering its tumour bounding box on the resampled grid
func NewEpisode(patient string, target *models.Volume, ref *Reference) (*Episode, error) {
	if ref.ROI.Shape() != target.Shape() || ref.ROI.Channels != target.Channels {
		return nil, &models.ShapeMismatchError{What: "reference roi", Want: target.Shape(), Got: ref.ROI.Shape()}
	}
	box, ok := ref.Labels.BoundingBox()
	if !ok {
		return nil, &models.EmptyMaskError{Patient: ref.Name}
	}

	image, err := interpolation.Zoom(ref.Image, ref.Rates)
	if err != nil {
		return nil, fmt.Errorf("resample reference image: %w", err)
	}
	labels, err := interpolation.ZoomLabels(ref.Labels, ref.Rates)
	if err != nil {
		return nil, fmt.Errorf("resample reference labels: %w", err)
	}

	shape := labels.Shape()
	lo := scaleDown(box.Min, ref.Rates)
	hi := scaleDown(box.Max, ref.Rates)
	hi = models.Coordinate{X: min(hi.X, shape.Width), Y: min(hi.Y, shape.Height), Z: min(hi.Z, shape.Depth)}

	var centers []models.Coordinate
	for x := lo.X; x < hi.X; x++ {
		for y := lo.Y; y < hi.Y; y++ {
			for z := lo.Z; z < hi.Z; z++ {
				centers = append(centers, models.Coordinate{X: x, Y: y, Z: z})
			}
		}
	}
	if len(centers) == 0 {
		return nil, &models.EmptyMaskError{Patient: ref.Name}
	}

	return &Episode{
		Patient:   patient,
		Target:    target,
		Reference: ref.ROI,
		Image:     image,
		Labels:    labels,
		Centers:   centers,
	}, nil
}

// scaleDown maps a box corner onto the resampled grid, truncating
func scaleDown(c models.Coordinate, r interpolation.Rates) models.Coordinate {
	return models.Coordinate{
		X: int(float64(c.X) * r[0]),
		Y: int(float64(c.Y) * r[1]),
		Z: int(float64(c.Z) * r[2]),
	}
}
