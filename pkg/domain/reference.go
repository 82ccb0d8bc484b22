package domain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tumorseg/internal/models"
	"tumorseg/pkg/batch"
	"tumorseg/pkg/interpolation"
	"tumorseg/pkg/metrics"
)

// Candidate is a training case that may serve as reference
type Candidate struct {
	Name   string
	Image  *models.Volume
	Labels *models.LabelVolume
}

// CandidateSource provides reference candidates in a fixed order.
// Candidates are fetched one at a time so only one is resident.
type CandidateSource interface {
	Len() int
	Candidate(ctx context.Context, i int) (*Candidate, error)
}

// LoaderCandidates reads candidates through a batch.Loader
type LoaderCandidates struct {
	Loader   batch.Loader
	Patients []string
}

func (s *LoaderCandidates) Len() int { return len(s.Patients) }

func (s *LoaderCandidates) Candidate(ctx context.Context, i int) (*Candidate, error) {
	name := s.Patients[i]
	image, err := s.Loader.LoadImage(ctx, name)
	if err != nil {
		return nil, err
	}
	labels, err := s.Loader.LoadLabels(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Candidate{Name: name, Image: image, Labels: labels}, nil
}

// Reference is the selected training case
type Reference struct {
	Index int
	Name  string

	// ROI is the candidate's tumour region resampled onto the target grid
	ROI *models.Volume

	// Rates resample the whole candidate image onto the target scale
	Rates interpolation.Rates

	Score float64

	// Image and Labels are the full, unresampled candidate volumes
	Image  *models.Volume
	Labels *models.LabelVolume
}

// SelectReference scores every candidate against target, the clipped
// tumour region of the novel patient, and returns the most similar one.
// Each candidate is clipped to its tumour bounding box and resampled to the
// target's dimensions before scoring with multi-channel SSIM. The first
// candidate wins ties. Candidates without tumour are skipped.
func SelectReference(ctx context.Context, target *models.Volume, candidates CandidateSource, logger *zap.Logger) (*Reference, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var best *Reference
	for i := 0; i < candidates.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand, err := candidates.Candidate(ctx, i)
		if err != nil {
			return nil, err
		}
		if cand.Image.Channels != target.Channels {
			return nil, &models.ShapeMismatchError{What: "reference channels " + cand.Name, Want: target.Channels, Got: cand.Image.Channels}
		}

		clipped, _, err := interpolation.ClipToROI(cand.Image, cand.Labels)
		var empty *models.EmptyMaskError
		if errors.As(err, &empty) {
			logger.Warn("Skipping reference without tumour", zap.String("candidate", cand.Name))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("clip candidate %s: %w", cand.Name, err)
		}

		rates := interpolation.RatesBetween(clipped.Shape(), target.Shape())
		roi, err := interpolation.Zoom(clipped, rates)
		if err != nil {
			return nil, fmt.Errorf("resample candidate %s: %w", cand.Name, err)
		}
		if roi.Shape() != target.Shape() {
			return nil, &models.ShapeMismatchError{What: "resampled reference " + cand.Name, Want: target.Shape(), Got: roi.Shape()}
		}

		score, err := metrics.SSIM(target, roi)
		if err != nil {
			return nil, err
		}
		logger.Debug("Scored reference candidate",
			zap.String("candidate", cand.Name),
			zap.Float64("ssim", score))

		if best == nil || score > best.Score {
			best = &Reference{
				Index:  i,
				Name:   cand.Name,
				ROI:    roi,
				Rates:  rates,
				Score:  score,
				Image:  cand.Image,
				Labels: cand.Labels,
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no reference candidate with a tumour among %d", candidates.Len())
	}
	logger.Info("Selected reference",
		zap.String("reference", best.Name),
		zap.Float64("ssim", best.Score))
	return best, nil
}
