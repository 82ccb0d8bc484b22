package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tumorseg/internal/models"
	"tumorseg/pkg/folds"
	"tumorseg/pkg/model/patchnet"
	"tumorseg/pkg/volumeio"
)

// Output tags of the segmentations written by the sweeps
const (
	TagCrossValidation = "cv"
	TagOriginal        = "original"
	TagDomain          = "domain"
	TagROI             = "roinet"
)

// CrossValidate trains one model per fold and segments the fold's test
// patients with it. A fold model that already exists in the model
// directory is loaded instead of retrained.
func (p *Pipeline) CrossValidate(ctx context.Context) (*Report, error) {
	patients, err := p.Data.Patients()
	if err != nil {
		return nil, err
	}
	cfg := p.Config.Training
	fs, err := folds.Partition(len(patients), cfg.Folds, cfg.ValFraction, p.Config.Sampling.Seed)
	if err != nil {
		return nil, err
	}

	log := p.log()
	log.Info("Starting cross-validation", zap.Int("patients", len(patients)), zap.Int("folds", len(fs)))

	report := &Report{}
	done := 0
	for _, fold := range fs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		flog := log.With(zap.Int("fold", fold.Index))

		net, skipped, err := p.foldModel(ctx, fold, patients)
		report.skipped(skipped)
		if err != nil {
			return report, fmt.Errorf("fold %d: %w", fold.Index, err)
		}

		for _, patient := range folds.Select(patients, fold.Test) {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			res, err := p.Segment(ctx, net, patient, TagCrossValidation)
			if err != nil {
				report.fail(flog, patient, err)
			} else if scores, err := p.score(ctx, patient, res.Labels); err != nil {
				report.fail(flog, patient, err)
			} else {
				report.Results = append(report.Results, PatientResult{Patient: patient, Fold: fold.Index, Scores: scores})
				flog.Info("Patient tested", zap.String("patient", patient), zap.Any("dice", scores))
			}
			done++
			p.progress(done, len(patients), patient)
		}
	}
	log.Info("Cross-validation finished",
		zap.Int("tested", len(report.Results)),
		zap.Int("failed", len(report.Failures)),
		zap.Any("mean_dice", report.MeanDice()))
	return report, nil
}

// foldModel loads the model of fold or trains and saves it. It also
// returns the training patients that had to be skipped.
func (p *Pipeline) foldModel(ctx context.Context, fold folds.Fold, patients []string) (*patchnet.Net, []*models.PatientError, error) {
	path := p.modelPath(fmt.Sprintf("fold%d.gob", fold.Index))
	log := p.log().With(zap.Int("fold", fold.Index))
	if volumeio.Exists(path) {
		log.Info("Loading trained fold model", zap.String("path", path))
		net, err := patchnet.Load(path)
		return net, nil, err
	}

	net, err := p.NewModel(len(p.Config.Data.Channels))
	if err != nil {
		return nil, nil, err
	}
	skipped, err := p.Train(ctx, net, folds.Select(patients, fold.Train), folds.Select(patients, fold.Validation))
	if err != nil {
		return nil, skipped, err
	}
	if len(skipped) > 0 {
		log.Warn("Training patients skipped", zap.Int("count", len(skipped)))
	}
	if err := net.Save(path); err != nil {
		return nil, skipped, err
	}
	log.Info("Fold model saved", zap.String("path", path))
	return net, skipped, nil
}
