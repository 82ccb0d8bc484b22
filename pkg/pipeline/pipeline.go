// Package pipeline drives the end-to-end sweeps: cross-validated training
// and testing, and per-patient domain adaptation. It wires the sampler, the
// batch stream, the model, the reconstructor and the region cleaner
// together according to the configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"tumorseg/internal/models"
	"tumorseg/pkg/batch"
	"tumorseg/pkg/config"
	"tumorseg/pkg/metrics"
	"tumorseg/pkg/model/patchnet"
	"tumorseg/pkg/patch"
	"tumorseg/pkg/regions"
	"tumorseg/pkg/volumeio"
)

// ProgressFunc is called after every patient of a sweep
type ProgressFunc func(done, total int, patient string)

// Pipeline holds the shared dependencies of the sweeps
type Pipeline struct {
	Config *config.Config

	// Data holds the patients being trained on or tested
	Data *volumeio.Dataset

	// References holds the training cases used as adaptation references.
	// Defaults to Data.
	References *volumeio.Dataset

	Logger   *zap.Logger
	Progress ProgressFunc

	region *patchnet.Net
}

// New validates cfg and returns a pipeline over the dataset it describes
func New(cfg *config.Config, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		Config: cfg,
		Data: &volumeio.Dataset{
			Root:      cfg.Data.Root,
			Channels:  cfg.Data.Channels,
			Labels:    cfg.Data.Labels,
			Normalize: true,
			Logger:    logger,
		},
		Logger: logger,
	}
	if cfg.Data.ReferenceRoot != "" {
		p.References = &volumeio.Dataset{
			Root:      cfg.Data.ReferenceRoot,
			Channels:  cfg.Data.Channels,
			Labels:    cfg.Data.Labels,
			Normalize: true,
			Logger:    logger,
		}
	}
	return p, nil
}

func (p *Pipeline) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Pipeline) progress(done, total int, patient string) {
	if p.Progress != nil {
		p.Progress(done, total, patient)
	}
}

// NewModel builds an untrained classifier with the cascade heads
func (p *Pipeline) NewModel(channels int) (*patchnet.Net, error) {
	var heads []patchnet.Head
	for _, h := range p.heads() {
		heads = append(heads, patchnet.Head{Name: h.Name, Classes: h.Classes})
	}
	return patchnet.New(patchnet.Config{
		Channels:     channels,
		ConvBlocks:   p.Config.Training.ConvBlocks,
		Hidden:       p.Config.Training.DenseSize,
		Heads:        heads,
		LearningRate: p.Config.Training.LearningRate,
		Seed:         p.Config.Sampling.Seed,
	})
}

// regionNet returns the configured region network, loading it on first
// use. It is nil when no region model is configured.
func (p *Pipeline) regionNet() (*patchnet.Net, error) {
	path := p.Config.Adaptation.ROIModel
	if p.region != nil || path == "" {
		return p.region, nil
	}
	net, err := patchnet.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load region model: %w", err)
	}
	if n := countOutputs(net); n != 1 {
		return nil, fmt.Errorf("region model %s has %d outputs, want 1", path, n)
	}
	p.region = net
	return net, nil
}

func (p *Pipeline) heads() []batch.Head {
	return batch.CascadeHeads(p.Config.Training.Classes)
}

func (p *Pipeline) patchShape() models.Shape {
	return patch.Cube(p.Config.Patches.Width)
}

func (p *Pipeline) connectivity() regions.Connectivity {
	return regions.Connectivity(p.Config.Postprocess.Connectivity)
}

func (p *Pipeline) modelPath(name string) string {
	return filepath.Join(p.Config.Data.ModelDir, name)
}

// PatientResult is the outcome of one patient in a sweep
type PatientResult struct {
	Patient string
	Fold    int

	// Scores are the Dice scores of the final segmentation. Empty when the
	// patient has no ground truth.
	Scores []metrics.LabelScore

	// Original are the scores before adaptation (adaptation sweeps only)
	Original []metrics.LabelScore

	// Adapted is false when adaptation failed and the original
	// prediction was kept
	Adapted   bool
	Reference string
}

// Report collects the outcome of a sweep
type Report struct {
	Results  []PatientResult
	Failures []*models.PatientError
}

// fail records a per-patient failure and logs it
func (r *Report) fail(log *zap.Logger, patient string, err error) {
	log.Error("Patient failed", zap.String("patient", patient), zap.Error(err))
	var perr *models.PatientError
	if !errors.As(err, &perr) {
		perr = &models.PatientError{Patient: patient, Err: err}
	}
	r.Failures = append(r.Failures, perr)
}

// skipped records training patients that were left out. A patient already
// reported is not repeated.
func (r *Report) skipped(failures []*models.PatientError) {
	for _, f := range failures {
		if !slices.ContainsFunc(r.Failures, func(e *models.PatientError) bool { return e.Patient == f.Patient }) {
			r.Failures = append(r.Failures, f)
		}
	}
}

// MeanDice averages the final scores of the successful patients per label
func (r *Report) MeanDice() map[uint8]float64 {
	var all [][]metrics.LabelScore
	for _, res := range r.Results {
		if len(res.Scores) > 0 {
			all = append(all, res.Scores)
		}
	}
	return metrics.MeanDice(all)
}

// MeanOriginalDice averages the pre-adaptation scores per label
func (r *Report) MeanOriginalDice() map[uint8]float64 {
	var all [][]metrics.LabelScore
	for _, res := range r.Results {
		if len(res.Original) > 0 {
			all = append(all, res.Original)
		}
	}
	return metrics.MeanDice(all)
}

// score compares a prediction with the patient's ground truth, if any
func (p *Pipeline) score(ctx context.Context, patient string, pred *models.LabelVolume) ([]metrics.LabelScore, error) {
	if !p.Data.HasLabels(patient) {
		return nil, nil
	}
	gt, err := p.Data.LoadLabels(ctx, patient)
	if err != nil {
		return nil, err
	}
	return metrics.DiceAll(gt, pred)
}
