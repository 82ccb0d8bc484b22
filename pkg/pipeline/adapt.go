package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tumorseg/internal/models"
	"tumorseg/pkg/domain"
	"tumorseg/pkg/interpolation"
	"tumorseg/pkg/model"
	"tumorseg/pkg/model/patchnet"
	"tumorseg/pkg/reconstruction"
	"tumorseg/pkg/volumeio"
)

// AdaptSweep segments every patient with the pre-trained primary model,
// adapts a fresh copy of that model to the patient's tumour region and
// segments again. A patient whose adaptation fails keeps its original
// segmentation and is recorded as a failure. An empty patients list means
// every patient of the dataset.
func (p *Pipeline) AdaptSweep(ctx context.Context, patients []string) (*Report, error) {
	if len(patients) == 0 {
		var err error
		if patients, err = p.Data.Patients(); err != nil {
			return nil, err
		}
	}
	cfg := p.Config.Adaptation
	if cfg.PrimaryModel == "" {
		return nil, fmt.Errorf("adaptation needs a primary model")
	}

	roiNet, err := p.regionNet()
	if err != nil {
		return nil, err
	}

	refs := p.References
	if refs == nil {
		refs = p.Data
	}
	candidates, err := refs.Patients()
	if err != nil {
		return nil, err
	}

	log := p.log()
	log.Info("Starting adaptation sweep",
		zap.Int("patients", len(patients)),
		zap.Int("references", len(candidates)),
		zap.Bool("roi_model", roiNet != nil))

	report := &Report{}
	for i, patient := range patients {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := p.adaptPatient(ctx, patient, roiNet, refs, candidates)
		if err != nil {
			report.fail(log, patient, err)
		}
		if res != nil {
			report.Results = append(report.Results, *res)
		}
		p.progress(i+1, len(patients), patient)
	}
	adapted := 0
	for _, r := range report.Results {
		if r.Adapted {
			adapted++
		}
	}
	log.Info("Adaptation sweep finished",
		zap.Int("adapted", adapted),
		zap.Int("failed", len(report.Failures)),
		zap.Any("original_dice", report.MeanOriginalDice()),
		zap.Any("domain_dice", report.MeanDice()))
	return report, nil
}

// adaptPatient returns a result whenever the original segmentation
// succeeded, together with the adaptation error if there was one
func (p *Pipeline) adaptPatient(ctx context.Context, patient string, roiNet *patchnet.Net, refs *volumeio.Dataset, candidates []string) (*PatientResult, error) {
	log := p.log().With(zap.String("patient", patient))

	primary, err := patchnet.Load(p.Config.Adaptation.PrimaryModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load primary model: %w", err)
	}
	original, err := p.Segment(ctx, primary, patient, TagOriginal)
	if err != nil {
		return nil, err
	}
	res := &PatientResult{Patient: patient}
	if res.Original, err = p.score(ctx, patient, original.Labels); err != nil {
		return nil, err
	}
	res.Scores = res.Original

	final, ref, err := p.adapted(ctx, patient, primary, original, roiNet, refs, without(candidates, patient))
	if err != nil {
		return res, &models.PatientError{Patient: patient, Err: fmt.Errorf("adaptation failed: %w", err)}
	}
	res.Adapted = true
	res.Reference = ref
	if res.Scores, err = p.score(ctx, patient, final.Labels); err != nil {
		return res, err
	}
	log.Info("Patient adapted",
		zap.String("reference", ref),
		zap.Any("original_dice", res.Original),
		zap.Any("domain_dice", res.Scores))
	return res, nil
}

// adapter configures an adaptation run of primary
func (p *Pipeline) adapter(primary *patchnet.Net) *domain.Adapter {
	return &domain.Adapter{
		Config: domain.Config{
			Epochs:     p.Config.Adaptation.Epochs,
			NetEpochs:  p.Config.Adaptation.NetEpochs,
			BatchSize:  p.Config.Patches.BatchSize,
			Downsample: p.Config.Adaptation.Downsample,
			PatchShape: p.patchShape(),
			Heads:      p.heads(),
			Seed:       p.Config.Sampling.Seed,
			ModelDir:   p.Config.Data.ModelDir,
		},
		NewDomain: func(channels int) (model.Model, error) {
			return patchnet.NewFeatureNet(patchnet.FeatureConfig{
				Channels:     channels,
				ConvBlocks:   primary.Config().ConvBlocks,
				LearningRate: p.Config.Training.LearningRate,
			})
		},
		LoadDomain: func(path string) (model.Model, error) {
			return patchnet.LoadFeatureNet(path)
		},
		Logger: p.log(),
	}
}

// adapted returns the domain segmentation of patient. A segmentation or a
// domain model left by a previous run is reused; otherwise primary is
// adapted from scratch.
func (p *Pipeline) adapted(ctx context.Context, patient string, primary *patchnet.Net, original *reconstruction.Result, roiNet *patchnet.Net, refs *volumeio.Dataset, candidates []string) (*reconstruction.Result, string, error) {
	if volumeio.Exists(p.SegmentationPath(patient, TagDomain)) && volumeio.Exists(p.ROIPath(patient, TagDomain)) {
		res, err := p.Segment(ctx, primary, patient, TagDomain)
		return res, "", err
	}

	adapter := p.adapter(primary)
	reused, err := adapter.Reuse(primary, patient)
	if err != nil {
		return nil, "", err
	}
	if reused {
		res, err := p.Segment(ctx, primary, patient, TagDomain)
		return res, "", err
	}

	target, err := p.tumourRegion(ctx, patient, original, roiNet)
	if err != nil {
		return nil, "", err
	}
	ref, err := p.reference(ctx, patient, target, refs, candidates)
	if err != nil {
		return nil, "", err
	}
	ep, err := domain.NewEpisode(patient, target, ref)
	if err != nil {
		return nil, "", err
	}
	if _, err := adapter.Adapt(ctx, primary, ep); err != nil {
		return nil, "", err
	}
	res, err := p.Segment(ctx, primary, patient, TagDomain)
	return res, ref.Name, err
}

// tumourRegion clips the patient's image to its estimated tumour. The
// region network's estimate is intersected with the original segmentation
// when they overlap. Without a region network the original model's coarse
// head stands in for it.
func (p *Pipeline) tumourRegion(ctx context.Context, patient string, original *reconstruction.Result, roiNet *patchnet.Net) (*models.Volume, error) {
	estimate := original.ROI
	if roiNet != nil {
		roi, err := p.Segment(ctx, roiNet, patient, TagROI)
		if err != nil {
			return nil, fmt.Errorf("region estimate: %w", err)
		}
		estimate = roi.Labels
	}

	mask, err := estimate.And(original.Labels)
	if err != nil {
		return nil, err
	}
	if mask.Foreground() == 0 {
		mask = estimate
	}

	image, err := p.Data.LoadImage(ctx, patient)
	if err != nil {
		return nil, err
	}
	target, box, err := interpolation.ClipToROI(image, mask)
	if err != nil {
		return nil, err
	}
	p.log().Debug("Tumour region clipped", zap.String("patient", patient), zap.Stringer("shape", box.Shape()))
	return target, nil
}

// reference returns the reference case of patient from the cache, or
// selects it among candidates and caches it
func (p *Pipeline) reference(ctx context.Context, patient string, target *models.Volume, refs *volumeio.Dataset, candidates []string) (*domain.Reference, error) {
	cache := &volumeio.Cache{Dir: p.Config.Data.CacheDir}
	if ref, ok, err := cachedReference(cache, patient); err != nil || ok {
		if ok {
			p.log().Debug("Using cached reference", zap.String("patient", patient))
		}
		return ref, err
	}

	var labelled []string
	for _, c := range candidates {
		if refs.HasLabels(c) {
			labelled = append(labelled, c)
		}
	}
	ref, err := domain.SelectReference(ctx, target, &domain.LoaderCandidates{Loader: refs, Patients: labelled}, p.log())
	if err != nil {
		return nil, err
	}
	if err := cache.SaveROI(patient, ref.ROI); err != nil {
		return nil, err
	}
	if err := cache.SaveMask(patient, ref.Labels); err != nil {
		return nil, err
	}
	if err := cache.SaveImage(patient, ref.Image); err != nil {
		return nil, err
	}
	if err := cache.SaveRate(patient, ref.Rates); err != nil {
		return nil, err
	}
	return ref, nil
}

// cachedReference rebuilds a reference from the cache. ok is false unless
// every artifact is present.
func cachedReference(cache *volumeio.Cache, patient string) (*domain.Reference, bool, error) {
	roi, ok, err := cache.ROI(patient)
	if !ok || err != nil {
		return nil, false, err
	}
	mask, ok, err := cache.Mask(patient)
	if !ok || err != nil {
		return nil, false, err
	}
	image, ok, err := cache.Image(patient)
	if !ok || err != nil {
		return nil, false, err
	}
	rate, ok, err := cache.Rate(patient)
	if !ok || err != nil {
		return nil, false, err
	}
	return &domain.Reference{
		Index:  -1,
		ROI:    roi,
		Rates:  interpolation.Rates(rate),
		Image:  image,
		Labels: mask,
	}, true, nil
}

func without(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, x := range list {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}
