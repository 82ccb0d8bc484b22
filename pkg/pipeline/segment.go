package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"go.uber.org/zap"

	"tumorseg/internal/models"
	"tumorseg/pkg/batch"
	"tumorseg/pkg/model"
	"tumorseg/pkg/reconstruction"
	"tumorseg/pkg/regions"
	"tumorseg/pkg/sampling"
	"tumorseg/pkg/visualization"
	"tumorseg/pkg/volumeio"
)

// residentLoader serves one already loaded image to a test stream
type residentLoader struct {
	patient string
	image   *models.Volume
}

func (r *residentLoader) LoadImage(_ context.Context, patient string) (*models.Volume, error) {
	if patient != r.patient {
		return nil, fmt.Errorf("patient %s is not resident", patient)
	}
	return r.image, nil
}

func (r *residentLoader) LoadLabels(context.Context, string) (*models.LabelVolume, error) {
	return nil, fmt.Errorf("labels are not available while testing")
}

// SegmentationPath returns where Segment writes the labels of patient for tag
func (p *Pipeline) SegmentationPath(patient, tag string) string {
	return p.Data.Path(patient, "_"+tag+"_seg"+volumeio.Extension)
}

// ROIPath returns where Segment writes the raw region estimate of patient
func (p *Pipeline) ROIPath(patient, tag string) string {
	return p.Data.Path(patient, "_"+tag+"_roi"+volumeio.Extension)
}

// Segment predicts every brain voxel of patient with m and writes the
// cleaned label map and the raw region estimate next to the patient's
// images. When both files already exist they are loaded instead.
//
// A single-head model is treated as a region network: its map is reduced
// to the largest foreground component. Otherwise every label keeps only its
// largest component.
func (p *Pipeline) Segment(ctx context.Context, m model.Model, patient, tag string) (*reconstruction.Result, error) {
	log := p.log().With(zap.String("patient", patient), zap.String("tag", tag))
	segPath, roiPath := p.SegmentationPath(patient, tag), p.ROIPath(patient, tag)

	if volumeio.Exists(segPath) && volumeio.Exists(roiPath) {
		labels, err := volumeio.LoadLabels(segPath)
		if err != nil {
			return nil, err
		}
		roi, err := volumeio.LoadLabels(roiPath)
		if err != nil {
			return nil, err
		}
		log.Debug("Reusing existing segmentation", zap.String("path", segPath))
		return &reconstruction.Result{Labels: labels, ROI: roi}, nil
	}

	gate, err := p.gate(ctx, m, patient)
	if err != nil {
		return nil, err
	}
	image, err := p.Data.LoadImage(ctx, patient)
	if err != nil {
		return nil, err
	}
	res, err := p.predict(ctx, m, patient, image, gate)
	if err != nil {
		return nil, err
	}

	conn := p.connectivity()
	if ce := log.Check(zap.DebugLevel, "Components before cleaning"); ce != nil {
		components := map[uint8]int{}
		for _, label := range res.Labels.Labels() {
			if label != 0 {
				components[label] = regions.Components(res.Labels, label, conn)
			}
		}
		ce.Write(zap.Any("components", components))
	}
	if countOutputs(m) == 1 {
		res.Labels = regions.CleanROI(res.Labels, conn)
	} else {
		res.Labels = regions.Clean(res.Labels, nil, conn)
	}

	if err := volumeio.SaveLabels(segPath, res.Labels); err != nil {
		return nil, fmt.Errorf("failed to save segmentation: %w", err)
	}
	if err := volumeio.SaveLabels(roiPath, res.ROI); err != nil {
		return nil, fmt.Errorf("failed to save region estimate: %w", err)
	}
	log.Info("Segmentation written",
		zap.String("path", segPath),
		zap.Int("foreground", res.Labels.Foreground()))

	if p.Config.Output.ExtractSlices {
		viewer, err := visualization.NewViewer(res.Labels).WithBackground(image, 0)
		if err != nil {
			return nil, err
		}
		dir := filepath.Join(filepath.Dir(segPath), "slices_"+tag)
		n, err := viewer.SaveSliceSequence("z", dir)
		if err != nil {
			return nil, fmt.Errorf("failed to export slices: %w", err)
		}
		log.Debug("Slices exported", zap.String("dir", dir), zap.Int("count", n))
	}
	return res, nil
}

// gate returns the reconstruction gate for m. The mask gate admits fine
// labels only where the region network also found tumour, so it needs the
// region network's segmentation of patient. A single-head model has no
// finer head to gate.
func (p *Pipeline) gate(ctx context.Context, m model.Model, patient string) (reconstruction.Gate, error) {
	if countOutputs(m) == 1 {
		return reconstruction.CoarseGate{}, nil
	}
	name := p.Config.Postprocess.Gate
	if name != "mask" {
		return reconstruction.GateByName(name, nil)
	}
	net, err := p.regionNet()
	if err != nil {
		return nil, err
	}
	if net == nil {
		return nil, fmt.Errorf("mask gate needs a region model")
	}
	region, err := p.Segment(ctx, net, patient, TagROI)
	if err != nil {
		return nil, fmt.Errorf("region estimate: %w", err)
	}
	return reconstruction.GateByName(name, region.Labels)
}

// predict classifies every voxel of the brain mask and reconstructs the
// volumes without cleaning
func (p *Pipeline) predict(ctx context.Context, m model.Model, patient string, image *models.Volume, gate reconstruction.Gate) (*reconstruction.Result, error) {
	centers := sampling.MaskVoxels(sampling.BrainMask(image, 0))
	if len(centers) == 0 {
		return nil, &models.EmptyMaskError{Patient: patient}
	}

	cfg := p.streamConfig(nil, false, 0)
	cfg.Preload = true
	stream, err := batch.New(&residentLoader{patient: patient, image: image}, []string{patient}, [][]models.Coordinate{centers}, cfg)
	if err != nil {
		return nil, err
	}

	buf := reconstruction.NewBuffer(image.Shape(), reconstruction.Params{Cascade: true, Gate: gate})
	pass := stream.Start(ctx)
	defer pass.Close()
	for {
		rec, err := pass.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		preds, err := m.Predict(ctx, rec.Patches, p.Config.Patches.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("prediction failed: %w", err)
		}
		if err := buf.Write(preds, rec.Coordinates); err != nil {
			return nil, err
		}
	}
	p.log().Debug("Voxels classified", zap.String("patient", patient), zap.Int("voxels", buf.Written()))
	return buf.Result(), nil
}

func countOutputs(m model.Model) int {
	return model.TrainableCount(m, model.OfKind(model.KindOutput))
}
