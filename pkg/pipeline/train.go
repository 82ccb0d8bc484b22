package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"tumorseg/internal/models"
	"tumorseg/pkg/batch"
	"tumorseg/pkg/folds"
	"tumorseg/pkg/model"
	"tumorseg/pkg/model/patchnet"
	"tumorseg/pkg/sampling"
	"tumorseg/pkg/volumeio"
)

// sampleCenters draws the training coordinates of every patient inside its
// brain mask. Patients that cannot be loaded or have nothing to sample are
// returned as failures and left out.
func (p *Pipeline) sampleCenters(ctx context.Context, patients []string, seed uint64) ([]string, [][]models.Coordinate, []*models.PatientError) {
	rng := rand.New(rand.NewPCG(seed, uint64(len(patients))))
	var kept []string
	var centers [][]models.Coordinate
	var failures []*models.PatientError
	for _, patient := range patients {
		coords, err := p.sampleOne(ctx, patient, rng)
		if err != nil {
			p.log().Warn("Skipping training patient", zap.String("patient", patient), zap.Error(err))
			failures = append(failures, &models.PatientError{Patient: patient, Err: err})
			continue
		}
		kept = append(kept, patient)
		centers = append(centers, coords)
	}
	return kept, centers, failures
}

func (p *Pipeline) sampleOne(ctx context.Context, patient string, rng *rand.Rand) ([]models.Coordinate, error) {
	image, err := p.Data.LoadImage(ctx, patient)
	if err != nil {
		return nil, err
	}
	labels, err := p.Data.LoadLabels(ctx, patient)
	if err != nil {
		return nil, err
	}
	if labels.Shape() != image.Shape() {
		return nil, &models.ShapeMismatchError{What: "labels of patient " + patient, Want: image.Shape(), Got: labels.Shape()}
	}
	coords, err := sampling.Sample(labels, sampling.BrainMask(image, 0), sampling.Options{
		Balanced:   p.Config.Sampling.Balanced,
		Downsample: p.Config.Sampling.Downsample,
		Rand:       rng,
		Patient:    patient,
	})
	if err != nil {
		return nil, err
	}
	p.log().Debug("Sampled centres",
		zap.String("patient", patient),
		zap.Int("centres", len(coords)),
		zap.Any("classes", sampling.Counts(labels, coords)))
	return coords, nil
}

// streamConfig returns the batch stream settings shared by training and
// testing. Test streams pass no heads.
func (p *Pipeline) streamConfig(heads []batch.Head, shuffle bool, seed uint64) batch.Config {
	return batch.Config{
		BatchSize:  p.Config.Patches.BatchSize,
		PatchShape: p.patchShape(),
		Heads:      heads,
		Preload:    p.Config.Patches.Preload,
		Prefetch:   p.Config.Patches.Queue,
		Shuffle:    shuffle,
		Seed:       seed,
		Workers:    p.Config.Patches.NumCores,
		Logger:     p.log(),
	}
}

func (p *Pipeline) stream(patients []string, centers [][]models.Coordinate, shuffle bool, seed uint64) (*batch.Stream, error) {
	return batch.New(p.Data, patients, centers, p.streamConfig(p.heads(), shuffle, seed))
}

// Train fits m on the sampled patches of train for the configured number
// of epochs, evaluating on val after each epoch. With a patience set,
// training stops once the validation loss of the coarse head has not
// improved for that many epochs and m is left with the weights of its best
// epoch. It returns the patients that had to be skipped.
func (p *Pipeline) Train(ctx context.Context, m model.Model, train, val []string) ([]*models.PatientError, error) {
	seed := p.Config.Sampling.Seed
	kept, centers, failures := p.sampleCenters(ctx, train, seed)
	if len(kept) == 0 {
		return failures, fmt.Errorf("no usable training patients among %d", len(train))
	}
	trainStream, err := p.stream(kept, centers, true, seed)
	if err != nil {
		return failures, err
	}

	var valStream *batch.Stream
	if len(val) > 0 {
		valKept, valCenters, valFailures := p.sampleCenters(ctx, val, seed+1)
		failures = append(failures, valFailures...)
		if len(valKept) > 0 {
			valStream, err = p.stream(valKept, valCenters, false, seed)
			if err != nil {
				return failures, err
			}
		}
	}

	log := p.log()
	log.Info("Training",
		zap.Int("patients", len(kept)),
		zap.Int("samples", trainStream.Samples()),
		zap.Int("steps", trainStream.Steps()))

	patience := p.Config.Training.Patience
	bestLoss, stale := math.Inf(1), 0
	var best model.Snapshot
	for epoch := 0; epoch < p.Config.Training.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		loss, err := p.fitEpoch(ctx, m, trainStream)
		if err != nil {
			return failures, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		fields := []zap.Field{zap.Int("epoch", epoch+1), zap.Float64("loss", loss)}
		if valStream == nil {
			log.Info("Epoch finished", fields...)
			continue
		}

		val, err := p.evaluate(ctx, m, valStream)
		if err != nil {
			return failures, fmt.Errorf("epoch %d validation: %w", epoch+1, err)
		}
		log.Info("Epoch finished", append(fields,
			zap.Float64("val_loss", val.Loss),
			zap.Float64("val_accuracy", val.Accuracy))...)
		if patience == 0 {
			continue
		}
		if val.Loss < bestLoss {
			bestLoss, stale = val.Loss, 0
			best = model.TakeSnapshot(m)
			continue
		}
		if stale++; stale >= patience {
			log.Info("Early stopping", zap.Int("epoch", epoch+1), zap.Float64("best_val_loss", bestLoss))
			break
		}
	}
	if best != nil {
		if err := best.Restore(m); err != nil {
			return failures, err
		}
	}
	return failures, nil
}

// fitEpoch runs one pass over the stream, fitting each batch once
func (p *Pipeline) fitEpoch(ctx context.Context, m model.Model, s *batch.Stream) (float64, error) {
	pass := s.Start(ctx)
	defer pass.Close()

	total, n := 0.0, 0
	for {
		rec, err := pass.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		history, err := m.Fit(ctx, rec.Patches, rec.Labels, model.FitOptions{
			Epochs:    1,
			BatchSize: p.Config.Patches.BatchSize,
		})
		if err != nil {
			return 0, err
		}
		if len(history.Loss) > 0 {
			total += history.Loss[0] * float64(rec.Len())
			n += rec.Len()
		}
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}

// evaluation summarises a model on a labelled stream
type evaluation struct {
	// Loss is the mean cross-entropy of the coarse head
	Loss float64

	// Accuracy is the fraction of patches whose most specific head
	// predicts the true class
	Accuracy float64
}

func (p *Pipeline) evaluate(ctx context.Context, m model.Model, s *batch.Stream) (evaluation, error) {
	pass := s.Start(ctx)
	defer pass.Close()

	var ev evaluation
	correct, n := 0, 0
	for {
		rec, err := pass.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ev, err
		}
		preds, err := m.Predict(ctx, rec.Patches, p.Config.Patches.BatchSize)
		if err != nil {
			return ev, err
		}
		coarse, coarseTruth := preds[0], rec.Labels[0]
		pred, truth := preds[len(preds)-1], rec.Labels[len(rec.Labels)-1]
		for i := 0; i < rec.Len(); i++ {
			ev.Loss -= math.Log(max(coarse.Row(i)[coarseTruth.Argmax(i)], 1e-12))
			if pred.Argmax(i) == truth.Argmax(i) {
				correct++
			}
		}
		n += rec.Len()
	}
	if n == 0 {
		return ev, nil
	}
	ev.Loss /= float64(n)
	ev.Accuracy = float64(correct) / float64(n)
	return ev, nil
}

// TrainAll trains one model on the whole dataset, holding out the
// validation share, and saves it to out. Training runs in rounds of the
// configured epochs. Each round is checkpointed next to out and a rerun
// resumes after the last finished round.
func (p *Pipeline) TrainAll(ctx context.Context, out string) (*Report, error) {
	patients, err := p.Data.Patients()
	if err != nil {
		return nil, err
	}
	if len(patients) == 0 {
		return nil, fmt.Errorf("no patients in %s", p.Data.Root)
	}
	cfg := p.Config.Training
	trainIdx, valIdx := folds.Split(len(patients), cfg.ValFraction, p.Config.Sampling.Seed)
	train, val := folds.Select(patients, trainIdx), folds.Select(patients, valIdx)

	log := p.log().With(zap.String("model", out))
	log.Info("Starting training", zap.Int("train", len(train)), zap.Int("validation", len(val)), zap.Int("rounds", cfg.Rounds))

	report := &Report{}
	var net *patchnet.Net
	rounds := max(cfg.Rounds, 1)
	for round := 0; round < rounds; round++ {
		path := roundCheckpoint(out, round)
		if volumeio.Exists(path) {
			if net, err = patchnet.Load(path); err != nil {
				return report, err
			}
			log.Info("Resuming from checkpoint", zap.String("path", path))
			p.progress(round+1, rounds, filepath.Base(path))
			continue
		}
		if net == nil {
			if net, err = p.NewModel(len(p.Config.Data.Channels)); err != nil {
				return report, err
			}
		}
		skipped, err := p.Train(ctx, net, train, val)
		report.skipped(skipped)
		if err != nil {
			return report, fmt.Errorf("round %d: %w", round+1, err)
		}
		if err := net.Save(path); err != nil {
			return report, err
		}
		log.Info("Round finished", zap.Int("round", round+1), zap.String("checkpoint", path))
		p.progress(round+1, rounds, filepath.Base(path))
	}
	if err := net.Save(out); err != nil {
		return report, err
	}
	log.Info("Model saved", zap.Int("skipped", len(report.Failures)))
	return report, nil
}

// roundCheckpoint names the checkpoint of round next to out:
// models/primary.gob becomes models/primary.e0.gob
func roundCheckpoint(out string, round int) string {
	ext := filepath.Ext(out)
	return fmt.Sprintf("%s.e%d%s", strings.TrimSuffix(out, ext), round, ext)
}
