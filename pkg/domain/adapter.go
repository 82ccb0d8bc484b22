package domain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tumorseg/internal/models"
	"tumorseg/pkg/batch"
	"tumorseg/pkg/model"
	"tumorseg/pkg/patch"
)

// Config holds the adaptation parameters
type Config struct {
	// Epochs is the number of outer alternating epochs
	Epochs int

	// NetEpochs is the number of epochs of each classifier phase
	NetEpochs int
	BatchSize int

	// Downsample keeps every Downsample-th reference centre after shuffling
	Downsample int

	PatchShape models.Shape
	Heads      []batch.Head
	Seed       uint64

	// ModelDir receives the adapted domain model. Empty disables saving.
	ModelDir string
}

// ModelPath returns where the domain model of patient is saved. The name
// records the adaptation schedule, so a model trained with other settings
// is never picked up. Empty when ModelDir is.
func (c Config) ModelPath(patient string) string {
	if c.ModelDir == "" {
		return ""
	}
	name := fmt.Sprintf("domain-%s.e%d.E%d.D%d.gob", patient, c.Epochs, c.NetEpochs, c.Downsample)
	return filepath.Join(c.ModelDir, name)
}

// DomainFactory builds an untrained domain model for the given channel count
type DomainFactory func(channels int) (model.Model, error)

// DomainLoader reads a domain model saved by an earlier episode
type DomainLoader func(path string) (model.Model, error)

// Adapter runs adaptation episodes
type Adapter struct {
	Config    Config
	NewDomain DomainFactory

	// LoadDomain enables Reuse. Nil always adapts from scratch.
	LoadDomain DomainLoader

	Logger *zap.Logger
}

// PhaseLoss is the final training loss of one phase run
type PhaseLoss struct {
	Epoch int
	Phase Phase
	Loss  float64
}

// Result describes a finished episode
type Result struct {
	ID        uuid.UUID
	Domain    model.Model
	ModelPath string
	Samples   int
	History   []PhaseLoss
}

func (a *Adapter) log() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// Reuse copies the trunk of the domain model saved for patient into
// primary. ok is false when there is no saved model to reuse; primary is
// then left untouched.
func (a *Adapter) Reuse(primary model.Model, patient string) (ok bool, err error) {
	path := a.Config.ModelPath(patient)
	if path == "" || a.LoadDomain == nil {
		return false, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	domain, err := a.LoadDomain(path)
	if err != nil {
		return false, fmt.Errorf("load domain model: %w", err)
	}
	snapshot := model.TakeSnapshot(primary)
	if err := model.CopyConvWeights(primary, domain); err != nil {
		if rerr := snapshot.Restore(primary); rerr != nil {
			a.log().Error("Failed to restore primary model", zap.Error(rerr))
		}
		return false, fmt.Errorf("transfer saved weights: %w", err)
	}
	a.log().Info("Reusing domain model", zap.String("patient", patient), zap.String("model", path))
	return true, nil
}

// Adapt retrains the convolutional trunk of primary for the episode's
// patient and copies the adapted trunk into primary.
//
// If any step fails primary is restored to its weights from before the
// call, so a failed episode leaves no partial adaptation behind.
func (a *Adapter) Adapt(ctx context.Context, primary model.Model, ep *Episode) (res *Result, err error) {
	id := uuid.New()
	log := a.log().With(zap.String("patient", ep.Patient), zap.String("episode", id.String()))

	if ep.Target.Shape() != ep.Reference.Shape() || ep.Target.Channels != ep.Reference.Channels {
		return nil, &models.ShapeMismatchError{What: "episode reference roi", Want: ep.Target.Shape(), Got: ep.Reference.Shape()}
	}

	snapshot := model.TakeSnapshot(primary)
	defer func() {
		if err == nil {
			return
		}
		if rerr := snapshot.Restore(primary); rerr != nil {
			log.Error("Failed to restore primary model", zap.Error(rerr))
		}
		log.Warn("Adaptation aborted, primary model restored", zap.Error(err))
	}()

	x, y, err := a.referencePatches(ep)
	if err != nil {
		return nil, err
	}

	domain, err := a.NewDomain(ep.Target.Channels)
	if err != nil {
		return nil, fmt.Errorf("create domain model: %w", err)
	}
	if err := model.CopyConvWeights(domain, primary); err != nil {
		return nil, fmt.Errorf("seed domain model: %w", err)
	}

	// The domain model learns to map the novel region onto the activations
	// it produced for the reference region before any retraining
	target, err := domain.Predict(ctx, models.VolumeTensor(ep.Reference), 1)
	if err != nil {
		return nil, fmt.Errorf("reference activations: %w", err)
	}
	input := models.VolumeTensor(ep.Target)

	res = &Result{ID: id, Domain: domain, Samples: x.Len()}
	log.Info("Starting adaptation",
		zap.Int("samples", x.Len()),
		zap.Int("epochs", a.Config.Epochs),
		zap.Stringer("roi", ep.Target.Shape()))

	for epoch := 0; epoch < a.Config.Epochs; epoch++ {
		for _, phase := range Phases {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			trainable := phase.Trainable()

			var history model.History
			switch phase {
			case PhaseDomain:
				log.Debug("Fitting phase", zap.Int("epoch", epoch+1), zap.Stringer("phase", phase),
					zap.Int("layers", model.TrainableCount(domain, trainable)))
				history, err = domain.Fit(ctx, input, target, model.FitOptions{
					Epochs:    1,
					BatchSize: 1,
					Trainable: trainable,
				})
			default:
				log.Debug("Fitting phase", zap.Int("epoch", epoch+1), zap.Stringer("phase", phase),
					zap.Int("layers", model.TrainableCount(primary, trainable)))
				history, err = primary.Fit(ctx, x, y, model.FitOptions{
					Epochs:    a.Config.NetEpochs,
					BatchSize: a.Config.BatchSize,
					Trainable: trainable,
				})
			}
			if err != nil {
				return nil, fmt.Errorf("epoch %d %s phase: %w", epoch+1, phase, err)
			}
			if n := len(history.Loss); n > 0 {
				res.History = append(res.History, PhaseLoss{Epoch: epoch + 1, Phase: phase, Loss: history.Loss[n-1]})
			}
		}
	}

	if err := model.CopyConvWeights(primary, domain); err != nil {
		return nil, fmt.Errorf("transfer adapted weights: %w", err)
	}

	if res.ModelPath = a.Config.ModelPath(ep.Patient); res.ModelPath != "" {
		if err := domain.Save(res.ModelPath); err != nil {
			return nil, fmt.Errorf("save domain model: %w", err)
		}
	}
	log.Info("Adaptation finished", zap.String("model", res.ModelPath))
	return res, nil
}

// referencePatches draws the classifier training set from the resampled
// reference case: the centres are shuffled, thinned by Downsample and
// labelled with every head
func (a *Adapter) referencePatches(ep *Episode) (*models.Tensor, []*models.Tensor, error) {
	if ep.Image.Shape() != ep.Labels.Shape() {
		return nil, nil, &models.ShapeMismatchError{What: "reference labels", Want: ep.Image.Shape(), Got: ep.Labels.Shape()}
	}
	step := max(a.Config.Downsample, 1)
	rng := rand.New(rand.NewPCG(a.Config.Seed, uint64(len(ep.Centers))))
	order := rng.Perm(len(ep.Centers))

	var centers []models.Coordinate
	for i := 0; i < len(order); i += step {
		centers = append(centers, ep.Centers[order[i]])
	}
	if len(centers) == 0 {
		return nil, nil, &models.EmptyMaskError{Patient: ep.Patient}
	}

	shape := a.Config.PatchShape
	x := models.NewTensor(len(centers), ep.Image.Channels, shape.Depth, shape.Height, shape.Width)
	labels := make([]uint8, len(centers))
	for i, c := range centers {
		patch.ExtractInto(x.Row(i), ep.Image, c, shape)
		labels[i] = ep.Labels.At(c.X, c.Y, c.Z)
	}
	y, err := batch.EncodeLabels(a.Config.Heads, labels)
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}
