package volumeio

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"tumorseg/internal/models"
)

// Dataset is a directory of patients. It implements batch.Loader.
type Dataset struct {
	// Root holds one directory per patient
	Root string

	// Channels are the file suffixes of the image channels, in stacking order
	Channels []string

	// Labels is the file suffix of the ground truth
	Labels string

	// Normalize applies a per-channel z-score over the non-zero voxels
	Normalize bool

	Logger *zap.Logger
}

func (d *Dataset) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Patients lists the patient directories under Root in lexical order
func (d *Dataset) Patients() ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients in %s: %w", d.Root, err)
	}
	var patients []string
	for _, e := range entries {
		if e.IsDir() {
			patients = append(patients, e.Name())
		}
	}
	return patients, nil
}

// Path returns the file of patient with the given suffix
func (d *Dataset) Path(patient, suffix string) string {
	return filepath.Join(d.Root, patient, patient+suffix)
}

// HasLabels reports whether the patient has a ground truth file
func (d *Dataset) HasLabels(patient string) bool {
	return d.Labels != "" && Exists(d.Path(patient, d.Labels))
}

// LoadImage stacks the channel files of patient into one volume
func (d *Dataset) LoadImage(ctx context.Context, patient string) (*models.Volume, error) {
	if len(d.Channels) == 0 {
		return nil, fmt.Errorf("dataset has no image channels configured")
	}
	channels := make([]*models.Volume, 0, len(d.Channels))
	for _, suffix := range d.Channels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := d.Path(patient, suffix)
		v, err := LoadVolume(path)
		if err != nil {
			return nil, &models.VolumeLoadError{Patient: patient, Path: path, Err: err}
		}
		channels = append(channels, v)
	}
	image, err := models.Stack(channels...)
	if err != nil {
		return nil, &models.VolumeLoadError{Patient: patient, Err: err}
	}
	if d.Normalize {
		Normalize(image)
	}
	d.log().Debug("Loaded image",
		zap.String("patient", patient),
		zap.Int("channels", image.Channels),
		zap.Stringer("shape", image.Shape()))
	return image, nil
}

// LoadLabels reads the ground truth of patient
func (d *Dataset) LoadLabels(ctx context.Context, patient string) (*models.LabelVolume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Labels == "" {
		return nil, &models.VolumeLoadError{Patient: patient, Err: fmt.Errorf("no label suffix configured")}
	}
	path := d.Path(patient, d.Labels)
	l, err := LoadLabels(path)
	if err != nil {
		return nil, &models.VolumeLoadError{Patient: patient, Path: path, Err: err}
	}
	return l, nil
}

// Normalize rescales every channel of v in place to zero mean and unit
// standard deviation over its non-zero voxels. Zero voxels are background
// and stay zero.
func Normalize(v *models.Volume) {
	for c := 0; c < v.Channels; c++ {
		data := v.Channel(c)
		var brain []float64
		for _, x := range data {
			if x != 0 {
				brain = append(brain, x)
			}
		}
		if len(brain) == 0 {
			continue
		}
		mean, std := stat.MeanStdDev(brain, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		for i, x := range data {
			if x != 0 {
				data[i] = (x - mean) / std
			}
		}
	}
}
