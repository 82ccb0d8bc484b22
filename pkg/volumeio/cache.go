package volumeio

import (
	"path/filepath"

	"tumorseg/internal/models"
)

// Cache keeps per-patient adaptation artifacts so an interrupted sweep can
// resume. A present artifact is returned as is; a missing one is reported
// with ok == false and the caller recomputes and stores it.
//
// The cache assumes a single writer per patient.
type Cache struct {
	Dir string
}

const (
	artifactROI   = "roi"
	artifactMask  = "mask"
	artifactImage = "image"
	artifactRate  = "rate"
)

func (c *Cache) path(patient, kind string) string {
	return filepath.Join(c.Dir, patient+"_"+kind+Extension)
}

// load decodes an artifact into v. A missing file is not an error.
func (c *Cache) load(patient, kind string, v any) (bool, error) {
	err := readGob(c.path(patient, kind), v)
	if isNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ROI returns the cached reference tumour region of patient, resampled
// onto the patient's own tumour region
func (c *Cache) ROI(patient string) (*models.Volume, bool, error) {
	var v models.Volume
	ok, err := c.load(patient, artifactROI, &v)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &v, true, nil
}

// SaveROI stores the resampled reference tumour region of patient
func (c *Cache) SaveROI(patient string, roi *models.Volume) error {
	return writeGob(c.path(patient, artifactROI), roi)
}

// Mask returns the cached reference tumour mask of patient
func (c *Cache) Mask(patient string) (*models.LabelVolume, bool, error) {
	var l models.LabelVolume
	ok, err := c.load(patient, artifactMask, &l)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &l, true, nil
}

// SaveMask stores the reference tumour mask of patient
func (c *Cache) SaveMask(patient string, mask *models.LabelVolume) error {
	return writeGob(c.path(patient, artifactMask), mask)
}

// Image returns the cached reference image of patient
func (c *Cache) Image(patient string) (*models.Volume, bool, error) {
	var v models.Volume
	ok, err := c.load(patient, artifactImage, &v)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &v, true, nil
}

// SaveImage stores the reference image of patient
func (c *Cache) SaveImage(patient string, image *models.Volume) error {
	return writeGob(c.path(patient, artifactImage), image)
}

// Rate returns the cached reference zoom rates of patient
func (c *Cache) Rate(patient string) ([3]float64, bool, error) {
	var r [3]float64
	ok, err := c.load(patient, artifactRate, &r)
	return r, ok, err
}

// SaveRate stores the reference zoom rates of patient
func (c *Cache) SaveRate(patient string, rate [3]float64) error {
	return writeGob(c.path(patient, artifactRate), rate)
}
