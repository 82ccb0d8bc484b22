// Package volumeio reads and writes volumes on disk and exposes a patient
// directory tree as a dataset.
//
// Volumes are stored as gzip compressed gob streams. A dataset root holds
// one directory per patient; each directory contains one file per channel
// and optionally a label file, all named after the patient plus a suffix:
//
//	root/
//	  patient001/
//	    patient001_flair.vol.gz
//	    patient001_t1.vol.gz
//	    patient001_seg.vol.gz
package volumeio

import (
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"tumorseg/internal/models"
)

// Extension is appended to every artifact written by this package
const Extension = ".vol.gz"

// writeGob encodes v next to path and renames it into place, so an
// interrupted write never leaves a truncated file under the final name
func writeGob(path string, v any) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	zw := gzip.NewWriter(f)
	if err := gob.NewEncoder(zw).Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer zr.Close()
	if err := gob.NewDecoder(zr).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// SaveVolume writes v to path
func SaveVolume(path string, v *models.Volume) error {
	return writeGob(path, v)
}

// LoadVolume reads a volume written by SaveVolume
func LoadVolume(path string) (*models.Volume, error) {
	var v models.Volume
	if err := readGob(path, &v); err != nil {
		return nil, err
	}
	if len(v.Data) != v.Channels*v.Shape().Voxels() {
		return nil, &models.ShapeMismatchError{What: "volume data " + path, Want: v.Channels * v.Shape().Voxels(), Got: len(v.Data)}
	}
	return &v, nil
}

// SaveLabels writes l to path
func SaveLabels(path string, l *models.LabelVolume) error {
	return writeGob(path, l)
}

// LoadLabels reads a label volume written by SaveLabels
func LoadLabels(path string) (*models.LabelVolume, error) {
	var l models.LabelVolume
	if err := readGob(path, &l); err != nil {
		return nil, err
	}
	if len(l.Data) != l.Shape().Voxels() {
		return nil, &models.ShapeMismatchError{What: "label data " + path, Want: l.Shape().Voxels(), Got: len(l.Data)}
	}
	return &l, nil
}

// Exists reports whether path names an existing file
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// isNotExist reports whether err means the file is missing
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
