package models

import "fmt"

// EmptyMaskError reports that no voxel was eligible for sampling
type EmptyMaskError struct {
	Patient string
}

func (e *EmptyMaskError) Error() string {
	if e.Patient == "" {
		return "no sampleable voxels in mask"
	}
	return fmt.Sprintf("patient %s: no sampleable voxels in mask", e.Patient)
}

// VolumeLoadError reports a missing or corrupt input volume
type VolumeLoadError struct {
	Patient string
	Path    string
	Err     error
}

func (e *VolumeLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("patient %s: failed to load volume: %v", e.Patient, e.Err)
	}
	return fmt.Sprintf("patient %s: failed to load %s: %v", e.Patient, e.Path, e.Err)
}

func (e *VolumeLoadError) Unwrap() error { return e.Err }

// InvalidFoldCountError reports a fold count that cannot partition the roster
type InvalidFoldCountError struct {
	Folds    int
	Patients int
}

func (e *InvalidFoldCountError) Error() string {
	return fmt.Sprintf("invalid fold count %d for %d patients", e.Folds, e.Patients)
}

// ShapeMismatchError reports inconsistent patch, volume or label shapes.
// It always indicates a configuration bug.
type ShapeMismatchError struct {
	What string
	Want any
	Got  any
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s shape mismatch: want %v, got %v", e.What, e.Want, e.Got)
}

// PatientError attaches patient identity to a per-patient failure in a sweep
type PatientError struct {
	Patient string
	Err     error
}

func (e *PatientError) Error() string {
	return fmt.Sprintf("patient %s: %v", e.Patient, e.Err)
}

func (e *PatientError) Unwrap() error { return e.Err }
