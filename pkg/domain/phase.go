// Package domain adapts a trained patch classifier to the intensity
// statistics of a new scanner.
//
// For each novel patient the most similar training case is selected as a
// reference, then a domain model sharing the classifier's convolutional
// trunk is retrained so the novel tumour region produces the activations
// the reference region used to produce. The classifier stages of the
// original model are recalibrated on reference patches in between, and the
// adapted trunk is finally copied back into the original model.
package domain

import (
	"tumorseg/pkg/model"
)

// Phase is one step of the alternating retraining loop. Each phase decides
// which model is fitted and which of its layers are mutable.
type Phase int

const (
	// PhaseDomain fits the domain model's trunk to the reference activations
	PhaseDomain Phase = iota

	// PhaseClassifier fits the intermediate dense layers of the primary model
	PhaseClassifier

	// PhaseOutput fits the output heads of the primary model
	PhaseOutput
)

// Phases is the order in which the phases run inside one outer epoch
var Phases = []Phase{PhaseDomain, PhaseClassifier, PhaseOutput}

func (p Phase) String() string {
	switch p {
	case PhaseDomain:
		return "domain"
	case PhaseClassifier:
		return "classifier"
	case PhaseOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Trainable returns the layer selector passed to Fit during the phase
func (p Phase) Trainable() func(model.Layer) bool {
	switch p {
	case PhaseDomain:
		return model.OfKind(model.KindConv)
	case PhaseClassifier:
		return model.OfKind(model.KindDense)
	case PhaseOutput:
		return model.OfKind(model.KindOutput)
	default:
		return model.OfKind()
	}
}
