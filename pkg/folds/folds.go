// Package folds splits a patient roster for N-fold cross-validation.
package folds

import (
	"math"
	"math/rand/v2"

	"tumorseg/internal/models"
)

// Fold holds patient indices for one train/validation/test split
type Fold struct {
	Index      int
	Train      []int
	Validation []int
	Test       []int
}

// Partition shuffles the roster with seed, cuts it into n contiguous groups
// and uses group i as the test set of fold i. The remaining patients, in
// shuffled order, are split so that the last round(valFraction*len) of them
// form the validation set. Every patient is tested in exactly one fold.
func Partition(patients, n int, valFraction float64, seed uint64) ([]Fold, error) {
	if n < 1 || n > patients {
		return nil, &models.InvalidFoldCountError{Folds: n, Patients: patients}
	}

	order := shuffled(patients, seed)

	// Group sizes differ by at most one; the first patients%n groups are larger
	bounds := make([]int, n+1)
	base, extra := patients/n, patients%n
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		bounds[i+1] = bounds[i] + size
	}

	folds := make([]Fold, n)
	for i := 0; i < n; i++ {
		test := append([]int(nil), order[bounds[i]:bounds[i+1]]...)
		rest := make([]int, 0, patients-len(test))
		rest = append(rest, order[:bounds[i]]...)
		rest = append(rest, order[bounds[i+1]:]...)

		train, val := holdOut(rest, valFraction)
		folds[i] = Fold{
			Index:      i,
			Train:      train,
			Validation: val,
			Test:       test,
		}
	}
	return folds, nil
}

// Split shuffles the roster with seed, like Partition, and holds out the
// last round(valFraction*patients) of them for validation
func Split(patients int, valFraction float64, seed uint64) (train, val []int) {
	return holdOut(shuffled(patients, seed), valFraction)
}

func shuffled(patients int, seed uint64) []int {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return rng.Perm(patients)
}

func holdOut(order []int, valFraction float64) (train, val []int) {
	nVal := int(math.Round(valFraction * float64(len(order))))
	nVal = min(max(nVal, 0), len(order))
	return order[:len(order)-nVal], order[len(order)-nVal:]
}

// Select returns items at the given indices
func Select[T any](items []T, indices []int) []T {
	out := make([]T, len(indices))
	for i, idx := range indices {
		out[i] = items[idx]
	}
	return out
}
