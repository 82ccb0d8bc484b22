package folds

import (
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumorseg/internal/models"
)

func TestPartitionTestSetsCoverRoster(t *testing.T) {
	for _, tc := range []struct{ patients, folds int }{{10, 5}, {11, 5}, {7, 7}, {3, 1}, {285, 5}} {
		folds, err := Partition(tc.patients, tc.folds, 0.25, 42)
		require.NoError(t, err)
		require.Len(t, folds, tc.folds)

		var tested []int
		for _, f := range folds {
			tested = append(tested, f.Test...)
		}
		sort.Ints(tested)

		want := make([]int, tc.patients)
		for i := range want {
			want[i] = i
		}
		if diff := cmp.Diff(want, tested); diff != "" {
			t.Errorf("%d patients / %d folds: test union mismatch (-want +got):\n%s", tc.patients, tc.folds, diff)
		}
	}
}

func TestPartitionFoldsAreDisjoint(t *testing.T) {
	folds, err := Partition(23, 4, 0.25, 1)
	require.NoError(t, err)

	for _, f := range folds {
		seen := make(map[int]string)
		for name, set := range map[string][]int{"train": f.Train, "val": f.Validation, "test": f.Test} {
			for _, p := range set {
				prev, dup := seen[p]
				assert.False(t, dup, "fold %d: patient %d in %s and %s", f.Index, p, prev, name)
				seen[p] = name
			}
		}
		assert.Len(t, seen, 23, "fold %d must cover the roster", f.Index)
	}
}

func TestPartitionGroupSizes(t *testing.T) {
	folds, err := Partition(11, 5, 0.25, 3)
	require.NoError(t, err)

	sizes := make([]int, len(folds))
	for i, f := range folds {
		sizes[i] = len(f.Test)
	}
	assert.Equal(t, []int{3, 2, 2, 2, 2}, sizes)

	// 8 remaining patients, a quarter of them validate
	assert.Len(t, folds[0].Validation, 2)
	assert.Len(t, folds[0].Train, 6)
}

func TestPartitionDeterministic(t *testing.T) {
	a, err := Partition(20, 4, 0.2, 99)
	require.NoError(t, err)
	b, err := Partition(20, 4, 0.2, 99)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Partition(20, 4, 0.2, 100)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestPartitionInvalidFoldCount(t *testing.T) {
	for _, n := range []int{0, -1, 6} {
		_, err := Partition(5, n, 0.25, 0)
		var foldErr *models.InvalidFoldCountError
		require.True(t, errors.As(err, &foldErr), "n=%d", n)
		assert.Equal(t, n, foldErr.Folds)
		assert.Equal(t, 5, foldErr.Patients)
	}
}

func TestSelect(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	assert.Equal(t, []string{"d", "b"}, Select(names, []int{3, 1}))
}

func TestSplitHoldsOutValidation(t *testing.T) {
	train, val := Split(20, 0.25, 7)
	assert.Len(t, train, 15)
	assert.Len(t, val, 5)

	all := append(append([]int(nil), train...), val...)
	sort.Ints(all)
	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("split does not cover the roster (-want +got):\n%s", diff)
	}

	again, _ := Split(20, 0.25, 7)
	assert.Equal(t, train, again, "same seed, same split")

	train, val = Split(3, 0, 7)
	assert.Len(t, train, 3)
	assert.Empty(t, val)
}
