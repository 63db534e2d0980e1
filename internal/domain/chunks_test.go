package domain

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionLeadTimes_IndexModulo(t *testing.T) {
	groups, err := PartitionLeadTimes([]int{0, 3, 6, 9}, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 6}, {3, 9}}, groups)
}

func TestPartitionLeadTimes_ClampsToLength(t *testing.T) {
	groups, err := PartitionLeadTimes([]int{0, 6, 12}, 10)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0}, {6}, {12}}, groups)
}

func TestPartitionLeadTimes_NonPositiveMeansOnePerIteration(t *testing.T) {
	groups, err := PartitionLeadTimes([]int{0, 6}, 0)
	require.NoError(t, err)
	assert.Len(t, groups, 2)
}

func TestPartitionLeadTimes_DisjointAndExhaustive(t *testing.T) {
	for l := 1; l <= 8; l++ {
		leads := make([]int, l)
		for i := range leads {
			leads[i] = i * 3
		}
		for n := 1; n <= 10; n++ {
			t.Run(fmt.Sprintf("L%d_N%d", l, n), func(t *testing.T) {
				groups, err := PartitionLeadTimes(leads, n)
				require.NoError(t, err)
				assert.Len(t, groups, min(n, l))

				var all []int
				for _, g := range groups {
					assert.NotEmpty(t, g)
					assert.True(t, slices.IsSorted(g), "in-group order must follow input order")
					all = append(all, g...)
				}
				assert.ElementsMatch(t, leads, all)
				assert.Len(t, all, l)
			})
		}
	}
}

func TestPartitionLeadTimes_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		leads []int
	}{
		{name: "empty", leads: nil},
		{name: "negative", leads: []int{0, -3}},
		{name: "duplicate", leads: []int{0, 6, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PartitionLeadTimes(tt.leads, 2)
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
		})
	}
}
