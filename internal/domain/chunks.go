package domain

import (
	"strconv"
)

// ValidateLeadTimes checks a lead-time set: non-empty, non-negative and free
// of duplicates.
func ValidateLeadTimes(leadTimes []int) error {
	if len(leadTimes) == 0 {
		return configErrorf("lead_times", "", "at least one lead time is required")
	}
	seen := make(map[int]struct{}, len(leadTimes))
	for _, lt := range leadTimes {
		if lt < 0 {
			return configErrorf("lead_times", strconv.Itoa(lt), "lead times must not be negative")
		}
		if _, dup := seen[lt]; dup {
			return configErrorf("lead_times", strconv.Itoa(lt), "duplicate lead time")
		}
		seen[lt] = struct{}{}
	}
	return nil
}

// PartitionLeadTimes splits leadTimes into numIterations groups by index
// modulo: group i holds the elements whose index mod numIterations equals i,
// in input order. numIterations is clamped to [1, len(leadTimes)]; a value
// below 1 means one lead time per iteration.
func PartitionLeadTimes(leadTimes []int, numIterations int) ([][]int, error) {
	if err := ValidateLeadTimes(leadTimes); err != nil {
		return nil, err
	}
	n := numIterations
	if n < 1 || n > len(leadTimes) {
		n = len(leadTimes)
	}

	groups := make([][]int, n)
	for i, lt := range leadTimes {
		groups[i%n] = append(groups[i%n], lt)
	}
	return groups, nil
}
