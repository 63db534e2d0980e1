package domain

import (
	"regexp"
	"slices"
	"strings"
)

// columnNameRe matches names usable as grouping columns.
var columnNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ColumnRefs lists extra columns that take part in the case key and may be
// used for grouping scores.
type ColumnRefs []string

// Cols builds a ColumnRefs from column names.
func Cols(names ...string) ColumnRefs { return ColumnRefs(slices.Clone(names)) }

// Validate rejects malformed column references: empty or non-identifier
// names and duplicates.
func (c ColumnRefs) Validate() error {
	seen := make(map[string]struct{}, len(c))
	for _, name := range c {
		if !columnNameRe.MatchString(name) {
			return configErrorf("extra_group_cols", name, "not a valid column reference")
		}
		if _, dup := seen[name]; dup {
			return configErrorf("extra_group_cols", name, "column listed twice")
		}
		seen[name] = struct{}{}
	}
	return nil
}

// ValidateGroupings checks that every grouping column is either built in or
// one of the extra columns.
func ValidateGroupings(groupings []string, extra ColumnRefs) error {
	if len(groupings) == 0 {
		return configErrorf("groupings", "", "at least one grouping column is required")
	}
	for _, g := range groupings {
		if IsBuiltinColumn(g) || slices.Contains(extra, g) {
			continue
		}
		return configErrorf("groupings", g,
			"unknown grouping column; use one of %s or add it to extra_group_cols", strings.Join(builtinColumns, ", "))
	}
	return nil
}

// DedupeCases drops repeated case keys from each table, keeping the first row.
func DedupeCases(set ForecastSet, models ModelSet, extra ColumnRefs) (ForecastSet, error) {
	out := make(ForecastSet, len(set))
	for _, m := range models {
		t := set[m]
		seen := make(map[CaseKey]struct{}, len(t.Rows))
		var missing string
		dd := t.filter(func(r ForecastRow) bool {
			k, ok := caseKeyOf(r, extra)
			if !ok {
				missing = m
				return false
			}
			if _, dup := seen[k]; dup {
				return false
			}
			seen[k] = struct{}{}
			return true
		})
		if missing != "" {
			return nil, configErrorf("extra_group_cols", strings.Join(extra, ","), "column missing from forecast rows of %s", missing)
		}
		dd.Model = m
		out[m] = dd
	}
	return out, nil
}

// CommonCases restricts every model's table to the case keys present in all
// of them. Extra columns become part of the key. It returns ErrNoCommonCases
// when any model ends up empty.
func CommonCases(set ForecastSet, models ModelSet, extra ColumnRefs) (ForecastSet, error) {
	if err := extra.Validate(); err != nil {
		return nil, err
	}
	deduped, err := DedupeCases(set, models, extra)
	if err != nil {
		return nil, err
	}

	var common map[CaseKey]struct{}
	for _, m := range models {
		keys := make(map[CaseKey]struct{}, len(deduped[m].Rows))
		for _, r := range deduped[m].Rows {
			k, _ := caseKeyOf(r, extra)
			if common == nil {
				keys[k] = struct{}{}
				continue
			}
			if _, ok := common[k]; ok {
				keys[k] = struct{}{}
			}
		}
		common = keys
		if len(common) == 0 {
			break
		}
	}

	out := make(ForecastSet, len(models))
	for _, m := range models {
		out[m] = deduped[m].filter(func(r ForecastRow) bool {
			k, _ := caseKeyOf(r, extra)
			_, ok := common[k]
			return ok
		})
	}
	if out.AnyEmpty(models) {
		return out, ErrNoCommonCases
	}
	return out, nil
}

// JoinObservations attaches the observed value of column to each forecast row
// with a matching station and validity time. Rows without an observation are
// dropped. It returns ErrNoObservations when any model ends up empty.
func JoinObservations(set ForecastSet, models ModelSet, obs ObservationTable, column string) (ForecastSet, error) {
	type obsKey struct {
		station string
		valid   int64
	}
	index := make(map[obsKey]float64, len(obs.Rows))
	for _, r := range obs.Rows {
		v, ok := r.Values[column]
		if !ok {
			continue
		}
		index[obsKey{r.StationID, r.ValidTime.Unix()}] = v
	}

	out := make(ForecastSet, len(models))
	for _, m := range models {
		joined := set[m].filter(func(r ForecastRow) bool {
			_, ok := index[obsKey{r.StationID, r.ValidTime.Unix()}]
			return ok
		})
		for i := range joined.Rows {
			r := &joined.Rows[i]
			r.Obs = index[obsKey{r.StationID, r.ValidTime.Unix()}]
			r.HasObs = true
		}
		out[m] = joined
	}
	if out.AnyEmpty(models) {
		return out, ErrNoObservations
	}
	return out, nil
}
