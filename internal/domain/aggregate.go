package domain

import (
	"maps"
	"slices"
	"strconv"
)

// Accumulator folds chunk results in iteration order, dropping skipped
// iterations.
type Accumulator struct {
	results    []*ChunkResult
	iterations int
}

// Add appends r unless it is nil (a skipped iteration).
func (a *Accumulator) Add(r *ChunkResult) {
	a.iterations++
	if r != nil {
		a.results = append(a.results, r)
	}
}

// Len returns the number of non-empty results collected.
func (a *Accumulator) Len() int { return len(a.results) }

// Iterations returns how many results (including skipped ones) were added.
func (a *Accumulator) Iterations() int { return a.iterations }

// RunMeta carries run-level values attached at finalization.
type RunMeta struct {
	RunID string
}

// Finalize merges the collected results; see Aggregate.
func (a *Accumulator) Finalize(meta RunMeta) (*VerificationResult, error) {
	res, err := Aggregate(a.results, meta)
	if err != nil {
		return nil, err
	}
	res.Attributes.NumIterations = a.iterations
	return res, nil
}

// Aggregate concatenates non-nil chunk results table by table, keeping
// iteration order and row order. The result attributes are taken from the
// first non-nil result unchanged. Model names ending in "_unshifted" have the
// suffix stripped, and the sorted set of stations seen across all chunks is
// attached. It returns ErrNoData when every result is nil.
func Aggregate(results []*ChunkResult, meta RunMeta) (*VerificationResult, error) {
	var first *ChunkResult
	var names []string
	stations := make(map[string]struct{})
	iterations := 0

	for _, r := range results {
		iterations++
		if r == nil {
			continue
		}
		if first == nil {
			first = r
		}
		for _, name := range slices.Sorted(maps.Keys(r.Tables)) {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
		for _, s := range r.Stations {
			stations[s] = struct{}{}
		}
	}
	if first == nil {
		return nil, ErrNoData
	}

	out := &VerificationResult{Tables: make(map[string]ScoreTable, len(names))}
	for _, name := range names {
		table := ScoreTable{}
		for _, r := range results {
			if r == nil {
				continue
			}
			for _, row := range r.Tables[name] {
				table = append(table, normalizeRow(row))
			}
		}
		out.Tables[name] = table
	}

	stationList := slices.Sorted(maps.Keys(stations))
	out.Attributes = Attributes{
		ResultAttrs: ResultAttrs{
			Parameter: first.Attrs.Parameter,
			Units:     first.Attrs.Units,
			GroupVars: slices.Clone(first.Attrs.GroupVars),
		},
		Stations:      stationList,
		NumStations:   strconv.Itoa(len(stationList)),
		NumIterations: iterations,
		RunID:         meta.RunID,
		CreatedAt:     Now(),
	}
	return out, nil
}

// normalizeRow copies a row and strips the unshifted suffix from its model.
func normalizeRow(r ScoreRow) ScoreRow {
	r.Model = StripUnshifted(r.Model)
	r.Groups = maps.Clone(r.Groups)
	r.Scores = maps.Clone(r.Scores)
	if r.Threshold != nil {
		t := *r.Threshold
		r.Threshold = &t
	}
	return r
}
