package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/couchcryptid/point-verif/internal/domain"
)

// forecastTransformer builds the reader query for a chunk and applies the
// per-model transforms that follow the read: shifts (when they were not
// merged on read), lagging onto parent cycles and scaling.
type forecastTransformer struct {
	variants        *domain.Variants
	mergeLagsOnRead bool
	start, end      time.Time
	by              time.Duration
	param           domain.Parameter
}

// query returns the forecast query for the chunk's lead times.
func (t forecastTransformer) query(leads []int) ForecastQuery {
	v := t.variants
	q := ForecastQuery{
		Start:         t.start,
		End:           t.end,
		By:            t.by,
		Parameter:     t.param,
		LeadTimes:     slices.Clone(leads),
		Members:       v.Members,
		FileTemplates: v.FileTemplates,
	}
	if t.mergeLagsOnRead {
		q.Models = v.Models.Clone()
		q.Lags = v.Lags
		q.Aliases = v.Unshifted
	} else {
		q.Models = v.BaseModels()
		q.Lags = v.UnshiftedLags()
		q.Shifts = maps.Clone(v.Shifts)
	}
	q.ParentCycles = t.parentCycles(q.Models)
	return q
}

// parentCycles returns the parent cycles of every queried model whose table,
// or an unshifted copy of it, is lagged onto parent cycles.
func (t forecastTransformer) parentCycles(models domain.ModelSet) map[string][]int {
	v := t.variants
	if len(v.LagModels) == 0 {
		return nil
	}
	out := make(map[string][]int)
	for _, m := range models {
		lagged := v.LagModels[m]
		for sibling, parent := range v.Unshifted {
			if parent == m && v.LagModels[sibling] {
				lagged = true
			}
		}
		if lagged {
			out[m] = slices.Clone(v.ParentCycles)
		}
	}
	return out
}

// Transform turns the tables returned by the reader into one table per model
// in the working set, restricted to the chunk's cycles and lead times.
func (t forecastTransformer) Transform(set domain.ForecastSet, leads []int) (domain.ForecastSet, error) {
	v := t.variants
	out := make(domain.ForecastSet, len(v.Models))

	if t.mergeLagsOnRead {
		for _, m := range v.Models {
			if tbl, ok := set[m]; ok {
				out[m] = tbl
			}
		}
	} else {
		for _, m := range v.BaseModels() {
			tbl, ok := set[m]
			if !ok {
				continue
			}
			for sibling, parent := range v.Unshifted {
				if parent == m {
					out[sibling] = t.restrictUnlagged(sibling, tbl.Rename(sibling), leads)
				}
			}
			if h, shifted := v.Shifts[m]; shifted {
				tbl = domain.ShiftForecast(tbl, h)
			}
			out[m] = t.restrictUnlagged(m, tbl, leads)
		}
	}

	for _, m := range v.Models {
		tbl, ok := out[m]
		if !ok {
			return nil, fmt.Errorf("%w for %s", domain.ErrNoForecastData, m)
		}
		if v.LagModels[m] {
			tbl = t.restrict(domain.LagForecast(tbl, v.ParentCycles), leads)
		}
		tbl = tbl.DropEmptyMembers()
		if s, ok := v.Scales[m]; ok {
			tbl = domain.ScaleForecast(tbl, s)
		}
		tbl.Model = m
		out[m] = tbl
	}

	if out.AnyEmpty(v.Models) {
		return nil, fmt.Errorf("%w for lead times %v", domain.ErrNoForecastData, leads)
	}
	return out, nil
}

// restrictUnlagged restricts tbl unless the model is lagged onto parent
// cycles; lagged tables keep their non-parent cycles until LagForecast has
// merged them.
func (t forecastTransformer) restrictUnlagged(model string, tbl domain.ForecastTable, leads []int) domain.ForecastTable {
	if t.variants.LagModels[model] {
		return tbl
	}
	return t.restrict(tbl, leads)
}

func (t forecastTransformer) restrict(tbl domain.ForecastTable, leads []int) domain.ForecastTable {
	return domain.FilterCycles(tbl, t.start, t.end).FilterLeadTimes(leads)
}
