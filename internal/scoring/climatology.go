package scoring

import (
	"fmt"

	"github.com/couchcryptid/point-verif/internal/domain"
)

// reference provides the reference forecast for skill scores.
type reference struct {
	clim domain.Climatology
	// member values of the reference model, by case.
	members map[domain.CaseKey]float64
}

func newReference(clim domain.Climatology, tables domain.ForecastSet) (reference, error) {
	ref := reference{clim: clim}
	if clim.Kind != domain.ClimatologyMember {
		return ref, nil
	}
	t, ok := tables[clim.Model]
	if !ok {
		return ref, fmt.Errorf("climatology model %s not in chunk", clim.Model)
	}
	ref.members = make(map[domain.CaseKey]float64, len(t.Rows))
	for _, r := range t.Rows {
		if v, ok := r.Members[clim.Member]; ok {
			ref.members[r.Key()] = v
		}
	}
	if len(ref.members) == 0 {
		return ref, fmt.Errorf("climatology member %s not found in model %s", clim.Member, clim.Model)
	}
	return ref, nil
}

// brierScore returns the Brier score of the reference forecast for rows. The
// second return is false when the reference cannot be evaluated for every row.
func (ref reference) brierScore(rows []domain.ForecastRow, occurred []float64, threshold, sampleFreq float64) (float64, bool) {
	var sum float64
	for i, r := range rows {
		var p float64
		switch ref.clim.Kind {
		case domain.ClimatologySample:
			p = sampleFreq
		case domain.ClimatologyMember:
			v, ok := ref.members[r.Key()]
			if !ok {
				return 0, false
			}
			if v >= threshold {
				p = 1
			}
		case domain.ClimatologyTable:
			var ok bool
			p, ok = ref.clim.Lookup(threshold, r.LeadTime)
			if !ok {
				return 0, false
			}
		}
		d := p - occurred[i]
		sum += d * d
	}
	return sum / float64(len(rows)), true
}
