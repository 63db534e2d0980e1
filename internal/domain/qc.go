package domain

import (
	"math"

	"github.com/montanaflynn/stats"
)

// QCOptions configures observation quality control.
type QCOptions struct {
	// GrossErrorCheck rejects observations outside Bounds.
	GrossErrorCheck bool
	Bounds          Bounds
	// CheckObsAgainstFcst rejects observations further than NumSDAllowed
	// ensemble standard deviations from the ensemble mean.
	CheckObsAgainstFcst bool
	NumSDAllowed        float64
}

// QCReport lists the cases removed by each check.
type QCReport struct {
	GrossRejected  []CaseKey
	SpreadRejected []CaseKey
}

// Rejected returns the total number of rejected cases.
func (r QCReport) Rejected() int { return len(r.GrossRejected) + len(r.SpreadRejected) }

// ResolveObsColumn finds the observation column for p, falling back from the
// fully qualified name to the base name.
func ResolveObsColumn(obs ObservationTable, p Parameter) (string, error) {
	switch {
	case obs.HasColumn(p.FullName):
		return p.FullName, nil
	case p.BaseName != "" && obs.HasColumn(p.BaseName):
		return p.BaseName, nil
	default:
		return "", configErrorf("parameter", p.FullName, "don't know what to do with parameter; no matching observation column in %v", obs.Columns)
	}
}

// QualityControl removes rejected cases from every model so the models stay
// aligned. Values are never modified. It returns ErrEmptyAfterQC when any
// model ends up empty.
func QualityControl(set ForecastSet, models ModelSet, opts QCOptions) (ForecastSet, QCReport, error) {
	var report QCReport
	rejected := make(map[CaseKey]struct{})

	if opts.GrossErrorCheck {
		for _, m := range models {
			for _, r := range set[m].Rows {
				k, _ := caseKeyOf(r, nil)
				if _, done := rejected[k]; done {
					continue
				}
				if !opts.Bounds.Contains(r.Obs) {
					rejected[k] = struct{}{}
					report.GrossRejected = append(report.GrossRejected, k)
				}
			}
		}
	}

	if opts.CheckObsAgainstFcst && opts.NumSDAllowed > 0 {
		type pooled struct {
			obs    float64
			values stats.Float64Data
		}
		cases := make(map[CaseKey]*pooled)
		var order []CaseKey
		for _, m := range models {
			for _, r := range set[m].Rows {
				k, _ := caseKeyOf(r, nil)
				p, ok := cases[k]
				if !ok {
					p = &pooled{obs: r.Obs}
					cases[k] = p
					order = append(order, k)
				}
				p.values = append(p.values, r.MemberValues()...)
			}
		}
		for _, k := range order {
			if _, done := rejected[k]; done {
				continue
			}
			if outsideSpread(cases[k].obs, cases[k].values, opts.NumSDAllowed) {
				rejected[k] = struct{}{}
				report.SpreadRejected = append(report.SpreadRejected, k)
			}
		}
	}

	out := make(ForecastSet, len(models))
	for _, m := range models {
		out[m] = set[m].filter(func(r ForecastRow) bool {
			k, _ := caseKeyOf(r, nil)
			_, bad := rejected[k]
			return !bad
		})
	}
	if out.AnyEmpty(models) {
		return out, report, ErrEmptyAfterQC
	}
	return out, report, nil
}

// outsideSpread reports whether obs deviates from the ensemble mean by more
// than numSD sample standard deviations. Ensembles with fewer than two values
// or no spread are never rejected.
func outsideSpread(obs float64, values stats.Float64Data, numSD float64) bool {
	if len(values) < 2 {
		return false
	}
	mean, err := stats.Mean(values)
	if err != nil {
		return false
	}
	sd, err := stats.StandardDeviationSample(values)
	if err != nil || sd == 0 || math.IsNaN(sd) {
		return false
	}
	return math.Abs(obs-mean) > numSD*sd
}
