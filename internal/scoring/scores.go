package scoring

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/couchcryptid/point-verif/internal/domain"
)

// summaryScores scores the ensemble mean and spread of rows. Rows without
// member values carry no forecast and are not counted.
//
// Undefined scores (e.g. a spread-skill ratio with zero error) are left out of
// the map rather than stored as NaN.
func summaryScores(rows []domain.ForecastRow) map[string]float64 {
	errs := make([]float64, 0, len(rows))
	variances := make([]float64, 0, len(rows))
	crps := make([]float64, 0, len(rows))
	for _, r := range rows {
		vals := r.MemberValues()
		c, ok := ensembleCRPS(vals, r.Obs)
		if !ok {
			continue
		}
		errs = append(errs, stat.Mean(vals, nil)-r.Obs)
		variance := 0.0
		if len(vals) > 1 {
			variance = stat.Variance(vals, nil)
		}
		variances = append(variances, variance)
		crps = append(crps, c)
	}

	n := len(errs)
	scores := map[string]float64{"num_cases": float64(n)}
	if n == 0 {
		return scores
	}
	scores["mean_bias"] = stat.Mean(errs, nil)
	scores["rmse"] = math.Sqrt(floats.Dot(errs, errs) / float64(n))
	scores["spread"] = math.Sqrt(stat.Mean(variances, nil))
	scores["crps"] = stat.Mean(crps, nil)
	if n > 1 {
		scores["stde"] = stat.StdDev(errs, nil)
	}
	if scores["rmse"] > 0 {
		scores["spread_skill_ratio"] = scores["spread"] / scores["rmse"]
	}
	return scores
}

// ensembleCRPS is the continuous ranked probability score of an ensemble
// treated as an empirical distribution. It is undefined for an empty ensemble.
func ensembleCRPS(vals []float64, obs float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	m := float64(len(vals))
	var skill, spread float64
	for i, x := range vals {
		skill += math.Abs(x - obs)
		for _, y := range vals[i+1:] {
			spread += math.Abs(x - y)
		}
	}
	return skill/m - spread/(m*m), true
}

// thresholdScores computes probabilistic scores for the event obs >= threshold.
func thresholdScores(rows []domain.ForecastRow, threshold float64, ref reference) map[string]float64 {
	rows = withMembers(rows)
	n := len(rows)
	if n == 0 {
		return map[string]float64{"num_cases": 0}
	}
	prob := make([]float64, n)
	occurred := make([]float64, n)
	sqErr := make([]float64, n)
	for i, r := range rows {
		vals := r.MemberValues()
		hits := 0
		for _, v := range vals {
			if v >= threshold {
				hits++
			}
		}
		prob[i] = float64(hits) / float64(len(vals))
		if r.Obs >= threshold {
			occurred[i] = 1
		}
		sqErr[i] = (prob[i] - occurred[i]) * (prob[i] - occurred[i])
	}

	scores := map[string]float64{
		"num_cases":   float64(n),
		"freq_obs":    stat.Mean(occurred, nil),
		"freq_fcst":   stat.Mean(prob, nil),
		"brier_score": stat.Mean(sqErr, nil),
	}
	if refBS, ok := ref.brierScore(rows, occurred, threshold, scores["freq_obs"]); ok && refBS > 0 {
		scores["brier_skill_score"] = 1 - scores["brier_score"]/refBS
	}
	return scores
}

func withMembers(rows []domain.ForecastRow) []domain.ForecastRow {
	return slices.DeleteFunc(slices.Clone(rows), func(r domain.ForecastRow) bool { return len(r.Members) == 0 })
}

// memberScores scores one member as a deterministic forecast. Rows without the
// member are ignored.
func memberScores(rows []domain.ForecastRow, member string) map[string]float64 {
	errs := make([]float64, 0, len(rows))
	for _, r := range rows {
		if v, ok := r.Members[member]; ok {
			errs = append(errs, v-r.Obs)
		}
	}
	n := len(errs)
	if n == 0 {
		return map[string]float64{"num_cases": 0}
	}
	abs := make([]float64, n)
	for i, e := range errs {
		abs[i] = math.Abs(e)
	}
	scores := map[string]float64{
		"num_cases": float64(n),
		"bias":      stat.Mean(errs, nil),
		"mae":       stat.Mean(abs, nil),
		"rmse":      math.Sqrt(floats.Dot(errs, errs) / float64(n)),
	}
	if n > 1 {
		scores["stde"] = stat.StdDev(errs, nil)
	}
	return scores
}
