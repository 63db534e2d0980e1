package domain

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

// ScaleSpec converts values into different units, e.g. K to degC with
// {-273.15, "degC", false}.
type ScaleSpec struct {
	ScaleFactor    float64 `json:"scale_factor" yaml:"scale_factor"`
	NewUnits       string  `json:"new_units" yaml:"new_units"`
	Multiplicative bool    `json:"multiplicative" yaml:"multiplicative"`
}

var scaleSpecFields = []string{"multiplicative", "new_units", "scale_factor"}

// ParseScaleSpec builds a ScaleSpec from a loosely typed mapping (as decoded
// from YAML or JSON). The mapping must have exactly the three ScaleSpec fields.
func ParseScaleSpec(field string, raw map[string]any) (ScaleSpec, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if !slices.Equal(keys, scaleSpecFields) {
		return ScaleSpec{}, configErrorf(field, strings.Join(keys, ","),
			"scale spec must have exactly the fields %s", strings.Join(scaleSpecFields, ", "))
	}

	var spec ScaleSpec
	switch v := raw["scale_factor"].(type) {
	case float64:
		spec.ScaleFactor = v
	case int:
		spec.ScaleFactor = float64(v)
	default:
		return ScaleSpec{}, configErrorf(field, fmt.Sprintf("%v", v), "scale_factor must be a number")
	}
	units, ok := raw["new_units"].(string)
	if !ok {
		return ScaleSpec{}, configErrorf(field, fmt.Sprintf("%v", raw["new_units"]), "new_units must be a string")
	}
	spec.NewUnits = units
	mult, ok := raw["multiplicative"].(bool)
	if !ok {
		return ScaleSpec{}, configErrorf(field, fmt.Sprintf("%v", raw["multiplicative"]), "multiplicative must be a boolean")
	}
	spec.Multiplicative = mult

	return spec, spec.Validate(field)
}

// Validate checks the spec is usable.
func (s ScaleSpec) Validate(field string) error {
	if math.IsNaN(s.ScaleFactor) || math.IsInf(s.ScaleFactor, 0) {
		return configErrorf(field, fmt.Sprintf("%g", s.ScaleFactor), "scale_factor must be finite")
	}
	if strings.TrimSpace(s.NewUnits) == "" {
		return configErrorf(field, s.NewUnits, "new_units must not be empty")
	}
	return nil
}

// Apply scales a single value.
func (s ScaleSpec) Apply(v float64) float64 {
	if s.Multiplicative {
		return v * s.ScaleFactor
	}
	return v + s.ScaleFactor
}

// ScaleForecast returns a copy of t with every member value scaled and the
// units replaced.
func ScaleForecast(t ForecastTable, s ScaleSpec) ForecastTable {
	out := t.Clone()
	for i := range out.Rows {
		for k, v := range out.Rows[i].Members {
			out.Rows[i].Members[k] = s.Apply(v)
		}
	}
	out.Units = s.NewUnits
	return out
}

// ScaleObservations returns a copy of obs with the named column scaled.
func ScaleObservations(obs ObservationTable, column string, s ScaleSpec) ObservationTable {
	out := ObservationTable{Columns: slices.Clone(obs.Columns), Rows: make([]ObservationRow, len(obs.Rows))}
	for i, r := range obs.Rows {
		vals := make(map[string]float64, len(r.Values))
		for k, v := range r.Values {
			if k == column {
				v = s.Apply(v)
			}
			vals[k] = v
		}
		out.Rows[i] = ObservationRow{StationID: r.StationID, ValidTime: r.ValidTime, Values: vals}
	}
	return out
}
