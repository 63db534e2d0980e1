package param

import (
	"slices"
	"strings"

	"github.com/couchcryptid/point-verif/internal/domain"
)

// DefaultNumSD is the spread-check threshold used when a parameter does not
// set its own.
const DefaultNumSD = 6

// Definition describes a base parameter.
type Definition struct {
	Name        string
	Description string
	Units       string
	Bounds      domain.Bounds
	// NumSD overrides DefaultNumSD. A negative value disables the spread
	// check for the parameter.
	NumSD float64
	// Accumulable parameters may carry an accumulation window, e.g. "Pcp6h".
	Accumulable bool
}

// numSD returns the effective spread-check threshold.
func (d Definition) numSD() float64 {
	switch {
	case d.NumSD < 0:
		return 0
	case d.NumSD == 0:
		return DefaultNumSD
	default:
		return d.NumSD
	}
}

var catalog = []Definition{
	{Name: "T2m", Description: "2m temperature", Units: "K", Bounds: bounds(223, 333)},
	{Name: "Td2m", Description: "2m dew point temperature", Units: "K", Bounds: bounds(200, 320)},
	{Name: "RH2m", Description: "2m relative humidity", Units: "%", Bounds: bounds(0, 100)},
	{Name: "Q2m", Description: "2m specific humidity", Units: "kg/kg", Bounds: bounds(0, 0.05)},
	{Name: "S10m", Description: "10m wind speed", Units: "m/s", Bounds: bounds(0, 100)},
	{Name: "D10m", Description: "10m wind direction", Units: "degrees", Bounds: bounds(0, 360), NumSD: -1},
	{Name: "Gmax", Description: "maximum wind gust", Units: "m/s", Bounds: bounds(0, 150)},
	{Name: "Pmsl", Description: "mean sea level pressure", Units: "hPa", Bounds: bounds(900, 1100)},
	{Name: "Pcp", Description: "precipitation", Units: "kg/m^2", Bounds: bounds(0, 500), Accumulable: true},
	{Name: "CCtot", Description: "total cloud cover", Units: "oktas", Bounds: bounds(0, 8)},
	{Name: "CClow", Description: "low cloud cover", Units: "oktas", Bounds: bounds(0, 8)},
	{Name: "vis", Description: "visibility", Units: "m", Bounds: bounds(0, 100000)},
}

func bounds(lo, hi float64) domain.Bounds {
	return domain.Bounds{Min: domain.Float(lo), Max: domain.Float(hi)}
}

// Known returns the base parameter definitions sorted by name.
func Known() []Definition {
	out := slices.Clone(catalog)
	slices.SortFunc(out, func(a, b Definition) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return out
}

// lookup finds a base parameter by case-insensitive name.
func lookup(name string) (Definition, bool) {
	for _, d := range catalog {
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return Definition{}, false
}
