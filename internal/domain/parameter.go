package domain

import "fmt"

// Parameter describes a verification parameter as resolved from its name.
type Parameter struct {
	// FullName is the fully qualified name, e.g. "AccPcp6h".
	FullName string `json:"full_name"`
	// BaseName is the alias without accumulation, e.g. "Pcp".
	BaseName   string  `json:"base_name"`
	AccumHours int     `json:"accum_hours,omitempty"`
	Units      string  `json:"units"`
	Bounds     Bounds  `json:"bounds"`
	NumSD      float64 `json:"num_sd_allowed"`
}

// Accumulated reports whether the parameter is accumulated over a period.
func (p Parameter) Accumulated() bool { return p.AccumHours > 0 }

// CheckLeadTime reports ErrAccumulationTooLong when the accumulation period is
// longer than the lead time.
func (p Parameter) CheckLeadTime(leadTime int) error {
	if p.AccumHours > leadTime {
		return fmt.Errorf("%w: %s needs %dh, lead time is %dh", ErrAccumulationTooLong, p.FullName, p.AccumHours, leadTime)
	}
	return nil
}

// Bounds is an admissible value range; a nil end is unbounded.
type Bounds struct {
	Min *float64 `json:"min,omitempty" yaml:"min"`
	Max *float64 `json:"max,omitempty" yaml:"max"`
}

// Contains reports whether v lies inside the bounds.
func (b Bounds) Contains(v float64) bool {
	if b.Min != nil && v < *b.Min {
		return false
	}
	if b.Max != nil && v > *b.Max {
		return false
	}
	return true
}

// Override returns b with any end set in o replacing b's.
func (b Bounds) Override(o *Bounds) Bounds {
	if o == nil {
		return b
	}
	if o.Min != nil {
		b.Min = o.Min
	}
	if o.Max != nil {
		b.Max = o.Max
	}
	return b
}

// Float returns a pointer to v, for building Bounds literals.
func Float(v float64) *float64 { return &v }
