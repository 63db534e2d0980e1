package domain

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

var lagUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// LagSpec lists the cycle offsets combined into one ensemble, expressed in a
// single unit. "0h,6h" adds the members of the cycle six hours earlier.
type LagSpec struct {
	Offsets []float64
	Unit    string
}

// ZeroLag is the default lag: no offset, expressed in seconds.
var ZeroLag = LagSpec{Offsets: []float64{0}, Unit: "s"}

// ParseLag parses a comma separated list of offsets such as "0s" or "0h,6h".
// Every offset must carry a unit; offsets in different units are converted to
// the unit of the first one.
func ParseLag(s string) (LagSpec, error) {
	parts := strings.Split(s, ",")
	spec := LagSpec{Offsets: make([]float64, 0, len(parts))}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) < 2 {
			return LagSpec{}, configErrorf("lag", s, "offset %q needs a value and a unit (s, m, h, d)", p)
		}
		unit := p[len(p)-1:]
		dur, ok := lagUnits[unit]
		if !ok {
			return LagSpec{}, configErrorf("lag", s, "unknown unit %q in offset %q", unit, p)
		}
		v, err := strconv.ParseFloat(p[:len(p)-1], 64)
		if err != nil || v < 0 || math.IsInf(v, 0) {
			return LagSpec{}, configErrorf("lag", s, "offset %q is not a non-negative number", p)
		}
		if spec.Unit == "" {
			spec.Unit = unit
		}
		spec.Offsets = append(spec.Offsets, v*float64(dur)/float64(lagUnits[spec.Unit]))
	}
	return spec, nil
}

// MustParseLag is ParseLag for literals known to be valid.
func MustParseLag(s string) LagSpec {
	l, err := ParseLag(s)
	if err != nil {
		panic(err)
	}
	return l
}

// LagFromHours expresses a whole number of hours in the given lag unit.
func LagFromHours(hours int, unit string) LagSpec {
	dur, ok := lagUnits[unit]
	if !ok {
		unit, dur = "h", time.Hour
	}
	return LagSpec{Offsets: []float64{float64(time.Duration(hours)*time.Hour) / float64(dur)}, Unit: unit}
}

func (l LagSpec) String() string {
	if len(l.Offsets) == 0 {
		return ZeroLag.String()
	}
	parts := make([]string, len(l.Offsets))
	for i, o := range l.Offsets {
		parts[i] = strconv.FormatFloat(o, 'g', -1, 64) + l.Unit
	}
	return strings.Join(parts, ",")
}

// Durations returns the offsets as durations.
func (l LagSpec) Durations() []time.Duration {
	if len(l.Offsets) == 0 {
		return []time.Duration{0}
	}
	unit := lagUnits[l.Unit]
	out := make([]time.Duration, len(l.Offsets))
	for i, o := range l.Offsets {
		out[i] = time.Duration(o * float64(unit))
	}
	return out
}

// IsZero reports whether the lag applies no offset at all.
func (l LagSpec) IsZero() bool {
	for _, d := range l.Durations() {
		if d != 0 {
			return false
		}
	}
	return true
}

// LagReadWindow widens a read request so that every offset of lag can be
// served: cycles start earlier by the largest offset and lead times grow by
// each offset.
func LagReadWindow(lag LagSpec, start, end time.Time, leadTimes []int) (time.Time, time.Time, []int) {
	var maxOff time.Duration
	leads := slices.Clone(leadTimes)
	for _, d := range lag.Durations() {
		maxOff = max(maxOff, d)
		for _, lt := range leadTimes {
			leads = append(leads, lt+int(d/time.Hour))
		}
	}
	slices.Sort(leads)
	return start.Add(-maxOff), end, slices.Compact(leads)
}

// MergeLags re-labels raw rows read from storage onto the requested cycles.
// A row from cycle c is used for cycle c+offset with its lead time reduced by
// the offset, so validity times never change. With more than one offset the
// member names of non-zero offsets get a "_lag<h>h" suffix and rows for the
// same station, cycle and lead time are merged.
func MergeLags(rows []ForecastRow, lag LagSpec, start, end time.Time, leadTimes []int) []ForecastRow {
	offsets := lag.Durations()
	suffix := len(offsets) > 1

	type key struct {
		sub, station string
		cycle        int64
		lead         int
	}
	merged := make(map[key]int)
	out := make([]ForecastRow, 0, len(rows))

	for _, off := range offsets {
		offHours := int(off / time.Hour)
		for _, r := range rows {
			cycle := r.FcstCycle.Add(off)
			lead := r.LeadTime - offHours
			if cycle.Before(start) || cycle.After(end) || !slices.Contains(leadTimes, lead) {
				continue
			}
			nr := r.clone()
			nr.FcstCycle = cycle
			nr.LeadTime = lead
			if suffix && off != 0 {
				nr.Members = suffixMembers(nr.Members, offHours)
			}
			k := key{sub: nr.SubModel, station: nr.StationID, cycle: cycle.Unix(), lead: lead}
			if idx, ok := merged[k]; ok {
				for m, v := range nr.Members {
					out[idx].Members[m] = v
				}
				continue
			}
			merged[k] = len(out)
			out = append(out, nr)
		}
	}
	SortRows(out)
	return out
}

// ShiftForecast moves every cycle forward by hours and reduces lead times by
// the same amount; validity times are unchanged. Rows that would get a
// negative lead time are dropped.
func ShiftForecast(t ForecastTable, hours int) ForecastTable {
	out := t.filter(func(r ForecastRow) bool { return r.LeadTime-hours >= 0 })
	for i := range out.Rows {
		out.Rows[i].FcstCycle = out.Rows[i].FcstCycle.Add(time.Duration(hours) * time.Hour)
		out.Rows[i].LeadTime -= hours
	}
	return out
}

// FilterCycles keeps rows whose cycle lies in [start, end].
func FilterCycles(t ForecastTable, start, end time.Time) ForecastTable {
	return t.filter(func(r ForecastRow) bool {
		return !r.FcstCycle.Before(start) && !r.FcstCycle.After(end)
	})
}

// LagForecastSpec configures lagging of models onto parent cycles.
type LagForecastSpec struct {
	Models       []string
	ParentCycles []int
}

// Enabled reports whether any model is to be lagged.
func (s LagForecastSpec) Enabled() bool { return len(s.Models) > 0 }

// Validate checks the spec against the requested models.
func (s LagForecastSpec) Validate(models ModelSet) error {
	if !s.Enabled() {
		return nil
	}
	if len(s.ParentCycles) == 0 {
		return configErrorf("lag_fcst_models", strings.Join(s.Models, ","), "parent_cycles must be supplied")
	}
	for _, m := range s.Models {
		if !models.Contains(m) {
			return configErrorf("lag_fcst_models", m, "not found in requested models %v", []string(models))
		}
	}
	for _, c := range s.ParentCycles {
		if c < 0 || c > 23 {
			return configErrorf("parent_cycles", strconv.Itoa(c), "must be an hour between 0 and 23")
		}
	}
	return nil
}

// LagForecast assigns each row to the latest parent cycle at or before its own
// cycle hour and merges the members of lagged cycles into the parent row.
func LagForecast(t ForecastTable, parentCycles []int) ForecastTable {
	parents := slices.Clone(parentCycles)
	slices.Sort(parents)

	type key struct {
		sub, station string
		cycle        int64
		lead         int
	}
	out := t
	out.Rows = make([]ForecastRow, 0, len(t.Rows))
	index := make(map[key]int)

	for _, r := range t.Rows {
		lag := lagToParent(r.FcstCycle.UTC().Hour(), parents)
		nr := r.clone()
		nr.FcstCycle = r.FcstCycle.Add(-time.Duration(lag) * time.Hour)
		nr.LeadTime = r.LeadTime + lag
		if lag > 0 {
			nr.Members = suffixMembers(nr.Members, lag)
		}
		k := key{sub: nr.SubModel, station: nr.StationID, cycle: nr.FcstCycle.Unix(), lead: nr.LeadTime}
		if idx, ok := index[k]; ok {
			for m, v := range nr.Members {
				out.Rows[idx].Members[m] = v
			}
			continue
		}
		index[k] = len(out.Rows)
		out.Rows = append(out.Rows, nr)
	}
	SortRows(out.Rows)
	return out
}

// LaggedCycles returns the cycles LagForecast assigns to the parent cycle c:
// c itself and every following hour before the next parent cycle. A cycle
// that is not a parent cycle returns only itself.
func LaggedCycles(c time.Time, parentCycles []int) []time.Time {
	if !slices.Contains(parentCycles, c.UTC().Hour()) {
		return []time.Time{c}
	}
	out := []time.Time{c}
	for h := 1; h < 24; h++ {
		next := c.Add(time.Duration(h) * time.Hour)
		if slices.Contains(parentCycles, next.UTC().Hour()) {
			break
		}
		out = append(out, next)
	}
	return out
}

// MaxLagToParent returns the longest lag, in hours, LagForecast can give a
// row when lagging onto parentCycles.
func MaxLagToParent(parentCycles []int) int {
	if len(parentCycles) == 0 {
		return 0
	}
	parents := slices.Clone(parentCycles)
	slices.Sort(parents)
	longest := 0
	for h := range 24 {
		longest = max(longest, lagToParent(h, parents))
	}
	return longest
}

// lagToParent returns how many hours cycleHour lies after its parent cycle.
func lagToParent(cycleHour int, parents []int) int {
	best := -1
	for _, p := range parents {
		if p <= cycleHour {
			best = p
		}
	}
	if best < 0 {
		// Parent belongs to the previous day.
		return cycleHour + 24 - parents[len(parents)-1]
	}
	return cycleHour - best
}

func suffixMembers(members map[string]float64, hours int) map[string]float64 {
	out := make(map[string]float64, len(members))
	for k, v := range members {
		out[fmt.Sprintf("%s_lag%dh", k, hours)] = v
	}
	return out
}
