package domain

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ForecastRow is one ensemble forecast for a station, cycle and lead time.
// Members maps member column names (e.g. "mbr000", "mbr001_lag6h") to values.
type ForecastRow struct {
	SubModel  string             `json:"sub_model,omitempty"`
	StationID string             `json:"SID"`
	FcstCycle time.Time          `json:"fcst_cycle"`
	LeadTime  int                `json:"lead_time"`
	ValidTime time.Time          `json:"valid_time"`
	Members   map[string]float64 `json:"members"`
	Extra     map[string]string  `json:"extra,omitempty"`

	// Obs is populated by JoinObservations.
	Obs    float64 `json:"obs,omitempty"`
	HasObs bool    `json:"-"`
}

// MemberValues returns the member values in member-name order.
func (r ForecastRow) MemberValues() []float64 {
	names := r.MemberNames()
	out := make([]float64, len(names))
	for i, n := range names {
		out[i] = r.Members[n]
	}
	return out
}

// MemberNames returns the sorted member column names.
func (r ForecastRow) MemberNames() []string {
	return slices.Sorted(maps.Keys(r.Members))
}

// Key returns the row's case key without extra columns.
func (r ForecastRow) Key() CaseKey {
	k, _ := caseKeyOf(r, nil)
	return k
}

// MemberNumber extracts the number of a member column such as "mbr003" or
// "mbr003_lag6h".
func MemberNumber(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "mbr")
	if !ok {
		return 0, false
	}
	if i := strings.IndexByte(rest, '_'); i >= 0 {
		rest = rest[:i]
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// SelectMembers keeps the member columns whose number is listed. An empty
// list keeps every member.
func SelectMembers(values map[string]float64, keep []int) map[string]float64 {
	if len(keep) == 0 {
		return values
	}
	out := make(map[string]float64, len(keep))
	for name, v := range values {
		if n, ok := MemberNumber(name); ok && slices.Contains(keep, n) {
			out[name] = v
		}
	}
	return out
}

// clone copies the row including its maps so transforms never alias another
// table's rows.
func (r ForecastRow) clone() ForecastRow {
	r.Members = maps.Clone(r.Members)
	r.Extra = maps.Clone(r.Extra)
	return r
}

// ForecastTable holds one model's forecasts for the verification parameter.
type ForecastTable struct {
	Model     string        `json:"fcst_model"`
	Parameter string        `json:"parameter"`
	Units     string        `json:"units"`
	Rows      []ForecastRow `json:"rows"`
}

// Empty reports whether the table has no rows.
func (t ForecastTable) Empty() bool { return len(t.Rows) == 0 }

// Clone returns a deep copy of the table.
func (t ForecastTable) Clone() ForecastTable {
	rows := make([]ForecastRow, len(t.Rows))
	for i := range t.Rows {
		rows[i] = t.Rows[i].clone()
	}
	t.Rows = rows
	return t
}

// Rename returns a copy of the table under a different model name.
func (t ForecastTable) Rename(model string) ForecastTable {
	out := t.Clone()
	out.Model = model
	return out
}

// filter returns a copy of the table keeping rows for which keep returns true.
func (t ForecastTable) filter(keep func(ForecastRow) bool) ForecastTable {
	out := t
	out.Rows = make([]ForecastRow, 0, len(t.Rows))
	for _, r := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r.clone())
		}
	}
	return out
}

// FilterLeadTimes restricts the table to the given lead times.
func (t ForecastTable) FilterLeadTimes(leadTimes []int) ForecastTable {
	return t.filter(func(r ForecastRow) bool { return slices.Contains(leadTimes, r.LeadTime) })
}

// DropEmptyMembers removes rows left without any member value, e.g. by a
// member selection that matched nothing.
func (t ForecastTable) DropEmptyMembers() ForecastTable {
	return t.filter(func(r ForecastRow) bool { return len(r.Members) > 0 })
}

// Stations returns the sorted distinct station IDs in the table.
func (t ForecastTable) Stations() []string {
	seen := make(map[string]struct{}, len(t.Rows))
	for _, r := range t.Rows {
		seen[r.StationID] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// ValidRange returns the earliest and latest validity times in the table.
func (t ForecastTable) ValidRange() (time.Time, time.Time, bool) {
	if len(t.Rows) == 0 {
		return time.Time{}, time.Time{}, false
	}
	lo, hi := t.Rows[0].ValidTime, t.Rows[0].ValidTime
	for _, r := range t.Rows[1:] {
		if r.ValidTime.Before(lo) {
			lo = r.ValidTime
		}
		if r.ValidTime.After(hi) {
			hi = r.ValidTime
		}
	}
	return lo, hi, true
}

// ForecastSet maps model name to its forecast table.
type ForecastSet map[string]ForecastTable

// ValidRange returns the validity-time span over every table in the set.
func (s ForecastSet) ValidRange() (time.Time, time.Time, bool) {
	var lo, hi time.Time
	found := false
	for _, t := range s {
		tlo, thi, ok := t.ValidRange()
		if !ok {
			continue
		}
		if !found || tlo.Before(lo) {
			lo = tlo
		}
		if !found || thi.After(hi) {
			hi = thi
		}
		found = true
	}
	return lo, hi, found
}

// AnyEmpty reports whether any of the named models has no rows (or is missing).
func (s ForecastSet) AnyEmpty(models ModelSet) bool {
	for _, m := range models {
		if s[m].Empty() {
			return true
		}
	}
	return false
}

// AllEmpty reports whether every table in the set is empty.
func (s ForecastSet) AllEmpty() bool {
	for _, t := range s {
		if !t.Empty() {
			return false
		}
	}
	return true
}

// Stations returns the sorted distinct station IDs across every table.
func (s ForecastSet) Stations() []string {
	seen := make(map[string]struct{})
	for _, t := range s {
		for _, r := range t.Rows {
			seen[r.StationID] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// ObservationRow holds observed values for one station and validity time,
// keyed by parameter column name.
type ObservationRow struct {
	StationID string             `json:"SID"`
	ValidTime time.Time          `json:"valid_time"`
	Values    map[string]float64 `json:"values"`
}

// ObservationTable is a set of observations with a declared column list.
type ObservationTable struct {
	Columns []string         `json:"columns"`
	Rows    []ObservationRow `json:"rows"`
}

// HasColumn reports whether the table declares the named column.
func (t ObservationTable) HasColumn(name string) bool {
	return slices.Contains(t.Columns, name)
}

// ModelSet is an ordered set of unique model names.
type ModelSet []string

// NewModelSet builds a ModelSet, rejecting empty and duplicate names.
func NewModelSet(names ...string) (ModelSet, error) {
	if len(names) == 0 {
		return nil, configErrorf("models", "", "at least one model is required")
	}
	out := make(ModelSet, 0, len(names))
	for _, n := range names {
		if n == "" {
			return nil, configErrorf("models", n, "model name must not be empty")
		}
		if out.Contains(n) {
			return nil, configErrorf("models", n, "duplicate model name")
		}
		out = append(out, n)
	}
	return out, nil
}

// Contains reports whether name is in the set.
func (m ModelSet) Contains(name string) bool { return slices.Contains(m, name) }

// Add appends name if it is not already present.
func (m *ModelSet) Add(name string) {
	if !m.Contains(name) {
		*m = append(*m, name)
	}
}

// Clone returns an independent copy of the set.
func (m ModelSet) Clone() ModelSet { return slices.Clone(m) }

// CaseKey identifies a verifiable case: station x validity time x lead time,
// plus the values of any extra grouping columns.
type CaseKey struct {
	StationID string
	ValidUnix int64
	LeadTime  int
	Extra     string
}

func (k CaseKey) String() string {
	s := fmt.Sprintf("%s@%s+%dh", k.StationID, time.Unix(k.ValidUnix, 0).UTC().Format(time.RFC3339), k.LeadTime)
	if k.Extra != "" {
		s += "[" + k.Extra + "]"
	}
	return s
}

// caseKeyOf builds the case key of a row for the given extra columns. The
// second return is false when the row lacks one of the columns.
func caseKeyOf(r ForecastRow, extra ColumnRefs) (CaseKey, bool) {
	k := CaseKey{StationID: r.StationID, ValidUnix: r.ValidTime.Unix(), LeadTime: r.LeadTime}
	if len(extra) == 0 {
		return k, true
	}
	buf := make([]byte, 0, 32)
	for i, col := range extra {
		v, ok := GroupValue(r, col)
		if !ok {
			return k, false
		}
		if i > 0 {
			buf = append(buf, '|')
		}
		buf = append(buf, col...)
		buf = append(buf, '=')
		buf = append(buf, v...)
	}
	k.Extra = string(buf)
	return k, true
}

// Built-in grouping columns every forecast row can be grouped by.
const (
	ColLeadTime  = "leadtime"
	ColFcstCycle = "fcst_cycle"
	ColStation   = "SID"
	ColValidHour = "valid_hour"
	ColValidTime = "valid_time"
	ColSubModel  = "sub_model"
)

var builtinColumns = []string{ColLeadTime, ColFcstCycle, ColStation, ColValidHour, ColValidTime, ColSubModel}

// IsBuiltinColumn reports whether col is derived from the row structure rather
// than its Extra map.
func IsBuiltinColumn(col string) bool { return slices.Contains(builtinColumns, col) }

// GroupValue returns the string value of a grouping column for a row.
func GroupValue(r ForecastRow, col string) (string, bool) {
	switch col {
	case ColLeadTime:
		return strconv.Itoa(r.LeadTime), true
	case ColFcstCycle:
		return fmt.Sprintf("%02d", r.FcstCycle.UTC().Hour()), true
	case ColStation:
		return r.StationID, true
	case ColValidHour:
		return fmt.Sprintf("%02d", r.ValidTime.UTC().Hour()), true
	case ColValidTime:
		return r.ValidTime.UTC().Format(time.RFC3339), true
	case ColSubModel:
		return r.SubModel, r.SubModel != ""
	}
	v, ok := r.Extra[col]
	return v, ok
}

// SortRows orders rows by validity time, station, lead time and sub-model so
// transforms produce stable output.
func SortRows(rows []ForecastRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.ValidTime.Equal(b.ValidTime) {
			return a.ValidTime.Before(b.ValidTime)
		}
		if a.StationID != b.StationID {
			return a.StationID < b.StationID
		}
		if a.LeadTime != b.LeadTime {
			return a.LeadTime < b.LeadTime
		}
		return a.SubModel < b.SubModel
	})
}
