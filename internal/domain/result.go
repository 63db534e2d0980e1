package domain

import (
	"maps"
	"slices"
	"strconv"
	"time"
)

// Names of the score tables produced by the scoring engine.
const (
	TableSummary    = "summary_scores"
	TableThreshold  = "threshold_scores"
	TableDetSummary = "det_summary_scores"
)

// ClimatologyKind selects the reference used for skill scores.
type ClimatologyKind int

const (
	// ClimatologySample uses the observed frequency of the chunk itself.
	ClimatologySample ClimatologyKind = iota
	// ClimatologyMember uses one member of a named model as a deterministic
	// reference forecast.
	ClimatologyMember
	// ClimatologyTable uses explicit probabilities per threshold.
	ClimatologyTable
)

// ClimatologyEntry is one row of an explicit climatology. A nil LeadTime
// applies to every lead time.
type ClimatologyEntry struct {
	Threshold   float64 `json:"threshold" yaml:"threshold"`
	LeadTime    *int    `json:"lead_time,omitempty" yaml:"lead_time"`
	Probability float64 `json:"probability" yaml:"probability"`
}

// Climatology is the reference distribution for skill scores.
type Climatology struct {
	Kind   ClimatologyKind
	Model  string
	Member string
	Table  []ClimatologyEntry
}

// SampleClimatology is the default: the sample frequency of each chunk.
func SampleClimatology() Climatology { return Climatology{Kind: ClimatologySample} }

// MemberClimatology uses member of model as the reference.
func MemberClimatology(model, member string) Climatology {
	return Climatology{Kind: ClimatologyMember, Model: model, Member: member}
}

// TableClimatology uses explicit probabilities.
func TableClimatology(entries []ClimatologyEntry) Climatology {
	return Climatology{Kind: ClimatologyTable, Table: slices.Clone(entries)}
}

// Validate checks the climatology against the model set and thresholds.
func (c Climatology) Validate(models ModelSet) error {
	switch c.Kind {
	case ClimatologySample:
		return nil
	case ClimatologyMember:
		if !models.Contains(c.Model) {
			return configErrorf("climatology", c.Model, "climatology model not found in requested models %v", []string(models))
		}
		if c.Member == "" {
			return configErrorf("climatology", c.Model, "climatology member must be named")
		}
		return nil
	case ClimatologyTable:
		if len(c.Table) == 0 {
			return configErrorf("climatology", "", "climatology table is empty")
		}
		for _, e := range c.Table {
			if e.Probability < 0 || e.Probability > 1 {
				return configErrorf("climatology", strconv.FormatFloat(e.Probability, 'g', -1, 64), "probability must be in [0, 1]")
			}
		}
		return nil
	default:
		return configErrorf("climatology", strconv.Itoa(int(c.Kind)), "unknown climatology kind")
	}
}

// Lookup returns the table probability for a threshold and lead time. Entries
// for a specific lead time win over lead-time independent ones.
func (c Climatology) Lookup(threshold float64, leadTime int) (float64, bool) {
	var fallback *float64
	for _, e := range c.Table {
		if e.Threshold != threshold {
			continue
		}
		if e.LeadTime == nil {
			p := e.Probability
			fallback = &p
			continue
		}
		if *e.LeadTime == leadTime {
			return e.Probability, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return 0, false
}

// JitterFunc perturbs a forecast table before scoring, typically to account
// for observation error.
type JitterFunc func(ForecastTable) ForecastTable

// AlignedChunk is the QC'd, case-aligned input of one iteration.
type AlignedChunk struct {
	Iteration int
	LeadTimes []int
	Models    ModelSet
	Tables    ForecastSet
	Parameter Parameter
	ObsColumn string
}

// Stations returns the sorted distinct station IDs in the chunk.
func (c AlignedChunk) Stations() []string { return c.Tables.Stations() }

// ScoreRequest is the input handed to the scoring engine for one chunk.
type ScoreRequest struct {
	Chunk         AlignedChunk
	Groupings     []string
	Thresholds    []float64
	VerifyMembers bool
	Jitter        JitterFunc
	Climatology   Climatology
}

// ScoreRow is one row of a score table.
type ScoreRow struct {
	Model     string             `json:"fcst_model"`
	Groups    map[string]string  `json:"groups,omitempty"`
	Member    string             `json:"member,omitempty"`
	Threshold *float64           `json:"threshold,omitempty"`
	Scores    map[string]float64 `json:"scores"`
}

// ScoreTable is an ordered list of score rows.
type ScoreTable []ScoreRow

// ResultAttrs is the run-level metadata attached by the scoring engine.
type ResultAttrs struct {
	Parameter string   `json:"parameter"`
	Units     string   `json:"units"`
	GroupVars []string `json:"group_vars"`
}

// ChunkResult is the scoring output of one iteration.
type ChunkResult struct {
	Iteration int                   `json:"iteration"`
	Tables    map[string]ScoreTable `json:"tables"`
	Attrs     ResultAttrs           `json:"attrs"`
	Stations  []string              `json:"stations"`
}

// Attributes is the run-level metadata of a VerificationResult.
type Attributes struct {
	ResultAttrs
	Stations      []string  `json:"stations"`
	NumStations   string    `json:"num_stations"`
	NumIterations int       `json:"num_iterations"`
	RunID         string    `json:"run_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// VerificationResult is the merged output of a run.
type VerificationResult struct {
	Tables     map[string]ScoreTable `json:"tables"`
	Attributes Attributes            `json:"attributes"`
}

// TableNames returns the table names in a stable order.
func (r *VerificationResult) TableNames() []string {
	return slices.Sorted(maps.Keys(r.Tables))
}
