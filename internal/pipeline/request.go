package pipeline

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/point-verif/internal/domain"
)

// Request describes one verification run.
type Request struct {
	// Start and End bound the forecast cycles, stepped by By.
	Start time.Time
	End   time.Time
	By    time.Duration

	LeadTimes []int
	Parameter string
	// NumIterations is the number of lead-time chunks; zero means one lead
	// time per chunk.
	NumIterations int

	Variants domain.VariantConfig
	// MergeLagsOnRead passes shifts to the forecast reader as lags. When false
	// the reader gets the unshifted lags and shifts are applied after reading.
	MergeLagsOnRead bool

	Groupings       []string
	CommonCasesOnly bool
	ExtraGroupCols  domain.ColumnRefs

	CheckObsAgainstFcst bool
	GrossErrorCheck     bool
	// Bounds overrides the parameter's admissible range per end.
	Bounds *domain.Bounds
	// NumSDAllowed overrides the parameter's default spread-check threshold.
	NumSDAllowed *float64
	ScaleObs     *domain.ScaleSpec

	Climatology   domain.Climatology
	VerifyMembers bool
	Thresholds    []float64
	Jitter        domain.JitterFunc

	ShowProgress bool
	// Workers > 1 scores chunks concurrently; results are still merged in
	// iteration order.
	Workers int

	// Destination is passed to the Sink when set, e.g. "results.json" or
	// "kafka://verif-results".
	Destination string
	RunID       string
}

// NewRequest returns a Request with the default run options.
func NewRequest(start, end time.Time, leadTimes []int, parameter string, models ...string) Request {
	return Request{
		Start:     start,
		End:       end,
		By:        24 * time.Hour,
		LeadTimes: leadTimes,
		Parameter: parameter,
		Variants: domain.VariantConfig{
			Models: models,
			Lag:    domain.Scalar(domain.ZeroLag),
		},
		MergeLagsOnRead:     true,
		Groupings:           []string{domain.ColLeadTime},
		CommonCasesOnly:     true,
		CheckObsAgainstFcst: true,
		GrossErrorCheck:     true,
		Climatology:         domain.SampleClimatology(),
		VerifyMembers:       true,
	}
}

// destinationChecker is implemented by sinks that know up front which
// destinations they can write.
type destinationChecker interface {
	Supports(dest string) bool
}

func (r Request) validate(sink Sink) error {
	if r.Start.IsZero() || r.End.IsZero() {
		return &domain.ConfigError{Field: "start_date", Msg: "start and end dates are required"}
	}
	if r.End.Before(r.Start) {
		return &domain.ConfigError{Field: "end_date", Value: r.End.Format(time.RFC3339), Msg: "end date is before start date"}
	}
	if r.By <= 0 {
		return &domain.ConfigError{Field: "by", Value: r.By.String(), Msg: "cycle step must be positive"}
	}
	if err := domain.ValidateLeadTimes(r.LeadTimes); err != nil {
		return err
	}
	if r.NumIterations < 0 {
		return &domain.ConfigError{Field: "num_iterations", Value: strconv.Itoa(r.NumIterations), Msg: "must not be negative"}
	}
	if err := r.ExtraGroupCols.Validate(); err != nil {
		return err
	}
	if err := domain.ValidateGroupings(r.Groupings, r.ExtraGroupCols); err != nil {
		return err
	}
	if r.NumSDAllowed != nil && *r.NumSDAllowed < 0 {
		return &domain.ConfigError{Field: "num_sd_allowed", Value: strconv.FormatFloat(*r.NumSDAllowed, 'g', -1, 64), Msg: "must not be negative"}
	}
	if r.ScaleObs != nil {
		if err := r.ScaleObs.Validate("scale_obs"); err != nil {
			return err
		}
	}
	if r.Workers < 0 {
		return &domain.ConfigError{Field: "workers", Value: strconv.Itoa(r.Workers), Msg: "must not be negative"}
	}
	return r.validateDestination(sink)
}

func (r Request) validateDestination(sink Sink) error {
	if r.Destination == "" {
		return nil
	}
	if sink == nil {
		return &domain.ConfigError{Field: "output", Value: r.Destination, Msg: "no sink configured for output destination"}
	}
	if c, ok := sink.(destinationChecker); ok && !c.Supports(r.Destination) {
		return &domain.ConfigError{Field: "output", Value: r.Destination, Msg: fmt.Sprintf("no %s sink configured", SinkKind(r.Destination))}
	}
	return nil
}

// SinkKind names the kind of a destination: the URL scheme, or
// "excel" or "file" for plain paths.
func SinkKind(dest string) string {
	if i := strings.Index(dest, "://"); i > 1 {
		return strings.ToLower(dest[:i])
	}
	if strings.EqualFold(filepath.Ext(dest), ".xlsx") {
		return "excel"
	}
	return "file"
}
