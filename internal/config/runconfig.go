package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/point-verif/internal/domain"
	"github.com/couchcryptid/point-verif/internal/pipeline"
	"github.com/couchcryptid/point-verif/internal/scoring"
)

// Source kinds for RunConfig.Source.Kind.
const (
	SourceFile = "file"
	SourceSQL  = "sql"
)

// dateLayouts are tried in order when parsing start and end dates.
var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02", "2006010215", "20060102"}

// RunConfig is the YAML definition of a verification run.
type RunConfig struct {
	StartDate     string   `yaml:"start_date"`
	EndDate       string   `yaml:"end_date"`
	By            string   `yaml:"by" default:"24h"`
	LeadTimes     []int    `yaml:"lead_times"`
	Parameter     string   `yaml:"parameter"`
	Models        []string `yaml:"models"`
	NumIterations int      `yaml:"num_iterations"`

	// Per-model options: a scalar, an unnamed list, a mapping by model or a
	// mapping by model and sub-model.
	Lag          yaml.Node `yaml:"lag"`
	Shifts       yaml.Node `yaml:"shifts"`
	ScaleFcst    yaml.Node `yaml:"scale_fcst"`
	Members      yaml.Node `yaml:"members"`
	FileTemplate yaml.Node `yaml:"file_template"`

	KeepUnshifted   bool     `yaml:"keep_unshifted"`
	MergeLagsOnRead bool     `yaml:"merge_lags_on_read" default:"true"`
	LagFcstModels   []string `yaml:"lag_fcst_models"`
	ParentCycles    []int    `yaml:"parent_cycles"`

	Groupings       []string `yaml:"groupings" default:"[\"leadtime\"]"`
	CommonCasesOnly bool     `yaml:"common_cases_only" default:"true"`
	ExtraGroupCols  []string `yaml:"extra_group_cols"`

	GrossErrorCheck     bool           `yaml:"gross_error_check" default:"true"`
	CheckObsAgainstFcst bool           `yaml:"check_obs_against_fcst" default:"true"`
	Bounds              *domain.Bounds `yaml:"bounds"`
	NumSDAllowed        *float64       `yaml:"num_sd_allowed"`
	ScaleObs            yaml.Node      `yaml:"scale_obs"`

	Climatology   yaml.Node `yaml:"climatology"`
	VerifyMembers bool      `yaml:"verify_members" default:"true"`
	Thresholds    []float64 `yaml:"thresholds"`
	Jitter        struct {
		SD   float64 `yaml:"sd"`
		Seed uint64  `yaml:"seed" default:"1"`
	} `yaml:"jitter"`

	Workers      int    `yaml:"workers" default:"1"`
	ShowProgress bool   `yaml:"show_progress"`
	Output       string `yaml:"output"`

	Source SourceConfig `yaml:"source"`
}

// SourceConfig selects where forecasts and observations are read from.
type SourceConfig struct {
	Kind string `yaml:"kind" default:"file"`
	// Dir is the root of the file store; templates are relative to it.
	Dir                  string `yaml:"dir" default:"."`
	ForecastTemplate     string `yaml:"fcst_template"`
	ObservationsTemplate string `yaml:"obs_template"`
	// Tables used by the SQL source.
	ForecastTable     string `yaml:"fcst_table" default:"fcst"`
	ObservationsTable string `yaml:"obs_table" default:"obs"`
}

// LoadRunConfig reads a run definition from a YAML file, applying defaults for
// unset fields.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-provided run file path
	if err != nil {
		return nil, fmt.Errorf("read run config: %w", err)
	}
	return ParseRunConfig(data)
}

// ParseRunConfig decodes a run definition, applying defaults for unset fields.
func ParseRunConfig(data []byte) (*RunConfig, error) {
	cfg := &RunConfig{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse run config: %w", err)
	}
	if cfg.Source.Kind != SourceFile && cfg.Source.Kind != SourceSQL {
		return nil, &domain.ConfigError{Field: "source.kind", Value: cfg.Source.Kind, Msg: "must be file or sql"}
	}
	return cfg, nil
}

// Request converts the run definition into a pipeline request. Option shapes
// that cannot be interpreted are reported as ConfigErrors.
func (c *RunConfig) Request() (pipeline.Request, error) {
	start, err := parseDate("start_date", c.StartDate)
	if err != nil {
		return pipeline.Request{}, err
	}
	end, err := parseDate("end_date", c.EndDate)
	if err != nil {
		return pipeline.Request{}, err
	}

	req := pipeline.NewRequest(start, end, c.LeadTimes, c.Parameter, c.Models...)
	if req.By, err = time.ParseDuration(c.By); err != nil {
		return pipeline.Request{}, &domain.ConfigError{Field: "by", Value: c.By, Msg: "not a duration"}
	}
	req.NumIterations = c.NumIterations

	v := &req.Variants
	if c.Lag.Kind != 0 {
		if v.Lag, err = decodeOption(&c.Lag, "lag", decodeLag); err != nil {
			return pipeline.Request{}, err
		}
	}
	if v.Shift, err = decodeOption(&c.Shifts, "shifts", decodeValue[int]); err != nil {
		return pipeline.Request{}, err
	}
	if v.Scale, err = decodeOption(&c.ScaleFcst, "scale_fcst", decodeScale("scale_fcst")); err != nil {
		return pipeline.Request{}, err
	}
	if v.Members, err = decodeOption(&c.Members, "members", decodeMembers); err != nil {
		return pipeline.Request{}, err
	}
	if v.FileTemplate, err = decodeOption(&c.FileTemplate, "file_template", decodeValue[string]); err != nil {
		return pipeline.Request{}, err
	}
	v.KeepUnshifted = c.KeepUnshifted
	v.LagForecast = domain.LagForecastSpec{Models: c.LagFcstModels, ParentCycles: c.ParentCycles}
	req.MergeLagsOnRead = c.MergeLagsOnRead

	req.Groupings = c.Groupings
	req.CommonCasesOnly = c.CommonCasesOnly
	req.ExtraGroupCols = domain.Cols(c.ExtraGroupCols...)

	req.GrossErrorCheck = c.GrossErrorCheck
	req.CheckObsAgainstFcst = c.CheckObsAgainstFcst
	req.Bounds = c.Bounds
	req.NumSDAllowed = c.NumSDAllowed
	if c.ScaleObs.Kind != 0 {
		s, err := decodeScale("scale_obs")(&c.ScaleObs)
		if err != nil {
			return pipeline.Request{}, optionError("scale_obs", &c.ScaleObs, err)
		}
		req.ScaleObs = &s
	}

	if req.Climatology, err = decodeClimatology(&c.Climatology); err != nil {
		return pipeline.Request{}, err
	}
	req.VerifyMembers = c.VerifyMembers
	req.Thresholds = c.Thresholds
	if c.Jitter.SD < 0 {
		return pipeline.Request{}, &domain.ConfigError{Field: "jitter.sd", Value: fmt.Sprint(c.Jitter.SD), Msg: "must not be negative"}
	}
	if c.Jitter.SD > 0 {
		req.Jitter = scoring.GaussianJitter(c.Jitter.SD, c.Jitter.Seed)
	}

	req.Workers = c.Workers
	req.ShowProgress = c.ShowProgress
	req.Destination = c.Output
	return req, nil
}

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, &domain.ConfigError{Field: field, Msg: "date is required"}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &domain.ConfigError{Field: field, Value: s, Msg: "unrecognised date; use YYYY-MM-DD, YYYYMMDDHH or RFC 3339"}
}

// decodeOption interprets a YAML node as an OptionValue. A node that decodes
// as a single value is a scalar; otherwise a sequence is positional and a
// mapping is keyed by model, with nested mappings keyed by sub-model.
func decodeOption[V any](n *yaml.Node, field string, decode func(*yaml.Node) (V, error)) (domain.OptionValue[V], error) {
	var zero domain.OptionValue[V]
	if n.Kind == 0 {
		return zero, nil
	}
	v, valueErr := decode(n)
	if valueErr == nil {
		return domain.Scalar(v), nil
	}
	if domain.IsConfigError(valueErr) {
		return zero, valueErr
	}

	switch n.Kind {
	case yaml.SequenceNode:
		vs := make([]V, 0, len(n.Content))
		for _, item := range n.Content {
			v, err := decode(item)
			if err != nil {
				return zero, optionError(field, item, err)
			}
			vs = append(vs, v)
		}
		return domain.Positional(vs...), nil

	case yaml.MappingNode:
		perModel := make(map[string]V)
		perSub := make(map[string]map[string]V)
		for i := 0; i+1 < len(n.Content); i += 2 {
			model, val := n.Content[i].Value, n.Content[i+1]
			if v, err := decode(val); err == nil {
				perModel[model] = v
				continue
			} else if val.Kind != yaml.MappingNode {
				return zero, optionError(field, val, err)
			}
			subs := make(map[string]V, len(val.Content)/2)
			for j := 0; j+1 < len(val.Content); j += 2 {
				v, err := decode(val.Content[j+1])
				if err != nil {
					return zero, optionError(field, val.Content[j+1], err)
				}
				subs[val.Content[j].Value] = v
			}
			perSub[model] = subs
		}
		switch {
		case len(perSub) == 0:
			return domain.PerModel(perModel), nil
		case len(perModel) == 0:
			return domain.PerSubModel(perSub), nil
		default:
			return zero, &domain.ConfigError{Field: field, Msg: "mix of per-model and per-sub-model values; use one shape"}
		}
	}
	return zero, optionError(field, n, valueErr)
}

func optionError(field string, n *yaml.Node, err error) error {
	if domain.IsConfigError(err) {
		return err
	}
	return &domain.ConfigError{Field: field, Value: n.Value, Msg: fmt.Sprintf("line %d: %v", n.Line, err)}
}

var errNotScalar = errors.New("expected a single value")

func decodeValue[V any](n *yaml.Node) (V, error) {
	var v V
	if n.Kind != yaml.ScalarNode {
		return v, errNotScalar
	}
	err := n.Decode(&v)
	return v, err
}

func decodeLag(n *yaml.Node) (domain.LagSpec, error) {
	s, err := decodeValue[string](n)
	if err != nil {
		return domain.LagSpec{}, err
	}
	return domain.ParseLag(s)
}

// decodeMembers accepts a list of member numbers; a bare number is a list of
// one.
func decodeMembers(n *yaml.Node) ([]int, error) {
	if n.Kind == yaml.ScalarNode {
		v, err := decodeValue[int](n)
		return []int{v}, err
	}
	if n.Kind != yaml.SequenceNode {
		return nil, errNotScalar
	}
	var out []int
	err := n.Decode(&out)
	return out, err
}

func decodeScale(field string) func(*yaml.Node) (domain.ScaleSpec, error) {
	return func(n *yaml.Node) (domain.ScaleSpec, error) {
		if n.Kind != yaml.MappingNode {
			return domain.ScaleSpec{}, errNotScalar
		}
		var raw map[string]any
		if err := n.Decode(&raw); err != nil {
			return domain.ScaleSpec{}, err
		}
		if _, ok := raw["scale_factor"]; !ok {
			return domain.ScaleSpec{}, errNotScalar
		}
		return domain.ParseScaleSpec(field, raw)
	}
}

// decodeClimatology accepts "sample", a {model, member} reference or a list
// of {threshold, lead_time, probability} entries.
func decodeClimatology(n *yaml.Node) (domain.Climatology, error) {
	switch n.Kind {
	case 0:
		return domain.SampleClimatology(), nil
	case yaml.ScalarNode:
		if strings.EqualFold(n.Value, "sample") {
			return domain.SampleClimatology(), nil
		}
	case yaml.MappingNode:
		var ref struct {
			Model  string `yaml:"model"`
			Member string `yaml:"member"`
		}
		if err := n.Decode(&ref); err != nil {
			return domain.Climatology{}, optionError("climatology", n, err)
		}
		return domain.MemberClimatology(ref.Model, ref.Member), nil
	case yaml.SequenceNode:
		var entries []domain.ClimatologyEntry
		if err := n.Decode(&entries); err != nil {
			return domain.Climatology{}, optionError("climatology", n, err)
		}
		return domain.TableClimatology(entries), nil
	}
	return domain.Climatology{}, &domain.ConfigError{Field: "climatology", Value: n.Value, Msg: "use sample, a {model, member} reference or a table"}
}
