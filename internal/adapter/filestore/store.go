// Package filestore reads point forecasts and observations from JSON-lines
// files. Forecast files hold one model cycle each and are located through a
// per-model path template; observation files hold one day each.
//
// Templates are text/template with the sprig function library. Forecast
// templates see {{.Model}}, {{.Cycle}} and {{.Parameter}}; observation
// templates see {{.Date}} and {{.Parameter}}. The sprig date function formats
// in UTC:
//
//	{{ .Model }}/{{ .Cycle | date "2006/01/02" }}/{{ .Model }}_{{ .Cycle | date "2006010215" }}.jsonl
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/couchcryptid/point-verif/internal/domain"
	"github.com/couchcryptid/point-verif/internal/pipeline"
)

// Default path templates, relative to the store root.
const (
	DefaultForecastTemplate     = `{{ .Model }}/{{ .Cycle | date "2006/01/02" }}/{{ .Model }}_{{ .Cycle | date "2006010215" }}.jsonl`
	DefaultObservationsTemplate = `obs/{{ .Date | date "200601" }}/obs_{{ .Date | date "20060102" }}.jsonl`
)

// maxLineSize bounds a single JSON-lines record.
const maxLineSize = 4 << 20

// ForecastRecord is one line of a forecast file.
type ForecastRecord struct {
	StationID string             `json:"SID"`
	SubModel  string             `json:"sub_model,omitempty"`
	Parameter string             `json:"parameter"`
	Units     string             `json:"units,omitempty"`
	FcstCycle time.Time          `json:"fcst_cycle"`
	LeadTime  int                `json:"lead_time"`
	Members   map[string]float64 `json:"members"`
	Extra     map[string]string  `json:"extra,omitempty"`
}

// ObservationRecord is one line of an observation file.
type ObservationRecord struct {
	StationID string             `json:"SID"`
	ValidTime time.Time          `json:"valid_time"`
	Values    map[string]float64 `json:"values"`
}

type forecastPath struct {
	Model     string
	Cycle     time.Time
	Parameter string
}

type observationPath struct {
	Date      time.Time
	Parameter string
}

// Store implements pipeline.ForecastReader and pipeline.ObservationReader.
type Store struct {
	root   string
	fcst   *template.Template
	obs    *template.Template
	logger *slog.Logger

	mu        sync.Mutex
	templates map[string]*template.Template
}

// New creates a store rooted at root. Empty templates select the defaults.
func New(root, fcstTemplate, obsTemplate string, logger *slog.Logger) (*Store, error) {
	if fcstTemplate == "" {
		fcstTemplate = DefaultForecastTemplate
	}
	if obsTemplate == "" {
		obsTemplate = DefaultObservationsTemplate
	}
	fcst, err := parseTemplate(fcstTemplate)
	if err != nil {
		return nil, err
	}
	obs, err := parseTemplate(obsTemplate)
	if err != nil {
		return nil, err
	}
	return &Store{
		root:      root,
		fcst:      fcst,
		obs:       obs,
		logger:    logger,
		templates: make(map[string]*template.Template),
	}, nil
}

func funcMap() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	inZone := funcs["dateInZone"].(func(string, interface{}, string) string)
	funcs["date"] = func(layout string, date interface{}) string {
		return inZone(layout, date, "UTC")
	}
	return funcs
}

func parseTemplate(text string) (*template.Template, error) {
	t, err := template.New("path").Funcs(funcMap()).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, &domain.ConfigError{Field: "file_template", Value: text, Msg: err.Error()}
	}
	return t, nil
}

// templateFor returns the parsed template for a model, falling back to the
// store default.
func (s *Store) templateFor(text string) (*template.Template, error) {
	if text == "" {
		return s.fcst, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.templates[text]; ok {
		return t, nil
	}
	t, err := parseTemplate(text)
	if err != nil {
		return nil, err
	}
	s.templates[text] = t
	return t, nil
}

func (s *Store) render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render path template: %w", err)
	}
	return filepath.Join(s.root, filepath.FromSlash(buf.String())), nil
}

// ReadForecast reads every cycle needed for each model, keeps the records of
// the query parameter and the selected members, and merges lags onto the
// requested cycles.
func (s *Store) ReadForecast(ctx context.Context, q pipeline.ForecastQuery) (domain.ForecastSet, error) {
	out := make(domain.ForecastSet, len(q.Models))
	for _, model := range q.Models {
		source := q.SourceModel(model)
		tmpl, err := s.templateFor(q.FileTemplates[model])
		if err != nil {
			return nil, err
		}

		var rows []domain.ForecastRow
		units := q.Parameter.Units
		for _, cycle := range q.Cycles(model) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			path, err := s.render(tmpl, forecastPath{Model: source, Cycle: cycle, Parameter: q.Parameter.FullName})
			if err != nil {
				return nil, err
			}
			n := 0
			err = readLines(path, func(rec ForecastRecord) {
				if !strings.EqualFold(rec.Parameter, q.Parameter.FullName) {
					return
				}
				row := recordToRow(rec, q.Members[model])
				if len(row.Members) == 0 {
					return
				}
				if rec.Units != "" {
					units = rec.Units
				}
				rows = append(rows, row)
				n++
			})
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Debug("forecast file missing", "model", source, "path", path)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read forecast %s: %w", model, err)
			}
			s.logger.Debug("forecast file read", "model", source, "path", path, "rows", n)
		}
		if len(rows) == 0 {
			continue
		}

		start, end, leads := q.Window(model)
		out[model] = domain.ForecastTable{
			Model:     model,
			Parameter: q.Parameter.FullName,
			Units:     units,
			Rows:      domain.MergeLags(rows, q.Lag(model), start, end, leads),
		}
	}
	return out, nil
}

func recordToRow(rec ForecastRecord, members domain.ModelOption[[]int]) domain.ForecastRow {
	cycle := rec.FcstCycle.UTC()
	return domain.ForecastRow{
		SubModel:  rec.SubModel,
		StationID: rec.StationID,
		FcstCycle: cycle,
		LeadTime:  rec.LeadTime,
		ValidTime: cycle.Add(time.Duration(rec.LeadTime) * time.Hour),
		Members:   domain.SelectMembers(rec.Members, members.For(rec.SubModel)),
		Extra:     rec.Extra,
	}
}

// ReadObservations reads the daily observation files covering the query
// window and keeps rows for the requested stations.
func (s *Store) ReadObservations(ctx context.Context, q pipeline.ObservationQuery) (domain.ObservationTable, error) {
	stations := make(map[string]struct{}, len(q.Stations))
	for _, st := range q.Stations {
		stations[st] = struct{}{}
	}
	columns := make(map[string]struct{})
	var rows []domain.ObservationRow

	for day := q.Start.UTC().Truncate(24 * time.Hour); !day.After(q.End); day = day.Add(24 * time.Hour) {
		if err := ctx.Err(); err != nil {
			return domain.ObservationTable{}, err
		}
		path, err := s.render(s.obs, observationPath{Date: day, Parameter: q.Parameter.FullName})
		if err != nil {
			return domain.ObservationTable{}, err
		}
		err = readLines(path, func(rec ObservationRecord) {
			valid := rec.ValidTime.UTC()
			if valid.Before(q.Start) || valid.After(q.End) {
				return
			}
			if _, ok := stations[rec.StationID]; len(stations) > 0 && !ok {
				return
			}
			for c := range rec.Values {
				columns[c] = struct{}{}
			}
			rows = append(rows, domain.ObservationRow{StationID: rec.StationID, ValidTime: valid, Values: rec.Values})
		})
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("observation file missing", "path", path)
			continue
		}
		if err != nil {
			return domain.ObservationTable{}, fmt.Errorf("read observations: %w", err)
		}
	}
	return domain.ObservationTable{Columns: slices.Sorted(maps.Keys(columns)), Rows: rows}, nil
}

// readLines decodes each non-blank line of a JSON-lines file into T.
func readLines[T any](path string, fn func(T)) error {
	f, err := os.Open(path) //nolint:gosec // path rendered from the configured templates
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(b, &rec); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		fn(rec)
	}
	return sc.Err()
}

// ForecastPath returns the file holding one cycle of model, rendered with
// the default forecast template.
func (s *Store) ForecastPath(model string, cycle time.Time, parameter string) (string, error) {
	return s.render(s.fcst, forecastPath{Model: model, Cycle: cycle.UTC(), Parameter: parameter})
}

// ObservationsPath returns the file holding the observations of day.
func (s *Store) ObservationsPath(day time.Time, parameter string) (string, error) {
	return s.render(s.obs, observationPath{Date: day.UTC().Truncate(24 * time.Hour), Parameter: parameter})
}

// WriteLines writes records as a JSON-lines file, creating parent
// directories as needed.
func WriteLines[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path) //nolint:gosec // path rendered from the configured templates
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			f.Close()
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
