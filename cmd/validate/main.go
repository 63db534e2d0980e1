// Command validate checks a file-store fixture against a run definition
// before a verification run: the definition converts to a valid request, every
// model has forecasts for every cycle and lead time, observations are present
// and physically plausible, and enough forecast cases find an observation.
//
// Usage:
//
//	go run ./cmd/validate -run run.yaml -min-match 0.9
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/couchcryptid/point-verif/internal/adapter/filestore"
	"github.com/couchcryptid/point-verif/internal/config"
	"github.com/couchcryptid/point-verif/internal/domain"
	"github.com/couchcryptid/point-verif/internal/param"
	"github.com/couchcryptid/point-verif/internal/pipeline"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	runFile := flag.String("run", "run.yaml", "run definition")
	minMatch := flag.Float64("min-match", 0.5, "minimum fraction of forecast cases with an observation")
	flag.Parse()

	os.Exit(run(context.Background(), *runFile, *minMatch, os.Stdout))
}

// plan is a run definition resolved far enough to read its data.
type plan struct {
	req      pipeline.Request
	variants *domain.Variants
	param    domain.Parameter
	store    *filestore.Store
}

func run(ctx context.Context, runFile string, minMatch float64, out io.Writer) int {
	defPhase, p := validateDefinition(runFile)
	phases := []*phase{defPhase}
	if p != nil {
		fcst, fcstPhase := validateForecasts(ctx, p)
		obs, obsPhase := validateObservations(ctx, p, fcst)
		phases = append(phases, fcstPhase, obsPhase, validateMatching(p, fcst, obs, minMatch))
	}

	fmt.Fprintln(out)
	allPassed := true
	for _, ph := range phases {
		status := "\033[32mPASS\033[0m"
		if !ph.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(ph.errors))
			allPassed = false
		}
		fmt.Fprintf(out, "  %-42s %s\n", ph.name, status)
	}

	for _, ph := range phases {
		if ph.passed() {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", ph.name)
		for i, e := range ph.errors {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(out, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(out, "\nValidation FAILED.")
	return 1
}

// ── Phase 1: run definition ──

func validateDefinition(runFile string) (*phase, *plan) {
	ph := &phase{name: "Run definition"}

	rc, err := config.LoadRunConfig(runFile)
	if err != nil {
		ph.errorf("%v", err)
		return ph, nil
	}
	if rc.Source.Kind != config.SourceFile {
		ph.errorf("source kind %q: only file sources can be validated", rc.Source.Kind)
		return ph, nil
	}
	req, err := rc.Request()
	if err != nil {
		ph.errorf("%v", err)
		return ph, nil
	}
	if err := domain.ValidateLeadTimes(req.LeadTimes); err != nil {
		ph.errorf("%v", err)
	}
	variants, err := domain.ResolveVariants(req.Variants, nil)
	if err != nil {
		ph.errorf("%v", err)
		return ph, nil
	}
	if err := req.Climatology.Validate(variants.Models); err != nil {
		ph.errorf("%v", err)
	}
	par, err := param.NewResolver().Resolve(req.Parameter)
	if err != nil {
		ph.errorf("%v", err)
		return ph, nil
	}
	store, err := filestore.New(rc.Source.Dir, rc.Source.ForecastTemplate, rc.Source.ObservationsTemplate,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		ph.errorf("%v", err)
		return ph, nil
	}
	if !ph.passed() {
		return ph, nil
	}
	return ph, &plan{req: req, variants: variants, param: par, store: store}
}

// ── Phase 2: forecast coverage ──

func validateForecasts(ctx context.Context, p *plan) (domain.ForecastSet, *phase) {
	ph := &phase{name: "Forecast coverage"}
	v := p.variants
	q := pipeline.ForecastQuery{
		Start:         p.req.Start,
		End:           p.req.End,
		By:            p.req.By,
		Parameter:     p.param,
		Models:        v.BaseModels(),
		LeadTimes:     p.req.LeadTimes,
		Lags:          v.UnshiftedLags(),
		Members:       v.Members,
		FileTemplates: v.FileTemplates,
	}
	set, err := p.store.ReadForecast(ctx, q)
	if err != nil {
		ph.errorf("read forecasts: %v", err)
		return nil, ph
	}

	for _, model := range q.Models {
		tbl, ok := set[model]
		if !ok || len(tbl.Rows) == 0 {
			ph.errorf("%s: no forecasts found", model)
			continue
		}
		have := make(map[time.Time]map[int]bool)
		members := make(map[string]int)
		for _, r := range tbl.Rows {
			if have[r.FcstCycle] == nil {
				have[r.FcstCycle] = make(map[int]bool)
			}
			have[r.FcstCycle][r.LeadTime] = true
			if n, seen := members[r.SubModel]; seen && n != len(r.Members) {
				ph.errorf("%s: station %s cycle %s lead %d has %d members, expected %d",
					model, r.StationID, r.FcstCycle.Format(time.RFC3339), r.LeadTime, len(r.Members), n)
			}
			members[r.SubModel] = len(r.Members)
		}
		for cycle := p.req.Start; !cycle.After(p.req.End); cycle = cycle.Add(p.req.By) {
			for _, lt := range p.req.LeadTimes {
				if !have[cycle][lt] {
					ph.errorf("%s: cycle %s lead time %d missing", model, cycle.Format(time.RFC3339), lt)
				}
			}
		}
	}
	return set, ph
}

// ── Phase 3: observations ──

func validateObservations(ctx context.Context, p *plan, fcst domain.ForecastSet) (domain.ObservationTable, *phase) {
	ph := &phase{name: "Observation values"}
	start, end, ok := fcst.ValidRange()
	if !ok {
		ph.errorf("no forecast validity times to read observations for")
		return domain.ObservationTable{}, ph
	}
	obs, err := p.store.ReadObservations(ctx, pipeline.ObservationQuery{
		Start:     start,
		End:       end,
		Parameter: p.param,
		Stations:  fcst.Stations(),
	})
	if err != nil {
		ph.errorf("read observations: %v", err)
		return obs, ph
	}
	column := obsColumn(p.param, obs.Columns)
	if column == "" {
		ph.errorf("no %s column in observations (have %v)", p.param.FullName, obs.Columns)
		return obs, ph
	}

	bounds := p.param.Bounds
	if p.req.Bounds != nil {
		bounds = *p.req.Bounds
	}
	for _, r := range obs.Rows {
		val, ok := r.Values[column]
		if !ok {
			continue
		}
		if (bounds.Min != nil && val < *bounds.Min) || (bounds.Max != nil && val > *bounds.Max) {
			ph.errorf("station %s at %s: %s=%g outside bounds", r.StationID, r.ValidTime.Format(time.RFC3339), column, val)
		}
	}
	return obs, ph
}

func obsColumn(p domain.Parameter, columns []string) string {
	for _, name := range []string{p.FullName, p.BaseName} {
		if slices.Contains(columns, name) {
			return name
		}
	}
	return ""
}

// ── Phase 4: case matching ──

func validateMatching(p *plan, fcst domain.ForecastSet, obs domain.ObservationTable, minMatch float64) *phase {
	ph := &phase{name: "Forecast/observation matching"}
	type key struct {
		station string
		valid   time.Time
	}
	observed := make(map[key]bool, len(obs.Rows))
	for _, r := range obs.Rows {
		observed[key{r.StationID, r.ValidTime}] = true
	}

	for _, model := range p.variants.BaseModels() {
		tbl, ok := fcst[model]
		if !ok || len(tbl.Rows) == 0 {
			continue
		}
		matched := 0
		for _, r := range tbl.Rows {
			if observed[key{r.StationID, r.ValidTime}] {
				matched++
			}
		}
		if frac := float64(matched) / float64(len(tbl.Rows)); frac < minMatch {
			ph.errorf("%s: %d of %d cases (%.0f%%) have an observation, need %.0f%%",
				model, matched, len(tbl.Rows), 100*frac, 100*minMatch)
		}
	}
	return ph
}
