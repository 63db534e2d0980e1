package pipeline_test

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/point-verif/internal/domain"
	"github.com/couchcryptid/point-verif/internal/pipeline"
)

var baseCycle = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

// --- mocks ---

// mockForecastReader serves raw rows per stored model and applies lags the
// way a real reader does.
type mockForecastReader struct {
	mu      sync.Mutex
	rows    map[string][]domain.ForecastRow
	err     error
	queries []pipeline.ForecastQuery
}

func (m *mockForecastReader) ReadForecast(_ context.Context, q pipeline.ForecastQuery) (domain.ForecastSet, error) {
	m.mu.Lock()
	m.queries = append(m.queries, q)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	out := make(domain.ForecastSet, len(q.Models))
	for _, model := range q.Models {
		raw, ok := m.rows[q.SourceModel(model)]
		if !ok {
			continue
		}
		start, end, leads := q.Window(model)
		out[model] = domain.ForecastTable{
			Model:     model,
			Parameter: q.Parameter.FullName,
			Units:     q.Parameter.Units,
			Rows:      domain.MergeLags(raw, q.Lag(model), start, end, leads),
		}
	}
	return out, nil
}

func (m *mockForecastReader) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

type mockObservationReader struct {
	column string
	rows   []domain.ObservationRow
}

func (m *mockObservationReader) ReadObservations(_ context.Context, q pipeline.ObservationQuery) (domain.ObservationTable, error) {
	out := domain.ObservationTable{Columns: []string{m.column}}
	for _, r := range m.rows {
		if r.ValidTime.Before(q.Start) || r.ValidTime.After(q.End) {
			continue
		}
		if len(q.Stations) > 0 && !slices.Contains(q.Stations, r.StationID) {
			continue
		}
		out.Rows = append(out.Rows, r)
	}
	return out, nil
}

// stationScorer returns a minimal result listing the chunk's lead times.
type stationScorer struct {
	mu     sync.Mutex
	chunks []domain.AlignedChunk
}

func (s *stationScorer) Score(_ context.Context, req domain.ScoreRequest) (*domain.ChunkResult, error) {
	s.mu.Lock()
	s.chunks = append(s.chunks, req.Chunk)
	s.mu.Unlock()

	rows := domain.ScoreTable{}
	for _, m := range req.Chunk.Models {
		rows = append(rows, domain.ScoreRow{
			Model:  m,
			Groups: map[string]string{"leadtime": fmt.Sprint(req.Chunk.LeadTimes)},
			Scores: map[string]float64{"num_cases": float64(len(req.Chunk.Tables[m].Rows))},
		})
	}
	return &domain.ChunkResult{
		Tables: map[string]domain.ScoreTable{domain.TableSummary: rows, domain.TableThreshold: {}},
		Attrs:  domain.ResultAttrs{Parameter: req.Chunk.Parameter.FullName, GroupVars: req.Groupings},
	}, nil
}

type mockSink struct {
	dest    string
	results []*domain.VerificationResult
}

func (m *mockSink) Persist(_ context.Context, res *domain.VerificationResult, dest string) error {
	m.dest = dest
	m.results = append(m.results, res)
	return nil
}

// --- fixtures ---

// ensembleRow builds a three-member forecast centred on centre.
func ensembleRow(station string, cycleHours, lead int, centre float64) domain.ForecastRow {
	cycle := baseCycle.Add(time.Duration(cycleHours) * time.Hour)
	return domain.ForecastRow{
		StationID: station,
		FcstCycle: cycle,
		LeadTime:  lead,
		ValidTime: cycle.Add(time.Duration(lead) * time.Hour),
		Members: map[string]float64{
			"mbr000": centre - 1,
			"mbr001": centre,
			"mbr002": centre + 1,
		},
	}
}

// forecastFixture returns forecasts for the given stations at every lead time
// of the base cycle.
func forecastFixture(stations map[int][]string) []domain.ForecastRow {
	var rows []domain.ForecastRow
	for _, lead := range slices.Sorted(maps.Keys(stations)) {
		for i, st := range stations[lead] {
			rows = append(rows, ensembleRow(st, 0, lead, float64(2+i)))
		}
	}
	return rows
}

// observationsFor returns an observation equal to centre+0.5 for every
// forecast row.
func observationsFor(column string, rows []domain.ForecastRow) []domain.ObservationRow {
	seen := make(map[string]bool)
	var out []domain.ObservationRow
	for _, r := range rows {
		key := r.StationID + r.ValidTime.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, domain.ObservationRow{
			StationID: r.StationID,
			ValidTime: r.ValidTime,
			Values:    map[string]float64{column: r.Members["mbr001"] + 0.5},
		})
	}
	return out
}
