package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/point-verif/internal/adapter/sink"
	"github.com/couchcryptid/point-verif/internal/domain"
	"github.com/couchcryptid/point-verif/internal/observability"
	"github.com/couchcryptid/point-verif/internal/param"
	"github.com/couchcryptid/point-verif/internal/pipeline"
	"github.com/couchcryptid/point-verif/internal/scoring"
)

func newTestMetrics() *observability.Metrics {
	// Use a fresh registry to avoid "already registered" panics in tests.
	return observability.NewMetricsForTesting()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func useFakeClock(t *testing.T) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(nil) })
}

type fixture struct {
	forecasts *mockForecastReader
	obs       *mockObservationReader
	scorer    pipeline.Scorer
	sink      pipeline.Sink
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func newFixture(rows map[string][]domain.ForecastRow, obsColumn string, obsFrom []domain.ForecastRow) *fixture {
	return &fixture{
		forecasts: &mockForecastReader{rows: rows},
		obs:       &mockObservationReader{column: obsColumn, rows: observationsFor(obsColumn, obsFrom)},
		scorer:    scoring.NewEngine(discardLogger()),
		logger:    discardLogger(),
		metrics:   newTestMetrics(),
	}
}

func (f *fixture) verifier() *pipeline.Verifier {
	return pipeline.New(f.forecasts, f.obs, param.NewResolver(), f.scorer, f.sink, f.logger, f.metrics)
}

func summaryLeads(res *domain.VerificationResult) []string {
	var out []string
	for _, r := range res.Tables[domain.TableSummary] {
		out = append(out, r.Model+"@"+r.Groups[domain.ColLeadTime])
	}
	return out
}

// --- tests ---

func TestVerify_EndToEnd_AccumulationSkipsLeadTimes(t *testing.T) {
	rows := forecastFixture(map[int][]string{
		0: {"1", "2"},
		3: {"2", "3"},
		6: {"1", "2"},
		9: {"2", "3"},
	})
	f := newFixture(map[string][]domain.ForecastRow{"A": rows, "B": rows}, "Pcp", rows)
	var logs bytes.Buffer
	f.logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{0, 3, 6, 9}, "AccPcp6h", "A", "B")
	req.NumIterations = 2

	res, err := f.verifier().Verify(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, f.forecasts.queries, 2)
	assert.Equal(t, []int{6}, f.forecasts.queries[0].LeadTimes)
	assert.Equal(t, []int{9}, f.forecasts.queries[1].LeadTimes)

	assert.Equal(t, []string{"A@6", "B@6", "A@9", "B@9"}, summaryLeads(res))
	assert.Equal(t, []string{"1", "2", "3"}, res.Attributes.Stations)
	assert.Equal(t, "3", res.Attributes.NumStations)
	assert.Equal(t, 2, res.Attributes.NumIterations)
	assert.Equal(t, "AccPcp6h", res.Attributes.Parameter)
	assert.Equal(t, []string{domain.ColLeadTime}, res.Attributes.GroupVars)

	out := logs.String()
	assert.Equal(t, 2, strings.Count(out, "lead time skipped"))
	assert.Contains(t, out, "lead_time=0")
	assert.Contains(t, out, "lead_time=3")
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.ChunksProcessed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Runs.WithLabelValues("success")), 0)
}

func TestVerify_AllChunksSkipped_NoData(t *testing.T) {
	rows := forecastFixture(map[int][]string{0: {"1"}, 3: {"1"}, 6: {"1"}, 9: {"1"}})
	f := newFixture(map[string][]domain.ForecastRow{"A": rows}, "Pcp", rows)

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{0, 3, 6, 9}, "AccPcp12h", "A")
	req.NumIterations = 2

	_, err := f.verifier().Verify(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrNoData)
	assert.Equal(t, 0, f.forecasts.calls(), "no data is read for skipped chunks")
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.ChunksSkipped.WithLabelValues("accumulation")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Runs.WithLabelValues("no_data")), 0)
}

func TestVerify_ScaleForUnknownModel_ConfigError(t *testing.T) {
	rows := forecastFixture(map[int][]string{6: {"1"}})
	f := newFixture(map[string][]domain.ForecastRow{"A": rows, "B": rows}, "Pcp", rows)

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{6}, "Pcp", "A", "B")
	req.Variants.Scale = domain.PerModel(map[string]domain.ScaleSpec{
		"modelX": {ScaleFactor: 1000, NewUnits: "mm", Multiplicative: true},
	})

	_, err := f.verifier().Verify(context.Background(), req)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "modelX", cfgErr.Value)
	assert.Contains(t, err.Error(), "modelX")
	assert.Equal(t, 0, f.forecasts.calls())
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Runs.WithLabelValues("config_error")), 0)
}

func TestVerify_NoCommonCases_SkipsChunk(t *testing.T) {
	a := forecastFixture(map[int][]string{6: {"1"}, 9: {"2", "3"}})
	b := forecastFixture(map[int][]string{6: {"2"}, 9: {"2", "3"}})
	f := newFixture(map[string][]domain.ForecastRow{"A": a, "B": b}, "Pcp", append(a, b...))
	v := f.verifier()

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{6, 9}, "Pcp", "A", "B")
	req.NumIterations = 2
	req.RunID = "run-42"

	res, err := v.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, res.Attributes.Stations)
	assert.Equal(t, []string{"A@9", "B@9"}, summaryLeads(res))
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ChunksSkipped.WithLabelValues("no_common_cases")), 0)

	st := v.Status()
	assert.Equal(t, "run-42", st.RunID)
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.Iterations)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Skipped)
	assert.Empty(t, st.LastError)
}

func TestVerify_CommonCasesDisabled_KeepsAllCases(t *testing.T) {
	a := forecastFixture(map[int][]string{6: {"1", "2"}})
	b := forecastFixture(map[int][]string{6: {"2"}})
	f := newFixture(map[string][]domain.ForecastRow{"A": a, "B": b}, "Pcp", a)
	scorer := &stationScorer{}
	f.scorer = scorer

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{6}, "Pcp", "A", "B")
	req.CommonCasesOnly = false

	_, err := f.verifier().Verify(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, scorer.chunks, 1)
	assert.Len(t, scorer.chunks[0].Tables["A"].Rows, 2)
	assert.Len(t, scorer.chunks[0].Tables["B"].Rows, 1)
}

func TestVerify_GrossErrorCheck_RemovesCase(t *testing.T) {
	rows := forecastFixture(map[int][]string{6: {"1", "2"}})
	f := newFixture(map[string][]domain.ForecastRow{"A": rows, "B": rows}, "Pcp", rows)
	scorer := &stationScorer{}
	f.scorer = scorer

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{6}, "Pcp", "A", "B")
	req.Bounds = &domain.Bounds{Max: domain.Float(3)}

	res, err := f.verifier().Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.Attributes.Stations)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.QCRejected.WithLabelValues("gross")), 0)
	for _, m := range []string{"A", "B"} {
		require.Len(t, scorer.chunks[0].Tables[m].Rows, 1, m)
		assert.InDelta(t, 2.5, scorer.chunks[0].Tables[m].Rows[0].Obs, 1e-12, "values are never modified")
	}
}

func TestVerify_GrossErrorCheck_EmptyAfterQC(t *testing.T) {
	rows := forecastFixture(map[int][]string{6: {"1"}})
	f := newFixture(map[string][]domain.ForecastRow{"A": rows}, "Pcp", rows)

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{6}, "Pcp", "A")
	req.Bounds = &domain.Bounds{Max: domain.Float(1)}

	_, err := f.verifier().Verify(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrNoData)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ChunksSkipped.WithLabelValues("empty_after_qc")), 0)
}

func TestVerify_UnknownObservationColumn_ConfigError(t *testing.T) {
	rows := forecastFixture(map[int][]string{6: {"1"}})
	f := newFixture(map[string][]domain.ForecastRow{"A": rows}, "T2m", rows)

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{6}, "Pcp", "A")

	_, err := f.verifier().Verify(context.Background(), req)
	require.True(t, domain.IsConfigError(err))
	assert.Contains(t, err.Error(), "don't know what to do with parameter")
}

func TestVerify_ReadErrorAborts(t *testing.T) {
	f := newFixture(nil, "Pcp", nil)
	boom := errors.New("archive unavailable")
	f.forecasts.err = boom

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{6, 12}, "Pcp", "A")

	_, err := f.verifier().Verify(context.Background(), req)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "iteration 1")
	assert.False(t, domain.IsSkippable(err))
	assert.Equal(t, 1, f.forecasts.calls(), "run stops at the first failure")
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Runs.WithLabelValues("error")), 0)
}

func TestVerify_ShiftKeepUnshifted_MergePathsAgree(t *testing.T) {
	useFakeClock(t)
	cycle := baseCycle.Add(6 * time.Hour)
	rows := map[string][]domain.ForecastRow{
		"A": {
			ensembleRow("1", 0, 6, 2),
			ensembleRow("1", 0, 12, 3),
			ensembleRow("1", 6, 6, 4),
		},
		"B": {ensembleRow("1", 6, 6, 5)},
	}
	obs := []domain.ForecastRow{ensembleRow("1", 6, 6, 4)}

	run := func(mergeOnRead bool) (*domain.VerificationResult, *mockForecastReader) {
		f := newFixture(rows, "Pcp", obs)
		req := pipeline.NewRequest(cycle, cycle, []int{6}, "Pcp", "A", "B")
		req.Variants.Shift = domain.PerModel(map[string]int{"A": 6})
		req.Variants.KeepUnshifted = true
		req.MergeLagsOnRead = mergeOnRead
		res, err := f.verifier().Verify(context.Background(), req)
		require.NoError(t, err)
		return res, f.forecasts
	}

	merged, mergedReader := run(true)
	shifted, shiftedReader := run(false)

	if diff := cmp.Diff(merged, shifted); diff != "" {
		t.Fatalf("merge paths differ (-merge_lags_on_read +shift_after_read):\n%s", diff)
	}

	q := mergedReader.queries[0]
	assert.Equal(t, domain.ModelSet{"A", "B", "A_unshifted"}, q.Models)
	assert.Equal(t, "21600s", q.Lags["A"].String())
	assert.Equal(t, "A", q.SourceModel("A_unshifted"))

	q = shiftedReader.queries[0]
	assert.Equal(t, domain.ModelSet{"A", "B"}, q.Models)
	assert.Equal(t, cycle, q.Start)
	assert.Equal(t, []int{6}, q.LeadTimes)
	assert.Equal(t, map[string]int{"A": 6}, q.Shifts)
	start, _, leads := q.Window("A")
	assert.Equal(t, baseCycle, start)
	assert.Equal(t, []int{6, 12}, leads)

	var models []string
	var bias []float64
	for _, r := range merged.Tables[domain.TableSummary] {
		models = append(models, r.Model)
		bias = append(bias, r.Scores["mean_bias"])
	}
	assert.Equal(t, []string{"A", "B", "A"}, models, "unshifted suffix is stripped")
	assert.InDeltaSlice(t, []float64{-1.5, 0.5, -0.5}, bias, 1e-12)
}

func TestVerify_ShiftWithMultiOffsetLag_MergePathsDiffer(t *testing.T) {
	cycle := baseCycle.Add(6 * time.Hour)
	rows := map[string][]domain.ForecastRow{
		"A": {
			ensembleRow("1", -6, 18, 2),
			ensembleRow("1", 0, 12, 3),
		},
		"B": {ensembleRow("1", 6, 6, 5)},
	}
	obs := []domain.ForecastRow{ensembleRow("1", 6, 6, 4)}

	members := func(mergeOnRead bool) []string {
		f := newFixture(rows, "Pcp", obs)
		scorer := &stationScorer{}
		f.scorer = scorer
		req := pipeline.NewRequest(cycle, cycle, []int{6}, "Pcp", "A", "B")
		req.Variants.Lag = domain.Scalar(domain.MustParseLag("0h,6h"))
		req.Variants.Shift = domain.PerModel(map[string]int{"A": 6})
		req.MergeLagsOnRead = mergeOnRead
		_, err := f.verifier().Verify(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, scorer.chunks, 1)
		a := scorer.chunks[0].Tables["A"].Rows
		require.Len(t, a, 1)
		return a[0].MemberNames()
	}

	// Merged on read the shift replaces the lag; shifted after the read the
	// lag members are kept.
	assert.Equal(t, []string{"mbr000", "mbr001", "mbr002"}, members(true))
	assert.Equal(t, []string{
		"mbr000", "mbr000_lag6h", "mbr001", "mbr001_lag6h", "mbr002", "mbr002_lag6h",
	}, members(false))
}

func TestVerify_LagOntoParentCycles(t *testing.T) {
	rows := map[string][]domain.ForecastRow{
		"A": {
			ensembleRow("1", 0, 12, 3),
			ensembleRow("1", 6, 6, 4),
		},
	}
	obs := []domain.ForecastRow{ensembleRow("1", 0, 12, 3)}

	for _, mergeOnRead := range []bool{true, false} {
		t.Run(fmt.Sprintf("merge_lags_on_read=%t", mergeOnRead), func(t *testing.T) {
			f := newFixture(rows, "Pcp", obs)
			scorer := &stationScorer{}
			f.scorer = scorer

			req := pipeline.NewRequest(baseCycle, baseCycle, []int{12}, "Pcp", "A")
			req.By = 6 * time.Hour
			req.MergeLagsOnRead = mergeOnRead
			req.Variants.LagForecast = domain.LagForecastSpec{Models: []string{"A"}, ParentCycles: []int{0}}

			_, err := f.verifier().Verify(context.Background(), req)
			require.NoError(t, err)

			q := f.forecasts.queries[0]
			assert.Equal(t, map[string][]int{"A": {0}}, q.ParentCycles)
			assert.Contains(t, q.Cycles("A"), baseCycle.Add(6*time.Hour))
			_, _, leads := q.Window("A")
			assert.Contains(t, leads, 6)

			require.Len(t, scorer.chunks, 1)
			a := scorer.chunks[0].Tables["A"].Rows
			require.Len(t, a, 1)
			assert.Equal(t, baseCycle, a[0].FcstCycle)
			assert.Equal(t, 12, a[0].LeadTime)
			assert.Equal(t, []string{
				"mbr000", "mbr000_lag6h", "mbr001", "mbr001_lag6h", "mbr002", "mbr002_lag6h",
			}, a[0].MemberNames())
		})
	}
}

func TestVerify_RowsWithoutMembersSkipChunk(t *testing.T) {
	empty := ensembleRow("1", 0, 6, 2)
	empty.Members = map[string]float64{}
	full := forecastFixture(map[int][]string{12: {"1"}})
	rows := append([]domain.ForecastRow{empty}, full...)
	f := newFixture(map[string][]domain.ForecastRow{"A": rows}, "Pcp", append([]domain.ForecastRow{ensembleRow("1", 0, 6, 2)}, full...))

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{6, 12}, "Pcp", "A")
	req.NumIterations = 2

	res, err := f.verifier().Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"A@12"}, summaryLeads(res))
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ChunksSkipped.WithLabelValues("no_forecast")), 0)
	for _, r := range res.Tables[domain.TableSummary] {
		for name, v := range r.Scores {
			assert.False(t, math.IsNaN(v), name)
		}
	}
}

func TestVerify_ConcurrentMatchesSequential(t *testing.T) {
	useFakeClock(t)
	rows := forecastFixture(map[int][]string{
		0:  {"1", "2"},
		3:  {"2", "3"},
		6:  {"1", "3"},
		9:  {"4"},
		12: {"1", "2", "3", "4"},
	})
	leads := []int{0, 3, 6, 9, 12}

	run := func(workers int) *domain.VerificationResult {
		f := newFixture(map[string][]domain.ForecastRow{"A": rows, "B": rows}, "Pcp", rows)
		req := pipeline.NewRequest(baseCycle, baseCycle, leads, "Pcp", "A", "B")
		req.NumIterations = 5
		req.Workers = workers
		req.Thresholds = []float64{2.5, 4}
		res, err := f.verifier().Verify(context.Background(), req)
		require.NoError(t, err)
		return res
	}

	sequential := run(0)
	concurrent := run(3)
	if diff := cmp.Diff(sequential, concurrent); diff != "" {
		t.Fatalf("concurrent result differs (-sequential +concurrent):\n%s", diff)
	}
	assert.Equal(t, 5, concurrent.Attributes.NumIterations)
	assert.Equal(t, []string{"1", "2", "3", "4"}, concurrent.Attributes.Stations)
}

func TestVerify_PersistsResult(t *testing.T) {
	rows := forecastFixture(map[int][]string{6: {"1"}})
	f := newFixture(map[string][]domain.ForecastRow{"A": rows}, "Pcp", rows)
	sink := &mockSink{}
	f.sink = sink

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{6}, "Pcp", "A")
	req.Destination = "out/result.json"

	res, err := f.verifier().Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "out/result.json", sink.dest)
	require.Len(t, sink.results, 1)
	assert.Same(t, res, sink.results[0])
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ResultsPersisted.WithLabelValues("file")), 0)
}

func TestVerify_DestinationWithoutSink(t *testing.T) {
	f := newFixture(nil, "Pcp", nil)
	req := pipeline.NewRequest(baseCycle, baseCycle, []int{6}, "Pcp", "A")
	req.Destination = "kafka://results"

	_, err := f.verifier().Verify(context.Background(), req)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "output", cfgErr.Field)
}

func TestVerify_UnroutableDestination_FailsBeforeReading(t *testing.T) {
	rows := forecastFixture(map[int][]string{6: {"1"}, 12: {"1"}})
	f := newFixture(map[string][]domain.ForecastRow{"A": rows}, "Pcp", rows)
	f.sink = sink.NewRouter()

	req := pipeline.NewRequest(baseCycle, baseCycle, []int{6, 12}, "Pcp", "A")
	req.NumIterations = 2
	req.Destination = "redis://verif:t2m"

	_, err := f.verifier().Verify(context.Background(), req)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "output", cfgErr.Field)
	assert.Contains(t, err.Error(), "no redis sink configured")
	assert.Equal(t, 0, f.forecasts.calls())
	assert.InDelta(t, 0, testutil.ToFloat64(f.metrics.ChunksProcessed), 0)
}

func TestVerify_RequestValidation(t *testing.T) {
	f := newFixture(nil, "Pcp", nil)
	v := f.verifier()

	tests := []struct {
		name  string
		field string
		edit  func(*pipeline.Request)
	}{
		{"end before start", "end_date", func(r *pipeline.Request) { r.End = r.Start.Add(-time.Hour) }},
		{"no lead times", "lead_times", func(r *pipeline.Request) { r.LeadTimes = nil }},
		{"unknown grouping", "groupings", func(r *pipeline.Request) { r.Groupings = []string{"station_name"} }},
		{"malformed extra column", "extra_group_cols", func(r *pipeline.Request) { r.ExtraGroupCols = domain.Cols("bad col") }},
		{"unknown parameter", "parameter", func(r *pipeline.Request) { r.Parameter = "Foo" }},
		{"lag_fcst without parents", "lag_fcst_models", func(r *pipeline.Request) {
			r.Variants.LagForecast = domain.LagForecastSpec{Models: []string{"A"}}
		}},
		{"climatology model", "climatology", func(r *pipeline.Request) {
			r.Climatology = domain.MemberClimatology("C", "mbr000")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := pipeline.NewRequest(baseCycle, baseCycle, []int{6}, "Pcp", "A")
			tt.edit(&req)
			_, err := v.Verify(context.Background(), req)
			var cfgErr *domain.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
	assert.Equal(t, 0, f.forecasts.calls())
}

func TestVerifier_Readiness(t *testing.T) {
	rows := forecastFixture(map[int][]string{6: {"1"}})
	f := newFixture(map[string][]domain.ForecastRow{"A": rows}, "Pcp", rows)
	v := f.verifier()

	require.Error(t, v.CheckReadiness(context.Background()))

	_, err := v.Verify(context.Background(), pipeline.NewRequest(baseCycle, baseCycle, []int{6}, "Pcp", "A"))
	require.NoError(t, err)
	assert.NoError(t, v.CheckReadiness(context.Background()))
	assert.InDelta(t, 0, testutil.ToFloat64(f.metrics.PipelineRunning), 0)
}

func TestVerify_ContextCancelled(t *testing.T) {
	rows := forecastFixture(map[int][]string{6: {"1"}})
	f := newFixture(map[string][]domain.ForecastRow{"A": rows}, "Pcp", rows)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.verifier().Verify(ctx, pipeline.NewRequest(baseCycle, baseCycle, []int{6}, "Pcp", "A"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.forecasts.calls())
}
