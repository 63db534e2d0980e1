package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/point-verif/internal/domain"
	"github.com/couchcryptid/point-verif/internal/observability"
)

// ForecastQuery selects the forecasts of one chunk.
type ForecastQuery struct {
	// Start and End bound the forecast cycles, stepped by By.
	Start     time.Time
	End       time.Time
	By        time.Duration
	Parameter domain.Parameter
	Models    domain.ModelSet
	LeadTimes []int
	// Lags are applied by the reader: the cycles and lead times needed for
	// every offset are read and merged onto the requested cycles.
	Lags map[string]domain.LagSpec
	// Shifts are applied by the pipeline after the read. A shifted model needs
	// cycles that many hours earlier, at lead times that many hours longer.
	Shifts        map[string]int
	Members       map[string]domain.ModelOption[[]int]
	FileTemplates map[string]string
	// Aliases maps a model name to the stored model it is read from.
	Aliases map[string]string
	// ParentCycles lists the parent cycle hours of models lagged onto parent
	// cycles after the read. Every cycle up to the next parent is read, at
	// lead times shortened by its lag.
	ParentCycles map[string][]int
}

// Lag returns the lag to merge for model.
func (q ForecastQuery) Lag(model string) domain.LagSpec {
	if l, ok := q.Lags[model]; ok {
		return l
	}
	return domain.ZeroLag
}

// Window returns the cycle range and lead times a reader must return for
// model once lags are merged.
func (q ForecastQuery) Window(model string) (time.Time, time.Time, []int) {
	h := q.Shifts[model]
	leads := slices.Clone(q.LeadTimes)
	if h != 0 {
		for _, lt := range q.LeadTimes {
			leads = append(leads, lt+h)
		}
	}
	end := q.End
	if parents, ok := q.ParentCycles[model]; ok {
		longest := domain.MaxLagToParent(parents)
		for _, lt := range slices.Clone(leads) {
			for k := 1; k <= longest && lt-k >= 0; k++ {
				leads = append(leads, lt-k)
			}
		}
		end = end.Add(time.Duration(longest) * time.Hour)
	}
	slices.Sort(leads)
	return q.Start.Add(-time.Duration(h) * time.Hour), end, slices.Compact(leads)
}

// Cycles returns the stored cycles to read for model: each cycle of the
// Start..End grid, together with the cycles lagged onto it, moved back by the
// model's shift and by every lag offset.
func (q ForecastQuery) Cycles(model string) []time.Time {
	back := []time.Duration{0}
	if h := q.Shifts[model]; h != 0 {
		back = append(back, time.Duration(h)*time.Hour)
	}
	parents, lagged := q.ParentCycles[model]
	seen := make(map[int64]struct{})
	var out []time.Time
	for c := q.Start; !c.After(q.End); c = c.Add(q.By) {
		grid := []time.Time{c}
		if lagged {
			grid = domain.LaggedCycles(c, parents)
		}
		for _, g := range grid {
			for _, b := range back {
				for _, off := range q.Lag(model).Durations() {
					rc := g.Add(-b - off)
					if _, dup := seen[rc.Unix()]; dup {
						continue
					}
					seen[rc.Unix()] = struct{}{}
					out = append(out, rc)
				}
			}
		}
		if q.By <= 0 {
			break
		}
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

// SourceModel returns the stored model name to read for model.
func (q ForecastQuery) SourceModel(model string) string {
	if src, ok := q.Aliases[model]; ok {
		return src
	}
	return model
}

// ObservationQuery selects the observations matching a chunk's forecasts.
type ObservationQuery struct {
	Start     time.Time
	End       time.Time
	Parameter domain.Parameter
	Stations  []string
}

// ForecastReader reads forecast tables, one per requested model.
type ForecastReader interface {
	ReadForecast(ctx context.Context, q ForecastQuery) (domain.ForecastSet, error)
}

// ObservationReader reads point observations.
type ObservationReader interface {
	ReadObservations(ctx context.Context, q ObservationQuery) (domain.ObservationTable, error)
}

// ParameterResolver resolves a parameter name.
type ParameterResolver interface {
	Resolve(name string) (domain.Parameter, error)
}

// Scorer scores one aligned chunk.
type Scorer interface {
	Score(ctx context.Context, req domain.ScoreRequest) (*domain.ChunkResult, error)
}

// Sink persists a finished result to a destination.
type Sink interface {
	Persist(ctx context.Context, res *domain.VerificationResult, dest string) error
}

// Status is a snapshot of the current or most recent run.
type Status struct {
	RunID      string    `json:"run_id,omitempty"`
	Running    bool      `json:"running"`
	Parameter  string    `json:"parameter,omitempty"`
	Iterations int       `json:"iterations"`
	Completed  int       `json:"completed"`
	Skipped    int       `json:"skipped"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
}

// Verifier orchestrates chunked verification runs.
type Verifier struct {
	forecasts    ForecastReader
	observations ObservationReader
	params       ParameterResolver
	scorer       Scorer
	sink         Sink
	logger       *slog.Logger
	metrics      *observability.Metrics
	ready        atomic.Bool

	mu     sync.Mutex
	status Status
}

// New creates a Verifier with the given collaborators and observability. sink
// may be nil when results are never persisted.
func New(fc ForecastReader, obs ObservationReader, params ParameterResolver, scorer Scorer, sink Sink, logger *slog.Logger, metrics *observability.Metrics) *Verifier {
	return &Verifier{
		forecasts:    fc,
		observations: obs,
		params:       params,
		scorer:       scorer,
		sink:         sink,
		logger:       logger,
		metrics:      metrics,
	}
}

// CheckReadiness returns nil once the verifier has finished at least one
// iteration, or an error describing why the service is not yet ready.
func (v *Verifier) CheckReadiness(_ context.Context) error {
	if !v.ready.Load() {
		return errors.New("verifier has not processed any chunks yet")
	}
	return nil
}

// Status returns a snapshot of the current or most recent run.
func (v *Verifier) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

func (v *Verifier) updateStatus(fn func(*Status)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(&v.status)
}

// Verify runs the whole pipeline: resolve options, process every lead-time
// chunk and merge the results. Configuration problems abort before any data
// is read; chunks without verifiable data are skipped. ErrNoData is returned
// when every chunk was skipped.
func (v *Verifier) Verify(ctx context.Context, req Request) (*domain.VerificationResult, error) {
	v.metrics.PipelineRunning.Set(1)
	defer v.metrics.PipelineRunning.Set(0)

	v.updateStatus(func(s *Status) {
		*s = Status{RunID: req.RunID, Running: true, Parameter: req.Parameter, StartedAt: domain.Now()}
	})

	res, err := v.verify(ctx, req)

	v.updateStatus(func(s *Status) {
		s.Running = false
		s.FinishedAt = domain.Now()
		if err != nil {
			s.LastError = err.Error()
		}
	})
	v.metrics.Runs.WithLabelValues(outcome(err)).Inc()
	return res, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrNoData):
		return "no_data"
	case domain.IsConfigError(err):
		return "config_error"
	default:
		return "error"
	}
}

func (v *Verifier) verify(ctx context.Context, req Request) (*domain.VerificationResult, error) {
	p, err := v.plan(req)
	if err != nil {
		return nil, err
	}

	v.updateStatus(func(s *Status) { s.Iterations = len(p.chunks) })
	v.logger.Info("verification started",
		"run_id", req.RunID,
		"parameter", p.param.FullName,
		"models", []string(p.variants.Models),
		"iterations", len(p.chunks),
		"workers", max(req.Workers, 1),
	)

	var results []*domain.ChunkResult
	if req.Workers > 1 && len(p.chunks) > 1 {
		results, err = v.runConcurrent(ctx, p, req.Workers)
	} else {
		results, err = v.runSequential(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	var acc domain.Accumulator
	for _, r := range results {
		acc.Add(r)
	}
	res, err := acc.Finalize(domain.RunMeta{RunID: req.RunID})
	if err != nil {
		v.logger.Warn("no chunk produced a result", "iterations", acc.Iterations())
		return nil, err
	}

	if req.Destination != "" {
		if err := v.sink.Persist(ctx, res, req.Destination); err != nil {
			return nil, fmt.Errorf("persist result to %s: %w", req.Destination, err)
		}
		v.metrics.ResultsPersisted.WithLabelValues(SinkKind(req.Destination)).Inc()
	}

	v.logger.Info("verification finished",
		"run_id", req.RunID,
		"chunks_used", acc.Len(),
		"iterations", acc.Iterations(),
		"num_stations", res.Attributes.NumStations,
	)
	return res, nil
}

// runSequential processes chunks one after the other, so only one chunk's
// data is held in memory at a time.
func (v *Verifier) runSequential(ctx context.Context, p *runPlan) ([]*domain.ChunkResult, error) {
	results := make([]*domain.ChunkResult, len(p.chunks))
	for i, leads := range p.chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := v.runChunk(ctx, p, i+1, leads)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}

// runConcurrent processes up to workers chunks at a time. Each chunk writes
// only its own slot, so merge order is the iteration order.
func (v *Verifier) runConcurrent(ctx context.Context, p *runPlan, workers int) ([]*domain.ChunkResult, error) {
	results := make([]*domain.ChunkResult, len(p.chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, leads := range p.chunks {
		g.Go(func() error {
			res, err := v.runChunk(gctx, p, i+1, leads)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runChunk processes one iteration. Skippable conditions are logged and
// reported as a nil result; anything else aborts the run.
func (v *Verifier) runChunk(ctx context.Context, p *runPlan, iteration int, leads []int) (*domain.ChunkResult, error) {
	start := time.Now()
	res, err := v.processChunk(ctx, p, iteration, leads)
	v.ready.Store(true)

	if err != nil {
		if !domain.IsSkippable(err) {
			return nil, fmt.Errorf("iteration %d (lead times %v): %w", iteration, leads, err)
		}
		reason := domain.SkipReason(err)
		v.logger.Warn("skipping chunk",
			"iteration", iteration,
			"lead_times", leads,
			"reason", reason,
			"error", err,
		)
		v.metrics.ChunksSkipped.WithLabelValues(reason).Inc()
		v.updateStatus(func(s *Status) { s.Skipped++ })
		return nil, nil
	}

	v.metrics.ChunksProcessed.Inc()
	v.metrics.ChunkDuration.Observe(time.Since(start).Seconds())
	v.updateStatus(func(s *Status) { s.Completed++ })

	level := slog.LevelDebug
	if p.req.ShowProgress {
		level = slog.LevelInfo
	}
	v.logger.Log(ctx, level, "chunk complete",
		"iteration", iteration,
		"of", len(p.chunks),
		"lead_times", leads,
		"stations", len(res.Stations),
		"duration", time.Since(start),
	)
	return res, nil
}
