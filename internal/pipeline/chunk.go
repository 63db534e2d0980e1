package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchcryptid/point-verif/internal/domain"
)

// runPlan is the validated, resolved form of a Request shared by every chunk.
type runPlan struct {
	req       Request
	param     domain.Parameter
	variants  *domain.Variants
	chunks    [][]int
	qc        domain.QCOptions
	transform forecastTransformer
}

// errNoScore marks a chunk for which the scorer returned nothing.
var errNoScore = fmt.Errorf("%w: scorer returned no result", domain.ErrSkipChunk)

func (v *Verifier) plan(req Request) (*runPlan, error) {
	if err := req.validate(v.sink); err != nil {
		return nil, err
	}

	param, err := v.params.Resolve(req.Parameter)
	if err != nil {
		if domain.IsConfigError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve parameter %s: %w", req.Parameter, err)
	}

	variants, err := domain.ResolveVariants(req.Variants, v.logger)
	if err != nil {
		return nil, err
	}
	if err := req.Climatology.Validate(variants.Models); err != nil {
		return nil, err
	}

	chunks, err := domain.PartitionLeadTimes(req.LeadTimes, req.NumIterations)
	if err != nil {
		return nil, err
	}

	qc := domain.QCOptions{
		GrossErrorCheck:     req.GrossErrorCheck,
		Bounds:              param.Bounds.Override(req.Bounds),
		CheckObsAgainstFcst: req.CheckObsAgainstFcst,
		NumSDAllowed:        param.NumSD,
	}
	if req.NumSDAllowed != nil {
		qc.NumSDAllowed = *req.NumSDAllowed
	}

	return &runPlan{
		req:      req,
		param:    param,
		variants: variants,
		chunks:   chunks,
		qc:       qc,
		transform: forecastTransformer{
			variants:        variants,
			mergeLagsOnRead: req.MergeLagsOnRead,
			start:           req.Start,
			end:             req.End,
			by:              req.By,
			param:           param,
		},
	}, nil
}

// processChunk reads, aligns, quality-controls and scores one lead-time group.
func (v *Verifier) processChunk(ctx context.Context, p *runPlan, iteration int, leads []int) (*domain.ChunkResult, error) {
	leads, err := v.usableLeadTimes(p, iteration, leads)
	if err != nil {
		return nil, err
	}
	models := p.variants.Models

	raw, err := v.forecasts.ReadForecast(ctx, p.transform.query(leads))
	if err != nil {
		return nil, fmt.Errorf("read forecast: %w", err)
	}
	set, err := p.transform.Transform(raw, leads)
	if err != nil {
		return nil, err
	}

	if p.req.CommonCasesOnly {
		set, err = domain.CommonCases(set, models, p.req.ExtraGroupCols)
	} else {
		set, err = domain.DedupeCases(set, models, p.req.ExtraGroupCols)
	}
	if err != nil {
		return nil, err
	}

	lo, hi, _ := set.ValidRange()
	obs, err := v.observations.ReadObservations(ctx, ObservationQuery{
		Start:     lo,
		End:       hi,
		Parameter: p.param,
		Stations:  set.Stations(),
	})
	if err != nil {
		return nil, fmt.Errorf("read observations: %w", err)
	}
	if len(obs.Rows) == 0 {
		return nil, fmt.Errorf("%w between %s and %s", domain.ErrNoObservations, lo, hi)
	}
	col, err := domain.ResolveObsColumn(obs, p.param)
	if err != nil {
		return nil, err
	}
	if p.req.ScaleObs != nil {
		obs = domain.ScaleObservations(obs, col, *p.req.ScaleObs)
	}

	set, err = domain.JoinObservations(set, models, obs, col)
	if err != nil {
		return nil, err
	}

	set, report, err := domain.QualityControl(set, models, p.qc)
	v.metrics.QCRejected.WithLabelValues("gross").Add(float64(len(report.GrossRejected)))
	v.metrics.QCRejected.WithLabelValues("spread").Add(float64(len(report.SpreadRejected)))
	if report.Rejected() > 0 {
		v.logger.Debug("observations rejected by quality control",
			"iteration", iteration,
			"gross", len(report.GrossRejected),
			"spread", len(report.SpreadRejected),
		)
	}
	if err != nil {
		return nil, err
	}

	chunk := domain.AlignedChunk{
		Iteration: iteration,
		LeadTimes: leads,
		Models:    models,
		Tables:    set,
		Parameter: p.param,
		ObsColumn: col,
	}
	for _, m := range models {
		v.metrics.ChunkCases.Observe(float64(len(set[m].Rows)))
	}

	res, err := v.scorer.Score(ctx, domain.ScoreRequest{
		Chunk:         chunk,
		Groupings:     p.req.Groupings,
		Thresholds:    p.req.Thresholds,
		VerifyMembers: p.req.VerifyMembers,
		Jitter:        p.req.Jitter,
		Climatology:   p.req.Climatology,
	})
	if err != nil {
		return nil, fmt.Errorf("score: %w", err)
	}
	if res == nil {
		return nil, errNoScore
	}
	res.Iteration = iteration
	if res.Stations == nil {
		res.Stations = chunk.Stations()
	}
	return res, nil
}

// usableLeadTimes drops lead times shorter than the parameter's accumulation
// period. The chunk is skipped when none remain.
func (v *Verifier) usableLeadTimes(p *runPlan, iteration int, leads []int) ([]int, error) {
	usable := make([]int, 0, len(leads))
	var errs []error
	for _, lt := range leads {
		if err := p.param.CheckLeadTime(lt); err != nil {
			v.logger.Warn("lead time skipped",
				"iteration", iteration,
				"lead_time", lt,
				"reason", domain.SkipReason(err),
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		usable = append(usable, lt)
	}
	if len(usable) == 0 {
		return nil, errors.Join(errs...)
	}
	return usable, nil
}
