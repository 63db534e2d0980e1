// Package scoring computes ensemble verification scores for an aligned chunk.
//
// Three tables are produced, one row per model and group:
//
//	summary_scores       ensemble-mean errors, spread and CRPS
//	threshold_scores     Brier score and skill per threshold
//	det_summary_scores   errors of each member (only when members are verified)
package scoring

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/couchcryptid/point-verif/internal/domain"
)

// Engine scores aligned chunks.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a scoring engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// group is the set of rows sharing the values of every grouping column.
type group struct {
	values map[string]string
	rows   []domain.ForecastRow
}

// Score computes every score table for req.Chunk.
func (e *Engine) Score(ctx context.Context, req domain.ScoreRequest) (*domain.ChunkResult, error) {
	chunk := req.Chunk
	tables := chunk.Tables
	if req.Jitter != nil {
		jittered := make(domain.ForecastSet, len(tables))
		for m, t := range tables {
			jittered[m] = req.Jitter(t)
		}
		tables = jittered
	}

	ref, err := newReference(req.Climatology, tables)
	if err != nil {
		return nil, err
	}

	res := &domain.ChunkResult{
		Iteration: chunk.Iteration,
		Tables: map[string]domain.ScoreTable{
			domain.TableSummary:   {},
			domain.TableThreshold: {},
		},
		Attrs: domain.ResultAttrs{
			Parameter: chunk.Parameter.FullName,
			Units:     unitsOf(chunk, tables),
			GroupVars: slices.Clone(req.Groupings),
		},
		Stations: chunk.Stations(),
	}
	if req.VerifyMembers {
		res.Tables[domain.TableDetSummary] = domain.ScoreTable{}
	}

	for _, model := range chunk.Models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		groups, err := groupRows(tables[model].Rows, req.Groupings)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", model, err)
		}
		for _, g := range groups {
			res.Tables[domain.TableSummary] = append(res.Tables[domain.TableSummary], domain.ScoreRow{
				Model:  model,
				Groups: g.values,
				Scores: summaryScores(g.rows),
			})
			for _, thr := range req.Thresholds {
				res.Tables[domain.TableThreshold] = append(res.Tables[domain.TableThreshold], domain.ScoreRow{
					Model:     model,
					Groups:    g.values,
					Threshold: domain.Float(thr),
					Scores:    thresholdScores(g.rows, thr, ref),
				})
			}
			if req.VerifyMembers {
				for _, member := range memberNames(g.rows) {
					res.Tables[domain.TableDetSummary] = append(res.Tables[domain.TableDetSummary], domain.ScoreRow{
						Model:  model,
						Groups: g.values,
						Member: member,
						Scores: memberScores(g.rows, member),
					})
				}
			}
		}
	}

	e.logger.Debug("chunk scored",
		"iteration", chunk.Iteration,
		"models", len(chunk.Models),
		"summary_rows", len(res.Tables[domain.TableSummary]),
	)
	return res, nil
}

func unitsOf(chunk domain.AlignedChunk, tables domain.ForecastSet) string {
	for _, m := range chunk.Models {
		if u := tables[m].Units; u != "" {
			return u
		}
	}
	return chunk.Parameter.Units
}

// groupRows splits rows by the values of the grouping columns. Groups are
// ordered by their values, numerically where both values are integers.
func groupRows(rows []domain.ForecastRow, groupings []string) ([]group, error) {
	index := make(map[string]int)
	var groups []group
	for _, r := range rows {
		values := make(map[string]string, len(groupings))
		parts := make([]string, len(groupings))
		for i, col := range groupings {
			v, ok := domain.GroupValue(r, col)
			if !ok {
				return nil, fmt.Errorf("grouping column %q missing for station %s", col, r.StationID)
			}
			values[col] = v
			parts[i] = v
		}
		key := strings.Join(parts, "\x00")
		idx, ok := index[key]
		if !ok {
			idx = len(groups)
			index[key] = idx
			groups = append(groups, group{values: values})
		}
		groups[idx].rows = append(groups[idx].rows, r)
	}

	slices.SortStableFunc(groups, func(a, b group) int {
		for _, col := range groupings {
			if c := compareValues(a.values[col], b.values[col]); c != 0 {
				return c
			}
		}
		return 0
	})
	return groups, nil
}

func compareValues(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return cmp.Compare(ai, bi)
	}
	return strings.Compare(a, b)
}

func memberNames(rows []domain.ForecastRow) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for m := range r.Members {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}
