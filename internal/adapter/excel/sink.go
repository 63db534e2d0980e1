// Package excel writes verification results to .xlsx workbooks.
package excel

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/couchcryptid/point-verif/internal/domain"
)

// AttributesSheet holds the run attributes as key/value rows.
const AttributesSheet = "attributes"

// Sink writes one sheet per score table plus an attributes sheet.
type Sink struct{}

// Persist writes res as a workbook at dest.
func (Sink) Persist(_ context.Context, res *domain.VerificationResult, dest string) error {
	f := excelize.NewFile()
	defer f.Close()

	for _, name := range res.TableNames() {
		if err := writeTable(f, name, res.Tables[name], res.Attributes.GroupVars); err != nil {
			return fmt.Errorf("write sheet %s: %w", name, err)
		}
	}
	if err := writeAttributes(f, res.Attributes); err != nil {
		return fmt.Errorf("write sheet %s: %w", AttributesSheet, err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return err
	}
	f.SetActiveSheet(0)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := f.SaveAs(dest); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

// Header returns the column names of a score table: the model, the group
// variables, member and threshold when any row has them, then the scores.
func Header(rows domain.ScoreTable, groupVars []string) []string {
	groups := make(map[string]struct{})
	scores := make(map[string]struct{})
	var member, threshold bool
	for _, r := range rows {
		for g := range r.Groups {
			groups[g] = struct{}{}
		}
		for s := range r.Scores {
			scores[s] = struct{}{}
		}
		member = member || r.Member != ""
		threshold = threshold || r.Threshold != nil
	}

	header := []string{"fcst_model"}
	for _, g := range groupVars {
		if _, ok := groups[g]; ok {
			header = append(header, g)
			delete(groups, g)
		}
	}
	header = append(header, slices.Sorted(maps.Keys(groups))...)
	if member {
		header = append(header, "member")
	}
	if threshold {
		header = append(header, "threshold")
	}
	return append(header, slices.Sorted(maps.Keys(scores))...)
}

func writeTable(f *excelize.File, name string, rows domain.ScoreTable, groupVars []string) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	header := Header(rows, groupVars)
	if err := setRow(f, name, 1, header); err != nil {
		return err
	}
	for i, r := range rows {
		values := make([]any, len(header))
		for c, col := range header {
			values[c] = cellValue(r, col)
		}
		if err := setRow(f, name, i+2, values); err != nil {
			return err
		}
	}
	return nil
}

func cellValue(r domain.ScoreRow, col string) any {
	switch col {
	case "fcst_model":
		return r.Model
	case "member":
		return r.Member
	case "threshold":
		if r.Threshold == nil {
			return nil
		}
		return *r.Threshold
	}
	if g, ok := r.Groups[col]; ok {
		return g
	}
	if s, ok := r.Scores[col]; ok {
		return s
	}
	return nil
}

func writeAttributes(f *excelize.File, a domain.Attributes) error {
	if _, err := f.NewSheet(AttributesSheet); err != nil {
		return err
	}
	rows := [][]any{
		{"parameter", a.Parameter},
		{"units", a.Units},
		{"group_vars", fmt.Sprint(a.GroupVars)},
		{"num_stations", a.NumStations},
		{"num_iterations", strconv.Itoa(a.NumIterations)},
		{"run_id", a.RunID},
		{"created_at", a.CreatedAt.UTC().Format(time.RFC3339)},
	}
	for i, r := range rows {
		if err := setRow(f, AttributesSheet, i+1, r); err != nil {
			return err
		}
	}
	return nil
}

func setRow[T any](f *excelize.File, sheet string, row int, values []T) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return f.SetSheetRow(sheet, cell, &out)
}
