package excel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/couchcryptid/point-verif/internal/domain"
)

func threshold(v float64) *float64 { return &v }

func TestHeader(t *testing.T) {
	rows := domain.ScoreTable{
		{Model: "meps", Groups: map[string]string{"leadtime": "6", "valid_hour": "6"}, Scores: map[string]float64{"rmse": 1}},
		{Model: "meps", Groups: map[string]string{"leadtime": "6", "region": "north"}, Member: "mbr000", Threshold: threshold(273.15), Scores: map[string]float64{"bias": 0.1}},
	}
	assert.Equal(t,
		[]string{"fcst_model", "valid_hour", "leadtime", "region", "member", "threshold", "bias", "rmse"},
		Header(rows, []string{"valid_hour", "leadtime"}))
}

func TestSink_Persist(t *testing.T) {
	res := &domain.VerificationResult{
		Tables: map[string]domain.ScoreTable{
			domain.TableSummary: {
				{Model: "meps", Groups: map[string]string{"leadtime": "6"}, Scores: map[string]float64{"crps": 0.75, "spread": 1.5}},
				{Model: "ifs", Groups: map[string]string{"leadtime": "6"}, Scores: map[string]float64{"crps": 0.9}},
			},
			domain.TableThreshold: {
				{Model: "meps", Groups: map[string]string{"leadtime": "6"}, Threshold: threshold(273.15), Scores: map[string]float64{"brier_score": 0.12}},
			},
		},
		Attributes: domain.Attributes{
			ResultAttrs:   domain.ResultAttrs{Parameter: "T2m", Units: "K", GroupVars: []string{"leadtime"}},
			NumStations:   "2",
			NumIterations: 1,
			RunID:         "run-1",
			CreatedAt:     time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		},
	}
	dest := filepath.Join(t.TempDir(), "out", "t2m.xlsx")
	require.NoError(t, Sink{}.Persist(context.Background(), res, dest))

	f, err := excelize.OpenFile(dest)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{domain.TableSummary, domain.TableThreshold, AttributesSheet}, f.GetSheetList())

	rows, err := f.GetRows(domain.TableSummary)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"fcst_model", "leadtime", "crps", "spread"}, rows[0])
	assert.Equal(t, []string{"meps", "6", "0.75", "1.5"}, rows[1])
	assert.Equal(t, []string{"ifs", "6", "0.9"}, rows[2])

	rows, err = f.GetRows(domain.TableThreshold)
	require.NoError(t, err)
	assert.Equal(t, []string{"fcst_model", "leadtime", "threshold", "brier_score"}, rows[0])

	rows, err = f.GetRows(AttributesSheet)
	require.NoError(t, err)
	assert.Contains(t, rows, []string{"parameter", "T2m"})
	assert.Contains(t, rows, []string{"created_at", "2024-03-02T00:00:00Z"})
}
