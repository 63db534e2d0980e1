package sqlstore

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/point-verif/internal/domain"
)

var cycle = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPivotMembers(t *testing.T) {
	values := []ForecastValue{
		{StationID: "1001", FcstCycle: cycle, LeadTime: 6, Member: 0, Value: 1},
		{StationID: "1001", FcstCycle: cycle, LeadTime: 6, Member: 1, Value: 2},
		{StationID: "1001", FcstCycle: cycle, LeadTime: 6, Member: 2, Value: 3},
		{StationID: "1002", FcstCycle: cycle, LeadTime: 6, Member: 1, Value: 4},
		{SubModel: "hres", StationID: "1001", FcstCycle: cycle, LeadTime: 6, Member: 0, Value: 5},
	}

	rows := PivotMembers(values, domain.ModelOption[[]int]{
		Value:     []int{1, 2},
		SubModels: map[string][]int{"hres": {0}},
	})

	require.Len(t, rows, 3)
	assert.Equal(t, map[string]float64{"mbr001": 2, "mbr002": 3}, rows[0].Members)
	assert.Equal(t, cycle.Add(6*time.Hour), rows[0].ValidTime)
	assert.Equal(t, "1002", rows[1].StationID)
	assert.Equal(t, map[string]float64{"mbr001": 4}, rows[1].Members)
	assert.Equal(t, "hres", rows[2].SubModel)
	assert.Equal(t, map[string]float64{"mbr000": 5}, rows[2].Members)
}

func TestPivotMembers_AllMembersByDefault(t *testing.T) {
	rows := PivotMembers([]ForecastValue{
		{StationID: "1", FcstCycle: cycle, LeadTime: 0, Member: 0, Value: 1},
		{StationID: "1", FcstCycle: cycle, LeadTime: 0, Member: 10, Value: 2},
	}, domain.ModelOption[[]int]{})

	require.Len(t, rows, 1)
	assert.Equal(t, []string{"mbr000", "mbr010"}, rows[0].MemberNames())
}

func TestPivotObservations(t *testing.T) {
	valid := cycle.Add(6 * time.Hour)
	obs := PivotObservations([]ObservationValue{
		{StationID: "1001", ValidTime: valid, Parameter: "T2m", Value: 271},
		{StationID: "1001", ValidTime: valid, Parameter: "Pcp", Value: 0.4},
		{StationID: "1002", ValidTime: valid, Parameter: "T2m", Value: 269},
	})

	assert.Equal(t, []string{"Pcp", "T2m"}, obs.Columns)
	require.Len(t, obs.Rows, 2)
	assert.Equal(t, map[string]float64{"T2m": 271, "Pcp": 0.4}, obs.Rows[0].Values)
	assert.Equal(t, "1002", obs.Rows[1].StationID)
}

func TestObservationNames(t *testing.T) {
	assert.Equal(t, []string{"AccPcp6h", "Pcp"}, observationNames(domain.Parameter{FullName: "AccPcp6h", BaseName: "Pcp"}))
	assert.Equal(t, []string{"T2m"}, observationNames(domain.Parameter{FullName: "T2m", BaseName: "T2m"}))
}

func TestNew_RejectsBadTableNames(t *testing.T) {
	_, err := New(nil, "fcst; DROP TABLE obs", "obs", discardLogger())
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "source.fcst_table", ce.Field)

	s, err := New(nil, "archive.fcst", "obs", discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "archive.fcst", s.fcstTable)
}
