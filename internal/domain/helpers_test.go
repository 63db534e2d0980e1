package domain

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

var baseCycle = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fcRow builds a forecast row for the base cycle shifted by cycleHours.
func fcRow(station string, cycleHours, lead int, members ...float64) ForecastRow {
	cycle := baseCycle.Add(time.Duration(cycleHours) * time.Hour)
	m := make(map[string]float64, len(members))
	for i, v := range members {
		m[memberName(i)] = v
	}
	return ForecastRow{
		StationID: station,
		FcstCycle: cycle,
		LeadTime:  lead,
		ValidTime: cycle.Add(time.Duration(lead) * time.Hour),
		Members:   m,
	}
}

func withObs(r ForecastRow, obs float64) ForecastRow {
	r.Obs = obs
	r.HasObs = true
	return r
}

func memberName(i int) string {
	return fmt.Sprintf("mbr%03d", i)
}

func table(model string, rows ...ForecastRow) ForecastTable {
	return ForecastTable{Model: model, Parameter: "T2m", Units: "K", Rows: rows}
}

func stationsOf(t ForecastTable) []string {
	out := make([]string, 0, len(t.Rows))
	for _, r := range t.Rows {
		out = append(out, r.StationID)
	}
	return out
}
