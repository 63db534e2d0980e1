// Package sqlstore reads point forecasts and observations from PostgreSQL.
//
// Both tables are stored in long format, one value per row:
//
//	fcst(fcst_model, sub_model, parameter, units, sid, fcst_cycle, lead_time, member, value)
//	obs(sid, valid_time, parameter, value)
//
// Forecast rows are pivoted to one ensemble row per station, cycle and lead
// time with members named mbr000, mbr001, ...
package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/couchcryptid/point-verif/internal/domain"
	"github.com/couchcryptid/point-verif/internal/pipeline"
)

// insertBatchSize keeps a batch insert below the PostgreSQL limit of 65535
// bind parameters.
const insertBatchSize = 5000

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Store implements pipeline.ForecastReader and pipeline.ObservationReader.
type Store struct {
	db        *sqlx.DB
	fcstTable string
	obsTable  string
	logger    *slog.Logger
}

// Open connects to PostgreSQL.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// New creates a store over the given tables.
func New(db *sqlx.DB, fcstTable, obsTable string, logger *slog.Logger) (*Store, error) {
	for field, name := range map[string]string{"source.fcst_table": fcstTable, "source.obs_table": obsTable} {
		if !identRe.MatchString(name) {
			return nil, &domain.ConfigError{Field: field, Value: name, Msg: "not a valid table name"}
		}
	}
	return &Store{db: db, fcstTable: fcstTable, obsTable: obsTable, logger: logger}, nil
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the forecast and observation tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	fcst_model TEXT NOT NULL,
	sub_model  TEXT NOT NULL DEFAULT '',
	parameter  TEXT NOT NULL,
	units      TEXT NOT NULL DEFAULT '',
	sid        TEXT NOT NULL,
	fcst_cycle TIMESTAMPTZ NOT NULL,
	lead_time  INTEGER NOT NULL,
	member     INTEGER NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (fcst_model, sub_model, parameter, sid, fcst_cycle, lead_time, member)
);
CREATE TABLE IF NOT EXISTS %[2]s (
	sid        TEXT NOT NULL,
	valid_time TIMESTAMPTZ NOT NULL,
	parameter  TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (sid, valid_time, parameter)
);`, s.fcstTable, s.obsTable)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// ForecastValue is one member value of the forecast table.
type ForecastValue struct {
	Model     string    `db:"fcst_model"`
	SubModel  string    `db:"sub_model"`
	Parameter string    `db:"parameter"`
	Units     string    `db:"units"`
	StationID string    `db:"sid"`
	FcstCycle time.Time `db:"fcst_cycle"`
	LeadTime  int       `db:"lead_time"`
	Member    int       `db:"member"`
	Value     float64   `db:"value"`
}

// ObservationValue is one row of the observation table.
type ObservationValue struct {
	StationID string    `db:"sid"`
	ValidTime time.Time `db:"valid_time"`
	Parameter string    `db:"parameter"`
	Value     float64   `db:"value"`
}

// ReadForecast selects the needed cycles and lead times of each model, pivots
// the member values into ensemble rows and merges lags onto the requested
// cycles.
func (s *Store) ReadForecast(ctx context.Context, q pipeline.ForecastQuery) (domain.ForecastSet, error) {
	query := fmt.Sprintf(`SELECT fcst_model, sub_model, parameter, units, sid, fcst_cycle, lead_time, member, value
FROM %s
WHERE fcst_model = $1 AND lower(parameter) = lower($2) AND fcst_cycle = ANY($3::timestamptz[]) AND lead_time = ANY($4)
ORDER BY fcst_cycle, sid, lead_time, sub_model, member`, s.fcstTable)

	out := make(domain.ForecastSet, len(q.Models))
	for _, model := range q.Models {
		start, end, leads := q.Window(model)
		lag := q.Lag(model)
		_, _, readLeads := domain.LagReadWindow(lag, start, end, leads)

		var values []ForecastValue
		err := s.db.SelectContext(ctx, &values, query,
			q.SourceModel(model), q.Parameter.FullName, cycleArray(q.Cycles(model)), leadArray(readLeads))
		if err != nil {
			return nil, fmt.Errorf("read forecast %s: %w", model, err)
		}
		s.logger.Debug("forecast values read", "model", model, "values", len(values))
		if len(values) == 0 {
			continue
		}

		units := q.Parameter.Units
		if values[0].Units != "" {
			units = values[0].Units
		}
		rows := PivotMembers(values, q.Members[model])
		out[model] = domain.ForecastTable{
			Model:     model,
			Parameter: q.Parameter.FullName,
			Units:     units,
			Rows:      domain.MergeLags(rows, lag, start, end, leads),
		}
	}
	return out, nil
}

func cycleArray(cycles []time.Time) pq.StringArray {
	out := make(pq.StringArray, len(cycles))
	for i, c := range cycles {
		out[i] = c.UTC().Format(time.RFC3339)
	}
	return out
}

func leadArray(leads []int) pq.Int64Array {
	out := make(pq.Int64Array, len(leads))
	for i, lt := range leads {
		out[i] = int64(lt)
	}
	return out
}

// PivotMembers groups member values into one ensemble row per sub-model,
// station, cycle and lead time, keeping only the selected members.
func PivotMembers(values []ForecastValue, members domain.ModelOption[[]int]) []domain.ForecastRow {
	type key struct {
		sub, station string
		cycle        int64
		lead         int
	}
	index := make(map[key]int)
	var rows []domain.ForecastRow
	for _, v := range values {
		if keep := members.For(v.SubModel); len(keep) > 0 && !slices.Contains(keep, v.Member) {
			continue
		}
		cycle := v.FcstCycle.UTC()
		k := key{v.SubModel, v.StationID, cycle.Unix(), v.LeadTime}
		i, ok := index[k]
		if !ok {
			i = len(rows)
			index[k] = i
			rows = append(rows, domain.ForecastRow{
				SubModel:  v.SubModel,
				StationID: v.StationID,
				FcstCycle: cycle,
				LeadTime:  v.LeadTime,
				ValidTime: cycle.Add(time.Duration(v.LeadTime) * time.Hour),
				Members:   make(map[string]float64),
			})
		}
		rows[i].Members[fmt.Sprintf("mbr%03d", v.Member)] = v.Value
	}
	return rows
}

// ReadObservations selects observations of the parameter (under its full or
// base name) in the query window.
func (s *Store) ReadObservations(ctx context.Context, q pipeline.ObservationQuery) (domain.ObservationTable, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT sid, valid_time, parameter, value
FROM %s
WHERE valid_time BETWEEN $1 AND $2 AND parameter = ANY($3)`, s.obsTable)
	args := []any{q.Start, q.End, pq.StringArray(observationNames(q.Parameter))}
	if len(q.Stations) > 0 {
		b.WriteString(" AND sid = ANY($4)")
		args = append(args, pq.StringArray(q.Stations))
	}
	b.WriteString("\nORDER BY valid_time, sid")

	var values []ObservationValue
	if err := s.db.SelectContext(ctx, &values, b.String(), args...); err != nil {
		return domain.ObservationTable{}, fmt.Errorf("read observations: %w", err)
	}
	return PivotObservations(values), nil
}

func observationNames(p domain.Parameter) []string {
	names := []string{p.FullName}
	if p.BaseName != "" && p.BaseName != p.FullName {
		names = append(names, p.BaseName)
	}
	return names
}

// PivotObservations groups observation values into one row per station and
// validity time with a column per parameter.
func PivotObservations(values []ObservationValue) domain.ObservationTable {
	type key struct {
		station string
		valid   int64
	}
	index := make(map[key]int)
	columns := make(map[string]struct{})
	var out domain.ObservationTable
	for _, v := range values {
		valid := v.ValidTime.UTC()
		k := key{v.StationID, valid.Unix()}
		i, ok := index[k]
		if !ok {
			i = len(out.Rows)
			index[k] = i
			out.Rows = append(out.Rows, domain.ObservationRow{StationID: v.StationID, ValidTime: valid, Values: make(map[string]float64)})
		}
		out.Rows[i].Values[v.Parameter] = v.Value
		columns[v.Parameter] = struct{}{}
	}
	out.Columns = slices.Sorted(maps.Keys(columns))
	return out
}

// WriteForecast inserts forecast member values, replacing existing ones.
func (s *Store) WriteForecast(ctx context.Context, values []ForecastValue) error {
	if len(values) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %s (fcst_model, sub_model, parameter, units, sid, fcst_cycle, lead_time, member, value)
VALUES (:fcst_model, :sub_model, :parameter, :units, :sid, :fcst_cycle, :lead_time, :member, :value)
ON CONFLICT (fcst_model, sub_model, parameter, sid, fcst_cycle, lead_time, member) DO UPDATE SET value = EXCLUDED.value`, s.fcstTable)
	for batch := range slices.Chunk(values, insertBatchSize) {
		if _, err := s.db.NamedExecContext(ctx, query, batch); err != nil {
			return fmt.Errorf("write forecast: %w", err)
		}
	}
	return nil
}

// WriteObservations inserts observation values, replacing existing ones.
func (s *Store) WriteObservations(ctx context.Context, values []ObservationValue) error {
	if len(values) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %s (sid, valid_time, parameter, value)
VALUES (:sid, :valid_time, :parameter, :value)
ON CONFLICT (sid, valid_time, parameter) DO UPDATE SET value = EXCLUDED.value`, s.obsTable)
	for batch := range slices.Chunk(values, insertBatchSize) {
		if _, err := s.db.NamedExecContext(ctx, query, batch); err != nil {
			return fmt.Errorf("write observations: %w", err)
		}
	}
	return nil
}
