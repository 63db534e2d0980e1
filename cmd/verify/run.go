package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/point-verif/internal/adapter/excel"
	"github.com/couchcryptid/point-verif/internal/adapter/filestore"
	httpadapter "github.com/couchcryptid/point-verif/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/point-verif/internal/adapter/kafka"
	redisadapter "github.com/couchcryptid/point-verif/internal/adapter/redis"
	"github.com/couchcryptid/point-verif/internal/adapter/sink"
	"github.com/couchcryptid/point-verif/internal/adapter/sqlstore"
	"github.com/couchcryptid/point-verif/internal/config"
	"github.com/couchcryptid/point-verif/internal/domain"
	"github.com/couchcryptid/point-verif/internal/observability"
	"github.com/couchcryptid/point-verif/internal/param"
	"github.com/couchcryptid/point-verif/internal/pipeline"
	"github.com/couchcryptid/point-verif/internal/scoring"
)

type runFlags struct {
	runFile string
	output  string
	runID   string
	workers int
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Verify a parameter over a period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.runFile, "config", "c", "run.yaml", "run definition")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "result destination; overrides the run definition")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run identifier (default: random UUID)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "chunks scored concurrently; overrides the run definition")
	return cmd
}

// closers collects resources released after the run, in reverse order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func (a *app) run(ctx context.Context, f runFlags, stdout io.Writer) error {
	rc, err := config.LoadRunConfig(f.runFile)
	if err != nil {
		return err
	}
	req, err := rc.Request()
	if err != nil {
		return err
	}
	if f.output != "" {
		req.Destination = f.output
	}
	if f.workers > 0 {
		req.Workers = f.workers
	}
	req.RunID = f.runID
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer cleanup.close()

	src, err := a.openSource(ctx, rc.Source, &cleanup)
	if err != nil {
		return err
	}
	router, checks, err := a.buildSinks(&cleanup)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	params := param.NewCachedResolver(param.NewResolver(), a.cfg.ParamCacheSize)
	v := pipeline.New(src.forecasts, src.observations, params, scoring.NewEngine(a.logger), router, a.logger, metrics)

	if a.cfg.HTTPAddr != "" {
		ready := append(httpadapter.Checks{v}, src.checks...)
		srv := httpadapter.NewServer(a.cfg.HTTPAddr, append(ready, checks...), v, a.logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", "error", err)
			}
		}()
		cleanup.add(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("http server shutdown error", "error", err)
			}
		})
	}

	res, err := v.Verify(ctx, req)
	if err != nil {
		return err
	}
	if req.Destination == "" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for _, name := range res.TableNames() {
		fmt.Fprintf(stdout, "%-20s %d rows\n", name, len(res.Tables[name]))
	}
	fmt.Fprintf(stdout, "written to %s (run %s)\n", req.Destination, req.RunID)
	return nil
}

type source struct {
	forecasts    pipeline.ForecastReader
	observations pipeline.ObservationReader
	checks       []sharedobs.ReadinessChecker
}

func (a *app) openSource(ctx context.Context, sc config.SourceConfig, cleanup *closers) (source, error) {
	switch sc.Kind {
	case config.SourceSQL:
		if a.cfg.DatabaseURL == "" {
			return source{}, &domain.ConfigError{Field: "DATABASE_URL", Msg: "required for source kind sql"}
		}
		db, err := sqlstore.Open(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return source{}, err
		}
		cleanup.add(func() {
			if err := db.Close(); err != nil {
				a.logger.Error("database close error", "error", err)
			}
		})
		store, err := sqlstore.New(db, sc.ForecastTable, sc.ObservationsTable, a.logger)
		if err != nil {
			return source{}, err
		}
		a.logger.Info("reading from database", "fcst_table", sc.ForecastTable, "obs_table", sc.ObservationsTable)
		return source{forecasts: store, observations: store, checks: []sharedobs.ReadinessChecker{store}}, nil
	default:
		store, err := filestore.New(sc.Dir, sc.ForecastTemplate, sc.ObservationsTemplate, a.logger)
		if err != nil {
			return source{}, err
		}
		a.logger.Info("reading from files", "dir", sc.Dir)
		return source{forecasts: store, observations: store}, nil
	}
}

// buildSinks registers a sink for every destination kind the service
// config enables. Files and workbooks are always available.
func (a *app) buildSinks(cleanup *closers) (*sink.Router, httpadapter.Checks, error) {
	router := sink.NewRouter()
	router.Register(sink.KindExcel, excel.Sink{})
	var checks httpadapter.Checks

	if a.cfg.RedisURL != "" {
		client, err := redisadapter.NewClient(a.cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func() {
			if err := client.Close(); err != nil {
				a.logger.Error("redis close error", "error", err)
			}
		})
		rs := redisadapter.NewSink(client, redisadapter.DefaultOptions(), a.logger)
		router.Register(sink.KindRedis, rs)
		checks = append(checks, rs)
	}
	if a.cfg.KafkaEnabled() {
		publisher := kafkaadapter.NewPublisher(a.cfg, a.logger)
		cleanup.add(func() {
			if err := publisher.Close(); err != nil {
				a.logger.Error("kafka publisher close error", "error", err)
			}
		})
		router.Register(sink.KindKafka, publisher)
	}
	return router, checks, nil
}
