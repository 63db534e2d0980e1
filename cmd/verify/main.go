// Command verify runs point verification of ensemble forecasts against
// observations.
//
// Usage:
//
//	verify run -c run.yaml
//	verify chunks -c run.yaml
//	verify params [name...]
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/point-verif/internal/config"
	"github.com/couchcryptid/point-verif/internal/domain"
)

// Exit codes.
const (
	exitError  = 1
	exitConfig = 2
	exitNoData = 3
)

type app struct {
	envFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func main() {
	a := &app{}
	if err := a.rootCmd().Execute(); err != nil {
		if a.logger != nil {
			a.logger.Error("verify failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case domain.IsConfigError(err):
		return exitConfig
	case errors.Is(err, domain.ErrNoData):
		return exitNoData
	default:
		return exitError
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "verify",
		Short:         "Point verification of ensemble forecasts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(a.runCmd(), a.chunksCmd(), a.paramsCmd())
	return root
}

// init loads the environment and service config and installs the logger.
func (a *app) init() error {
	if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", a.envFile, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	return nil
}
