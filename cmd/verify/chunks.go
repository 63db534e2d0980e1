package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/point-verif/internal/config"
	"github.com/couchcryptid/point-verif/internal/domain"
)

func (a *app) chunksCmd() *cobra.Command {
	var (
		runFile    string
		leadTimes  []int
		iterations int
	)
	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "Print how lead times are split into iterations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runFile != "" {
				rc, err := config.LoadRunConfig(runFile)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("lead-times") {
					leadTimes = rc.LeadTimes
				}
				if !cmd.Flags().Changed("iterations") {
					iterations = rc.NumIterations
				}
			}
			return printChunks(cmd.OutOrStdout(), leadTimes, iterations)
		},
	}
	cmd.Flags().StringVarP(&runFile, "config", "c", "", "run definition to take lead times and iterations from")
	cmd.Flags().IntSliceVar(&leadTimes, "lead-times", nil, "lead times in hours, e.g. 0,6,12")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "number of iterations (0: one lead time each)")
	return cmd
}

func printChunks(w io.Writer, leadTimes []int, iterations int) error {
	chunks, err := domain.PartitionLeadTimes(leadTimes, iterations)
	if err != nil {
		return err
	}
	for i, c := range chunks {
		fmt.Fprintf(w, "iteration %d: %v\n", i+1, c)
	}
	return nil
}
