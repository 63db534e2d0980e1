package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/point-verif/internal/param"
)

func (a *app) paramsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "params [name...]",
		Short: "List supported parameters, or resolve the named ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := param.NewCachedResolver(param.NewResolver(), a.cfg.ParamCacheSize)
			if len(args) == 0 {
				return listParams(cmd.OutOrStdout(), r)
			}
			return resolveParams(cmd.OutOrStdout(), r, args)
		},
	}
}

func listParams(out io.Writer, r *param.CachedResolver) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUNITS\tMIN\tMAX\tNUM_SD\tACCUMULABLE\tDESCRIPTION")
	for _, d := range param.Known() {
		p, err := r.Resolve(d.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			d.Name, d.Units, bound(p.Bounds.Min), bound(p.Bounds.Max), formatNumSD(p.NumSD), d.Accumulable, d.Description)
	}
	return w.Flush()
}

func resolveParams(out io.Writer, r *param.CachedResolver, names []string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFULL_NAME\tBASE_NAME\tACCUM_HOURS\tUNITS")
	for _, name := range names {
		p, err := r.Resolve(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", name, p.FullName, p.BaseName, p.AccumHours, p.Units)
	}
	return w.Flush()
}

func bound(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func formatNumSD(v float64) string {
	if v <= 0 {
		return "off"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
