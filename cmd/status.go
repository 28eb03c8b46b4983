// Copyright (C) 2025 Sampleforge Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sampleforge/sampleforge/internal/catalog"
	"github.com/sampleforge/sampleforge/internal/planner"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report per-dataset processing progress",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel, cfg, datasets, store, err := setupRun("status")
	if err != nil {
		return err
	}
	defer cancel()

	lister, err := catalog.NewLister(store, cfg.Catalog)
	if err != nil {
		return err
	}
	oracle := planner.NewOracle(store, slog.Default())
	pl := planner.NewPlanner(cfg.Planner, oracle, slog.Default())

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATASET\tGROUP\tXSEC_PB\tSTATE\tINPUTS\tUNITS\tPENDING UNITS\tPENDING PAIRS")
	for _, ds := range datasets {
		records, err := lister.List(ctx, ds.Source)
		if err != nil {
			if errors.Is(err, catalog.ErrUnavailable) {
				fmt.Fprintf(w, "%s\t%s\t%s\tcatalog unavailable\t-\t-\t-\t-\n",
					ds.Name, ds.Group, xsec(ds.XSecPB))
				continue
			}
			return fmt.Errorf("dataset %s: %w", ds.Name, err)
		}

		plan, err := pl.Plan(ctx, ds.Name, records, unitSizeFor(cfg, ds), ds.MaxUnits)
		if err != nil {
			return fmt.Errorf("dataset %s: %w", ds.Name, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			plan.Dataset, ds.Group, xsec(ds.XSecPB), plan.State, plan.InputsFound,
			len(plan.Units), len(plan.Pending), plan.PairsPending)
	}
	return w.Flush()
}

func xsec(v float64) string {
	if v <= 0 {
		return "-"
	}
	return fmt.Sprintf("%g", v)
}
