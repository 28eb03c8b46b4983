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
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/sampleforge/sampleforge/internal/catalog"
	"github.com/sampleforge/sampleforge/internal/planner"
	"github.com/sampleforge/sampleforge/internal/submission"
)

var (
	planSubmit  bool
	planDataset string
)

func init() {
	planCmd.Flags().BoolVar(&planSubmit, "submit", false, "Submit the written descriptor to the batch backend")
	planCmd.Flags().StringVar(&planDataset, "dataset", "", "Plan only the named dataset")
	rootCmd.AddCommand(planCmd)
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Partition datasets into units and write batch job descriptors",
	Long: `List each dataset's inputs, partition them into bounded units, drop
units whose outputs already exist, and write one work-item file per
pending unit plus a submission descriptor. Submission itself only
happens with --submit; the default is a dry run.`,
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, _ []string) error {
	ctx, cancel, cfg, datasets, store, err := setupRun("plan")
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
	builder := submission.NewBuilder(cfg.Submit)

	var errs *multierror.Error
	var pendingUnits []planner.Unit
	var unitFiles []string

	for _, ds := range datasets {
		if planDataset != "" && ds.Name != planDataset {
			continue
		}

		records, err := lister.List(ctx, ds.Source)
		if err != nil {
			if errors.Is(err, catalog.ErrUnavailable) {
				slog.Warn("catalog unavailable, skipping dataset this run",
					slog.String("dataset", ds.Name),
					slog.Any("error", err))
				continue
			}
			errs = multierror.Append(errs, fmt.Errorf("dataset %s: %w", ds.Name, err))
			continue
		}

		plan, err := pl.Plan(ctx, ds.Name, records, unitSizeFor(cfg, ds), ds.MaxUnits)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("dataset %s: %w", ds.Name, err))
			continue
		}
		reportPlan(plan)

		if plan.State != planner.StateAwaitingUnits {
			continue
		}
		for _, unit := range plan.Pending {
			filename, err := builder.WriteUnitFile(ds.Name, unit)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("dataset %s: %w", ds.Name, err))
				continue
			}
			pendingUnits = append(pendingUnits, unit)
			unitFiles = append(unitFiles, filename)
		}
	}

	if len(pendingUnits) == 0 {
		slog.Info("nothing to submit, all work is complete or skipped")
		return errs.ErrorOrNil()
	}

	descriptor, err := builder.WriteSubmitDescriptor(pendingUnits, unitFiles)
	if err != nil {
		errs = multierror.Append(errs, err)
		return errs.ErrorOrNil()
	}
	slog.Info("submission descriptor written",
		slog.String("descriptor", descriptor),
		slog.Int("units", len(pendingUnits)))

	if !planSubmit {
		fmt.Printf("dry run, submit with:\n  %s\n", strings.Join(builder.Command(descriptor), " "))
		return errs.ErrorOrNil()
	}

	out, err := builder.Submit(ctx, descriptor)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("submission failed: %w\n%s", err, out))
		return errs.ErrorOrNil()
	}
	slog.Info("submitted", slog.Int("units", len(pendingUnits)))
	fmt.Print(out)

	return errs.ErrorOrNil()
}

func reportPlan(plan *planner.Plan) {
	switch plan.State {
	case planner.StatePublished:
		slog.Info("dataset already merged, skipping",
			slog.String("dataset", plan.Dataset))
	case planner.StateSkipped:
		slog.Warn("no inputs found for dataset, skipping",
			slog.String("dataset", plan.Dataset))
	case planner.StateAllUnitsComplete:
		slog.Info("all units complete, dataset ready to merge",
			slog.String("dataset", plan.Dataset),
			slog.Int("inputs", plan.InputsFound),
			slog.Int("units", len(plan.Units)))
	default:
		slog.Info("pending work planned",
			slog.String("dataset", plan.Dataset),
			slog.Int("inputs", plan.InputsFound),
			slog.Int("units", len(plan.Units)),
			slog.Int("pendingUnits", len(plan.Pending)),
			slog.Int("pendingPairs", plan.PairsPending))
	}
}
