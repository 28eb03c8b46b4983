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

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/sampleforge/sampleforge/internal/catalog"
	"github.com/sampleforge/sampleforge/internal/filecrunch"
	"github.com/sampleforge/sampleforge/internal/merge"
	"github.com/sampleforge/sampleforge/internal/planner"
)

var (
	mergeDataset   string
	mergeStrategy  string
	mergeSeed      uint64
	mergeOverwrite string
)

func init() {
	mergeCmd.Flags().StringVar(&mergeDataset, "dataset", "", "Merge only the named dataset")
	mergeCmd.Flags().StringVar(&mergeStrategy, "strategy", merge.StrategyAppend, "Merge strategy: append or shuffle")
	mergeCmd.Flags().Uint64Var(&mergeSeed, "seed", 0, "Random seed for the shuffle strategy")
	mergeCmd.Flags().StringVar(&mergeOverwrite, "overwrite", "", "Overwrite policy: skip, overwrite, or fail")
	rootCmd.AddCommand(mergeCmd)
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Consolidate per-unit artifacts into one artifact per dataset",
	Long: `For every dataset whose units have all produced their outputs, merge
those outputs, in input order, into the dataset's consolidated
artifact. Datasets with outstanding units are skipped and reported.`,
	RunE: runMerge,
}

func runMerge(cmd *cobra.Command, _ []string) error {
	ctx, cancel, cfg, datasets, store, err := setupRun("merge")
	if err != nil {
		return err
	}
	defer cancel()

	policy, err := overwritePolicy(cfg.Merge.Overwrite)
	if err != nil {
		return err
	}

	lister, err := catalog.NewLister(store, cfg.Catalog)
	if err != nil {
		return err
	}
	oracle := planner.NewOracle(store, slog.Default())
	merger := merge.NewMerger(store, cfg.Merge, slog.Default())

	var errs *multierror.Error
	for _, ds := range datasets {
		if mergeDataset != "" && ds.Name != mergeDataset {
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
		if len(records) == 0 {
			slog.Warn("no inputs found for dataset, skipping",
				slog.String("dataset", ds.Name))
			continue
		}

		units := planner.Partition(records, unitSizeFor(cfg, ds), ds.MaxUnits)
		chunkKeys := make([]string, 0, len(records))
		missing := 0
		for _, unit := range units {
			for _, record := range unit {
				key := cfg.Planner.OutputKey(ds.Name, record)
				if !oracle.Exists(ctx, key) {
					missing++
					continue
				}
				chunkKeys = append(chunkKeys, key)
			}
		}
		if missing > 0 {
			slog.Info("dataset has outstanding units, skipping merge",
				slog.String("dataset", ds.Name),
				slog.Int("missingOutputs", missing))
			continue
		}

		result, err := merger.Merge(ctx, ds.Name, chunkKeys, cfg.Planner.MergedKey(ds.Name), merge.Options{
			Strategy:  mergeStrategy,
			Seed:      mergeSeed,
			Overwrite: policy,
		})
		if err != nil {
			var mismatch *filecrunch.MismatchError
			if errors.As(err, &mismatch) {
				slog.Error("schema mismatch, merge aborted without publishing",
					slog.String("dataset", ds.Name),
					slog.String("detail", mismatch.Error()))
			}
			errs = multierror.Append(errs, fmt.Errorf("dataset %s: %w", ds.Name, err))
			continue
		}
		if result.Skipped {
			continue
		}
		slog.Info("dataset merged",
			slog.String("dataset", ds.Name),
			slog.String("key", result.OutputKey),
			slog.Int64("rows", result.Rows),
			slog.Int("chunks", result.Chunks))
	}

	return errs.ErrorOrNil()
}

// overwritePolicy resolves the flag value over the configured default.
func overwritePolicy(configured string) (merge.OverwritePolicy, error) {
	s := mergeOverwrite
	if s == "" {
		s = configured
	}
	return merge.ParseOverwritePolicy(s)
}
