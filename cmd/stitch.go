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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sampleforge/sampleforge/config"
	"github.com/sampleforge/sampleforge/internal/merge"
	"github.com/sampleforge/sampleforge/internal/planner"
)

var (
	stitchGroup     string
	stitchMode      string
	stitchBinColumn string
	stitchBinLo     float64
	stitchBinHi     float64
	stitchBinCount  int
	stitchSeed      uint64
	stitchOverwrite string
)

func init() {
	stitchCmd.Flags().StringVar(&stitchGroup, "group", "", "Stitching group to combine (required)")
	stitchCmd.Flags().StringVar(&stitchMode, "mode", merge.DownsampleWeight, "Downsample mode: weight or bins")
	stitchCmd.Flags().StringVar(&stitchBinColumn, "bin-column", "", "Numeric column to bin on in bins mode")
	stitchCmd.Flags().Float64Var(&stitchBinLo, "bin-lo", 0, "Lower edge of the binning range")
	stitchCmd.Flags().Float64Var(&stitchBinHi, "bin-hi", 0, "Upper edge of the binning range")
	stitchCmd.Flags().IntVar(&stitchBinCount, "bins", 0, "Number of bins between --bin-lo and --bin-hi")
	stitchCmd.Flags().Uint64Var(&stitchSeed, "seed", 0, "Random seed for downsampling and shuffling")
	stitchCmd.Flags().StringVar(&stitchOverwrite, "overwrite", "", "Overwrite policy: skip, overwrite, or fail")
	_ = stitchCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(stitchCmd)
}

var stitchCmd = &cobra.Command{
	Use:   "stitch",
	Short: "Combine the consolidated artifacts of a dataset group",
	Long: `Merge the already-consolidated artifacts of every dataset in a group
into one shuffled artifact, downsampling each dataset so their
effective sample weights match (weight mode, normalized by cross
section) or so every bin of a chosen column holds the same row count
across datasets (bins mode).`,
	RunE: runStitch,
}

func runStitch(cmd *cobra.Command, _ []string) error {
	ctx, cancel, cfg, datasets, store, err := setupRun("stitch")
	if err != nil {
		return err
	}
	defer cancel()

	policy := stitchOverwrite
	if policy == "" {
		policy = cfg.Merge.Overwrite
	}
	overwrite, err := merge.ParseOverwritePolicy(policy)
	if err != nil {
		return err
	}

	members := make([]config.Dataset, 0, len(datasets))
	for _, ds := range datasets {
		if ds.Group == stitchGroup {
			members = append(members, ds)
		}
	}
	if len(members) == 0 {
		return fmt.Errorf("no datasets declare group %s", stitchGroup)
	}

	downsample, err := stitchDownsample(members)
	if err != nil {
		return err
	}

	oracle := planner.NewOracle(store, slog.Default())
	chunkKeys := make([]string, 0, len(members))
	for _, ds := range members {
		key := cfg.Planner.MergedKey(ds.Name)
		if !oracle.Exists(ctx, key) {
			return fmt.Errorf("dataset %s is not merged yet, cannot stitch group %s", ds.Name, stitchGroup)
		}
		chunkKeys = append(chunkKeys, key)
	}

	merger := merge.NewMerger(store, cfg.Merge, slog.Default())
	result, err := merger.Merge(ctx, stitchGroup, chunkKeys, cfg.Planner.MergedKey(stitchGroup), merge.Options{
		Strategy:   merge.StrategyShuffle,
		Seed:       stitchSeed,
		Overwrite:  overwrite,
		Downsample: downsample,
	})
	if err != nil {
		return fmt.Errorf("stitching group %s: %w", stitchGroup, err)
	}
	if result.Skipped {
		return nil
	}

	slog.Info("group stitched",
		slog.String("group", stitchGroup),
		slog.String("key", result.OutputKey),
		slog.Int64("rows", result.Rows),
		slog.Int("datasets", result.Chunks))
	return nil
}

func stitchDownsample(members []config.Dataset) (*merge.Downsample, error) {
	switch stitchMode {
	case merge.DownsampleWeight:
		norms := make(map[string]float64, len(members))
		for _, ds := range members {
			if ds.XSecPB <= 0 {
				return nil, fmt.Errorf("dataset %s has no positive xsec_pb, required for weight stitching", ds.Name)
			}
			norms[ds.Name] = ds.XSecPB
		}
		return &merge.Downsample{
			Mode:  merge.DownsampleWeight,
			Norms: norms,
			Seed:  stitchSeed,
		}, nil
	case merge.DownsampleBins:
		edges := merge.LinearEdges(stitchBinLo, stitchBinHi, stitchBinCount)
		if edges == nil {
			return nil, fmt.Errorf("bins mode needs --bins > 0 and --bin-hi > --bin-lo")
		}
		return &merge.Downsample{
			Mode:      merge.DownsampleBins,
			BinColumn: stitchBinColumn,
			BinEdges:  edges,
			Seed:      stitchSeed,
		}, nil
	default:
		return nil, fmt.Errorf("unknown downsample mode %q", stitchMode)
	}
}
