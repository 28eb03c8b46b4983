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
	"context"
	"fmt"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"

	"github.com/sampleforge/sampleforge/config"
	"github.com/sampleforge/sampleforge/internal/idgen"
	"github.com/sampleforge/sampleforge/internal/objstore"
)

var myInstanceID int64

// setupRun wires the pieces every subcommand needs: signal handling,
// logging, configuration, the dataset declarations, and the storage
// client.
func setupRun(servicename string) (context.Context, context.CancelFunc, *config.Config, []config.Dataset, objstore.Store, error) {
	myInstanceID = idgen.DefaultFlakeGenerator.NextID()

	doneCtx, doneCancel := handleSignals(context.Background())

	setupLogging(servicename)

	cfg, err := config.Load()
	if err != nil {
		doneCancel()
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	datasets, err := config.LoadDatasets(cfg.DatasetsFile)
	if err != nil {
		doneCancel()
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to load datasets: %w", err)
	}

	store, err := objstore.New(doneCtx, cfg.Storage)
	if err != nil {
		doneCancel()
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return doneCtx, doneCancel, cfg, datasets, store, nil
}

// setupLogging configures slog. The console always gets text output; a
// JSON copy of every record additionally goes to the file named by
// SAMPLEFORGE_RUN_LOG so batch runs leave a machine-readable trail.
func setupLogging(servicename string) {
	var opts *slog.HandlerOptions
	if os.Getenv("DEBUG") != "" || os.Getenv("SAMPLEFORGE_DEBUG") != "" {
		opts = &slog.HandlerOptions{Level: slog.LevelDebug}
	}

	handler := slog.Handler(slog.NewTextHandler(os.Stdout, opts))
	if runlog := os.Getenv("SAMPLEFORGE_RUN_LOG"); runlog != "" {
		f, err := os.OpenFile(runlog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("failed to open run log, console only", "file", runlog, "error", err.Error())
		} else {
			handler = slogmulti.Fanout(
				handler,
				slog.NewJSONHandler(f, opts),
			)
		}
	}

	slog.SetDefault(slog.New(handler).With(
		slog.String("service", servicename),
		slog.Int64("instanceID", myInstanceID),
	))
}

// unitSizeFor resolves the effective unit size for a dataset.
func unitSizeFor(cfg *config.Config, ds config.Dataset) int {
	if ds.UnitSize > 0 {
		return ds.UnitSize
	}
	return cfg.UnitSize
}
