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

// Package planner partitions a dataset's input records into bounded
// processing units and decides, per unit, which work is still pending.
//
// Units are recomputed from scratch on every planning pass. Nothing is
// persisted between passes: whether a unit is pending is derived
// entirely from the current record listing and remote output existence,
// which makes re-invocation after partial failure safe.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/sampleforge/sampleforge/internal/objstore"
)

// State describes where a dataset sits in its processing lifecycle.
// It is advisory output of a planning pass, never stored.
type State string

const (
	StateNotStarted       State = "not_started"
	StatePartitioning     State = "partitioning"
	StateAwaitingUnits    State = "awaiting_units"
	StateAllUnitsComplete State = "all_units_complete"
	StateMerging          State = "merging"
	StatePublished        State = "published"
	StateSchemaMismatch   State = "schema_mismatch"
	StateSkipped          State = "skipped"
)

// Pair is one unit member still needing processing.
type Pair struct {
	Input  string
	Output string
}

// Unit is a contiguous slice of a dataset's records. Records holds the
// full membership; Pending holds only the members whose outputs are
// missing. A unit with an empty Pending list is complete.
type Unit struct {
	ID      string
	Index   int
	Records []string
	Pending []Pair
}

// Plan is the result of one planning pass over one dataset.
type Plan struct {
	Dataset      string
	State        State
	InputsFound  int
	Units        []Unit
	Pending      []Unit
	PairsPending int
	MergedExists bool
}

type Config struct {
	// OutputPrefix is the storage prefix under which per-record outputs
	// and the consolidated artifact live.
	OutputPrefix string `mapstructure:"output_prefix"`

	// OutputExt is the extension of per-record outputs, default ".parquet".
	OutputExt string `mapstructure:"output_ext"`
}

func (c Config) ext() string {
	if c.OutputExt == "" {
		return ".parquet"
	}
	return c.OutputExt
}

// OutputKey returns the deterministic output location for one record of
// a dataset. The record's extension is replaced, not appended, so the
// same record always maps to the same output regardless of input format.
func (c Config) OutputKey(dataset, record string) string {
	stem := path.Base(record)
	if idx := strings.LastIndex(stem, "."); idx > 0 {
		stem = stem[:idx]
	}
	return path.Join(c.OutputPrefix, dataset, stem+c.ext())
}

// MergedKey returns the location of a dataset's consolidated artifact.
func (c Config) MergedKey(dataset string) string {
	return path.Join(c.OutputPrefix, dataset+c.ext())
}

// Partition splits records into contiguous groups of at most unitSize,
// preserving order. Concatenating the groups reproduces records exactly.
// maxUnits > 0 truncates the group sequence, a sampling knob for running
// a subset of a large dataset.
func Partition(records []string, unitSize, maxUnits int) [][]string {
	if unitSize <= 0 || len(records) == 0 {
		return nil
	}
	units := make([][]string, 0, (len(records)+unitSize-1)/unitSize)
	for start := 0; start < len(records); start += unitSize {
		end := min(start+unitSize, len(records))
		units = append(units, records[start:end])
	}
	if maxUnits > 0 && len(units) > maxUnits {
		units = units[:maxUnits]
	}
	return units
}

// Oracle answers whether a valid output already exists at a key. A
// failed check is reported as missing so that transient storage errors
// bias toward redoing work, never toward skipping it. Results are never
// cached across planning passes.
type Oracle struct {
	store objstore.Store
	ll    *slog.Logger
}

func NewOracle(store objstore.Store, ll *slog.Logger) *Oracle {
	if ll == nil {
		ll = slog.Default()
	}
	return &Oracle{store: store, ll: ll}
}

func (o *Oracle) Exists(ctx context.Context, key string) bool {
	ok, err := o.store.Exists(ctx, key)
	if err != nil {
		o.ll.Warn("existence check failed, treating as missing",
			slog.String("key", key),
			slog.Any("error", err))
		return false
	}
	return ok
}

// Planner computes pending work for datasets.
type Planner struct {
	cfg    Config
	oracle *Oracle
	ll     *slog.Logger
}

func NewPlanner(cfg Config, oracle *Oracle, ll *slog.Logger) *Planner {
	if ll == nil {
		ll = slog.Default()
	}
	return &Planner{cfg: cfg, oracle: oracle, ll: ll}
}

// Plan partitions records and checks every expected output. A unit is
// pending when at least one member output is missing; only the missing
// pairs are retained in the pending unit. An empty record list yields a
// skipped plan with zero units.
func (p *Planner) Plan(ctx context.Context, dataset string, records []string, unitSize, maxUnits int) (*Plan, error) {
	plan := &Plan{
		Dataset:     dataset,
		State:       StatePartitioning,
		InputsFound: len(records),
	}

	if ok := p.oracle.Exists(ctx, p.cfg.MergedKey(dataset)); ok {
		plan.MergedExists = true
		plan.State = StatePublished
		return plan, nil
	}

	if len(records) == 0 {
		plan.State = StateSkipped
		return plan, nil
	}

	groups := Partition(records, unitSize, maxUnits)
	plan.Units = make([]Unit, 0, len(groups))
	for i, group := range groups {
		unit := Unit{
			ID:      fmt.Sprintf("%s_%04d", dataset, i),
			Index:   i,
			Records: group,
		}
		for _, record := range group {
			out := p.cfg.OutputKey(dataset, record)
			if !p.oracle.Exists(ctx, out) {
				unit.Pending = append(unit.Pending, Pair{Input: record, Output: out})
			}
		}
		plan.Units = append(plan.Units, unit)
		if len(unit.Pending) > 0 {
			plan.Pending = append(plan.Pending, unit)
			plan.PairsPending += len(unit.Pending)
		}
	}

	if len(plan.Pending) == 0 {
		plan.State = StateAllUnitsComplete
	} else {
		plan.State = StateAwaitingUnits
	}
	return plan, nil
}
