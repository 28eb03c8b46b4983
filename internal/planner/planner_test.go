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

package planner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sampleforge/sampleforge/internal/objstore"
)

func TestPartition_Properties(t *testing.T) {
	for _, tc := range []struct {
		records  int
		unitSize int
		want     []int
	}{
		{records: 13, unitSize: 5, want: []int{5, 5, 3}},
		{records: 10, unitSize: 5, want: []int{5, 5}},
		{records: 4, unitSize: 5, want: []int{4}},
		{records: 1, unitSize: 1, want: []int{1}},
		{records: 0, unitSize: 5, want: nil},
	} {
		t.Run(fmt.Sprintf("%d_by_%d", tc.records, tc.unitSize), func(t *testing.T) {
			records := makeRecords(tc.records)
			units := Partition(records, tc.unitSize, 0)
			require.Len(t, units, len(tc.want))

			flat := []string{}
			for i, unit := range units {
				assert.Len(t, unit, tc.want[i])
				assert.LessOrEqual(t, len(unit), tc.unitSize)
				flat = append(flat, unit...)
			}
			assert.Equal(t, records, flat, "concatenated units must reproduce the records")
		})
	}
}

func TestPartition_MaxUnits(t *testing.T) {
	records := makeRecords(13)
	units := Partition(records, 5, 2)
	require.Len(t, units, 2)
	assert.Len(t, units[0], 5)
	assert.Len(t, units[1], 5)
}

func TestPartition_BadUnitSize(t *testing.T) {
	assert.Nil(t, Partition(makeRecords(3), 0, 0))
}

func makeRecords(n int) []string {
	records := make([]string, n)
	for i := range records {
		records[i] = fmt.Sprintf("samples/qcd/file_%03d.root", i)
	}
	return records
}

func newTestPlanner(t *testing.T) (*Planner, objstore.Store, Config) {
	t.Helper()
	store, err := objstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	cfg := Config{OutputPrefix: "crunched"}
	oracle := NewOracle(store, nil)
	return NewPlanner(cfg, oracle, nil), store, cfg
}

func markDone(t *testing.T, store objstore.Store, key string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(src, []byte("done"), 0o644))
	require.NoError(t, store.Upload(context.Background(), key, src))
}

func TestPlan_ThirteenRecordsUnitTwoComplete(t *testing.T) {
	ctx := context.Background()
	pl, store, cfg := newTestPlanner(t)
	records := makeRecords(13)

	// unit 2 covers records 5..9
	for _, record := range records[5:10] {
		markDone(t, store, cfg.OutputKey("qcd", record))
	}

	plan, err := pl.Plan(ctx, "qcd", records, 5, 0)
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingUnits, plan.State)
	assert.Equal(t, 13, plan.InputsFound)
	require.Len(t, plan.Units, 3)
	require.Len(t, plan.Pending, 2)
	assert.Equal(t, "qcd_0000", plan.Pending[0].ID)
	assert.Equal(t, "qcd_0002", plan.Pending[1].ID)
	assert.Equal(t, 8, plan.PairsPending)
}

func TestPlan_PartiallyCompleteUnitKeepsOnlyMissingPairs(t *testing.T) {
	ctx := context.Background()
	pl, store, cfg := newTestPlanner(t)
	records := makeRecords(5)

	markDone(t, store, cfg.OutputKey("qcd", records[1]))
	markDone(t, store, cfg.OutputKey("qcd", records[3]))

	plan, err := pl.Plan(ctx, "qcd", records, 5, 0)
	require.NoError(t, err)

	require.Len(t, plan.Pending, 1)
	unit := plan.Pending[0]
	assert.Len(t, unit.Records, 5, "batch boundary is unchanged")
	require.Len(t, unit.Pending, 3)
	assert.Equal(t, records[0], unit.Pending[0].Input)
	assert.Equal(t, records[2], unit.Pending[1].Input)
	assert.Equal(t, records[4], unit.Pending[2].Input)
}

func TestPlan_Idempotence(t *testing.T) {
	ctx := context.Background()
	pl, store, _ := newTestPlanner(t)
	records := makeRecords(13)

	plan, err := pl.Plan(ctx, "qcd", records, 5, 0)
	require.NoError(t, err)
	require.Len(t, plan.Pending, 3)

	// outputs appear for every pending pair, as external workers would produce
	for _, unit := range plan.Pending {
		for _, pair := range unit.Pending {
			markDone(t, store, pair.Output)
		}
	}

	plan, err = pl.Plan(ctx, "qcd", records, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, StateAllUnitsComplete, plan.State)
	assert.Empty(t, plan.Pending)
	assert.Zero(t, plan.PairsPending)
}

func TestPlan_EmptyRecordsIsSkip(t *testing.T) {
	ctx := context.Background()
	pl, _, _ := newTestPlanner(t)

	plan, err := pl.Plan(ctx, "qcd", nil, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, plan.State)
	assert.Empty(t, plan.Units)
}

func TestPlan_MergedDatasetIsTerminal(t *testing.T) {
	ctx := context.Background()
	pl, store, cfg := newTestPlanner(t)

	markDone(t, store, cfg.MergedKey("qcd"))

	plan, err := pl.Plan(ctx, "qcd", makeRecords(13), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, StatePublished, plan.State)
	assert.True(t, plan.MergedExists)
	assert.Empty(t, plan.Units)
}

type flakyStore struct {
	objstore.Store
}

func (f *flakyStore) Exists(ctx context.Context, key string) (bool, error) {
	return true, errors.New("timeout talking to storage")
}

func TestOracle_CheckFailureMeansMissing(t *testing.T) {
	oracle := NewOracle(&flakyStore{}, nil)
	assert.False(t, oracle.Exists(context.Background(), "crunched/qcd/file.parquet"))
}

func TestOutputKey(t *testing.T) {
	cfg := Config{OutputPrefix: "crunched"}
	assert.Equal(t, "crunched/qcd/file_001.parquet",
		cfg.OutputKey("qcd", "samples/qcd/file_001.root"))
	assert.Equal(t, "crunched/qcd.parquet", cfg.MergedKey("qcd"))
}
