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

package merge

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sampleforge/sampleforge/internal/filecrunch"
	"github.com/sampleforge/sampleforge/internal/objstore"
)

var testSchema = parquet.NewSchema("artifact", parquet.Group{
	"pt":  parquet.Optional(parquet.Leaf(parquet.FloatType)),
	"idx": parquet.Optional(parquet.Int(64)),
})

func newTestMerger(t *testing.T) (*Merger, objstore.Store) {
	t.Helper()
	store, err := objstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return NewMerger(store, Config{ReadBatchSize: 4}, nil), store
}

// uploadChunk writes rows with idx values start..start+n-1 and uploads
// them under key.
func uploadChunk(t *testing.T, store objstore.Store, key string, start, n int) {
	t.Helper()
	uploadChunkSchema(t, store, key, testSchema, start, n)
}

func uploadChunkSchema(t *testing.T, store objstore.Store, key string, schema *parquet.Schema, start, n int) {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "chunk.parquet")
	f, err := os.Create(filename)
	require.NoError(t, err)

	writer := parquet.NewGenericWriter[map[string]any](f, schema)
	for i := range n {
		row := map[string]any{
			"pt":  float32(start+i) * 1.5,
			"idx": int64(start + i),
		}
		_, err := writer.Write([]map[string]any{row})
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	require.NoError(t, f.Close())

	require.NoError(t, store.Upload(context.Background(), key, filename))
}

// readIndexes downloads a merged artifact and returns its idx column in
// row order.
func readIndexes(t *testing.T, store objstore.Store, key string) []int64 {
	t.Helper()
	filename, _, notFound, err := store.Download(context.Background(), t.TempDir(), key)
	require.NoError(t, err)
	require.False(t, notFound)

	fh, err := filecrunch.LoadSchemaForFile(filename)
	require.NoError(t, err)
	defer func() { require.NoError(t, fh.Close()) }()

	reader := parquet.NewGenericReader[map[string]any](fh.File, fh.Schema)
	defer func() { _ = reader.Close() }()

	var indexes []int64
	for {
		batch := make([]map[string]any, 8)
		for i := range batch {
			batch[i] = make(map[string]any)
		}
		n, err := reader.Read(batch)
		for _, row := range batch[:n] {
			idx, ok := row["idx"].(int64)
			require.True(t, ok, "row %v has no int64 idx", row)
			indexes = append(indexes, idx)
		}
		if errors.Is(err, io.EOF) || n == 0 {
			return indexes
		}
		require.NoError(t, err)
	}
}

func sequence(start, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(start + i)
	}
	return out
}

func TestMerge_AppendPreservesRowOrder(t *testing.T) {
	ctx := context.Background()
	merger, store := newTestMerger(t)

	uploadChunk(t, store, "crunched/qcd/a.parquet", 0, 3)
	uploadChunk(t, store, "crunched/qcd/b.parquet", 3, 2)

	result, err := merger.Merge(ctx, "qcd",
		[]string{"crunched/qcd/a.parquet", "crunched/qcd/b.parquet"},
		"crunched/qcd.parquet", Options{Strategy: StrategyAppend})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Rows)
	assert.Equal(t, 2, result.Chunks)

	assert.Equal(t, sequence(0, 5), readIndexes(t, store, "crunched/qcd.parquet"))
}

func TestMerge_SchemaMismatchAbortsWithoutOutput(t *testing.T) {
	ctx := context.Background()
	merger, store := newTestMerger(t)

	uploadChunk(t, store, "crunched/qcd/a.parquet", 0, 3)
	wider := parquet.NewSchema("artifact", parquet.Group{
		"pt":   parquet.Optional(parquet.Leaf(parquet.FloatType)),
		"idx":  parquet.Optional(parquet.Int(64)),
		"mass": parquet.Optional(parquet.Leaf(parquet.FloatType)),
	})
	uploadChunkSchema(t, store, "crunched/qcd/b.parquet", wider, 9, 1)

	_, err := merger.Merge(ctx, "qcd",
		[]string{"crunched/qcd/a.parquet", "crunched/qcd/b.parquet"},
		"crunched/qcd.parquet", Options{Strategy: StrategyAppend})

	var mismatch *filecrunch.MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []string{"mass"}, mismatch.Extra)
	assert.Equal(t, "crunched/qcd/b.parquet", mismatch.File)

	exists, err := store.Exists(ctx, "crunched/qcd.parquet")
	require.NoError(t, err)
	assert.False(t, exists, "no partial artifact may be published")
}

func TestMerge_ShuffleKeepsRowMultiset(t *testing.T) {
	ctx := context.Background()
	merger, store := newTestMerger(t)

	uploadChunk(t, store, "crunched/qcd/a.parquet", 0, 7)
	uploadChunk(t, store, "crunched/qcd/b.parquet", 7, 6)

	result, err := merger.Merge(ctx, "qcd",
		[]string{"crunched/qcd/a.parquet", "crunched/qcd/b.parquet"},
		"crunched/qcd.parquet", Options{Strategy: StrategyShuffle, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, int64(13), result.Rows)

	indexes := readIndexes(t, store, "crunched/qcd.parquet")
	assert.ElementsMatch(t, sequence(0, 13), indexes,
		"every input row must appear exactly once")
}

func TestMerge_ShuffleSameSeedSameOrder(t *testing.T) {
	ctx := context.Background()
	merger, store := newTestMerger(t)

	uploadChunk(t, store, "crunched/qcd/a.parquet", 0, 9)
	uploadChunk(t, store, "crunched/qcd/b.parquet", 9, 4)

	chunks := []string{"crunched/qcd/a.parquet", "crunched/qcd/b.parquet"}
	_, err := merger.Merge(ctx, "qcd", chunks, "crunched/run1.parquet",
		Options{Strategy: StrategyShuffle, Seed: 1234})
	require.NoError(t, err)
	_, err = merger.Merge(ctx, "qcd", chunks, "crunched/run2.parquet",
		Options{Strategy: StrategyShuffle, Seed: 1234})
	require.NoError(t, err)

	first := readIndexes(t, store, "crunched/run1.parquet")
	second := readIndexes(t, store, "crunched/run2.parquet")
	assert.Equal(t, first, second, "same seed must reproduce the same row order")

	_, err = merger.Merge(ctx, "qcd", chunks, "crunched/run3.parquet",
		Options{Strategy: StrategyShuffle, Seed: 99})
	require.NoError(t, err)
	third := readIndexes(t, store, "crunched/run3.parquet")
	assert.NotEqual(t, first, third, "different seed should permute differently")
}

func TestMerge_OverwritePolicies(t *testing.T) {
	ctx := context.Background()
	merger, store := newTestMerger(t)

	uploadChunk(t, store, "crunched/qcd/a.parquet", 0, 3)
	chunks := []string{"crunched/qcd/a.parquet"}

	_, err := merger.Merge(ctx, "qcd", chunks, "crunched/qcd.parquet", Options{})
	require.NoError(t, err)

	// default skip
	result, err := merger.Merge(ctx, "qcd", chunks, "crunched/qcd.parquet", Options{})
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	// fail
	_, err = merger.Merge(ctx, "qcd", chunks, "crunched/qcd.parquet",
		Options{Overwrite: OverwriteFail})
	assert.ErrorIs(t, err, ErrOutputExists)

	// overwrite replaces the artifact
	uploadChunk(t, store, "crunched/qcd/b.parquet", 3, 2)
	result, err = merger.Merge(ctx, "qcd",
		[]string{"crunched/qcd/a.parquet", "crunched/qcd/b.parquet"},
		"crunched/qcd.parquet", Options{Overwrite: OverwriteOverwrite})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, sequence(0, 5), readIndexes(t, store, "crunched/qcd.parquet"))
}

func TestMerge_ClaimExcludesConcurrentMerges(t *testing.T) {
	ctx := context.Background()
	merger, store := newTestMerger(t)

	uploadChunk(t, store, "crunched/qcd/a.parquet", 0, 3)

	release, err := store.Claim(ctx, "crunched/qcd.parquet")
	require.NoError(t, err)
	defer release()

	_, err = merger.Merge(ctx, "qcd", []string{"crunched/qcd/a.parquet"},
		"crunched/qcd.parquet", Options{})
	assert.ErrorIs(t, err, objstore.ErrClaimHeld)
}

func TestMerge_MissingChunk(t *testing.T) {
	ctx := context.Background()
	merger, _ := newTestMerger(t)

	_, err := merger.Merge(ctx, "qcd", []string{"crunched/qcd/absent.parquet"},
		"crunched/qcd.parquet", Options{})
	assert.ErrorContains(t, err, "does not exist")
}

func TestMerge_ValidatesOptions(t *testing.T) {
	ctx := context.Background()
	merger, _ := newTestMerger(t)

	_, err := merger.Merge(ctx, "qcd", nil, "out.parquet", Options{})
	assert.ErrorContains(t, err, "no chunks")

	_, err = merger.Merge(ctx, "qcd", []string{"a", ""}, "out.parquet", Options{})
	assert.ErrorContains(t, err, "empty chunk key")

	_, err = merger.Merge(ctx, "qcd", []string{"a"}, "out.parquet",
		Options{Strategy: "zigzag"})
	assert.ErrorContains(t, err, "unknown merge strategy")

	_, err = merger.Merge(ctx, "qcd", []string{"a"}, "out.parquet", Options{
		Strategy: StrategyAppend,
		Downsample: &Downsample{
			Mode:      DownsampleBins,
			BinColumn: "pt",
			BinEdges:  []float64{0, 1, 2},
		},
	})
	assert.ErrorContains(t, err, "requires the shuffle strategy")
}

func TestMerge_WeightDownsampleEqualizesWeights(t *testing.T) {
	ctx := context.Background()
	merger, store := newTestMerger(t)

	uploadChunk(t, store, "crunched/big.parquet", 0, 40)
	uploadChunk(t, store, "crunched/small.parquet", 100, 10)

	opts := Options{
		Strategy: StrategyShuffle,
		Seed:     7,
		Downsample: &Downsample{
			Mode: DownsampleWeight,
			Norms: map[string]float64{
				"big":   2.0,
				"small": 1.0,
			},
			Seed: 7,
		},
	}
	result, err := merger.Merge(ctx, "mix",
		[]string{"crunched/big.parquet", "crunched/small.parquet"},
		"crunched/mix.parquet", opts)
	require.NoError(t, err)

	// small has weight 10/1=10, big 40/2=20, so big is cut to 2*10=20 rows
	assert.Equal(t, int64(30), result.Rows)

	indexes := readIndexes(t, store, "crunched/mix.parquet")
	var fromBig, fromSmall int
	for _, idx := range indexes {
		if idx >= 100 {
			fromSmall++
		} else {
			fromBig++
		}
	}
	assert.Equal(t, 20, fromBig)
	assert.Equal(t, 10, fromSmall)
}

func TestMerge_WeightDownsampleAppendStrategy(t *testing.T) {
	ctx := context.Background()
	merger, store := newTestMerger(t)

	uploadChunk(t, store, "crunched/big.parquet", 0, 40)
	uploadChunk(t, store, "crunched/small.parquet", 100, 10)

	result, err := merger.Merge(ctx, "mix",
		[]string{"crunched/big.parquet", "crunched/small.parquet"},
		"crunched/mix.parquet", Options{
			Strategy: StrategyAppend,
			Downsample: &Downsample{
				Mode:  DownsampleWeight,
				Norms: map[string]float64{"big": 2.0, "small": 1.0},
				Seed:  7,
			},
		})
	require.NoError(t, err)
	assert.Equal(t, int64(30), result.Rows)

	// append keeps chunk order even when downsampling
	indexes := readIndexes(t, store, "crunched/mix.parquet")
	require.Len(t, indexes, 30)
	assert.Less(t, indexes[0], int64(100))
	assert.GreaterOrEqual(t, indexes[29], int64(100))
}

func TestMerge_DownsampleSameSeedSameRows(t *testing.T) {
	ctx := context.Background()
	merger, store := newTestMerger(t)

	uploadChunk(t, store, "crunched/big.parquet", 0, 40)
	uploadChunk(t, store, "crunched/small.parquet", 100, 10)

	opts := func(out string) (string, Options) {
		return out, Options{
			Strategy: StrategyShuffle,
			Seed:     3,
			Downsample: &Downsample{
				Mode:  DownsampleWeight,
				Norms: map[string]float64{"big": 2.0, "small": 1.0},
				Seed:  3,
			},
		}
	}

	out1, o1 := opts("crunched/run1.parquet")
	_, err := merger.Merge(ctx, "mix",
		[]string{"crunched/big.parquet", "crunched/small.parquet"}, out1, o1)
	require.NoError(t, err)
	out2, o2 := opts("crunched/run2.parquet")
	_, err = merger.Merge(ctx, "mix",
		[]string{"crunched/big.parquet", "crunched/small.parquet"}, out2, o2)
	require.NoError(t, err)

	assert.Equal(t, readIndexes(t, store, out1), readIndexes(t, store, out2))
}

func TestMerge_BinsDownsampleCapsEveryBin(t *testing.T) {
	ctx := context.Background()
	merger, store := newTestMerger(t)

	// pt = idx*1.5, both chunks start at idx 0 so their pt values share
	// the single [0,15) bin
	uploadChunk(t, store, "crunched/a.parquet", 0, 10)
	uploadChunk(t, store, "crunched/b.parquet", 0, 4)

	result, err := merger.Merge(ctx, "mix",
		[]string{"crunched/a.parquet", "crunched/b.parquet"},
		"crunched/mix.parquet", Options{
			Strategy: StrategyShuffle,
			Seed:     11,
			Downsample: &Downsample{
				Mode:      DownsampleBins,
				BinColumn: "pt",
				BinEdges:  []float64{0, 15},
				Seed:      11,
			},
		})
	require.NoError(t, err)

	// chunk a has 10 rows in the single bin, chunk b has 4, cap is 4 each
	assert.Equal(t, int64(8), result.Rows)
}

func TestParseOverwritePolicy(t *testing.T) {
	for in, want := range map[string]OverwritePolicy{
		"":          OverwriteSkip,
		"skip":      OverwriteSkip,
		"overwrite": OverwriteOverwrite,
		"fail":      OverwriteFail,
	} {
		got, err := ParseOverwritePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseOverwritePolicy("ask")
	assert.Error(t, err)
}

func TestLinearEdges(t *testing.T) {
	edges := LinearEdges(0, 10, 5)
	assert.Equal(t, []float64{0, 2, 4, 6, 8, 10}, edges)
	assert.Nil(t, LinearEdges(5, 5, 3))
	assert.Nil(t, LinearEdges(0, 10, 0))
}

func TestDownsampleValidate(t *testing.T) {
	assert.Error(t, (&Downsample{Mode: "other"}).validate())
	assert.Error(t, (&Downsample{Mode: DownsampleBins}).validate())
	assert.Error(t, (&Downsample{Mode: DownsampleBins, BinColumn: "pt", BinEdges: []float64{1}}).validate())
	assert.Error(t, (&Downsample{Mode: DownsampleBins, BinColumn: "pt", BinEdges: []float64{2, 1}}).validate())
	assert.NoError(t, (&Downsample{Mode: DownsampleWeight}).validate())
	assert.NoError(t, (&Downsample{Mode: DownsampleBins, BinColumn: "pt", BinEdges: []float64{0, 1}}).validate())
}

func TestBinIndex(t *testing.T) {
	d := &Downsample{BinEdges: []float64{0, 10, 20}}
	assert.Equal(t, 0, d.binIndex(0))
	assert.Equal(t, 0, d.binIndex(5))
	assert.Equal(t, 1, d.binIndex(10))
	assert.Equal(t, 1, d.binIndex(19.9))
	assert.Equal(t, 1, d.binIndex(20), "upper edge belongs to the last bin")
	assert.Equal(t, -1, d.binIndex(-0.1))
	assert.Equal(t, -1, d.binIndex(20.1))
}

func TestNormFor(t *testing.T) {
	d := &Downsample{Norms: map[string]float64{"qcd": 2.5}}

	v, err := d.normFor("qcd")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	// key form resolves through its base name stem
	v, err = d.normFor("crunched/qcd.parquet")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	_, err = d.normFor("crunched/unknown.parquet")
	assert.Error(t, err)

	empty := &Downsample{}
	v, err = empty.normFor("anything")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}
