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
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"path"
	"sort"
	"strings"

	"github.com/sampleforge/sampleforge/internal/filecrunch"
)

const (
	DownsampleWeight = "weight"
	DownsampleBins   = "bins"
)

// Downsample caps the rows drawn from each chunk before a merge.
//
// Weight mode equalizes the effective sample weight across chunks: a
// chunk's weight is its row count divided by its normalization
// constant, and every chunk is subsampled to the smallest weight in
// the group. Bins mode caps every value-bin of a numeric column to the
// smallest per-bin count found across chunks; it needs the full row
// set and therefore runs only under the shuffle strategy.
//
// Both modes draw uniform random subsets without replacement and are
// deterministic for a fixed seed and input row sets.
type Downsample struct {
	Mode      string
	Norms     map[string]float64
	BinColumn string
	BinEdges  []float64
	Seed      uint64
}

func (d *Downsample) validate() error {
	switch d.Mode {
	case DownsampleWeight:
	case DownsampleBins:
		if d.BinColumn == "" {
			return errors.New("bin downsampling needs a bin column")
		}
		if len(d.BinEdges) < 2 {
			return errors.New("bin downsampling needs at least two bin edges")
		}
		if !sort.Float64sAreSorted(d.BinEdges) {
			return errors.New("bin edges must be ascending")
		}
	default:
		return fmt.Errorf("unknown downsample mode %q", d.Mode)
	}
	return nil
}

// LinearEdges returns n+1 evenly spaced edges covering [lo, hi],
// defining n bins.
func LinearEdges(lo, hi float64, n int) []float64 {
	if n <= 0 || hi <= lo {
		return nil
	}
	edges := make([]float64, n+1)
	width := (hi - lo) / float64(n)
	for i := range edges {
		edges[i] = lo + float64(i)*width
	}
	edges[n] = hi
	return edges
}

func (d *Downsample) normFor(chunkKey string) (float64, error) {
	if len(d.Norms) == 0 {
		return 1.0, nil
	}
	if v, ok := d.Norms[chunkKey]; ok {
		return v, nil
	}
	stem := path.Base(chunkKey)
	if idx := strings.LastIndex(stem, "."); idx > 0 {
		stem = stem[:idx]
	}
	if v, ok := d.Norms[stem]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("no normalization constant for chunk %s", chunkKey)
}

// planKeepSets computes, for weight-mode downsampling, the retained row
// indices of each chunk from the parquet footers alone. It returns nil
// keep sets (keep everything) when no downsampling is requested. This
// path never touches row data, so it works under the streaming append
// strategy.
func planKeepSets(handles []*filecrunch.FileHandle, chunkKeys []string, d *Downsample) ([]map[int64]struct{}, error) {
	keep := make([]map[int64]struct{}, len(handles))
	if d == nil || d.Mode != DownsampleWeight {
		return keep, nil
	}

	counts := make([]int64, len(handles))
	for i, fh := range handles {
		counts[i] = fh.ParquetFile.NumRows()
	}
	targets, err := d.weightTargets(counts, chunkKeys)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(d.Seed, d.Seed))
	for i := range handles {
		if targets[i] >= counts[i] {
			continue
		}
		keep[i] = pickIndices(counts[i], targets[i], rng)
	}
	return keep, nil
}

// weightTargets scales every chunk to the smallest effective weight in
// the group.
func (d *Downsample) weightTargets(counts []int64, chunkKeys []string) ([]int64, error) {
	norms := make([]float64, len(counts))
	minWeight := math.Inf(1)
	for i, count := range counts {
		norm, err := d.normFor(chunkKeys[i])
		if err != nil {
			return nil, err
		}
		if norm <= 0 {
			return nil, fmt.Errorf("normalization constant for %s must be positive", chunkKeys[i])
		}
		norms[i] = norm
		if w := float64(count) / norm; w < minWeight {
			minWeight = w
		}
	}

	targets := make([]int64, len(counts))
	for i := range counts {
		target := int64(math.Round(minWeight * norms[i]))
		targets[i] = min(target, counts[i])
	}
	return targets, nil
}

// apply downsamples fully loaded chunk row sets, handling both modes.
// Used by the shuffle strategy.
func (d *Downsample) apply(chunks [][]map[string]any, chunkKeys []string) ([][]map[string]any, error) {
	switch d.Mode {
	case DownsampleWeight:
		return d.applyWeight(chunks, chunkKeys)
	case DownsampleBins:
		return d.applyBins(chunks)
	default:
		return nil, fmt.Errorf("unknown downsample mode %q", d.Mode)
	}
}

func (d *Downsample) applyWeight(chunks [][]map[string]any, chunkKeys []string) ([][]map[string]any, error) {
	counts := make([]int64, len(chunks))
	for i, rows := range chunks {
		counts[i] = int64(len(rows))
	}
	targets, err := d.weightTargets(counts, chunkKeys)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(d.Seed, d.Seed))
	out := make([][]map[string]any, len(chunks))
	for i, rows := range chunks {
		if targets[i] >= counts[i] {
			out[i] = rows
			continue
		}
		keep := pickIndices(counts[i], targets[i], rng)
		kept := make([]map[string]any, 0, targets[i])
		for j, row := range rows {
			if _, ok := keep[int64(j)]; ok {
				kept = append(kept, row)
			}
		}
		out[i] = kept
	}
	return out, nil
}

// applyBins caps every value-bin of the bin column to the smallest
// per-bin count across chunks. Rows whose bin value falls outside the
// edges, or is missing, are dropped.
func (d *Downsample) applyBins(chunks [][]map[string]any) ([][]map[string]any, error) {
	nbins := len(d.BinEdges) - 1

	// rows of each chunk bucketed by bin index
	binned := make([][][]int, len(chunks))
	for i, rows := range chunks {
		binned[i] = make([][]int, nbins)
		for j, row := range rows {
			v, ok := toFloat(row[d.BinColumn])
			if !ok {
				continue
			}
			bin := d.binIndex(v)
			if bin < 0 {
				continue
			}
			binned[i][bin] = append(binned[i][bin], j)
		}
	}

	caps := make([]int, nbins)
	for bin := range nbins {
		caps[bin] = math.MaxInt
		for i := range chunks {
			caps[bin] = min(caps[bin], len(binned[i][bin]))
		}
	}

	rng := rand.New(rand.NewPCG(d.Seed, d.Seed))
	out := make([][]map[string]any, len(chunks))
	for i, rows := range chunks {
		kept := make([]int, 0, len(rows))
		for bin := range nbins {
			indices := binned[i][bin]
			if len(indices) > caps[bin] {
				perm := rng.Perm(len(indices))
				selected := make([]int, 0, caps[bin])
				for _, p := range perm[:caps[bin]] {
					selected = append(selected, indices[p])
				}
				indices = selected
			}
			kept = append(kept, indices...)
		}
		sort.Ints(kept)
		keptRows := make([]map[string]any, 0, len(kept))
		for _, j := range kept {
			keptRows = append(keptRows, rows[j])
		}
		out[i] = keptRows
	}
	return out, nil
}

// binIndex returns the bin for v, or -1 if v is outside the edges. The
// last bin is closed on the right so the upper edge is not lost.
func (d *Downsample) binIndex(v float64) int {
	if v < d.BinEdges[0] || v > d.BinEdges[len(d.BinEdges)-1] {
		return -1
	}
	idx := sort.SearchFloat64s(d.BinEdges, v)
	if idx > 0 && (idx == len(d.BinEdges) || d.BinEdges[idx] != v) {
		idx--
	}
	return min(idx, len(d.BinEdges)-2)
}

func pickIndices(n, k int64, rng *rand.Rand) map[int64]struct{} {
	keep := make(map[int64]struct{}, k)
	perm := rng.Perm(int(n))
	for _, idx := range perm[:k] {
		keep[int64(idx)] = struct{}{}
	}
	return keep
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
