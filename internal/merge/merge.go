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

// Package merge consolidates per-unit parquet artifacts into one
// artifact per dataset.
//
// Two strategies are supported. Append streams rows chunk by chunk into
// the output, preserving chunk order with memory bounded by one read
// batch. Shuffle accumulates every row in memory, applies one seeded
// permutation, and writes once; it is for consumers that must not see
// per-file ordering.
//
// Either way the output is written to a local temporary file and
// uploaded only after a fully successful merge, so a crashed or aborted
// merge never leaves a partial artifact at the target key.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/sampleforge/sampleforge/internal/filecrunch"
	"github.com/sampleforge/sampleforge/internal/objstore"
)

const (
	StrategyAppend  = "append"
	StrategyShuffle = "shuffle"
)

// OverwritePolicy decides what happens when the output key is already
// occupied at merge time.
type OverwritePolicy string

const (
	OverwriteSkip      OverwritePolicy = "skip"
	OverwriteOverwrite OverwritePolicy = "overwrite"
	OverwriteFail      OverwritePolicy = "fail"
)

func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch OverwritePolicy(s) {
	case OverwriteSkip, OverwriteOverwrite, OverwriteFail:
		return OverwritePolicy(s), nil
	case "":
		return OverwriteSkip, nil
	default:
		return "", fmt.Errorf("unknown overwrite policy %q", s)
	}
}

var ErrOutputExists = errors.New("output artifact already exists")

type Config struct {
	// ReadBatchSize is the number of rows read from a chunk at a time
	// during an append merge.
	ReadBatchSize int `mapstructure:"read_batch_size"`

	// Overwrite is the policy applied when the output key is occupied.
	Overwrite string `mapstructure:"overwrite"`
}

func (c Config) readBatchSize() int {
	if c.ReadBatchSize <= 0 {
		return 1000
	}
	return c.ReadBatchSize
}

type Options struct {
	Strategy   string
	Seed       uint64
	Overwrite  OverwritePolicy
	Downsample *Downsample
}

type Result struct {
	OutputKey string
	Rows      int64
	Chunks    int
	Skipped   bool
	Strategy  string
}

type Merger struct {
	store objstore.Store
	cfg   Config
	ll    *slog.Logger
}

func NewMerger(store objstore.Store, cfg Config, ll *slog.Logger) *Merger {
	if ll == nil {
		ll = slog.Default()
	}
	return &Merger{store: store, cfg: cfg, ll: ll}
}

// Merge consolidates chunkKeys, in the given order, into outKey. All
// chunk signatures are validated against the first chunk's before any
// row is written; a mismatch aborts the whole merge. Concurrent merges
// for the same output are excluded through a storage claim.
func (m *Merger) Merge(ctx context.Context, dataset string, chunkKeys []string, outKey string, opts Options) (*Result, error) {
	if err := validate(chunkKeys, opts); err != nil {
		return nil, err
	}

	exists, err := m.store.Exists(ctx, outKey)
	if err != nil {
		return nil, fmt.Errorf("checking output %s: %w", outKey, err)
	}
	if exists {
		switch opts.Overwrite {
		case OverwriteOverwrite:
			// fall through and replace
		case OverwriteFail:
			return nil, fmt.Errorf("%w: %s", ErrOutputExists, outKey)
		default:
			m.ll.Info("output already exists, skipping merge",
				slog.String("dataset", dataset),
				slog.String("key", outKey))
			return &Result{OutputKey: outKey, Skipped: true, Strategy: opts.Strategy}, nil
		}
	}

	release, err := m.store.Claim(ctx, outKey)
	if err != nil {
		return nil, fmt.Errorf("claiming output %s: %w", outKey, err)
	}
	defer release()

	tmpdir, err := os.MkdirTemp("", "sampleforge-merge-")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(tmpdir); err != nil {
			m.ll.Warn("failed to remove merge scratch dir", slog.Any("error", err))
		}
	}()

	handles, err := m.stage(ctx, tmpdir, chunkKeys)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, fh := range handles {
			if err := fh.Close(); err != nil {
				m.ll.Warn("failed to close chunk handle",
					slog.String("file", fh.File.Name()),
					slog.Any("error", err))
			}
		}
	}()

	reference := handles[0].Signature
	for i, fh := range handles[1:] {
		if mismatch := filecrunch.Compare(reference, fh.Signature, chunkKeys[i+1]); mismatch != nil {
			return nil, mismatch
		}
	}

	outFile := filepath.Join(tmpdir, "merged.parquet")
	var rows int64
	switch opts.Strategy {
	case StrategyShuffle:
		rows, err = m.mergeShuffle(handles, chunkKeys, outFile, tmpdir, opts)
	default:
		rows, err = m.mergeAppend(handles, chunkKeys, outFile, tmpdir, opts)
	}
	if err != nil {
		return nil, err
	}

	if err := m.store.Upload(ctx, outKey, outFile); err != nil {
		return nil, fmt.Errorf("publishing %s: %w", outKey, err)
	}

	m.ll.Info("merge published",
		slog.String("dataset", dataset),
		slog.String("key", outKey),
		slog.Int64("rows", rows),
		slog.Int("chunks", len(handles)),
		slog.String("strategy", opts.Strategy))

	return &Result{
		OutputKey: outKey,
		Rows:      rows,
		Chunks:    len(handles),
		Strategy:  opts.Strategy,
	}, nil
}

func validate(chunkKeys []string, opts Options) error {
	if len(chunkKeys) == 0 {
		return errors.New("no chunks to merge")
	}
	for _, key := range chunkKeys {
		if key == "" {
			return errors.New("empty chunk key")
		}
	}
	switch opts.Strategy {
	case "", StrategyAppend, StrategyShuffle:
	default:
		return fmt.Errorf("unknown merge strategy %q", opts.Strategy)
	}
	if opts.Downsample != nil {
		if err := opts.Downsample.validate(); err != nil {
			return err
		}
		if opts.Downsample.Mode == DownsampleBins && opts.Strategy != StrategyShuffle {
			return errors.New("bin downsampling requires the shuffle strategy")
		}
	}
	return nil
}

// stage downloads every chunk into tmpdir and opens its schema. On any
// failure the already-opened handles are closed before returning.
func (m *Merger) stage(ctx context.Context, tmpdir string, chunkKeys []string) ([]*filecrunch.FileHandle, error) {
	handles := make([]*filecrunch.FileHandle, 0, len(chunkKeys))
	closeAll := func() {
		for _, fh := range handles {
			_ = fh.Close()
		}
	}
	for _, key := range chunkKeys {
		filename, _, notFound, err := m.store.Download(ctx, tmpdir, key)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("fetching chunk %s: %w", key, err)
		}
		if notFound {
			closeAll()
			return nil, fmt.Errorf("chunk %s does not exist", key)
		}
		fh, err := filecrunch.LoadSchemaForFile(filename)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("opening chunk %s: %w", key, err)
		}
		handles = append(handles, fh)
	}
	return handles, nil
}

func (m *Merger) mergeAppend(handles []*filecrunch.FileHandle, chunkKeys []string, outFile, tmpdir string, opts Options) (int64, error) {
	keep, err := planKeepSets(handles, chunkKeys, opts.Downsample)
	if err != nil {
		return 0, err
	}

	f, err := os.Create(outFile)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	writer := parquet.NewGenericWriter[map[string]any](f, writerOptions(tmpdir, handles[0].Schema)...)

	var rows int64
	for i, fh := range handles {
		n, err := m.copyRows(fh, chunkKeys[i], writer, keep[i])
		if err != nil {
			_ = writer.Close()
			return 0, err
		}
		rows += n
	}

	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("closing writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return rows, nil
}

// copyRows streams one chunk into the writer, honoring an optional keep
// set of row indices. Memory use is bounded by the read batch size.
func (m *Merger) copyRows(fh *filecrunch.FileHandle, key string, writer *parquet.GenericWriter[map[string]any], keep map[int64]struct{}) (int64, error) {
	reader := parquet.NewGenericReader[map[string]any](fh.File, fh.Schema)
	defer func() {
		if err := reader.Close(); err != nil {
			m.ll.Warn("failed to close chunk reader", slog.Any("error", err))
		}
	}()

	batchSize := m.cfg.readBatchSize()
	var written, index int64
	for {
		batch := make([]map[string]any, batchSize)
		for i := range batch {
			batch[i] = make(map[string]any)
		}
		n, err := reader.Read(batch)
		if n > 0 {
			for _, row := range batch[:n] {
				if keep != nil {
					if _, ok := keep[index]; !ok {
						index++
						continue
					}
				}
				index++
				if _, werr := writer.Write([]map[string]any{row}); werr != nil {
					return written, fmt.Errorf("writing row from %s: %w", key, werr)
				}
				written++
			}
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("reading chunk %s: %w", key, err)
		}
		if n == 0 {
			return written, nil
		}
	}
}

func (m *Merger) mergeShuffle(handles []*filecrunch.FileHandle, chunkKeys []string, outFile, tmpdir string, opts Options) (int64, error) {
	chunks := make([][]map[string]any, len(handles))
	for i, fh := range handles {
		rows, err := m.readAll(fh, chunkKeys[i])
		if err != nil {
			return 0, err
		}
		chunks[i] = rows
	}

	if opts.Downsample != nil {
		downsampled, err := opts.Downsample.apply(chunks, chunkKeys)
		if err != nil {
			return 0, err
		}
		chunks = downsampled
	}

	var total int
	for _, rows := range chunks {
		total += len(rows)
	}
	all := make([]map[string]any, 0, total)
	for _, rows := range chunks {
		all = append(all, rows...)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	perm := rng.Perm(len(all))
	shuffled := make([]map[string]any, len(all))
	for i, j := range perm {
		shuffled[i] = all[j]
	}

	f, err := os.Create(outFile)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	writer := parquet.NewGenericWriter[map[string]any](f, writerOptions(tmpdir, handles[0].Schema)...)
	for _, row := range shuffled {
		if _, err := writer.Write([]map[string]any{row}); err != nil {
			_ = writer.Close()
			return 0, fmt.Errorf("writing shuffled row: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("closing writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return int64(len(shuffled)), nil
}

func (m *Merger) readAll(fh *filecrunch.FileHandle, key string) ([]map[string]any, error) {
	reader := parquet.NewGenericReader[map[string]any](fh.File, fh.Schema)
	defer func() {
		if err := reader.Close(); err != nil {
			m.ll.Warn("failed to close chunk reader", slog.Any("error", err))
		}
	}()

	rows := make([]map[string]any, 0, fh.ParquetFile.NumRows())
	batchSize := m.cfg.readBatchSize()
	for {
		batch := make([]map[string]any, batchSize)
		for i := range batch {
			batch[i] = make(map[string]any)
		}
		n, err := reader.Read(batch)
		if n > 0 {
			rows = append(rows, batch[:n]...)
		}
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading chunk %s: %w", key, err)
		}
		if n == 0 {
			return rows, nil
		}
	}
}

func writerOptions(tmpdir string, schema *parquet.Schema) []parquet.WriterOption {
	return []parquet.WriterOption{
		schema,
		parquet.Compression(&parquet.Zstd),
		parquet.PageBufferSize(32 * 1024),
		parquet.ColumnIndexSizeLimit(1024),
		parquet.MaxRowsPerRowGroup(80_000),
		parquet.ColumnPageBuffers(
			parquet.NewFileBufferPool(tmpdir, "buffers.*"),
		),
	}
}
