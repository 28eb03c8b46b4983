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

// Package filecrunch opens parquet artifacts and derives their
// structural signature for schema validation before a merge.
//
// A signature is the set of leaf columns of the file, each with its
// physical type and its repetition level (optional, repeated). Column
// order is deliberately not part of the signature: two artifacts with
// the same columns in a different order validate as equal. Row count
// never participates in comparison.
package filecrunch

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
)

type FileHandle struct {
	File        *os.File
	Size        int64
	Schema      *parquet.Schema
	ParquetFile *parquet.File
	Signature   Signature
}

func (fh *FileHandle) Close() error {
	if err := fh.File.Close(); err != nil {
		return err
	}
	return nil
}

// FieldSig describes one leaf column of an artifact.
type FieldSig struct {
	Column   string
	Type     string
	Optional bool
	Repeated bool
}

// Signature maps dotted leaf column paths to their descriptions.
type Signature map[string]FieldSig

// FieldDiff records one column whose type or shape changed between two
// artifacts.
type FieldDiff struct {
	Column string
	Want   FieldSig
	Got    FieldSig
}

// MismatchError names the offending artifact and the exact field-level
// differences against the reference signature. Missing and Extra hold
// root field names; Changed holds full column paths.
type MismatchError struct {
	File    string
	Missing []string
	Extra   []string
	Changed []FieldDiff
}

func (e *MismatchError) Error() string {
	parts := make([]string, 0, 3)
	if len(e.Missing) > 0 {
		parts = append(parts, "missing fields: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "extra fields: "+strings.Join(e.Extra, ", "))
	}
	for _, diff := range e.Changed {
		parts = append(parts, fmt.Sprintf("field %s changed: want %s/opt=%t/rep=%t, got %s/opt=%t/rep=%t",
			diff.Column,
			diff.Want.Type, diff.Want.Optional, diff.Want.Repeated,
			diff.Got.Type, diff.Got.Optional, diff.Got.Repeated))
	}
	return fmt.Sprintf("schema mismatch in %s: %s", e.File, strings.Join(parts, "; "))
}

// LoadSchemaForFile opens a local parquet artifact and derives its
// schema and signature. The caller owns the returned handle and must
// Close it.
func LoadSchemaForFile(filename string) (*FileHandle, error) {
	fh, err := openfile(filename)
	if err != nil {
		return nil, err
	}

	if err := loadSchema(fh); err != nil {
		_ = fh.File.Close()
		return nil, err
	}

	return fh, nil
}

func openfile(file string) (*FileHandle, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileHandle{
		File: f,
		Size: stat.Size(),
	}, nil
}

func loadSchema(fh *FileHandle) error {
	f, err := parquet.OpenFile(fh.File, fh.Size)
	if err != nil {
		return err
	}
	fh.ParquetFile = f
	fh.Schema = f.Schema()
	fh.Signature = SignatureOf(fh.Schema)
	return nil
}

// SignatureOf walks a schema's leaf columns and builds the comparable
// signature. Repetition is read per path segment so that list-typed
// fields register as repeated even when their element node is optional.
func SignatureOf(schema *parquet.Schema) Signature {
	sig := make(Signature, len(schema.Columns()))
	for _, path := range schema.Columns() {
		leaf, ok := schema.Lookup(path...)
		if !ok {
			continue
		}
		fs := FieldSig{
			Column: strings.Join(path, "."),
			Type:   leaf.Node.Type().String(),
		}
		node := parquet.Node(schema)
		for _, name := range path {
			child := childByName(node, name)
			if child == nil {
				break
			}
			if child.Optional() {
				fs.Optional = true
			}
			if child.Repeated() {
				fs.Repeated = true
			}
			node = child
		}
		sig[fs.Column] = fs
	}
	return sig
}

func childByName(node parquet.Node, name string) parquet.Node {
	for _, field := range node.Fields() {
		if field.Name() == name {
			return field
		}
	}
	return nil
}

// Compare validates got against the reference signature. It returns nil
// on structural equality or a MismatchError describing every
// difference. Comparison is set-based, so field order never matters.
func Compare(reference Signature, got Signature, filename string) *MismatchError {
	mismatch := &MismatchError{File: filename}

	for column, want := range reference {
		have, ok := got[column]
		if !ok {
			mismatch.Missing = append(mismatch.Missing, rootField(column))
			continue
		}
		if have != want {
			mismatch.Changed = append(mismatch.Changed, FieldDiff{Column: column, Want: want, Got: have})
		}
	}
	for column := range got {
		if _, ok := reference[column]; !ok {
			mismatch.Extra = append(mismatch.Extra, rootField(column))
		}
	}

	mismatch.Missing = dedupeSorted(mismatch.Missing)
	mismatch.Extra = dedupeSorted(mismatch.Extra)
	sort.Slice(mismatch.Changed, func(i, j int) bool {
		return mismatch.Changed[i].Column < mismatch.Changed[j].Column
	})

	if len(mismatch.Missing) == 0 && len(mismatch.Extra) == 0 && len(mismatch.Changed) == 0 {
		return nil
	}
	return mismatch
}

// rootField reduces a dotted column path to its top-level field name so
// mismatches are reported in the artifact's own terms, not in terms of
// parquet list encoding internals.
func rootField(column string) string {
	if idx := strings.Index(column, "."); idx > 0 {
		return column[:idx]
	}
	return column
}

func dedupeSorted(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	out := names[:1]
	for _, name := range names[1:] {
		if name != out[len(out)-1] {
			out = append(out, name)
		}
	}
	return out
}
