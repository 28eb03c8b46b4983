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

// Package catalog enumerates the input records of a remote dataset.
//
// A dataset locator is a storage prefix. Listing a dataset yields a
// deterministic, sorted snapshot of the record keys under that prefix,
// after denylist and suffix filtering. Two listings of an unchanged
// dataset always return identical slices, which keeps downstream
// partitioning stable across runs.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sampleforge/sampleforge/internal/objstore"
)

// ErrUnavailable wraps listing failures so callers can distinguish a
// dataset that cannot be enumerated right now from one that is empty.
var ErrUnavailable = errors.New("dataset listing unavailable")

type Config struct {
	// InputSuffix restricts listing to keys with this suffix, e.g. ".root".
	// Empty means no suffix filtering.
	InputSuffix string `mapstructure:"input_suffix"`

	// Denylist holds regular expressions; any record whose key matches
	// one of them is excluded from the dataset snapshot.
	Denylist []string `mapstructure:"denylist"`
}

type Lister struct {
	store    objstore.Store
	suffix   string
	denylist []*regexp.Regexp
}

func NewLister(store objstore.Store, cfg Config) (*Lister, error) {
	denylist := make([]*regexp.Regexp, 0, len(cfg.Denylist))
	for _, pattern := range cfg.Denylist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad denylist pattern %q: %w", pattern, err)
		}
		denylist = append(denylist, re)
	}
	return &Lister{
		store:    store,
		suffix:   cfg.InputSuffix,
		denylist: denylist,
	}, nil
}

// List returns the sorted record keys under locator, with suffix and
// denylist filtering applied. Failures are wrapped in ErrUnavailable so
// a multi-dataset run can skip this dataset and keep going.
func (l *Lister) List(ctx context.Context, locator string) ([]string, error) {
	keys, err := l.store.List(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrUnavailable, locator, err.Error())
	}

	records := make([]string, 0, len(keys))
	for _, key := range keys {
		if l.suffix != "" && !strings.HasSuffix(key, l.suffix) {
			continue
		}
		if l.denied(key) {
			continue
		}
		records = append(records, key)
	}
	sort.Strings(records)
	return records, nil
}

func (l *Lister) denied(key string) bool {
	for _, re := range l.denylist {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}
