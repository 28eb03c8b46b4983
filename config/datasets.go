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

package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dataset declares one logical sample to process. The ordering of
// datasets in the file is the processing order.
type Dataset struct {
	// Name identifies the sample and names its consolidated artifact.
	Name string `yaml:"name"`

	// Source is the storage locator of the raw inputs.
	Source string `yaml:"source"`

	// UnitSize overrides the global inputs-per-unit default when > 0.
	UnitSize int `yaml:"unit_size,omitempty"`

	// MaxUnits caps the number of units planned for this dataset. Zero
	// means no cap. This is a sampling knob, not a correctness setting.
	MaxUnits int `yaml:"max_units,omitempty"`

	// XSecPB is the sample's cross section in picobarns, used as the
	// normalization constant for weight downsampling during stitching.
	XSecPB float64 `yaml:"xsec_pb,omitempty"`

	// Group names the stitching group this dataset belongs to.
	Group string `yaml:"group,omitempty"`
}

type datasetsFile struct {
	Datasets []Dataset `yaml:"datasets"`
}

// LoadDatasets reads dataset declarations from filename. A filename of
// the form "env:VAR" reads the YAML from that environment variable
// instead, which keeps container deployments free of mounted files.
func LoadDatasets(filename string) ([]Dataset, error) {
	if after, ok := strings.CutPrefix(filename, "env:"); ok {
		contents := os.Getenv(after)
		if contents == "" {
			return nil, fmt.Errorf("environment variable %s is not set", after)
		}
		return parseDatasets(filename, []byte(contents))
	}

	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read datasets from file %s: %w", filename, err)
	}
	return parseDatasets(filename, contents)
}

func parseDatasets(filename string, contents []byte) ([]Dataset, error) {
	var f datasetsFile

	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal datasets from %s: %w", filename, err)
	}

	seen := make(map[string]bool, len(f.Datasets))
	for i, ds := range f.Datasets {
		if ds.Name == "" {
			return nil, fmt.Errorf("dataset %d in %s has no name", i, filename)
		}
		if ds.Source == "" {
			return nil, fmt.Errorf("dataset %s in %s has no source", ds.Name, filename)
		}
		if seen[ds.Name] {
			return nil, fmt.Errorf("duplicate dataset name %s in %s", ds.Name, filename)
		}
		seen[ds.Name] = true
	}
	return f.Datasets, nil
}
