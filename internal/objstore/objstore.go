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

// Package objstore provides the remote storage operations the pipeline
// depends on: listing raw inputs, checking whether outputs exist, and
// moving artifacts between the store and local disk.
package objstore

import (
	"context"
	"errors"
	"fmt"
)

// Store is the minimal interface the planner, catalog, and merge engine
// need from a storage backend.
type Store interface {
	// List returns all object keys under the given prefix, in the order
	// the backend yields them. Callers that need determinism must sort.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether an object exists. A check failure is returned
	// as an error, distinct from (false, nil).
	Exists(ctx context.Context, key string) (bool, error)

	// Download copies an object to a temp file under tmpdir.
	// Returns the temp filename, size, whether the object was not found, and error.
	Download(ctx context.Context, tmpdir, key string) (filename string, size int64, notFound bool, err error)

	// Upload publishes a local file to the store at key. Backends must make
	// the object visible only once the full content is in place.
	Upload(ctx context.Context, key, sourceFilename string) error

	// Delete removes an object; deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Claim takes an exclusive claim marker for key, to serialize writers
	// of the same target. The release function removes the marker.
	Claim(ctx context.Context, key string) (release func(), err error)
}

// ErrClaimHeld is returned by Claim when another writer holds the claim.
var ErrClaimHeld = errors.New("objstore: claim already held")

// Config selects and configures a storage backend.
type Config struct {
	Backend  string `mapstructure:"backend"` // "s3" or "local"
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`  // optional, for S3-compatible stores
	BasePath string `mapstructure:"base_path"` // root directory for the local backend
}

// New creates a store for the configured backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "s3", "": // default to S3
		return NewS3Store(ctx, cfg)
	case "local":
		return NewLocalStore(cfg.BasePath)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
