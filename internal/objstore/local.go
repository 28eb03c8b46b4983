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

package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements Store on a local directory tree. It is used for
// development and tests, and for sites that mount their mass storage as
// a filesystem.
type LocalStore struct {
	base string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore returns a store rooted at base.
func NewLocalStore(base string) (*LocalStore, error) {
	if base == "" {
		return nil, errors.New("local storage backend requires a base path")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local storage directory %s: %w", base, err)
	}
	return &LocalStore{base: base}, nil
}

func (c *LocalStore) path(key string) string {
	return filepath.Join(c.base, filepath.FromSlash(key))
}

// List walks the tree under prefix and returns keys relative to the base.
func (c *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	root := c.path(prefix)
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			// A prefix can also match partial file names, the way S3 does.
			root = filepath.Dir(root)
			if _, err := os.Stat(root); os.IsNotExist(err) {
				return nil, nil
			}
		} else {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
	} else if !info.IsDir() {
		return []string{prefix}, nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

// Exists reports whether the file for key exists.
func (c *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// Download copies the file to a temp file and returns the filename.
func (c *LocalStore) Download(ctx context.Context, tmpdir, key string) (string, int64, bool, error) {
	src := c.path(key)
	fi, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, true, nil
		}
		return "", 0, false, err
	}
	// Preserve the original filename to keep file extensions for type detection.
	filename := filepath.Base(key)
	dst, err := os.CreateTemp(tmpdir, "*-"+filename)
	if err != nil {
		return "", 0, false, err
	}
	defer func() { _ = dst.Close() }()

	f, err := os.Open(src)
	if err != nil {
		return "", 0, false, err
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(dst, f); err != nil {
		return "", 0, false, err
	}
	return dst.Name(), fi.Size(), false, nil
}

// Upload copies a local file into place. The copy goes to a temp name in
// the destination directory and is renamed in, so a reader never observes
// a half-written object.
func (c *LocalStore) Upload(ctx context.Context, key, sourceFilename string) error {
	dst := c.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	src, err := os.Open(sourceFilename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Delete removes the file for key if it exists.
func (c *LocalStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Claim creates the lock file for key with O_EXCL.
func (c *LocalStore) Claim(ctx context.Context, key string) (func(), error) {
	lockPath := c.path(key) + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrClaimHeld
		}
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	_ = f.Close()
	release := func() {
		_ = os.Remove(lockPath)
	}
	return release, nil
}
