// File: internal/shm/sweep.go
// Package shm
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Removal of segments leaked by controllers that died before releasing them.

package shm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// List returns the paths of all segments under dir carrying prefix.
func List(dir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

// Sweep removes segments under dir whose creation time, taken from the ULID in
// their name, is older than olderThan. Files with an unparsable name are kept.
func Sweep(dir, prefix string, olderThan time.Duration, now time.Time) ([]string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	paths, err := List(dir, prefix)
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs []error
	for _, p := range paths {
		created, ok := createdAt(filepath.Base(p), prefix)
		if !ok || now.Sub(created) < olderThan {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, p)
	}
	return removed, errors.Join(errs...)
}

func createdAt(name, prefix string) (time.Time, bool) {
	id, err := ulid.Parse(strings.ToUpper(strings.TrimPrefix(name, prefix)))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}
