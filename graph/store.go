package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kbukum/runkit/errors"
)

// Store supplies immutable routine versions. A missing version is reported
// as NOT_FOUND.
type Store interface {
	LoadRoutineVersion(ctx context.Context, id string) (*RoutineVersion, error)
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]*RoutineVersion
}

// NewMemoryStore creates a store holding the given versions.
func NewMemoryStore(versions ...*RoutineVersion) *MemoryStore {
	s := &MemoryStore{versions: make(map[string]*RoutineVersion, len(versions))}
	for _, rv := range versions {
		s.versions[rv.ID] = rv
	}
	return s
}

// Put adds or replaces a version.
func (s *MemoryStore) Put(rv *RoutineVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[rv.ID] = rv
}

// LoadRoutineVersion implements Store.
func (s *MemoryStore) LoadRoutineVersion(ctx context.Context, id string) (*RoutineVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rv, ok := s.versions[id]
	if !ok {
		return nil, errors.NotFound("routine version", id)
	}
	return rv, nil
}

// FileStore loads routine versions from {id}.yaml, {id}.yml or {id}.json
// files in a list of directories, searched in order.
type FileStore struct {
	dirs []string
}

// NewFileStore creates a store that searches dirs.
func NewFileStore(dirs ...string) *FileStore {
	return &FileStore{dirs: dirs}
}

// LoadRoutineVersion implements Store.
func (s *FileStore) LoadRoutineVersion(ctx context.Context, id string) (*RoutineVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" || filepath.Base(id) != id {
		return nil, errors.InvalidInput("id", fmt.Sprintf("invalid routine version id %q", id))
	}
	for _, dir := range s.dirs {
		for _, ext := range []string{".yaml", ".yml", ".json"} {
			path := filepath.Join(dir, id+ext)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			rv, err := LoadFile(path)
			if err != nil {
				return nil, err
			}
			if rv.ID != id {
				return nil, errors.Validation(fmt.Sprintf("%s declares id %q, expected %q", path, rv.ID, id))
			}
			return rv, nil
		}
	}
	return nil, errors.NotFound("routine version", id)
}

// LoadFile decodes a single routine document, choosing the format from
// the file extension.
func LoadFile(path string) (*RoutineVersion, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, errors.InvalidInput("path", fmt.Sprintf("unrecognized routine file extension: %s", path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Internal(err).WithDetail("path", path)
	}
	rv, err := Decode(data, format)
	if err != nil {
		if appErr, ok := errors.AsAppError(err); ok {
			return nil, appErr.WithDetail("path", path)
		}
		return nil, err
	}
	return rv, nil
}
