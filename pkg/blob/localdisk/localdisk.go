/*
Copyright 2024 The MotionLake Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package localdisk implements blob.Store on the local filesystem, laying
// blobs out at <root>/<collection>/<id> and writing them atomically via a
// temp-file-then-rename so a concurrent reader of the same key never sees a
// torn file.
package localdisk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/motionlake/motionlaked/pkg/blob"
)

// Storage is a blob.Store backed by a directory tree on local disk.
type Storage struct {
	root string
	log  zerolog.Logger

	// keyLocksMu guards keyLocks itself; each entry serializes writers
	// (and lets concurrent readers through) for one (collection, id).
	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.RWMutex
}

// New returns a Storage rooted at dir, creating dir if it does not exist.
func New(dir string, log zerolog.Logger) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localdisk: create root %q: %w", dir, err)
	}
	return &Storage{
		root:     dir,
		log:      log.With().Str("component", "blob.localdisk").Logger(),
		keyLocks: make(map[string]*sync.RWMutex),
	}, nil
}

func (s *Storage) lockFor(collection, id string) *sync.RWMutex {
	key := collection + "/" + id
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.keyLocks[key] = l
	}
	return l
}

func (s *Storage) collectionDir(collection string) string {
	return filepath.Join(s.root, collection)
}

func (s *Storage) blobPath(collection, id string) string {
	return filepath.Join(s.collectionDir(collection), id)
}

// CreateCollection implements blob.Store.
func (s *Storage) CreateCollection(_ context.Context, collection string) error {
	if err := blob.ValidateKey(collection); err != nil {
		return err
	}
	if err := os.MkdirAll(s.collectionDir(collection), 0o755); err != nil {
		return fmt.Errorf("localdisk: create collection %q: %w", collection, err)
	}
	return nil
}

type lockedWriter struct {
	f    *os.File
	dest string
	lock *sync.RWMutex
	done bool
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close flushes the temp file to disk and atomically renames it into
// place, releasing the per-key write lock afterwards. On any error the
// temp file is removed and the destination is left untouched.
func (w *lockedWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.lock.Unlock()

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.f.Name())
		return fmt.Errorf("localdisk: sync %q: %w", w.dest, err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("localdisk: close %q: %w", w.dest, err)
	}
	if err := os.Rename(w.f.Name(), w.dest); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("localdisk: rename into %q: %w", w.dest, err)
	}
	return nil
}

// Write implements blob.Store.
func (s *Storage) Write(_ context.Context, collection, id string) (blob.WriteCloser, error) {
	if err := blob.ValidateKey(collection); err != nil {
		return nil, err
	}
	if err := blob.ValidateKey(id); err != nil {
		return nil, err
	}
	dir := s.collectionDir(collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localdisk: create collection dir %q: %w", dir, err)
	}
	lock := s.lockFor(collection, id)
	lock.Lock()

	tmp, err := os.CreateTemp(dir, "."+id+".tmp-*")
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("localdisk: create temp file: %w", err)
	}
	return &lockedWriter{f: tmp, dest: s.blobPath(collection, id), lock: lock}, nil
}

// Read implements blob.Store. It takes no per-key lock, so an open writer
// never blocks it: a blob only appears under its key through Close's
// rename, so a reader sees either the previous file or the new one.
func (s *Storage) Read(_ context.Context, collection, id string) (io.ReadCloser, error) {
	if err := blob.ValidateKey(collection); err != nil {
		return nil, err
	}
	if err := blob.ValidateKey(id); err != nil {
		return nil, err
	}
	f, err := os.Open(s.blobPath(collection, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, blob.ErrNotExist
		}
		return nil, fmt.Errorf("localdisk: open %q/%q: %w", collection, id, err)
	}
	return f, nil
}

// Size implements blob.Store.
func (s *Storage) Size(_ context.Context, collection, id string) (int64, error) {
	if err := blob.ValidateKey(collection); err != nil {
		return 0, err
	}
	if err := blob.ValidateKey(id); err != nil {
		return 0, err
	}
	fi, err := os.Stat(s.blobPath(collection, id))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("localdisk: stat %q/%q: %w", collection, id, err)
	}
	return fi.Size(), nil
}

// Path implements blob.Store: a local path is already what the SQL engine
// (DuckDB) needs to open the file directly.
func (s *Storage) Path(_ context.Context, collection, id string) (string, error) {
	if err := blob.ValidateKey(collection); err != nil {
		return "", err
	}
	if err := blob.ValidateKey(id); err != nil {
		return "", err
	}
	return s.blobPath(collection, id), nil
}

// Delete implements blob.Store. Missing blobs are not fatal.
func (s *Storage) Delete(_ context.Context, collection string, ids []string) error {
	if err := blob.ValidateKey(collection); err != nil {
		return err
	}
	for _, id := range ids {
		if err := blob.ValidateKey(id); err != nil {
			return err
		}
		if err := os.Remove(s.blobPath(collection, id)); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("failed to delete blob")
		}
	}
	return nil
}

// DeleteCollection implements blob.Store.
func (s *Storage) DeleteCollection(_ context.Context, collection string) error {
	if err := blob.ValidateKey(collection); err != nil {
		return err
	}
	if err := os.RemoveAll(s.collectionDir(collection)); err != nil {
		return fmt.Errorf("localdisk: delete collection %q: %w", collection, err)
	}
	return nil
}
