package catalog

import "errors"

// ErrCollectionNotFound is returned by GetCollectionByName (and operations
// that resolve a name through it) when no such collection exists.
var ErrCollectionNotFound = errors.New("catalog: collection not found")

// ErrCollectionExists is returned by CreateCollection on a duplicate name
// when allowExisting is false.
var ErrCollectionExists = errors.New("catalog: collection already exists")

// ErrDuplicateBuffer is returned by LogBuffer when (collection, timestamp)
// already has a buffered fragment row — the composite primary key spec.md
// §9 mandates. Callers are expected to retry with a different timestamp or
// rely on the Engine's dedup cache to have filtered the collision first.
var ErrDuplicateBuffer = errors.New("catalog: duplicate (collection, timestamp) buffered fragment")
