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

// Package catalog persists the system's transactional metadata: which
// collections, fragments, buffered fragments, and items exist, and how
// they relate. The Catalog never touches blob bytes.
package catalog

// Collection is a named namespace (spec.md §3).
type Collection struct {
	ID   int64
	Name string
}

// Fragment is a committed, immutable columnar blob (spec.md §3). Its UUID
// doubles as its blob-store key. ContentType is the wire-level integer
// from spec.md §6 (the catalog is agnostic to the content package's enum
// so the two packages don't need to import each other).
type Fragment struct {
	UUID         string
	CollectionID int64
	ContentType  int
}

// BufferedFragment is a single uncompacted payload awaiting merge (spec.md
// §3). Its composite identity is (CollectionID, Timestamp); UUID is its
// blob-store key.
type BufferedFragment struct {
	CollectionID int64
	Timestamp    int64
	UUID         string
	Size         int64
	OriginalSize int64
	ContentType  int
	Locked       bool
	Hash         string
}

// Item is one logical row inside a committed fragment (spec.md §3).
type Item struct {
	FragmentUUID string
	CollectionID int64
	Timestamp    int64
	Size         int64
	OriginalSize int64
	ContentType  int
	Hash         string
}

// ItemFragmentRow pairs an Item with the Fragment that owns it, the shape
// Query returns: "select Items by range and order, then look up their
// Fragments" (spec.md §4.4).
type ItemFragmentRow struct {
	Item     Item
	Fragment Fragment
}

// CollectionSummary is the per-collection aggregate ListCollections
// produces by merging Item and BufferedFragment timestamps (spec.md §4.4).
// MinTimestamp/MaxTimestamp are nil when the collection is empty.
type CollectionSummary struct {
	Name         string
	MinTimestamp *int64
	MaxTimestamp *int64
	Count        int64
}

// CollectionDescription is DescribeCollection's return value: the hash of
// the most recently logged buffer or item, for comparing against the
// Engine's in-memory dedup cache, plus how many fragments and buffered
// fragments (locked or not) currently exist.
type CollectionDescription struct {
	Name          string
	LastHash      string
	FragmentCount int64
	BufferedCount int64
	CacheHits     int64
	CacheMisses   int64
}
