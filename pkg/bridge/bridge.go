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

// Package bridge encodes, decodes, merges and federates columnar blobs.
// Every blob has the schema {data: <inferred>, timestamp: int64} (spec.md
// §4.3). Encoding and merging use github.com/parquet-go/parquet-go, the
// columnar library the corpus's own time-series store
// (polarsignals-arcticdb) depends on; federated SQL queries across many
// blobs run through an embedded DuckDB instance
// (github.com/marcboeker/go-duckdb), mirroring original_source's own
// pyarrow+duckdb split.
package bridge

import (
	"github.com/rs/zerolog"

	"github.com/motionlake/motionlaked/pkg/content"
)

// Compression selects the codec write_single and merge use.
type Compression int

const (
	// CompressionGzip is the default merge compression.
	CompressionGzip Compression = iota
	CompressionSnappy
	CompressionUncompressed
)

// WriteResult is write_single's return value (spec.md §4.3.1).
type WriteResult struct {
	ContentType  int
	SizeWritten  int64
	OriginalSize int64
}

// Bridge is the columnar encode/decode/merge/query engine. It never talks
// to the Catalog; the Engine wires the two together.
type Bridge struct {
	registry         *content.Registry
	mergeCompression Compression
	schemas          *schemaCache
	log              zerolog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMergeCompression overrides the default gzip compression used for
// merge's output blob (spec.md §4.3: "Compression is a constructor
// parameter (default gzip for merges, snappy forced for single-row writes)").
func WithMergeCompression(c Compression) Option {
	return func(b *Bridge) { b.mergeCompression = c }
}

// New builds a Bridge over the given content.Registry.
func New(registry *content.Registry, log zerolog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		registry:         registry,
		mergeCompression: CompressionGzip,
		schemas:          newSchemaCache(),
		log:              log.With().Str("component", "bridge").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}
