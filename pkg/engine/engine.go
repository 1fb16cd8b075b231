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

// Package engine orchestrates store/flush/query across the Catalog, Blob
// Store and Bridge (spec.md §4.5). It is the only component aware of all
// three leaves; the Catalog never touches blobs and the Bridge never
// touches the Catalog.
package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/motionlake/motionlaked/pkg/blob"
	"github.com/motionlake/motionlaked/pkg/bridge"
	"github.com/motionlake/motionlaked/pkg/catalog"
)

// Content-type wire integers an advanced query is restricted to (spec.md
// §4.5.4 step 2); JSON and GTFS-RT are the two structured types a SQL
// engine can usefully federate over.
const (
	contentTypeJSON   = 0
	contentTypeGTFSRT = 2
)

// maxAdvancedQueryRange is the 7-day cap spec.md §4.5.4 step 1 enforces.
const maxAdvancedQueryRange = int64(7 * 24 * 3600)

// defaultBufferSizeBytes is BUFFER_SIZE's default (spec.md §6): 6 MB.
const defaultBufferSizeBytes = int64(6 * 1024 * 1024)

// QueryRow is one row Query returns: a (possibly nil, when skipData is
// set) payload paired with its timestamp.
type QueryRow struct {
	Data      []byte
	Timestamp int64
}

// Engine wires the Catalog, Blob Store and Bridge together and holds the
// Engine's only piece of transient state, the dedup cache (spec.md §3
// "Ownership").
type Engine struct {
	catalog         catalog.Catalog
	blobs           blob.Store
	bridge          *bridge.Bridge
	dedup           *dedupCache
	bufferSizeBytes int64
	metrics         *Metrics
	log             zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBufferSize overrides BUFFER_SIZE (bytes).
func WithBufferSize(bytes int64) Option {
	return func(e *Engine) { e.bufferSizeBytes = bytes }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an Engine over the given Catalog, Blob Store and Bridge.
func New(cat catalog.Catalog, blobs blob.Store, br *bridge.Bridge, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		catalog:         cat,
		blobs:           blobs,
		bridge:          br,
		dedup:           newDedupCache(),
		bufferSizeBytes: defaultBufferSizeBytes,
		log:             log.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store implements spec.md §4.5.1.
func (e *Engine) Store(ctx context.Context, collection string, ts int64, data []byte, contentType int, createCollection bool) error {
	col, err := e.catalog.GetCollectionByName(ctx, collection)
	if errors.Is(err, catalog.ErrCollectionNotFound) {
		if !createCollection {
			return NewDomainError(fmt.Sprintf("unknown collection %q", collection), err)
		}
		col, err = e.catalog.CreateCollection(ctx, collection, true)
	}
	if err != nil {
		return fmt.Errorf("engine: resolve collection %q: %w", collection, err)
	}

	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])
	if e.dedup.isDuplicate(collection, hash) {
		if e.metrics != nil {
			e.metrics.DedupDropsTotal.Inc()
		}
		return nil
	}

	id := uuid.New().String()
	if err := e.blobs.CreateCollection(ctx, collection); err != nil {
		return fmt.Errorf("engine: create blob namespace %q: %w", collection, err)
	}
	w, err := e.blobs.Write(ctx, collection, id)
	if err != nil {
		return fmt.Errorf("engine: open blob writer %q/%q: %w", collection, id, err)
	}

	result, writeErr := e.bridge.WriteSingle(ctx, data, ts, w, collection, contentType)
	closeErr := w.Close()
	if writeErr == nil && closeErr != nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		// The writer may already have committed a partial/garbage blob by
		// the time Close ran; reclaim it rather than leaving it queryable.
		if delErr := e.blobs.Delete(ctx, collection, []string{id}); delErr != nil {
			e.log.Warn().Err(delErr).Str("collection", collection).Str("id", id).Msg("failed to reclaim blob after failed write")
		}
		return NewDomainError("could not encode payload", writeErr)
	}

	if err := e.catalog.LogBuffer(ctx, col.ID, ts, id, result.SizeWritten, result.OriginalSize, result.ContentType, hash); err != nil {
		return fmt.Errorf("engine: log buffer: %w", err)
	}
	if e.metrics != nil {
		e.metrics.StoresTotal.Inc()
	}

	size, err := e.catalog.GetUnlockedBuffersSize(ctx, col.ID)
	if err != nil {
		return fmt.Errorf("engine: check unlocked buffer size: %w", err)
	}
	if size >= e.bufferSizeBytes {
		if err := e.Flush(ctx, collection); err != nil {
			return fmt.Errorf("engine: threshold-triggered flush: %w", err)
		}
	}
	return nil
}

// Flush implements spec.md §4.5.2. A group whose merge fails is demoted
// entirely to standalone fragments and logged; Flush still returns nil so
// peer groups and peer collections keep making progress.
func (e *Engine) Flush(ctx context.Context, collection string) error {
	col, err := e.catalog.GetCollectionByName(ctx, collection)
	if errors.Is(err, catalog.ErrCollectionNotFound) {
		return NewDomainError(fmt.Sprintf("unknown collection %q", collection), err)
	}
	if err != nil {
		return fmt.Errorf("engine: resolve collection %q: %w", collection, err)
	}

	buffers, err := e.catalog.GetAndLockBuffers(ctx, col.ID)
	if err != nil {
		return fmt.Errorf("engine: lock buffers: %w", err)
	}
	if len(buffers) == 0 {
		return nil
	}

	byType := make(map[int][]catalog.BufferedFragment)
	for _, b := range buffers {
		byType[b.ContentType] = append(byType[b.ContentType], b)
	}

	for contentType, group := range byType {
		if err := e.flushGroup(ctx, collection, col.ID, contentType, group); err != nil {
			e.log.Error().Err(err).Str("collection", collection).Int("content_type", contentType).Msg("flush group failed, buffers demoted to standalone fragments")
		}
	}

	if e.metrics != nil {
		e.metrics.FlushesTotal.Inc()
	}
	return nil
}

func (e *Engine) flushGroup(ctx context.Context, collection string, collectionID int64, contentType int, group []catalog.BufferedFragment) error {
	inputs := make([]bridge.MergeInput, 0, len(group))
	var unreadable []string
	for _, b := range group {
		data, err := e.readBlob(ctx, collection, b.UUID)
		if err != nil {
			e.log.Warn().Err(err).Str("uuid", b.UUID).Msg("could not read buffer for merge, treating as skipped")
			unreadable = append(unreadable, b.UUID)
			continue
		}
		inputs = append(inputs, bridge.MergeInput{Data: data, ID: b.UUID})
	}

	merged, err := e.bridge.Merge(ctx, inputs)
	if err != nil {
		allUUIDs := bufferUUIDs(group)
		if ferr := e.catalog.FlushSkippedBuffers(ctx, collectionID, allUUIDs); ferr != nil {
			return fmt.Errorf("merge failed (%v) and flush-skipped also failed: %w", err, ferr)
		}
		return fmt.Errorf("merge: %w", err)
	}
	merged.Skipped = append(merged.Skipped, unreadable...)

	if len(merged.Skipped) > 0 {
		if err := e.catalog.FlushSkippedBuffers(ctx, collectionID, merged.Skipped); err != nil {
			return fmt.Errorf("flush skipped buffers: %w", err)
		}
	}

	if merged.Data == nil {
		return nil
	}

	skippedSet := make(map[string]bool, len(merged.Skipped))
	for _, s := range merged.Skipped {
		skippedSet[s] = true
	}
	var promoted []string
	for _, b := range group {
		if !skippedSet[b.UUID] {
			promoted = append(promoted, b.UUID)
		}
	}
	if len(promoted) == 0 {
		return nil
	}

	newUUID := uuid.New().String()
	w, err := e.blobs.Write(ctx, collection, newUUID)
	if err != nil {
		return fmt.Errorf("open merged fragment writer: %w", err)
	}
	_, writeErr := w.Write(merged.Data)
	closeErr := w.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		return fmt.Errorf("write merged fragment: %w", writeErr)
	}

	if err := e.catalog.FlushBuffer(ctx, collectionID, newUUID, contentType, promoted); err != nil {
		return fmt.Errorf("flush buffer: %w", err)
	}

	// Delete happens after the catalog commit: a crash between them leaks
	// blob bytes but never loses metadata references to live data (spec.md
	// §4.5.2 step d).
	if err := e.blobs.Delete(ctx, collection, promoted); err != nil {
		e.log.Warn().Err(err).Str("collection", collection).Msg("failed to reclaim promoted buffer blobs")
	}
	return nil
}

func bufferUUIDs(buffers []catalog.BufferedFragment) []string {
	out := make([]string, len(buffers))
	for i, b := range buffers {
		out[i] = b.UUID
	}
	return out
}

func (e *Engine) readBlob(ctx context.Context, collection, id string) ([]byte, error) {
	rc, err := e.blobs.Read(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Query implements spec.md §4.5.3. An unknown collection returns an empty
// result rather than an error: queries are forgiving.
func (e *Engine) Query(ctx context.Context, collection string, minTS, maxTS int64, ascending bool, limit, offset int, skipData bool) ([]QueryRow, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.QueryDuration.Observe(time.Since(start).Seconds())
		}
	}()

	col, err := e.catalog.GetCollectionByName(ctx, collection)
	if errors.Is(err, catalog.ErrCollectionNotFound) {
		return []QueryRow{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: resolve collection %q: %w", collection, err)
	}

	// The catalog and per-blob limits are only a pushdown hint; they must
	// still cover the rows that offset skips before limit applies.
	fetch := limit
	if limit > 0 {
		fetch = limit + offset
	}

	itemRows, err := e.catalog.Query(ctx, col.ID, minTS, maxTS, ascending, fetch, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: query items: %w", err)
	}
	buffers, err := e.catalog.QueryBuffers(ctx, col.ID, minTS, maxTS, ascending, fetch)
	if err != nil {
		return nil, fmt.Errorf("engine: query buffers: %w", err)
	}

	var rows []QueryRow
	if skipData {
		for _, r := range itemRows {
			rows = append(rows, QueryRow{Timestamp: r.Item.Timestamp})
		}
		for _, b := range buffers {
			rows = append(rows, QueryRow{Timestamp: b.Timestamp})
		}
	} else {
		seen := make(map[string]bool)
		for _, r := range itemRows {
			if seen[r.Fragment.UUID] {
				continue
			}
			seen[r.Fragment.UUID] = true
			decoded, err := e.readAndDecode(ctx, collection, r.Fragment.UUID, r.Fragment.ContentType, minTS, maxTS, ascending, fetch)
			if err != nil {
				return nil, err
			}
			rows = append(rows, decoded...)
		}
		for _, b := range buffers {
			decoded, err := e.readAndDecode(ctx, collection, b.UUID, b.ContentType, minTS, maxTS, ascending, fetch)
			if err != nil {
				return nil, err
			}
			rows = append(rows, decoded...)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if ascending {
			return rows[i].Timestamp < rows[j].Timestamp
		}
		return rows[i].Timestamp > rows[j].Timestamp
	})

	if offset > 0 {
		if offset >= len(rows) {
			return []QueryRow{}, nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []QueryRow{}
	}
	return rows, nil
}

func (e *Engine) readAndDecode(ctx context.Context, collection, id string, contentType int, minTS, maxTS int64, ascending bool, limit int) ([]QueryRow, error) {
	data, err := e.readBlob(ctx, collection, id)
	if err != nil {
		return nil, fmt.Errorf("engine: open blob %s/%s: %w", collection, id, err)
	}
	decoded, err := e.bridge.Read(ctx, data, contentType, minTS, maxTS, ascending, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: decode blob %s/%s: %w", collection, id, err)
	}
	out := make([]QueryRow, len(decoded))
	for i, d := range decoded {
		out[i] = QueryRow{Data: d.Data, Timestamp: d.Timestamp}
	}
	return out, nil
}

// AdvancedQuery implements spec.md §4.5.4.
func (e *Engine) AdvancedQuery(ctx context.Context, collection, sql string, minTS, maxTS int64) ([]map[string]any, error) {
	if maxTS-minTS > maxAdvancedQueryRange {
		return nil, NewDomainError("Max difference between timestamps is 7 day", nil)
	}

	col, err := e.catalog.GetCollectionByName(ctx, collection)
	if errors.Is(err, catalog.ErrCollectionNotFound) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: resolve collection %q: %w", collection, err)
	}

	itemRows, err := e.catalog.Query(ctx, col.ID, minTS, maxTS, true, 0, []int{contentTypeJSON, contentTypeGTFSRT})
	if err != nil {
		return nil, fmt.Errorf("engine: query fragments: %w", err)
	}
	buffers, err := e.catalog.QueryBuffers(ctx, col.ID, minTS, maxTS, true, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: query buffers: %w", err)
	}

	var paths []string
	seen := make(map[string]bool)
	for _, r := range itemRows {
		if seen[r.Fragment.UUID] {
			continue
		}
		seen[r.Fragment.UUID] = true
		p, err := e.blobs.Path(ctx, collection, r.Fragment.UUID)
		if err != nil {
			return nil, fmt.Errorf("engine: resolve fragment path: %w", err)
		}
		paths = append(paths, p)
	}
	for _, b := range buffers {
		p, err := e.blobs.Path(ctx, collection, b.UUID)
		if err != nil {
			return nil, fmt.Errorf("engine: resolve buffer path: %w", err)
		}
		paths = append(paths, p)
	}

	if len(paths) == 0 {
		return []map[string]any{}, nil
	}

	rows, err := e.bridge.AdvancedQuery(ctx, paths, sql, minTS, maxTS, true, 0, 0)
	if err != nil {
		return nil, NewDomainError("advanced query failed", err)
	}
	return rows, nil
}

// DeleteCollection implements spec.md §4.5.5: catalog delete first, blob
// store delete second, so a failure after the catalog commit leaks blobs
// rather than dangling metadata references.
func (e *Engine) DeleteCollection(ctx context.Context, collection string) error {
	if err := e.catalog.DeleteCollection(ctx, collection); err != nil {
		if errors.Is(err, catalog.ErrCollectionNotFound) {
			return NewDomainError(fmt.Sprintf("unknown collection %q", collection), err)
		}
		return fmt.Errorf("engine: delete collection metadata: %w", err)
	}
	if err := e.blobs.DeleteCollection(ctx, collection); err != nil {
		e.log.Warn().Err(err).Str("collection", collection).Msg("failed to delete blob namespace after catalog delete")
	}
	return nil
}

// ListCollections is a thin passthrough to Catalog.ListCollections; it
// exists on Engine so the API layer never imports the Catalog directly.
func (e *Engine) ListCollections(ctx context.Context) ([]catalog.CollectionSummary, error) {
	return e.catalog.ListCollections(ctx)
}

// CreateCollection explicitly creates a namespace (spec.md §6 POST
// /collection/), as opposed to the implicit on-first-store creation Store
// offers when its caller opts in.
func (e *Engine) CreateCollection(ctx context.Context, name string) error {
	_, err := e.catalog.CreateCollection(ctx, name, false)
	if errors.Is(err, catalog.ErrCollectionExists) {
		return NewDomainError(fmt.Sprintf("collection %q already exists", name), err)
	}
	if err != nil {
		return fmt.Errorf("engine: create collection %q: %w", name, err)
	}
	if err := e.blobs.CreateCollection(ctx, name); err != nil {
		return fmt.Errorf("engine: create blob namespace %q: %w", name, err)
	}
	return nil
}

// Size sums original_size over a collection's items and unlocked buffers,
// backing GET /size/{name} (spec.md §6, a supplemented endpoint).
func (e *Engine) Size(ctx context.Context, collection string) (int64, error) {
	col, err := e.catalog.GetCollectionByName(ctx, collection)
	if errors.Is(err, catalog.ErrCollectionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("engine: resolve collection %q: %w", collection, err)
	}
	itemRows, err := e.catalog.Query(ctx, col.ID, math.MinInt64, math.MaxInt64, true, 0, nil)
	if err != nil {
		return 0, fmt.Errorf("engine: size items: %w", err)
	}
	var total int64
	for _, r := range itemRows {
		total += r.Item.OriginalSize
	}
	buffered, err := e.catalog.GetUnlockedBuffersSize(ctx, col.ID)
	if err != nil {
		return 0, fmt.Errorf("engine: size buffers: %w", err)
	}
	return total + buffered, nil
}

// DescribeCollection backs GET /describe/{name} (spec.md §9's content-hash
// column reuse for dedup verification): it surfaces the most recently
// logged hash and fragment/buffer counts for operational inspection,
// independent of the Engine's own in-memory dedup cache.
func (e *Engine) DescribeCollection(ctx context.Context, collection string) (*catalog.CollectionDescription, error) {
	col, err := e.catalog.GetCollectionByName(ctx, collection)
	if errors.Is(err, catalog.ErrCollectionNotFound) {
		return nil, NewDomainError(fmt.Sprintf("unknown collection %q", collection), err)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: resolve collection %q: %w", collection, err)
	}
	desc, err := e.catalog.DescribeCollection(ctx, col.ID)
	if err != nil {
		return nil, fmt.Errorf("engine: describe collection %q: %w", collection, err)
	}
	return desc, nil
}

// RecoverOnStartup scans every collection with unlocked buffers and
// flushes them, the supplemented startup integrity sweep
// (original_source's check_for_storage_integrity; spec.md §9 names it
// recommended but not required).
func (e *Engine) RecoverOnStartup(ctx context.Context) error {
	summaries, err := e.catalog.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("engine: list collections for recovery: %w", err)
	}
	for _, s := range summaries {
		if err := e.Flush(ctx, s.Name); err != nil {
			e.log.Error().Err(err).Str("collection", s.Name).Msg("startup recovery flush failed")
		}
	}
	return nil
}
