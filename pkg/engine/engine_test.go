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

package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/motionlake/motionlaked/pkg/blob"
	"github.com/motionlake/motionlaked/pkg/bridge"
	"github.com/motionlake/motionlaked/pkg/catalog"
	"github.com/motionlake/motionlaked/pkg/content"
)

// fakeBlobStore is an in-memory blob.Store, keyed by collection/id, enough
// to exercise Store/Flush/Query without touching a filesystem.
type fakeBlobStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{data: make(map[string][]byte)}
}

func (f *fakeBlobStore) key(collection, id string) string { return collection + "/" + id }

func (f *fakeBlobStore) CreateCollection(ctx context.Context, collection string) error { return nil }

type fakeWriter struct {
	store      *fakeBlobStore
	collection string
	id         string
	buf        bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.data[w.store.key(w.collection, w.id)] = w.buf.Bytes()
	return nil
}

func (f *fakeBlobStore) Write(ctx context.Context, collection, id string) (blob.WriteCloser, error) {
	return &fakeWriter{store: f, collection: collection, id: id}, nil
}

func (f *fakeBlobStore) Read(ctx context.Context, collection, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.data[f.key(collection, id)]
	if !ok {
		return nil, blob.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(d)), nil
}

func (f *fakeBlobStore) Size(ctx context.Context, collection, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data[f.key(collection, id)])), nil
}

func (f *fakeBlobStore) Path(ctx context.Context, collection, id string) (string, error) {
	return f.key(collection, id), nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, collection string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.data, f.key(collection, id))
	}
	return nil
}

func (f *fakeBlobStore) DeleteCollection(ctx context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := collection + "/"
	for k := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(f.data, k)
		}
	}
	return nil
}

// fakeCatalog is an in-memory catalog.Catalog, enough to drive Store, Flush
// and Query without a real Postgres instance.
type fakeCatalog struct {
	mu          sync.Mutex
	nextID      int64
	collections map[string]*catalog.Collection
	buffers     map[int64][]catalog.BufferedFragment
	fragments   map[string]catalog.Fragment
	items       []catalog.Item
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		collections: make(map[string]*catalog.Collection),
		buffers:     make(map[int64][]catalog.BufferedFragment),
		fragments:   make(map[string]catalog.Fragment),
	}
}

func (c *fakeCatalog) CreateCollection(ctx context.Context, name string, allowExisting bool) (*catalog.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[name]; ok {
		if allowExisting {
			return col, nil
		}
		return nil, catalog.ErrCollectionExists
	}
	c.nextID++
	col := &catalog.Collection{ID: c.nextID, Name: name}
	c.collections[name] = col
	return col, nil
}

func (c *fakeCatalog) GetCollectionByName(ctx context.Context, name string) (*catalog.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[name]
	if !ok {
		return nil, catalog.ErrCollectionNotFound
	}
	return col, nil
}

func (c *fakeCatalog) ListCollections(ctx context.Context) ([]catalog.CollectionSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []catalog.CollectionSummary
	for name := range c.collections {
		out = append(out, catalog.CollectionSummary{Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *fakeCatalog) LogBuffer(ctx context.Context, collectionID int64, ts int64, uuid string, size, originalSize int64, contentType int, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.buffers[collectionID] {
		if b.Timestamp == ts {
			return catalog.ErrDuplicateBuffer
		}
	}
	c.buffers[collectionID] = append(c.buffers[collectionID], catalog.BufferedFragment{
		CollectionID: collectionID, Timestamp: ts, UUID: uuid, Size: size,
		OriginalSize: originalSize, ContentType: contentType, Hash: hash,
	})
	return nil
}

func (c *fakeCatalog) GetUnlockedBuffersSize(ctx context.Context, collectionID int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, b := range c.buffers[collectionID] {
		if !b.Locked {
			total += b.OriginalSize
		}
	}
	return total, nil
}

func (c *fakeCatalog) GetAndLockBuffers(ctx context.Context, collectionID int64) ([]catalog.BufferedFragment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []catalog.BufferedFragment
	var remaining []catalog.BufferedFragment
	for _, b := range c.buffers[collectionID] {
		if b.Locked {
			remaining = append(remaining, b)
			continue
		}
		b.Locked = true
		out = append(out, b)
	}
	c.buffers[collectionID] = remaining
	return out, nil
}

func (c *fakeCatalog) FlushBuffer(ctx context.Context, collectionID int64, newFragmentUUID string, contentType int, bufferUUIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fragments[newFragmentUUID] = catalog.Fragment{UUID: newFragmentUUID, CollectionID: collectionID, ContentType: contentType}
	for _, uuid := range bufferUUIDs {
		c.items = append(c.items, catalog.Item{FragmentUUID: newFragmentUUID, CollectionID: collectionID, ContentType: contentType, Hash: uuid})
	}
	return nil
}

func (c *fakeCatalog) FlushSkippedBuffers(ctx context.Context, collectionID int64, skippedUUIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, uuid := range skippedUUIDs {
		c.fragments[uuid] = catalog.Fragment{UUID: uuid, CollectionID: collectionID}
		c.items = append(c.items, catalog.Item{FragmentUUID: uuid, CollectionID: collectionID})
	}
	return nil
}

func (c *fakeCatalog) Query(ctx context.Context, collectionID int64, minTS, maxTS int64, ascending bool, limit int, contentTypes []int) ([]catalog.ItemFragmentRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []catalog.ItemFragmentRow
	for _, it := range c.items {
		if it.CollectionID != collectionID {
			continue
		}
		frag := c.fragments[it.FragmentUUID]
		out = append(out, catalog.ItemFragmentRow{Item: it, Fragment: frag})
	}
	return out, nil
}

func (c *fakeCatalog) QueryBuffers(ctx context.Context, collectionID int64, minTS, maxTS int64, ascending bool, limit int) ([]catalog.BufferedFragment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []catalog.BufferedFragment
	for _, b := range c.buffers[collectionID] {
		if b.Timestamp < minTS || b.Timestamp > maxTS {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (c *fakeCatalog) GetItemsFromFragments(ctx context.Context, fragmentUUIDs []string) ([]catalog.Item, error) {
	return nil, nil
}

func (c *fakeCatalog) DescribeCollection(ctx context.Context, collectionID int64) (*catalog.CollectionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var name string
	for n, col := range c.collections {
		if col.ID == collectionID {
			name = n
			break
		}
	}
	desc := &catalog.CollectionDescription{Name: name}
	for _, f := range c.fragments {
		if f.CollectionID == collectionID {
			desc.FragmentCount++
		}
	}
	for _, b := range c.buffers[collectionID] {
		desc.BufferedCount++
		desc.LastHash = b.Hash
	}
	return desc, nil
}

func (c *fakeCatalog) DeleteCollection(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[name]
	if !ok {
		return catalog.ErrCollectionNotFound
	}
	delete(c.collections, name)
	delete(c.buffers, col.ID)
	return nil
}

func (c *fakeCatalog) Close() error { return nil }

func newTestEngine() (*Engine, *fakeCatalog, *fakeBlobStore) {
	cat := newFakeCatalog()
	blobs := newFakeBlobStore()
	br := bridge.New(content.NewRegistry(), zerolog.Nop())
	eng := New(cat, blobs, br, zerolog.Nop(), WithBufferSize(1<<30))
	return eng, cat, blobs
}

func TestStoreThenQueryRoundTrips(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	err := eng.Store(ctx, "events", 100, []byte(`{"a":1}`), int(content.JSON), true)
	require.NoError(t, err)
	err = eng.Store(ctx, "events", 200, []byte(`{"a":2}`), int(content.JSON), true)
	require.NoError(t, err)

	rows, err := eng.Query(ctx, "events", 0, 1000, true, 0, 0, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(100), rows[0].Timestamp)
	require.Equal(t, int64(200), rows[1].Timestamp)
}

func TestStoreDropsDuplicatePayload(t *testing.T) {
	eng, cat, _ := newTestEngine()
	ctx := context.Background()

	require.NoError(t, eng.Store(ctx, "events", 100, []byte("same"), int(content.RAW), true))
	require.NoError(t, eng.Store(ctx, "events", 200, []byte("same"), int(content.RAW), true))

	col, err := cat.GetCollectionByName(ctx, "events")
	require.NoError(t, err)
	size, err := cat.GetUnlockedBuffersSize(ctx, col.ID)
	require.NoError(t, err)
	require.Positive(t, size)
	require.Len(t, cat.buffers[col.ID], 1, "second identical payload must be dropped as a duplicate")
}

func TestStoreUnknownCollectionWithoutCreateFails(t *testing.T) {
	eng, _, _ := newTestEngine()
	err := eng.Store(context.Background(), "missing", 1, []byte("x"), int(content.RAW), false)
	require.Error(t, err)
	var de *DomainError
	require.ErrorAs(t, err, &de)
}

func TestFlushMergesBuffersIntoOneFragment(t *testing.T) {
	eng, cat, blobs := newTestEngine()
	ctx := context.Background()

	require.NoError(t, eng.Store(ctx, "events", 100, []byte(`{"a":1}`), int(content.JSON), true))
	require.NoError(t, eng.Store(ctx, "events", 200, []byte(`{"a":2}`), int(content.JSON), true))

	col, err := cat.GetCollectionByName(ctx, "events")
	require.NoError(t, err)
	require.Len(t, cat.buffers[col.ID], 2)

	require.NoError(t, eng.Flush(ctx, "events"))

	require.Empty(t, cat.buffers[col.ID], "flush must clear unlocked buffers")
	require.Len(t, cat.fragments, 1, "two same-type buffers must merge into a single fragment")

	rows, err := eng.Query(ctx, "events", 0, 1000, true, 0, 0, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	_ = blobs
}

func TestStoreTriggersThresholdFlush(t *testing.T) {
	cat := newFakeCatalog()
	blobs := newFakeBlobStore()
	br := bridge.New(content.NewRegistry(), zerolog.Nop())
	eng := New(cat, blobs, br, zerolog.Nop(), WithBufferSize(1))
	ctx := context.Background()

	require.NoError(t, eng.Store(ctx, "events", 100, []byte(`{"a":1}`), int(content.JSON), true))

	col, err := cat.GetCollectionByName(ctx, "events")
	require.NoError(t, err)
	require.Empty(t, cat.buffers[col.ID], "a tiny BufferSize must trigger an immediate flush")
	require.Len(t, cat.fragments, 1)
}

func TestAdvancedQueryRejectsRangeOverSevenDays(t *testing.T) {
	eng, _, _ := newTestEngine()
	_, err := eng.AdvancedQuery(context.Background(), "events", "SELECT * FROM [table]", 0, 8*24*3600)
	require.Error(t, err)
	var de *DomainError
	require.ErrorAs(t, err, &de)
	require.Contains(t, err.Error(), "7 day")
}

func TestAdvancedQueryUnknownCollectionReturnsEmpty(t *testing.T) {
	eng, _, _ := newTestEngine()
	rows, err := eng.AdvancedQuery(context.Background(), "missing", "SELECT * FROM [table]", 0, 100)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestQueryUnknownCollectionReturnsEmptyNotError(t *testing.T) {
	eng, _, _ := newTestEngine()
	rows, err := eng.Query(context.Background(), "missing", 0, 100, true, 0, 0, false)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDeleteCollectionRemovesMetadataAndBlobs(t *testing.T) {
	eng, cat, blobs := newTestEngine()
	ctx := context.Background()

	require.NoError(t, eng.Store(ctx, "events", 100, []byte(`{"a":1}`), int(content.JSON), true))
	require.NoError(t, eng.DeleteCollection(ctx, "events"))

	_, err := cat.GetCollectionByName(ctx, "events")
	require.ErrorIs(t, err, catalog.ErrCollectionNotFound)

	require.Empty(t, blobs.data, "no blob of the deleted collection may remain")
}

func TestCreateCollectionRejectsDuplicate(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	require.NoError(t, eng.CreateCollection(ctx, "events"))
	err := eng.CreateCollection(ctx, "events")
	require.Error(t, err)
	var de *DomainError
	require.ErrorAs(t, err, &de)
}

func TestDescribeCollectionReportsLastHashAndCounts(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	require.NoError(t, eng.Store(ctx, "events", 100, []byte(`{"a":1}`), int(content.JSON), true))
	require.NoError(t, eng.Store(ctx, "events", 200, []byte(`{"a":2}`), int(content.JSON), true))

	desc, err := eng.DescribeCollection(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, "events", desc.Name)
	require.Equal(t, int64(2), desc.BufferedCount)
	require.Equal(t, int64(0), desc.FragmentCount)
	require.NotEmpty(t, desc.LastHash)

	require.NoError(t, eng.Flush(ctx, "events"))

	desc, err = eng.DescribeCollection(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, int64(0), desc.BufferedCount)
	require.Equal(t, int64(1), desc.FragmentCount)
}

func TestDescribeCollectionUnknownReturnsDomainError(t *testing.T) {
	eng, _, _ := newTestEngine()
	_, err := eng.DescribeCollection(context.Background(), "missing")
	require.Error(t, err)
	var de *DomainError
	require.ErrorAs(t, err, &de)
}

func TestQueryRespectsOffsetAndLimit(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		require.NoError(t, eng.Store(ctx, "events", i, []byte(fmt.Sprintf(`{"a":%d}`, i)), int(content.JSON), true))
	}

	rows, err := eng.Query(ctx, "events", 0, 100, true, 2, 1, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(1), rows[0].Timestamp)
	require.Equal(t, int64(2), rows[1].Timestamp)
}
