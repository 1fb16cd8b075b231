package bridge

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/motionlake/motionlaked/pkg/blob/localdisk"
	"github.com/motionlake/motionlaked/pkg/content"
)

func newTestBridge() *Bridge {
	return New(content.NewRegistry(), zerolog.Nop())
}

func TestWriteSingleThenReadRoundTripsJSON(t *testing.T) {
	b := newTestBridge()
	var buf bytes.Buffer

	payload := []byte(`{"b":1,"a":"x"}`)
	res, err := b.WriteSingle(context.Background(), payload, 1700000000, &buf, "trips", int(content.JSON))
	require.NoError(t, err)
	require.Equal(t, int(content.JSON), res.ContentType)
	require.EqualValues(t, len(payload), res.OriginalSize)

	rows, err := b.Read(context.Background(), buf.Bytes(), int(content.JSON), 0, 1800000000, true, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 1700000000, rows[0].Timestamp)
	require.JSONEq(t, `{"a":"x","b":1}`, string(rows[0].Data))
}

func TestWriteSingleRawRoundTrip(t *testing.T) {
	b := newTestBridge()
	var buf bytes.Buffer

	payload := []byte{0x01, 0x02, 0x03}
	_, err := b.WriteSingle(context.Background(), payload, 42, &buf, "blobs", int(content.RAW))
	require.NoError(t, err)

	rows, err := b.Read(context.Background(), buf.Bytes(), int(content.RAW), 0, 100, true, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, payload, rows[0].Data)
}

func TestWriteSingleEmptyPayloadFailsEvenAsRAW(t *testing.T) {
	b := newTestBridge()
	var buf bytes.Buffer

	_, err := b.WriteSingle(context.Background(), nil, 1, &buf, "blobs", int(content.JSON))
	require.Error(t, err)
}

func TestMergeSkipsUnreadableInputsAndSortsByTimestamp(t *testing.T) {
	b := newTestBridge()

	var buf1, buf2 bytes.Buffer
	_, err := b.WriteSingle(context.Background(), []byte(`{"v":2}`), 200, &buf1, "trips", int(content.JSON))
	require.NoError(t, err)
	_, err = b.WriteSingle(context.Background(), []byte(`{"v":1}`), 100, &buf2, "trips", int(content.JSON))
	require.NoError(t, err)

	result, err := b.Merge(context.Background(), []MergeInput{
		{Data: buf1.Bytes(), ID: "buf-1"},
		{Data: []byte("not a parquet file"), ID: "buf-bad"},
		{Data: buf2.Bytes(), ID: "buf-2"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"buf-bad"}, result.Skipped)
	require.NotEmpty(t, result.Data)

	rows, err := b.Read(context.Background(), result.Data, int(content.JSON), 0, 1000, true, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.EqualValues(t, 100, rows[0].Timestamp)
	require.EqualValues(t, 200, rows[1].Timestamp)
}

func TestMergeAllInputsUnreadableReturnsAllSkipped(t *testing.T) {
	b := newTestBridge()

	result, err := b.Merge(context.Background(), []MergeInput{
		{Data: []byte("garbage"), ID: "a"},
		{Data: []byte("also garbage"), ID: "b"},
	})
	require.NoError(t, err)
	require.Nil(t, result.Data)
	require.Equal(t, []string{"a", "b"}, result.Skipped)
}

// writeFragment writes one JSON row through WriteSingle directly under
// store's collection/id, the same shape the Engine persists a fragment as.
func writeFragment(t *testing.T, b *Bridge, store *localdisk.Storage, collection, id string, ts int64, payload []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateCollection(ctx, collection))
	w, err := store.Write(ctx, collection, id)
	require.NoError(t, err)
	_, writeErr := b.WriteSingle(ctx, payload, ts, w, collection, int(content.JSON))
	require.NoError(t, writeErr)
	require.NoError(t, w.Close())
}

// TestAdvancedQueryFiltersSortsAndFederatesAcrossFragments drives
// Bridge.AdvancedQuery through an embedded DuckDB instance against real
// fragment files on disk, the way Engine.AdvancedQuery resolves blob paths
// and hands them to the Bridge. It covers both a passthrough query (whose
// output still carries every federated column, including timestamp) and an
// aggregate query (whose output does not), guarding against AdvancedQuery
// filtering/sorting the user query's *output* instead of the pre-filtered
// relation it substitutes into "[table]".
func TestAdvancedQueryFiltersSortsAndFederatesAcrossFragments(t *testing.T) {
	b := newTestBridge()
	store, err := localdisk.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	writeFragment(t, b, store, "trips", "frag-1", 100, []byte(`{"v":1}`))
	writeFragment(t, b, store, "trips", "frag-2", 200, []byte(`{"v":2}`))
	writeFragment(t, b, store, "trips", "frag-3", 900, []byte(`{"v":9}`)) // outside the query window

	ctx := context.Background()
	path1, err := store.Path(ctx, "trips", "frag-1")
	require.NoError(t, err)
	path2, err := store.Path(ctx, "trips", "frag-2")
	require.NoError(t, err)
	path3, err := store.Path(ctx, "trips", "frag-3")
	require.NoError(t, err)
	paths := []string{path1, path2, path3}

	t.Run("passthrough", func(t *testing.T) {
		rows, err := b.AdvancedQuery(ctx, paths, "SELECT * FROM [table]", 0, 500, true, 0, 0)
		require.NoError(t, err)
		require.Len(t, rows, 2, "the 900-timestamp fragment must be excluded by the window")
		require.EqualValues(t, 100, rows[0]["timestamp"])
		require.EqualValues(t, 200, rows[1]["timestamp"])
	})

	t.Run("aggregate", func(t *testing.T) {
		rows, err := b.AdvancedQuery(ctx, paths, "SELECT count(*) AS n FROM [table]", 0, 500, true, 0, 0)
		require.NoError(t, err, "an aggregate query must not be rejected for lacking a timestamp column")
		require.Len(t, rows, 1)
		require.EqualValues(t, 2, rows[0]["n"])
	})
}
