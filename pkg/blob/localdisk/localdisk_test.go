package localdisk

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionlake/motionlaked/pkg/blob"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.CreateCollection(ctx, "trips"))

	w, err := s.Write(ctx, "trips", "frag-1")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := s.Read(ctx, "trips", "frag-1")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	size, err := s.Size(ctx, "trips", "frag-1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestReadMissingReturnsErrNotExist(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Read(context.Background(), "trips", "missing")
	assert.ErrorIs(t, err, blob.ErrNotExist)
}

func TestSizeMissingReturnsZero(t *testing.T) {
	s := newTestStorage(t)
	size, err := s.Size(context.Background(), "trips", "missing")
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)
}

func TestPartialWriteNotVisibleOnEarlyExit(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	w, err := s.Write(ctx, "trips", "frag-2")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	// Simulate a cancelled writer: drop the reference without Close.
	// The blob must not be visible.
	_, err = s.Read(ctx, "trips", "frag-2")
	assert.ErrorIs(t, err, blob.ErrNotExist)
}

func TestInvalidKeyRejected(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Write(context.Background(), "trips", "has a space")
	assert.ErrorIs(t, err, blob.ErrInvalidKey)
}

func TestDeleteIsBestEffort(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.Delete(ctx, "trips", []string{"never-existed"}))
}

func TestDeleteCollectionRemovesAllBlobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	w, err := s.Write(ctx, "trips", "frag-1")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, s.DeleteCollection(ctx, "trips"))
	_, err = s.Read(ctx, "trips", "frag-1")
	assert.ErrorIs(t, err, blob.ErrNotExist)
}
