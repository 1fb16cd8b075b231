package catalog

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestPostgresCatalogLifecycle exercises CreateCollection, LogBuffer,
// GetAndLockBuffers, FlushBuffer and DeleteCollection against a real
// Postgres instance. It is gated behind MOTIONLAKE_TEST_DATABASE_URL the
// way Perkeep's own pkg/sorted/postgres test is gated behind a Docker
// container: CI wires the env var, local runs without it simply skip.
func TestPostgresCatalogLifecycle(t *testing.T) {
	dsn := os.Getenv("MOTIONLAKE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MOTIONLAKE_TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	ctx := context.Background()
	cat, err := Open(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	defer cat.Close()

	col, err := cat.CreateCollection(ctx, "trips-test", false)
	require.NoError(t, err)
	defer cat.DeleteCollection(ctx, "trips-test")

	require.NoError(t, cat.LogBuffer(ctx, col.ID, 1700000000, "buf-1", 10, 10, 1, "hash-1"))
	size, err := cat.GetUnlockedBuffersSize(ctx, col.ID)
	require.NoError(t, err)
	require.EqualValues(t, 10, size)

	bufs, err := cat.GetAndLockBuffers(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, bufs, 1)

	require.NoError(t, cat.FlushBuffer(ctx, col.ID, "frag-1", 1, []string{"buf-1"}))

	rows, err := cat.Query(ctx, col.ID, 0, 1800000000, true, 10, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "frag-1", rows[0].Fragment.UUID)
}

func TestCreateCollectionDuplicateWithoutAllowExisting(t *testing.T) {
	dsn := os.Getenv("MOTIONLAKE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MOTIONLAKE_TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	ctx := context.Background()
	cat, err := Open(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	defer cat.Close()

	_, err = cat.CreateCollection(ctx, "dup-test", false)
	require.NoError(t, err)
	defer cat.DeleteCollection(ctx, "dup-test")

	_, err = cat.CreateCollection(ctx, "dup-test", false)
	require.ErrorIs(t, err, ErrCollectionExists)

	col, err := cat.CreateCollection(ctx, "dup-test", true)
	require.NoError(t, err)
	require.Equal(t, "dup-test", col.Name)
}
