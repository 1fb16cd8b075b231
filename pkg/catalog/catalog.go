package catalog

import "context"

// Catalog is the transactional metadata store (spec.md §4.4). Every
// multi-statement operation below runs in a single transaction against the
// backing relational store.
type Catalog interface {
	// CreateCollection enforces the unique-name constraint. Duplicate
	// names are a DomainError-class fault unless allowExisting is true,
	// in which case the existing Collection is returned.
	CreateCollection(ctx context.Context, name string, allowExisting bool) (*Collection, error)

	// GetCollectionByName resolves name, using the bounded LRU cache the
	// Catalog fronts itself with. Returns ErrCollectionNotFound if absent.
	GetCollectionByName(ctx context.Context, name string) (*Collection, error)

	// ListCollections joins Item and BufferedFragment per collection to
	// produce {min_ts, max_ts, count}, merging both sources.
	ListCollections(ctx context.Context) ([]CollectionSummary, error)

	// LogBuffer inserts a new unlocked BufferedFragment row.
	LogBuffer(ctx context.Context, collectionID int64, ts int64, uuid string, size, originalSize int64, contentType int, hash string) error

	// GetUnlockedBuffersSize sums original_size over collectionID's
	// unlocked buffers.
	GetUnlockedBuffersSize(ctx context.Context, collectionID int64) (int64, error)

	// GetAndLockBuffers selects every unlocked BufferedFragment for
	// collectionID FOR UPDATE, flips locked=true, and returns them — the
	// single serialization point for concurrent flushers.
	GetAndLockBuffers(ctx context.Context, collectionID int64) ([]BufferedFragment, error)

	// FlushBuffer atomically inserts a new Fragment, inserts one Item per
	// promoted buffer, and deletes those BufferedFragments.
	FlushBuffer(ctx context.Context, collectionID int64, newFragmentUUID string, contentType int, bufferUUIDs []string) error

	// FlushSkippedBuffers atomically promotes each skipped buffer into its
	// own standalone Fragment (reusing the buffer's UUID as the new
	// Fragment's UUID, preserving the existing blob) plus one Item, then
	// deletes the BufferedFragment rows.
	FlushSkippedBuffers(ctx context.Context, collectionID int64, skippedUUIDs []string) error

	// Query selects Items in [minTS, maxTS] ordered by timestamp, limited
	// to limit, optionally filtered to contentTypes, and returns them
	// paired with their owning Fragment.
	Query(ctx context.Context, collectionID int64, minTS, maxTS int64, ascending bool, limit int, contentTypes []int) ([]ItemFragmentRow, error)

	// QueryBuffers range-scans BufferedFragments including locked ones:
	// readers are never blocked by an in-progress flush.
	QueryBuffers(ctx context.Context, collectionID int64, minTS, maxTS int64, ascending bool, limit int) ([]BufferedFragment, error)

	// GetItemsFromFragments is a metadata-only lookup helper.
	GetItemsFromFragments(ctx context.Context, fragmentUUIDs []string) ([]Item, error)

	// DescribeCollection is GetUnlockedBuffersSize's sibling debug
	// accessor: it surfaces the hash already stored on Item and
	// BufferedFragment rows for operational dedup verification, alongside
	// a cheap fragment/buffer count.
	DescribeCollection(ctx context.Context, collectionID int64) (*CollectionDescription, error)

	// DeleteCollection cascades: Items, Fragments, BufferedFragments,
	// then the Collection row itself.
	DeleteCollection(ctx context.Context, name string) error

	// Close releases the Catalog's database connections.
	Close() error
}
