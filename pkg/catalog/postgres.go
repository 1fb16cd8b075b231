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

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const collectionCacheSize = 4096

// PostgresCatalog implements Catalog against a Postgres database via
// database/sql and github.com/lib/pq, the same driver Perkeep's own
// pkg/sorted/postgres and pkg/sorted/sqlkv build on. Writes use
// short-lived transactions from writeDB; reads run against readDB, a
// separate pool tuned for non-blocking concurrent reads so long-running
// analytical queries never starve a flush's FOR UPDATE transaction.
type PostgresCatalog struct {
	writeDB *sql.DB
	readDB  *sql.DB

	byName *collectionCache
	log    zerolog.Logger
}

// Open connects to dsn twice — once for the write pool, once for the read
// pool — migrates the schema, and returns a ready PostgresCatalog.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*PostgresCatalog, error) {
	writeDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(16)

	readDB, err := sql.Open("postgres", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("catalog: open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(32)

	if err := writeDB.PingContext(ctx); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	if err := Migrate(ctx, writeDB); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}
	return &PostgresCatalog{
		writeDB: writeDB,
		readDB:  readDB,
		byName:  newCollectionCache(collectionCacheSize),
		log:     log.With().Str("component", "catalog.postgres").Logger(),
	}, nil
}

// Close implements Catalog.
func (c *PostgresCatalog) Close() error {
	werr := c.writeDB.Close()
	rerr := c.readDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// CreateCollection implements Catalog.
func (c *PostgresCatalog) CreateCollection(ctx context.Context, name string, allowExisting bool) (*Collection, error) {
	var id int64
	err := c.writeDB.QueryRowContext(ctx,
		`INSERT INTO collection (name) VALUES ($1) RETURNING id`, name,
	).Scan(&id)
	if err == nil {
		col := &Collection{ID: id, Name: name}
		c.byName.add(name, col)
		return col, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("catalog: create collection %q: %w", name, err)
	}
	if !allowExisting {
		return nil, fmt.Errorf("%w: %q", ErrCollectionExists, name)
	}
	col, getErr := c.GetCollectionByName(ctx, name)
	if getErr != nil {
		return nil, getErr
	}
	return col, nil
}

// GetCollectionByName implements Catalog.
func (c *PostgresCatalog) GetCollectionByName(ctx context.Context, name string) (*Collection, error) {
	if col, ok := c.byName.get(name); ok {
		return col, nil
	}
	var col Collection
	err := c.readDB.QueryRowContext(ctx,
		`SELECT id, name FROM collection WHERE name = $1`, name,
	).Scan(&col.ID, &col.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get collection %q: %w", name, err)
	}
	c.byName.add(name, &col)
	return &col, nil
}

// ListCollections implements Catalog, merging Item and BufferedFragment
// timestamps per collection.
func (c *PostgresCatalog) ListCollections(ctx context.Context) ([]CollectionSummary, error) {
	const q = `
SELECT c.name,
       MIN(ts.timestamp), MAX(ts.timestamp), COUNT(ts.timestamp)
FROM collection c
LEFT JOIN (
	SELECT collection_id, timestamp FROM item
	UNION ALL
	SELECT collection_id, timestamp FROM buffered_fragment
) ts ON ts.collection_id = c.id
GROUP BY c.name
ORDER BY c.name`

	rows, err := c.readDB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("catalog: list collections: %w", err)
	}
	defer rows.Close()

	var out []CollectionSummary
	for rows.Next() {
		var s CollectionSummary
		var min, max sql.NullInt64
		if err := rows.Scan(&s.Name, &min, &max, &s.Count); err != nil {
			return nil, fmt.Errorf("catalog: scan collection summary: %w", err)
		}
		if min.Valid {
			v := min.Int64
			s.MinTimestamp = &v
		}
		if max.Valid {
			v := max.Int64
			s.MaxTimestamp = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LogBuffer implements Catalog.
func (c *PostgresCatalog) LogBuffer(ctx context.Context, collectionID int64, ts int64, uuid string, size, originalSize int64, contentType int, hash string) error {
	_, err := c.writeDB.ExecContext(ctx,
		`INSERT INTO buffered_fragment
			(timestamp, collection_id, content_type, size, original_size, uuid, locked, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		ts, collectionID, contentType, size, originalSize, uuid, hash,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w (collection=%d ts=%d)", ErrDuplicateBuffer, collectionID, ts)
	}
	if err != nil {
		return fmt.Errorf("catalog: log buffer: %w", err)
	}
	return nil
}

// GetUnlockedBuffersSize implements Catalog.
func (c *PostgresCatalog) GetUnlockedBuffersSize(ctx context.Context, collectionID int64) (int64, error) {
	var total sql.NullInt64
	err := c.readDB.QueryRowContext(ctx,
		`SELECT SUM(original_size) FROM buffered_fragment WHERE collection_id = $1 AND locked = FALSE`,
		collectionID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("catalog: unlocked buffers size: %w", err)
	}
	return total.Int64, nil
}

// GetAndLockBuffers implements Catalog: the single serialization point for
// concurrent flushers on one collection.
func (c *PostgresCatalog) GetAndLockBuffers(ctx context.Context, collectionID int64) ([]BufferedFragment, error) {
	tx, err := c.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: begin lock buffers tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT timestamp, collection_id, content_type, size, original_size, uuid, hash
		 FROM buffered_fragment
		 WHERE collection_id = $1 AND locked = FALSE
		 FOR UPDATE`,
		collectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: select unlocked buffers: %w", err)
	}
	var bufs []BufferedFragment
	for rows.Next() {
		var b BufferedFragment
		var ct int
		if err := rows.Scan(&b.Timestamp, &b.CollectionID, &ct, &b.Size, &b.OriginalSize, &b.UUID, &b.Hash); err != nil {
			rows.Close()
			return nil, fmt.Errorf("catalog: scan buffer: %w", err)
		}
		b.ContentType = contentTypeFromInt(ct)
		b.Locked = true
		bufs = append(bufs, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(bufs) > 0 {
		uuids := make([]string, len(bufs))
		for i, b := range bufs {
			uuids[i] = b.UUID
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE buffered_fragment SET locked = TRUE WHERE uuid = ANY($1)`, pqStringArray(uuids),
		); err != nil {
			return nil, fmt.Errorf("catalog: lock buffers: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: commit lock buffers: %w", err)
	}
	return bufs, nil
}

// FlushBuffer implements Catalog.
func (c *PostgresCatalog) FlushBuffer(ctx context.Context, collectionID int64, newFragmentUUID string, contentType int, bufferUUIDs []string) error {
	if len(bufferUUIDs) == 0 {
		return nil
	}
	tx, err := c.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin flush buffer tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fragment (uuid, content_type, collection_id) VALUES ($1, $2, $3)`,
		newFragmentUUID, contentType, collectionID,
	); err != nil {
		return fmt.Errorf("catalog: insert fragment: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO item (fragment_id, collection_id, timestamp, size, original_size, content_type, hash)
		 SELECT $1, collection_id, timestamp, size, original_size, content_type, hash
		 FROM buffered_fragment WHERE uuid = ANY($2)`,
		newFragmentUUID, pqStringArray(bufferUUIDs),
	); err != nil {
		return fmt.Errorf("catalog: insert items: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM buffered_fragment WHERE uuid = ANY($1)`, pqStringArray(bufferUUIDs),
	); err != nil {
		return fmt.Errorf("catalog: delete promoted buffers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit flush buffer: %w", err)
	}
	return nil
}

// FlushSkippedBuffers implements Catalog: each skipped buffer becomes a
// standalone Fragment under its own existing UUID, preserving its blob.
func (c *PostgresCatalog) FlushSkippedBuffers(ctx context.Context, collectionID int64, skippedUUIDs []string) error {
	if len(skippedUUIDs) == 0 {
		return nil
	}
	tx, err := c.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin flush skipped tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fragment (uuid, content_type, collection_id)
		 SELECT uuid, content_type, collection_id FROM buffered_fragment WHERE uuid = ANY($1)`,
		pqStringArray(skippedUUIDs),
	); err != nil {
		return fmt.Errorf("catalog: insert skipped fragments: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO item (fragment_id, collection_id, timestamp, size, original_size, content_type, hash)
		 SELECT uuid, collection_id, timestamp, size, original_size, content_type, hash
		 FROM buffered_fragment WHERE uuid = ANY($1)`,
		pqStringArray(skippedUUIDs),
	); err != nil {
		return fmt.Errorf("catalog: insert skipped items: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM buffered_fragment WHERE uuid = ANY($1)`, pqStringArray(skippedUUIDs),
	); err != nil {
		return fmt.Errorf("catalog: delete skipped buffers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit flush skipped: %w", err)
	}
	_ = collectionID // kept for interface symmetry / future per-collection metrics
	return nil
}

// Query implements Catalog.
func (c *PostgresCatalog) Query(ctx context.Context, collectionID int64, minTS, maxTS int64, ascending bool, limit int, contentTypes []int) ([]ItemFragmentRow, error) {
	order := "ASC"
	if !ascending {
		order = "DESC"
	}
	q := fmt.Sprintf(`
SELECT i.fragment_id, i.collection_id, i.timestamp, i.size, i.original_size, i.content_type, i.hash,
       f.content_type
FROM item i
JOIN fragment f ON f.uuid = i.fragment_id
WHERE i.collection_id = $1 AND i.timestamp BETWEEN $2 AND $3
%s
ORDER BY i.timestamp %s
%s`, contentTypeFilterClause(contentTypes), order, limitClause(limit))

	args := []any{collectionID, minTS, maxTS}
	if len(contentTypes) > 0 {
		args = append(args, pqIntArray(contentTypes))
	}

	rows, err := c.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query: %w", err)
	}
	defer rows.Close()

	var out []ItemFragmentRow
	for rows.Next() {
		var row ItemFragmentRow
		var itemCT, fragCT int
		if err := rows.Scan(
			&row.Item.FragmentUUID, &row.Item.CollectionID, &row.Item.Timestamp,
			&row.Item.Size, &row.Item.OriginalSize, &itemCT, &row.Item.Hash,
			&fragCT,
		); err != nil {
			return nil, fmt.Errorf("catalog: scan query row: %w", err)
		}
		row.Item.ContentType = contentTypeFromInt(itemCT)
		row.Fragment = Fragment{UUID: row.Item.FragmentUUID, CollectionID: row.Item.CollectionID, ContentType: contentTypeFromInt(fragCT)}
		out = append(out, row)
	}
	return out, rows.Err()
}

// QueryBuffers implements Catalog.
func (c *PostgresCatalog) QueryBuffers(ctx context.Context, collectionID int64, minTS, maxTS int64, ascending bool, limit int) ([]BufferedFragment, error) {
	order := "ASC"
	if !ascending {
		order = "DESC"
	}
	q := fmt.Sprintf(`
SELECT timestamp, collection_id, content_type, size, original_size, uuid, locked, hash
FROM buffered_fragment
WHERE collection_id = $1 AND timestamp BETWEEN $2 AND $3
ORDER BY timestamp %s
%s`, order, limitClause(limit))

	rows, err := c.readDB.QueryContext(ctx, q, collectionID, minTS, maxTS)
	if err != nil {
		return nil, fmt.Errorf("catalog: query buffers: %w", err)
	}
	defer rows.Close()

	var out []BufferedFragment
	for rows.Next() {
		var b BufferedFragment
		var ct int
		if err := rows.Scan(&b.Timestamp, &b.CollectionID, &ct, &b.Size, &b.OriginalSize, &b.UUID, &b.Locked, &b.Hash); err != nil {
			return nil, fmt.Errorf("catalog: scan buffer row: %w", err)
		}
		b.ContentType = contentTypeFromInt(ct)
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetItemsFromFragments implements Catalog.
func (c *PostgresCatalog) GetItemsFromFragments(ctx context.Context, fragmentUUIDs []string) ([]Item, error) {
	if len(fragmentUUIDs) == 0 {
		return nil, nil
	}
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT fragment_id, collection_id, timestamp, size, original_size, content_type, hash
		 FROM item WHERE fragment_id = ANY($1)`, pqStringArray(fragmentUUIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: get items from fragments: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		var ct int
		if err := rows.Scan(&it.FragmentUUID, &it.CollectionID, &it.Timestamp, &it.Size, &it.OriginalSize, &ct, &it.Hash); err != nil {
			return nil, fmt.Errorf("catalog: scan item: %w", err)
		}
		it.ContentType = contentTypeFromInt(ct)
		out = append(out, it)
	}
	return out, rows.Err()
}

// DescribeCollection implements Catalog. The last hash favors the most
// recently logged buffer over the most recently flushed item, since a
// buffer's hash is always at least as fresh.
func (c *PostgresCatalog) DescribeCollection(ctx context.Context, collectionID int64) (*CollectionDescription, error) {
	var name string
	if err := c.readDB.QueryRowContext(ctx,
		`SELECT name FROM collection WHERE id = $1`, collectionID,
	).Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: collection id %d", ErrCollectionNotFound, collectionID)
		}
		return nil, fmt.Errorf("catalog: describe collection: %w", err)
	}

	desc := &CollectionDescription{Name: name}

	if err := c.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fragment WHERE collection_id = $1`, collectionID,
	).Scan(&desc.FragmentCount); err != nil {
		return nil, fmt.Errorf("catalog: describe collection: count fragments: %w", err)
	}
	if err := c.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buffered_fragment WHERE collection_id = $1`, collectionID,
	).Scan(&desc.BufferedCount); err != nil {
		return nil, fmt.Errorf("catalog: describe collection: count buffers: %w", err)
	}

	var hash sql.NullString
	if err := c.readDB.QueryRowContext(ctx,
		`SELECT hash FROM buffered_fragment WHERE collection_id = $1 ORDER BY timestamp DESC LIMIT 1`, collectionID,
	).Scan(&hash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: describe collection: last buffer hash: %w", err)
	}
	if hash.Valid {
		desc.LastHash = hash.String
	} else {
		if err := c.readDB.QueryRowContext(ctx,
			`SELECT hash FROM item WHERE collection_id = $1 ORDER BY timestamp DESC LIMIT 1`, collectionID,
		).Scan(&hash); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("catalog: describe collection: last item hash: %w", err)
		}
		desc.LastHash = hash.String
	}

	desc.CacheHits, desc.CacheMisses = c.byName.stats()
	return desc, nil
}

// DeleteCollection implements Catalog, cascading via ON DELETE CASCADE
// once the collection row itself is removed.
func (c *PostgresCatalog) DeleteCollection(ctx context.Context, name string) error {
	res, err := c.writeDB.ExecContext(ctx, `DELETE FROM collection WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("catalog: delete collection %q: %w", name, err)
	}
	c.byName.remove(name)
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	return nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %d", limit)
}

func contentTypeFilterClause(contentTypes []int) string {
	if len(contentTypes) == 0 {
		return ""
	}
	return "AND f.content_type = ANY($4)"
}

func contentTypeFromInt(v int) int { return v }

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return containsPQCode(err, "23505")
}
