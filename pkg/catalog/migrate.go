package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaDDL mirrors spec.md §6's persisted catalog schema. collection.id
// is a surrogate bigserial key and fragment is keyed by its uuid;
// buffered_fragment and item carry the composite keys spec.md §9 mandates after reconciling the source's
// inconsistent (collection,timestamp) vs (uuid) buffer identity.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS collection (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS fragment (
	uuid          TEXT PRIMARY KEY,
	content_type  INTEGER,
	collection_id BIGINT NOT NULL REFERENCES collection(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS fragment_collection_id_idx ON fragment(collection_id);

CREATE TABLE IF NOT EXISTS buffered_fragment (
	timestamp     BIGINT NOT NULL,
	collection_id BIGINT NOT NULL REFERENCES collection(id) ON DELETE CASCADE,
	content_type  INTEGER NOT NULL,
	size          BIGINT NOT NULL,
	original_size BIGINT NOT NULL,
	uuid          TEXT NOT NULL UNIQUE,
	locked        BOOLEAN NOT NULL DEFAULT FALSE,
	hash          TEXT NOT NULL,
	PRIMARY KEY (timestamp, collection_id)
);
CREATE INDEX IF NOT EXISTS buffered_fragment_collection_locked_idx
	ON buffered_fragment(collection_id, locked);

CREATE TABLE IF NOT EXISTS item (
	fragment_id   TEXT NOT NULL REFERENCES fragment(uuid) ON DELETE CASCADE,
	collection_id BIGINT NOT NULL REFERENCES collection(id) ON DELETE CASCADE,
	timestamp     BIGINT NOT NULL,
	size          BIGINT NOT NULL,
	original_size BIGINT NOT NULL,
	content_type  INTEGER NOT NULL,
	hash          TEXT NOT NULL,
	PRIMARY KEY (fragment_id, collection_id, timestamp)
);
CREATE INDEX IF NOT EXISTS item_collection_timestamp_idx ON item(collection_id, timestamp);
`

// Migrate creates the catalog schema if it does not already exist. Safe to
// call on every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}
